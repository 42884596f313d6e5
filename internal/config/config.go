package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for Steward.
type Config struct {
	Storage        StorageConfig            `yaml:"storage"`
	Logging        LoggingConfig            `yaml:"logging"`
	Telemetry      TelemetryConfig          `yaml:"telemetry"`
	Server         ServerConfig             `yaml:"server"`
	Providers      ProvidersConfig          `yaml:"providers"`
	Profiles       map[string]ProfileConfig `yaml:"profiles"`
	DefaultProfile string                   `yaml:"default_profile"`
	Orchestrator   OrchestratorConfig       `yaml:"orchestrator"`
	Worker         WorkerConfig             `yaml:"worker"`
	Automations    AutomationsConfig        `yaml:"automations"`
	Sandbox        SandboxConfig            `yaml:"sandbox"`
	RemoteTools    []RemoteToolConfig       `yaml:"remote_tools"`
	Documents      DocumentsConfig          `yaml:"documents"`
	Timezone       string                   `yaml:"timezone"`
}

// StorageConfig locates the database and the attachment blob backend.
// BlobBackend is "dir" (the default, content under BlobDir) or "s3".
type StorageConfig struct {
	DatabasePath string       `yaml:"database_path"`
	BlobBackend  string       `yaml:"blob_backend"`
	BlobDir      string       `yaml:"blob_dir"`
	S3           S3BlobConfig `yaml:"s3"`
}

// S3BlobConfig points the blob store at an S3-compatible bucket. Endpoint
// switches the client to path-style addressing for MinIO and friends.
type S3BlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json or text
	AddSource bool   `yaml:"add_source"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"` // empty disables tracing export
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// ServerConfig configures the HTTP surface (A2A, webhook, metrics, health).
type ServerConfig struct {
	Addr             string     `yaml:"addr"`
	PublicURL        string     `yaml:"public_url"` // advertised in the agent card
	AgentName        string     `yaml:"agent_name"`
	AgentDescription string     `yaml:"agent_description"`
	AgentVersion     string     `yaml:"agent_version"`
	Auth             AuthConfig `yaml:"auth"`
}

// AuthConfig is the optional bearer auth for the HTTP surface.
// BearerToken checks a static token; JWTSecret verifies HMAC-signed JWTs.
// Both empty means no auth.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	JWTSecret   string `yaml:"jwt_secret"`
}

// ProvidersConfig holds the LLM provider credentials and model defaults.
type ProvidersConfig struct {
	Default   string              `yaml:"default"`
	Anthropic LLMProviderSettings `yaml:"anthropic"`
	OpenAI    LLMProviderSettings `yaml:"openai"`
}

// LLMProviderSettings configures a single provider client.
type LLMProviderSettings struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ProfileConfig is a named bundle of system prompt, model parameters, and
// tool policy, selectable per conversation or A2A skill.
type ProfileConfig struct {
	Description       string            `yaml:"description"`
	SystemPrompt      string            `yaml:"system_prompt"`
	Provider          string            `yaml:"provider"`
	Model             string            `yaml:"model"`
	MaxTokens         int               `yaml:"max_tokens"`
	Temperature       *float64          `yaml:"temperature"`
	MaxToolIterations int               `yaml:"max_tool_iterations"`
	Tools             ToolsPolicyConfig `yaml:"tools_config"`
}

// ToolsPolicyConfig enables/disables tools for a profile and names the
// tools that require user confirmation before execution.
type ToolsPolicyConfig struct {
	Enabled      []string `yaml:"enabled"`
	Disabled     []string `yaml:"disabled"`
	Confirm      []string `yaml:"confirm"`
	DenyAllTools bool     `yaml:"deny_all_tools"`
}

// OrchestratorConfig tunes turn construction and attachment forwarding.
type OrchestratorConfig struct {
	AttachmentSelectionThreshold int           `yaml:"attachment_selection_threshold"`
	MaxResponseAttachments       int           `yaml:"max_response_attachments"`
	MaxHistoryMessages           int           `yaml:"max_history_messages"`
	HistoryMaxAgeHours           int           `yaml:"history_max_age_hours"`
	LLMTimeout                   time.Duration `yaml:"llm_timeout"`
	ConfirmationTimeout          time.Duration `yaml:"confirmation_timeout"`
}

// WorkerConfig tunes the task queue worker pool.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	MaxRetriesDefault int           `yaml:"max_retries_default"`
}

// AutomationsConfig tunes event listener behavior.
type AutomationsConfig struct {
	// DailyExecutionLimit caps triggers per listener per day. Zero disables
	// the cap.
	DailyExecutionLimit int `yaml:"daily_execution_limit"`
}

// SandboxConfig tunes script execution.
type SandboxConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteToolConfig describes one remote tool server.
// Transport is "stdio" (command + args) or "http" (url).
// Env and header values support $ENV_VAR indirection resolved at load.
type RemoteToolConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// DocumentsConfig tunes the indexing pipeline.
type DocumentsConfig struct {
	ChunkSize      int           `yaml:"chunk_size"`
	ChunkOverlap   int           `yaml:"chunk_overlap"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	EmbeddingModel string        `yaml:"embedding_model"`
}

// Load reads, merges, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// tests and for running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "steward.db"
	}
	if cfg.Storage.BlobBackend == "" {
		cfg.Storage.BlobBackend = "dir"
	}
	if cfg.Storage.BlobDir == "" {
		cfg.Storage.BlobDir = "attachments"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8464"
	}
	if cfg.Server.AgentName == "" {
		cfg.Server.AgentName = "steward"
	}
	if cfg.Server.AgentVersion == "" {
		cfg.Server.AgentVersion = "dev"
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]ProfileConfig{}
	}
	if _, ok := cfg.Profiles["default"]; !ok {
		cfg.Profiles["default"] = ProfileConfig{
			Description:  "General-purpose assistant",
			SystemPrompt: "You are a helpful personal assistant.",
		}
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = "default"
	}
	if cfg.Orchestrator.AttachmentSelectionThreshold == 0 {
		cfg.Orchestrator.AttachmentSelectionThreshold = 5
	}
	if cfg.Orchestrator.MaxResponseAttachments == 0 {
		cfg.Orchestrator.MaxResponseAttachments = 5
	}
	if cfg.Orchestrator.MaxHistoryMessages == 0 {
		cfg.Orchestrator.MaxHistoryMessages = 50
	}
	if cfg.Orchestrator.HistoryMaxAgeHours == 0 {
		cfg.Orchestrator.HistoryMaxAgeHours = 24
	}
	if cfg.Orchestrator.LLMTimeout == 0 {
		cfg.Orchestrator.LLMTimeout = 60 * time.Second
	}
	if cfg.Orchestrator.ConfirmationTimeout == 0 {
		cfg.Orchestrator.ConfirmationTimeout = 60 * time.Second
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 2
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 5 * time.Second
	}
	if cfg.Worker.LeaseDuration == 0 {
		cfg.Worker.LeaseDuration = 2 * time.Minute
	}
	if cfg.Worker.MaxRetriesDefault == 0 {
		cfg.Worker.MaxRetriesDefault = 3
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 10 * time.Minute
	}
	if cfg.Documents.ChunkSize == 0 {
		cfg.Documents.ChunkSize = 1200
	}
	if cfg.Documents.ChunkOverlap == 0 {
		cfg.Documents.ChunkOverlap = 200
	}
	if cfg.Documents.FetchTimeout == 0 {
		cfg.Documents.FetchTimeout = 15 * time.Second
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if _, ok := c.Profiles[c.DefaultProfile]; !ok {
		return fmt.Errorf("default_profile %q is not defined", c.DefaultProfile)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.BlobBackend)) {
	case "", "dir":
	case "s3", "minio":
		if strings.TrimSpace(c.Storage.S3.Bucket) == "" {
			return fmt.Errorf("blob backend %q requires storage.s3.bucket", c.Storage.BlobBackend)
		}
	default:
		return fmt.Errorf("unsupported blob backend %q", c.Storage.BlobBackend)
	}
	for i, rt := range c.RemoteTools {
		name := strings.TrimSpace(rt.Name)
		if name == "" {
			return fmt.Errorf("remote_tools[%d]: name is required", i)
		}
		switch rt.Transport {
		case "stdio":
			if strings.TrimSpace(rt.Command) == "" {
				return fmt.Errorf("remote tool %q: stdio transport requires command", name)
			}
		case "http":
			if strings.TrimSpace(rt.URL) == "" {
				return fmt.Errorf("remote tool %q: http transport requires url", name)
			}
		default:
			return fmt.Errorf("remote tool %q: unknown transport %q", name, rt.Transport)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured IANA timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Profile returns the named profile, falling back to the default.
func (c *Config) Profile(name string) ProfileConfig {
	if name != "" {
		if p, ok := c.Profiles[name]; ok {
			return p
		}
	}
	return c.Profiles[c.DefaultProfile]
}
