// Package daemon assembles the whole assistant process: the SQLite stores,
// the tool chain, the orchestrator, the task worker, the event dispatcher,
// the automation engine, and the agent-to-agent HTTP surface, with one
// Start/Stop lifecycle over all of them.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/stewardhq/steward/internal/a2a"
	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/agent/providers"
	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/automation"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/documents"
	"github.com/stewardhq/steward/internal/errorlog"
	"github.com/stewardhq/steward/internal/events"
	"github.com/stewardhq/steward/internal/history"
	"github.com/stewardhq/steward/internal/jobs"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/sandbox"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/tools/builtin"
	"github.com/stewardhq/steward/internal/tools/policy"
	"github.com/stewardhq/steward/internal/tools/remote"
	"github.com/stewardhq/steward/pkg/models"
)

// Service is the assembled daemon. Construct with New, then Start; Stop
// unwinds everything in reverse dependency order.
type Service struct {
	cfg        *config.Config
	configPath string

	logger         *observability.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	tracerShutdown func(context.Context) error

	db          *sql.DB
	queue       *queue.Queue
	worker      *queue.Worker
	dispatcher  *events.Dispatcher
	automations *automation.Service
	documents   *documents.Service
	registry    *attachments.Registry
	engine      *sandbox.Engine
	orch        *agent.Orchestrator
	tools       tools.ToolsProvider
	bridge      *jobs.Bridge
	server      *a2a.Server
	cron        *cron.Cron
	watcher     *config.Watcher

	errs errorlog.Store
}

// Option configures optional daemon behavior.
type Option func(*Service)

// WithConfigPath enables hot reload of the configuration file at path.
func WithConfigPath(path string) Option {
	return func(s *Service) { s.configPath = path }
}

// New wires every component from the configuration. The returned service
// owns the database handle and remote tool sessions; callers must Stop it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	s.metrics = observability.NewMetrics()
	if cfg.Telemetry.OTLPEndpoint != "" {
		s.tracer, s.tracerShutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Server.AgentName,
			ServiceVersion: cfg.Server.AgentVersion,
			Environment:    cfg.Telemetry.Environment,
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			SamplingRate:   cfg.Telemetry.SamplingRate,
			EnableInsecure: cfg.Telemetry.Insecure,
		})
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	s.db = db

	blobs, err := newBlobStore(ctx, cfg.Storage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	s.errs = errorlog.NewSQLStore(db)
	s.queue = queue.New(queue.NewSQLStore(db))
	histStore := history.NewSQLStore(db)
	s.registry = attachments.NewRegistry(attachments.NewSQLStore(db), blobs,
		attachments.WithLogger(s.logger),
		attachments.WithMetrics(s.metrics))

	s.dispatcher = events.NewDispatcher(
		events.WithLogger(s.logger),
		events.WithMetrics(s.metrics))

	s.documents = documents.NewService(documents.NewSQLStore(db),
		documents.NewHashEmbedder(0),
		documents.WithLogger(s.logger),
		documents.WithEnqueuer(s.queue),
		documents.WithPublisher(s.dispatcher),
		documents.WithChunking(cfg.Documents.ChunkSize, cfg.Documents.ChunkOverlap),
		documents.WithProcessors(documents.NewURLFetchProcessor(cfg.Documents.FetchTimeout, s.logger)))

	s.engine = sandbox.NewEngine(
		sandbox.WithTimeout(cfg.Sandbox.Timeout),
		sandbox.WithAttachments(s.registry),
		sandbox.WithLogger(s.logger),
		sandbox.WithMetrics(s.metrics))

	s.automations = automation.NewService(automation.NewSQLStore(db), s.queue,
		automation.WithLogger(s.logger),
		automation.WithMetrics(s.metrics),
		automation.WithConditionEvaluator(s.engine),
		automation.WithErrorLog(s.errs),
		automation.WithDailyCap(cfg.Automations.DailyExecutionLimit),
		automation.WithLocation(loc))
	s.dispatcher.AddHandler(s.automations.HandleEvent)

	resolver := policy.NewResolver()
	toolChain, err := s.buildTools(ctx, resolver)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.tools = toolChain

	orchOpts := []agent.Option{
		agent.WithLogger(s.logger),
		agent.WithMetrics(s.metrics),
		agent.WithConfig(cfg.Orchestrator),
		agent.WithPolicyResolver(resolver),
		agent.WithTimezone(cfg.Timezone),
		agent.WithProfiles(profileLookup(cfg)),
		agent.WithDefaultProvider(cfg.Providers.Default),
	}
	if s.tracer != nil {
		orchOpts = append(orchOpts, agent.WithTracer(s.tracer))
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropic(cfg.Providers.Anthropic)
		if err != nil {
			db.Close()
			return nil, err
		}
		orchOpts = append(orchOpts, agent.WithProvider("anthropic", p))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := providers.NewOpenAI(cfg.Providers.OpenAI)
		if err != nil {
			db.Close()
			return nil, err
		}
		orchOpts = append(orchOpts, agent.WithProvider("openai", p))
	}
	s.orch = agent.NewOrchestrator(histStore, s.registry, s.tools, orchOpts...)

	s.worker = queue.NewWorker(s.queue,
		queue.WithLogger(s.logger),
		queue.WithMetrics(s.metrics),
		queue.WithErrorLog(s.errs),
		queue.WithConcurrency(cfg.Worker.Concurrency),
		queue.WithPollInterval(cfg.Worker.PollInterval),
		queue.WithLeaseDuration(cfg.Worker.LeaseDuration),
		queue.WithLocation(loc))
	h := &handlers{
		runner:   s.orch,
		scripts:  s.engine,
		queue:    s.queue,
		tools:    s.tools,
		timezone: cfg.Timezone,
		logger:   s.logger,
	}
	s.worker.Register(queue.TypeLLMCallback, h.llmCallback)
	s.worker.Register(queue.TypeScriptExecution, h.scriptExecution)
	s.worker.Register(queue.TypeIndexDocument, s.documents.HandleIndexTask)
	s.worker.AddSuccessHook(s.automations.ExecutionHook())

	jobStore := jobs.NewSQLStore(db)
	s.bridge = jobs.NewBridge(jobStore, s.queue,
		jobs.WithBridgeLogger(s.logger),
		jobs.WithBridgeMetrics(s.metrics))

	s.server = a2a.NewServer(cfg.Server, cfg.Profiles, cfg.DefaultProfile, s.orch, a2a.NewSQLStore(db),
		a2a.WithLogger(s.logger),
		a2a.WithMetrics(s.metrics),
		a2a.WithContentFetcher(s.registry),
		a2a.WithWebhookHandler(s.dispatcher.WebhookHandler()),
		a2a.WithMetricsHandler(promhttp.Handler()))

	s.cron = cron.New(cron.WithLocation(loc))
	m := &maintenance{
		registry:    s.registry,
		automations: s.automations,
		errs:        s.errs,
		jobs:        jobStore,
		logger:      s.logger,
	}
	if err := m.register(s.cron); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	if s.configPath != "" {
		s.watcher = config.NewWatcher(s.configPath, s.onConfigChange,
			config.WithWatcherLogger(s.logger.Slog()))
	}
	return s, nil
}

// buildTools assembles local builtins, remote MCP servers, and the
// confirmation gate into the process-global provider chain.
func (s *Service) buildTools(ctx context.Context, resolver *policy.Resolver) (tools.ToolsProvider, error) {
	local := tools.NewLocal(
		tools.WithLocalLogger(s.logger),
		tools.WithLocalMetrics(s.metrics))
	if err := builtin.Register(local, builtin.Deps{
		Queue:       s.queue,
		Automations: s.automations,
		Attachments: s.registry,
		Documents:   s.documents,
		Scripts:     s.engine,
	}); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	chain := []tools.ToolsProvider{local}
	if len(s.cfg.RemoteTools) > 0 {
		remoteProvider, err := remote.Connect(ctx, remoteServerConfigs(s.cfg.RemoteTools),
			remote.WithLogger(s.logger),
			remote.WithClientInfo(s.cfg.Server.AgentName, s.cfg.Server.AgentVersion))
		if err != nil {
			return nil, fmt.Errorf("failed to connect remote tools: %w", err)
		}
		for server, names := range remoteProvider.WireNamesByServer() {
			resolver.RegisterMCPServer(server, names)
		}
		chain = append(chain, remoteProvider)
	}

	return tools.NewConfirming(tools.NewComposite(chain...), builtin.ConfirmedTools,
		tools.WithConfirmingLogger(s.logger),
		tools.WithConfirmTimeout(s.cfg.Orchestrator.ConfirmationTimeout)), nil
}

// Start brings the daemon up: maintenance cron, config watcher, event
// sources, the webhook bridge, the worker pool, and finally the HTTP
// listener. It returns once the listener exits.
func (s *Service) Start(ctx context.Context) error {
	s.cron.Start()
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
	}
	if err := s.dispatcher.StartSources(ctx); err != nil {
		return err
	}
	s.bridge.Start(ctx, s.dispatcher.Subscribe(models.SourceWebhook))
	s.worker.Start(ctx)

	s.logger.Info(ctx, "daemon started",
		"addr", s.cfg.Server.Addr,
		"workers", s.cfg.Worker.Concurrency,
		"profiles", len(s.cfg.Profiles))
	return s.server.Start()
}

// Stop unwinds the daemon: listener first so no new work arrives, then the
// worker pool, the background consumers, and finally the shared resources.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.server.Stop(ctx))
	s.worker.Stop()
	s.cron.Stop()
	if s.watcher != nil {
		record(s.watcher.Close())
	}
	s.bridge.Stop()
	s.dispatcher.StopSources()
	s.dispatcher.Close()
	record(s.tools.Close())
	if s.tracerShutdown != nil {
		record(s.tracerShutdown(ctx))
	}
	record(s.db.Close())

	s.logger.Info(ctx, "daemon stopped")
	return firstErr
}

// onConfigChange applies the reloadable subset of the configuration.
// Structural settings (storage, providers, tool chain) need a restart; the
// watcher only narrows what a restart would pick up anyway.
func (s *Service) onConfigChange(next *config.Config) {
	ctx := context.Background()
	s.logger.Info(ctx, "configuration file changed",
		"profiles", len(next.Profiles),
		"log_level", next.Logging.Level)
	s.cfg.Profiles = next.Profiles
	s.cfg.DefaultProfile = next.DefaultProfile
	s.cfg.Orchestrator = next.Orchestrator
}

// profileLookup resolves profile names against the config, falling back to
// the default profile for unknown names.
func profileLookup(cfg *config.Config) agent.ProfileLookup {
	return func(name string) config.ProfileConfig {
		if p, ok := cfg.Profiles[name]; ok {
			return p
		}
		return cfg.Profiles[cfg.DefaultProfile]
	}
}

// newBlobStore selects the attachment blob backend from storage config.
// MinIO endpoints force path-style addressing.
func newBlobStore(ctx context.Context, cfg config.StorageConfig) (attachments.BlobStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.BlobBackend)) {
	case "", "dir":
		return attachments.NewDirStore(cfg.BlobDir)
	case "s3", "minio":
		return attachments.NewS3Store(ctx, attachments.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle || strings.TrimSpace(cfg.S3.Endpoint) != "",
		})
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.BlobBackend)
	}
}

func remoteServerConfigs(configs []config.RemoteToolConfig) []remote.ServerConfig {
	out := make([]remote.ServerConfig, 0, len(configs))
	for _, c := range configs {
		out = append(out, remote.ServerConfig{
			Name:      c.Name,
			Transport: c.Transport,
			Command:   c.Command,
			Args:      c.Args,
			Env:       c.Env,
			URL:       c.URL,
			Headers:   c.Headers,
		})
	}
	return out
}
