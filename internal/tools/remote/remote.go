// Package remote aggregates tools served by external MCP servers into a
// single ToolsProvider. Servers are connected at startup over stdio or
// streamable HTTP; their tool lists are discovered once and exposed under
// wire names of the form <server>_<tool>. Duplicate wire names keep the
// first definition seen and log the rest.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/tools"
)

const protocolVersion = "2024-11-05"

// TransportStdio runs the server as a subprocess speaking line-delimited
// JSON-RPC; TransportHTTP speaks streamable HTTP.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig describes one MCP server to connect.
type ServerConfig struct {
	Name      string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

type remoteTool struct {
	server     string
	remoteName string
	definition tools.Definition
}

// Provider dispatches tool calls to connected MCP servers by wire name.
type Provider struct {
	clients map[string]*mcpclient.Client
	byName  map[string]remoteTool
	order   []string
	servers map[string][]string // server -> wire names, for policy registration

	clientName    string
	clientVersion string
	logger        *observability.Logger
}

// Option configures the provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithClientInfo sets the name and version announced during the MCP
// handshake.
func WithClientInfo(name, version string) Option {
	return func(p *Provider) {
		p.clientName = name
		p.clientVersion = version
	}
}

// Connect dials every configured server, discovers its tools, and returns
// the aggregate provider. A server that fails to connect is logged and
// skipped so one dead server does not block startup.
func Connect(ctx context.Context, servers []ServerConfig, opts ...Option) (*Provider, error) {
	p := &Provider{
		clients:       make(map[string]*mcpclient.Client),
		byName:        make(map[string]remoteTool),
		servers:       make(map[string][]string),
		clientName:    "steward",
		clientVersion: "dev",
		logger:        observability.NewLogger(observability.LogConfig{Level: "info"}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, server := range servers {
		if err := p.connectServer(ctx, server); err != nil {
			p.logger.Error(ctx, "remote tool server unavailable",
				"server", server.Name,
				"transport", server.Transport,
				"error", err)
		}
	}
	return p, nil
}

func (p *Provider) connectServer(ctx context.Context, cfg ServerConfig) error {
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// Stdio transports start with the subprocess; HTTP needs an explicit
	// Start before the handshake.
	if cfg.Transport != TransportStdio {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    p.clientName,
		Version: p.clientVersion,
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var wireNames []string
	for _, remote := range listResp.Tools {
		wire := WireName(cfg.Name, remote.Name)
		if existing, dup := p.byName[wire]; dup {
			p.logger.Warn(ctx, "duplicate remote tool name, keeping first",
				"name", wire,
				"kept_server", existing.server,
				"skipped_server", cfg.Name)
			continue
		}
		p.byName[wire] = remoteTool{
			server:     cfg.Name,
			remoteName: remote.Name,
			definition: tools.Definition{
				Name:        wire,
				Description: remote.Description,
				InputSchema: convertSchema(remote.InputSchema),
			},
		}
		p.order = append(p.order, wire)
		wireNames = append(wireNames, wire)
	}

	p.clients[cfg.Name] = client
	p.servers[cfg.Name] = wireNames
	p.logger.Info(ctx, "remote tool server connected",
		"server", cfg.Name,
		"transport", cfg.Transport,
		"tools", len(wireNames))
	return nil
}

func newClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// WireName is the name a remote tool is exposed under: the server name and
// tool name joined by an underscore, lowercased.
func WireName(server, tool string) string {
	return sanitize(server) + "_" + sanitize(tool)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return map[string]any{"type": "object"}
	}
	return result
}

// WireNamesByServer returns the discovered wire names per server, for
// registering with the policy resolver.
func (p *Provider) WireNamesByServer() map[string][]string {
	out := make(map[string][]string, len(p.servers))
	for server, names := range p.servers {
		out[server] = append([]string(nil), names...)
	}
	return out
}

// ListDefinitions returns definitions in discovery order.
func (p *Provider) ListDefinitions(ctx context.Context) ([]tools.Definition, error) {
	defs := make([]tools.Definition, 0, len(p.order))
	for _, name := range p.order {
		defs = append(defs, p.byName[name].definition)
	}
	return defs, nil
}

// Execute dispatches to the owning server and flattens the MCP result into
// a ToolResult. Server-reported failures come back as error results.
func (p *Provider) Execute(ctx context.Context, name string, args json.RawMessage, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
	target, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, name)
	}
	client, ok := p.clients[target.server]
	if !ok {
		return nil, fmt.Errorf("remote tool %s: server %s not connected", name, target.server)
	}

	decoded, err := tools.DecodeArgs(args)
	if err != nil {
		return tools.Errorf("tool %s: %v", name, err), nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = target.remoteName
	req.Params.Arguments = decoded

	resp, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("remote tool %s: %w", name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	result := &tools.ToolResult{
		Content: strings.Join(texts, "\n"),
		IsError: resp.IsError,
	}
	if result.Content == "" && resp.IsError {
		result.Content = "remote tool reported an error without detail"
	}
	return result, nil
}

// Close tears down every server session.
func (p *Provider) Close() error {
	var errs []error
	for server, client := range p.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", server, err))
		}
	}
	return errors.Join(errs...)
}
