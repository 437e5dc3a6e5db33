// Package gateway composes the gateway process: the admission guard in front
// of the adaptive dispatcher, a Streamable MCP endpoint that fronts every
// backend tool under one server, and the management API operators consume.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/centralmcp/gateway-go/pkg/cache"
	"github.com/centralmcp/gateway-go/pkg/dispatch"
	"github.com/centralmcp/gateway-go/pkg/guard"
	"github.com/centralmcp/gateway-go/pkg/monitor"
	"github.com/centralmcp/gateway-go/pkg/perf"
	"github.com/centralmcp/gateway-go/pkg/workerpool"
)

// Deps are the explicitly constructed components the gateway runs on. All
// are required except Cache, which only feeds the stats endpoint.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Guard      *guard.Guard
	Monitor    *monitor.Monitor
	Ledger     *perf.Ledger
	Pool       *workerpool.Pool
	Cache      *cache.TieredCache
}

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server metadata.
	Implementation *mcp.Implementation
	// Addr is the listen address for ListenAndServe. Defaults to ":8700".
	Addr string
	// MCPPath mounts the Streamable handler. Defaults to "/mcp".
	MCPPath string
	// Streamable tweaks the Streamable HTTP handler behavior.
	Streamable mcp.StreamableHTTPOptions
	// SyncInterval is how often the advertised tool list is refreshed from
	// the registry. Defaults to 30s.
	SyncInterval time.Duration
	// SyncTimeout bounds each refresh. Defaults to 10s.
	SyncTimeout time.Duration
	// AllowedOrigins configures CORS on the management API. Defaults to "*".
	AllowedOrigins []string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "central-gateway",
			Title:   "Central MCP Gateway",
			Version: "1.0.0",
		}
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.MCPPath == "" {
		opts.MCPPath = "/mcp"
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 10 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Gateway fronts the dispatcher over Streamable MCP and HTTP management
// endpoints.
type Gateway struct {
	deps Deps
	opts Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	serverMu        sync.Mutex
	advertisedTools map[string]struct{}

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Gateway and advertises the current tool snapshot.
func New(deps Deps, opts *Options) (*Gateway, error) {
	if deps.Dispatcher == nil || deps.Guard == nil || deps.Monitor == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("gateway: dispatcher, guard, monitor, and ledger are required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		deps:            deps,
		opts:            options,
		advertisedTools: make(map[string]struct{}),
	}
	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools: true,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	syncCtx, cancel := context.WithTimeout(context.Background(), options.SyncTimeout)
	defer cancel()
	g.SyncTools(syncCtx)
	return g, nil
}

// Handler exposes the combined MCP + management HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// SyncTools refreshes the advertised tool list from the registry's current
// capability snapshot, adding new tools and removing vanished ones.
func (g *Gateway) SyncTools(ctx context.Context) {
	tools := g.deps.Dispatcher.AggregateTools(ctx)

	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	current := make(map[string]struct{}, len(tools))
	for _, name := range tools {
		current[name] = struct{}{}
		if _, ok := g.advertisedTools[name]; ok {
			continue
		}
		g.advertisedTools[name] = struct{}{}
		g.server.AddTool(&mcp.Tool{
			Name:        name,
			Description: "Routed to the best available backend",
			InputSchema: &jsonschema.Schema{Type: "object"},
		}, g.makeToolHandler(name))
	}
	var removed []string
	for name := range g.advertisedTools {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
			delete(g.advertisedTools, name)
		}
	}
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
}

// AdvertisedTools lists the tool names currently exposed over MCP.
func (g *Gateway) AdvertisedTools() []string {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	out := make([]string, 0, len(g.advertisedTools))
	for name := range g.advertisedTools {
		out = append(out, name)
	}
	return out
}

func (g *Gateway) makeToolHandler(tool string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientKey := "mcp"
		if req.Session != nil && req.Session.ID() != "" {
			clientKey = req.Session.ID()
		}
		decision := g.deps.Guard.ValidateRequest(guard.Request{
			ClientKey: clientKey,
			Action:    "tools/call",
		})
		if !decision.Allowed {
			g.deps.Monitor.RecordMetric("admission.denied", 1,
				map[string]string{"action": "tools/call"})
			return nil, fmt.Errorf("gateway: request denied: %s", decision.Reason)
		}

		var args map[string]any
		if req.Params != nil {
			args = decodeArgs(req.Params.Arguments)
		}
		res, err := g.deps.Dispatcher.ExecuteTool(ctx, tool, args)
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(res.Output)}},
		}, nil
	}
}

// ListenAndServe runs the HTTP server and the tool-sync loop until ctx is
// cancelled or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go g.syncLoop(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(g.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncCtx, cancel := context.WithTimeout(ctx, g.opts.SyncTimeout)
			g.SyncTools(syncCtx)
			cancel()
		}
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.MCPPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	g.mountManagement(mux)
	return g.corsHandler(mux)
}

// decodeArgs accepts the shapes the SDK hands tool handlers.
func decodeArgs(v any) map[string]any {
	switch args := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return args
	case json.RawMessage:
		var out map[string]any
		if err := json.Unmarshal(args, &out); err != nil {
			return nil
		}
		return out
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(args, &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}
