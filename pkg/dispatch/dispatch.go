// Package dispatch holds the backend registry and the adaptive dispatcher.
// The registry tracks known backend servers and their declared capabilities;
// the dispatcher scores every registered server for each tool invocation,
// executes the call against the winner under a global outbound concurrency
// limit, and folds the outcome back into the per-server performance records
// that the next scoring pass reads. Capability discovery is cache-first with
// network fallback.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/centralmcp/gateway-go/pkg/cache"
	"github.com/centralmcp/gateway-go/pkg/monitor"
	"github.com/centralmcp/gateway-go/pkg/perf"
	"github.com/centralmcp/gateway-go/pkg/workerpool"
)

// ServerInfo describes one registered backend.
type ServerInfo struct {
	ID       string         `json:"id"`
	BaseURL  string         `json:"baseUrl"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolCall is one item of a batch invocation.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a successful invocation.
type ToolResult struct {
	ServerID string          `json:"serverId"`
	Tool     string          `json:"tool"`
	Output   json.RawMessage `json:"output"`
	Duration time.Duration   `json:"duration"`
}

// BatchResult is one settled element of a batch: exactly one of Result or
// Err is set, and a failed element never aborts the batch.
type BatchResult struct {
	Result *ToolResult `json:"result,omitempty"`
	Err    error       `json:"-"`
}

// Options configure a Dispatcher.
type Options struct {
	// Client reaches backends. Defaults to NewHTTPBackendClient().
	Client BackendClient
	// Cache memoizes capability discovery. Optional; without it every
	// discovery hits the network.
	Cache *cache.TieredCache
	// Ledger receives per-call timing. Optional.
	Ledger *perf.Ledger
	// Monitor receives tool.duration and tool.error metrics. Optional.
	Monitor *monitor.Monitor
	// Pool runs calls to tools listed in OffloadTools. Optional.
	Pool *workerpool.Pool
	// OffloadTools names tools whose execution is routed through Pool
	// instead of running inline.
	OffloadTools []string
	// MaxConcurrent bounds simultaneous outbound calls across all routing.
	// Defaults to 10.
	MaxConcurrent int64
	// CapabilityTTL bounds cached capability freshness. Defaults to 10m.
	CapabilityTTL time.Duration
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Client == nil {
		opts.Client = NewHTTPBackendClient()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.CapabilityTTL <= 0 {
		opts.CapabilityTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	opts     Options
	sem      *semaphore.Weighted
	offload  map[string]struct{}
	ownCache bool

	mu      sync.RWMutex
	servers map[string]*ServerInfo
	order   []string
	records map[string]*perf.Record
}

// New constructs a Dispatcher. When no cache is supplied the dispatcher
// creates a private one, since scoring depends on cached capabilities.
func New(opts *Options) *Dispatcher {
	options := opts.withDefaults()
	ownCache := options.Cache == nil
	if ownCache {
		options.Cache = cache.New(&cache.Options{Logger: options.Logger})
	}
	d := &Dispatcher{
		opts:     options,
		sem:      semaphore.NewWeighted(options.MaxConcurrent),
		offload:  make(map[string]struct{}, len(options.OffloadTools)),
		ownCache: ownCache,
		servers:  make(map[string]*ServerInfo),
		records:  make(map[string]*perf.Record),
	}
	for _, name := range options.OffloadTools {
		d.offload[name] = struct{}{}
	}
	return d
}

// RegisterServer stores the backend and pre-fetches its capability set in
// the background. A failed pre-fetch does not fail registration; the server
// simply scores lower until its capabilities are known.
func (d *Dispatcher) RegisterServer(info ServerInfo) error {
	if info.ID == "" || info.BaseURL == "" {
		return fmt.Errorf("dispatch: server id and base url are required")
	}
	d.mu.Lock()
	if _, exists := d.servers[info.ID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateServer, info.ID)
	}
	stored := info
	d.servers[info.ID] = &stored
	d.order = append(d.order, info.ID)
	d.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
		defer cancel()
		if _, err := d.fetchCapabilities(ctx, info.ID); err != nil {
			d.opts.Logger.Warn("capability prefetch failed", "server", info.ID, "error", err)
		}
	}()
	return nil
}

// DeregisterServer removes the backend and drops its cached capabilities.
// Its performance record is kept until Close or ledger reset.
func (d *Dispatcher) DeregisterServer(ctx context.Context, id string) error {
	d.mu.Lock()
	if _, ok := d.servers[id]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	delete(d.servers, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	if d.opts.Cache != nil {
		d.opts.Cache.Delete(ctx, capabilityKey(id))
	}
	return nil
}

// RegisteredServers lists backends in registration order.
func (d *Dispatcher) RegisteredServers() []ServerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ServerInfo, 0, len(d.order))
	for _, id := range d.order {
		if info, ok := d.servers[id]; ok {
			out = append(out, *info)
		}
	}
	return out
}

// GetServerTools returns the tool names the server declares, cache-first.
func (d *Dispatcher) GetServerTools(ctx context.Context, id string) ([]string, error) {
	caps, err := d.capabilities(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), caps.Tools...), nil
}

// GetServerResources returns the resource names the server declares,
// cache-first.
func (d *Dispatcher) GetServerResources(ctx context.Context, id string) ([]string, error) {
	caps, err := d.capabilities(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), caps.Resources...), nil
}

// AggregateTools collects the union of declared tool names across all
// registered servers, in registration order. A server whose capabilities
// cannot be fetched is skipped rather than aborting aggregation.
func (d *Dispatcher) AggregateTools(ctx context.Context) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, info := range d.RegisteredServers() {
		caps, err := d.capabilities(ctx, info.ID)
		if err != nil {
			d.opts.Logger.Warn("skipping unavailable server in aggregation",
				"server", info.ID, "error", err)
			continue
		}
		for _, tool := range caps.Tools {
			if _, dup := seen[tool]; dup {
				continue
			}
			seen[tool] = struct{}{}
			out = append(out, tool)
		}
	}
	return out
}

// ExecuteTool routes one invocation to the best-scoring backend and executes
// it under the global outbound concurrency limit. Every attempt, successful
// or not, updates the targeted server's performance record.
func (d *Dispatcher) ExecuteTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	serverID, baseURL, err := d.findBestServerForTool(tool)
	if err != nil {
		return nil, err
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
	}
	defer d.sem.Release(1)

	start := time.Now()
	output, execErr := d.callBackend(ctx, baseURL, tool, args)
	duration := time.Since(start)
	d.recordOutcome(serverID, tool, duration, execErr)

	if execErr != nil {
		return nil, fmt.Errorf("%w: server %s: %v", ErrUnavailable, serverID, execErr)
	}
	return &ToolResult{ServerID: serverID, Tool: tool, Output: output, Duration: duration}, nil
}

// BatchExecuteTools runs every call concurrently, each independently subject
// to the concurrency limit, and returns one settled result per input in
// input order.
func (d *Dispatcher) BatchExecuteTools(ctx context.Context, calls []ToolCall) []BatchResult {
	results := make([]BatchResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			res, err := d.ExecuteTool(gctx, call.Tool, call.Arguments)
			results[i] = BatchResult{Result: res, Err: err}
			// Individual failures settle in place; the batch keeps going.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// PerformanceStats snapshots every server's record.
func (d *Dispatcher) PerformanceStats() map[string]perf.Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]perf.Record, len(d.records))
	for id, rec := range d.records {
		out[id] = *rec
	}
	return out
}

// Close clears the registry and the performance map. Backends are not
// notified. A dispatcher-owned cache is closed as well.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.servers = make(map[string]*ServerInfo)
	d.order = nil
	d.records = make(map[string]*perf.Record)
	d.mu.Unlock()
	if d.ownCache {
		_ = d.opts.Cache.Close()
	}
}

func (d *Dispatcher) callBackend(ctx context.Context, baseURL, tool string, args map[string]any) (json.RawMessage, error) {
	if d.opts.Pool != nil {
		if _, heavy := d.offload[tool]; heavy {
			val, err := d.opts.Pool.Execute(ctx, workerpool.Task{
				Name: "execute:" + tool,
				Fn: func(taskCtx context.Context) (any, error) {
					return d.opts.Client.ExecuteTool(taskCtx, baseURL, tool, args)
				},
			})
			if err != nil {
				return nil, err
			}
			out, _ := val.(json.RawMessage)
			return out, nil
		}
	}
	return d.opts.Client.ExecuteTool(ctx, baseURL, tool, args)
}

func (d *Dispatcher) recordOutcome(serverID, tool string, duration time.Duration, execErr error) {
	d.mu.Lock()
	rec := d.records[serverID]
	if rec == nil {
		rec = &perf.Record{}
		d.records[serverID] = rec
	}
	rec.Observe(duration, execErr == nil)
	d.mu.Unlock()

	if d.opts.Ledger != nil {
		if execErr == nil {
			d.opts.Ledger.RecordToolExecution(tool, duration)
		} else {
			d.opts.Ledger.RecordToolError(tool, duration)
		}
	}
	if d.opts.Monitor != nil {
		tags := map[string]string{"tool": tool, "server": serverID}
		d.opts.Monitor.RecordMetric("tool.duration",
			float64(duration)/float64(time.Millisecond), tags)
		if execErr != nil {
			d.opts.Monitor.RecordMetric("tool.error", 1, tags)
		}
	}
}

func capabilityKey(id string) string { return "capabilities:" + id }

// capabilities resolves the server's capability set cache-first with network
// fallback. A fetch failure yields ErrUnavailable for that server only.
func (d *Dispatcher) capabilities(ctx context.Context, id string) (*Capabilities, error) {
	d.mu.RLock()
	_, known := d.servers[id]
	d.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	if caps := d.cachedCapabilities(ctx, id); caps != nil {
		return caps, nil
	}
	return d.fetchCapabilities(ctx, id)
}

func (d *Dispatcher) cachedCapabilities(ctx context.Context, id string) *Capabilities {
	if d.opts.Cache == nil {
		return nil
	}
	val, ok := d.opts.Cache.Get(ctx, capabilityKey(id))
	if !ok {
		return nil
	}
	return toCapabilities(val)
}

func (d *Dispatcher) fetchCapabilities(ctx context.Context, id string) (*Capabilities, error) {
	d.mu.RLock()
	info, ok := d.servers[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	caps, err := d.opts.Client.FetchCapabilities(ctx, info.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
	}
	if d.opts.Cache != nil {
		d.opts.Cache.Set(ctx, capabilityKey(id), caps, d.opts.CapabilityTTL)
	}
	return caps, nil
}

// toCapabilities accepts the in-process representation and the generic shape
// that survives a secondary-tier JSON round trip.
func toCapabilities(val any) *Capabilities {
	switch v := val.(type) {
	case *Capabilities:
		return v
	case map[string]any:
		caps := &Capabilities{
			Tools:     nameList(v["tools"]),
			Resources: nameList(v["resources"]),
		}
		if ts, ok := v["fetchedAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				caps.FetchedAt = t
			}
		}
		if rest, ok := v["rest"].(map[string]any); ok {
			caps.Rest = rest
		}
		return caps
	default:
		return nil
	}
}
