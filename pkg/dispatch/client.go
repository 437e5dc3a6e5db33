package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Capabilities is the declared capability set of one backend: the tool and
// resource names it serves, plus whatever else its capability document
// carried.
type Capabilities struct {
	Tools     []string       `json:"tools"`
	Resources []string       `json:"resources"`
	FetchedAt time.Time      `json:"fetchedAt"`
	Rest      map[string]any `json:"rest,omitempty"`
}

// HasTool reports whether the capability set lists name.
func (c *Capabilities) HasTool(name string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// BackendClient reaches one backend server over its declared base address.
// Implementations must treat any non-2xx response or timeout as an error.
type BackendClient interface {
	FetchCapabilities(ctx context.Context, baseURL string) (*Capabilities, error)
	ListTools(ctx context.Context, baseURL string) ([]string, error)
	ListResources(ctx context.Context, baseURL string) ([]string, error)
	ExecuteTool(ctx context.Context, baseURL, tool string, args map[string]any) (json.RawMessage, error)
}

const (
	listTimeout    = 5 * time.Second
	executeTimeout = 30 * time.Second
)

// HTTPBackendClient speaks the backend HTTP protocol: GET /capabilities,
// POST /tools, POST /resources, and POST /execute with {tool, arguments}.
type HTTPBackendClient struct {
	list *http.Client
	exec *http.Client
}

// NewHTTPBackendClient builds a client with the standard 5s list and 30s
// execute timeouts.
func NewHTTPBackendClient() *HTTPBackendClient {
	return &HTTPBackendClient{
		list: &http.Client{Timeout: listTimeout},
		exec: &http.Client{Timeout: executeTimeout},
	}
}

func (c *HTTPBackendClient) FetchCapabilities(ctx context.Context, baseURL string) (*Capabilities, error) {
	raw, err := c.do(ctx, c.list, http.MethodGet, baseURL, "/capabilities", nil)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	caps := &Capabilities{
		Tools:     nameList(doc["tools"]),
		Resources: nameList(doc["resources"]),
		FetchedAt: time.Now(),
	}
	delete(doc, "tools")
	delete(doc, "resources")
	if len(doc) > 0 {
		caps.Rest = doc
	}
	return caps, nil
}

func (c *HTTPBackendClient) ListTools(ctx context.Context, baseURL string) ([]string, error) {
	raw, err := c.do(ctx, c.list, http.MethodPost, baseURL, "/tools", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeNameDoc(raw, "tools")
}

func (c *HTTPBackendClient) ListResources(ctx context.Context, baseURL string) ([]string, error) {
	raw, err := c.do(ctx, c.list, http.MethodPost, baseURL, "/resources", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeNameDoc(raw, "resources")
}

func (c *HTTPBackendClient) ExecuteTool(ctx context.Context, baseURL, tool string, args map[string]any) (json.RawMessage, error) {
	return c.do(ctx, c.exec, http.MethodPost, baseURL, "/execute", map[string]any{
		"tool":      tool,
		"arguments": args,
	})
}

func (c *HTTPBackendClient) do(ctx context.Context, client *http.Client, method, baseURL, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, truncate(raw))
	}
	return raw, nil
}

// nameList accepts either a list of names or a list of {name: ...} objects,
// since backends differ in how they describe capabilities.
func nameList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case string:
			names = append(names, it)
		case map[string]any:
			if name, ok := it["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func decodeNameDoc(raw json.RawMessage, field string) ([]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Some backends answer with a bare array.
		var bare []any
		if err2 := json.Unmarshal(raw, &bare); err2 == nil {
			return nameList(bare), nil
		}
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return nameList(doc[field]), nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
