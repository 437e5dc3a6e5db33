// Package config resolves gateway settings from environment variables and an
// optional JSON file. Environment values win; the file only fills fields the
// environment left empty.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend is a statically configured backend server registered at startup.
type Backend struct {
	ID      string `json:"id"`
	BaseURL string `json:"baseUrl"`
}

// Config is the resolved gateway configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr"`
	// MCPPath mounts the Streamable MCP handler.
	MCPPath string `json:"mcpPath"`
	// RedisAddr enables the durable cache tier when non-empty.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
	// Workers sizes the offload worker pool.
	Workers int `json:"workers"`
	// MaxConcurrent bounds simultaneous outbound backend calls.
	MaxConcurrent int `json:"maxConcurrent"`
	// SyncInterval is the advertised-tool refresh cadence.
	SyncInterval Duration `json:"syncInterval"`
	// RateLimit caps requests per client per minute.
	RateLimit int `json:"rateLimit"`
	// AllowedOrigins configures CORS on the management API.
	AllowedOrigins []string `json:"allowedOrigins"`
	// OffloadTools names tools executed through the worker pool.
	OffloadTools []string `json:"offloadTools"`
	// Backends are registered before the gateway starts serving.
	Backends []Backend `json:"backends"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `json:"logLevel"`
}

// Duration unmarshals either a JSON number of seconds or a Go duration
// string like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		return nil
	}
	if s[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultFile is the config file looked up in the working directory when
// GATEWAY_CONFIG does not name one.
const DefaultFile = "gateway-config.json"

// Load resolves the configuration: environment overrides first, then the
// config file for fields the environment left empty, then defaults. A
// missing file is not an error; a present but malformed one is.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()

	path := os.Getenv("GATEWAY_CONFIG")
	candidates := []string{DefaultFile}
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", p, err)
		}
		var fromFile Config
		if err := json.Unmarshal(raw, &fromFile); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", p, err)
		}
		cfg.merge(&fromFile)
		break
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("GATEWAY_MCP_PATH"); v != "" {
		c.MCPPath = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("GATEWAY_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
	if v := os.Getenv("GATEWAY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv("GATEWAY_SYNC_INTERVAL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			c.SyncInterval = Duration(parsed)
		}
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit = n
		}
	}
	if v := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("GATEWAY_OFFLOAD_TOOLS"); v != "" {
		c.OffloadTools = splitList(v)
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// merge fills fields the environment left empty.
func (c *Config) merge(f *Config) {
	if c.Addr == "" {
		c.Addr = f.Addr
	}
	if c.MCPPath == "" {
		c.MCPPath = f.MCPPath
	}
	if c.RedisAddr == "" {
		c.RedisAddr = f.RedisAddr
	}
	if c.RedisPassword == "" {
		c.RedisPassword = f.RedisPassword
	}
	if c.RedisDB == 0 {
		c.RedisDB = f.RedisDB
	}
	if c.Workers == 0 {
		c.Workers = f.Workers
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = f.MaxConcurrent
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = f.SyncInterval
	}
	if c.RateLimit == 0 {
		c.RateLimit = f.RateLimit
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = f.AllowedOrigins
	}
	if c.OffloadTools == nil {
		c.OffloadTools = f.OffloadTools
	}
	if c.Backends == nil {
		c.Backends = f.Backends
	}
	if c.LogLevel == "" {
		c.LogLevel = f.LogLevel
	}
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8700"
	}
	if c.MCPPath == "" {
		c.MCPPath = "/mcp"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = Duration(30 * time.Second)
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 1000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" || b.BaseURL == "" {
			return fmt.Errorf("config: backend entries need id and baseUrl")
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}

// Mask hides most of a secret for log output.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
