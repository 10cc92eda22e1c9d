// Package config reads and validates the runtime configuration from YAML
// files and WEFT_-prefixed environment variables.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/weftlabs/weft/internal/core"
)

// Config is the validated runtime configuration.
type Config struct {
	Core      Core
	Paths     Paths
	Server    Server
	Safety    Safety
	Providers Providers
	Tracing   Tracing

	// Warnings collects non-fatal issues found while loading; callers log
	// them once the logger exists.
	Warnings []string
}

// Core holds settings that apply to every component.
type Core struct {
	Debug     bool
	Quiet     bool
	LogFormat string
}

// Paths holds resolved file system locations.
type Paths struct {
	DataDir        string
	LogDir         string
	ExamplesDir    string
	DatabaseFile   string
	ConfigFileUsed string
}

// Server holds the HTTP control-plane settings.
type Server struct {
	Host           string
	Port           int
	BasePath       string
	APIKey         string
	AllowedOrigins []string
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Providers holds the configured adapter set.
type Providers struct {
	Defs    []ProviderDef
	Default string
}

// Tracing holds OTLP export settings.
type Tracing struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

// Safety carries the global execution caps. Every cap is overridable through
// configuration or a WEFT_ environment variable.
type Safety struct {
	MaxConcurrentRuns int
	MaxParallel       int
	MaxRunDuration    time.Duration
	MaxBlockDuration  time.Duration
	MaxRetriesCap     int
	StallTimeout      time.Duration
	OrphanTimeout     time.Duration
	QueueLease        time.Duration
	MaxQueueDepth     int
	MaxTokensPerRun   int64
	MaxTokensPerBlock int64
	MaxRequestBytes   int64
	RateLimitWindow   time.Duration
	RateLimitMax      int
	AllowShellGates   bool
}

// DefaultSafety returns the built-in caps.
func DefaultSafety() Safety {
	return Safety{
		MaxConcurrentRuns: 2,
		MaxParallel:       4,
		MaxRunDuration:    30 * time.Minute,
		MaxBlockDuration:  10 * time.Minute,
		MaxRetriesCap:     2,
		StallTimeout:      5 * time.Minute,
		OrphanTimeout:     2 * time.Minute,
		QueueLease:        30 * time.Second,
		MaxQueueDepth:     100,
		MaxRequestBytes:   512 << 10,
		RateLimitWindow:   time.Minute,
		RateLimitMax:      120,
	}
}

// ClampRetries bounds a block's requested retry count by the global cap.
func (s Safety) ClampRetries(requested int) int {
	if requested < 0 {
		requested = 0
	}
	if requested > s.MaxRetriesCap {
		return s.MaxRetriesCap
	}
	return requested
}

// ClampBlockTimeout bounds a block's requested timeout by the global cap.
// Zero requests the cap itself.
func (s Safety) ClampBlockTimeout(requested time.Duration) time.Duration {
	if requested <= 0 || requested > s.MaxBlockDuration {
		return s.MaxBlockDuration
	}
	return requested
}

// ClampBlock applies the retry and timeout caps to one block definition.
func (s Safety) ClampBlock(def *core.BlockDef) {
	def.Retry.MaxAttempts = s.ClampRetries(def.Retry.MaxAttempts)
	clamped := s.ClampBlockTimeout(time.Duration(def.TimeoutMS) * time.Millisecond)
	def.TimeoutMS = clamped.Milliseconds()
}

// View is the JSON shape served by the safety endpoint.
type View struct {
	MaxConcurrentRuns  int   `json:"maxConcurrentRuns"`
	MaxParallel        int   `json:"maxParallel"`
	MaxRunDurationMS   int64 `json:"maxRunDurationMs"`
	MaxBlockDurationMS int64 `json:"maxBlockDurationMs"`
	MaxRetriesCap      int   `json:"maxRetriesCap"`
	StallTimeoutMS     int64 `json:"stallTimeoutMs"`
	OrphanTimeoutMS    int64 `json:"orphanTimeoutMs"`
	QueueLeaseMS       int64 `json:"queueLeaseMs"`
	MaxQueueDepth      int   `json:"maxQueueDepth"`
	MaxTokensPerRun    int64 `json:"maxTokensPerRun,omitempty"`
	MaxTokensPerBlock  int64 `json:"maxTokensPerBlock,omitempty"`
	MaxRequestBytes    int64 `json:"maxRequestBytes"`
	RateLimitWindowMS  int64 `json:"rateLimitWindowMs"`
	RateLimitMax       int   `json:"rateLimitMax"`
	AllowShellGates    bool  `json:"allowShellGates"`
	APIKeyConfigured   bool  `json:"apiKeyConfigured"`
}

// View renders the caps for the safety endpoint.
func (s Safety) View(apiKeyConfigured bool) View {
	return View{
		MaxConcurrentRuns:  s.MaxConcurrentRuns,
		MaxParallel:        s.MaxParallel,
		MaxRunDurationMS:   s.MaxRunDuration.Milliseconds(),
		MaxBlockDurationMS: s.MaxBlockDuration.Milliseconds(),
		MaxRetriesCap:      s.MaxRetriesCap,
		StallTimeoutMS:     s.StallTimeout.Milliseconds(),
		OrphanTimeoutMS:    s.OrphanTimeout.Milliseconds(),
		QueueLeaseMS:       s.QueueLease.Milliseconds(),
		MaxQueueDepth:      s.MaxQueueDepth,
		MaxTokensPerRun:    s.MaxTokensPerRun,
		MaxTokensPerBlock:  s.MaxTokensPerBlock,
		MaxRequestBytes:    s.MaxRequestBytes,
		RateLimitWindowMS:  s.RateLimitWindow.Milliseconds(),
		RateLimitMax:       s.RateLimitMax,
		AllowShellGates:    s.AllowShellGates,
		APIKeyConfigured:   apiKeyConfigured,
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if c.Safety.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", c.Safety.MaxConcurrentRuns)
	}
	if c.Safety.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", c.Safety.MaxParallel)
	}
	if c.Safety.MaxRetriesCap < 0 {
		return fmt.Errorf("max_retries_cap must not be negative, got %d", c.Safety.MaxRetriesCap)
	}
	for i, def := range c.Providers.Defs {
		switch def.Type {
		case "mock", "echo":
		case "cmd":
			if len(def.Argv) == 0 {
				return fmt.Errorf("provider %d (%s): cmd adapter requires argv", i, def.Name)
			}
		case "http":
			if def.URL == "" {
				return fmt.Errorf("provider %d (%s): http adapter requires url", i, def.Name)
			}
		default:
			return fmt.Errorf("provider %d (%s): unknown type %q", i, def.Name, def.Type)
		}
	}
	return nil
}
