package config

// Definition is the raw configuration shape read from YAML and the
// environment. Pointer fields distinguish "unset" from zero values; the
// loader turns a Definition into a validated Config.
type Definition struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	BasePath  string `mapstructure:"base_path"`
	Debug     bool   `mapstructure:"debug"`
	Quiet     bool   `mapstructure:"quiet"`
	LogFormat string `mapstructure:"log_format"`

	Paths     *PathsDef     `mapstructure:"paths"`
	Auth      *AuthDef      `mapstructure:"auth"`
	CORS      *CORSDef      `mapstructure:"cors"`
	Safety    *SafetyDef    `mapstructure:"safety"`
	Providers []ProviderDef `mapstructure:"providers"`
	Tracing   *TracingDef   `mapstructure:"tracing"`

	DefaultProvider string `mapstructure:"default_provider"`
}

// PathsDef overrides file system locations.
type PathsDef struct {
	DataDir     string `mapstructure:"data_dir"`
	LogDir      string `mapstructure:"log_dir"`
	ExamplesDir string `mapstructure:"examples_dir"`
}

// AuthDef configures API authentication.
type AuthDef struct {
	APIKey string `mapstructure:"api_key"`
}

// CORSDef configures cross-origin access for browser dashboards.
type CORSDef struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SafetyDef overrides the global execution caps. Every field is optional and
// falls back to the built-in default.
type SafetyDef struct {
	MaxConcurrentRuns  *int   `mapstructure:"max_concurrent_runs"`
	MaxParallel        *int   `mapstructure:"max_parallel"`
	MaxRunDurationMS   *int64 `mapstructure:"max_run_duration_ms"`
	MaxBlockDurationMS *int64 `mapstructure:"max_block_duration_ms"`
	MaxRetriesCap      *int   `mapstructure:"max_retries_cap"`
	StallTimeoutMS     *int64 `mapstructure:"stall_timeout_ms"`
	OrphanTimeoutMS    *int64 `mapstructure:"orphan_timeout_ms"`
	QueueLeaseMS       *int64 `mapstructure:"queue_lease_ms"`
	MaxQueueDepth      *int   `mapstructure:"max_queue_depth"`
	MaxTokensPerRun    *int64 `mapstructure:"max_tokens_per_run"`
	MaxTokensPerBlock  *int64 `mapstructure:"max_tokens_per_block"`
	MaxRequestBytes    *int64 `mapstructure:"max_request_bytes"`
	RateLimitWindowMS  *int64 `mapstructure:"rate_limit_window_ms"`
	RateLimitMax       *int   `mapstructure:"rate_limit_max"`
	AllowShellGates    *bool  `mapstructure:"allow_shell_gates"`
}

// ProviderDef configures one provider adapter.
type ProviderDef struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// cmd adapters
	Argv []string `mapstructure:"argv"`
	Dir  string   `mapstructure:"dir"`
	Env  []string `mapstructure:"env"`

	// http adapters
	URL            string            `mapstructure:"url"`
	ReviewURL      string            `mapstructure:"review_url"`
	Headers        map[string]string `mapstructure:"headers"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxRetries     int               `mapstructure:"max_retries"`
}

// TracingDef configures OTLP trace export.
type TracingDef struct {
	Enabled  *bool  `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure *bool  `mapstructure:"insecure"`
}
