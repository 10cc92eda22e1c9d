package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/weftlabs/weft/internal/build"
)

// Loader reads and merges configuration from the config file, defaults and
// WEFT_-prefixed environment variables.
type Loader struct {
	v          *viper.Viper
	configFile string
	homeDir    string
	warnings   []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) { l.configFile = configFile }
}

// WithHomeDir roots every default path under one directory, overriding the
// XDG layout. The WEFT_HOME environment variable does the same.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// NewLoader creates a Loader on the given viper instance; nil gets a fresh
// one.
func NewLoader(v *viper.Viper, opts ...LoaderOption) *Loader {
	if v == nil {
		v = viper.New()
	}
	l := &Loader{v: v}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads configuration and returns a validated Config.
func (l *Loader) Load() (*Config, error) {
	paths := l.resolveDefaultPaths()

	l.configureViper(paths.configDir)
	l.bindEnvironmentVariables()
	l.setDefaultValues(paths)

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def Definition
	if err := l.v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	cfg.Paths.ConfigFileUsed = l.v.ConfigFileUsed()
	cfg.Warnings = l.warnings
	return cfg, nil
}

type defaultPaths struct {
	configDir   string
	dataDir     string
	logDir      string
	examplesDir string
}

func (l *Loader) resolveDefaultPaths() defaultPaths {
	home := l.homeDir
	if home == "" {
		home = os.Getenv(strings.ToUpper(build.Slug) + "_HOME")
	}
	if home != "" {
		return defaultPaths{
			configDir:   home,
			dataDir:     filepath.Join(home, "data"),
			logDir:      filepath.Join(home, "logs"),
			examplesDir: filepath.Join(home, "examples"),
		}
	}
	return defaultPaths{
		configDir:   filepath.Join(xdg.ConfigHome, build.Slug),
		dataDir:     filepath.Join(xdg.DataHome, build.Slug, "data"),
		logDir:      filepath.Join(xdg.DataHome, build.Slug, "logs"),
		examplesDir: filepath.Join(xdg.ConfigHome, build.Slug, "examples"),
	}
}

func (l *Loader) configureViper(configDir string) {
	if l.configFile == "" {
		l.v.AddConfigPath(configDir)
		l.v.SetConfigName("config")
	} else {
		l.v.SetConfigFile(l.configFile)
	}
	l.v.SetConfigType("yaml")
	l.v.SetEnvPrefix(strings.ToUpper(build.Slug))
	l.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	l.v.AutomaticEnv()
}

type envBinding struct {
	key string
	env string
}

var envBindings = []envBinding{
	// Server
	{key: "host", env: "HOST"},
	{key: "port", env: "PORT"},
	{key: "base_path", env: "BASE_PATH"},
	{key: "debug", env: "DEBUG"},
	{key: "quiet", env: "QUIET"},
	{key: "log_format", env: "LOG_FORMAT"},

	// Paths
	{key: "paths.data_dir", env: "DATA_DIR"},
	{key: "paths.log_dir", env: "LOG_DIR"},
	{key: "paths.examples_dir", env: "EXAMPLES_DIR"},

	// Auth and CORS
	{key: "auth.api_key", env: "API_KEY"},
	{key: "cors.allowed_origins", env: "CORS_ALLOWED_ORIGINS"},

	// Providers
	{key: "default_provider", env: "PROVIDER"},

	// Safety caps
	{key: "safety.max_concurrent_runs", env: "MAX_CONCURRENT_RUNS"},
	{key: "safety.max_parallel", env: "MAX_PARALLEL"},
	{key: "safety.max_run_duration_ms", env: "MAX_RUN_DURATION_MS"},
	{key: "safety.max_block_duration_ms", env: "MAX_BLOCK_DURATION_MS"},
	{key: "safety.max_retries_cap", env: "MAX_RETRIES_CAP"},
	{key: "safety.stall_timeout_ms", env: "STALL_TIMEOUT_MS"},
	{key: "safety.orphan_timeout_ms", env: "ORPHAN_TIMEOUT_MS"},
	{key: "safety.queue_lease_ms", env: "QUEUE_LEASE_MS"},
	{key: "safety.max_queue_depth", env: "MAX_QUEUE_DEPTH"},
	{key: "safety.max_tokens_per_run", env: "MAX_TOKENS_PER_RUN"},
	{key: "safety.max_tokens_per_block", env: "MAX_TOKENS_PER_BLOCK"},
	{key: "safety.max_request_bytes", env: "MAX_REQUEST_BYTES"},
	{key: "safety.rate_limit_window_ms", env: "RATE_LIMIT_WINDOW_MS"},
	{key: "safety.rate_limit_max", env: "RATE_LIMIT_MAX"},
	{key: "safety.allow_shell_gates", env: "DAG_ALLOW_SHELL_GATES"},

	// Tracing
	{key: "tracing.enabled", env: "TRACING_ENABLED"},
	{key: "tracing.endpoint", env: "TRACING_ENDPOINT"},
	{key: "tracing.insecure", env: "TRACING_INSECURE"},
}

func (l *Loader) bindEnvironmentVariables() {
	prefix := strings.ToUpper(build.Slug) + "_"
	for _, b := range envBindings {
		_ = l.v.BindEnv(b.key, prefix+b.env)
	}
}

func (l *Loader) setDefaultValues(paths defaultPaths) {
	l.v.SetDefault("host", "127.0.0.1")
	l.v.SetDefault("port", 8080)
	l.v.SetDefault("debug", false)
	l.v.SetDefault("quiet", false)
	l.v.SetDefault("log_format", "text")
	l.v.SetDefault("base_path", "")

	l.v.SetDefault("paths.data_dir", paths.dataDir)
	l.v.SetDefault("paths.log_dir", paths.logDir)
	l.v.SetDefault("paths.examples_dir", paths.examplesDir)

	l.v.SetDefault("default_provider", "echo")
}

func (l *Loader) buildConfig(def Definition) (*Config, error) {
	cfg := &Config{
		Core: Core{
			Debug:     def.Debug,
			Quiet:     def.Quiet,
			LogFormat: def.LogFormat,
		},
		Server: Server{
			Host:           def.Host,
			Port:           def.Port,
			BasePath:       cleanBasePath(def.BasePath),
			AllowedOrigins: []string{"*"},
		},
		Safety: DefaultSafety(),
	}

	if def.Paths != nil {
		cfg.Paths.DataDir = def.Paths.DataDir
		cfg.Paths.LogDir = def.Paths.LogDir
		cfg.Paths.ExamplesDir = def.Paths.ExamplesDir
	}
	if cfg.Paths.DataDir != "" {
		cfg.Paths.DatabaseFile = filepath.Join(cfg.Paths.DataDir, build.Slug+".db")
	}

	if def.Auth != nil {
		cfg.Server.APIKey = def.Auth.APIKey
	}
	if def.CORS != nil && len(def.CORS.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = def.CORS.AllowedOrigins
	}

	l.applySafety(&cfg.Safety, def.Safety)
	l.applyProviders(cfg, def)
	l.applyTracing(cfg, def.Tracing)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applySafety(s *Safety, def *SafetyDef) {
	if def == nil {
		return
	}
	setInt := func(target *int, v *int) {
		if v != nil {
			*target = *v
		}
	}
	setInt64 := func(target *int64, v *int64) {
		if v != nil {
			*target = *v
		}
	}
	setMillis := func(target *time.Duration, v *int64) {
		if v != nil {
			*target = time.Duration(*v) * time.Millisecond
		}
	}

	setInt(&s.MaxConcurrentRuns, def.MaxConcurrentRuns)
	setInt(&s.MaxParallel, def.MaxParallel)
	setMillis(&s.MaxRunDuration, def.MaxRunDurationMS)
	setMillis(&s.MaxBlockDuration, def.MaxBlockDurationMS)
	setInt(&s.MaxRetriesCap, def.MaxRetriesCap)
	setMillis(&s.StallTimeout, def.StallTimeoutMS)
	setMillis(&s.OrphanTimeout, def.OrphanTimeoutMS)
	setMillis(&s.QueueLease, def.QueueLeaseMS)
	setInt(&s.MaxQueueDepth, def.MaxQueueDepth)
	setInt64(&s.MaxTokensPerRun, def.MaxTokensPerRun)
	setInt64(&s.MaxTokensPerBlock, def.MaxTokensPerBlock)
	setInt64(&s.MaxRequestBytes, def.MaxRequestBytes)
	setMillis(&s.RateLimitWindow, def.RateLimitWindowMS)
	setInt(&s.RateLimitMax, def.RateLimitMax)
	if def.AllowShellGates != nil {
		s.AllowShellGates = *def.AllowShellGates
	}
}

func (l *Loader) applyProviders(cfg *Config, def Definition) {
	cfg.Providers.Defs = def.Providers
	if len(cfg.Providers.Defs) == 0 {
		cfg.Providers.Defs = []ProviderDef{{Name: "echo", Type: "echo"}}
	}
	cfg.Providers.Default = def.DefaultProvider
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = cfg.Providers.Defs[0].Name
	}
}

func (l *Loader) applyTracing(cfg *Config, def *TracingDef) {
	if def == nil {
		return
	}
	if def.Enabled != nil {
		cfg.Tracing.Enabled = *def.Enabled
	}
	cfg.Tracing.Endpoint = def.Endpoint
	if def.Insecure != nil {
		cfg.Tracing.Insecure = *def.Insecure
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		l.warnings = append(l.warnings, "Tracing enabled without an endpoint, spans export to localhost:4318")
	}
}

func cleanBasePath(s string) string {
	if s == "" {
		return ""
	}
	cleaned := path.Clean(s)
	if !path.IsAbs(cleaned) {
		cleaned = path.Join("/", cleaned)
	}
	if cleaned == "/" {
		return ""
	}
	return cleaned
}
