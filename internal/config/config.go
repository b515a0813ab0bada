// Package config handles configuration loading, validation, and management for mmrmirror.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mmrmirror/internal/retry"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Ledger configuration for the accumulator contract.
	Ledger LedgerConfig `toml:"ledger" json:"ledger" yaml:"ledger"`

	// Retry configuration shared by ledger calls and block publication.
	Retry RetryConfig `toml:"retry" json:"retry" yaml:"retry"`

	// Storage configuration for leaf records and sync markers.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Blocks configuration for the content addressed block store.
	Blocks BlocksConfig `toml:"blocks" json:"blocks" yaml:"blocks"`

	// Sync configuration for the sync engine.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the HTTP endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// LedgerConfig holds ledger access configuration.
type LedgerConfig struct {
	// RPCURL is the JSON-RPC endpoint used for calls and log queries.
	RPCURL string `toml:"rpc_url" json:"rpc_url" yaml:"rpc_url"`

	// WSURL is an optional websocket endpoint used to subscribe to new appends.
	WSURL string `toml:"ws_url" json:"ws_url" yaml:"ws_url"`

	// ContractAddress is the hex address of the accumulator contract.
	ContractAddress string `toml:"contract_address" json:"contract_address" yaml:"contract_address"`

	// RequestsPerSecond limits RPC calls. Zero means unlimited.
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`

	// MaxBlockRange bounds the block range of every log query.
	MaxBlockRange uint64 `toml:"max_block_range" json:"max_block_range" yaml:"max_block_range"`
}

// RetryConfig holds the backoff schedule.
type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int     `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int     `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier  float64 `toml:"multiplier" json:"multiplier" yaml:"multiplier"`
	Jitter      float64 `toml:"jitter" json:"jitter" yaml:"jitter"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`
}

// BlocksConfig holds block store configuration.
type BlocksConfig struct {
	// PublishHistory publishes the nodes recomputed during backward sync.
	PublishHistory bool `toml:"publish_history" json:"publish_history" yaml:"publish_history"`

	// ProbeConcurrency bounds parallel block fetches per storage probe.
	ProbeConcurrency int `toml:"probe_concurrency" json:"probe_concurrency" yaml:"probe_concurrency"`
}

// SyncConfig holds sync engine configuration.
type SyncConfig struct {
	// Live keeps following the ledger after backward sync.
	Live bool `toml:"live" json:"live" yaml:"live"`

	// PollIntervalMs is the polling interval when no push endpoint is usable.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// PushProbeTimeoutMs bounds the check of the push endpoint.
	PushProbeTimeoutMs int `toml:"push_probe_timeout_ms" json:"push_probe_timeout_ms" yaml:"push_probe_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the metrics and health endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := PlatformDataDir()

	return &Config{
		Ledger: LedgerConfig{
			RPCURL:        "http://127.0.0.1:8545",
			MaxBlockRange: 2000,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayMs: 250,
			MaxDelayMs:  10000,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			Path: filepath.Join(dir, "mirror.db"),
		},
		Blocks: BlocksConfig{
			ProbeConcurrency: 8,
		},
		Sync: SyncConfig{
			Live:               true,
			PollIntervalMs:     5000,
			PushProbeTimeoutMs: 3000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "mmrmirrord.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return FindConfigFile()
}

// Load reads the configuration at path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies MMRMIRROR_* environment variables on top of
// the loaded values.
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidationErrors
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: name, Message: fmt.Sprintf("not an integer: %q", v)})
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: name, Message: fmt.Sprintf("not a boolean: %q", v)})
				return
			}
			*dst = b
		}
	}

	// Ledger overrides
	str("MMRMIRROR_RPC_URL", &c.Ledger.RPCURL)
	str("MMRMIRROR_WS_URL", &c.Ledger.WSURL)
	str("MMRMIRROR_CONTRACT_ADDRESS", &c.Ledger.ContractAddress)
	if v := os.Getenv("MMRMIRROR_MAX_BLOCK_RANGE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: "MMRMIRROR_MAX_BLOCK_RANGE", Message: fmt.Sprintf("not an unsigned integer: %q", v)})
		} else {
			c.Ledger.MaxBlockRange = n
		}
	}

	// Storage overrides
	str("MMRMIRROR_STORAGE_TYPE", &c.Storage.Type)
	str("MMRMIRROR_STORAGE_PATH", &c.Storage.Path)

	// Sync overrides
	flag("MMRMIRROR_SYNC_LIVE", &c.Sync.Live)
	num("MMRMIRROR_POLL_INTERVAL_MS", &c.Sync.PollIntervalMs)
	flag("MMRMIRROR_PUBLISH_HISTORY", &c.Blocks.PublishHistory)

	// Logging overrides
	str("MMRMIRROR_LOG_LEVEL", &c.Logging.Level)
	str("MMRMIRROR_LOG_FORMAT", &c.Logging.Format)
	str("MMRMIRROR_LOG_PATH", &c.Logging.FilePath)

	// Metrics overrides
	str("MMRMIRROR_METRICS_LISTEN", &c.Metrics.Listen)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

// PollInterval returns the polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMs) * time.Millisecond
}

// PushProbeTimeout returns the push endpoint check timeout.
func (c *Config) PushProbeTimeout() time.Duration {
	return time.Duration(c.Sync.PushProbeTimeoutMs) * time.Millisecond
}

// MemoryStorage reports whether state is kept in memory only.
func (c *Config) MemoryStorage() bool {
	return c.Storage.Type == "memory"
}
