package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// minPollIntervalMs mirrors the sync engine's lower bound.
const minPollIntervalMs = 100

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	errs = append(errs, validateLedger(&c.Ledger)...)
	errs = append(errs, validateRetry(&c.Retry)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateBlocks(&c.Blocks)...)
	errs = append(errs, validateSync(&c.Sync)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLedger(l *LedgerConfig) ValidationErrors {
	var errs ValidationErrors

	if !isValidURL(l.RPCURL, "http", "https", "ws", "wss") {
		errs = append(errs, ValidationError{
			Field:   "ledger.rpc_url",
			Message: fmt.Sprintf("invalid RPC URL: %q", l.RPCURL),
		})
	}
	if l.WSURL != "" && !isValidURL(l.WSURL, "ws", "wss") {
		errs = append(errs, ValidationError{
			Field:   "ledger.ws_url",
			Message: fmt.Sprintf("invalid websocket URL: %q", l.WSURL),
		})
	}
	if !common.IsHexAddress(l.ContractAddress) {
		errs = append(errs, ValidationError{
			Field:   "ledger.contract_address",
			Message: fmt.Sprintf("not a 20-byte hex address: %q", l.ContractAddress),
		})
	}
	if l.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{
			Field:   "ledger.requests_per_second",
			Message: "must not be negative",
		})
	}
	if l.MaxBlockRange == 0 {
		errs = append(errs, ValidationError{
			Field:   "ledger.max_block_range",
			Message: "must be positive",
		})
	}
	return errs
}

func validateRetry(r *RetryConfig) ValidationErrors {
	var errs ValidationErrors

	if r.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "retry.max_attempts", Message: "must be at least 1"})
	}
	if r.BaseDelayMs < 0 || r.MaxDelayMs < 0 {
		errs = append(errs, ValidationError{Field: "retry.base_delay_ms", Message: "delays must not be negative"})
	}
	if r.MaxDelayMs < r.BaseDelayMs {
		errs = append(errs, ValidationError{Field: "retry.max_delay_ms", Message: "must not be below base_delay_ms"})
	}
	if r.Multiplier < 1 {
		errs = append(errs, ValidationError{Field: "retry.multiplier", Message: "must be at least 1"})
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, ValidationError{Field: "retry.jitter", Message: "must be within [0, 1]"})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "path is required for sqlite storage",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}
	return errs
}

func validateBlocks(b *BlocksConfig) ValidationErrors {
	if b.ProbeConcurrency < 1 {
		return ValidationErrors{{Field: "blocks.probe_concurrency", Message: "must be at least 1"}}
	}
	return nil
}

func validateSync(s *SyncConfig) ValidationErrors {
	var errs ValidationErrors

	if s.PollIntervalMs < minPollIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "sync.poll_interval_ms",
			Message: fmt.Sprintf("must be at least %d", minPollIntervalMs),
		})
	}
	if s.PushProbeTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.push_probe_timeout_ms",
			Message: "must be positive",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "rotation limits must not be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Listen, err),
		}}
	}
	return nil
}

func isValidURL(rawURL string, schemes ...string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}
