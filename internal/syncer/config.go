package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mmrmirror/internal/blockstore"
	"mmrmirror/internal/kv"
	"mmrmirror/internal/ledger"
	"mmrmirror/internal/metrics"
	"mmrmirror/internal/retry"
)

// Defaults applied by New to zero fields.
const (
	DefaultMaxBlockRange    = 2000
	DefaultPollInterval     = 5 * time.Second
	DefaultPushProbeTimeout = 3 * time.Second
	DefaultProbeConcurrency = 8

	MinPollInterval = 100 * time.Millisecond
)

// Config wires an Engine to its collaborators.
type Config struct {
	// Contract reads the ledger. Required.
	Contract *ledger.Contract

	// Push is an optional endpoint able to push new logs. Live sync uses it
	// when it answers within PushProbeTimeout and polls otherwise.
	Push ledger.PushBackend

	// Store persists leaf records and sync markers. Required. The engine
	// closes it on Close.
	Store kv.Store

	// Blocks is the content addressed storage trails are published to and
	// probes resolve from. Required.
	Blocks blockstore.Store

	// MaxBlockRange bounds every log query.
	MaxBlockRange uint64

	PollInterval     time.Duration
	PushProbeTimeout time.Duration

	// ProbeConcurrency bounds block fetches per probe.
	ProbeConcurrency int

	// PublishHistory publishes the nodes recomputed by backward sync.
	PublishHistory bool

	// Retry applies to block publication. Ledger calls use the contract's
	// own policy.
	Retry retry.Policy

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = DefaultMaxBlockRange
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PushProbeTimeout == 0 {
		c.PushProbeTimeout = DefaultPushProbeTimeout
	}
	if c.ProbeConcurrency == 0 {
		c.ProbeConcurrency = DefaultProbeConcurrency
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Contract == nil {
		errs = append(errs, errors.New("contract is required"))
	}
	if c.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if c.Blocks == nil {
		errs = append(errs, errors.New("block store is required"))
	}
	if c.PollInterval < MinPollInterval {
		errs = append(errs, fmt.Errorf("poll interval %s is below %s", c.PollInterval, MinPollInterval))
	}
	if c.PushProbeTimeout < 0 {
		errs = append(errs, errors.New("push probe timeout must not be negative"))
	}
	if c.ProbeConcurrency < 0 {
		errs = append(errs, errors.New("probe concurrency must not be negative"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("syncer: invalid config: %w", err)
	}
	return nil
}
