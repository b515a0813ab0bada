package blockstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mmrmirror/internal/dag"
	"mmrmirror/internal/retry"
)

// Publisher writes verified blocks to a Store, pinning and advertising each
// new one. Store calls are retried; integrity failures are not.
type Publisher struct {
	store  Store
	policy retry.Policy
	log    *slog.Logger
}

// NewPublisher returns a publisher over store. A zero policy means
// retry.DefaultPolicy.
func NewPublisher(store Store, policy retry.Policy, logger *slog.Logger) *Publisher {
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, policy: policy, log: logger.With("component", "publisher")}
}

// Publish stores every block not already present and returns how many were
// new. Every block is verified against its identifier first; a mismatch
// aborts before anything is written.
func (p *Publisher) Publish(ctx context.Context, blocks []dag.Block) (int, error) {
	for _, b := range blocks {
		if err := dag.Verify(b.Bytes, b.ID); err != nil {
			return 0, err
		}
	}

	haser, _ := p.store.(Haser)
	stored := 0
	for _, b := range blocks {
		if haser != nil {
			ok, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) (bool, error) {
				return haser.Has(ctx, b.ID)
			})
			if err != nil {
				return stored, fmt.Errorf("has %s: %w", b.ID, err)
			}
			if ok {
				continue
			}
		}

		if err := p.do(ctx, "put", b, func(ctx context.Context) error { return p.store.Put(ctx, b.ID, b.Bytes) }); err != nil {
			return stored, err
		}
		if err := p.do(ctx, "pin", b, func(ctx context.Context) error { return p.store.Pin(ctx, b.ID) }); err != nil {
			return stored, err
		}
		if err := p.do(ctx, "advertise", b, func(ctx context.Context) error { return p.store.Advertise(ctx, b.ID) }); err != nil {
			return stored, err
		}
		stored++
	}

	if stored > 0 {
		p.log.Debug("published blocks", "new", stored, "total", len(blocks))
	}
	return stored, nil
}

func (p *Publisher) do(ctx context.Context, op string, b dag.Block, fn func(context.Context) error) error {
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, dag.ErrIntegrity) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, b.ID, err)
	}
	return nil
}
