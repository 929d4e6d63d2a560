// Package recon periodically resolves mints whose confirmation was lost:
// submissions that timed out with the transaction still in flight.
package recon

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"mintgate/storage"
)

// Minter is the repair surface the reconciler drives.
type Minter interface {
	Recover(ctx context.Context, design storage.Design) (bool, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store    *storage.Store
	Minter   Minter
	Interval time.Duration
	Log      *slog.Logger
}

const defaultInterval = time.Minute

// Reconciler sweeps unresolved mints on a fixed interval.
type Reconciler struct {
	store    *storage.Store
	minter   Minter
	interval time.Duration
	log      *slog.Logger
}

// New validates the configuration and returns a ready reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store required")
	}
	if cfg.Minter == nil {
		return nil, errors.New("recon: minter required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: cfg.Store, minter: cfg.Minter, interval: interval, log: log}, nil
}

// Run sweeps until the context is cancelled. Sweep failures are logged and
// retried on the next pass. The interval carries a little jitter so several
// gateway replicas sharing a database do not probe in lockstep.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(r.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			resolved, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error("reconciliation sweep failed", "err", err)
			} else if resolved > 0 {
				r.log.Info("reconciliation sweep finished", "resolved", resolved)
			}
			timer.Reset(r.nextDelay())
		}
	}
}

func (r *Reconciler) nextDelay() time.Duration {
	jitter := r.interval / 10
	if jitter <= 0 {
		return r.interval
	}
	return r.interval + time.Duration(rand.Int64N(int64(jitter)))
}

// RunOnce probes every unresolved mint exactly once and reports how many
// reached a final answer. Per-design failures do not abort the sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	designs, err := r.store.UnresolvedMints(ctx)
	if err != nil {
		return 0, err
	}
	resolved := 0
	var firstErr error
	for _, design := range designs {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		done, err := r.minter.Recover(ctx, design)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.log.Error("failed to recover mint", "design", design.ID, "tx", design.MintTxHash, "err", err)
			continue
		}
		if done {
			resolved++
		}
	}
	return resolved, firstErr
}
