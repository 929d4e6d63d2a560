package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const defaultPollInterval = 2 * time.Second

var errReceiptPending = errors.New("ledger: receipt not yet available")

// Watcher resolves pending transactions into confirmations. A timeout on
// the inclusion wait is never treated as failure on its own: the watcher
// probes the ledger directly once, because confirmation latency has been
// observed to decouple from inclusion latency on the target networks.
type Watcher struct {
	backend Backend
	poll    RetryPolicy
	nowFn   func() time.Time
}

// NewWatcher constructs a watcher polling at the default interval.
func NewWatcher(backend Backend) (*Watcher, error) {
	if backend == nil {
		return nil, ErrNoBackend
	}
	return &Watcher{
		backend: backend,
		poll:    RetryPolicy{Backoff: ConstantBackoff(defaultPollInterval)},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetPollPolicy overrides the receipt polling loop, mainly for tests.
func (w *Watcher) SetPollPolicy(policy RetryPolicy) { w.poll = policy }

// SetNowFunc overrides the placeholder-identifier clock. Nil restores the
// default UTC clock.
func (w *Watcher) SetNowFunc(now func() time.Time) {
	if now == nil {
		w.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	w.nowFn = now
}

// Await waits up to timeout for the pending transaction to be included.
// On timeout it issues one direct receipt probe:
//   - probe finds a receipt: ConfirmedByProbe, the operation succeeded;
//   - probe finds nothing: ConfirmTimedOut with a placeholder identifier,
//     a non-failure outcome meaning "possibly still pending";
//   - probe errors: a ProbeError carrying the transaction hash.
//
// The timeout cancels only the wait, never the submitted transaction.
func (w *Watcher) Await(ctx context.Context, pending PendingTx, timeout time.Duration) (Confirmation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var receipt *gethtypes.Receipt
	err := w.poll.Do(waitCtx, func(c context.Context) error {
		r, err := w.backend.TransactionReceipt(c, pending.Hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return errReceiptPending
			}
			return err
		}
		receipt = r
		return nil
	})
	if err == nil && receipt != nil {
		return Confirmation{Kind: ConfirmedByWait, TxHash: pending.Hash, Receipt: receipt}, nil
	}
	if ctx.Err() != nil {
		// The caller cancelled, not the wait timer.
		return Confirmation{}, ctx.Err()
	}

	probed, err := w.backend.TransactionReceipt(ctx, pending.Hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Confirmation{
				Kind:          ConfirmTimedOut,
				TxHash:        pending.Hash,
				PlaceholderID: uint64(w.nowFn().Unix()),
			}, nil
		}
		return Confirmation{}, &ProbeError{TxHash: pending.Hash, Cause: err}
	}
	return Confirmation{Kind: ConfirmedByProbe, TxHash: pending.Hash, Receipt: probed}, nil
}
