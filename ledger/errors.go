package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoSignerConfigured is returned at construction when no signing key
	// is available. It is a configuration fault, never retried.
	ErrNoSignerConfigured = errors.New("ledger: no signer configured")

	// ErrNoBackend is returned at construction when the RPC endpoint is
	// missing.
	ErrNoBackend = errors.New("ledger: backend not configured")

	// ErrUnsupportedFeature marks RPC failures caused by the target network
	// lacking a feature the call relied on, most commonly address-name
	// resolution. Callers surface it as a deterministic rejection.
	ErrUnsupportedFeature = errors.New("ledger: network feature unsupported")
)

// SubmissionError wraps a network-side rejection of a transaction. The
// engine does not retry these; the caller may resubmit with a fresh bid.
type SubmissionError struct {
	Op    Op
	Cause error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("ledger: submit %s: %v", e.Op, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// ProbeError reports that the post-timeout receipt probe itself failed. The
// transaction hash is attached so the caller can still direct the user to an
// independent lookup.
type ProbeError struct {
	TxHash common.Hash
	Cause  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("ledger: probe receipt %s: %v", e.TxHash.Hex(), e.Cause)
}

func (e *ProbeError) Unwrap() error { return e.Cause }

// translateSendError folds network-specific capability failures into
// ErrUnsupportedFeature and wraps everything else as a SubmissionError.
func translateSendError(op Op, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "ens") || strings.Contains(msg, "name resolution") || strings.Contains(msg, "unsupported") {
		return &SubmissionError{Op: op, Cause: fmt.Errorf("%w: %v", ErrUnsupportedFeature, err)}
	}
	return &SubmissionError{Op: op, Cause: err}
}
