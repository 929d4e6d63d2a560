// Package minting drives the on-chain item mint and its off-chain record
// through a single confirmed flow.
package minting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"mintgate/blob"
	"mintgate/ledger"
	"mintgate/observability/metrics"
	"mintgate/storage"
)

var (
	// ErrDesignNotFound is returned when the design id is unknown.
	ErrDesignNotFound = errors.New("minting: design not found")

	// ErrUnauthorized is returned when the caller is not the creator of
	// the design. The comparison ignores address casing.
	ErrUnauthorized = errors.New("minting: caller is not the design creator")

	// ErrAlreadyMinted is returned when the design has left the draft
	// state. Re-minting is never allowed.
	ErrAlreadyMinted = errors.New("minting: design already minted")

	// ErrInvalidDesign is returned when required design fields are blank.
	ErrInvalidDesign = errors.New("minting: creator and name are required")

	// ErrMintPending is returned when a previous submission for the design
	// is still awaiting its receipt.
	ErrMintPending = errors.New("minting: previous mint transaction still pending")

	// ErrUnknownStatus is returned for workflow states the caller cannot
	// request.
	ErrUnknownStatus = errors.New("minting: unknown design status")
)

// Code classifies the outcome of a mint request.
type Code string

const (
	// CodeSuccess means the chain confirmed the mint and the off-chain
	// record advanced with it.
	CodeSuccess Code = "success"
	// CodePartial means the chain confirmed the mint but the off-chain
	// write failed. The token exists; the record needs repair.
	CodePartial Code = "partial"
	// CodeRejected means the chain included the transaction but the
	// execution reverted. Nothing was minted.
	CodeRejected Code = "rejected"
	// CodeTimedOut means no receipt appeared before the deadline. The
	// transaction may still land; the design keeps its hash for repair.
	CodeTimedOut Code = "timed_out"
)

// Result reports one mint attempt. TxHash is authoritative whenever a
// transaction went out; TokenID is meaningful only for success and partial
// outcomes, and Fallback marks ids synthesized because the receipt logs
// could not be decoded.
type Result struct {
	Code          Code
	TokenID       uint64
	TxHash        string
	ProvisionalID uint64
	Fallback      bool
}

const defaultConfirmTimeout = 30 * time.Second

// Config wires the engine's collaborators. Store, Backend, Contracts,
// Submitter and Watcher are required; the rest default sensibly.
type Config struct {
	Store          *storage.Store
	Backend        ledger.Backend
	Contracts      *ledger.Contracts
	Submitter      *ledger.Submitter
	Watcher        *ledger.Watcher
	Extractor      *ledger.Extractor
	Blobs          blob.Store
	Fees           ledger.FeePolicy
	ConfirmTimeout time.Duration
	Log            *slog.Logger
	Metrics        *metrics.LedgerMetrics
}

// Engine owns the mint flow. All collaborators are injected so tests can
// substitute any of them.
type Engine struct {
	store          *storage.Store
	backend        ledger.Backend
	contracts      *ledger.Contracts
	submitter      *ledger.Submitter
	watcher        *ledger.Watcher
	extractor      *ledger.Extractor
	blobs          blob.Store
	fees           ledger.FeePolicy
	confirmTimeout time.Duration
	nowFn          func() time.Time
	log            *slog.Logger
	metrics        *metrics.LedgerMetrics
}

// New validates the configuration and returns a ready engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("minting: store required")
	case cfg.Backend == nil:
		return nil, errors.New("minting: backend required")
	case cfg.Contracts == nil:
		return nil, errors.New("minting: contracts required")
	case cfg.Submitter == nil:
		return nil, errors.New("minting: submitter required")
	case cfg.Watcher == nil:
		return nil, errors.New("minting: watcher required")
	}
	engine := &Engine{
		store:          cfg.Store,
		backend:        cfg.Backend,
		contracts:      cfg.Contracts,
		submitter:      cfg.Submitter,
		watcher:        cfg.Watcher,
		extractor:      cfg.Extractor,
		blobs:          cfg.Blobs,
		fees:           cfg.Fees,
		confirmTimeout: cfg.ConfirmTimeout,
		nowFn:          func() time.Time { return time.Now().UTC() },
		log:            cfg.Log,
		metrics:        cfg.Metrics,
	}
	if engine.extractor == nil {
		engine.extractor = ledger.NewExtractor()
	}
	if engine.fees == (ledger.FeePolicy{}) {
		engine.fees = ledger.DefaultFeePolicy()
	}
	if engine.confirmTimeout <= 0 {
		engine.confirmTimeout = defaultConfirmTimeout
	}
	if engine.log == nil {
		engine.log = slog.Default()
	}
	return engine, nil
}

// SetNowFunc overrides the engine clock. Passing nil restores the real
// clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// CreateDesign registers a new draft. When a metadata payload is supplied
// and a blob store is configured, the payload is pinned and its URL becomes
// the design's metadata reference.
func (e *Engine) CreateDesign(ctx context.Context, creator, name, metadataURI string, payload []byte) (*storage.Design, error) {
	if strings.TrimSpace(creator) == "" || strings.TrimSpace(name) == "" {
		return nil, ErrInvalidDesign
	}
	if len(payload) > 0 && e.blobs != nil {
		ref, err := e.blobs.Put(ctx, name, payload)
		if err != nil {
			return nil, fmt.Errorf("minting: pin metadata: %w", err)
		}
		if metadataURI == "" {
			metadataURI = ref.URL
		}
	}
	design := &storage.Design{Creator: creator, Name: name, MetadataURI: metadataURI}
	if err := e.store.CreateDesign(ctx, design); err != nil {
		return nil, err
	}
	return design, nil
}

// Design loads a design by id.
func (e *Engine) Design(ctx context.Context, id uuid.UUID) (*storage.Design, error) {
	design, err := e.store.GetDesign(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDesignNotFound
		}
		return nil, err
	}
	return design, nil
}

// ListDesigns returns designs, filtered by workflow state when status is
// non-empty.
func (e *Engine) ListDesigns(ctx context.Context, status storage.DesignStatus) ([]storage.Design, error) {
	switch status {
	case "":
		return e.store.ListDesigns(ctx)
	case storage.StatusDraft, storage.StatusCandidate, storage.StatusPublished, storage.StatusRejected:
		return e.store.ListDesignsByStatus(ctx, status)
	default:
		return nil, ErrUnknownStatus
	}
}

// ApplyStatus records an externally decided governance outcome. Only the
// terminal states are accepted; stale or backwards transitions surface as
// storage.ErrStaleTransition.
func (e *Engine) ApplyStatus(ctx context.Context, designID uuid.UUID, status storage.DesignStatus) (*storage.Design, error) {
	if status != storage.StatusPublished && status != storage.StatusRejected {
		return nil, ErrUnknownStatus
	}
	if err := e.store.SetDesignStatus(ctx, designID, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDesignNotFound
		}
		return nil, err
	}
	return e.Design(ctx, designID)
}

// CompleteMint repairs a partial mint from known chain facts: the token
// already exists, only the off-chain record is missing. No gas is spent.
func (e *Engine) CompleteMint(ctx context.Context, designID uuid.UUID, tokenID uint64, txHash string) (*storage.Design, error) {
	if err := e.store.CompleteMint(ctx, designID, tokenID, txHash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDesignNotFound
		}
		return nil, err
	}
	return e.Design(ctx, designID)
}

// Mint submits the on-chain mint for a draft design and waits for its
// confirmation. Authorization and idempotence are checked before anything
// touches the chain.
func (e *Engine) Mint(ctx context.Context, caller string, designID uuid.UUID, tier ledger.PriorityTier) (*Result, error) {
	design, err := e.Design(ctx, designID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(design.Creator, caller) {
		return nil, ErrUnauthorized
	}
	if design.Status != storage.StatusDraft || design.TokenID != nil {
		return nil, ErrAlreadyMinted
	}
	if design.MintTxHash != "" {
		// A prior submission is unresolved. Probe it instead of minting
		// twice; only a confirmed revert clears the way for a retry.
		resolved, err := e.Recover(ctx, *design)
		if err != nil {
			return nil, err
		}
		if !resolved {
			return nil, ErrMintPending
		}
		design, err = e.Design(ctx, designID)
		if err != nil {
			return nil, err
		}
		if design.Status != storage.StatusDraft || design.TokenID != nil {
			return nil, ErrAlreadyMinted
		}
	}

	conditions := ledger.ObserveConditions(ctx, e.backend)
	bid := e.fees.SelectFee(conditions, tier)
	call, err := e.contracts.MintCall(common.HexToAddress(design.Creator), design.MetadataURI)
	if err != nil {
		return nil, err
	}
	pending, err := e.submitter.Submit(ctx, call, bid)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveSubmission(string(ledger.OpMint))
	e.log.Info("mint submitted",
		"design", design.ID, "tx", pending.Hash.Hex(), "nonce", pending.Nonce, "fee_cap", bid.Cap())

	conf, err := e.watcher.Await(ctx, pending, e.confirmTimeout)
	if err != nil {
		e.recordPendingTx(ctx, design.ID, pending.Hash)
		return nil, err
	}
	e.metrics.ObserveConfirmLatency(string(ledger.OpMint), e.nowFn().Sub(pending.SubmittedAt))

	switch conf.Kind {
	case ledger.ConfirmTimedOut:
		e.metrics.ObserveConfirmation(string(ledger.OpMint), "timeout")
		e.recordPendingTx(ctx, design.ID, pending.Hash)
		return &Result{
			Code:          CodeTimedOut,
			TxHash:        conf.TxHash.Hex(),
			ProvisionalID: conf.PlaceholderID,
		}, nil
	case ledger.ConfirmedByProbe:
		e.metrics.ObserveConfirmation(string(ledger.OpMint), "probe")
	default:
		e.metrics.ObserveConfirmation(string(ledger.OpMint), "wait")
	}

	if conf.Receipt.Status == gethtypes.ReceiptStatusFailed {
		e.log.Warn("mint reverted", "design", design.ID, "tx", conf.TxHash.Hex())
		return &Result{Code: CodeRejected, TxHash: conf.TxHash.Hex()}, nil
	}
	return e.finishMint(ctx, design.ID, conf.Receipt), nil
}

// finishMint decodes the token id from a successful receipt and advances the
// off-chain record. A failed write degrades to a partial result instead of
// hiding the confirmed mint.
func (e *Engine) finishMint(ctx context.Context, designID uuid.UUID, receipt *gethtypes.Receipt) *Result {
	decoded := e.extractor.Extract(receipt, ledger.MintedTokenField)
	if decoded.Fallback {
		e.metrics.ObserveDecodeFallback(string(ledger.OpMint))
	}
	tokenID := decoded.ID.Uint64()
	txHash := decoded.TxHash.Hex()

	if err := e.store.CompleteMint(ctx, designID, tokenID, txHash); err != nil {
		e.metrics.ObservePartialWrite(string(ledger.OpMint))
		e.log.Error("mint confirmed but record update failed",
			"design", designID, "tx", txHash, "err", err)
		// Keep the hash on the row: it blocks a second paid submission and
		// lets the reconciler retry the write without re-minting.
		e.recordPendingTx(ctx, designID, decoded.TxHash)
		return &Result{Code: CodePartial, TokenID: tokenID, TxHash: txHash, Fallback: decoded.Fallback}
	}
	return &Result{Code: CodeSuccess, TokenID: tokenID, TxHash: txHash, Fallback: decoded.Fallback}
}

// Recover re-checks a draft whose submission never resolved. It returns true
// when the design reached a final answer, false when the transaction is
// still pending.
func (e *Engine) Recover(ctx context.Context, design storage.Design) (bool, error) {
	if design.Status != storage.StatusDraft || design.MintTxHash == "" {
		return false, nil
	}
	txHash := common.HexToHash(design.MintTxHash)
	receipt, err := e.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("minting: probe %s: %w", txHash.Hex(), err)
	}
	if receipt.Status == gethtypes.ReceiptStatusFailed {
		// The mint reverted; release the hash so the creator can retry.
		if err := e.store.RecordMintTx(ctx, design.ID, ""); err != nil {
			return false, err
		}
		e.log.Warn("recovered reverted mint", "design", design.ID, "tx", txHash.Hex())
		return true, nil
	}
	result := e.finishMint(ctx, design.ID, receipt)
	if result.Code == CodePartial {
		return false, fmt.Errorf("minting: repair write failed for design %s", design.ID)
	}
	e.log.Info("recovered stuck mint", "design", design.ID, "tx", txHash.Hex(), "token", result.TokenID)
	return true, nil
}

// recordPendingTx persists the submitted hash so the reconciler can resolve
// the mint later. Failures are logged, not returned, because the hash is a
// best-effort breadcrumb.
func (e *Engine) recordPendingTx(ctx context.Context, designID uuid.UUID, txHash common.Hash) {
	if err := e.store.RecordMintTx(ctx, designID, txHash.Hex()); err != nil {
		e.log.Error("failed to persist pending mint tx", "design", designID, "tx", txHash.Hex(), "err", err)
	}
}
