// Package governance raises publication proposals for minted candidates and
// records confirmed votes against them.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"mintgate/ledger"
	"mintgate/observability/metrics"
	"mintgate/storage"
)

var (
	// ErrDesignNotFound is returned when the design id is unknown.
	ErrDesignNotFound = errors.New("governance: design not found")

	// ErrNotCandidate is returned when the design is not in the candidate
	// state. Only minted, undecided items can face a proposal.
	ErrNotCandidate = errors.New("governance: design is not a candidate")

	// ErrProposalNotFound is returned when the proposal id is unknown.
	ErrProposalNotFound = errors.New("governance: proposal not found")

	// ErrAlreadyVoted is returned when the voter holds a ballot for the
	// proposal, whether from an earlier request or a lost race.
	ErrAlreadyVoted = errors.New("governance: voter already cast a ballot")

	// ErrProposalNotActive is returned when the governor reports the
	// proposal outside its voting window.
	ErrProposalNotActive = errors.New("governance: proposal is not active")

	// ErrNoVotingPower is returned when the voter held no weight at the
	// proposal snapshot.
	ErrNoVotingPower = errors.New("governance: voter has no voting power")
)

// Code classifies the outcome of a governance submission.
type Code string

const (
	CodeSuccess  Code = "success"
	CodePartial  Code = "partial"
	CodeRejected Code = "rejected"
	CodeTimedOut Code = "timed_out"
)

// Outcome reports one proposal or vote submission. Proposal is populated
// when an off-chain row exists for the caller to follow.
type Outcome struct {
	Code          Code
	Proposal      *storage.Proposal
	Weight        uint64
	TxHash        string
	ProvisionalID uint64
	Fallback      bool
}

const defaultConfirmTimeout = 30 * time.Second

// Config wires the engine's collaborators.
type Config struct {
	Store          *storage.Store
	Backend        ledger.Backend
	Contracts      *ledger.Contracts
	Submitter      *ledger.Submitter
	Watcher        *ledger.Watcher
	Extractor      *ledger.Extractor
	Fees           ledger.FeePolicy
	ConfirmTimeout time.Duration
	Log            *slog.Logger
	Metrics        *metrics.LedgerMetrics
}

// Engine owns the proposal and vote flows.
type Engine struct {
	store          *storage.Store
	backend        ledger.Backend
	contracts      *ledger.Contracts
	submitter      *ledger.Submitter
	watcher        *ledger.Watcher
	extractor      *ledger.Extractor
	fees           ledger.FeePolicy
	confirmTimeout time.Duration
	log            *slog.Logger
	metrics        *metrics.LedgerMetrics
}

// New validates the configuration and returns a ready engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("governance: store required")
	case cfg.Backend == nil:
		return nil, errors.New("governance: backend required")
	case cfg.Contracts == nil:
		return nil, errors.New("governance: contracts required")
	case cfg.Submitter == nil:
		return nil, errors.New("governance: submitter required")
	case cfg.Watcher == nil:
		return nil, errors.New("governance: watcher required")
	}
	engine := &Engine{
		store:          cfg.Store,
		backend:        cfg.Backend,
		contracts:      cfg.Contracts,
		submitter:      cfg.Submitter,
		watcher:        cfg.Watcher,
		extractor:      cfg.Extractor,
		fees:           cfg.Fees,
		confirmTimeout: cfg.ConfirmTimeout,
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

// Proposal loads a proposal by id.
func (e *Engine) Proposal(ctx context.Context, id uuid.UUID) (*storage.Proposal, error) {
	proposal, err := e.store.GetProposal(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return proposal, nil
}

// EnsureProposal returns the proposal of the given kind for a candidate
// design, raising it on chain first if none exists. Calling it again for the
// same design and kind returns the stored row without touching the chain.
func (e *Engine) EnsureProposal(ctx context.Context, designID uuid.UUID, kind storage.ProposalKind, tier ledger.PriorityTier) (*Outcome, error) {
	design, err := e.store.GetDesign(ctx, designID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDesignNotFound
		}
		return nil, err
	}
	if design.Status != storage.StatusCandidate || design.TokenID == nil {
		return nil, ErrNotCandidate
	}

	existing, err := e.store.ProposalByDesign(ctx, designID, kind)
	if err == nil {
		return &Outcome{Code: CodeSuccess, Proposal: existing, TxHash: existing.CreateTxHash}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	approve := kind == storage.ProposalApproval
	verb := "publish"
	if !approve {
		verb = "reject"
	}
	description := fmt.Sprintf("%s item #%d (%s)", verb, *design.TokenID, design.Name)
	call, err := e.contracts.ProposeCall(new(big.Int).SetUint64(*design.TokenID), approve, description)
	if err != nil {
		return nil, err
	}

	conf, err := e.submitAndAwait(ctx, call, tier)
	if err != nil {
		return nil, err
	}
	if conf.Kind == ledger.ConfirmTimedOut {
		return &Outcome{Code: CodeTimedOut, TxHash: conf.TxHash.Hex(), ProvisionalID: conf.PlaceholderID}, nil
	}
	if conf.Receipt.Status == gethtypes.ReceiptStatusFailed {
		e.log.Warn("proposal reverted", "design", design.ID, "tx", conf.TxHash.Hex())
		return &Outcome{Code: CodeRejected, TxHash: conf.TxHash.Hex()}, nil
	}

	decoded := e.extractor.Extract(conf.Receipt, ledger.CreatedProposalField)
	if decoded.Fallback {
		e.metrics.ObserveDecodeFallback(string(ledger.OpPropose))
	}
	proposal := &storage.Proposal{
		DesignID:     designID,
		Kind:         kind,
		ProposalRef:  decoded.ID.String(),
		CreateTxHash: decoded.TxHash.Hex(),
	}
	if err := e.store.CreateProposal(ctx, proposal); err != nil {
		if errors.Is(err, storage.ErrDuplicateProposal) {
			// A concurrent request won the insert; hand back its row.
			winner, lookupErr := e.store.ProposalByDesign(ctx, designID, kind)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return &Outcome{Code: CodeSuccess, Proposal: winner, TxHash: winner.CreateTxHash}, nil
		}
		e.metrics.ObservePartialWrite(string(ledger.OpPropose))
		e.log.Error("proposal confirmed but record insert failed",
			"design", designID, "tx", decoded.TxHash.Hex(), "err", err)
		return &Outcome{Code: CodePartial, TxHash: decoded.TxHash.Hex(), Fallback: decoded.Fallback}, nil
	}
	e.log.Info("proposal raised",
		"design", designID, "kind", kind, "ref", proposal.ProposalRef, "tx", proposal.CreateTxHash)
	return &Outcome{Code: CodeSuccess, Proposal: proposal, TxHash: proposal.CreateTxHash, Fallback: decoded.Fallback}, nil
}

// CastVote submits the voter's ballot on chain and records it off chain once
// confirmed. Dedup happens twice: a cheap read before spending gas, and the
// unique index after confirmation for races.
func (e *Engine) CastVote(ctx context.Context, voter string, proposalID uuid.UUID, support bool, reason string, tier ledger.PriorityTier) (*Outcome, error) {
	proposal, err := e.Proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	voted, err := e.store.HasBallot(ctx, proposalID, voter)
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, ErrAlreadyVoted
	}

	ref, ok := new(big.Int).SetString(proposal.ProposalRef, 10)
	if !ok {
		return nil, fmt.Errorf("governance: malformed proposal ref %q", proposal.ProposalRef)
	}
	chainView, err := e.contracts.ProposalState(ctx, e.backend, ref)
	if err != nil {
		return nil, err
	}
	if !chainView.Active() {
		// The local row lags the chain; sync before rejecting so
		// subsequent reads see the final state.
		if err := e.syncFromChain(ctx, proposal.ID, chainView); err != nil {
			e.log.Error("failed to sync terminal proposal", "proposal", proposal.ID, "err", err)
		}
		return nil, ErrProposalNotActive
	}

	weight, err := e.contracts.VotingWeight(ctx, e.backend, common.HexToAddress(voter), chainView.Snapshot)
	if err != nil {
		return nil, err
	}
	if weight.Sign() <= 0 {
		return nil, ErrNoVotingPower
	}

	call, err := e.contracts.VoteCall(ref, support, reason)
	if err != nil {
		return nil, err
	}
	conf, err := e.submitAndAwait(ctx, call, tier)
	if err != nil {
		return nil, err
	}
	if conf.Kind == ledger.ConfirmTimedOut {
		return &Outcome{Code: CodeTimedOut, TxHash: conf.TxHash.Hex(), ProvisionalID: conf.PlaceholderID}, nil
	}
	if conf.Receipt.Status == gethtypes.ReceiptStatusFailed {
		e.log.Warn("vote reverted", "proposal", proposal.ID, "voter", voter, "tx", conf.TxHash.Hex())
		return &Outcome{Code: CodeRejected, TxHash: conf.TxHash.Hex()}, nil
	}

	decoded := e.extractor.Extract(conf.Receipt, ledger.CastWeightField)
	applied := decoded.ID.Uint64()
	if decoded.Fallback {
		// The receipt did not yield the applied weight; fall back to
		// the snapshot read taken before submission.
		e.metrics.ObserveDecodeFallback(string(ledger.OpVote))
		applied = weight.Uint64()
	}
	ballot := &storage.Ballot{
		ProposalID: proposal.ID,
		DesignID:   proposal.DesignID,
		Voter:      voter,
		Support:    support,
		Weight:     applied,
		Reason:     reason,
		TxHash:     decoded.TxHash.Hex(),
	}
	if err := e.store.AddBallot(ctx, ballot); err != nil {
		if errors.Is(err, storage.ErrDuplicateBallot) {
			e.metrics.ObserveBallotConflict()
			return nil, ErrAlreadyVoted
		}
		e.metrics.ObservePartialWrite(string(ledger.OpVote))
		e.log.Error("vote confirmed but ballot insert failed",
			"proposal", proposal.ID, "voter", voter, "tx", decoded.TxHash.Hex(), "err", err)
		return &Outcome{Code: CodePartial, Weight: applied, TxHash: decoded.TxHash.Hex(), Fallback: decoded.Fallback}, nil
	}
	return &Outcome{Code: CodeSuccess, Weight: applied, TxHash: decoded.TxHash.Hex(), Fallback: decoded.Fallback}, nil
}

// Refresh overwrites the cached proposal with the governor's current view
// and advances the design when the proposal reached execution.
func (e *Engine) Refresh(ctx context.Context, proposalID uuid.UUID) (*storage.Proposal, error) {
	proposal, err := e.Proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	ref, ok := new(big.Int).SetString(proposal.ProposalRef, 10)
	if !ok {
		return nil, fmt.Errorf("governance: malformed proposal ref %q", proposal.ProposalRef)
	}
	chainView, err := e.contracts.ProposalState(ctx, e.backend, ref)
	if err != nil {
		return nil, err
	}
	if err := e.syncFromChain(ctx, proposal.ID, chainView); err != nil {
		return nil, err
	}
	if proposalStatusFor(chainView.State) == storage.ProposalExecuted {
		status := storage.StatusPublished
		if proposal.Kind == storage.ProposalRejection {
			status = storage.StatusRejected
		}
		if err := e.store.SetDesignStatus(ctx, proposal.DesignID, status); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
			return nil, err
		}
	}
	return e.Proposal(ctx, proposalID)
}

func (e *Engine) submitAndAwait(ctx context.Context, call ledger.Call, tier ledger.PriorityTier) (ledger.Confirmation, error) {
	conditions := ledger.ObserveConditions(ctx, e.backend)
	bid := e.fees.SelectFee(conditions, tier)
	pending, err := e.submitter.Submit(ctx, call, bid)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	e.metrics.ObserveSubmission(string(call.Op))
	e.log.Info("transaction submitted",
		"op", call.Op, "tx", pending.Hash.Hex(), "nonce", pending.Nonce, "fee_cap", bid.Cap())

	conf, err := e.watcher.Await(ctx, pending, e.confirmTimeout)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	e.metrics.ObserveConfirmLatency(string(call.Op), time.Since(pending.SubmittedAt))
	switch conf.Kind {
	case ledger.ConfirmTimedOut:
		e.metrics.ObserveConfirmation(string(call.Op), "timeout")
	case ledger.ConfirmedByProbe:
		e.metrics.ObserveConfirmation(string(call.Op), "probe")
	default:
		e.metrics.ObserveConfirmation(string(call.Op), "wait")
	}
	return conf, nil
}

func (e *Engine) syncFromChain(ctx context.Context, proposalID uuid.UUID, view ledger.GovernorProposal) error {
	return e.store.SyncProposal(ctx, proposalID, proposalStatusFor(view.State),
		bigUint(view.For), bigUint(view.Against), bigUint(view.Abstain))
}

func proposalStatusFor(state uint8) storage.ProposalStatus {
	switch state {
	case ledger.GovernorStatePending, ledger.GovernorStateActive:
		return storage.ProposalActive
	case ledger.GovernorStateSucceeded, ledger.GovernorStateQueued:
		return storage.ProposalSucceeded
	case ledger.GovernorStateExecuted:
		return storage.ProposalExecuted
	default:
		return storage.ProposalDefeated
	}
}

func bigUint(v *big.Int) uint64 {
	if v == nil {
		return 0
	}
	return v.Uint64()
}
