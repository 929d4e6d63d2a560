package governance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"mintgate/ledger"
	"mintgate/storage"
)

// readABI mirrors the view methods the engine reads so the fake backend can
// recognise calls and encode answers.
const readABI = `[
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"state","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"proposalVotes","outputs":[{"name":"againstVotes","type":"uint256"},{"name":"forVotes","type":"uint256"},{"name":"abstainVotes","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"proposalSnapshot","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"proposalDeadline","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"},{"name":"timepoint","type":"uint256"}],"name":"getPastVotes","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

type fakeBackend struct {
	mu       sync.Mutex
	abi      abi.ABI
	nonce    uint64
	gasPrice *big.Int
	sent     []*gethtypes.Transaction
	receipt  *gethtypes.Receipt

	state    uint8
	against  *big.Int
	forVotes *big.Int
	abstain  *big.Int
	snapshot *big.Int
	deadline *big.Int
	weight   *big.Int

	// onSend runs after a transaction is accepted, before any receipt is
	// observed. Tests use it to interleave concurrent writes.
	onSend func()
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(readABI))
	if err != nil {
		t.Fatalf("parse read abi: %v", err)
	}
	return &fakeBackend{
		abi:      parsed,
		gasPrice: big.NewInt(5e9),
		state:    ledger.GovernorStateActive,
		against:  big.NewInt(0),
		forVotes: big.NewInt(0),
		abstain:  big.NewInt(0),
		snapshot: big.NewInt(100),
		deadline: big.NewInt(200),
		weight:   big.NewInt(4),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errors.New("no tip cap")
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return nil, errors.New("no header")
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	f.receipt.TxHash = txHash
	return f.receipt, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, method := range f.abi.Methods {
		if !bytes.HasPrefix(call.Data, method.ID) {
			continue
		}
		switch name {
		case "state":
			return method.Outputs.Pack(f.state)
		case "proposalVotes":
			return method.Outputs.Pack(f.against, f.forVotes, f.abstain)
		case "proposalSnapshot":
			return method.Outputs.Pack(f.snapshot)
		case "proposalDeadline":
			return method.Outputs.Pack(f.deadline)
		case "getPastVotes":
			return method.Outputs.Pack(f.weight)
		}
	}
	return nil, fmt.Errorf("unexpected call %x", call.Data[:4])
}

func (f *fakeBackend) setReceipt(r *gethtypes.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipt = r
}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func proposeReceipt(ref int64) *gethtypes.Receipt {
	return &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
		Logs: []*gethtypes.Log{{
			Topics: []common.Hash{ledger.CreatedProposalField.Topic},
			Data:   common.BigToHash(big.NewInt(ref)).Bytes(),
		}},
	}
}

func voteReceipt(weight int64) *gethtypes.Receipt {
	data := make([]byte, 96)
	copy(data[64:96], common.BigToHash(big.NewInt(weight)).Bytes())
	return &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(11),
		Logs: []*gethtypes.Log{{
			Topics: []common.Hash{ledger.CastWeightField.Topic},
			Data:   data,
		}},
	}
}

func newTestEngine(t *testing.T, backend *fakeBackend) (*Engine, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	submitter, err := ledger.NewSubmitter(backend, key, big.NewInt(1337))
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	watcher, err := ledger.NewWatcher(backend)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	watcher.SetPollPolicy(ledger.RetryPolicy{Backoff: ledger.ConstantBackoff(5 * time.Millisecond)})
	contracts, err := ledger.NewContracts(
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	)
	if err != nil {
		t.Fatalf("new contracts: %v", err)
	}
	engine, err := New(Config{
		Store:          store,
		Backend:        backend,
		Contracts:      contracts,
		Submitter:      submitter,
		Watcher:        watcher,
		ConfirmTimeout: 150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, store
}

const voter = "0x3333333333333333333333333333333333333333"

func newCandidate(t *testing.T, store *storage.Store) *storage.Design {
	t.Helper()
	design := &storage.Design{Creator: "0xaa", Name: "genesis"}
	if err := store.CreateDesign(context.Background(), design); err != nil {
		t.Fatalf("create design: %v", err)
	}
	if err := store.CompleteMint(context.Background(), design.ID, 42, "0xmint"); err != nil {
		t.Fatalf("complete mint: %v", err)
	}
	return design
}

func newActiveProposal(t *testing.T, store *storage.Store, design *storage.Design) *storage.Proposal {
	t.Helper()
	proposal := &storage.Proposal{DesignID: design.ID, Kind: storage.ProposalApproval, ProposalRef: "555"}
	if err := store.CreateProposal(context.Background(), proposal); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return proposal
}

func TestEnsureProposalLazyAndIdempotent(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	backend.setReceipt(proposeReceipt(555))

	outcome, err := engine.EnsureProposal(context.Background(), design.ID, storage.ProposalApproval, ledger.TierStandard)
	if err != nil {
		t.Fatalf("ensure proposal: %v", err)
	}
	if outcome.Code != CodeSuccess || outcome.Proposal == nil {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Proposal.ProposalRef != "555" {
		t.Fatalf("proposal ref not decoded: %+v", outcome.Proposal)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("expected one submission, got %d", backend.sentCount())
	}

	// Repeating the request returns the stored row without another
	// chain submission.
	again, err := engine.EnsureProposal(context.Background(), design.ID, storage.ProposalApproval, ledger.TierStandard)
	if err != nil {
		t.Fatalf("ensure proposal again: %v", err)
	}
	if again.Proposal == nil || again.Proposal.ID != outcome.Proposal.ID {
		t.Fatalf("expected the same proposal, got %+v", again)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("idempotent call must not resubmit, sent %d", backend.sentCount())
	}
}

func TestEnsureProposalRequiresCandidate(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)

	draft := &storage.Design{Creator: "0xaa", Name: "draft"}
	if err := store.CreateDesign(context.Background(), draft); err != nil {
		t.Fatalf("create design: %v", err)
	}
	if _, err := engine.EnsureProposal(context.Background(), draft.ID, storage.ProposalApproval, ledger.TierStandard); !errors.Is(err, ErrNotCandidate) {
		t.Fatalf("expected not candidate for draft, got %v", err)
	}

	published := newCandidate(t, store)
	if err := store.SetDesignStatus(context.Background(), published.ID, storage.StatusPublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := engine.EnsureProposal(context.Background(), published.ID, storage.ProposalApproval, ledger.TierStandard); !errors.Is(err, ErrNotCandidate) {
		t.Fatalf("expected not candidate for published, got %v", err)
	}
	if backend.sentCount() != 0 {
		t.Fatalf("rejected proposals must not reach the chain")
	}
}

func TestCastVoteRecordsBallotAndTally(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	proposal := newActiveProposal(t, store, design)
	backend.setReceipt(voteReceipt(4))

	outcome, err := engine.CastVote(context.Background(), voter, proposal.ID, true, "ship it", ledger.TierHigh)
	if err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if outcome.Code != CodeSuccess || outcome.Weight != 4 || outcome.Fallback {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	loaded, err := store.GetProposal(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if loaded.ForVotes != 4 || loaded.AgainstVotes != 0 {
		t.Fatalf("tally not updated: %+v", loaded)
	}
	ballots, err := store.ListBallots(context.Background(), proposal.ID)
	if err != nil || len(ballots) != 1 {
		t.Fatalf("expected one ballot: %v %v", ballots, err)
	}
	if ballots[0].Voter != voter || !ballots[0].Support || ballots[0].Reason != "ship it" {
		t.Fatalf("unexpected ballot: %+v", ballots[0])
	}
}

func TestCastVoteDeduplicates(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	proposal := newActiveProposal(t, store, design)
	backend.setReceipt(voteReceipt(4))

	if _, err := engine.CastVote(context.Background(), voter, proposal.ID, true, "", ledger.TierStandard); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	sent := backend.sentCount()

	// Same voter with different casing is still the same voter.
	_, err := engine.CastVote(context.Background(), strings.ToUpper(voter[:10])+voter[10:], proposal.ID, false, "", ledger.TierStandard)
	if !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected already voted, got %v", err)
	}
	if backend.sentCount() != sent {
		t.Fatalf("duplicate vote must not resubmit")
	}

	loaded, err := store.GetProposal(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if loaded.ForVotes != 4 || loaded.AgainstVotes != 0 {
		t.Fatalf("duplicate vote leaked into the tally: %+v", loaded)
	}
}

func TestCastVoteLosesInsertRaceAsAlreadyVoted(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	proposal := newActiveProposal(t, store, design)
	backend.setReceipt(voteReceipt(4))

	// A second writer lands the same voter's ballot while this vote is in
	// flight, after the duplicate pre-check has already passed. The unique
	// index decides the winner.
	backend.onSend = func() {
		err := store.AddBallot(context.Background(), &storage.Ballot{
			ProposalID: proposal.ID,
			DesignID:   design.ID,
			Voter:      voter,
			Support:    true,
			Weight:     4,
			TxHash:     "0xother",
		})
		if err != nil {
			t.Errorf("concurrent ballot insert: %v", err)
		}
	}

	_, err := engine.CastVote(context.Background(), voter, proposal.ID, true, "", ledger.TierStandard)
	if !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected already voted, got %v", err)
	}

	loaded, err := store.GetProposal(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if loaded.ForVotes != 4 || loaded.AgainstVotes != 0 {
		t.Fatalf("losing vote leaked into the tally: %+v", loaded)
	}
	ballots, err := store.ListBallots(context.Background(), proposal.ID)
	if err != nil || len(ballots) != 1 {
		t.Fatalf("expected exactly one ballot: %v %v", ballots, err)
	}
	if ballots[0].TxHash != "0xother" {
		t.Fatalf("winner's ballot must stand: %+v", ballots[0])
	}
}

func TestCastVoteInactiveSyncsTerminalState(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	proposal := newActiveProposal(t, store, design)

	backend.state = ledger.GovernorStateDefeated
	backend.against = big.NewInt(5)
	backend.forVotes = big.NewInt(2)

	_, err := engine.CastVote(context.Background(), voter, proposal.ID, true, "", ledger.TierStandard)
	if !errors.Is(err, ErrProposalNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	if backend.sentCount() != 0 {
		t.Fatalf("vote on closed proposal must not reach the chain")
	}

	loaded, err := store.GetProposal(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if loaded.Status != storage.ProposalDefeated || loaded.AgainstVotes != 5 || loaded.ForVotes != 2 {
		t.Fatalf("terminal state not synced: %+v", loaded)
	}
}

func TestCastVoteRequiresWeight(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	proposal := newActiveProposal(t, store, design)
	backend.weight = big.NewInt(0)

	_, err := engine.CastVote(context.Background(), voter, proposal.ID, true, "", ledger.TierStandard)
	if !errors.Is(err, ErrNoVotingPower) {
		t.Fatalf("expected no voting power, got %v", err)
	}
	if backend.sentCount() != 0 {
		t.Fatalf("weightless vote must not reach the chain")
	}
}

func TestCastVoteTimeoutLeavesNoBallot(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	proposal := newActiveProposal(t, store, design)
	// No receipt ever appears.

	outcome, err := engine.CastVote(context.Background(), voter, proposal.ID, true, "", ledger.TierStandard)
	if err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if outcome.Code != CodeTimedOut || outcome.TxHash == "" || outcome.ProvisionalID == 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	ballots, err := store.ListBallots(context.Background(), proposal.ID)
	if err != nil || len(ballots) != 0 {
		t.Fatalf("timed out vote must not record a ballot: %v %v", ballots, err)
	}
}

func TestRefreshExecutedPublishesDesign(t *testing.T) {
	backend := newFakeBackend(t)
	engine, store := newTestEngine(t, backend)
	design := newCandidate(t, store)
	proposal := newActiveProposal(t, store, design)

	backend.state = ledger.GovernorStateExecuted
	backend.forVotes = big.NewInt(9)
	backend.against = big.NewInt(1)

	refreshed, err := engine.Refresh(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Status != storage.ProposalExecuted || refreshed.ForVotes != 9 {
		t.Fatalf("proposal not synced: %+v", refreshed)
	}
	loaded, err := store.GetDesign(context.Background(), design.ID)
	if err != nil {
		t.Fatalf("reload design: %v", err)
	}
	if loaded.Status != storage.StatusPublished {
		t.Fatalf("executed approval should publish the design: %+v", loaded)
	}
}
