package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Event signatures the extractor matches against receipt logs.
var (
	TransferTopic        = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	ProposalCreatedTopic = gethcrypto.Keccak256Hash([]byte("ProposalCreated(uint256,address,address[],uint256[],string[],bytes[],uint256,uint256,string)"))
	VoteCastTopic        = gethcrypto.Keccak256Hash([]byte("VoteCast(address,uint256,uint8,uint256,string)"))
)

// Field descriptors for the domain identifiers carried by each event.
var (
	// MintedTokenField: ERC-721 Transfer carries the token id as the third
	// indexed topic.
	MintedTokenField = EventField{Topic: TransferTopic, TopicIndex: 3}
	// CreatedProposalField: ProposalCreated carries the proposal id as the
	// first data word.
	CreatedProposalField = EventField{Topic: ProposalCreatedTopic, DataWord: 0}
	// CastWeightField: VoteCast carries the applied weight as the third
	// data word (proposalId, support, weight, ...).
	CastWeightField = EventField{Topic: VoteCastTopic, DataWord: 2}
)

// Governor state enum as reported by state(uint256).
const (
	GovernorStatePending uint8 = iota
	GovernorStateActive
	GovernorStateCanceled
	GovernorStateDefeated
	GovernorStateSucceeded
	GovernorStateQueued
	GovernorStateExpired
	GovernorStateExecuted
)

// Default gas limits per operation. The contract calls are small and
// predictable, so static limits avoid an estimation round-trip per request.
const (
	mintGasLimit    = 300_000
	proposeGasLimit = 500_000
	voteGasLimit    = 200_000
)

const collectionABI = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"tokenURI","type":"string"}],"name":"mintItem","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"tokenId","type":"uint256"}],"name":"publish","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"tokenId","type":"uint256"}],"name":"reject","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"},{"name":"timepoint","type":"uint256"}],"name":"getPastVotes","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const governorABI = `[
	{"inputs":[{"name":"targets","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"calldatas","type":"bytes[]"},{"name":"description","type":"string"}],"name":"propose","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"},{"name":"support","type":"uint8"},{"name":"reason","type":"string"}],"name":"castVoteWithReason","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"state","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"proposalVotes","outputs":[{"name":"againstVotes","type":"uint256"},{"name":"forVotes","type":"uint256"},{"name":"abstainVotes","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"proposalSnapshot","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"proposalId","type":"uint256"}],"name":"proposalDeadline","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Contracts packs calldata for, and reads state from, the collection and
// governor contracts the engine drives.
type Contracts struct {
	Collection common.Address
	Governor   common.Address

	collection abi.ABI
	governor   abi.ABI
}

// NewContracts parses the embedded ABIs and binds the deployed addresses.
func NewContracts(collection, governor common.Address) (*Contracts, error) {
	if (collection == common.Address{}) {
		return nil, fmt.Errorf("ledger: collection address required")
	}
	if (governor == common.Address{}) {
		return nil, fmt.Errorf("ledger: governor address required")
	}
	parsedCollection, err := abi.JSON(strings.NewReader(collectionABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse collection abi: %w", err)
	}
	parsedGovernor, err := abi.JSON(strings.NewReader(governorABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse governor abi: %w", err)
	}
	return &Contracts{
		Collection: collection,
		Governor:   governor,
		collection: parsedCollection,
		governor:   parsedGovernor,
	}, nil
}

// MintCall builds the mintItem invocation for the given recipient and
// metadata reference.
func (c *Contracts) MintCall(to common.Address, tokenURI string) (Call, error) {
	data, err := c.collection.Pack("mintItem", to, tokenURI)
	if err != nil {
		return Call{}, fmt.Errorf("ledger: pack mint: %w", err)
	}
	return Call{Op: OpMint, To: c.Collection, Data: data, GasLimit: mintGasLimit}, nil
}

// ProposeCall builds a governor proposal whose single action publishes or
// rejects the token, depending on approve.
func (c *Contracts) ProposeCall(tokenID *big.Int, approve bool, description string) (Call, error) {
	action := "publish"
	if !approve {
		action = "reject"
	}
	payload, err := c.collection.Pack(action, tokenID)
	if err != nil {
		return Call{}, fmt.Errorf("ledger: pack %s: %w", action, err)
	}
	data, err := c.governor.Pack("propose",
		[]common.Address{c.Collection},
		[]*big.Int{big.NewInt(0)},
		[][]byte{payload},
		description,
	)
	if err != nil {
		return Call{}, fmt.Errorf("ledger: pack propose: %w", err)
	}
	return Call{Op: OpPropose, To: c.Governor, Data: data, GasLimit: proposeGasLimit}, nil
}

// VoteCall builds a castVoteWithReason invocation. Support follows the
// governor convention: 0 against, 1 for.
func (c *Contracts) VoteCall(proposalID *big.Int, support bool, reason string) (Call, error) {
	supportValue := uint8(0)
	if support {
		supportValue = 1
	}
	data, err := c.governor.Pack("castVoteWithReason", proposalID, supportValue, reason)
	if err != nil {
		return Call{}, fmt.Errorf("ledger: pack vote: %w", err)
	}
	return Call{Op: OpVote, To: c.Governor, Data: data, GasLimit: voteGasLimit}, nil
}

// GovernorProposal is the ledger-reported view of one proposal.
type GovernorProposal struct {
	State    uint8
	Against  *big.Int
	For      *big.Int
	Abstain  *big.Int
	Snapshot *big.Int
	Deadline *big.Int
}

// Active reports whether the proposal accepts votes.
func (p GovernorProposal) Active() bool { return p.State == GovernorStateActive }

// ProposalState reads the governor's current view of the proposal: state
// enum, tallies, snapshot and deadline blocks.
func (c *Contracts) ProposalState(ctx context.Context, backend Backend, proposalID *big.Int) (GovernorProposal, error) {
	out := GovernorProposal{}

	raw, err := c.callGovernor(ctx, backend, "state", proposalID)
	if err != nil {
		return out, err
	}
	if len(raw) != 1 {
		return out, fmt.Errorf("ledger: unexpected state result arity %d", len(raw))
	}
	state, ok := raw[0].(uint8)
	if !ok {
		return out, fmt.Errorf("ledger: unexpected state result type %T", raw[0])
	}
	out.State = state

	raw, err = c.callGovernor(ctx, backend, "proposalVotes", proposalID)
	if err != nil {
		return out, err
	}
	if len(raw) != 3 {
		return out, fmt.Errorf("ledger: unexpected votes result arity %d", len(raw))
	}
	out.Against = asBig(raw[0])
	out.For = asBig(raw[1])
	out.Abstain = asBig(raw[2])

	if raw, err = c.callGovernor(ctx, backend, "proposalSnapshot", proposalID); err == nil && len(raw) == 1 {
		out.Snapshot = asBig(raw[0])
	}
	if raw, err = c.callGovernor(ctx, backend, "proposalDeadline", proposalID); err == nil && len(raw) == 1 {
		out.Deadline = asBig(raw[0])
	}
	return out, nil
}

// VotingWeight reads the voter's balance-derived weight at the proposal
// snapshot. A nil snapshot falls back to the latest block.
func (c *Contracts) VotingWeight(ctx context.Context, backend Backend, voter common.Address, snapshot *big.Int) (*big.Int, error) {
	timepoint := snapshot
	if timepoint == nil {
		timepoint = big.NewInt(0)
	}
	data, err := c.collection.Pack("getPastVotes", voter, timepoint)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack getPastVotes: %w", err)
	}
	result, err := backend.CallContract(ctx, ethereum.CallMsg{To: &c.Collection, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: read voting weight: %w", err)
	}
	raw, err := c.collection.Unpack("getPastVotes", result)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode voting weight: %w", err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("ledger: unexpected weight result arity %d", len(raw))
	}
	weight := asBig(raw[0])
	if weight == nil {
		return nil, fmt.Errorf("ledger: unexpected weight result type %T", raw[0])
	}
	return weight, nil
}

func (c *Contracts) callGovernor(ctx context.Context, backend Backend, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.governor.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	result, err := backend.CallContract(ctx, ethereum.CallMsg{To: &c.Governor, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	raw, err := c.governor.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode %s: %w", method, err)
	}
	return raw, nil
}

func asBig(v interface{}) *big.Int {
	out, _ := v.(*big.Int)
	return out
}
