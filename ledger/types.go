package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Op identifies the logical operation a submitted transaction performs.
type Op string

const (
	OpMint    Op = "mint"
	OpPropose Op = "propose"
	OpVote    Op = "vote"
)

// PriorityTier selects how aggressively a fee bid tracks network conditions.
type PriorityTier int

const (
	TierStandard PriorityTier = iota
	TierHigh
)

// NetworkConditions carries the fee signals observed from the network. Any
// field may be nil or zero when the endpoint does not report it; SelectFee
// tolerates both.
type NetworkConditions struct {
	BaseFee  *big.Int
	TipCap   *big.Int
	GasPrice *big.Int
}

// FeeBid is the priced gas offer attached to a submission. Either the
// two-part dynamic fields or the legacy GasPrice is populated, never both.
type FeeBid struct {
	GasFeeCap *big.Int
	GasTipCap *big.Int
	GasPrice  *big.Int
	Legacy    bool
}

// Cap returns the highest per-gas price the bid can pay regardless of model.
func (b FeeBid) Cap() *big.Int {
	if b.Legacy {
		if b.GasPrice == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(b.GasPrice)
	}
	if b.GasFeeCap == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(b.GasFeeCap)
}

// Call describes a contract invocation to submit.
type Call struct {
	Op       Op
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// PendingTx is the transient handle for one in-flight submission. It lives
// for the duration of a single request and is never persisted.
type PendingTx struct {
	Hash        common.Hash
	Op          Op
	Nonce       uint64
	Bid         FeeBid
	SubmittedAt time.Time
}

// ConfirmKind tags how a confirmation outcome was obtained.
type ConfirmKind int

const (
	// ConfirmedByWait means the inclusion wait returned a receipt in time.
	ConfirmedByWait ConfirmKind = iota
	// ConfirmedByProbe means the wait timed out but a direct receipt probe
	// found the transaction already included.
	ConfirmedByProbe
	// ConfirmTimedOut means neither the wait nor the probe located a
	// receipt. The transaction may still be pending; this is not a failure.
	ConfirmTimedOut
)

// Confirmation is the watcher's resolution of a pending transaction.
type Confirmation struct {
	Kind    ConfirmKind
	TxHash  common.Hash
	Receipt *gethtypes.Receipt

	// PlaceholderID is populated only for ConfirmTimedOut so callers can
	// hand the user a stable reference alongside the transaction hash.
	PlaceholderID uint64
}

// Confirmed reports whether a receipt was obtained by either path.
func (c Confirmation) Confirmed() bool {
	return c.Kind == ConfirmedByWait || c.Kind == ConfirmedByProbe
}

// EventField locates the domain identifier inside a matching log entry.
type EventField struct {
	// Topic is the keccak signature expected in topics[0].
	Topic common.Hash
	// TopicIndex selects an indexed argument position (1-based) carrying
	// the identifier. Zero means the identifier lives in the data section.
	TopicIndex int
	// DataWord is the 32-byte word offset within the data section, used
	// when TopicIndex is zero.
	DataWord int
}

// DomainResult is the extractor's answer: the domain identifier decoded from
// a confirmed receipt, or a synthesized placeholder when decoding fails. The
// transaction hash is authoritative in both cases.
type DomainResult struct {
	ID       *big.Int
	TxHash   common.Hash
	Fallback bool
}
