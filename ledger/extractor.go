package ledger

import (
	"math/big"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Extractor derives domain identifiers from confirmed receipts. Extraction
// never fails the overall operation: the transaction is already paid for
// and included, so a decoding gap degrades to a clearly-flagged placeholder
// instead of erasing a real state change.
type Extractor struct {
	nowFn func() time.Time
}

// NewExtractor constructs an extractor with the default UTC clock.
func NewExtractor() *Extractor {
	return &Extractor{nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the fallback-identifier clock. Nil restores the
// default UTC clock.
func (x *Extractor) SetNowFunc(now func() time.Time) {
	if now == nil {
		x.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	x.nowFn = now
}

// Extract scans the receipt's logs for the expected event and decodes the
// identifier the field descriptor points at. A missing event or malformed
// log yields a fallback result: the identifier is synthesized from the
// clock and flagged non-authoritative, while the transaction hash remains
// the durable source of truth.
func (x *Extractor) Extract(receipt *gethtypes.Receipt, field EventField) DomainResult {
	if receipt == nil {
		return x.fallback(DomainResult{})
	}
	result := DomainResult{TxHash: receipt.TxHash}
	for _, entry := range receipt.Logs {
		if entry == nil || len(entry.Topics) == 0 || entry.Topics[0] != field.Topic {
			continue
		}
		if field.TopicIndex > 0 {
			if len(entry.Topics) <= field.TopicIndex {
				continue
			}
			result.ID = new(big.Int).SetBytes(entry.Topics[field.TopicIndex].Bytes())
			return result
		}
		offset := field.DataWord * 32
		if len(entry.Data) < offset+32 {
			continue
		}
		result.ID = new(big.Int).SetBytes(entry.Data[offset : offset+32])
		return result
	}
	return x.fallback(result)
}

// fallback synthesizes an identifier from the clock seconds in the high
// bits and the leading transaction-hash bytes in the low bits, so two
// undecodable receipts in the same second still get distinct ids.
func (x *Extractor) fallback(result DomainResult) DomainResult {
	id := new(big.Int).SetInt64(x.nowFn().Unix())
	id.Lsh(id, 32)
	id.Or(id, new(big.Int).SetBytes(result.TxHash[:4]))
	result.ID = id
	result.Fallback = true
	return result
}
