package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

func TestExtractMintedTokenID(t *testing.T) {
	receipt := mintReceipt(17)
	receipt.TxHash = common.HexToHash("0xaaa")

	got := NewExtractor().Extract(receipt, MintedTokenField)
	if got.Fallback {
		t.Fatal("unexpected fallback")
	}
	if got.ID.Int64() != 17 {
		t.Fatalf("token id = %s, want 17", got.ID)
	}
	if got.TxHash != receipt.TxHash {
		t.Fatalf("tx hash mismatch")
	}
}

func TestExtractWeightFromDataSection(t *testing.T) {
	// VoteCast data layout: proposalId, support, weight, reason offset.
	data := make([]byte, 0, 128)
	data = append(data, common.BigToHash(big.NewInt(99)).Bytes()...)
	data = append(data, common.BigToHash(big.NewInt(1)).Bytes()...)
	data = append(data, common.BigToHash(big.NewInt(5)).Bytes()...)
	data = append(data, common.BigToHash(big.NewInt(128)).Bytes()...)

	receipt := &gethtypes.Receipt{
		TxHash: common.HexToHash("0xbbb"),
		Logs: []*gethtypes.Log{{
			Topics: []common.Hash{VoteCastTopic, common.Hash{}},
			Data:   data,
		}},
	}

	got := NewExtractor().Extract(receipt, CastWeightField)
	if got.Fallback {
		t.Fatal("unexpected fallback")
	}
	if got.ID.Int64() != 5 {
		t.Fatalf("weight = %s, want 5", got.ID)
	}
}

func TestExtractFallsBackWhenEventAbsent(t *testing.T) {
	receipt := &gethtypes.Receipt{TxHash: common.HexToHash("0xccc")}

	extractor := NewExtractor()
	frozen := time.Unix(1_650_000_000, 0).UTC()
	extractor.SetNowFunc(func() time.Time { return frozen })

	got := extractor.Extract(receipt, MintedTokenField)
	if !got.Fallback {
		t.Fatal("expected fallback result")
	}
	want := new(big.Int).Lsh(big.NewInt(frozen.Unix()), 32)
	want.Or(want, new(big.Int).SetBytes(receipt.TxHash[:4]))
	if got.ID.Cmp(want) != 0 {
		t.Fatalf("fallback id = %s, want %s", got.ID, want)
	}
	if got.TxHash != receipt.TxHash {
		t.Fatal("tx hash must stay authoritative on fallback")
	}
}

func TestFallbackIDsDifferWithinOneSecond(t *testing.T) {
	extractor := NewExtractor()
	frozen := time.Unix(1_650_000_000, 0).UTC()
	extractor.SetNowFunc(func() time.Time { return frozen })

	first := extractor.Extract(&gethtypes.Receipt{
		TxHash: common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
	}, MintedTokenField)
	second := extractor.Extract(&gethtypes.Receipt{
		TxHash: common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"),
	}, MintedTokenField)

	if !first.Fallback || !second.Fallback {
		t.Fatal("expected fallback results")
	}
	if first.ID.Cmp(second.ID) == 0 {
		t.Fatalf("fallback ids must not collide on the clock alone: %s", first.ID)
	}
	if !first.ID.IsUint64() || !second.ID.IsUint64() {
		t.Fatal("fallback ids must fit the token id column")
	}
}

func TestExtractFallsBackOnShortData(t *testing.T) {
	receipt := &gethtypes.Receipt{
		TxHash: common.HexToHash("0xddd"),
		Logs: []*gethtypes.Log{{
			Topics: []common.Hash{VoteCastTopic},
			Data:   make([]byte, 32), // weight word missing
		}},
	}
	got := NewExtractor().Extract(receipt, CastWeightField)
	if !got.Fallback {
		t.Fatal("expected fallback for truncated data")
	}
	if got.TxHash != receipt.TxHash {
		t.Fatal("tx hash mismatch")
	}
}

func TestExtractNilReceipt(t *testing.T) {
	got := NewExtractor().Extract(nil, MintedTokenField)
	if !got.Fallback {
		t.Fatal("expected fallback for nil receipt")
	}
}
