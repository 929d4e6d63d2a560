package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Submitter signs and sends transactions. It returns as soon as the network
// accepts a transaction into its pending pool; confirmation is the
// Watcher's job. Nonces are fetched from the network per call, so
// concurrent submissions from the same signer may collide and surface as
// ordinary SubmissionErrors.
type Submitter struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	nowFn   func() time.Time
}

// NewSubmitter wires a submitter to its backend and signing key. A missing
// key is a configuration fault reported as ErrNoSignerConfigured.
func NewSubmitter(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int) (*Submitter, error) {
	if backend == nil {
		return nil, ErrNoBackend
	}
	if key == nil {
		return nil, ErrNoSignerConfigured
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	return &Submitter{
		backend: backend,
		key:     key,
		from:    gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetNowFunc overrides the submission timestamp source. Nil restores the
// default UTC clock.
func (s *Submitter) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	s.nowFn = now
}

// From returns the signing identity's address.
func (s *Submitter) From() common.Address { return s.from }

// Submit builds, signs, and sends the call with the supplied fee bid. The
// pending-pool nonce doubles as the idempotency key: a replay with the same
// nonce can only replace, never duplicate, the ledger-side effect.
func (s *Submitter) Submit(ctx context.Context, call Call, bid FeeBid) (PendingTx, error) {
	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return PendingTx{}, &SubmissionError{Op: call.Op, Cause: fmt.Errorf("fetch nonce: %w", err)}
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := call.To

	var tx *gethtypes.Transaction
	if bid.Legacy {
		tx = gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      call.GasLimit,
			GasPrice: bid.GasPrice,
			Data:     call.Data,
		})
	} else {
		tx = gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			To:        &to,
			Value:     value,
			Gas:       call.GasLimit,
			GasFeeCap: bid.GasFeeCap,
			GasTipCap: bid.GasTipCap,
			Data:      call.Data,
		})
	}

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return PendingTx{}, &SubmissionError{Op: call.Op, Cause: fmt.Errorf("sign: %w", err)}
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return PendingTx{}, translateSendError(call.Op, err)
	}

	return PendingTx{
		Hash:        signed.Hash(),
		Op:          call.Op,
		Nonce:       nonce,
		Bid:         bid,
		SubmittedAt: s.nowFn(),
	}, nil
}
