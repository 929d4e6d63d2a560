package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend is an in-memory Backend for tests. Receipt visibility can be
// delayed by receiptAfter to exercise the wait/probe split.
type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	nonce    uint64
	nonceErr error

	baseFee  *big.Int
	tipCap   *big.Int
	gasPrice *big.Int

	sendErr error
	sent    []*gethtypes.Transaction

	receipt      *gethtypes.Receipt
	receiptErr   error
	receiptAfter int
	receiptCalls int

	balance *big.Int
	callFn  func(ethereum.CallMsg) ([]byte, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(1337), balance: big.NewInt(0)}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return nil, ethereum.NotFound
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if f.tipCap == nil {
		return nil, ethereum.NotFound
	}
	return new(big.Int).Set(f.tipCap), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	if f.baseFee == nil {
		return &gethtypes.Header{Number: big.NewInt(1)}, nil
	}
	return &gethtypes.Header{Number: big.NewInt(1), BaseFee: new(big.Int).Set(f.baseFee)}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receipt == nil || f.receiptCalls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	receipt := *f.receipt
	receipt.TxHash = txHash
	return &receipt, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callFn == nil {
		return nil, ethereum.NotFound
	}
	return f.callFn(call)
}
