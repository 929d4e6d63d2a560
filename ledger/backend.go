package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the Ethereum RPC surface the engine depends on.
// *ethclient.Client satisfies it; tests substitute fakes.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ObserveConditions gathers current fee signals. Each probe is best-effort:
// a failed or missing signal leaves the field nil and SelectFee falls back
// to its conservative defaults.
func ObserveConditions(ctx context.Context, backend Backend) NetworkConditions {
	cond := NetworkConditions{}
	if backend == nil {
		return cond
	}
	if header, err := backend.HeaderByNumber(ctx, nil); err == nil && header != nil && header.BaseFee != nil {
		cond.BaseFee = new(big.Int).Set(header.BaseFee)
	}
	if tip, err := backend.SuggestGasTipCap(ctx); err == nil && tip != nil {
		cond.TipCap = new(big.Int).Set(tip)
	}
	if price, err := backend.SuggestGasPrice(ctx); err == nil && price != nil {
		cond.GasPrice = new(big.Int).Set(price)
	}
	return cond
}
