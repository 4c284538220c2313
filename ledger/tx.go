package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("ledger: transaction reverted")

// ErrNotMined is returned by ReceiptStatus when no receipt exists yet.
var ErrNotMined = errors.New("ledger: transaction not mined")

// ErrWouldRevert is returned by Prepare when gas estimation reports that the
// call reverts against current state.
var ErrWouldRevert = errors.New("ledger: call would revert")

// Backend is the subset of ethclient required to submit transactions.
type Backend interface {
	ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Transactor signs and submits transactions from a single key on one chain.
type Transactor struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration

	// serialises nonce allocation for this sender
	mu sync.Mutex
}

// TransactorOption customises a Transactor.
type TransactorOption func(*Transactor)

// WithReceiptPollInterval sets how often WaitMined polls for a receipt.
func WithReceiptPollInterval(interval time.Duration) TransactorOption {
	return func(t *Transactor) {
		if interval > 0 {
			t.pollInterval = interval
		}
	}
}

// NewTransactor builds a transactor for key on chainID.
func NewTransactor(backend Backend, key *ecdsa.PrivateKey, chainID uint64, opts ...TransactorOption) (*Transactor, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("ledger: transactor key required")
	}
	if chainID == 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	t := &Transactor{
		backend:      backend,
		key:          key,
		from:         gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:      new(big.Int).SetUint64(chainID),
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// From returns the sending address.
func (t *Transactor) From() common.Address { return t.from }

// Prepare builds and signs a transaction without broadcasting it, so callers
// can re-broadcast the identical transaction when an outcome is unknown. The
// nonce comes from the node's pending pool, so callers sharing a Transactor
// must serialise Prepare through Broadcast.
func (t *Transactor) Prepare(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("ledger: pending nonce: %w", err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: gas price: %w", err)
	}
	target := to
	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &target, Value: value, Data: data})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return nil, fmt.Errorf("%w: %v", ErrWouldRevert, err)
		}
		return nil, fmt.Errorf("ledger: estimate gas: %w", err)
	}
	gas += gas / 5

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign tx: %w", err)
	}
	return signed, nil
}

// Broadcast sends a prepared transaction. Re-sending a transaction the node
// already knows is not an error.
func (t *Transactor) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if err := t.backend.SendTransaction(ctx, tx); err != nil {
		if isAlreadyKnown(err) {
			return nil
		}
		return err
	}
	return nil
}

// ReceiptStatus returns the receipt of hash if it has been mined, ErrNotMined otherwise.
func (t *Transactor) ReceiptStatus(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := t.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotMined
		}
		return nil, fmt.Errorf("ledger: fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, ErrNotMined
	}
	return receipt, nil
}

// WaitMined polls until hash has a receipt. A failed receipt returns ErrReverted
// together with the receipt.
func (t *Transactor) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.ReceiptStatus(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		case errors.Is(err, ErrNotMined):
		default:
			// transient RPC failures keep polling until ctx ends
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Send prepares, broadcasts and waits for a transaction.
func (t *Transactor) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	tx, err := t.Prepare(ctx, to, value, data)
	if err != nil {
		return nil, err
	}
	if err := t.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("ledger: send tx: %w", err)
	}
	return t.WaitMined(ctx, tx.Hash())
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
