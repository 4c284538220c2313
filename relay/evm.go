package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"crossloan/ledger"
	"crossloan/loan"
)

const sendMethod = "sendLendRequestWithSignature"

// Transactor is the subset of ledger.Transactor the submitter drives.
type Transactor interface {
	Prepare(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ReceiptStatus(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type preparedTx struct {
	digest common.Hash
	tx     *types.Transaction
}

// VaultSender submits envelopes through the source ledger's VaultSender
// contract. Prepared transactions are cached per slot so a retry after an
// unknown outcome re-broadcasts the identical transaction.
type VaultSender struct {
	tx      Transactor
	address common.Address
	abi     abi.ABI

	mu       sync.Mutex
	prepared map[loan.DispatchKey]preparedTx
}

// NewVaultSender binds to the VaultSender contract at address.
func NewVaultSender(tx Transactor, address common.Address) (*VaultSender, error) {
	if tx == nil {
		return nil, errors.New("relay: transactor required")
	}
	if address == (common.Address{}) {
		return nil, errors.New("relay: vault sender address required")
	}
	return &VaultSender{
		tx:       tx,
		address:  address,
		abi:      ledger.VaultSenderABI(),
		prepared: make(map[loan.DispatchKey]preparedTx),
	}, nil
}

// Submit implements Submitter.
func (v *VaultSender) Submit(ctx context.Context, env loan.Envelope) (loan.Receipt, error) {
	tx, err := v.prepare(ctx, env)
	if err != nil {
		return loan.Receipt{}, err
	}
	receipt := loan.Receipt{TxHash: tx.Hash()}
	if err := v.tx.Broadcast(ctx, tx); err != nil {
		return receipt, &loan.RelayUnknownError{Err: fmt.Errorf("broadcast %s: %w", tx.Hash().Hex(), err)}
	}
	mined, err := v.tx.WaitMined(ctx, tx.Hash())
	if err != nil {
		if errors.Is(err, ledger.ErrReverted) {
			v.forget(env.Key())
			return receipt, &loan.RelayRejectedError{Reason: fmt.Sprintf("outbound call %s reverted", tx.Hash().Hex())}
		}
		return receipt, &loan.RelayUnknownError{Err: fmt.Errorf("await %s: %w", tx.Hash().Hex(), err)}
	}
	v.forget(env.Key())
	receipt.MessageID = v.messageID(mined)
	return receipt, nil
}

// Lookup implements Submitter.
func (v *VaultSender) Lookup(ctx context.Context, txHash common.Hash) (loan.Receipt, bool, error) {
	mined, err := v.tx.ReceiptStatus(ctx, txHash)
	if err != nil {
		if errors.Is(err, ledger.ErrNotMined) {
			return loan.Receipt{}, false, nil
		}
		return loan.Receipt{}, false, loan.Unavailable(loan.LedgerSource, err)
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return loan.Receipt{}, false, &loan.RelayRejectedError{Reason: fmt.Sprintf("outbound call %s reverted", txHash.Hex())}
	}
	return loan.Receipt{TxHash: txHash, MessageID: v.messageID(mined)}, true, nil
}

func (v *VaultSender) prepare(ctx context.Context, env loan.Envelope) (*types.Transaction, error) {
	key := env.Key()
	v.mu.Lock()
	cached, ok := v.prepared[key]
	v.mu.Unlock()
	if ok && cached.digest == env.Signed.Digest {
		return cached.tx, nil
	}

	data, err := PackSend(env)
	if err != nil {
		return nil, err
	}
	tx, err := v.tx.Prepare(ctx, v.address, nil, data)
	if err != nil {
		if errors.Is(err, ledger.ErrWouldRevert) {
			return nil, &loan.RelayRejectedError{Reason: err.Error()}
		}
		return nil, loan.Unavailable(loan.LedgerSource, err)
	}
	v.mu.Lock()
	v.prepared[key] = preparedTx{digest: env.Signed.Digest, tx: tx}
	v.mu.Unlock()
	return tx, nil
}

func (v *VaultSender) forget(key loan.DispatchKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.prepared, key)
}

// messageID extracts the MessageSent id from a mined receipt. A receipt
// without the event yields the zero hash; the tx hash then stays the only
// correlation handle.
func (v *VaultSender) messageID(receipt *types.Receipt) common.Hash {
	id, _ := ParseMessageID(receipt, v.address)
	return id
}

// PackSend encodes the sendLendRequestWithSignature call for env.
func PackSend(env loan.Envelope) ([]byte, error) {
	req := env.Signed.Request
	amount := new(big.Int)
	if req.Amount != nil {
		amount = req.Amount.ToBig()
	}
	data, err := ledger.VaultSenderABI().Pack(sendMethod,
		env.DestinationSelector,
		env.DestinationAddress,
		req.Account,
		amount,
		new(big.Int).SetUint64(req.ReplayCounter),
		big.NewInt(req.Expiry.Unix()),
		env.Signed.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("relay: pack %s: %w", sendMethod, err)
	}
	return data, nil
}

// ParseMessageID finds the MessageSent event emitted by emitter in receipt.
func ParseMessageID(receipt *types.Receipt, emitter common.Address) (common.Hash, bool) {
	if receipt == nil {
		return common.Hash{}, false
	}
	event := ledger.VaultSenderABI().Events["MessageSent"]
	for _, log := range receipt.Logs {
		if log == nil || log.Address != emitter || len(log.Topics) < 2 {
			continue
		}
		if log.Topics[0] != event.ID {
			continue
		}
		return log.Topics[1], true
	}
	return common.Hash{}, false
}
