package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"crossloan/loan"
)

// Relay accepts envelopes and, when AutoExecute is set, executes them on the
// destination ledger immediately.
type Relay struct {
	ledgers *Ledgers

	mu          sync.Mutex
	autoExecute bool
	envelopes   []loan.Envelope
	failures    []error
	lost        int
	landed      map[common.Hash]loan.Receipt
}

// NewRelay constructs a relay feeding ledgers.
func NewRelay(ledgers *Ledgers, autoExecute bool) *Relay {
	return &Relay{ledgers: ledgers, autoExecute: autoExecute, landed: make(map[common.Hash]loan.Receipt)}
}

// FailNext queues errors returned by the next Submit calls, in order.
func (r *Relay) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// LoseNext makes the next n Submit calls time out without ever landing, so
// Lookup never finds them.
func (r *Relay) LoseNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost += n
}

// Envelopes returns every accepted envelope.
func (r *Relay) Envelopes() []loan.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]loan.Envelope(nil), r.envelopes...)
}

// Deliver executes an accepted envelope on the destination ledger.
func (r *Relay) Deliver(env loan.Envelope) error {
	req := env.Signed.Request
	return r.ledgers.Execute(req.Account, req.Amount, req.ReplayCounter)
}

// Submit records env. Queued failures are returned first; a queued
// RelayUnknown still lands the call so Lookup can find it.
func (r *Relay) Submit(_ context.Context, env loan.Envelope) (loan.Receipt, error) {
	r.mu.Lock()
	receipt := loan.Receipt{
		TxHash:    crypto.Keccak256Hash(env.Signed.Signature),
		MessageID: crypto.Keccak256Hash(env.Signed.Digest.Bytes()),
	}
	if r.lost > 0 {
		r.lost--
		r.mu.Unlock()
		return loan.Receipt{TxHash: receipt.TxHash}, &loan.RelayUnknownError{Err: context.DeadlineExceeded}
	}
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		if isUnknown(err) {
			r.landed[receipt.TxHash] = receipt
			r.envelopes = append(r.envelopes, env)
			r.mu.Unlock()
			return loan.Receipt{TxHash: receipt.TxHash}, err
		}
		r.mu.Unlock()
		return loan.Receipt{}, err
	}
	r.landed[receipt.TxHash] = receipt
	r.envelopes = append(r.envelopes, env)
	auto := r.autoExecute
	r.mu.Unlock()
	if auto {
		if err := r.Deliver(env); err != nil {
			return loan.Receipt{}, fmt.Errorf("ledgertest: deliver: %w", err)
		}
	}
	return receipt, nil
}

// Lookup reports whether a Submit call landed.
func (r *Relay) Lookup(_ context.Context, txHash common.Hash) (loan.Receipt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	receipt, ok := r.landed[txHash]
	return receipt, ok, nil
}

func isUnknown(err error) bool {
	return errors.Is(err, loan.ErrRelayUnknown)
}

// Wallet issues mutations against the fake ledgers for one account.
type Wallet struct {
	ledgers *Ledgers
	account loan.Account

	mu    sync.Mutex
	nonce uint64
}

// Wallet returns a wallet acting for account.
func (l *Ledgers) Wallet(account loan.Account) *Wallet {
	return &Wallet{ledgers: l, account: account}
}

func (w *Wallet) hash(op string) common.Hash {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonce++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%s/%d", w.account.Hex(), op, w.nonce)))
}

// DepositCollateral adds collateral on the source ledger.
func (w *Wallet) DepositCollateral(_ context.Context, amount *uint256.Int) (common.Hash, error) {
	w.ledgers.Deposit(w.account, amount)
	return w.hash("deposit"), nil
}

// WithdrawCollateral removes collateral on the source ledger.
func (w *Wallet) WithdrawCollateral(_ context.Context, amount *uint256.Int) (common.Hash, error) {
	if err := w.ledgers.Withdraw(w.account, amount); err != nil {
		return common.Hash{}, err
	}
	return w.hash("withdraw"), nil
}

// Repay decreases debt on the destination ledger.
func (w *Wallet) Repay(_ context.Context, amount *uint256.Int) (common.Hash, error) {
	if err := w.ledgers.Repay(w.account, amount); err != nil {
		return common.Hash{}, err
	}
	return w.hash("repay"), nil
}
