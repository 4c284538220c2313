// Package ledgertest provides an in-memory pair of ledgers for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"crossloan/loan"
)

type position struct {
	collateral *uint256.Int
	capacity   *uint256.Int
	debt       *uint256.Int
	counter    uint64
	ratio      uint64
}

// Ledgers simulates the source and destination vaults.
type Ledgers struct {
	mu             sync.Mutex
	positions      map[loan.Account]*position
	sourceErr      error
	destinationErr error
	debtReads      int
	collReads      int
}

// New returns empty ledgers.
func New() *Ledgers {
	return &Ledgers{positions: make(map[loan.Account]*position)}
}

func (l *Ledgers) get(account loan.Account) *position {
	p, ok := l.positions[account]
	if !ok {
		p = &position{collateral: new(uint256.Int), capacity: new(uint256.Int), debt: new(uint256.Int)}
		l.positions[account] = p
	}
	return p
}

// SetCollateral sets the source-ledger collateral for account.
func (l *Ledgers) SetCollateral(account loan.Account, collateral uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.get(account).collateral = uint256.NewInt(collateral)
}

// SetCapacity sets the source-ledger max loan capacity for account.
func (l *Ledgers) SetCapacity(account loan.Account, capacity uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.get(account).capacity = uint256.NewInt(capacity)
}

// SetDebt sets destination debt and counter for account.
func (l *Ledgers) SetDebt(account loan.Account, debt uint64, counter uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.get(account)
	p.debt = uint256.NewInt(debt)
	p.counter = counter
}

// SetRatio sets the destination collateral ratio percent.
func (l *Ledgers) SetRatio(account loan.Account, ratio uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.get(account).ratio = ratio
}

// FailSource makes source reads fail with err until cleared with nil.
func (l *Ledgers) FailSource(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sourceErr = err
}

// FailDestination makes destination reads fail with err until cleared with nil.
func (l *Ledgers) FailDestination(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destinationErr = err
}

// Execute applies a signed loan the way the destination vault does: the
// counter must match and is consumed atomically.
func (l *Ledgers) Execute(account loan.Account, amount *uint256.Int, counter uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.get(account)
	if p.counter != counter {
		return fmt.Errorf("ledgertest: counter mismatch: have %d want %d", p.counter, counter)
	}
	p.counter++
	p.debt = new(uint256.Int).Add(p.debt, amount)
	return nil
}

// Repay decreases destination debt.
func (l *Ledgers) Repay(account loan.Account, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.get(account)
	if amount.Gt(p.debt) {
		return fmt.Errorf("ledgertest: repay exceeds debt")
	}
	p.debt = new(uint256.Int).Sub(p.debt, amount)
	return nil
}

// Deposit increases source collateral.
func (l *Ledgers) Deposit(account loan.Account, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.get(account)
	p.collateral = new(uint256.Int).Add(p.collateral, amount)
}

// Withdraw decreases source collateral; it fails while debt is outstanding.
func (l *Ledgers) Withdraw(account loan.Account, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.get(account)
	if !p.debt.IsZero() {
		return fmt.Errorf("ledgertest: outstanding debt")
	}
	if amount.Gt(p.collateral) {
		return fmt.Errorf("ledgertest: withdraw exceeds collateral")
	}
	p.collateral = new(uint256.Int).Sub(p.collateral, amount)
	return nil
}

// ReadCollateral implements ledger.StateReader.
func (l *Ledgers) ReadCollateral(ctx context.Context, account loan.Account) (loan.CollateralState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.collReads++
	if err := ctx.Err(); err != nil {
		return loan.CollateralState{}, loan.Unavailable(loan.LedgerSource, err)
	}
	if l.sourceErr != nil {
		return loan.CollateralState{}, loan.Unavailable(loan.LedgerSource, l.sourceErr)
	}
	p := l.get(account)
	return loan.CollateralState{Account: account, Collateral: p.collateral.Clone(), MaxLoanCapacity: p.capacity.Clone()}, nil
}

// ReadDebt implements ledger.StateReader.
func (l *Ledgers) ReadDebt(ctx context.Context, account loan.Account) (loan.DebtState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debtReads++
	if err := ctx.Err(); err != nil {
		return loan.DebtState{}, loan.Unavailable(loan.LedgerDestination, err)
	}
	if l.destinationErr != nil {
		return loan.DebtState{}, loan.Unavailable(loan.LedgerDestination, l.destinationErr)
	}
	p := l.get(account)
	return loan.DebtState{Account: account, OutstandingDebt: p.debt.Clone(), ReplayCounter: p.counter}, nil
}

// CollateralRatioPercent implements ledger.RatioReader.
func (l *Ledgers) CollateralRatioPercent(ctx context.Context, account loan.Account) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destinationErr != nil {
		return 0, loan.Unavailable(loan.LedgerDestination, l.destinationErr)
	}
	return l.get(account).ratio, nil
}

// DebtReads returns how many destination reads were served.
func (l *Ledgers) DebtReads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debtReads
}
