package coordinator

import (
	"context"
	"sync"

	"github.com/holiman/uint256"

	"crossloan/loan"
	"crossloan/policy"
)

// Health bands the destination collateral ratio.
type Health string

const (
	HealthNone    Health = "none"
	HealthSafe    Health = "safe"
	HealthWarning Health = "warning"
	HealthDanger  Health = "danger"
)

const (
	safeRatioPercent    = 200
	warningRatioPercent = 150
)

// HealthFor classifies ratio. Without debt there is nothing to protect.
func HealthFor(ratioPercent uint64, debt *loan.Amount) Health {
	if debt == nil || debt.IsZero() {
		return HealthNone
	}
	switch {
	case ratioPercent >= safeRatioPercent:
		return HealthSafe
	case ratioPercent >= warningRatioPercent:
		return HealthWarning
	default:
		return HealthDanger
	}
}

// Position is a point-in-time view of one account across both ledgers. A
// failed ledger leaves its fields nil and sets its error; the other ledger's
// fields are still reported.
type Position struct {
	Account         loan.Account
	Collateral      *loan.Amount
	MaxLoanCapacity *loan.Amount
	Debt            *loan.Amount
	ReplayCounter   uint64
	RatioPercent    uint64
	Health          Health
	// MaxAdmissible is computed by the local policy and requires both ledgers.
	MaxAdmissible  *loan.Amount
	SourceErr      error
	DestinationErr error
}

// Position reads both ledgers concurrently.
func (c *Coordinator) Position(ctx context.Context, account loan.Account) (Position, error) {
	if account == (loan.Account{}) {
		return Position{}, loan.ErrAccountRequired
	}
	ctx, span := tracer.Start(ctx, "coordinator.Position")
	defer span.End()

	pos := Position{Account: account}
	var (
		wg         sync.WaitGroup
		collateral loan.CollateralState
		debt       loan.DebtState
		ratio      uint64
		ratioErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		collateral, pos.SourceErr = c.ledgers.ReadCollateral(ctx, account)
	}()
	go func() {
		defer wg.Done()
		debt, pos.DestinationErr = c.ledgers.ReadDebt(ctx, account)
		if pos.DestinationErr == nil && c.ratios != nil {
			ratio, ratioErr = c.ratios.CollateralRatioPercent(ctx, account)
		}
	}()
	wg.Wait()

	if pos.SourceErr == nil {
		pos.Collateral = collateral.Collateral
		pos.MaxLoanCapacity = collateral.MaxLoanCapacity
	}
	if pos.DestinationErr == nil {
		pos.Debt = debt.OutstandingDebt
		pos.ReplayCounter = debt.ReplayCounter
		if ratioErr != nil {
			pos.DestinationErr = ratioErr
		}
	}
	if pos.SourceErr == nil && pos.DestinationErr == nil {
		decision, err := policy.Evaluate(pos.Collateral, pos.Debt, new(uint256.Int), c.cfg.Policy)
		if err != nil {
			return pos, err
		}
		pos.MaxAdmissible = decision.MaxAdmissible
		if c.ratios == nil {
			ratio = localRatio(decision, pos.Debt)
		}
		pos.RatioPercent = ratio
		pos.Health = HealthFor(ratio, pos.Debt)
	} else if pos.DestinationErr == nil && c.ratios != nil {
		pos.RatioPercent = ratio
		pos.Health = HealthFor(ratio, pos.Debt)
	}
	if pos.SourceErr != nil && pos.DestinationErr != nil {
		return pos, pos.SourceErr
	}
	return pos, nil
}

// localRatio is collateral value * 100 / debt, saturated to uint64.
func localRatio(decision policy.Decision, debt *loan.Amount) uint64 {
	if debt == nil || debt.IsZero() {
		return 0
	}
	value := new(uint256.Int).Mul(loan.CloneAmount(decision.CollateralValue), uint256.NewInt(100))
	value.Div(value, debt)
	if !value.IsUint64() {
		return ^uint64(0)
	}
	return value.Uint64()
}
