// Package policy decides whether a loan amount is admissible against
// cross-ledger collateral. Everything is integer arithmetic on minor units.
package policy

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"crossloan/loan"
)

var hundred = big.NewInt(100)

// Params fixes the collateralization ratio and the collateral exchange rate.
type Params struct {
	// RatioPercent is the minimum collateral value to debt ratio, e.g. 150.
	RatioPercent uint64
	// ExchangeRate converts one collateral minor unit into amount minor units.
	ExchangeRate uint64
}

// DefaultParams mirrors the vault deployment: 150% at 2000 amount units per collateral unit.
func DefaultParams() Params {
	return Params{RatioPercent: 150, ExchangeRate: 2000}
}

// Validate rejects parameters that would make every decision meaningless.
func (p Params) Validate() error {
	if p.RatioPercent == 0 {
		return fmt.Errorf("policy: ratio percent must be positive")
	}
	if p.ExchangeRate == 0 {
		return fmt.Errorf("policy: exchange rate must be positive")
	}
	return nil
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Admissible      bool
	CollateralValue *uint256.Int
	RequiredValue   *uint256.Int
	MaxAdmissible   *uint256.Int
	// Shortfall is RequiredValue - CollateralValue in amount units, zero when admissible.
	Shortfall *uint256.Int
	// AdditionalCollateral is the shortfall converted back to collateral units, rounded up.
	AdditionalCollateral *uint256.Int
}

// Err returns the typed refusal for an inadmissible decision, nil otherwise.
func (d Decision) Err(requested *uint256.Int) error {
	if d.Admissible {
		return nil
	}
	return &loan.InsufficientCollateralError{
		Requested:            loan.CloneAmount(requested),
		Shortfall:            loan.CloneAmount(d.Shortfall),
		MaxAdmissible:        loan.CloneAmount(d.MaxAdmissible),
		AdditionalCollateral: loan.CloneAmount(d.AdditionalCollateral),
	}
}

// Evaluate checks collateral*rate >= (debt+requested)*ratio. The required value
// is rounded up so equality at exactly the ratio is admissible and anything
// below it is not.
func Evaluate(collateral, debt, requested *uint256.Int, params Params) (Decision, error) {
	if err := params.Validate(); err != nil {
		return Decision{}, err
	}
	rate := new(big.Int).SetUint64(params.ExchangeRate)
	ratio := new(big.Int).SetUint64(params.RatioPercent)

	collateralValue := new(big.Int).Mul(toBig(collateral), rate)
	total := new(big.Int).Add(toBig(debt), toBig(requested))

	// ceil(total * ratio / 100)
	required := new(big.Int).Mul(total, ratio)
	required.Add(required, big.NewInt(99))
	required.Quo(required, hundred)

	// floor(collateralValue * 100 / ratio) - debt, clamped at zero
	capacity := new(big.Int).Mul(collateralValue, hundred)
	capacity.Quo(capacity, ratio)
	maxAdmissible := new(big.Int).Sub(capacity, toBig(debt))
	if maxAdmissible.Sign() < 0 {
		maxAdmissible.SetInt64(0)
	}

	shortfall := new(big.Int)
	additional := new(big.Int)
	admissible := collateralValue.Cmp(required) >= 0
	if !admissible {
		shortfall.Sub(required, collateralValue)
		additional.Add(shortfall, new(big.Int).Sub(rate, big.NewInt(1)))
		additional.Quo(additional, rate)
	}

	return Decision{
		Admissible:           admissible,
		CollateralValue:      saturate(collateralValue),
		RequiredValue:        saturate(required),
		MaxAdmissible:        saturate(maxAdmissible),
		Shortfall:            saturate(shortfall),
		AdditionalCollateral: saturate(additional),
	}, nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

// saturate narrows an intermediate back to 256 bits. Values above the range
// only arise from collateral*rate products and are reported as the maximum.
func saturate(v *big.Int) *uint256.Int {
	out, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}
