package policy

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"crossloan/loan"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func unitParams() Params { return Params{RatioPercent: 150, ExchangeRate: 1} }

func TestEvaluateEqualityBoundaryIsAdmissible(t *testing.T) {
	decision, err := Evaluate(u(300), u(0), u(200), unitParams())
	require.NoError(t, err)
	require.True(t, decision.Admissible)
	require.Equal(t, uint64(300), decision.RequiredValue.Uint64())
	require.True(t, decision.Shortfall.IsZero())
	require.Equal(t, uint64(200), decision.MaxAdmissible.Uint64())
	require.NoError(t, decision.Err(u(200)))
}

func TestEvaluateOneUnitBelowIsRejected(t *testing.T) {
	decision, err := Evaluate(u(299), u(0), u(200), unitParams())
	require.NoError(t, err)
	require.False(t, decision.Admissible)
	require.Equal(t, uint64(1), decision.Shortfall.Uint64())
	require.Equal(t, uint64(1), decision.AdditionalCollateral.Uint64())

	err = decision.Err(u(200))
	require.ErrorIs(t, err, loan.ErrInsufficientCollateral)
	var typed *loan.InsufficientCollateralError
	require.True(t, errors.As(err, &typed))
	require.Equal(t, uint64(1), typed.Shortfall.Uint64())
	require.Equal(t, uint64(199), typed.MaxAdmissible.Uint64())
}

func TestEvaluateRequiredValueAboveCollateralByOne(t *testing.T) {
	// At 100% the required value equals the total, so 301 against 300 is short by exactly one.
	decision, err := Evaluate(u(300), u(0), u(301), Params{RatioPercent: 100, ExchangeRate: 1})
	require.NoError(t, err)
	require.False(t, decision.Admissible)
	require.Equal(t, uint64(301), decision.RequiredValue.Uint64())
	require.Equal(t, uint64(1), decision.Shortfall.Uint64())
}

func TestEvaluateFractionalRequirementRoundsUp(t *testing.T) {
	// 201 * 1.5 = 301.5 which must not be satisfied by 301.
	decision, err := Evaluate(u(301), u(0), u(201), unitParams())
	require.NoError(t, err)
	require.False(t, decision.Admissible)
	require.Equal(t, uint64(302), decision.RequiredValue.Uint64())
	require.Equal(t, uint64(1), decision.Shortfall.Uint64())
}

func TestEvaluateIncludesExistingDebt(t *testing.T) {
	decision, err := Evaluate(u(300), u(100), u(100), unitParams())
	require.NoError(t, err)
	require.True(t, decision.Admissible)

	decision, err = Evaluate(u(300), u(100), u(101), unitParams())
	require.NoError(t, err)
	require.False(t, decision.Admissible)
}

func TestMaxAdmissibleNeverNegative(t *testing.T) {
	decision, err := Evaluate(u(100), u(1_000), u(1), unitParams())
	require.NoError(t, err)
	require.False(t, decision.Admissible)
	require.True(t, decision.MaxAdmissible.IsZero())
}

func TestEvaluateUsesExchangeRate(t *testing.T) {
	oneEther := new(uint256.Int).Exp(u(10), u(18))
	params := DefaultParams()
	// 1 collateral unit at 2000 and 150% supports 1333.33.. amount units.
	max := new(uint256.Int).Mul(oneEther, u(2000))
	max.Mul(max, u(100))
	max.Div(max, u(150))

	decision, err := Evaluate(oneEther, u(0), max, params)
	require.NoError(t, err)
	require.True(t, decision.Admissible)
	require.True(t, decision.MaxAdmissible.Eq(max))

	over := new(uint256.Int).AddUint64(max, 1)
	decision, err = Evaluate(oneEther, u(0), over, params)
	require.NoError(t, err)
	require.False(t, decision.Admissible)
	require.Equal(t, uint64(1), decision.AdditionalCollateral.Uint64())
}

func TestEvaluateBoundaryProperty(t *testing.T) {
	params := unitParams()
	for collateral := uint64(0); collateral <= 60; collateral++ {
		for debt := uint64(0); debt <= 20; debt++ {
			for amount := uint64(1); amount <= 20; amount++ {
				decision, err := Evaluate(u(collateral), u(debt), u(amount), params)
				require.NoError(t, err)
				want := collateral*100 >= (debt+amount)*params.RatioPercent
				require.Equal(t, want, decision.Admissible, "collateral=%d debt=%d amount=%d", collateral, debt, amount)
			}
		}
	}
}

func TestEvaluateRejectsZeroParams(t *testing.T) {
	_, err := Evaluate(u(1), u(0), u(1), Params{RatioPercent: 0, ExchangeRate: 1})
	require.Error(t, err)
	_, err = Evaluate(u(1), u(0), u(1), Params{RatioPercent: 150})
	require.Error(t, err)
}
