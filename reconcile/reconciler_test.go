package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"crossloan/lifecycle"
	"crossloan/loan"
)

var (
	account = common.HexToAddress("0xa1")
	expiry  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func loanTarget() Target {
	return Target{
		Kind:     lifecycle.KindLoan,
		Account:  account,
		Amount:   uint256.NewInt(100),
		Counter:  5,
		Baseline: loan.DebtState{Account: account, OutstandingDebt: uint256.NewInt(40), ReplayCounter: 5},
		Expiry:   expiry,
	}
}

func debt(amount, counter uint64) loan.DebtState {
	return loan.DebtState{Account: account, OutstandingDebt: uint256.NewInt(amount), ReplayCounter: counter}
}

func TestClassifyLoan(t *testing.T) {
	target := loanTarget()
	before := expiry.Add(-time.Minute)

	require.Equal(t, OutcomePending, Classify(target, debt(40, 5), before))
	require.Equal(t, OutcomeExecuted, Classify(target, debt(140, 6), before))
	require.Equal(t, OutcomeExecuted, Classify(target, debt(140, 6), expiry.Add(time.Hour)))
	require.Equal(t, OutcomeExpired, Classify(target, debt(40, 5), expiry.Add(time.Second)))
	require.Equal(t, OutcomePending, Classify(target, debt(40, 5), expiry))
	require.Equal(t, OutcomePending, Classify(target, debt(40, 4), expiry.Add(time.Hour)))
}

func TestClassifyLoanAfterLaterActivity(t *testing.T) {
	target := loanTarget()
	before := expiry.Add(-time.Minute)

	// a second loan of 50 executed at counter 6 before this one was observed
	require.Equal(t, OutcomeExecuted, Classify(target, debt(190, 7), before))
	// a repayment of 40 landed after execution
	require.Equal(t, OutcomeExecuted, Classify(target, debt(100, 6), before))
	require.Equal(t, OutcomeExecuted, Classify(target, debt(0, 6), before))
	require.Equal(t, OutcomeExecuted, Classify(target, debt(40, 6), expiry.Add(time.Hour)))

	// two counters consumed without the debt to show for this request
	require.Equal(t, OutcomeSuperseded, Classify(target, debt(90, 7), before))
	require.Equal(t, OutcomeSuperseded, Classify(target, debt(10, 8), before))
}

func TestClassifyRepayment(t *testing.T) {
	target := Target{
		Kind:     lifecycle.KindRepayment,
		Account:  account,
		Amount:   uint256.NewInt(30),
		Baseline: debt(100, 2),
	}
	require.Equal(t, OutcomePending, Classify(target, debt(100, 2), time.Now()))
	require.Equal(t, OutcomeExecuted, Classify(target, debt(70, 2), time.Now()))
	require.Equal(t, OutcomePending, Classify(target, debt(150, 3), time.Now()))
	require.Equal(t, OutcomePending, Classify(target, debt(60, 2), time.Now()))
}

type scriptedReader struct {
	mu     sync.Mutex
	states []loan.DebtState
	errs   []error
	reads  int
}

func (s *scriptedReader) ReadDebt(ctx context.Context, _ loan.Account) (loan.DebtState, error) {
	if err := ctx.Err(); err != nil {
		return loan.DebtState{}, loan.Unavailable(loan.LedgerDestination, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.reads
	s.reads++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return loan.DebtState{}, s.errs[idx]
	}
	if idx >= len(s.states) {
		idx = len(s.states) - 1
	}
	return s.states[idx], nil
}

func TestPollUntilExecuted(t *testing.T) {
	reader := &scriptedReader{
		states: []loan.DebtState{debt(40, 5), debt(40, 5), debt(40, 5), debt(140, 6)},
		errs:   []error{nil, loan.Unavailable(loan.LedgerDestination, errors.New("rpc down"))},
	}
	r, err := New(reader, WithClock(func() time.Time { return expiry.Add(-time.Hour) }))
	require.NoError(t, err)

	outcome, err := r.Poll(context.Background(), loanTarget(), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)
	require.Equal(t, 4, reader.reads)
}

func TestPollReportsExpired(t *testing.T) {
	reader := &scriptedReader{states: []loan.DebtState{debt(40, 5)}}
	r, err := New(reader, WithClock(func() time.Time { return expiry.Add(time.Second) }))
	require.NoError(t, err)

	outcome, err := r.Poll(context.Background(), loanTarget(), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, outcome)
}

func TestPollNeverExpiresWithoutObservation(t *testing.T) {
	reader := &scriptedReader{
		states: []loan.DebtState{debt(40, 5)},
		errs:   []error{loan.Unavailable(loan.LedgerDestination, errors.New("down")), loan.Unavailable(loan.LedgerDestination, errors.New("down"))},
	}
	r, err := New(reader, WithClock(func() time.Time { return expiry.Add(time.Hour) }))
	require.NoError(t, err)

	outcome, _, err := r.Observe(context.Background(), loanTarget())
	require.ErrorIs(t, err, loan.ErrLedgerUnavailable)
	require.Equal(t, OutcomePending, outcome)
}

func TestPollCancellable(t *testing.T) {
	reader := &scriptedReader{states: []loan.DebtState{debt(40, 5)}}
	r, err := New(reader, WithClock(func() time.Time { return expiry.Add(-time.Hour) }))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	outcome, err := r.Poll(ctx, loanTarget(), 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, OutcomePending, outcome)

	_, err = r.Poll(context.Background(), loanTarget(), 0)
	require.Error(t, err)
}

func TestTargetForAndApply(t *testing.T) {
	now := func() time.Time { return expiry.Add(-time.Hour) }
	req := lifecycle.New(lifecycle.KindLoan, account, uint256.NewInt(100), now)
	_, err := TargetFor(req)
	require.Error(t, err)

	require.NoError(t, req.MarkChecked(debt(40, 5)))
	require.NoError(t, req.MarkSigned(loan.SignedRequest{Request: loan.Request{
		Account: account, Amount: uint256.NewInt(100), ReplayCounter: 5, Expiry: expiry,
	}}))
	require.NoError(t, req.MarkDispatched(loan.Receipt{}, nil))

	target, err := TargetFor(req)
	require.NoError(t, err)
	require.Equal(t, uint64(5), target.Counter)
	require.Equal(t, expiry, target.Expiry)
	require.Equal(t, uint64(40), target.Baseline.OutstandingDebt.Uint64())

	require.NoError(t, Apply(req, OutcomeSuperseded, target))
	require.Equal(t, lifecycle.StateRejected, req.State())
	require.ErrorIs(t, req.Err(), loan.ErrCounterConsumed)
}

func TestApplyExpired(t *testing.T) {
	req := lifecycle.New(lifecycle.KindLoan, account, uint256.NewInt(100), nil)
	require.NoError(t, req.MarkChecked(debt(40, 5)))
	require.NoError(t, req.MarkSigned(loan.SignedRequest{}))
	require.NoError(t, req.MarkDispatched(loan.Receipt{}, nil))
	require.NoError(t, Apply(req, OutcomeExpired, loanTarget()))
	require.Equal(t, lifecycle.StateExpired, req.State())
	require.ErrorIs(t, req.Err(), loan.ErrExpired)
	require.NoError(t, Apply(req, OutcomePending, loanTarget()))
}
