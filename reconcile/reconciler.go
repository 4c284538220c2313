// Package reconcile classifies dispatched requests by polling destination
// ledger state. It never relies on relay push notifications.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crossloan/lifecycle"
	"crossloan/loan"
	"crossloan/observability"
)

var tracer = otel.Tracer("crossloan/reconcile")

// Outcome is the classification of one observation.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeExecuted   Outcome = "executed"
	OutcomeExpired    Outcome = "expired"
	OutcomeSuperseded Outcome = "superseded"
)

// Terminal reports whether polling can stop.
func (o Outcome) Terminal() bool { return o != OutcomePending }

// Target describes what a dispatched request is expected to change.
type Target struct {
	Kind     lifecycle.Kind
	Account  loan.Account
	Amount   *loan.Amount
	Counter  uint64
	Baseline loan.DebtState
	// Expiry is zero for repayments.
	Expiry time.Time
}

// TargetFor derives the reconciliation target from a dispatched request.
func TargetFor(r *lifecycle.Request) (Target, error) {
	baseline, ok := r.Baseline()
	if !ok {
		return Target{}, fmt.Errorf("reconcile: request %s has no baseline", r.ID)
	}
	target := Target{
		Kind:     r.Kind,
		Account:  r.Account,
		Amount:   loan.CloneAmount(r.Amount),
		Baseline: baseline,
	}
	if r.Kind == lifecycle.KindLoan {
		signed, ok := r.Signed()
		if !ok {
			return Target{}, fmt.Errorf("reconcile: request %s was never signed", r.ID)
		}
		target.Counter = signed.Request.ReplayCounter
		target.Expiry = signed.Request.Expiry
	}
	return target, nil
}

// Classify compares current destination state against target at now.
// Execution is checked before expiry so a request observed executed after its
// deadline is still reported executed. A loan first seen more than one
// counter ahead is superseded unless the debt grew by at least its amount.
func Classify(target Target, current loan.DebtState, now time.Time) Outcome {
	before := loan.CloneAmount(target.Baseline.OutstandingDebt)
	after := loan.CloneAmount(current.OutstandingDebt)
	amount := loan.CloneAmount(target.Amount)

	if target.Kind == lifecycle.KindRepayment {
		if !before.Lt(after) && new(loan.Amount).Sub(before, after).Eq(amount) {
			return OutcomeExecuted
		}
		return OutcomePending
	}

	switch {
	case current.ReplayCounter == target.Counter+1:
		// only this request's signature moves the counter off target.Counter;
		// repayments may already have reduced the debt it added
		return OutcomeExecuted
	case current.ReplayCounter > target.Counter:
		// later loans raised the debt by their own amounts as well
		if !after.Lt(before) && !new(loan.Amount).Sub(after, before).Lt(amount) {
			return OutcomeExecuted
		}
		return OutcomeSuperseded
	case current.ReplayCounter == target.Counter && !target.Expiry.IsZero() && now.After(target.Expiry):
		return OutcomeExpired
	default:
		return OutcomePending
	}
}

// DebtReader reads destination ledger state.
type DebtReader interface {
	ReadDebt(ctx context.Context, account loan.Account) (loan.DebtState, error)
}

// Reconciler polls a DebtReader.
type Reconciler struct {
	reader  DebtReader
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.CoordinatorMetrics
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for expiry.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records poll outcomes.
func WithMetrics(m *observability.CoordinatorMetrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New constructs a Reconciler.
func New(reader DebtReader, opts ...Option) (*Reconciler, error) {
	if reader == nil {
		return nil, errors.New("reconcile: debt reader required")
	}
	r := &Reconciler{reader: reader, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Observe performs a single read and classification.
func (r *Reconciler) Observe(ctx context.Context, target Target) (Outcome, loan.DebtState, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Observe", trace.WithAttributes(
		attribute.String("account", target.Account.Hex()),
		attribute.String("kind", string(target.Kind)),
	))
	defer span.End()

	current, err := r.reader.ReadDebt(ctx, target.Account)
	if err != nil {
		span.RecordError(err)
		r.metrics.RecordPoll("error")
		return OutcomePending, loan.DebtState{}, err
	}
	outcome := Classify(target, current, r.now())
	r.metrics.RecordPoll(string(outcome))
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, current, nil
}

// Poll observes target every interval until a terminal outcome or until ctx
// ends. Read failures are logged and retried on the next tick; cancelling ctx
// only stops local observation.
func (r *Reconciler) Poll(ctx context.Context, target Target, interval time.Duration) (Outcome, error) {
	if interval <= 0 {
		return OutcomePending, fmt.Errorf("reconcile: poll interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		outcome, _, err := r.Observe(ctx, target)
		switch {
		case err == nil && outcome.Terminal():
			return outcome, nil
		case err != nil && ctx.Err() == nil:
			r.logger.Warn("reconcile poll failed",
				slog.String("account", target.Account.Hex()),
				slog.Uint64("counter", target.Counter),
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return OutcomePending, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Apply moves req to the terminal state matching outcome.
func Apply(req *lifecycle.Request, outcome Outcome, target Target) error {
	switch outcome {
	case OutcomeExecuted:
		return req.MarkExecuted()
	case OutcomeExpired:
		return req.Expire(&loan.ExpiredError{Expiry: target.Expiry})
	case OutcomeSuperseded:
		return req.Reject(fmt.Errorf("%w: counter %d", loan.ErrCounterConsumed, target.Counter))
	default:
		return nil
	}
}
