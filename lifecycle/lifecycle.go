// Package lifecycle tracks one loan or repayment attempt from creation to a
// terminal outcome. Transitions only move forward and terminal states are
// sealed.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"crossloan/loan"
)

// State is a lifecycle stage.
type State string

const (
	StateCreated           State = "CREATED"
	StateAdmissibleChecked State = "ADMISSIBLE_CHECKED"
	StateSigned            State = "SIGNED"
	StateDispatched        State = "DISPATCHED"
	StateExecuted          State = "EXECUTED"
	StateRejected          State = "REJECTED"
	StateExpired           State = "EXPIRED"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateRejected || s == StateExpired
}

// Kind distinguishes loan requests from repayments.
type Kind string

const (
	KindLoan      Kind = "loan"
	KindRepayment Kind = "repayment"
)

// ErrInvalidTransition is returned for any transition not in the table below.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

var transitions = map[Kind]map[State][]State{
	KindLoan: {
		StateCreated:           {StateAdmissibleChecked, StateRejected},
		StateAdmissibleChecked: {StateSigned, StateRejected},
		StateSigned:            {StateDispatched, StateRejected},
		StateDispatched:        {StateExecuted, StateExpired, StateRejected},
	},
	// repayments are submitted directly on the destination ledger
	KindRepayment: {
		StateCreated:    {StateDispatched, StateRejected},
		StateDispatched: {StateExecuted, StateRejected},
	},
}

// Transition is one entry of a request's history.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Request is one attempt. It is safe for concurrent use.
type Request struct {
	ID      string
	Kind    Kind
	Account loan.Account
	Amount  *loan.Amount

	mu       sync.RWMutex
	state    State
	history  []Transition
	counter  *uint64
	baseline *loan.DebtState
	signed   *loan.SignedRequest
	receipt  loan.Receipt
	err      error
	now      func() time.Time
	done     chan struct{}
}

// New creates a request in CREATED.
func New(kind Kind, account loan.Account, amount *loan.Amount, now func() time.Time) *Request {
	if now == nil {
		now = time.Now
	}
	return &Request{
		ID:      uuid.NewString(),
		Kind:    kind,
		Account: account,
		Amount:  loan.CloneAmount(amount),
		state:   StateCreated,
		now:     now,
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (r *Request) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// History returns a copy of the recorded transitions.
func (r *Request) History() []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Transition(nil), r.history...)
}

// Err returns the error attached when the request was rejected or expired.
func (r *Request) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Done is closed once the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

// Signed returns the signed request once SIGNED has been reached.
func (r *Request) Signed() (loan.SignedRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.signed == nil {
		return loan.SignedRequest{}, false
	}
	return *r.signed, true
}

// Receipt returns the relay receipt recorded at dispatch.
func (r *Request) Receipt() loan.Receipt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.receipt
}

// Baseline returns the destination state observed before dispatch.
func (r *Request) Baseline() (loan.DebtState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.baseline == nil {
		return loan.DebtState{}, false
	}
	return *r.baseline, true
}

// Counter returns the replay counter the request was built with.
func (r *Request) Counter() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.counter == nil {
		return 0, false
	}
	return *r.counter, true
}

// MarkChecked records a passed collateral check against baseline.
func (r *Request) MarkChecked(baseline loan.DebtState) error {
	return r.advance(StateAdmissibleChecked, nil, func() {
		b := baseline
		b.OutstandingDebt = loan.CloneAmount(baseline.OutstandingDebt)
		r.baseline = &b
		counter := baseline.ReplayCounter
		r.counter = &counter
	})
}

// MarkSigned records the signed request.
func (r *Request) MarkSigned(signed loan.SignedRequest) error {
	return r.advance(StateSigned, nil, func() {
		s := signed
		r.signed = &s
	})
}

// MarkDispatched records the relay receipt. Repayments pass the destination
// state read before submission as baseline.
func (r *Request) MarkDispatched(receipt loan.Receipt, baseline *loan.DebtState) error {
	return r.advance(StateDispatched, nil, func() {
		r.receipt = receipt
		if baseline != nil {
			b := *baseline
			b.OutstandingDebt = loan.CloneAmount(baseline.OutstandingDebt)
			r.baseline = &b
		}
	})
}

// MarkExecuted seals the request as executed.
func (r *Request) MarkExecuted() error {
	return r.advance(StateExecuted, nil, nil)
}

// Reject seals the request as rejected with cause.
func (r *Request) Reject(cause error) error {
	if cause == nil {
		cause = errors.New("rejected")
	}
	return r.advance(StateRejected, cause, nil)
}

// Expire seals the request as expired.
func (r *Request) Expire(cause error) error {
	return r.advance(StateExpired, cause, nil)
}

func (r *Request) advance(to State, cause error, apply func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !allowed(r.Kind, r.state, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, r.Kind, r.state, to)
	}
	if apply != nil {
		apply()
	}
	entry := Transition{From: r.state, To: to, At: r.now().UTC()}
	if cause != nil {
		r.err = cause
		entry.Error = cause.Error()
	}
	r.history = append(r.history, entry)
	r.state = to
	if to.Terminal() {
		close(r.done)
	}
	return nil
}

func allowed(kind Kind, from, to State) bool {
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Snapshot is a read-only copy of a request for reporting.
type Snapshot struct {
	ID            string       `json:"id"`
	Kind          Kind         `json:"kind"`
	Account       string       `json:"account"`
	Amount        string       `json:"amount"`
	State         State        `json:"state"`
	ReplayCounter *uint64      `json:"replayCounter,omitempty"`
	Expiry        *time.Time   `json:"expiry,omitempty"`
	MessageID     string       `json:"relayMessageId,omitempty"`
	TxHash        string       `json:"txHash,omitempty"`
	Error         string       `json:"error,omitempty"`
	History       []Transition `json:"history"`
}

// Snapshot captures the request's current view.
func (r *Request) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		ID:      r.ID,
		Kind:    r.Kind,
		Account: r.Account.Hex(),
		Amount:  loan.FormatAmount(r.Amount),
		State:   r.state,
		History: append([]Transition(nil), r.history...),
	}
	if r.counter != nil {
		counter := *r.counter
		snap.ReplayCounter = &counter
	}
	if r.signed != nil {
		expiry := r.signed.Request.Expiry.UTC()
		snap.Expiry = &expiry
	}
	if r.receipt.MessageID != (loan.Receipt{}).MessageID {
		snap.MessageID = r.receipt.MessageID.Hex()
	}
	if r.receipt.TxHash != (loan.Receipt{}).TxHash {
		snap.TxHash = r.receipt.TxHash.Hex()
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	return snap
}
