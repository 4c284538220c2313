// Package relay hands signed loan requests to the cross-chain relay channel at
// most once per (account, replay counter).
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crossloan/loan"
	"crossloan/observability"
	"crossloan/storage/journal"
)

var tracer = otel.Tracer("crossloan/relay")

// Submitter performs the outbound relay call on the source ledger.
//
// Submit must return a *loan.RelayRejectedError when the ledger refused the
// call, a loan.LedgerUnavailableError when nothing was sent, and otherwise a
// *loan.RelayUnknownError. The receipt's TxHash is populated whenever a
// transaction may have been broadcast, even on error.
type Submitter interface {
	Submit(ctx context.Context, env loan.Envelope) (loan.Receipt, error)
	// Lookup reports whether the transaction landed. A reverted transaction
	// yields a *loan.RelayRejectedError.
	Lookup(ctx context.Context, txHash common.Hash) (loan.Receipt, bool, error)
}

type slot struct {
	state   journal.State
	digest  common.Hash
	expiry  time.Time
	receipt loan.Receipt
}

// lapsed reports whether the destination will no longer execute the signed
// request that holds the slot.
func (s *slot) lapsed(now time.Time) bool {
	return !s.expiry.IsZero() && now.After(s.expiry)
}

// Stats summarises the deduplication table.
type Stats struct {
	InFlight   int `json:"inFlight"`
	Unknown    int `json:"unknown"`
	Dispatched int `json:"dispatched"`
}

// Dispatcher tracks every (account, counter) it has handed to the relay.
type Dispatcher struct {
	submitter Submitter
	journal   journal.Journal
	logger    *slog.Logger
	metrics   *observability.CoordinatorMetrics
	timeout   time.Duration
	now       func() time.Time

	mu    sync.Mutex
	slots map[loan.DispatchKey]*slot
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithJournal persists slots so they survive restarts.
func WithJournal(j journal.Journal) Option {
	return func(d *Dispatcher) {
		if j != nil {
			d.journal = j
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records dispatch results.
func WithMetrics(m *observability.CoordinatorMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSubmitTimeout bounds a single outbound call. A call that exceeds it is
// reported as RelayUnknown if anything may have been broadcast.
func WithSubmitTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// NewDispatcher constructs a dispatcher around submitter.
func NewDispatcher(submitter Submitter, opts ...Option) (*Dispatcher, error) {
	if submitter == nil {
		return nil, errors.New("relay: submitter required")
	}
	d := &Dispatcher{
		submitter: submitter,
		journal:   journal.NewMemory(),
		logger:    slog.Default(),
		timeout:   2 * time.Minute,
		now:       time.Now,
		slots:     make(map[loan.DispatchKey]*slot),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Restore rebuilds the table from the journal. Slots that were in flight when
// the process stopped become unknown, since the call may have landed.
func (d *Dispatcher) Restore(ctx context.Context) error {
	entries, err := d.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("relay: restore: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range entries {
		state := entry.State
		if state == journal.StateInFlight {
			state = journal.StateUnknown
		}
		d.slots[entry.Key] = &slot{
			state:   state,
			digest:  entry.Digest,
			expiry:  entry.Expiry,
			receipt: loan.Receipt{MessageID: entry.MessageID, TxHash: entry.TxHash},
		}
	}
	d.publishLocked()
	d.logger.Info("relay dispatcher restored", slog.Int("slots", len(entries)))
	return nil
}

// Check reports whether key is free for a new request. Callers pass the
// counter the destination currently expects, so a dispatched slot whose
// request has expired is dead and gets freed. Unknown slots are resolved
// against the source ledger first.
func (d *Dispatcher) Check(ctx context.Context, key loan.DispatchKey) error {
	d.mu.Lock()
	s, ok := d.slots[key]
	var (
		state  journal.State
		lapsed bool
	)
	if ok {
		state = s.state
		lapsed = s.lapsed(d.now())
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if state == journal.StateDispatched && lapsed {
		d.release(ctx, key)
		d.logger.Info("relay slot freed after expiry",
			slog.String("account", key.Account.Hex()),
			slog.Uint64("counter", key.Counter))
		return nil
	}
	if state == journal.StateUnknown {
		resolved, err := d.Resolve(ctx, key)
		if err != nil && !errors.Is(err, loan.ErrRelayRejected) {
			return err
		}
		if resolved == "" {
			return nil
		}
	}
	return &loan.DuplicateDispatchError{Key: key}
}

// Dispatch submits env unless its (account, counter) is already taken. The
// only re-entry allowed is a retry of the identical signed request while its
// previous outcome is unknown.
func (d *Dispatcher) Dispatch(ctx context.Context, env loan.Envelope) (loan.Receipt, error) {
	if err := validateEnvelope(env); err != nil {
		return loan.Receipt{}, err
	}
	key := env.Key()
	ctx, span := tracer.Start(ctx, "relay.Dispatch", trace.WithAttributes(
		attribute.String("account", key.Account.Hex()),
		attribute.Int64("counter", int64(key.Counter)),
	))
	defer span.End()

	if err := d.reserve(ctx, key, env.Signed.Digest, env.Signed.Request.Expiry); err != nil {
		return loan.Receipt{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	started := d.now()
	receipt, err := d.submitter.Submit(callCtx, env)
	cancel()
	elapsed := d.now().Sub(started)

	logger := d.logger.With(slog.String("account", key.Account.Hex()), slog.Uint64("counter", key.Counter))
	switch {
	case err == nil:
		d.settle(ctx, key, journal.StateDispatched, receipt)
		d.metrics.ObserveDispatch("dispatched", elapsed)
		logger.Info("relay dispatch accepted",
			slog.String("relay_message_id", receipt.MessageID.Hex()),
			slog.String("tx_hash", receipt.TxHash.Hex()))
		return receipt, nil
	case errors.Is(err, loan.ErrRelayRejected), errors.Is(err, loan.ErrLedgerUnavailable):
		d.release(ctx, key)
		d.metrics.ObserveDispatch(resultLabel(err), elapsed)
		logger.Warn("relay dispatch refused", slog.Any("error", err))
		span.RecordError(err)
		return loan.Receipt{}, err
	default:
		d.settle(ctx, key, journal.StateUnknown, receipt)
		d.metrics.ObserveDispatch("unknown", elapsed)
		logger.Warn("relay dispatch outcome unknown",
			slog.String("tx_hash", receipt.TxHash.Hex()),
			slog.Any("error", err))
		span.RecordError(err)
		if !errors.Is(err, loan.ErrRelayUnknown) {
			err = &loan.RelayUnknownError{Err: err}
		}
		return receipt, err
	}
}

// Resolve asks the source ledger whether an unknown dispatch landed. It
// returns the slot's state afterwards, or "" if the slot was released. An
// unknown slot whose request expired without a landed transaction is
// released, since the destination would refuse the message anyway.
func (d *Dispatcher) Resolve(ctx context.Context, key loan.DispatchKey) (journal.State, error) {
	d.mu.Lock()
	s, ok := d.slots[key]
	if !ok {
		d.mu.Unlock()
		return "", nil
	}
	state, txHash, lapsed := s.state, s.receipt.TxHash, s.lapsed(d.now())
	d.mu.Unlock()
	if state != journal.StateUnknown {
		return state, nil
	}
	if txHash == (common.Hash{}) {
		// nothing was ever broadcast for this slot
		d.release(ctx, key)
		return "", nil
	}

	receipt, landed, err := d.submitter.Lookup(ctx, txHash)
	switch {
	case err != nil && errors.Is(err, loan.ErrRelayRejected):
		d.release(ctx, key)
		return "", err
	case err != nil && lapsed:
		// the source may be unreachable, but the message is dead either way
		d.releaseLapsed(ctx, key)
		return "", nil
	case err != nil:
		return journal.StateUnknown, err
	case !landed && lapsed:
		d.releaseLapsed(ctx, key)
		return "", nil
	case !landed:
		return journal.StateUnknown, nil
	}
	d.settle(ctx, key, journal.StateDispatched, receipt)
	d.logger.Info("relay dispatch resolved",
		slog.String("account", key.Account.Hex()),
		slog.Uint64("counter", key.Counter),
		slog.String("relay_message_id", receipt.MessageID.Hex()))
	return journal.StateDispatched, nil
}

// Receipt returns the recorded receipt for a dispatched slot.
func (d *Dispatcher) Receipt(key loan.DispatchKey) (loan.Receipt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[key]
	if !ok || s.state != journal.StateDispatched {
		return loan.Receipt{}, false
	}
	return s.receipt, true
}

// Release frees key once the request signed with digest reached a terminal
// outcome on the destination ledger. A slot held by a different signature is
// left alone.
func (d *Dispatcher) Release(ctx context.Context, key loan.DispatchKey, digest common.Hash) bool {
	d.mu.Lock()
	s, ok := d.slots[key]
	match := ok && s.digest == digest
	d.mu.Unlock()
	if !match {
		return false
	}
	d.release(ctx, key)
	return true
}

// InFlight reports whether key is reserved but not yet confirmed.
func (d *Dispatcher) InFlight(key loan.DispatchKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[key]
	return ok && s.state != journal.StateDispatched
}

// Stats returns slot counts by state.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

// Sweep drops dispatched slots whose requests have expired. Their counters
// are either consumed or can no longer be consumed by the recorded signature.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	d.mu.Lock()
	now := d.now()
	var dead []loan.DispatchKey
	for key, s := range d.slots {
		if s.state == journal.StateDispatched && s.lapsed(now) {
			dead = append(dead, key)
		}
	}
	d.mu.Unlock()
	for _, key := range dead {
		d.release(ctx, key)
	}
	return len(dead)
}

func (d *Dispatcher) reserve(ctx context.Context, key loan.DispatchKey, digest common.Hash, expiry time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slots[key]; ok {
		if s.state != journal.StateUnknown || s.digest != digest {
			return &loan.DuplicateDispatchError{Key: key}
		}
		s.state = journal.StateInFlight
		return nil
	}
	entry := journal.Entry{Key: key, State: journal.StateInFlight, Digest: digest, Expiry: expiry, UpdatedAt: d.now()}
	if err := d.journal.Put(ctx, entry); err != nil {
		return fmt.Errorf("relay: journal reserve %s: %w", key, err)
	}
	d.slots[key] = &slot{state: journal.StateInFlight, digest: digest, expiry: expiry}
	d.publishLocked()
	return nil
}

func (d *Dispatcher) settle(ctx context.Context, key loan.DispatchKey, state journal.State, receipt loan.Receipt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[key]
	if !ok {
		return
	}
	s.state = state
	if receipt.TxHash != (common.Hash{}) {
		s.receipt.TxHash = receipt.TxHash
	}
	if receipt.MessageID != (common.Hash{}) {
		s.receipt.MessageID = receipt.MessageID
	}
	entry := journal.Entry{
		Key:       key,
		State:     state,
		Digest:    s.digest,
		MessageID: s.receipt.MessageID,
		TxHash:    s.receipt.TxHash,
		Expiry:    s.expiry,
		UpdatedAt: d.now(),
	}
	// the in-memory slot stays authoritative for this process
	if err := d.journal.Put(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Error("relay journal write failed", slog.String("key", key.String()), slog.Any("error", err))
	}
	d.publishLocked()
}

func (d *Dispatcher) release(ctx context.Context, key loan.DispatchKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.slots, key)
	if err := d.journal.Delete(context.WithoutCancel(ctx), key); err != nil {
		d.logger.Error("relay journal delete failed", slog.String("key", key.String()), slog.Any("error", err))
	}
	d.publishLocked()
}

func (d *Dispatcher) releaseLapsed(ctx context.Context, key loan.DispatchKey) {
	d.release(ctx, key)
	d.logger.Warn("relay unknown slot released after expiry",
		slog.String("account", key.Account.Hex()),
		slog.Uint64("counter", key.Counter))
}

func (d *Dispatcher) statsLocked() Stats {
	var stats Stats
	for _, s := range d.slots {
		switch s.state {
		case journal.StateInFlight:
			stats.InFlight++
		case journal.StateUnknown:
			stats.Unknown++
		case journal.StateDispatched:
			stats.Dispatched++
		}
	}
	return stats
}

func (d *Dispatcher) publishLocked() {
	if d.metrics == nil {
		return
	}
	stats := d.statsLocked()
	d.metrics.SetSlots(stats.InFlight, stats.Unknown, stats.Dispatched)
}

func validateEnvelope(env loan.Envelope) error {
	req := env.Signed.Request
	if req.Account == (loan.Account{}) {
		return loan.ErrAccountRequired
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return loan.ErrAmountRequired
	}
	if len(env.Signed.Signature) != 65 {
		return &loan.SigningError{Err: errors.New("envelope carries no valid signature")}
	}
	if env.DestinationSelector == 0 || env.DestinationAddress == (common.Address{}) {
		return errors.New("relay: destination selector and address required")
	}
	return nil
}

func resultLabel(err error) string {
	if errors.Is(err, loan.ErrRelayRejected) {
		return "rejected"
	}
	return "unavailable"
}
