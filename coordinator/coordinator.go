// Package coordinator drives loan requests across the source and destination
// ledgers: read, decide, sign, dispatch under a per-account exclusion, then
// reconcile by polling.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crossloan/lifecycle"
	"crossloan/loan"
	"crossloan/observability"
	"crossloan/policy"
	"crossloan/reconcile"
	"crossloan/relay"
	"crossloan/signer"
	"crossloan/storage/journal"
)

var tracer = otel.Tracer("crossloan/coordinator")

// StateReader reads both ledgers.
type StateReader interface {
	ReadCollateral(ctx context.Context, account loan.Account) (loan.CollateralState, error)
	ReadDebt(ctx context.Context, account loan.Account) (loan.DebtState, error)
}

// RatioReader reports the destination ledger's view of the collateral ratio.
type RatioReader interface {
	CollateralRatioPercent(ctx context.Context, account loan.Account) (uint64, error)
}

// Dispatcher is the relay surface the coordinator drives.
type Dispatcher interface {
	Check(ctx context.Context, key loan.DispatchKey) error
	Dispatch(ctx context.Context, env loan.Envelope) (loan.Receipt, error)
	Resolve(ctx context.Context, key loan.DispatchKey) (journal.State, error)
	Receipt(key loan.DispatchKey) (loan.Receipt, bool)
	Release(ctx context.Context, key loan.DispatchKey, digest common.Hash) bool
	Stats() relay.Stats
}

// Authorities resolves the signing authority for an account.
type Authorities interface {
	Lookup(account loan.Account) (signer.Authority, bool)
}

// Wallet submits ledger mutations for one account.
type Wallet interface {
	DepositCollateral(ctx context.Context, amount *loan.Amount) (common.Hash, error)
	WithdrawCollateral(ctx context.Context, amount *loan.Amount) (common.Hash, error)
	Repay(ctx context.Context, amount *loan.Amount) (common.Hash, error)
}

// Wallets resolves the wallet for an account.
type Wallets interface {
	Wallet(account loan.Account) (Wallet, bool)
}

// Config fixes the destination binding and timing.
type Config struct {
	Domain              loan.Domain
	DestinationSelector uint64
	DestinationAddress  common.Address
	Policy              policy.Params

	// RequestTTL is added to now to form the signed expiry.
	RequestTTL time.Duration
	// DispatchTimeout bounds the section from lock acquisition to dispatch.
	DispatchTimeout time.Duration
	PollInterval    time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Policy == (policy.Params{}) {
		c.Policy = policy.DefaultParams()
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = time.Hour
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
}

func (c Config) validate() error {
	if err := c.Domain.Validate(); err != nil {
		return err
	}
	if c.DestinationSelector == 0 {
		return errors.New("coordinator: destination selector required")
	}
	if c.DestinationAddress == (common.Address{}) {
		return errors.New("coordinator: destination address required")
	}
	return c.Policy.Validate()
}

// Coordinator is safe for concurrent use. Requests for different accounts
// proceed independently.
type Coordinator struct {
	cfg         Config
	ledgers     StateReader
	ratios      RatioReader
	signer      *signer.Signer
	authorities Authorities
	dispatcher  Dispatcher
	reconciler  *reconcile.Reconciler
	wallets     Wallets
	registry    *lifecycle.Registry
	locks       *accountLocks
	logger      *slog.Logger
	metrics     *observability.CoordinatorMetrics
	now         func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithRatioReader enables the destination ratio in Position.
func WithRatioReader(r RatioReader) Option {
	return func(c *Coordinator) { c.ratios = r }
}

// WithWallets enables deposit, withdraw and repay.
func WithWallets(w Wallets) Option {
	return func(c *Coordinator) { c.wallets = w }
}

// WithRegistry shares a request registry, e.g. with the admin API.
func WithRegistry(r *lifecycle.Registry) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *observability.CoordinatorMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source for signing, lifecycle and reconciliation.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// New wires a coordinator.
func New(cfg Config, ledgers StateReader, authorities Authorities, dispatcher Dispatcher, opts ...Option) (*Coordinator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ledgers == nil || authorities == nil || dispatcher == nil {
		return nil, errors.New("coordinator: ledgers, authorities and dispatcher required")
	}
	c := &Coordinator{
		cfg:         cfg,
		ledgers:     ledgers,
		authorities: authorities,
		dispatcher:  dispatcher,
		registry:    lifecycle.NewRegistry(),
		locks:       newAccountLocks(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if r, ok := ledgers.(RatioReader); ok && c.ratios == nil {
		c.ratios = r
	}
	c.signer = signer.New(signer.WithClock(c.now))
	reconciler, err := reconcile.New(ledgers,
		reconcile.WithClock(c.now),
		reconcile.WithLogger(c.logger),
		reconcile.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	c.reconciler = reconciler
	return c, nil
}

// Registry exposes the requests created by this coordinator.
func (c *Coordinator) Registry() *lifecycle.Registry { return c.registry }

// DispatchStats reports the dispatcher's slot counts.
func (c *Coordinator) DispatchStats() relay.Stats { return c.dispatcher.Stats() }

// RequestLoan runs one attempt through to DISPATCHED or a terminal state. The
// returned request is always non-nil and carries any error as well.
func (c *Coordinator) RequestLoan(ctx context.Context, account loan.Account, amount *loan.Amount) (*lifecycle.Request, error) {
	req := lifecycle.New(lifecycle.KindLoan, account, amount, c.now)
	c.registry.Add(req)
	logger := c.logger.With(slog.String("request_id", req.ID), slog.String("account", account.Hex()))

	ctx, span := tracer.Start(ctx, "coordinator.RequestLoan", trace.WithAttributes(
		attribute.String("account", account.Hex()),
		attribute.String("request_id", req.ID),
	))
	defer span.End()

	fail := func(err error) (*lifecycle.Request, error) {
		span.RecordError(err)
		if rerr := req.Reject(err); rerr != nil {
			logger.Error("lifecycle transition failed", slog.Any("error", rerr))
		}
		c.metrics.RecordOutcome(string(lifecycle.KindLoan), "rejected")
		logger.Warn("loan request rejected", slog.String("state", string(req.State())), slog.Any("error", err))
		return req, err
	}

	if account == (loan.Account{}) {
		return fail(loan.ErrAccountRequired)
	}
	if amount == nil || amount.IsZero() {
		return fail(loan.ErrAmountRequired)
	}

	// nothing is reserved before Dispatch, so abandoning this section frees
	// the counter for reuse
	sectionCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()

	waitStart := c.now()
	release, err := c.locks.acquire(sectionCtx, account)
	if err != nil {
		return fail(fmt.Errorf("coordinator: waiting for account exclusion: %w", err))
	}
	defer release()
	c.metrics.ObserveLockWait(c.now().Sub(waitStart))

	collateral, debt, err := c.readState(sectionCtx, account)
	if err != nil {
		return fail(err)
	}
	decision, err := policy.Evaluate(collateral.Collateral, debt.OutstandingDebt, amount, c.cfg.Policy)
	if err != nil {
		return fail(err)
	}
	if !decision.Admissible {
		return fail(decision.Err(amount))
	}
	if err := req.MarkChecked(debt); err != nil {
		return fail(err)
	}
	logger = logger.With(slog.Uint64("counter", debt.ReplayCounter))

	key := loan.DispatchKey{Account: account, Counter: debt.ReplayCounter}
	if err := c.dispatcher.Check(sectionCtx, key); err != nil {
		return fail(err)
	}

	authority, ok := c.authorities.Lookup(account)
	if !ok {
		return fail(&loan.SigningError{Err: fmt.Errorf("no authority for %s", account.Hex())})
	}
	unsigned, err := c.signer.Build(account, amount, debt.ReplayCounter, c.cfg.RequestTTL)
	if err != nil {
		return fail(err)
	}
	signed, err := c.signer.Sign(sectionCtx, unsigned, c.cfg.Domain, authority)
	if err != nil {
		return fail(err)
	}
	if err := req.MarkSigned(signed); err != nil {
		return fail(err)
	}

	env := loan.Envelope{
		Signed:              signed,
		DestinationSelector: c.cfg.DestinationSelector,
		DestinationAddress:  c.cfg.DestinationAddress,
	}
	receipt, err := c.dispatch(sectionCtx, env, logger)
	if err != nil {
		if errors.Is(err, loan.ErrRelayUnknown) {
			// stays SIGNED until Await resolves the slot
			span.RecordError(err)
			logger.Warn("loan request left unresolved", slog.Any("error", err))
			return req, err
		}
		return fail(err)
	}
	if err := req.MarkDispatched(receipt, nil); err != nil {
		return fail(err)
	}
	logger.Info("loan request dispatched",
		slog.String("state", string(req.State())),
		slog.String("relay_message_id", receipt.MessageID.Hex()))
	return req, nil
}

// dispatch retries ledger unavailability and resolves unknown outcomes
// before retrying the identical envelope.
func (c *Coordinator) dispatch(ctx context.Context, env loan.Envelope, logger *slog.Logger) (loan.Receipt, error) {
	key := env.Key()
	var (
		delay   time.Duration
		lastErr error
	)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if env.Signed.Request.Expired(c.now()) {
			return loan.Receipt{}, &loan.ExpiredError{Expiry: env.Signed.Request.Expiry}
		}
		receipt, err := c.dispatcher.Dispatch(ctx, env)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if !loan.Retryable(err) {
			return loan.Receipt{}, err
		}
		if errors.Is(err, loan.ErrRelayUnknown) {
			state, rerr := c.dispatcher.Resolve(ctx, key)
			switch {
			case rerr != nil && errors.Is(rerr, loan.ErrRelayRejected):
				return loan.Receipt{}, rerr
			case state == journal.StateDispatched:
				if stored, ok := c.dispatcher.Receipt(key); ok {
					return stored, nil
				}
			case state == "":
				// released without a broadcast; safe to send again
			}
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.metrics.RecordRetry("dispatch")
		delay = nextRetryDelay(delay, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay)
		logger.Info("retrying dispatch", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
		if err := sleepContext(ctx, delay); err != nil {
			if errors.Is(lastErr, loan.ErrRelayUnknown) {
				return loan.Receipt{}, lastErr
			}
			return loan.Receipt{}, err
		}
	}
	return loan.Receipt{}, lastErr
}

// readState reads both ledgers, retrying LedgerUnavailable with backoff.
func (c *Coordinator) readState(ctx context.Context, account loan.Account) (loan.CollateralState, loan.DebtState, error) {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		collateral, err := c.ledgers.ReadCollateral(ctx, account)
		if err == nil {
			var debt loan.DebtState
			debt, err = c.ledgers.ReadDebt(ctx, account)
			if err == nil {
				return collateral, debt, nil
			}
		}
		if !errors.Is(err, loan.ErrLedgerUnavailable) || attempt >= c.cfg.MaxAttempts || ctx.Err() != nil {
			return loan.CollateralState{}, loan.DebtState{}, err
		}
		c.metrics.RecordRetry("read")
		delay = nextRetryDelay(delay, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay)
		if serr := sleepContext(ctx, delay); serr != nil {
			return loan.CollateralState{}, loan.DebtState{}, err
		}
	}
}

func (c *Coordinator) readDebt(ctx context.Context, account loan.Account) (loan.DebtState, error) {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		debt, err := c.ledgers.ReadDebt(ctx, account)
		if err == nil {
			return debt, nil
		}
		if !errors.Is(err, loan.ErrLedgerUnavailable) || attempt >= c.cfg.MaxAttempts || ctx.Err() != nil {
			return loan.DebtState{}, err
		}
		c.metrics.RecordRetry("read")
		delay = nextRetryDelay(delay, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay)
		if serr := sleepContext(ctx, delay); serr != nil {
			return loan.DebtState{}, err
		}
	}
}

// Await polls until req reaches a terminal state or ctx ends. Cancelling ctx
// only stops observation; the dispatched request is unaffected. A request
// left SIGNED by an unknown relay outcome is first resolved against the
// source ledger.
func (c *Coordinator) Await(ctx context.Context, req *lifecycle.Request) (lifecycle.State, error) {
	if req == nil {
		return "", errors.New("coordinator: request required")
	}
	if state := req.State(); state.Terminal() {
		return state, req.Err()
	}
	if req.State() == lifecycle.StateSigned {
		if err := c.resolveSigned(ctx, req); err != nil {
			return req.State(), err
		}
		if state := req.State(); state.Terminal() {
			return state, req.Err()
		}
	}
	if req.State() != lifecycle.StateDispatched {
		return req.State(), fmt.Errorf("coordinator: request %s is %s, not dispatched", req.ID, req.State())
	}
	target, err := reconcile.TargetFor(req)
	if err != nil {
		return req.State(), err
	}
	ctx, span := tracer.Start(ctx, "coordinator.Await", trace.WithAttributes(attribute.String("request_id", req.ID)))
	defer span.End()

	outcome, err := c.reconciler.Poll(ctx, target, c.cfg.PollInterval)
	if err != nil {
		return req.State(), err
	}
	if err := reconcile.Apply(req, outcome, target); err != nil {
		return req.State(), err
	}
	// the counter is consumed or can no longer be, so the slot is dead
	if signed, ok := req.Signed(); ok {
		c.dispatcher.Release(ctx, loan.DispatchKey{Account: req.Account, Counter: target.Counter}, signed.Digest)
	}
	c.metrics.RecordOutcome(string(req.Kind), string(outcome))
	c.logger.Info("request settled",
		slog.String("request_id", req.ID),
		slog.String("account", req.Account.Hex()),
		slog.Uint64("counter", target.Counter),
		slog.String("state", string(req.State())))
	return req.State(), req.Err()
}

// resolveSigned polls the relay slot of a request whose dispatch outcome was
// unknown until the call is found on the source ledger, refused, or the
// request expires.
func (c *Coordinator) resolveSigned(ctx context.Context, req *lifecycle.Request) error {
	signed, ok := req.Signed()
	if !ok {
		return fmt.Errorf("coordinator: request %s carries no signature", req.ID)
	}
	key := loan.DispatchKey{Account: req.Account, Counter: signed.Request.ReplayCounter}
	logger := c.logger.With(slog.String("request_id", req.ID), slog.String("account", req.Account.Hex()), slog.Uint64("counter", key.Counter))
	reject := func(cause error) error {
		if err := req.Reject(cause); err != nil {
			return err
		}
		c.metrics.RecordOutcome(string(req.Kind), "rejected")
		logger.Warn("unresolved loan request rejected", slog.Any("error", cause))
		return nil
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		state, err := c.dispatcher.Resolve(ctx, key)
		switch {
		case err != nil && errors.Is(err, loan.ErrRelayRejected):
			return reject(err)
		case state == journal.StateDispatched:
			receipt, _ := c.dispatcher.Receipt(key)
			if err := req.MarkDispatched(receipt, nil); err != nil {
				return err
			}
			logger.Info("unresolved loan request found on source ledger",
				slog.String("relay_message_id", receipt.MessageID.Hex()))
			return nil
		case state == "" && signed.Request.Expired(c.now()):
			return reject(&loan.ExpiredError{Expiry: signed.Request.Expiry})
		case state == "":
			return reject(&loan.RelayRejectedError{Reason: "relay call never landed"})
		case err != nil:
			logger.Debug("relay lookup failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Repay submits repay(amount) on the destination ledger and returns the
// dispatched repayment request. Await reconciles it by the debt decrease.
func (c *Coordinator) Repay(ctx context.Context, account loan.Account, amount *loan.Amount) (*lifecycle.Request, error) {
	req := lifecycle.New(lifecycle.KindRepayment, account, amount, c.now)
	c.registry.Add(req)
	fail := func(err error) (*lifecycle.Request, error) {
		_ = req.Reject(err)
		c.metrics.RecordOutcome(string(lifecycle.KindRepayment), "rejected")
		c.logger.Warn("repayment rejected", slog.String("account", account.Hex()), slog.Any("error", err))
		return req, err
	}
	if amount == nil || amount.IsZero() {
		return fail(loan.ErrAmountRequired)
	}
	wallet, err := c.wallet(account)
	if err != nil {
		return fail(err)
	}

	release, err := c.locks.acquire(ctx, account)
	if err != nil {
		return fail(err)
	}
	defer release()

	baseline, err := c.readDebt(ctx, account)
	if err != nil {
		return fail(err)
	}
	if baseline.OutstandingDebt == nil || baseline.OutstandingDebt.IsZero() {
		return fail(loan.ErrNoDebt)
	}
	if amount.Gt(baseline.OutstandingDebt) {
		return fail(fmt.Errorf("%w: repay %s, debt %s", loan.ErrRepayExceedsDebt, loan.FormatAmount(amount), loan.FormatAmount(baseline.OutstandingDebt)))
	}
	txHash, err := wallet.Repay(ctx, amount)
	if err != nil {
		return fail(err)
	}
	if err := req.MarkDispatched(loan.Receipt{TxHash: txHash}, &baseline); err != nil {
		return fail(err)
	}
	c.logger.Info("repayment submitted", slog.String("account", account.Hex()), slog.String("tx_hash", txHash.Hex()))
	return req, nil
}

// DepositCollateral adds collateral on the source ledger. It holds the
// account's exclusion so source transactions for one account never race for
// a nonce.
func (c *Coordinator) DepositCollateral(ctx context.Context, account loan.Account, amount *loan.Amount) (common.Hash, error) {
	if amount == nil || amount.IsZero() {
		return common.Hash{}, loan.ErrAmountRequired
	}
	wallet, err := c.wallet(account)
	if err != nil {
		return common.Hash{}, err
	}
	release, err := c.locks.acquire(ctx, account)
	if err != nil {
		return common.Hash{}, fmt.Errorf("coordinator: waiting for account exclusion: %w", err)
	}
	defer release()
	return wallet.DepositCollateral(ctx, amount)
}

// WithdrawCollateral removes collateral on the source ledger. The ledger
// refuses it while debt is outstanding.
func (c *Coordinator) WithdrawCollateral(ctx context.Context, account loan.Account, amount *loan.Amount) (common.Hash, error) {
	if amount == nil || amount.IsZero() {
		return common.Hash{}, loan.ErrAmountRequired
	}
	wallet, err := c.wallet(account)
	if err != nil {
		return common.Hash{}, err
	}
	release, err := c.locks.acquire(ctx, account)
	if err != nil {
		return common.Hash{}, fmt.Errorf("coordinator: waiting for account exclusion: %w", err)
	}
	defer release()
	return wallet.WithdrawCollateral(ctx, amount)
}

func (c *Coordinator) wallet(account loan.Account) (Wallet, error) {
	if account == (loan.Account{}) {
		return nil, loan.ErrAccountRequired
	}
	if c.wallets == nil {
		return nil, &loan.SigningError{Err: errors.New("no wallets configured")}
	}
	wallet, ok := c.wallets.Wallet(account)
	if !ok {
		return nil, &loan.SigningError{Err: fmt.Errorf("no wallet for %s", account.Hex())}
	}
	return wallet, nil
}
