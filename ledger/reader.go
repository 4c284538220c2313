// Package ledger reads and mutates the two vault deployments that hold a
// cross-chain loan. Reads never retry; failures surface as
// loan.LedgerUnavailableError so callers can tell unknown state from zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"crossloan/loan"
	"crossloan/observability"
)

var tracer = otel.Tracer("crossloan/ledger")

// StateReader is the read-only view the coordinator consumes.
type StateReader interface {
	ReadCollateral(ctx context.Context, account loan.Account) (loan.CollateralState, error)
	ReadDebt(ctx context.Context, account loan.Account) (loan.DebtState, error)
}

// RatioReader reports the destination vault's current collateral ratio.
type RatioReader interface {
	CollateralRatioPercent(ctx context.Context, account loan.Account) (uint64, error)
}

// ContractCaller is the subset of ethclient used for view calls.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Vault performs view calls against one vault deployment.
type Vault struct {
	ledger  loan.Ledger
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
	limiter *rate.Limiter
}

// VaultOption customises a Vault.
type VaultOption func(*Vault)

// WithRateLimit throttles view calls issued against the vault's RPC endpoint.
func WithRateLimit(limit rate.Limit, burst int) VaultOption {
	return func(v *Vault) {
		if limit <= 0 {
			v.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		v.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewVault binds a vault deployment on the named ledger.
func NewVault(ledger loan.Ledger, caller ContractCaller, address common.Address, opts ...VaultOption) (*Vault, error) {
	if caller == nil {
		return nil, fmt.Errorf("ledger: %s caller required", ledger)
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("ledger: %s vault address required", ledger)
	}
	v := &Vault{ledger: ledger, caller: caller, address: address, abi: vaultABI}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Address returns the vault contract address.
func (v *Vault) Address() common.Address { return v.address }

// Ledger returns the side this vault lives on.
func (v *Vault) Ledger() loan.Ledger { return v.ledger }

func (v *Vault) callAmount(ctx context.Context, method string, account loan.Account) (*uint256.Int, error) {
	ctx, span := tracer.Start(ctx, "vault."+method, trace.WithAttributes(
		attribute.String("ledger", string(v.ledger)),
		attribute.String("account", account.Hex()),
	))
	defer span.End()

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			return nil, loan.Unavailable(v.ledger, err)
		}
	}
	input, err := v.abi.Pack(method, account)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	to := v.address
	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	observability.Ledger().RecordCall(string(v.ledger), method, err)
	if err != nil {
		span.RecordError(err)
		return nil, loan.Unavailable(v.ledger, fmt.Errorf("%s: %w", method, err))
	}
	values, err := v.abi.Unpack(method, out)
	if err != nil {
		span.RecordError(err)
		return nil, loan.Unavailable(v.ledger, fmt.Errorf("decode %s: %w", method, err))
	}
	if len(values) != 1 {
		return nil, loan.Unavailable(v.ledger, fmt.Errorf("decode %s: expected 1 value, got %d", method, len(values)))
	}
	raw, ok := values[0].(*big.Int)
	if !ok || raw == nil {
		return nil, loan.Unavailable(v.ledger, fmt.Errorf("decode %s: unexpected type %T", method, values[0]))
	}
	amount, overflow := uint256.FromBig(raw)
	if overflow || raw.Sign() < 0 {
		return nil, loan.Unavailable(v.ledger, fmt.Errorf("decode %s: value out of range", method))
	}
	return amount, nil
}

// Collateral returns getCollateral(account).
func (v *Vault) Collateral(ctx context.Context, account loan.Account) (*uint256.Int, error) {
	return v.callAmount(ctx, "getCollateral", account)
}

// MaxLoanCapacity returns getMaxLoanAmount(account).
func (v *Vault) MaxLoanCapacity(ctx context.Context, account loan.Account) (*uint256.Int, error) {
	return v.callAmount(ctx, "getMaxLoanAmount", account)
}

// Debt returns getDebt(account).
func (v *Vault) Debt(ctx context.Context, account loan.Account) (*uint256.Int, error) {
	return v.callAmount(ctx, "getDebt", account)
}

// ReplayCounter returns nonces(account).
func (v *Vault) ReplayCounter(ctx context.Context, account loan.Account) (uint64, error) {
	value, err := v.callAmount(ctx, "nonces", account)
	if err != nil {
		return 0, err
	}
	if !value.IsUint64() {
		return 0, loan.Unavailable(v.ledger, errors.New("nonces: counter exceeds uint64"))
	}
	return value.Uint64(), nil
}

// CollateralRatioPercent returns getCollateralRatio(account).
func (v *Vault) CollateralRatioPercent(ctx context.Context, account loan.Account) (uint64, error) {
	value, err := v.callAmount(ctx, "getCollateralRatio", account)
	if err != nil {
		return 0, err
	}
	if !value.IsUint64() {
		return ^uint64(0), nil
	}
	return value.Uint64(), nil
}

// Pair reads collateral from the source vault and debt from the destination vault.
type Pair struct {
	Source      *Vault
	Destination *Vault
}

var _ StateReader = (*Pair)(nil)

// ReadCollateral reads the source ledger state for account.
func (p *Pair) ReadCollateral(ctx context.Context, account loan.Account) (loan.CollateralState, error) {
	collateral, err := p.Source.Collateral(ctx, account)
	if err != nil {
		return loan.CollateralState{}, err
	}
	capacity, err := p.Source.MaxLoanCapacity(ctx, account)
	if err != nil {
		return loan.CollateralState{}, err
	}
	return loan.CollateralState{Account: account, Collateral: collateral, MaxLoanCapacity: capacity}, nil
}

// ReadDebt reads the destination ledger state for account.
func (p *Pair) ReadDebt(ctx context.Context, account loan.Account) (loan.DebtState, error) {
	debt, err := p.Destination.Debt(ctx, account)
	if err != nil {
		return loan.DebtState{}, err
	}
	counter, err := p.Destination.ReplayCounter(ctx, account)
	if err != nil {
		return loan.DebtState{}, err
	}
	return loan.DebtState{Account: account, OutstandingDebt: debt, ReplayCounter: counter}, nil
}

// CollateralRatioPercent reads the ratio from the destination vault.
func (p *Pair) CollateralRatioPercent(ctx context.Context, account loan.Account) (uint64, error) {
	return p.Destination.CollateralRatioPercent(ctx, account)
}
