package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crossloan/loan"
)

// Mutator issues state-changing calls against a vault from the transactor's key.
type Mutator struct {
	vault *Vault
	tx    *Transactor
}

// NewMutator pairs a vault with the transactor that pays for its calls.
func NewMutator(vault *Vault, tx *Transactor) (*Mutator, error) {
	if vault == nil || tx == nil {
		return nil, fmt.Errorf("ledger: vault and transactor required")
	}
	return &Mutator{vault: vault, tx: tx}, nil
}

// Sender returns the account whose position the calls modify.
func (m *Mutator) Sender() loan.Account { return m.tx.From() }

// DepositCollateral sends amount as value to depositCollateral() on the source vault.
func (m *Mutator) DepositCollateral(ctx context.Context, amount *uint256.Int) (common.Hash, error) {
	return m.send(ctx, "depositCollateral", amount, true)
}

// WithdrawCollateral calls withdrawCollateral(amount). The vault refuses it while
// destination debt is outstanding; that check is not repeated here.
func (m *Mutator) WithdrawCollateral(ctx context.Context, amount *uint256.Int) (common.Hash, error) {
	return m.send(ctx, "withdrawCollateral", amount, false)
}

// Repay calls repay(amount) on the destination vault.
func (m *Mutator) Repay(ctx context.Context, amount *uint256.Int) (common.Hash, error) {
	return m.send(ctx, "repay", amount, false)
}

func (m *Mutator) send(ctx context.Context, method string, amount *uint256.Int, payable bool) (common.Hash, error) {
	if amount == nil || amount.IsZero() {
		return common.Hash{}, loan.ErrAmountRequired
	}
	ctx, span := tracer.Start(ctx, "vault."+method, trace.WithAttributes(
		attribute.String("ledger", string(m.vault.ledger)),
		attribute.String("account", m.tx.From().Hex()),
	))
	defer span.End()

	var (
		data []byte
		err  error
	)
	if payable {
		data, err = m.vault.abi.Pack(method)
	} else {
		data, err = m.vault.abi.Pack(method, amount.ToBig())
	}
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	value := amount.ToBig()
	if !payable {
		value = nil
	}
	receipt, err := m.tx.Send(ctx, m.vault.address, value, data)
	if err != nil {
		span.RecordError(err)
		if receipt != nil {
			return receipt.TxHash, fmt.Errorf("ledger: %s: %w", method, err)
		}
		return common.Hash{}, fmt.Errorf("ledger: %s: %w", method, err)
	}
	return receipt.TxHash, nil
}
