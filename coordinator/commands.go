package coordinator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"crossloan/lifecycle"
	"crossloan/loan"
)

// Result is the structured reply to a Command.
type Result struct {
	Kind     loan.CommandKind
	Request  *lifecycle.Request
	TxHash   common.Hash
	Position *Position
}

// Handle validates cmd and routes it. Loan and repayment commands return once
// the request is dispatched; callers use Await for the outcome.
func (c *Coordinator) Handle(ctx context.Context, cmd loan.Command) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{Kind: cmd.Kind}, err
	}
	result := Result{Kind: cmd.Kind}
	switch cmd.Kind {
	case loan.CommandRequestLoan:
		req, err := c.RequestLoan(ctx, cmd.Account, cmd.Amount)
		result.Request = req
		return result, err
	case loan.CommandRepay:
		req, err := c.Repay(ctx, cmd.Account, cmd.Amount)
		result.Request = req
		return result, err
	case loan.CommandDepositCollateral:
		hash, err := c.DepositCollateral(ctx, cmd.Account, cmd.Amount)
		result.TxHash = hash
		return result, err
	case loan.CommandWithdrawCollateral:
		hash, err := c.WithdrawCollateral(ctx, cmd.Account, cmd.Amount)
		result.TxHash = hash
		return result, err
	case loan.CommandStatus:
		pos, err := c.Position(ctx, cmd.Account)
		result.Position = &pos
		return result, err
	default:
		return result, fmt.Errorf("%w: %q", loan.ErrUnknownCommand, cmd.Kind)
	}
}
