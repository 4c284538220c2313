package loan

import "fmt"

// CommandKind is the closed set of operations the coordinator accepts. Free
// text never reaches the coordinator; an upstream parser produces these.
type CommandKind string

const (
	CommandRequestLoan        CommandKind = "request_loan"
	CommandRepay              CommandKind = "repay"
	CommandDepositCollateral  CommandKind = "deposit_collateral"
	CommandWithdrawCollateral CommandKind = "withdraw_collateral"
	CommandStatus             CommandKind = "status"
)

// Command is a structured instruction for the coordinator.
type Command struct {
	Kind    CommandKind
	Account Account
	Amount  *Amount
}

// Validate checks that every field the kind requires is present. A missing
// amount is an error, never an implicit default.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandRequestLoan, CommandRepay, CommandDepositCollateral, CommandWithdrawCollateral:
		if c.Amount == nil || c.Amount.IsZero() {
			return ErrAmountRequired
		}
	case CommandStatus:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Kind)
	}
	if c.Account == (Account{}) {
		return ErrAccountRequired
	}
	return nil
}
