package loan

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLedgerUnavailable      = errors.New("loan: ledger unavailable")
	ErrInsufficientCollateral = errors.New("loan: insufficient collateral")
	ErrSigningFailed          = errors.New("loan: signing failed")
	ErrDuplicateDispatch      = errors.New("loan: duplicate dispatch")
	ErrRelayRejected          = errors.New("loan: relay rejected")
	ErrRelayUnknown           = errors.New("loan: relay outcome unknown")
	ErrExpired                = errors.New("loan: request expired")
	ErrCounterConsumed        = errors.New("loan: replay counter consumed by another request")

	ErrAmountRequired   = errors.New("loan: amount required")
	ErrAccountRequired  = errors.New("loan: account required")
	ErrRepayExceedsDebt = errors.New("loan: repayment exceeds outstanding debt")
	ErrNoDebt           = errors.New("loan: no outstanding debt")
	ErrUnknownCommand   = errors.New("loan: unknown command")
)

// LedgerUnavailableError reports that a ledger could not be read. Callers must
// never treat it as zero state.
type LedgerUnavailableError struct {
	Ledger Ledger
	Err    error
}

func (e *LedgerUnavailableError) Error() string {
	return fmt.Sprintf("loan: %s ledger unavailable: %v", e.Ledger, e.Err)
}

func (e *LedgerUnavailableError) Unwrap() error { return e.Err }

func (e *LedgerUnavailableError) Is(target error) bool { return target == ErrLedgerUnavailable }

// Unavailable wraps err as a LedgerUnavailableError for ledger.
func Unavailable(ledger Ledger, err error) error {
	return &LedgerUnavailableError{Ledger: ledger, Err: err}
}

// InsufficientCollateralError carries the remediation figures for a refused request.
type InsufficientCollateralError struct {
	Requested            *Amount
	Shortfall            *Amount
	MaxAdmissible        *Amount
	AdditionalCollateral *Amount
}

func (e *InsufficientCollateralError) Error() string {
	return fmt.Sprintf("loan: insufficient collateral for %s: shortfall %s, max admissible %s",
		FormatAmount(e.Requested), FormatAmount(e.Shortfall), FormatAmount(e.MaxAdmissible))
}

func (e *InsufficientCollateralError) Is(target error) bool {
	return target == ErrInsufficientCollateral
}

// SigningError is returned when the authority could not sign. It is never retried.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return fmt.Sprintf("loan: signing failed: %v", e.Err) }

func (e *SigningError) Unwrap() error { return e.Err }

func (e *SigningError) Is(target error) bool { return target == ErrSigningFailed }

// DuplicateDispatchError reports a counter that is already in flight or confirmed.
type DuplicateDispatchError struct {
	Key DispatchKey
}

func (e *DuplicateDispatchError) Error() string {
	return fmt.Sprintf("loan: duplicate dispatch for %s", e.Key)
}

func (e *DuplicateDispatchError) Is(target error) bool { return target == ErrDuplicateDispatch }

// RelayRejectedError means the source ledger refused the outbound relay call.
type RelayRejectedError struct {
	Reason string
}

func (e *RelayRejectedError) Error() string {
	return fmt.Sprintf("loan: relay rejected: %s", e.Reason)
}

func (e *RelayRejectedError) Is(target error) bool { return target == ErrRelayRejected }

// RelayUnknownError means the dispatch outcome could not be determined.
type RelayUnknownError struct {
	Err error
}

func (e *RelayUnknownError) Error() string {
	return fmt.Sprintf("loan: relay outcome unknown: %v", e.Err)
}

func (e *RelayUnknownError) Unwrap() error { return e.Err }

func (e *RelayUnknownError) Is(target error) bool { return target == ErrRelayUnknown }

// ExpiredError is returned when a dispatched request passed its expiry unexecuted.
type ExpiredError struct {
	Expiry time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("loan: request expired at %s", e.Expiry.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

// Retryable reports whether err may be retried with the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrRelayUnknown)
}
