package loan

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Account identifies a borrower. The same value is interpreted independently
// by the source and destination ledgers.
type Account = common.Address

// Amount is a fixed-point quantity in minor units (18 decimals on both ledgers).
type Amount = uint256.Int

// Ledger names one side of the loan.
type Ledger string

const (
	LedgerSource      Ledger = "source"
	LedgerDestination Ledger = "destination"
)

// CollateralState is the source ledger's view of an account.
type CollateralState struct {
	Account         Account
	Collateral      *Amount
	MaxLoanCapacity *Amount
}

// DebtState is the destination ledger's view of an account.
type DebtState struct {
	Account         Account
	OutstandingDebt *Amount
	ReplayCounter   uint64
}

// Request is the unsigned loan request. It must not be modified once signed.
type Request struct {
	Account       Account
	Amount        *Amount
	ReplayCounter uint64
	Expiry        time.Time
}

// Expired reports whether the request is past its expiry at now.
func (r Request) Expired(now time.Time) bool {
	return now.After(r.Expiry)
}

// Domain binds signatures to a destination context.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// Validate reports whether the domain is complete.
func (d Domain) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("loan: domain name required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("loan: domain version required")
	}
	if d.ChainID == 0 {
		return fmt.Errorf("loan: domain chain id required")
	}
	if d.VerifyingContract == (common.Address{}) {
		return fmt.Errorf("loan: domain verifying contract required")
	}
	return nil
}

// SignedRequest couples a request with the signature produced for Domain.
type SignedRequest struct {
	Request   Request
	Domain    Domain
	Digest    common.Hash
	Signature []byte
}

// Envelope is what gets handed to the relay channel.
type Envelope struct {
	Signed              SignedRequest
	DestinationSelector uint64
	DestinationAddress  common.Address
}

// Key returns the (account, counter) pair the envelope occupies.
func (e Envelope) Key() DispatchKey {
	return DispatchKey{Account: e.Signed.Request.Account, Counter: e.Signed.Request.ReplayCounter}
}

// DispatchKey is the unit of dispatch deduplication.
type DispatchKey struct {
	Account Account
	Counter uint64
}

func (k DispatchKey) String() string {
	return fmt.Sprintf("%s/%d", k.Account.Hex(), k.Counter)
}

// Receipt is returned once the source ledger accepted the outbound relay call.
type Receipt struct {
	MessageID common.Hash
	TxHash    common.Hash
}

// CloneAmount returns a copy of a, treating nil as zero.
func CloneAmount(a *Amount) *Amount {
	if a == nil {
		return new(Amount)
	}
	return a.Clone()
}

// ParseAmount parses a base-10 minor unit string.
func ParseAmount(raw string) (*Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrAmountRequired
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("loan: parse amount %q: %w", raw, err)
	}
	return value, nil
}

// FormatAmount renders a as a base-10 string, nil as "0".
func FormatAmount(a *Amount) string {
	if a == nil {
		return "0"
	}
	return a.Dec()
}
