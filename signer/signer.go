// Package signer builds loan requests and binds them to a destination domain
// with an EIP-712 signature. Signing fails closed: any authority error yields
// a loan.SigningError and no signature.
package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crossloan/loan"
)

// ErrSignatureMismatch is returned by Verify when the signature does not
// recover to the request's account under the supplied domain.
var ErrSignatureMismatch = errors.New("signer: signature mismatch")

const signatureLength = 65

var tracer = otel.Tracer("crossloan/signer")

// Authority produces secp256k1 signatures on behalf of one account. Remote
// signers may block, so SignDigest takes a context.
type Authority interface {
	Address() common.Address
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
}

// Signer builds and signs loan requests.
type Signer struct {
	now func() time.Time
}

// Option customises a Signer.
type Option func(*Signer)

// WithClock sets the time source used for expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Signer) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a Signer.
func New(opts ...Option) *Signer {
	s := &Signer{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build creates a request expiring ttl from now. Expiry is truncated to whole
// seconds since the vault compares against block timestamps.
func (s *Signer) Build(account loan.Account, amount *loan.Amount, counter uint64, ttl time.Duration) (loan.Request, error) {
	if account == (loan.Account{}) {
		return loan.Request{}, loan.ErrAccountRequired
	}
	if amount == nil || amount.IsZero() {
		return loan.Request{}, loan.ErrAmountRequired
	}
	if ttl <= 0 {
		return loan.Request{}, fmt.Errorf("signer: ttl must be positive")
	}
	expiry := s.now().Add(ttl).Truncate(time.Second)
	return loan.Request{
		Account:       account,
		Amount:        amount.Clone(),
		ReplayCounter: counter,
		Expiry:        expiry,
	}, nil
}

// Sign binds req to domain using authority.
func (s *Signer) Sign(ctx context.Context, req loan.Request, domain loan.Domain, authority Authority) (loan.SignedRequest, error) {
	ctx, span := tracer.Start(ctx, "signer.Sign", trace.WithAttributes(
		attribute.String("account", req.Account.Hex()),
		attribute.Int64("counter", int64(req.ReplayCounter)),
	))
	defer span.End()

	if absent(authority) {
		return loan.SignedRequest{}, &loan.SigningError{Err: errors.New("no authority for account")}
	}
	if authority.Address() != req.Account {
		return loan.SignedRequest{}, &loan.SigningError{Err: fmt.Errorf("authority %s cannot sign for %s", authority.Address().Hex(), req.Account.Hex())}
	}
	digest, err := Digest(req, domain)
	if err != nil {
		return loan.SignedRequest{}, &loan.SigningError{Err: err}
	}
	sig, err := authority.SignDigest(ctx, digest)
	if err != nil {
		span.RecordError(err)
		return loan.SignedRequest{}, &loan.SigningError{Err: err}
	}
	if len(sig) != signatureLength || bytes.Equal(sig, make([]byte, signatureLength)) {
		return loan.SignedRequest{}, &loan.SigningError{Err: fmt.Errorf("authority returned malformed signature (%d bytes)", len(sig))}
	}
	signed := loan.SignedRequest{
		Request:   req,
		Domain:    domain,
		Digest:    digest,
		Signature: append([]byte(nil), sig...),
	}
	if err := Verify(signed, domain); err != nil {
		return loan.SignedRequest{}, &loan.SigningError{Err: err}
	}
	return signed, nil
}

// Verify recomputes the digest of signed.Request under domain and checks that
// the signature recovers to the request's account.
func Verify(signed loan.SignedRequest, domain loan.Domain) error {
	digest, err := Digest(signed.Request, domain)
	if err != nil {
		return err
	}
	signer, err := Recover(digest, signed.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if signer != signed.Request.Account {
		return ErrSignatureMismatch
	}
	return nil
}

// Recover returns the address that produced sig over digest. Both 0/1 and
// 27/28 recovery ids are accepted.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", signatureLength)
	}
	normalised := append([]byte(nil), sig...)
	if normalised[64] >= 27 {
		normalised[64] -= 27
	}
	pub, err := gethcrypto.SigToPub(digest.Bytes(), normalised)
	if err != nil {
		return common.Address{}, err
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}
