package signer

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"crossloan/loan"
)

// SchemaVersion identifies the typed-data layout below. Changing the primary
// type name, field order, names or types invalidates every issued signature
// and requires bumping this value together with the domain version.
const SchemaVersion = 1

// PrimaryType is the EIP-712 struct name verified by the destination vault.
const PrimaryType = "LoanRequest"

var (
	domainFields = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
	requestFields = []apitypes.Type{
		{Name: "user", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}
)

// TypedData renders req under domain in the canonical layout.
func TypedData(req loan.Request, domain loan.Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			PrimaryType:    requestFields,
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"user":     req.Account.Hex(),
			"amount":   loan.FormatAmount(req.Amount),
			"nonce":    strconv.FormatUint(req.ReplayCounter, 10),
			"deadline": strconv.FormatInt(req.Expiry.Unix(), 10),
		},
	}
}

// Digest returns the EIP-712 hash of req under domain.
func Digest(req loan.Request, domain loan.Domain) (common.Hash, error) {
	if err := domain.Validate(); err != nil {
		return common.Hash{}, err
	}
	if req.Amount == nil {
		return common.Hash{}, loan.ErrAmountRequired
	}
	hash, _, err := apitypes.TypedDataAndHash(TypedData(req, domain))
	if err != nil {
		return common.Hash{}, fmt.Errorf("signer: typed data hash: %w", err)
	}
	return common.BytesToHash(hash), nil
}
