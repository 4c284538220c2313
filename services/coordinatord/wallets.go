package coordinatord

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"crossloan/coordinator"
	"crossloan/ledger"
	"crossloan/loan"
)

// vaultWallet deposits and withdraws on the source vault and repays on the
// destination vault.
type vaultWallet struct {
	source      *ledger.Mutator
	destination *ledger.Mutator
}

func (w vaultWallet) DepositCollateral(ctx context.Context, amount *loan.Amount) (common.Hash, error) {
	return w.source.DepositCollateral(ctx, amount)
}

func (w vaultWallet) WithdrawCollateral(ctx context.Context, amount *loan.Amount) (common.Hash, error) {
	return w.source.WithdrawCollateral(ctx, amount)
}

func (w vaultWallet) Repay(ctx context.Context, amount *loan.Amount) (common.Hash, error) {
	return w.destination.Repay(ctx, amount)
}

type walletSet map[loan.Account]coordinator.Wallet

func (w walletSet) Wallet(account loan.Account) (coordinator.Wallet, bool) {
	wallet, ok := w[account]
	return wallet, ok
}
