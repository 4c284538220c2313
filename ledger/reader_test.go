package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"crossloan/loan"
)

type stubCaller struct {
	mu      sync.Mutex
	results map[string]*big.Int
	err     error
	calls   int
}

func (s *stubCaller) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	for name, method := range vaultABI.Methods {
		if !bytes.Equal(call.Data[:4], method.ID) {
			continue
		}
		value, ok := s.results[name]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(value)
	}
	return nil, errors.New("unknown selector")
}

var testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newPair(t *testing.T, src, dst ContractCaller) *Pair {
	t.Helper()
	source, err := NewVault(loan.LedgerSource, src, common.HexToAddress("0xaa"))
	require.NoError(t, err)
	destination, err := NewVault(loan.LedgerDestination, dst, common.HexToAddress("0xbb"))
	require.NoError(t, err)
	return &Pair{Source: source, Destination: destination}
}

func TestPairReadsBothLedgers(t *testing.T) {
	src := &stubCaller{results: map[string]*big.Int{
		"getCollateral":    big.NewInt(5_000),
		"getMaxLoanAmount": big.NewInt(3_333),
	}}
	dst := &stubCaller{results: map[string]*big.Int{
		"getDebt":            big.NewInt(700),
		"nonces":             big.NewInt(5),
		"getCollateralRatio": big.NewInt(175),
	}}
	pair := newPair(t, src, dst)

	collateral, err := pair.ReadCollateral(context.Background(), testAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), collateral.Collateral.Uint64())
	require.Equal(t, uint64(3_333), collateral.MaxLoanCapacity.Uint64())
	require.Equal(t, testAccount, collateral.Account)

	debt, err := pair.ReadDebt(context.Background(), testAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(700), debt.OutstandingDebt.Uint64())
	require.Equal(t, uint64(5), debt.ReplayCounter)

	ratio, err := pair.CollateralRatioPercent(context.Background(), testAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(175), ratio)
}

func TestReadFailureIsLedgerUnavailableNotZero(t *testing.T) {
	src := &stubCaller{err: errors.New("dial tcp: connection refused")}
	dst := &stubCaller{results: map[string]*big.Int{}}
	pair := newPair(t, src, dst)

	state, err := pair.ReadCollateral(context.Background(), testAccount)
	require.ErrorIs(t, err, loan.ErrLedgerUnavailable)
	require.Nil(t, state.Collateral)
	var typed *loan.LedgerUnavailableError
	require.True(t, errors.As(err, &typed))
	require.Equal(t, loan.LedgerSource, typed.Ledger)

	_, err = pair.ReadDebt(context.Background(), testAccount)
	require.ErrorIs(t, err, loan.ErrLedgerUnavailable)
	require.True(t, errors.As(err, &typed))
	require.Equal(t, loan.LedgerDestination, typed.Ledger)
}

func TestReadDoesNotRetry(t *testing.T) {
	src := &stubCaller{err: errors.New("timeout")}
	pair := newPair(t, src, &stubCaller{})
	_, err := pair.ReadCollateral(context.Background(), testAccount)
	require.Error(t, err)
	require.Equal(t, 1, src.calls)
}

func TestRateLimitedReadHonoursContext(t *testing.T) {
	src := &stubCaller{results: map[string]*big.Int{"getCollateral": big.NewInt(1)}}
	vault, err := NewVault(loan.LedgerSource, src, common.HexToAddress("0xaa"), WithRateLimit(rate.Limit(0.001), 1))
	require.NoError(t, err)

	_, err = vault.Collateral(context.Background(), testAccount)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = vault.Collateral(ctx, testAccount)
	require.ErrorIs(t, err, loan.ErrLedgerUnavailable)
}

func TestNewVaultValidates(t *testing.T) {
	_, err := NewVault(loan.LedgerSource, nil, common.HexToAddress("0xaa"))
	require.Error(t, err)
	_, err = NewVault(loan.LedgerSource, &stubCaller{}, common.Address{})
	require.Error(t, err)
}
