package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"crossloan/ledger"
	"crossloan/loan"
)

type fakeTransactor struct {
	mu         sync.Mutex
	nonce      uint64
	prepares   int
	broadcasts []common.Hash
	prepareErr error
	sendErr    error
	waitErr    error
	receipts   map[common.Hash]*types.Receipt
	lastData   []byte
}

func (f *fakeTransactor) Prepare(_ context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepares++
	f.lastData = data
	tx := types.NewTx(&types.LegacyTx{Nonce: f.nonce, To: &to, Value: value, Gas: 100_000, GasPrice: big.NewInt(1), Data: data})
	f.nonce++
	return tx, nil
}

func (f *fakeTransactor) Broadcast(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, tx.Hash())
	return f.sendErr
}

func (f *fakeTransactor) WaitMined(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		receipt = f.defaultReceipt(hash)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ledger.ErrReverted, hash.Hex())
	}
	return receipt, nil
}

func (f *fakeTransactor) ReceiptStatus(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ledger.ErrNotMined
	}
	return receipt, nil
}

var (
	senderAddress = common.HexToAddress("0x5e5e")
	testMessageID = common.HexToHash("0x1234")
)

func (f *fakeTransactor) defaultReceipt(hash common.Hash) *types.Receipt {
	event := ledger.VaultSenderABI().Events["MessageSent"]
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: hash,
		Logs: []*types.Log{{
			Address: senderAddress,
			Topics:  []common.Hash{event.ID, testMessageID, common.BigToHash(big.NewInt(1))},
		}},
	}
}

func TestVaultSenderSubmit(t *testing.T) {
	fake := &fakeTransactor{}
	sender, err := NewVaultSender(fake, senderAddress)
	require.NoError(t, err)

	env := envelope(5, 1)
	receipt, err := sender.Submit(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, testMessageID, receipt.MessageID)
	require.Len(t, fake.broadcasts, 1)
	require.Equal(t, fake.broadcasts[0], receipt.TxHash)

	senderABI := ledger.VaultSenderABI()
	method, err := senderABI.MethodById(fake.lastData[:4])
	require.NoError(t, err)
	require.Equal(t, sendMethod, method.Name)
	args, err := method.Inputs.Unpack(fake.lastData[4:])
	require.NoError(t, err)
	require.Equal(t, env.DestinationSelector, args[0].(uint64))
	require.Equal(t, env.DestinationAddress, args[1].(common.Address))
	require.Equal(t, account, args[2].(common.Address))
	require.Equal(t, int64(100), args[3].(*big.Int).Int64())
	require.Equal(t, int64(5), args[4].(*big.Int).Int64())
	require.Equal(t, env.Signed.Request.Expiry.Unix(), args[5].(*big.Int).Int64())
	require.Equal(t, env.Signed.Signature, args[6].([]byte))
}

func TestVaultSenderRetryRebroadcastsSameTx(t *testing.T) {
	fake := &fakeTransactor{waitErr: context.DeadlineExceeded}
	sender, err := NewVaultSender(fake, senderAddress)
	require.NoError(t, err)

	env := envelope(5, 1)
	first, err := sender.Submit(context.Background(), env)
	require.ErrorIs(t, err, loan.ErrRelayUnknown)
	require.NotEqual(t, common.Hash{}, first.TxHash)

	fake.mu.Lock()
	fake.waitErr = nil
	fake.mu.Unlock()
	second, err := sender.Submit(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, first.TxHash, second.TxHash)
	require.Equal(t, 1, fake.prepares)
	require.Len(t, fake.broadcasts, 2)
}

func TestVaultSenderReverted(t *testing.T) {
	fake := &fakeTransactor{receipts: map[common.Hash]*types.Receipt{}}
	sender, err := NewVaultSender(fake, senderAddress)
	require.NoError(t, err)
	env := envelope(5, 1)

	data, err := PackSend(env)
	require.NoError(t, err)
	to := senderAddress
	expected := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Gas: 100_000, GasPrice: big.NewInt(1), Data: data})
	fake.receipts[expected.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}

	_, err = sender.Submit(context.Background(), env)
	require.ErrorIs(t, err, loan.ErrRelayRejected)
}

func TestVaultSenderPrepareErrors(t *testing.T) {
	fake := &fakeTransactor{prepareErr: fmt.Errorf("%w: execution reverted: fee", ledger.ErrWouldRevert)}
	sender, err := NewVaultSender(fake, senderAddress)
	require.NoError(t, err)
	_, err = sender.Submit(context.Background(), envelope(5, 1))
	require.ErrorIs(t, err, loan.ErrRelayRejected)

	fake.prepareErr = errors.New("connection refused")
	receipt, err := sender.Submit(context.Background(), envelope(5, 1))
	require.ErrorIs(t, err, loan.ErrLedgerUnavailable)
	require.Equal(t, common.Hash{}, receipt.TxHash)
}

func TestVaultSenderBroadcastFailureIsUnknown(t *testing.T) {
	fake := &fakeTransactor{sendErr: errors.New("i/o timeout")}
	sender, err := NewVaultSender(fake, senderAddress)
	require.NoError(t, err)
	receipt, err := sender.Submit(context.Background(), envelope(5, 1))
	require.ErrorIs(t, err, loan.ErrRelayUnknown)
	require.NotEqual(t, common.Hash{}, receipt.TxHash)
}

func TestVaultSenderLookup(t *testing.T) {
	landed := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	fake := &fakeTransactor{receipts: map[common.Hash]*types.Receipt{}}
	fake.receipts[landed] = fake.defaultReceipt(landed)
	fake.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed}
	sender, err := NewVaultSender(fake, senderAddress)
	require.NoError(t, err)

	receipt, ok, err := sender.Lookup(context.Background(), landed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testMessageID, receipt.MessageID)

	_, ok, err = sender.Lookup(context.Background(), common.HexToHash("0x03"))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = sender.Lookup(context.Background(), reverted)
	require.ErrorIs(t, err, loan.ErrRelayRejected)
}

func TestParseMessageIDIgnoresForeignLogs(t *testing.T) {
	event := ledger.VaultSenderABI().Events["MessageSent"]
	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: common.HexToAddress("0x01"), Topics: []common.Hash{event.ID, common.HexToHash("0xaa")}},
		{Address: senderAddress, Topics: []common.Hash{common.HexToHash("0xff"), common.HexToHash("0xbb")}},
	}}
	_, ok := ParseMessageID(receipt, senderAddress)
	require.False(t, ok)
	_, ok = ParseMessageID(nil, senderAddress)
	require.False(t, ok)
}
