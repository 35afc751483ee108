package clients

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeBackend struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	sendErr  error
	receipts map[common.Hash]*types.Receipt
	lookups  int
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return append([]byte{0xaa}, msg.Data...), nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(150), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func newTestLedger(t *testing.T, backend *fakeBackend) *EthLedger {
	t.Helper()

	l, err := NewEthLedger(backend, testKeyHex, big.NewInt(8453), zap.NewNop(),
		WithCallTimeout(time.Second), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	return l
}

func TestParsePrivateKey(t *testing.T) {
	key, addr, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	_, _, err = ParsePrivateKey("not-a-key")
	require.Error(t, err)
}

func TestEthLedger_Submit(t *testing.T) {
	backend := &fakeBackend{}
	l := newTestLedger(t, backend)
	to := common.HexToAddress("0xf85210B21cC50302F477BA56686d2019dC9b67Ad")

	h1, err := l.Submit(context.Background(), to, []byte{0x01, 0x02}, nil)
	require.NoError(t, err)
	h2, err := l.Submit(context.Background(), to, []byte{0x03}, big.NewInt(0))
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	require.Len(t, backend.sent, 2)
	tx := backend.sent[0]
	assert.Equal(t, uint64(0), tx.Nonce())
	assert.Equal(t, uint64(1), backend.sent[1].Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas(), "gas estimate gets a 20% margin")
	assert.Equal(t, int64(22), tx.GasFeeCap().Int64(), "fee cap = tip + 2*base fee")
	assert.Equal(t, to, *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, l.Address(), sender)
}

func TestEthLedger_SubmitAlreadyKnown(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("already known")}
	l := newTestLedger(t, backend)

	_, err := l.Submit(context.Background(), common.HexToAddress("0x1"), []byte{0x01}, nil)
	require.ErrorIs(t, err, domain.ErrTxAlreadyKnown)

	backend.sendErr = errors.New("insufficient funds for gas")
	_, err = l.Submit(context.Background(), common.HexToAddress("0x1"), []byte{0x01}, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrTxAlreadyKnown)
}

func TestEthLedger_AwaitConfirmation(t *testing.T) {
	hash := common.HexToHash("0xabc")
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{}}
	l := newTestLedger(t, backend)

	go func() {
		time.Sleep(20 * time.Millisecond)
		backend.mu.Lock()
		backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}
		backend.mu.Unlock()
	}()

	conf, err := l.AwaitConfirmation(context.Background(), hash, time.Second)
	require.NoError(t, err)
	assert.True(t, conf.Succeeded())
	assert.Equal(t, int64(7), conf.BlockNumber.Int64())

	_, err = l.AwaitConfirmation(context.Background(), common.HexToHash("0xdead"), 30*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrConfirmationTimeout)
}

func TestEthLedger_Reads(t *testing.T) {
	l := newTestLedger(t, &fakeBackend{})

	out, err := l.Call(context.Background(), common.HexToAddress("0x1"), []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0x01}, out)

	bal, err := l.BalanceAt(context.Background(), common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal.Int64())
}
