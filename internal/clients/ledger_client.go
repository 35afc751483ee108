package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

const (
	defaultCallTimeout  = 15 * time.Second
	defaultPollInterval = 2 * time.Second
	gasLimitMarginPct   = 20
)

// ethBackend is the subset of ethclient.Client the ledger needs.
type ethBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Confirmation is the mined outcome of a submitted transaction.
type Confirmation struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber *big.Int
	GasUsed     uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (c *Confirmation) Succeeded() bool {
	return c != nil && c.Status == types.ReceiptStatusSuccessful
}

// EthLedger reads contract state and submits transactions signed by the
// engine's operating key.
type EthLedger struct {
	backend      ethBackend
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	callTimeout  time.Duration
	pollInterval time.Duration
	l            *zap.Logger

	// serializes nonce assignment across concurrently executing plans
	mu sync.Mutex
}

// LedgerOption customizes an EthLedger.
type LedgerOption func(*EthLedger)

// WithCallTimeout bounds every read and submit round trip.
func WithCallTimeout(d time.Duration) LedgerOption {
	return func(e *EthLedger) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithPollInterval sets how often receipts are polled while awaiting confirmation.
func WithPollInterval(d time.Duration) LedgerOption {
	return func(e *EthLedger) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// DialLedger connects to rpcURL and derives the spender address from privateKeyHex.
func DialLedger(ctx context.Context, rpcURL, privateKeyHex string, chainID *big.Int, l *zap.Logger, opts ...LedgerOption) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rpc %s", rpcURL)
	}

	if chainID == nil || chainID.Sign() == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, errors.Wrap(err, "fetch chain id")
		}
	}

	return NewEthLedger(client, privateKeyHex, chainID, l, opts...)
}

// NewEthLedger builds a ledger over an existing backend.
func NewEthLedger(backend ethBackend, privateKeyHex string, chainID *big.Int, l *zap.Logger, opts ...LedgerOption) (*EthLedger, error) {
	key, from, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if chainID == nil {
		return nil, errors.New("chain id is required")
	}
	if l == nil {
		l = zap.NewNop()
	}

	e := &EthLedger{
		backend:      backend,
		key:          key,
		from:         from,
		chainID:      new(big.Int).Set(chainID),
		callTimeout:  defaultCallTimeout,
		pollInterval: defaultPollInterval,
		l:            l,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// ParsePrivateKey decodes a hex private key (with or without 0x) and returns
// it together with its address.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, common.Address{}, errors.Wrap(err, "parse spender private key")
	}

	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, common.Address{}, fmt.Errorf("error casting public key to ECDSA")
	}

	return privateKey, crypto.PubkeyToAddress(*pub), nil
}

// Address returns the spender address transactions are sent from.
func (e *EthLedger) Address() common.Address { return e.from }

// Close releases the underlying RPC connection when the backend owns one.
func (e *EthLedger) Close() {
	if c, ok := e.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

// Call executes a read-only contract call against the latest block.
func (e *EthLedger) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{From: e.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", to.Hex())
	}

	return out, nil
}

// BalanceAt returns the native balance of account.
func (e *EthLedger) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	balance, err := e.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "balance of %s", account.Hex())
	}

	return balance, nil
}

// Submit signs and broadcasts a dynamic-fee transaction calling to with data.
// Node rejections meaning an identical or conflicting transaction is already
// in the pool are reported as domain.ErrTxAlreadyKnown.
func (e *EthLedger) Submit(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}

	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &to, Data: data, Value: value})
	if err != nil {
		return common.Hash{}, classifySendError(errors.Wrap(err, "estimate gas"))
	}
	gas += gas * gasLimitMarginPct / 100

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pending nonce")
	}

	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "suggest gas tip")
	}

	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "latest header")
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "sign transaction")
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), classifySendError(errors.Wrap(err, "send transaction"))
	}

	e.l.Debug("transaction submitted",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))

	return signed.Hash(), nil
}

// AwaitConfirmation polls for the receipt of txHash until it is mined or
// timeout elapses.
func (e *EthLedger) AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return &Confirmation{
				TxHash:      txHash,
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber,
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			e.l.Warn("receipt lookup failed, retrying", zap.String("tx", txHash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(domain.ErrConfirmationTimeout, "tx %s after %s", txHash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

var alreadyKnownMarkers = []string{
	"already known",
	"known transaction",
	"nonce too low",
	"replacement transaction underpriced",
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range alreadyKnownMarkers {
		if strings.Contains(msg, marker) {
			return &alreadyKnownError{cause: err}
		}
	}

	return err
}

// alreadyKnownError keeps the node error (and any revert data) reachable via
// errors.As while matching domain.ErrTxAlreadyKnown with errors.Is.
type alreadyKnownError struct {
	cause error
}

func (a *alreadyKnownError) Error() string {
	return domain.ErrTxAlreadyKnown.Error() + ": " + a.cause.Error()
}

func (a *alreadyKnownError) Is(target error) bool { return target == domain.ErrTxAlreadyKnown }
func (a *alreadyKnownError) Unwrap() error        { return a.cause }
