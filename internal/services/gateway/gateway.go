// Package gateway wraps the on-chain spend permission manager: approval
// checks, signature approvals, spends and the balance pre-check read.
package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/clients"
	"github.com/vadiminshakov/spendflow/internal/domain"
)

const defaultConfirmTimeout = 2 * time.Minute

// Ledger is the chain client the gateway drives.
type Ledger interface {
	Address() common.Address
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	Submit(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*clients.Confirmation, error)
}

// Gateway talks to one spend permission manager deployment.
type Gateway struct {
	ledger         Ledger
	manager        common.Address
	confirmTimeout time.Duration
	l              *zap.Logger
}

// New builds a gateway bound to the manager contract address.
func New(ledger Ledger, manager common.Address, confirmTimeout time.Duration, l *zap.Logger) *Gateway {
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Gateway{
		ledger:         ledger,
		manager:        manager,
		confirmTimeout: confirmTimeout,
		l:              l,
	}
}

// Spender returns the address spends are submitted from.
func (g *Gateway) Spender() common.Address {
	return g.ledger.Address()
}

// IsApproved reports whether the authorization is approved on-chain.
func (g *Gateway) IsApproved(ctx context.Context, auth *domain.SpendAuthorization) (bool, error) {
	out, err := g.read(ctx, managerABI, g.manager, "isApproved", toSpendPermission(auth))
	if err != nil {
		return false, err
	}

	approved, ok := out[0].(bool)
	if !ok {
		return false, errors.Errorf("isApproved returned %T", out[0])
	}

	return approved, nil
}

// ApproveWithSignature submits the owner's signed approval and waits for it
// to be mined.
func (g *Gateway) ApproveWithSignature(ctx context.Context, auth *domain.SpendAuthorization) (common.Hash, error) {
	data, err := managerABI.Pack("approveWithSignature", toSpendPermission(auth), auth.Signature)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack approveWithSignature")
	}

	return g.submitAndWait(ctx, "approveWithSignature", data)
}

// Spend withdraws value under the authorization and waits for confirmation.
// Per-period limits are enforced by the contract.
func (g *Gateway) Spend(ctx context.Context, auth *domain.SpendAuthorization, value *big.Int) (common.Hash, error) {
	if value == nil || value.Sign() <= 0 {
		return common.Hash{}, errors.Wrap(domain.ErrInvalidAmount, "spend value must be positive")
	}

	data, err := managerABI.Pack("spend", toSpendPermission(auth), value)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack spend")
	}

	return g.submitAndWait(ctx, "spend", data)
}

// CurrentPeriod returns the contract's bookkeeping for the active period.
func (g *Gateway) CurrentPeriod(ctx context.Context, auth *domain.SpendAuthorization) (PeriodSpend, error) {
	out, err := g.read(ctx, managerABI, g.manager, "getCurrentPeriod", toSpendPermission(auth))
	if err != nil {
		return PeriodSpend{}, err
	}

	period, ok := abi.ConvertType(out[0], new(PeriodSpend)).(*PeriodSpend)
	if !ok {
		return PeriodSpend{}, errors.Errorf("getCurrentPeriod returned %T", out[0])
	}

	return *period, nil
}

// Balance returns the owner's balance of the authorized asset.
func (g *Gateway) Balance(ctx context.Context, auth *domain.SpendAuthorization) (*big.Int, error) {
	if auth.IsNative() {
		return g.ledger.BalanceAt(ctx, auth.Account)
	}

	out, err := g.read(ctx, erc20ABI, auth.Token, "balanceOf", auth.Account)
	if err != nil {
		return nil, err
	}

	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("balanceOf returned %T", out[0])
	}

	return balance, nil
}

func (g *Gateway) read(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	raw, err := g.ledger.Call(ctx, to, data)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", method)
	}

	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("%s returned no values", method)
	}

	return out, nil
}

func (g *Gateway) submitAndWait(ctx context.Context, method string, data []byte) (common.Hash, error) {
	hash, err := g.ledger.Submit(ctx, g.manager, data, nil)
	if err != nil {
		return hash, errors.Wrapf(ClassifyRevert(err), "submit %s", method)
	}

	g.l.Info("transaction submitted, awaiting confirmation",
		zap.String("method", method),
		zap.String("tx", hash.Hex()))

	conf, err := g.ledger.AwaitConfirmation(ctx, hash, g.confirmTimeout)
	if err != nil {
		return hash, errors.Wrapf(err, "await %s", method)
	}
	if !conf.Succeeded() {
		return hash, errors.Wrapf(domain.ErrTransientRevert, "%s mined with failed status in tx %s", method, hash.Hex())
	}

	return hash, nil
}

var revertSelectors = []struct {
	name string
	err  error
}{
	{"ExceededSpendPermission", domain.ErrAllowanceExhausted},
	{"BeforeSpendPermissionStart", domain.ErrAuthorizationExpired},
	{"AfterSpendPermissionEnd", domain.ErrAuthorizationExpired},
	{"UnauthorizedSpendPermission", domain.ErrTransientRevert},
	{"ZeroValue", domain.ErrInvalidAmount},
}

// ClassifyRevert maps a submit failure onto the domain taxonomy using the
// custom error selector found in the revert data or the error text.
// Errors that are not reverts are returned unchanged.
func ClassifyRevert(err error) error {
	if err == nil || errors.Is(err, domain.ErrTxAlreadyKnown) {
		return err
	}

	data := revertData(err)
	text := strings.ToLower(err.Error())

	for _, rs := range revertSelectors {
		selector := errorSelector(rs.name)
		if (len(data) >= 4 && bytes.Equal(data[:4], selector)) || strings.Contains(text, hex.EncodeToString(selector)) {
			return errors.Wrapf(rs.err, "%s: %v", rs.name, err)
		}
	}

	if strings.Contains(text, "execution reverted") || len(data) > 0 {
		return errors.Wrapf(domain.ErrTransientRevert, "%v", err)
	}

	return err
}

func revertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}

	switch v := de.ErrorData().(type) {
	case string:
		data, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return nil
		}
		return data
	case []byte:
		return v
	}

	return nil
}
