// Package withdrawal submits spends with a bounded retry on transient reverts.
package withdrawal

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/domain"
	"github.com/vadiminshakov/spendflow/pkg/retrier"
)

const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 3 * time.Second
)

type spender interface {
	Spend(ctx context.Context, auth *domain.SpendAuthorization, value *big.Int) (common.Hash, error)
}

// Result is the confirmed spend.
type Result struct {
	TxHash   common.Hash
	Attempts int
}

// Executor retries spends that reverted without a fatal reason.
type Executor struct {
	spender    spender
	maxRetries int
	delay      time.Duration
	l          *zap.Logger
}

// NewExecutor builds an executor; a negative maxRetries or non-positive delay
// selects the defaults.
func NewExecutor(s spender, maxRetries int, delay time.Duration, l *zap.Logger) *Executor {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Executor{spender: s, maxRetries: maxRetries, delay: delay, l: l}
}

// Execute spends value under auth. Exhausted allowance and expired
// authorizations fail immediately; plain reverts are retried; any other
// error is returned on the spot.
func (e *Executor) Execute(ctx context.Context, auth *domain.SpendAuthorization, value *big.Int) (Result, error) {
	l := e.l.With(zap.String("plan_id", auth.PlanID), zap.String("value", value.String()))

	r := retrier.New(
		retrier.WithMaxRetries(e.maxRetries),
		retrier.WithFixedDelay(e.delay),
		retrier.WithRetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrTransientRevert)
		}),
		retrier.WithOnRetry(func(attempt int, err error) {
			l.Warn("spend reverted, retrying",
				zap.Int("retry", attempt),
				zap.Int("max_retries", e.maxRetries),
				zap.Error(err))
		}),
	)

	var res Result
	err := r.Do(ctx, func(ctx context.Context) error {
		res.Attempts++

		hash, err := e.spender.Spend(ctx, auth, value)
		if err != nil {
			if isFatal(err) {
				return retrier.Permanent(err)
			}
			return err
		}

		res.TxHash = hash
		return nil
	})
	if err != nil {
		l.Error("spend failed", zap.Int("attempts", res.Attempts), zap.Error(err))
		return res, err
	}

	l.Info("spend confirmed", zap.String("tx", res.TxHash.Hex()), zap.Int("attempts", res.Attempts))

	return res, nil
}

func isFatal(err error) bool {
	return errors.Is(err, domain.ErrAllowanceExhausted) ||
		errors.Is(err, domain.ErrAuthorizationExpired) ||
		errors.Is(err, domain.ErrAuthorizationRevoked)
}
