package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// NativeToken is the sentinel token address meaning the chain's native asset.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// AuthorizationPurpose distinguishes the withdrawal grant from the optional
// grant used to pay the advisory service.
type AuthorizationPurpose string

const (
	PurposeWithdrawal  AuthorizationPurpose = "withdrawal"
	PurposeAdvisoryFee AuthorizationPurpose = "advisory_fee"
)

// SpendAuthorization is a signed, period-bounded permission letting Spender
// pull up to Allowance per Period from Account.
type SpendAuthorization struct {
	ID        string               `json:"id"`
	PlanID    string               `json:"plan_id"`
	Purpose   AuthorizationPurpose `json:"purpose"`
	Account   common.Address       `json:"account"`
	Spender   common.Address       `json:"spender"`
	Token     common.Address       `json:"token"`
	Allowance *big.Int             `json:"allowance"`
	Period    uint32               `json:"period"`
	Start     uint64               `json:"start"`
	End       uint64               `json:"end"`
	Salt      *big.Int             `json:"salt"`
	ExtraData []byte               `json:"extra_data,omitempty"`
	Signature []byte               `json:"signature"`
	Revoked   bool                 `json:"revoked"`
	CreatedAt time.Time            `json:"created_at"`
}

// Validate checks the static shape of the authorization.
func (a *SpendAuthorization) Validate() error {
	if a.PlanID == "" {
		return errors.Wrap(ErrInvalidPlanID, "authorization plan id is required")
	}
	switch a.Purpose {
	case PurposeWithdrawal, PurposeAdvisoryFee:
	default:
		return errors.Errorf("unknown authorization purpose %q", a.Purpose)
	}
	if a.Account == (common.Address{}) || a.Spender == (common.Address{}) || a.Token == (common.Address{}) {
		return errors.New("account, spender and token are required")
	}
	if a.Allowance == nil || a.Allowance.Sign() <= 0 {
		return errors.Wrap(ErrInvalidAmount, "allowance must be positive")
	}
	if a.Period == 0 {
		return errors.New("period must be positive")
	}
	if a.End <= a.Start {
		return errors.New("end must be after start")
	}
	if len(a.Signature) == 0 {
		return errors.New("signature is required")
	}

	return nil
}

// PeriodDuration returns the authorization period; it is the only cadence
// source for due-ness.
func (a *SpendAuthorization) PeriodDuration() time.Duration {
	return time.Duration(a.Period) * time.Second
}

// Usable reports why the authorization cannot be used at now, if it cannot.
func (a *SpendAuthorization) Usable(now time.Time) error {
	if a.Revoked {
		return ErrAuthorizationRevoked
	}

	ts := now.Unix()
	if ts < 0 || uint64(ts) < a.Start || uint64(ts) >= a.End {
		return errors.Wrapf(ErrAuthorizationExpired, "now=%d start=%d end=%d", ts, a.Start, a.End)
	}

	return nil
}

// Cap bounds amount by the per-period allowance.
func (a *SpendAuthorization) Cap(amount *big.Int) *big.Int {
	if amount.Cmp(a.Allowance) > 0 {
		return new(big.Int).Set(a.Allowance)
	}

	return new(big.Int).Set(amount)
}

// IsNative reports whether the authorization spends the native asset.
func (a *SpendAuthorization) IsNative() bool {
	return a.Token == NativeToken
}
