package domain

import (
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// AllocationTargets is the number of downstream allocation targets.
	AllocationTargets = 3

	percentTotal = 100
)

// Allocation holds integer percentages per target. Valid allocations sum to 100.
type Allocation [AllocationTargets]int

// Sum returns the total of all percentages.
func (a Allocation) Sum() int {
	total := 0
	for _, p := range a {
		total += p
	}

	return total
}

// Validate checks that no share is negative and the shares sum to 100.
func (a Allocation) Validate() error {
	for i, p := range a {
		if p < 0 {
			return errors.Wrapf(ErrInvalidAllocation, "target %d has negative share %d", i, p)
		}
	}
	if a.Sum() != percentTotal {
		return errors.Wrapf(ErrInvalidAllocation, "shares sum to %d, want %d", a.Sum(), percentTotal)
	}

	return nil
}

// Breakdown is the per-target split of one withdrawal.
type Breakdown [AllocationTargets]*big.Int

// Total sums all parts of the breakdown.
func (b Breakdown) Total() *big.Int {
	total := new(big.Int)
	for _, part := range b {
		if part != nil {
			total.Add(total, part)
		}
	}

	return total
}

// Allocate splits amount by allocation using floor division. The unallocated
// remainder is returned as dust and is never redistributed.
func Allocate(amount *big.Int, allocation Allocation) (Breakdown, *big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return Breakdown{}, nil, errors.Wrap(ErrInvalidAmount, "amount must be non-negative")
	}
	if err := allocation.Validate(); err != nil {
		return Breakdown{}, nil, err
	}

	hundred := big.NewInt(percentTotal)

	var breakdown Breakdown
	for i, p := range allocation {
		part := new(big.Int).Mul(amount, big.NewInt(int64(p)))
		breakdown[i] = part.Quo(part, hundred)
	}

	dust := new(big.Int).Sub(amount, breakdown.Total())

	return breakdown, dust, nil
}

// NormalizeAllocation turns advisory percentages into a valid Allocation.
// Integral shares summing to exactly 100 are taken as-is. Any other positive
// sum is rescaled proportionally, however far it is from 100: every share but
// the first is floored and the first takes the remainder. Only negative
// shares, a wrong share count or a zero sum are rejected.
func NormalizeAllocation(shares []decimal.Decimal) (Allocation, error) {
	if len(shares) != AllocationTargets {
		return Allocation{}, errors.Wrapf(ErrInvalidAllocation, "expected %d shares, got %d", AllocationTargets, len(shares))
	}

	sum := decimal.Zero
	for i, s := range shares {
		if s.IsNegative() {
			return Allocation{}, errors.Wrapf(ErrInvalidAllocation, "share %d is negative: %s", i, s.String())
		}
		sum = sum.Add(s)
	}
	if !sum.IsPositive() {
		return Allocation{}, errors.Wrap(ErrInvalidAllocation, "shares sum to zero")
	}

	hundred := decimal.NewFromInt(percentTotal)

	if sum.Equal(hundred) && allIntegral(shares) {
		var out Allocation
		for i, s := range shares {
			out[i] = int(s.IntPart())
		}

		return out, nil
	}

	var out Allocation
	rest := 0
	for i := 1; i < AllocationTargets; i++ {
		out[i] = int(shares[i].Mul(hundred).Div(sum).Floor().IntPart())
		rest += out[i]
	}
	out[0] = percentTotal - rest

	return out, out.Validate()
}

func allIntegral(shares []decimal.Decimal) bool {
	for _, s := range shares {
		if !s.Equal(s.Floor()) {
			return false
		}
	}

	return true
}
