package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category classifies a failure so callers can decide whether to retry.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategoryNotFound     Category = "not_found"
	CategoryNotDue       Category = "not_due"
	CategoryPrecondition Category = "precondition"
	CategoryTransient    Category = "transient"
	CategoryFatal        Category = "fatal"
	CategoryAdvisory     Category = "advisory"
	CategoryInternal     Category = "internal"
)

var (
	ErrInvalidPlanID          = errors.New("malformed plan id")
	ErrPlanNotFound           = errors.New("plan not found")
	ErrAuthorizationNotFound  = errors.New("authorization not found")
	ErrNotDue                 = errors.New("plan is not yet due")
	ErrExecutionInProgress    = errors.New("execution already in progress")
	ErrPlanInactive           = errors.New("plan is not active")
	ErrPlanCancelled          = errors.New("plan is cancelled")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrAuthorizationRevoked   = errors.New("authorization revoked")
	ErrAuthorizationExpired   = errors.New("authorization outside validity window")
	ErrAllowanceExhausted     = errors.New("allowance exhausted")
	ErrTransientRevert        = errors.New("execution reverted")
	ErrTxAlreadyKnown         = errors.New("transaction already known")
	ErrApprovalNotObserved    = errors.New("approval not observed on-chain")
	ErrConfirmationTimeout    = errors.New("confirmation timeout")
	ErrVersionConflict        = errors.New("plan version conflict")
	ErrInvalidAllocation      = errors.New("invalid allocation")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidStatusAction    = errors.New("invalid status action")
	ErrAdvisoryUnavailable    = errors.New("advisory service unavailable")
	ErrAdvisoryMalformed      = errors.New("malformed advisory response")
	ErrDuplicateAuthorization = errors.New("active authorization already exists for purpose")
	ErrSpenderMismatch        = errors.New("authorization names a different spender")
)

// Error attaches a category and the failing operation to an underlying error.
type Error struct {
	Category Category
	Op       string
	Err      error
}

// NewError wraps err with a category. A nil err yields nil.
func NewError(category Category, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Category: category, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var sentinelCategories = []struct {
	err      error
	category Category
}{
	{ErrInvalidPlanID, CategoryValidation},
	{ErrInvalidAllocation, CategoryValidation},
	{ErrInvalidAmount, CategoryValidation},
	{ErrInvalidStatusAction, CategoryValidation},
	{ErrPlanNotFound, CategoryNotFound},
	{ErrAuthorizationNotFound, CategoryNotFound},
	{ErrNotDue, CategoryNotDue},
	{ErrExecutionInProgress, CategoryNotDue},
	{ErrPlanInactive, CategoryPrecondition},
	{ErrPlanCancelled, CategoryPrecondition},
	{ErrInsufficientBalance, CategoryPrecondition},
	{ErrDuplicateAuthorization, CategoryPrecondition},
	{ErrAllowanceExhausted, CategoryFatal},
	{ErrAuthorizationExpired, CategoryFatal},
	{ErrAuthorizationRevoked, CategoryFatal},
	{ErrSpenderMismatch, CategoryFatal},
	{ErrTransientRevert, CategoryTransient},
	{ErrTxAlreadyKnown, CategoryTransient},
	{ErrApprovalNotObserved, CategoryTransient},
	{ErrConfirmationTimeout, CategoryTransient},
	{ErrVersionConflict, CategoryTransient},
	{ErrAdvisoryUnavailable, CategoryAdvisory},
	{ErrAdvisoryMalformed, CategoryAdvisory},
}

// CategoryOf returns the category of err. An explicit *Error wins over
// sentinel matching; unknown errors are internal.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}

	for _, sc := range sentinelCategories {
		if errors.Is(err, sc.err) {
			return sc.category
		}
	}

	return CategoryInternal
}

// Describe renders "<category>: <reason>" for the well known failures, e.g.
// "fatal: allowance exhausted".
func Describe(err error) string {
	if err == nil {
		return ""
	}

	category := CategoryOf(err)
	for _, sc := range sentinelCategories {
		if errors.Is(err, sc.err) {
			return fmt.Sprintf("%s: %s", category, sc.err.Error())
		}
	}

	return string(category)
}
