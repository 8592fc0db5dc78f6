// Package apperror classifies failures into the kinds callers act on.
package apperror

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindTerminal   Kind = "terminal"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Error is a classified failure with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches on Code so wrapped copies compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation errors. Rejected synchronously, never retried.
var (
	ErrInvalidRole           = New(KindValidation, "invalid_role", "caller does not hold the role required for this action")
	ErrGreenApprovalRequired = New(KindValidation, "green_approval_required", "green-flagged order requires explicit approval")
	ErrTxHashUnavailable     = New(KindValidation, "tx_hash_unavailable", "no valid transaction hash is known for this call")
	ErrInvalidInput          = New(KindValidation, "invalid_input", "invalid input")
	ErrLimitExceeded         = New(KindValidation, "limit_exceeded", "order exceeds the buyer's spend limit")
)

// Conflict errors. Surfaced with guidance, not retried automatically.
var (
	ErrConcurrentCallInFlight = New(KindConflict, "concurrent_call_in_flight", "order already has an active settlement call")
	ErrAlreadyFinalized       = New(KindConflict, "already_finalized", "order is already completed or cancelled")
	ErrEscrowNotReady         = New(KindConflict, "escrow_not_ready", "escrow is not funded yet")
	ErrAlreadyConfirmed       = New(KindConflict, "already_confirmed", "order already confirmed by this party")
	ErrCancelNotPermitted     = New(KindConflict, "cancel_not_permitted", "settlement is progressing toward release and cannot be cancelled")
	ErrCancelAlreadyRequested = New(KindConflict, "cancel_already_requested", "cancellation already requested")
	ErrRetryNotEligible       = New(KindConflict, "retry_not_eligible", "call is not eligible for retry yet")
	ErrIdempotencyInProgress  = New(KindConflict, "idempotency_in_progress", "a request with this idempotency key is still in progress")
)

// Transient errors. Outcome unknown; retried by the scheduler.
var (
	ErrUnavailable = New(KindTransient, "unavailable", "settlement terminal unavailable")
	ErrTimeout     = New(KindTransient, "timeout", "settlement terminal timed out")
)

// Terminal errors. Need explicit user action or manual resolution.
var (
	ErrRetryBudgetExhausted = New(KindTerminal, "retry_budget_exhausted", "retry budget exhausted")
	ErrDisputed             = New(KindTerminal, "disputed", "settlement is disputed; contact support")
)

var (
	ErrOrderNotFound = New(KindNotFound, "order_not_found", "order not found")
	ErrCallNotFound  = New(KindNotFound, "call_not_found", "call not found")
)

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the scheduler may retry after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		switch ae.Code {
		case ErrInvalidRole.Code, ErrLimitExceeded.Code:
			return http.StatusForbidden
		case ErrGreenApprovalRequired.Code, ErrTxHashUnavailable.Code:
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindTerminal:
		if ae.Code == ErrDisputed.Code {
			return http.StatusLocked
		}
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
