package services

import (
	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/models"
)

// Action is a user-triggered transition request.
type Action string

const (
	ActionConfirmSeller Action = "confirm_seller"
	ActionConfirmBuyer  Action = "confirm_buyer"
	ActionCancel        Action = "cancel"
	ActionRetry         Action = "retry"
	ActionVerifyTx      Action = "verify_tx"
)

var allActions = []Action{ActionConfirmSeller, ActionConfirmBuyer, ActionCancel, ActionRetry, ActionVerifyTx}

// Input is everything the order state machine looks at. CallStatus is empty
// when the order has no call.
type Input struct {
	OrderStatus     models.OrderStatus
	CallStatus      models.CallStatus
	Action          Action
	Role            models.Role
	GreenFlag       bool
	GreenConfirmed  bool
	GreenApproval   bool
	CancelRequested bool
}

// Decision is the outcome of a permitted action.
type Decision struct {
	Next           models.OrderStatus
	Directive      models.CallDirective
	GreenConfirmed bool
}

// Decide evaluates the guard for in.Action and returns the resulting order
// status and call directive. It has no side effects.
func Decide(in Input) (Decision, error) {
	d := Decision{Next: in.OrderStatus, GreenConfirmed: in.GreenConfirmed}
	switch in.Action {
	case ActionConfirmSeller:
		return decideConfirm(in, models.RoleSeller, d)
	case ActionConfirmBuyer:
		return decideConfirm(in, models.RoleBuyer, d)
	case ActionCancel:
		return decideCancel(in, d)
	case ActionRetry:
		return decideRetry(in, d)
	case ActionVerifyTx:
		if !isParty(in.Role) {
			return d, apperror.ErrInvalidRole
		}
		return d, nil
	}
	return d, apperror.ErrInvalidInput
}

func isParty(r models.Role) bool {
	return r == models.RoleBuyer || r == models.RoleSeller
}

func decideConfirm(in Input, role models.Role, d Decision) (Decision, error) {
	if in.Role != role {
		return d, apperror.ErrInvalidRole
	}
	if in.OrderStatus.IsTerminal() {
		return d, apperror.ErrAlreadyFinalized
	}
	if in.CancelRequested {
		return d, apperror.ErrCancelAlreadyRequested
	}
	// Only funds held in escrow count as a stable state for confirmation.
	if in.CallStatus != models.CallStatusLocked {
		return d, apperror.ErrEscrowNotReady
	}

	own, other := models.OrderStatusSellerConfirmed, models.OrderStatusBuyerConfirmed
	if role == models.RoleBuyer {
		own, other = other, own
	}
	if in.OrderStatus == own {
		return d, apperror.ErrAlreadyConfirmed
	}
	if role == models.RoleBuyer && in.GreenFlag && !in.GreenConfirmed {
		if !in.GreenApproval {
			return d, apperror.ErrGreenApprovalRequired
		}
		d.GreenConfirmed = true
	}

	switch in.OrderStatus {
	case models.OrderStatusPending:
		d.Next = own
	case other:
		d.Next = models.OrderStatusCompleted
		d.Directive = models.DirectiveRelease
	default:
		return d, apperror.ErrAlreadyFinalized
	}
	return d, nil
}

func decideCancel(in Input, d Decision) (Decision, error) {
	if !isParty(in.Role) {
		return d, apperror.ErrInvalidRole
	}
	if in.OrderStatus.IsTerminal() {
		return d, apperror.ErrAlreadyFinalized
	}
	if in.CancelRequested {
		return d, apperror.ErrCancelAlreadyRequested
	}
	switch in.CallStatus {
	case models.CallStatusDisputed:
		return d, apperror.ErrDisputed
	case models.CallStatusReleased, models.CallStatusRefunded:
		return d, apperror.ErrAlreadyFinalized
	case models.CallStatusFailed, models.CallStatusQueued:
		d.Directive = models.DirectiveCancel
		return d, nil
	}
	if in.OrderStatus != models.OrderStatusPending {
		return d, apperror.ErrCancelNotPermitted
	}
	d.Directive = models.DirectiveCancel
	return d, nil
}

func decideRetry(in Input, d Decision) (Decision, error) {
	if in.Role != models.RoleBuyer {
		return d, apperror.ErrInvalidRole
	}
	if in.OrderStatus.IsTerminal() {
		return d, apperror.ErrAlreadyFinalized
	}
	if in.CancelRequested {
		return d, apperror.ErrCancelAlreadyRequested
	}
	switch in.CallStatus {
	case models.CallStatusFailed, models.CallStatusQueued:
		return d, nil
	case models.CallStatusDisputed:
		return d, apperror.ErrDisputed
	}
	return d, apperror.ErrRetryNotEligible
}

// AllowedActions returns the actions whose guard passes. Green approval is
// assumed to be given, since the caller can supply it.
func (in Input) AllowedActions() []Action {
	in.GreenApproval = true
	var out []Action
	for _, a := range allActions {
		in.Action = a
		if _, err := Decide(in); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// AllowedActions is the state-only form of Input.AllowedActions.
func AllowedActions(role models.Role, orderStatus models.OrderStatus, callStatus models.CallStatus) []Action {
	return Input{Role: role, OrderStatus: orderStatus, CallStatus: callStatus}.AllowedActions()
}

// OrderStatusAfterCall returns the order status implied by a call reaching
// callStatus. Only a confirmed refund moves the order; a release never
// completes an order that both parties have not confirmed.
func OrderStatusAfterCall(orderStatus models.OrderStatus, callStatus models.CallStatus) (models.OrderStatus, bool) {
	if callStatus == models.CallStatusRefunded && !orderStatus.IsTerminal() {
		return models.OrderStatusCancelled, true
	}
	return orderStatus, false
}

// View states shown to users. They are derived, never stored.
const (
	ViewAwaitingEscrow      = "awaiting_escrow"
	ViewRetryAvailable      = "retry_available"
	ViewContactSupport      = "contact_support"
	ViewAwaitingCounterpart = "awaiting_counterpart"
	ViewReleasing           = "releasing"
	ViewCancelling          = "cancelling"
	ViewCompleted           = "completed"
	ViewCancelled           = "cancelled"
)

// ViewState classifies an order for display. retryExhausted reports whether
// the call has used its retry budget.
func ViewState(order *models.Order, call *models.Call, retryExhausted bool) string {
	switch order.Status {
	case models.OrderStatusCompleted:
		if call == nil || call.Status == models.CallStatusReleased {
			return ViewCompleted
		}
		if call.Status == models.CallStatusDisputed {
			return ViewContactSupport
		}
		return ViewReleasing
	case models.OrderStatusCancelled:
		return ViewCancelled
	}
	if call != nil && call.Status == models.CallStatusDisputed {
		return ViewContactSupport
	}
	if order.CancelRequested {
		return ViewCancelling
	}
	if call == nil {
		return ViewAwaitingEscrow
	}
	switch call.Status {
	case models.CallStatusFailed:
		if retryExhausted {
			return ViewContactSupport
		}
		return ViewRetryAvailable
	case models.CallStatusLocked:
		return ViewAwaitingCounterpart
	case models.CallStatusReleased:
		return ViewReleasing
	case models.CallStatusRefunded:
		return ViewCancelling
	}
	return ViewAwaitingEscrow
}
