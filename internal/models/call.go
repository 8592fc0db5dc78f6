package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle status of one escrow settlement call.
type CallStatus string

const (
	CallStatusPending    CallStatus = "PENDING"
	CallStatusQueued     CallStatus = "QUEUED"
	CallStatusProcessing CallStatus = "PROCESSING"
	CallStatusLocked     CallStatus = "LOCKED"
	CallStatusFailed     CallStatus = "FAILED"
	CallStatusDisputed   CallStatus = "DISPUTED"
	CallStatusReleased   CallStatus = "RELEASED"
	CallStatusRefunded   CallStatus = "REFUNDED"
)

// IsTerminal reports whether s is RELEASED, REFUNDED or DISPUTED.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusReleased, CallStatusRefunded, CallStatusDisputed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s CallStatus) Valid() bool {
	_, ok := forwardEdges[s]
	return ok
}

// forwardEdges is the status graph without the retry edge FAILED -> QUEUED,
// which only an explicit retry may take.
var forwardEdges = map[CallStatus][]CallStatus{
	CallStatusPending:    {CallStatusQueued},
	CallStatusQueued:     {CallStatusProcessing, CallStatusFailed},
	CallStatusProcessing: {CallStatusLocked, CallStatusFailed},
	CallStatusLocked:     {CallStatusReleased, CallStatusRefunded, CallStatusDisputed},
	CallStatusFailed:     {CallStatusRefunded},
	CallStatusDisputed:   nil,
	CallStatusReleased:   nil,
	CallStatusRefunded:   nil,
}

// CanAdvanceTo reports whether next is strictly forward-reachable from s.
// Observations from the settlement rail are samples, so intermediate
// statuses may be skipped; anything else is a regression.
func (s CallStatus) CanAdvanceTo(next CallStatus) bool {
	if s == next {
		return false
	}
	seen := map[CallStatus]bool{s: true}
	queue := []CallStatus{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range forwardEdges[cur] {
			if n == next {
				return true
			}
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

// CallOperation is what the call asks the settlement rail to do.
type CallOperation string

const (
	OperationCreate CallOperation = "create"
)

// CallDirective is a follow-up operation requested on an existing call.
type CallDirective string

const (
	DirectiveNone    CallDirective = ""
	DirectiveRelease CallDirective = "release"
	DirectiveCancel  CallDirective = "cancel"
)

type Call struct {
	ID              uuid.UUID     `json:"id"`
	OrderID         uuid.UUID     `json:"order_id"`
	Operation       CallOperation `json:"operation"`
	Status          CallStatus    `json:"status"`
	AttemptCount    int           `json:"attempt_count"`
	LastError       string        `json:"last_error,omitempty"`
	NextRetryAt     time.Time     `json:"next_retry_at"`
	ExternalRef     string        `json:"external_ref"`
	DispatchedAt    *time.Time    `json:"dispatched_at,omitempty"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	Directive       CallDirective `json:"directive,omitempty"`
	DirectiveSentAt *time.Time    `json:"directive_sent_at,omitempty"`
	TxHash          *string       `json:"tx_hash,omitempty"`
	BlockRef        *string       `json:"block_ref,omitempty"`
	Network         string        `json:"network,omitempty"`
	NextPollAt      time.Time     `json:"next_poll_at"`
	PollFailures    int           `json:"poll_failures"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NeedsSubmission reports whether the call is queued but has not reached the rail yet.
func (c *Call) NeedsSubmission() bool {
	return c.Status == CallStatusQueued && c.SubmittedAt == nil
}

// MaybeOnRail reports whether the rail may hold an escrow under ExternalRef.
// A create that ended without a definite answer counts, so only a call for
// which this is false may be compensated without asking the rail.
func (c *Call) MaybeOnRail() bool {
	return c.SubmittedAt != nil || c.DispatchedAt != nil
}

// DirectivePending reports whether a directive was requested but not yet accepted by the rail.
func (c *Call) DirectivePending() bool {
	return c.Directive != DirectiveNone && c.DirectiveSentAt == nil
}

// DirectiveIssuable reports whether the pending directive may be sent in the current status.
// In-flight calls are never aborted; the directive waits until they resolve.
func (c *Call) DirectiveIssuable() bool {
	switch c.Directive {
	case DirectiveRelease:
		return c.Status == CallStatusLocked
	case DirectiveCancel:
		return c.Status == CallStatusLocked || c.Status == CallStatusFailed
	}
	return false
}

// ExternalRefFor is the idempotent reference sent to the rail for one attempt.
func ExternalRefFor(callID uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s:%d", callID, attempt)
}
