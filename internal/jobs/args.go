// Package jobs defines the persisted River tasks that carry settlement work
// across process restarts.
package jobs

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	QueueSettlement = river.QueueDefault
	QueueNotify     = "notify"
)

// whileOutstanding deduplicates a job only against copies that have not
// finished yet, so the same args can be inserted again later.
var whileOutstanding = river.UniqueOpts{
	ByArgs: true,
	ByState: []rivertype.JobState{
		rivertype.JobStateAvailable,
		rivertype.JobStatePending,
		rivertype.JobStateRetryable,
		rivertype.JobStateRunning,
		rivertype.JobStateScheduled,
	},
}

// SubmitCallArgs sends one attempt of a call to the settlement terminal.
type SubmitCallArgs struct {
	CallID  uuid.UUID `json:"call_id"`
	Attempt int       `json:"attempt"`
}

func (SubmitCallArgs) Kind() string { return "submit_call" }

func (SubmitCallArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSettlement,
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// SendDirectiveArgs issues the pending release/cancel directive of a call.
type SendDirectiveArgs struct {
	CallID uuid.UUID `json:"call_id"`
}

func (SendDirectiveArgs) Kind() string { return "send_directive" }

func (SendDirectiveArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSettlement,
		MaxAttempts: 3,
		UniqueOpts:  whileOutstanding,
	}
}

// ReconcileSweepArgs is the periodic sweep over all due calls.
type ReconcileSweepArgs struct{}

func (ReconcileSweepArgs) Kind() string { return "reconcile_sweep" }

func (ReconcileSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSettlement,
		MaxAttempts: 1,
	}
}

// NotifyUserArgs delivers one best-effort user notification.
type NotifyUserArgs struct {
	UserID  uuid.UUID `json:"user_id"`
	OrderID uuid.UUID `json:"order_id"`
	Event   string    `json:"event"`
	Message string    `json:"message"`
}

func (NotifyUserArgs) Kind() string { return "notify_user" }

func (NotifyUserArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueNotify,
		MaxAttempts: 5,
	}
}
