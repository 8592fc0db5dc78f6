// Package execution holds the River workers that run settlement work outside
// request handling.
package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/inaiurai/settlement/internal/jobs"
	"github.com/inaiurai/settlement/internal/metrics"
	"github.com/inaiurai/settlement/internal/notify"
)

// Reconciler is the contract the settlement workers need from the poller.
type Reconciler interface {
	SubmitCall(ctx context.Context, callID uuid.UUID, attempt int) error
	SendDirective(ctx context.Context, callID uuid.UUID) error
	Sweep(ctx context.Context) (int, error)
}

type SubmitCallWorker struct {
	river.WorkerDefaults[jobs.SubmitCallArgs]
	reconciler Reconciler
}

func NewSubmitCallWorker(r Reconciler) *SubmitCallWorker {
	return &SubmitCallWorker{reconciler: r}
}

func (w *SubmitCallWorker) Work(ctx context.Context, job *river.Job[jobs.SubmitCallArgs]) error {
	if err := w.reconciler.SubmitCall(ctx, job.Args.CallID, job.Args.Attempt); err != nil {
		return fmt.Errorf("submit call %s attempt %d: %w", job.Args.CallID, job.Args.Attempt, err)
	}
	return nil
}

type SendDirectiveWorker struct {
	river.WorkerDefaults[jobs.SendDirectiveArgs]
	reconciler Reconciler
}

func NewSendDirectiveWorker(r Reconciler) *SendDirectiveWorker {
	return &SendDirectiveWorker{reconciler: r}
}

func (w *SendDirectiveWorker) Work(ctx context.Context, job *river.Job[jobs.SendDirectiveArgs]) error {
	if err := w.reconciler.SendDirective(ctx, job.Args.CallID); err != nil {
		return fmt.Errorf("send directive for call %s: %w", job.Args.CallID, err)
	}
	return nil
}

type ReconcileSweepWorker struct {
	river.WorkerDefaults[jobs.ReconcileSweepArgs]
	reconciler Reconciler
	logger     *slog.Logger
}

func NewReconcileSweepWorker(r Reconciler, logger *slog.Logger) *ReconcileSweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileSweepWorker{reconciler: r, logger: logger}
}

func (w *ReconcileSweepWorker) Work(ctx context.Context, job *river.Job[jobs.ReconcileSweepArgs]) error {
	n, err := w.reconciler.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("reconcile sweep: %w", err)
	}
	if n > 0 {
		w.logger.Debug("reconcile sweep finished", "due", n)
	}
	return nil
}

// NotifyUserWorker delivers notifications. Delivery is best effort: after
// the last attempt the failure is logged and the job is dropped.
type NotifyUserWorker struct {
	river.WorkerDefaults[jobs.NotifyUserArgs]
	sink    notify.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewNotifyUserWorker(sink notify.Sink, m *metrics.Metrics, logger *slog.Logger) *NotifyUserWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyUserWorker{sink: sink, metrics: m, logger: logger}
}

func (w *NotifyUserWorker) Work(ctx context.Context, job *river.Job[jobs.NotifyUserArgs]) error {
	args := job.Args
	err := w.sink.Notify(ctx, notify.Notification{
		UserID:  args.UserID,
		OrderID: args.OrderID,
		Event:   args.Event,
		Message: args.Message,
	})
	if err == nil {
		w.metrics.Notification(args.Event, "ok")
		return nil
	}
	if job.Attempt < job.MaxAttempts {
		w.metrics.Notification(args.Event, "retry")
		return fmt.Errorf("notify user %s: %w", args.UserID, err)
	}
	w.metrics.Notification(args.Event, "dropped")
	w.logger.Error("notification dropped",
		"user_id", args.UserID, "order_id", args.OrderID, "event", args.Event, "error", err)
	return nil
}

// Register adds every worker to workers.
func Register(workers *river.Workers, r Reconciler, sink notify.Sink, m *metrics.Metrics, logger *slog.Logger) {
	river.AddWorker(workers, NewSubmitCallWorker(r))
	river.AddWorker(workers, NewSendDirectiveWorker(r))
	river.AddWorker(workers, NewReconcileSweepWorker(r, logger))
	river.AddWorker(workers, NewNotifyUserWorker(sink, m, logger))
}
