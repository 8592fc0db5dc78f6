// Package reconcile aligns escrow calls with what the settlement rail reports.
// Every change follows lock, read, decide, write intent, unlock, network,
// lock, apply, unlock; no network call is made while an order lock is held.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/metrics"
	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/services"
	"github.com/inaiurai/settlement/internal/terminal"
)

type CallReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Call, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Call, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type Config struct {
	Interval    time.Duration
	MaxInterval time.Duration
	// SubmitGrace is how long a submitted reference may be unknown to the
	// rail before the call is failed. It also bounds the claim a worker holds
	// on a call while talking to the rail.
	SubmitGrace time.Duration
	BatchSize   int
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		Interval:    8 * time.Second,
		MaxInterval: 5 * time.Minute,
		SubmitGrace: 2 * time.Minute,
		BatchSize:   200,
		Concurrency: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = max(d.MaxInterval, c.Interval)
	}
	if c.SubmitGrace <= 0 {
		c.SubmitGrace = d.SubmitGrace
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

type Poller struct {
	calls      CallReader
	locker     *ledger.Locker
	ledger     *ledger.Service
	terminal   terminal.Terminal
	settlement *services.Settlement
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

func NewPoller(calls CallReader, locker *ledger.Locker, l *ledger.Service, t terminal.Terminal, s *services.Settlement, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		calls:      calls,
		locker:     locker,
		ledger:     l,
		terminal:   t,
		settlement: s,
		metrics:    m,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

// Sweep reconciles every due call with bounded concurrency. A failure on one
// call is logged and never stops the others.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	ids, err := p.calls.ListDue(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due calls: %w", err)
	}
	p.metrics.SweepDue(len(ids))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := p.Reconcile(ctx, id); err != nil {
				p.logger.Warn("reconcile call failed", "call_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(ids), ctx.Err()
}

// Reconcile does whatever the call needs next: its first submission, its
// pending directive or a status poll.
func (p *Poller) Reconcile(ctx context.Context, callID uuid.UUID) error {
	call, err := p.calls.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	switch {
	case call.Status.IsTerminal():
		return nil
	case call.NeedsSubmission():
		return p.SubmitCall(ctx, callID, call.AttemptCount)
	case call.DirectivePending() && call.DirectiveIssuable():
		return p.SendDirective(ctx, callID)
	}
	return p.poll(ctx, call)
}

// inCall runs fn under the lock of the call's order with the call row locked.
func (p *Poller) inCall(ctx context.Context, orderID, callID uuid.UUID, fn func(tx pgx.Tx, order *models.Order, call *models.Call) error) error {
	return p.locker.InOrderTx(ctx, orderID, func(tx pgx.Tx, order *models.Order) error {
		call, err := p.calls.GetByIDForUpdate(ctx, tx, callID)
		if err != nil {
			return err
		}
		return fn(tx, order, call)
	})
}

// SubmitCall sends the given attempt of a queued call to the rail. Stale
// attempts and calls another worker has claimed are skipped.
func (p *Poller) SubmitCall(ctx context.Context, callID uuid.UUID, attempt int) error {
	pre, err := p.calls.GetByID(ctx, callID)
	if err != nil {
		return err
	}

	var (
		op        *terminal.Operation
		firstSend bool
	)
	err = p.inCall(ctx, pre.OrderID, callID, func(tx pgx.Tx, order *models.Order, call *models.Call) error {
		now := p.now()
		if !call.NeedsSubmission() || call.AttemptCount != attempt || now.Before(call.NextPollAt) {
			return nil
		}
		if call.Directive == models.DirectiveCancel {
			// A call the rail may hold is failed here and cancelled on the
			// rail through its directive.
			changed, err := p.ledger.Fail(ctx, tx, call, "cancelled before submission")
			if err != nil || !changed {
				return err
			}
			return p.settlement.AfterCallChange(ctx, tx, order, call)
		}
		firstSend = call.DispatchedAt == nil
		if err := p.ledger.Dispatch(ctx, tx, call, now.Add(p.cfg.SubmitGrace)); err != nil {
			return err
		}
		op = &terminal.Operation{
			Reference: call.ExternalRef,
			OrderID:   order.ID.String(),
			Amount:    order.TotalAmount,
			Currency:  order.Currency,
			BuyerID:   order.BuyerID.String(),
			SellerID:  order.SellerID.String(),
		}
		return nil
	})
	if err != nil || op == nil {
		return err
	}

	_, submitErr := p.terminal.Submit(ctx, *op)

	return p.inCall(ctx, pre.OrderID, callID, func(tx pgx.Tx, order *models.Order, call *models.Call) error {
		if call.AttemptCount != attempt || call.ExternalRef != op.Reference || !call.NeedsSubmission() {
			p.logger.Info("submission superseded", "call_id", callID, "attempt", attempt)
			return nil
		}
		switch {
		case submitErr == nil:
			return p.ledger.MarkSubmitted(ctx, tx, call, "")
		case errors.Is(submitErr, terminal.ErrTimeout):
			// The rail may have accepted it; polling will tell.
			return p.ledger.MarkSubmitted(ctx, tx, call, submitErr.Error())
		case errors.Is(submitErr, terminal.ErrRejected):
			changed, err := p.ledger.Reject(ctx, tx, call, submitErr.Error(), firstSend)
			if err != nil || !changed {
				return err
			}
			return p.settlement.AfterCallChange(ctx, tx, order, call)
		}
		if err := p.ledger.ScheduleAutomaticRetry(ctx, tx, call, submitErr); err != nil {
			return err
		}
		if call.Status == models.CallStatusFailed {
			return p.settlement.AfterCallChange(ctx, tx, order, call)
		}
		return nil
	})
}

// SendDirective issues the call's pending release or cancel. Transient
// failures back off and are picked up again by the sweep.
func (p *Poller) SendDirective(ctx context.Context, callID uuid.UUID) error {
	pre, err := p.calls.GetByID(ctx, callID)
	if err != nil {
		return err
	}

	var (
		directive models.CallDirective
		ref       string
	)
	err = p.inCall(ctx, pre.OrderID, callID, func(tx pgx.Tx, order *models.Order, call *models.Call) error {
		if !call.DirectivePending() || !call.DirectiveIssuable() {
			return nil
		}
		directive, ref = call.Directive, call.ExternalRef
		return p.ledger.SchedulePoll(ctx, tx, call, p.now().Add(p.cfg.SubmitGrace), call.PollFailures)
	})
	if err != nil || directive == models.DirectiveNone {
		return err
	}

	var (
		accepted bool
		sendErr  error
	)
	switch directive {
	case models.DirectiveRelease:
		accepted, sendErr = p.terminal.Release(ctx, ref)
	case models.DirectiveCancel:
		accepted, sendErr = p.terminal.Cancel(ctx, ref)
	}
	if sendErr == nil && !accepted {
		sendErr = fmt.Errorf("%s not accepted: %w", directive, terminal.ErrRejected)
	}

	return p.inCall(ctx, pre.OrderID, callID, func(tx pgx.Tx, order *models.Order, call *models.Call) error {
		if call.Directive != directive || !call.DirectivePending() || call.ExternalRef != ref {
			return nil
		}
		switch {
		case sendErr == nil:
			p.logger.Info("directive sent", "call_id", callID, "order_id", order.ID, "directive", directive)
			return p.ledger.MarkDirectiveSent(ctx, tx, call)
		case errors.Is(sendErr, terminal.ErrNotFound) && directive == models.DirectiveCancel &&
			call.Status == models.CallStatusFailed:
			// The create never landed, so there is nothing to cancel remotely.
			p.logger.Info("cancel target unknown to rail, compensating locally", "call_id", callID, "order_id", order.ID)
			return p.settlement.CompensateLocally(ctx, tx, order, call, nil)
		}
		level := slog.LevelWarn
		if errors.Is(sendErr, terminal.ErrRejected) {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "directive not sent",
			"call_id", callID, "order_id", order.ID, "directive", directive, "error", sendErr)
		return p.backoff(ctx, tx, call)
	})
}

func (p *Poller) poll(ctx context.Context, pre *models.Call) error {
	ref := pre.ExternalRef
	st, pollErr := p.terminal.QueryStatus(ctx, ref)

	return p.inCall(ctx, pre.OrderID, pre.ID, func(tx pgx.Tx, order *models.Order, call *models.Call) error {
		if call.ExternalRef != ref || call.Status.IsTerminal() || call.NeedsSubmission() {
			return nil
		}
		now := p.now()

		switch {
		case pollErr == nil:
		case errors.Is(pollErr, terminal.ErrNotFound):
			if call.SubmittedAt != nil && now.Sub(*call.SubmittedAt) > p.cfg.SubmitGrace {
				changed, err := p.ledger.Fail(ctx, tx, call, "not found on settlement rail")
				if err != nil {
					return err
				}
				if changed {
					if err := p.settlement.AfterCallChange(ctx, tx, order, call); err != nil {
						return err
					}
				}
			}
			return p.ledger.SchedulePoll(ctx, tx, call, now.Add(p.cfg.Interval), 0)
		default:
			p.metrics.PollFailure()
			p.logger.Warn("poll failed", "call_id", call.ID, "failures", call.PollFailures+1, "error", pollErr)
			return p.backoff(ctx, tx, call)
		}

		changed, err := p.ledger.Apply(ctx, tx, call, ledger.ObservationFrom(st), nil, "")
		if err != nil {
			return err
		}
		if changed {
			p.logger.Info("call status reconciled", "call_id", call.ID, "order_id", order.ID, "status", call.Status)
			if err := p.settlement.AfterCallChange(ctx, tx, order, call); err != nil {
				return err
			}
		}
		return p.ledger.SchedulePoll(ctx, tx, call, now.Add(p.cfg.Interval), 0)
	})
}

// backoff records one more consecutive failure and pushes the next poll out
// to interval*2^failures, capped at MaxInterval.
func (p *Poller) backoff(ctx context.Context, tx pgx.Tx, call *models.Call) error {
	failures := call.PollFailures + 1
	return p.ledger.SchedulePoll(ctx, tx, call, p.now().Add(p.PollDelay(failures)), failures)
}

// PollDelay is the wait before the next poll after n consecutive failures.
func (p *Poller) PollDelay(n int) time.Duration {
	d := p.cfg.Interval
	for i := 0; i < n && d < p.cfg.MaxInterval; i++ {
		d *= 2
	}
	return min(d, p.cfg.MaxInterval)
}
