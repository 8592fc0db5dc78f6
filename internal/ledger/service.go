// Package ledger owns escrow settlement calls: creation, retry scheduling,
// monotonic status application and the per-order lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/jobs"
	"github.com/inaiurai/settlement/internal/metrics"
	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/terminal"
)

// CallStore persists calls. GetActiveByOrderForUpdate returns
// apperror.ErrCallNotFound when the order has no non-terminal call.
type CallStore interface {
	Create(ctx context.Context, tx pgx.Tx, c *models.Call) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Call, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Call, error)
	GetActiveByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*models.Call, error)
	Update(ctx context.Context, tx pgx.Tx, c *models.Call) error
}

type HistoryStore interface {
	Append(ctx context.Context, tx pgx.Tx, e *models.HistoryEntry) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.HistoryEntry, error)
}

// TxVerifier is the part of the terminal used for out-of-band hash checks.
type TxVerifier interface {
	VerifyTx(ctx context.Context, txHash string) (*terminal.Verification, error)
}

// Observation is one status sample of a call, reported by the terminal or
// derived locally.
type Observation struct {
	Status  models.CallStatus
	TxHash  string
	Block   string
	Network string
	Error   string
}

// ObservationFrom converts an untrusted terminal status.
func ObservationFrom(st *terminal.Status) Observation {
	return Observation{
		Status:  models.CallStatus(st.Status),
		TxHash:  st.TxHash,
		Block:   st.Block,
		Network: st.Network,
		Error:   st.Error,
	}
}

const noteBudgetExhausted = "retry budget exhausted"

type Service struct {
	calls    CallStore
	history  HistoryStore
	enqueue  jobs.Enqueuer
	verifier TxVerifier
	backoff  Backoff
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(calls CallStore, history HistoryStore, enqueue jobs.Enqueuer, verifier TxVerifier, backoff Backoff, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		calls:    calls,
		history:  history,
		enqueue:  enqueue,
		verifier: verifier,
		backoff:  backoff,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Backoff() Backoff { return s.backoff }

// Submit creates the order's single active call in QUEUED and enqueues its
// submission in tx. The caller holds the order lock and persists order,
// whose CurrentCallID is updated here.
func (s *Service) Submit(ctx context.Context, tx pgx.Tx, order *models.Order, actor *uuid.UUID) (*models.Call, error) {
	_, err := s.calls.GetActiveByOrderForUpdate(ctx, tx, order.ID)
	switch {
	case err == nil:
		return nil, apperror.ErrConcurrentCallInFlight
	case !errors.Is(err, apperror.ErrCallNotFound):
		return nil, fmt.Errorf("load active call: %w", err)
	}

	now := s.now()
	call := &models.Call{
		ID:           uuid.New(),
		OrderID:      order.ID,
		Operation:    models.OperationCreate,
		Status:       models.CallStatusQueued,
		AttemptCount: 1,
		NextRetryAt:  now.Add(s.backoff.Delay(1)),
		NextPollAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	call.ExternalRef = models.ExternalRefFor(call.ID, call.AttemptCount)
	if err := s.calls.Create(ctx, tx, call); err != nil {
		return nil, err
	}
	if err := s.appendCallHistory(ctx, tx, call, models.CallStatusPending, actor, "call created"); err != nil {
		return nil, err
	}
	if err := s.enqueue.Enqueue(ctx, tx, jobs.SubmitCallArgs{CallID: call.ID, Attempt: call.AttemptCount}, nil); err != nil {
		return nil, fmt.Errorf("enqueue submit: %w", err)
	}
	order.CurrentCallID = &call.ID
	return call, nil
}

// CheckRetry reports whether call may be retried by a user right now. A
// queued call is not retryable while a worker holds it for submission.
func (s *Service) CheckRetry(call *models.Call) error {
	if call.Status != models.CallStatusFailed && call.Status != models.CallStatusQueued {
		return apperror.ErrRetryNotEligible
	}
	if s.backoff.Exhausted(call.AttemptCount) {
		return apperror.ErrRetryBudgetExhausted
	}
	now := s.now()
	if now.Before(call.NextRetryAt) {
		return apperror.ErrRetryNotEligible
	}
	if call.Status == models.CallStatusQueued && now.Before(call.NextPollAt) {
		return apperror.ErrRetryNotEligible
	}
	return nil
}

// Retry starts a new attempt. A failed call gets a fresh external reference;
// a queued call keeps its reference, since an earlier send of it may have
// reached the rail.
func (s *Service) Retry(ctx context.Context, tx pgx.Tx, call *models.Call, actor *uuid.UUID) error {
	if err := s.CheckRetry(call); err != nil {
		return err
	}
	now := s.now()
	from := call.Status
	call.AttemptCount++
	if from == models.CallStatusFailed {
		call.ExternalRef = models.ExternalRefFor(call.ID, call.AttemptCount)
		call.DispatchedAt = nil
	}
	call.NextRetryAt = now.Add(s.backoff.Delay(call.AttemptCount))
	call.SubmittedAt = nil
	call.Status = models.CallStatusQueued
	call.PollFailures = 0
	call.NextPollAt = now
	call.UpdatedAt = now
	if err := s.calls.Update(ctx, tx, call); err != nil {
		return err
	}
	if err := s.appendCallHistory(ctx, tx, call, from, actor, fmt.Sprintf("retry attempt %d", call.AttemptCount)); err != nil {
		return err
	}
	if err := s.enqueue.Enqueue(ctx, tx, jobs.SubmitCallArgs{CallID: call.ID, Attempt: call.AttemptCount}, nil); err != nil {
		return fmt.Errorf("enqueue submit: %w", err)
	}
	return nil
}

// ScheduleAutomaticRetry reschedules a submission whose outcome is unknown.
// The external reference is kept so the terminal can deduplicate. Once the
// budget is spent, a call the rail may hold is handed to polling, which
// settles it from what the rail reports; any other call moves to FAILED.
func (s *Service) ScheduleAutomaticRetry(ctx context.Context, tx pgx.Tx, call *models.Call, cause error) error {
	now := s.now()
	call.LastError = cause.Error()
	if s.backoff.Exhausted(call.AttemptCount) {
		if call.MaybeOnRail() {
			s.logger.Warn("retry budget exhausted with unknown outcome, polling the rail",
				"call_id", call.ID, "attempt", call.AttemptCount, "error", cause)
			return s.MarkSubmitted(ctx, tx, call, fmt.Sprintf("%s: %v", noteBudgetExhausted, cause))
		}
		_, err := s.Apply(ctx, tx, call, Observation{
			Status: models.CallStatusFailed,
			Error:  fmt.Sprintf("%s: %v", noteBudgetExhausted, cause),
		}, nil, noteBudgetExhausted)
		return err
	}
	call.AttemptCount++
	at := now.Add(s.backoff.Delay(call.AttemptCount))
	call.NextRetryAt = at
	call.NextPollAt = at
	call.UpdatedAt = now
	if err := s.calls.Update(ctx, tx, call); err != nil {
		return err
	}
	err := s.enqueue.Enqueue(ctx, tx, jobs.SubmitCallArgs{CallID: call.ID, Attempt: call.AttemptCount}, &river.InsertOpts{ScheduledAt: at})
	if err != nil {
		return fmt.Errorf("enqueue submit: %w", err)
	}
	s.logger.Info("submission rescheduled",
		"call_id", call.ID, "attempt", call.AttemptCount, "at", at, "error", cause)
	return nil
}

// Apply records obs on call if it moves the call forward. Equal statuses are
// a no-op apart from newly learned chain metadata; regressions are ignored.
// It reports whether the status changed.
func (s *Service) Apply(ctx context.Context, tx pgx.Tx, call *models.Call, obs Observation, actor *uuid.UUID, note string) (bool, error) {
	if !obs.Status.Valid() {
		s.logger.Warn("ignoring unknown call status", "call_id", call.ID, "status", obs.Status)
		return false, nil
	}
	now := s.now()
	metaChanged := mergeMetadata(call, obs)

	if obs.Status == call.Status {
		if !metaChanged {
			return false, nil
		}
		call.UpdatedAt = now
		return false, s.calls.Update(ctx, tx, call)
	}
	if !call.Status.CanAdvanceTo(obs.Status) {
		s.logger.Warn("ignoring regressive call status",
			"call_id", call.ID, "current", call.Status, "observed", obs.Status)
		if metaChanged && !call.Status.IsTerminal() {
			call.UpdatedAt = now
			return false, s.calls.Update(ctx, tx, call)
		}
		return false, nil
	}

	from := call.Status
	call.Status = obs.Status
	call.UpdatedAt = now
	if obs.Status == models.CallStatusFailed {
		call.LastError = obs.Error
		if call.LastError == "" {
			call.LastError = "failed on settlement rail"
		}
		call.NextRetryAt = now.Add(s.backoff.Delay(call.AttemptCount))
	}
	if call.SubmittedAt == nil && (obs.Status == models.CallStatusProcessing || obs.Status == models.CallStatusLocked) {
		call.SubmittedAt = &now
	}
	if err := s.calls.Update(ctx, tx, call); err != nil {
		return false, err
	}
	if note == "" {
		note = obs.Error
	}
	if err := s.appendCallHistory(ctx, tx, call, from, actor, note); err != nil {
		return false, err
	}
	return true, nil
}

func mergeMetadata(call *models.Call, obs Observation) bool {
	changed := false
	if obs.TxHash != "" && (call.TxHash == nil || *call.TxHash != obs.TxHash) {
		h := obs.TxHash
		call.TxHash = &h
		changed = true
	}
	if obs.Block != "" && (call.BlockRef == nil || *call.BlockRef != obs.Block) {
		b := obs.Block
		call.BlockRef = &b
		changed = true
	}
	if obs.Network != "" && call.Network != obs.Network {
		call.Network = obs.Network
		changed = true
	}
	return changed
}

// MarkSubmitted records that the terminal accepted (or may have accepted) the
// current attempt. lastErr is kept for unknown outcomes.
func (s *Service) MarkSubmitted(ctx context.Context, tx pgx.Tx, call *models.Call, lastErr string) error {
	now := s.now()
	call.SubmittedAt = &now
	call.LastError = lastErr
	call.NextPollAt = now
	changed, err := s.Apply(ctx, tx, call, Observation{Status: models.CallStatusProcessing}, nil, "submitted")
	if err != nil || changed {
		return err
	}
	call.UpdatedAt = now
	return s.calls.Update(ctx, tx, call)
}

// Fail moves call to FAILED if that is still a forward step.
func (s *Service) Fail(ctx context.Context, tx pgx.Tx, call *models.Call, reason string) (bool, error) {
	return s.Apply(ctx, tx, call, Observation{Status: models.CallStatusFailed, Error: reason}, nil, reason)
}

// Dispatch claims call for a send of its current reference until leaseUntil
// and records that the rail may now know the reference. The first dispatch
// time survives attempts that reuse the reference.
func (s *Service) Dispatch(ctx context.Context, tx pgx.Tx, call *models.Call, leaseUntil time.Time) error {
	if call.DispatchedAt == nil {
		now := s.now()
		call.DispatchedAt = &now
	}
	return s.SchedulePoll(ctx, tx, call, leaseUntil, call.PollFailures)
}

// Reject fails a call whose create the rail refused. When this was the first
// send of the reference the rail holds nothing under it.
func (s *Service) Reject(ctx context.Context, tx pgx.Tx, call *models.Call, reason string, firstSend bool) (bool, error) {
	if firstSend {
		call.DispatchedAt = nil
	}
	return s.Fail(ctx, tx, call, reason)
}

// CompensateLocally refunds a FAILED call the rail holds nothing for.
func (s *Service) CompensateLocally(ctx context.Context, tx pgx.Tx, call *models.Call, actor *uuid.UUID) (bool, error) {
	if call.Status != models.CallStatusFailed {
		return false, nil
	}
	return s.Apply(ctx, tx, call, Observation{Status: models.CallStatusRefunded}, actor, "compensated locally")
}

// SetDirective requests a release or cancel on call. The directive is sent
// by a worker once the call is in a status that allows it. The call's next
// poll is left alone so a worker's claim on it stays in force.
func (s *Service) SetDirective(ctx context.Context, tx pgx.Tx, call *models.Call, d models.CallDirective) error {
	call.Directive = d
	call.DirectiveSentAt = nil
	call.UpdatedAt = s.now()
	if err := s.calls.Update(ctx, tx, call); err != nil {
		return err
	}
	return s.ScheduleDirective(ctx, tx, call)
}

// ScheduleDirective enqueues the pending directive if call's status allows
// sending it now. Otherwise it waits for the in-flight attempt to resolve.
func (s *Service) ScheduleDirective(ctx context.Context, tx pgx.Tx, call *models.Call) error {
	if !call.DirectivePending() || !call.DirectiveIssuable() {
		return nil
	}
	if err := s.enqueue.Enqueue(ctx, tx, jobs.SendDirectiveArgs{CallID: call.ID}, nil); err != nil {
		return fmt.Errorf("enqueue directive: %w", err)
	}
	return nil
}

func (s *Service) MarkDirectiveSent(ctx context.Context, tx pgx.Tx, call *models.Call) error {
	now := s.now()
	call.DirectiveSentAt = &now
	call.NextPollAt = now
	call.UpdatedAt = now
	return s.calls.Update(ctx, tx, call)
}

// SchedulePoll sets when the reconciler next looks at call and how many
// consecutive polls have failed.
func (s *Service) SchedulePoll(ctx context.Context, tx pgx.Tx, call *models.Call, at time.Time, failures int) error {
	call.NextPollAt = at
	call.PollFailures = failures
	call.UpdatedAt = s.now()
	return s.calls.Update(ctx, tx, call)
}

// VerifyTxHash checks the stored hash against the rail. It never mutates call.
func (s *Service) VerifyTxHash(ctx context.Context, call *models.Call) (*terminal.Verification, error) {
	if call.TxHash == nil || *call.TxHash == "" {
		return nil, apperror.ErrTxHashUnavailable
	}
	if !validTxHash(*call.TxHash) {
		return nil, fmt.Errorf("malformed hash %q: %w", *call.TxHash, apperror.ErrTxHashUnavailable)
	}
	v, err := s.verifier.VerifyTx(ctx, *call.TxHash)
	if err != nil {
		return nil, fmt.Errorf("verify tx: %w", err)
	}
	return v, nil
}

func validTxHash(h string) bool {
	b, err := hexutil.Decode(h)
	return err == nil && len(b) == common.HashLength
}

// RecordOrderTransition appends an order history entry.
func (s *Service) RecordOrderTransition(ctx context.Context, tx pgx.Tx, order *models.Order, from models.OrderStatus, actor *uuid.UUID, note string) error {
	e := &models.HistoryEntry{
		ID:         uuid.New(),
		OrderID:    order.ID,
		CallID:     order.CurrentCallID,
		Kind:       models.HistoryKindOrder,
		FromStatus: string(from),
		ToStatus:   string(order.Status),
		ActorID:    actor,
		Note:       note,
		CreatedAt:  s.now(),
	}
	if err := s.history.Append(ctx, tx, e); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	s.metrics.OrderTransition(string(from), string(order.Status))
	return nil
}

func (s *Service) History(ctx context.Context, orderID uuid.UUID) ([]models.HistoryEntry, error) {
	return s.history.ListByOrder(ctx, orderID)
}

func (s *Service) appendCallHistory(ctx context.Context, tx pgx.Tx, call *models.Call, from models.CallStatus, actor *uuid.UUID, note string) error {
	id := call.ID
	e := &models.HistoryEntry{
		ID:         uuid.New(),
		OrderID:    call.OrderID,
		CallID:     &id,
		Kind:       models.HistoryKindCall,
		FromStatus: string(from),
		ToStatus:   string(call.Status),
		ActorID:    actor,
		Note:       note,
		CreatedAt:  s.now(),
	}
	if err := s.history.Append(ctx, tx, e); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	s.metrics.CallTransition(string(from), string(call.Status))
	s.logger.Info("call transition",
		"order_id", call.OrderID, "call_id", call.ID, "from", from, "to", call.Status, "attempt", call.AttemptCount)
	return nil
}
