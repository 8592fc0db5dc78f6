package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/jobs"
	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/notify"
	"github.com/inaiurai/settlement/internal/services"
	"github.com/inaiurai/settlement/internal/terminal"
	"github.com/inaiurai/settlement/internal/testutil"
)

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	gw       *services.Gateway
	poller   *Poller
	orders   *testutil.Orders
	calls    *testutil.Calls
	history  *testutil.History
	jobs     *testutil.Enqueuer
	term     *testutil.Terminal
	clock    *testutil.Clock
	buyer    models.Session
	seller   models.Session
	deferred []testutil.EnqueuedJob
	drained  map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		orders:  testutil.NewOrders(),
		calls:   testutil.NewCalls(),
		history: testutil.NewHistory(),
		jobs:    &testutil.Enqueuer{},
		term:    testutil.NewTerminal(),
		clock:   testutil.NewClock(),
		buyer:   models.Session{UserID: uuid.New()},
		seller:  models.Session{UserID: uuid.New()},
		drained: map[string]int{},
	}
	b := ledger.DefaultBackoff()
	b.Jitter = 0
	l := ledger.NewService(h.calls, h.history, h.jobs, h.term, b, nil, logger)
	l.SetClock(h.clock.Now)
	locker := ledger.NewLocker(testutil.Pool{}, h.orders)
	notifier := notify.NewNotifier(h.jobs)
	settlement := services.NewSettlement(h.orders, l, notifier, logger)
	h.gw = services.NewGateway(services.GatewayDeps{
		Pool:        testutil.Pool{},
		Locker:      locker,
		Orders:      h.orders,
		Calls:       h.calls,
		Ledger:      l,
		Settlement:  settlement,
		Idempotency: testutil.NewIdempotency(),
		Notifier:    notifier,
		Logger:      logger,
	})
	h.gw.SetClock(h.clock.Now)
	h.poller = NewPoller(h.calls, locker, l, h.term, settlement, nil, logger, Config{
		Interval:    8 * time.Second,
		MaxInterval: time.Minute,
		SubmitGrace: 2 * time.Minute,
		Concurrency: 4,
	})
	h.poller.SetClock(h.clock.Now)
	return h
}

func (h *harness) placeOrder(t *testing.T) (*models.Order, *models.Call) {
	t.Helper()
	res, err := h.gw.PlaceOrder(context.Background(), h.buyer, uuid.NewString(), services.PlaceOrderRequest{
		SellerID:        h.seller.UserID,
		Items:           []services.PlaceOrderItem{{ProductID: "p42", Quantity: 1, UnitPrice: "40"}},
		ShippingAddress: "42 Harbour Rd",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return res.Order, res.Call
}

// runJobs executes every due job the way the River workers would, including
// jobs enqueued while running. Jobs scheduled in the future are kept, and a
// job kind without a registered worker fails the test.
func (h *harness) runJobs(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		fresh := h.jobs.Drain()
		for _, j := range fresh {
			h.drained[j.Args.Kind()]++
		}
		pending := append(h.deferred, fresh...)
		h.deferred = nil
		ran := false
		for _, j := range pending {
			if j.Opts != nil && j.Opts.ScheduledAt.After(h.clock.Now()) {
				h.deferred = append(h.deferred, j)
				continue
			}
			ran = true
			var err error
			switch args := j.Args.(type) {
			case jobs.SubmitCallArgs:
				err = h.poller.SubmitCall(ctx, args.CallID, args.Attempt)
			case jobs.SendDirectiveArgs:
				err = h.poller.SendDirective(ctx, args.CallID)
			case jobs.NotifyUserArgs:
			default:
				t.Fatalf("no worker handles job kind %s", j.Args.Kind())
			}
			if err != nil {
				t.Fatalf("job %s: %v", j.Args.Kind(), err)
			}
		}
		if !ran {
			return
		}
	}
	t.Fatal("jobs kept enqueueing jobs")
}

// enqueued counts every job of kind ever enqueued, run or not.
func (h *harness) enqueued(kind string) int {
	return h.drained[kind] + h.jobs.Count(kind)
}

func (h *harness) sweep(t *testing.T) int {
	t.Helper()
	n, err := h.poller.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	return n
}

func (h *harness) mustStatus(t *testing.T, callID uuid.UUID, want models.CallStatus) *models.Call {
	t.Helper()
	c := h.calls.Get(callID)
	if c.Status != want {
		t.Fatalf("call status = %s, want %s (last error %q)", c.Status, want, c.LastError)
	}
	return c
}

func key() string { return uuid.NewString() }

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestScenario_HappyPathToRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, call := h.placeOrder(t)
	h.mustStatus(t, call.ID, models.CallStatusQueued)

	h.runJobs(t)
	call = h.mustStatus(t, call.ID, models.CallStatusProcessing)
	if call.SubmittedAt == nil {
		t.Fatal("submitted call must record SubmittedAt")
	}

	h.term.SetStatus(call.ExternalRef, "LOCKED", "0x"+fmt.Sprintf("%064x", 42))
	h.clock.Advance(8 * time.Second)
	if n := h.sweep(t); n != 1 {
		t.Fatalf("due calls = %d", n)
	}
	h.mustStatus(t, call.ID, models.CallStatusLocked)

	if _, err := h.gw.ConfirmAsSeller(ctx, h.seller, key(), order.ID); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if got := h.orders.Get(order.ID).Status; got != models.OrderStatusSellerConfirmed {
		t.Fatalf("order = %s", got)
	}
	res, err := h.gw.ConfirmAsBuyer(ctx, h.buyer, key(), order.ID, false)
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if res.OrderStatus != models.OrderStatusCompleted || res.Directive != models.DirectiveRelease {
		t.Fatalf("buyer confirm result = %+v", res)
	}

	h.runJobs(t)
	if len(h.term.Released) != 1 || h.term.Released[0] != call.ExternalRef {
		t.Fatalf("releases = %v, want the create reference %s", h.term.Released, call.ExternalRef)
	}
	if n := len(h.term.Submitted); n != 1 {
		t.Fatalf("submissions = %d, release must not resubmit the create", n)
	}
	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusReleased)
	if got := h.orders.Get(order.ID).Status; got != models.OrderStatusCompleted {
		t.Fatalf("order = %s", got)
	}

	want := []models.CallStatus{models.CallStatusQueued, models.CallStatusProcessing, models.CallStatusLocked, models.CallStatusReleased}
	got := h.history.CallStatuses(call.ID)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("call history = %v, want %v", got, want)
	}

	h.clock.Advance(time.Minute)
	if n := h.sweep(t); n != 0 {
		t.Fatalf("terminal call must not be due, got %d", n)
	}
}

func TestScenario_RetriesExhaustedThenCancelRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, call := h.placeOrder(t)

	fail := func() {
		t.Helper()
		h.term.SubmitErrs = []error{terminal.ErrTimeout}
		h.runJobs(t)
		c := h.mustStatus(t, call.ID, models.CallStatusProcessing)
		h.term.SetStatus(c.ExternalRef, "FAILED", "")
		h.sweep(t)
		h.mustStatus(t, call.ID, models.CallStatusFailed)
		h.clock.Advance(10 * time.Minute)
	}

	for attempt := 1; attempt <= 4; attempt++ {
		fail()
		res, err := h.gw.RetryCall(ctx, h.buyer, key(), call.ID)
		if err != nil {
			t.Fatalf("retry after attempt %d: %v", attempt, err)
		}
		if res.AttemptCount != attempt+1 || res.CallStatus != models.CallStatusQueued {
			t.Fatalf("retry result = %+v", res)
		}
	}
	fail()

	if _, err := h.gw.RetryCall(ctx, h.buyer, key(), call.ID); !errors.Is(err, apperror.ErrRetryBudgetExhausted) {
		t.Fatalf("sixth attempt: got %v", err)
	}
	final := h.mustStatus(t, call.ID, models.CallStatusFailed)
	if final.AttemptCount != 5 {
		t.Fatalf("attempts = %d", final.AttemptCount)
	}

	if _, err := h.gw.CancelOrder(ctx, h.buyer, key(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.runJobs(t)
	if len(h.term.Cancelled) != 1 || h.term.Cancelled[0] != final.ExternalRef {
		t.Fatalf("terminal cancels = %v", h.term.Cancelled)
	}
	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusRefunded)
	if got := h.orders.Get(order.ID).Status; got != models.OrderStatusCancelled {
		t.Fatalf("order = %s", got)
	}
}

func TestScenario_CreateWithLostResponseIsCancelledOnRail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, call := h.placeOrder(t)
	h.term.LostResponses = true
	h.term.SubmitErrs = []error{terminal.ErrUnavailable}

	h.runJobs(t)
	c := h.mustStatus(t, call.ID, models.CallStatusQueued)
	if !c.MaybeOnRail() {
		t.Fatal("an unanswered create may be on the rail")
	}

	if _, err := h.gw.CancelOrder(ctx, h.buyer, key(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.clock.Advance(time.Minute)
	h.runJobs(t)

	if len(h.term.Cancelled) != 1 || h.term.Cancelled[0] != call.ExternalRef {
		t.Fatalf("terminal cancels = %v, want %s", h.term.Cancelled, call.ExternalRef)
	}
	h.mustStatus(t, call.ID, models.CallStatusFailed)
	if got := h.orders.Get(order.ID).Status; got == models.OrderStatusCancelled {
		t.Fatal("order must stay open until the rail confirms the refund")
	}

	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusRefunded)
	if got := h.orders.Get(order.ID).Status; got != models.OrderStatusCancelled {
		t.Fatalf("order = %s", got)
	}
	if n := len(h.term.Submitted); n != 1 {
		t.Errorf("submissions = %d, a cancelled call is not resubmitted", n)
	}
}

// ---------------------------------------------------------------------------
// Submission outcomes
// ---------------------------------------------------------------------------

func TestSubmitCall_RejectedFailsImmediately(t *testing.T) {
	h := newHarness(t)
	_, call := h.placeOrder(t)
	h.term.SubmitErrs = []error{fmt.Errorf("status 400: %w", terminal.ErrRejected)}
	notified := h.enqueued(jobs.NotifyUserArgs{}.Kind())

	h.runJobs(t)
	c := h.mustStatus(t, call.ID, models.CallStatusFailed)
	if c.MaybeOnRail() {
		t.Error("rejected call never reached the rail")
	}
	if got := h.enqueued(jobs.NotifyUserArgs{}.Kind()); got != notified+1 {
		t.Errorf("notifications = %d, want %d", got, notified+1)
	}
}

func TestSubmitCall_UnavailableReschedulesWithSameReference(t *testing.T) {
	h := newHarness(t)
	_, call := h.placeOrder(t)
	ref := call.ExternalRef
	h.term.SubmitErrs = []error{terminal.ErrUnavailable}

	h.runJobs(t)
	c := h.mustStatus(t, call.ID, models.CallStatusQueued)
	if c.AttemptCount != 2 || c.ExternalRef != ref {
		t.Fatalf("after unavailable: attempt=%d ref=%s", c.AttemptCount, c.ExternalRef)
	}
	if len(h.deferred) != 1 {
		t.Fatalf("deferred jobs = %d", len(h.deferred))
	}

	h.clock.Advance(time.Minute)
	h.runJobs(t)
	h.mustStatus(t, call.ID, models.CallStatusProcessing)
	if n := len(h.term.Submitted); n != 2 {
		t.Fatalf("submissions = %d", n)
	}
}

func TestSubmitCall_StaleAttemptIsSkipped(t *testing.T) {
	h := newHarness(t)
	_, call := h.placeOrder(t)
	h.jobs.Drain()

	if err := h.poller.SubmitCall(context.Background(), call.ID, 7); err != nil {
		t.Fatal(err)
	}
	if len(h.term.Submitted) != 0 {
		t.Fatal("stale attempt must not reach the terminal")
	}
	h.mustStatus(t, call.ID, models.CallStatusQueued)
}

func TestSubmitCall_CancelBeforeSubmissionCompensatesLocally(t *testing.T) {
	h := newHarness(t)
	order, call := h.placeOrder(t)

	if _, err := h.gw.CancelOrder(context.Background(), h.seller, key(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.runJobs(t)

	h.mustStatus(t, call.ID, models.CallStatusRefunded)
	if len(h.term.Submitted) != 0 {
		t.Fatal("cancelled call must never be submitted")
	}
	if got := h.orders.Get(order.ID).Status; got != models.OrderStatusCancelled {
		t.Fatalf("order = %s", got)
	}
}

func TestSubmitCall_RetryWhileInFlightIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, call := h.placeOrder(t)

	var (
		tried    bool
		retryErr error
	)
	h.term.OnSubmit = func(terminal.Operation) {
		if tried {
			return
		}
		tried = true
		h.clock.Advance(5 * time.Second)
		_, retryErr = h.gw.RetryCall(ctx, h.buyer, key(), call.ID)
	}
	h.runJobs(t)

	if !tried || !errors.Is(retryErr, apperror.ErrRetryNotEligible) {
		t.Fatalf("retry during submission: tried=%v err=%v", tried, retryErr)
	}
	c := h.mustStatus(t, call.ID, models.CallStatusProcessing)
	if c.AttemptCount != 1 {
		t.Errorf("attempt = %d", c.AttemptCount)
	}
	if refs := h.term.References(); len(refs) != 1 || refs[0] != call.ExternalRef {
		t.Fatalf("create references = %v, want only %s", refs, call.ExternalRef)
	}
}

func TestSubmitCall_CancelWhileInFlightWaitsForRail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, call := h.placeOrder(t)

	var swept int
	h.term.OnSubmit = func(terminal.Operation) {
		if _, err := h.gw.CancelOrder(ctx, h.buyer, key(), order.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
		swept = h.sweep(t)
	}
	h.runJobs(t)

	if swept != 0 {
		t.Fatalf("sweep picked up %d claimed calls", swept)
	}
	c := h.mustStatus(t, call.ID, models.CallStatusProcessing)
	if !c.DirectivePending() {
		t.Fatal("cancel must wait for the in-flight create")
	}

	h.term.SetStatus(c.ExternalRef, "LOCKED", "")
	h.sweep(t)
	h.runJobs(t)
	if len(h.term.Cancelled) != 1 || h.term.Cancelled[0] != call.ExternalRef {
		t.Fatalf("terminal cancels = %v", h.term.Cancelled)
	}
	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusRefunded)
	if got := h.orders.Get(order.ID).Status; got != models.OrderStatusCancelled {
		t.Fatalf("order = %s", got)
	}
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

func TestPoll_RepeatedObservationIsNoOp(t *testing.T) {
	h := newHarness(t)
	_, call := h.placeOrder(t)
	h.runJobs(t)
	ref := h.calls.Get(call.ID).ExternalRef
	h.term.SetStatus(ref, "LOCKED", "")
	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusLocked)

	entries := len(h.history.CallStatuses(call.ID))
	notifications := h.enqueued(jobs.NotifyUserArgs{}.Kind())
	for i := 0; i < 3; i++ {
		h.clock.Advance(8 * time.Second)
		h.sweep(t)
	}
	if got := len(h.history.CallStatuses(call.ID)); got != entries {
		t.Errorf("history grew from %d to %d", entries, got)
	}
	if got := h.enqueued(jobs.NotifyUserArgs{}.Kind()); got != notifications {
		t.Errorf("notifications grew from %d to %d", notifications, got)
	}
}

func TestPoll_NeverRegresses(t *testing.T) {
	h := newHarness(t)
	_, call := h.placeOrder(t)
	h.runJobs(t)
	ref := h.calls.Get(call.ID).ExternalRef
	h.term.SetStatus(ref, "LOCKED", "")
	h.sweep(t)

	h.term.SetStatus(ref, "PROCESSING", "")
	h.clock.Advance(8 * time.Second)
	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusLocked)
}

func TestPoll_TransientFailuresBackOff(t *testing.T) {
	h := newHarness(t)
	_, call := h.placeOrder(t)
	h.runJobs(t)
	h.term.StatusErrs = []error{terminal.ErrUnavailable, terminal.ErrTimeout, terminal.ErrUnavailable}

	for n := 1; n <= 3; n++ {
		h.sweep(t)
		c := h.mustStatus(t, call.ID, models.CallStatusProcessing)
		if c.PollFailures != n {
			t.Fatalf("poll failures = %d, want %d", c.PollFailures, n)
		}
		if got, want := c.NextPollAt.Sub(h.clock.Now()), h.poller.PollDelay(n); got != want {
			t.Fatalf("next poll in %s, want %s", got, want)
		}
		h.clock.Advance(h.poller.PollDelay(n))
	}

	h.sweep(t)
	if c := h.calls.Get(call.ID); c.PollFailures != 0 {
		t.Fatalf("successful poll must reset failures, got %d", c.PollFailures)
	}
}

func TestPollDelay_GrowsAndCaps(t *testing.T) {
	p := NewPoller(nil, nil, nil, nil, nil, nil, nil, Config{Interval: 8 * time.Second, MaxInterval: time.Minute})
	cases := map[int]time.Duration{
		0:  8 * time.Second,
		1:  16 * time.Second,
		2:  32 * time.Second,
		3:  time.Minute,
		10: time.Minute,
	}
	for n, want := range cases {
		if got := p.PollDelay(n); got != want {
			t.Errorf("PollDelay(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestPoll_NotFoundFailsAfterGrace(t *testing.T) {
	h := newHarness(t)
	_, call := h.placeOrder(t)
	// A timed-out submission leaves the reference unknown to the rail.
	h.term.SubmitErrs = []error{terminal.ErrTimeout}
	h.runJobs(t)

	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusProcessing)

	h.clock.Advance(3 * time.Minute)
	h.sweep(t)
	c := h.mustStatus(t, call.ID, models.CallStatusFailed)
	if c.LastError != "not found on settlement rail" {
		t.Errorf("last error = %q", c.LastError)
	}
}

func TestSendDirective_TransientFailureKeepsDirectivePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, call := h.placeOrder(t)
	h.runJobs(t)
	h.term.SetStatus(h.calls.Get(call.ID).ExternalRef, "LOCKED", "")
	h.sweep(t)

	h.term.CancelErrs = []error{terminal.ErrUnavailable}
	if _, err := h.gw.CancelOrder(ctx, h.buyer, key(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.runJobs(t)
	c := h.calls.Get(call.ID)
	if !c.DirectivePending() || c.PollFailures != 1 {
		t.Fatalf("directive pending=%v failures=%d", c.DirectivePending(), c.PollFailures)
	}

	h.clock.Advance(h.poller.PollDelay(1))
	h.sweep(t)
	if c := h.calls.Get(call.ID); c.DirectivePending() {
		t.Fatal("sweep must resend the directive")
	}
	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusRefunded)
}

func TestSendDirective_CancelOfCallUnknownToRailCompensatesLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, call := h.placeOrder(t)
	h.term.SubmitErrs = []error{terminal.ErrTimeout}
	h.runJobs(t)
	h.clock.Advance(3 * time.Minute)
	h.sweep(t)
	h.mustStatus(t, call.ID, models.CallStatusFailed)

	if _, err := h.gw.CancelOrder(ctx, h.buyer, key(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.mustStatus(t, call.ID, models.CallStatusFailed)
	h.runJobs(t)

	if len(h.term.Cancelled) != 1 {
		t.Fatalf("rail must be asked before a local refund, cancels = %v", h.term.Cancelled)
	}
	h.mustStatus(t, call.ID, models.CallStatusRefunded)
	if got := h.orders.Get(order.ID).Status; got != models.OrderStatusCancelled {
		t.Fatalf("order = %s", got)
	}
}
