package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/jobs"
	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/notify"
	"github.com/inaiurai/settlement/internal/testutil"
)

// ---------------------------------------------------------------------------
// Test environment
// ---------------------------------------------------------------------------

type env struct {
	gw         *Gateway
	ledger     *ledger.Service
	settlement *Settlement
	locker     *ledger.Locker
	orders     *testutil.Orders
	calls      *testutil.Calls
	history    *testutil.History
	idem       *testutil.Idempotency
	jobs       *testutil.Enqueuer
	term       *testutil.Terminal
	clock      *testutil.Clock
	buyer      models.Session
	seller     models.Session
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		orders:  testutil.NewOrders(),
		calls:   testutil.NewCalls(),
		history: testutil.NewHistory(),
		idem:    testutil.NewIdempotency(),
		jobs:    &testutil.Enqueuer{},
		term:    testutil.NewTerminal(),
		clock:   testutil.NewClock(),
		buyer:   models.Session{UserID: uuid.New()},
		seller:  models.Session{UserID: uuid.New()},
	}
	b := ledger.DefaultBackoff()
	b.Jitter = 0
	e.ledger = ledger.NewService(e.calls, e.history, e.jobs, e.term, b, nil, logger)
	e.ledger.SetClock(e.clock.Now)
	e.locker = ledger.NewLocker(testutil.Pool{}, e.orders)
	notifier := notify.NewNotifier(e.jobs)
	e.settlement = NewSettlement(e.orders, e.ledger, notifier, logger)
	e.gw = NewGateway(GatewayDeps{
		Pool:        testutil.Pool{},
		Locker:      e.locker,
		Orders:      e.orders,
		Calls:       e.calls,
		Ledger:      e.ledger,
		Settlement:  e.settlement,
		Idempotency: e.idem,
		Notifier:    notifier,
		Logger:      logger,
	})
	e.gw.SetClock(e.clock.Now)
	return e
}

func (e *env) placeOrder(t *testing.T, green bool) (*models.Order, *models.Call) {
	t.Helper()
	res, err := e.gw.PlaceOrder(context.Background(), e.buyer, uuid.NewString(), PlaceOrderRequest{
		SellerID:        e.seller.UserID,
		Items:           []PlaceOrderItem{{ProductID: "p1", Quantity: 2, UnitPrice: "12.5"}},
		ShippingAddress: "1 Main St",
		GreenFlag:       green,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return res.Order, res.Call
}

// observe applies a rail status to the call the way the poller does.
func (e *env) observe(t *testing.T, callID uuid.UUID, status models.CallStatus) {
	t.Helper()
	pre := e.calls.Get(callID)
	err := e.locker.InOrderTx(context.Background(), pre.OrderID, func(tx pgx.Tx, order *models.Order) error {
		call, err := e.calls.GetByIDForUpdate(context.Background(), tx, callID)
		if err != nil {
			return err
		}
		changed, err := e.ledger.Apply(context.Background(), tx, call, ledger.Observation{Status: status}, nil, "")
		if err != nil || !changed {
			return err
		}
		return e.settlement.AfterCallChange(context.Background(), tx, order, call)
	})
	if err != nil {
		t.Fatalf("observe %s: %v", status, err)
	}
}

func (e *env) lockEscrow(t *testing.T, callID uuid.UUID) {
	t.Helper()
	e.observe(t, callID, models.CallStatusProcessing)
	e.observe(t, callID, models.CallStatusLocked)
}

// ---------------------------------------------------------------------------
// PlaceOrder
// ---------------------------------------------------------------------------

func TestPlaceOrder_CreatesOrderAndQueuedCall(t *testing.T) {
	e := newEnv(t)
	order, call := e.placeOrder(t, false)

	if order.Status != models.OrderStatusPending || order.TotalAmount != 25_000_000 {
		t.Errorf("order = %s/%d", order.Status, order.TotalAmount)
	}
	if order.CurrentCallID == nil || *order.CurrentCallID != call.ID {
		t.Error("order must reference its call")
	}
	if stored := e.calls.Get(call.ID); stored.Status != models.CallStatusQueued {
		t.Errorf("call status = %s", stored.Status)
	}
	if n := e.jobs.Count(jobs.SubmitCallArgs{}.Kind()); n != 1 {
		t.Errorf("submit jobs = %d", n)
	}
	if n := e.jobs.Count(jobs.NotifyUserArgs{}.Kind()); n != 1 {
		t.Errorf("notify jobs = %d", n)
	}
}

func TestPlaceOrder_IdempotentReplay(t *testing.T) {
	e := newEnv(t)
	req := PlaceOrderRequest{
		SellerID:        e.seller.UserID,
		Items:           []PlaceOrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: "3"}},
		ShippingAddress: "addr",
	}
	first, err := e.gw.PlaceOrder(context.Background(), e.buyer, "key-1", req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.gw.PlaceOrder(context.Background(), e.buyer, "key-1", req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Order.ID != second.Order.ID || first.Call.ID != second.Call.ID {
		t.Error("replay must return the original response")
	}
	if e.orders.Len() != 1 {
		t.Errorf("orders = %d, want 1", e.orders.Len())
	}
	if n := e.jobs.Count(jobs.SubmitCallArgs{}.Kind()); n != 1 {
		t.Errorf("submit jobs = %d, want exactly one settlement operation", n)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	e := newEnv(t)
	tests := []PlaceOrderRequest{
		{SellerID: e.buyer.UserID, Items: []PlaceOrderItem{{ProductID: "p", Quantity: 1, UnitPrice: "1"}}, ShippingAddress: "a"},
		{SellerID: e.seller.UserID, Items: []PlaceOrderItem{{ProductID: "p", Quantity: 1, UnitPrice: "abc"}}, ShippingAddress: "a"},
		{SellerID: e.seller.UserID, Items: []PlaceOrderItem{{ProductID: "p", Quantity: 1, UnitPrice: "0"}}, ShippingAddress: "a"},
		{SellerID: e.seller.UserID, ShippingAddress: "a"},
		{SellerID: e.seller.UserID, Items: []PlaceOrderItem{{ProductID: "p", Quantity: 1, UnitPrice: "1"}}},
	}
	for i, req := range tests {
		if _, err := e.gw.PlaceOrder(context.Background(), e.buyer, "", req); !errors.Is(err, apperror.ErrInvalidInput) {
			t.Errorf("case %d: err = %v, want invalid input", i, err)
		}
	}
	if e.orders.Len() != 0 {
		t.Error("rejected requests must not create orders")
	}
}

// ---------------------------------------------------------------------------
// Confirmation
// ---------------------------------------------------------------------------

func TestConfirmAsSeller_FailedCallIsEscrowNotReady(t *testing.T) {
	e := newEnv(t)
	order, call := e.placeOrder(t, false)
	e.observe(t, call.ID, models.CallStatusProcessing)
	e.observe(t, call.ID, models.CallStatusFailed)

	historyBefore, _ := e.history.ListByOrder(context.Background(), order.ID)
	jobsBefore := len(e.jobs.Jobs())

	_, err := e.gw.ConfirmAsSeller(context.Background(), e.seller, "k", order.ID)
	if !errors.Is(err, apperror.ErrEscrowNotReady) {
		t.Fatalf("err = %v, want EscrowNotReady", err)
	}
	if got := e.orders.Get(order.ID); got.Status != models.OrderStatusPending || got.SellerConfirmedAt != nil {
		t.Error("order must not be mutated")
	}
	if got := e.calls.Get(call.ID); got.Status != models.CallStatusFailed || got.Directive != models.DirectiveNone {
		t.Error("call must not be mutated")
	}
	historyAfter, _ := e.history.ListByOrder(context.Background(), order.ID)
	if len(historyAfter) != len(historyBefore) || len(e.jobs.Jobs()) != jobsBefore {
		t.Error("no history or jobs on a rejected action")
	}
	if e.idem.Len() != 1 {
		t.Error("rejections must not be stored for replay")
	}
}

func TestConfirm_BothPartiesCompleteWithRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	order, call := e.placeOrder(t, false)
	e.lockEscrow(t, call.ID)

	res, err := e.gw.ConfirmAsSeller(ctx, e.seller, "s1", order.ID)
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if res.OrderStatus != models.OrderStatusSellerConfirmed || res.ViewState != ViewAwaitingCounterpart {
		t.Errorf("result = %+v", res)
	}

	e.jobs.Drain()
	res, err = e.gw.ConfirmAsBuyer(ctx, e.buyer, "b1", order.ID, false)
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if res.OrderStatus != models.OrderStatusCompleted || res.Directive != models.DirectiveRelease {
		t.Errorf("result = %+v", res)
	}
	if n := e.jobs.Count(jobs.SendDirectiveArgs{}.Kind()); n != 1 {
		t.Errorf("send_directive jobs = %d, want 1", n)
	}
	if got := e.calls.Get(call.ID); got.Directive != models.DirectiveRelease || got.Status != models.CallStatusLocked {
		t.Errorf("call = %s/%s", got.Status, got.Directive)
	}
}

func TestConfirm_IdempotentReplay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	order, call := e.placeOrder(t, false)
	e.lockEscrow(t, call.ID)

	first, err := e.gw.ConfirmAsSeller(ctx, e.seller, "same", order.ID)
	if err != nil {
		t.Fatal(err)
	}
	historyLen := len(mustHistory(t, e, order.ID))

	again, err := e.gw.ConfirmAsSeller(ctx, e.seller, "same", order.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.OrderStatus != first.OrderStatus || again.ViewState != first.ViewState || *again.CallID != *first.CallID {
		t.Errorf("replay = %+v, want %+v", again, first)
	}
	if len(mustHistory(t, e, order.ID)) != historyLen {
		t.Error("replay must not append history")
	}

	if _, err := e.gw.ConfirmAsSeller(ctx, e.seller, "other", order.ID); !errors.Is(err, apperror.ErrAlreadyConfirmed) {
		t.Errorf("new key err = %v, want AlreadyConfirmed", err)
	}
}

func TestConfirmAsBuyer_GreenApproval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	order, call := e.placeOrder(t, true)
	e.lockEscrow(t, call.ID)

	if _, err := e.gw.ConfirmAsBuyer(ctx, e.buyer, "g1", order.ID, false); !errors.Is(err, apperror.ErrGreenApprovalRequired) {
		t.Fatalf("err = %v, want GreenApprovalRequired", err)
	}
	if _, err := e.gw.ConfirmAsBuyer(ctx, e.buyer, "g2", order.ID, true); err != nil {
		t.Fatalf("approved confirm: %v", err)
	}
	if got := e.orders.Get(order.ID); !got.GreenConfirmed || got.Status != models.OrderStatusBuyerConfirmed {
		t.Errorf("order = %+v", got)
	}
}

func TestConfirm_WrongRole(t *testing.T) {
	e := newEnv(t)
	order, call := e.placeOrder(t, false)
	e.lockEscrow(t, call.ID)

	if _, err := e.gw.ConfirmAsSeller(context.Background(), e.buyer, "x", order.ID); !errors.Is(err, apperror.ErrInvalidRole) {
		t.Errorf("buyer as seller err = %v", err)
	}
	stranger := models.Session{UserID: uuid.New()}
	if _, err := e.gw.ConfirmAsBuyer(context.Background(), stranger, "y", order.ID, false); !errors.Is(err, apperror.ErrInvalidRole) {
		t.Errorf("stranger err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancel_FailedNeverSubmittedIsCompensatedLocally(t *testing.T) {
	e := newEnv(t)
	order, call := e.placeOrder(t, false)
	e.observe(t, call.ID, models.CallStatusFailed)

	res, err := e.gw.CancelOrder(context.Background(), e.buyer, "c1", order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if res.OrderStatus != models.OrderStatusCancelled || res.CallStatus != models.CallStatusRefunded {
		t.Errorf("result = %+v", res)
	}
	if len(e.term.Cancelled) != 0 {
		t.Error("no terminal cancel for a call that never reached the rail")
	}
}

func TestCancel_LockedSchedulesCompensation(t *testing.T) {
	e := newEnv(t)
	order, call := e.placeOrder(t, false)
	e.lockEscrow(t, call.ID)
	e.jobs.Drain()

	res, err := e.gw.CancelOrder(context.Background(), e.seller, "c1", order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if res.OrderStatus != models.OrderStatusPending || res.Directive != models.DirectiveCancel || res.ViewState != ViewCancelling {
		t.Errorf("result = %+v", res)
	}
	if n := e.jobs.Count(jobs.SendDirectiveArgs{}.Kind()); n != 1 {
		t.Errorf("send_directive jobs = %d", n)
	}
	if _, err := e.gw.CancelOrder(context.Background(), e.buyer, "c2", order.ID); !errors.Is(err, apperror.ErrCancelAlreadyRequested) {
		t.Errorf("second cancel err = %v", err)
	}
}

func TestCancel_InFlightWaits(t *testing.T) {
	e := newEnv(t)
	order, call := e.placeOrder(t, false)
	e.observe(t, call.ID, models.CallStatusProcessing)
	e.jobs.Drain()

	if _, err := e.gw.CancelOrder(context.Background(), e.buyer, "c1", order.ID); err != nil {
		t.Fatal(err)
	}
	if n := e.jobs.Count(jobs.SendDirectiveArgs{}.Kind()); n != 0 {
		t.Error("in-flight calls are not aborted")
	}
	e.observe(t, call.ID, models.CallStatusLocked)
	if n := e.jobs.Count(jobs.SendDirectiveArgs{}.Kind()); n != 1 {
		t.Errorf("cancel should be scheduled once funds lock, got %d jobs", n)
	}
}

func TestCancel_NotPermittedAfterConfirmation(t *testing.T) {
	e := newEnv(t)
	order, call := e.placeOrder(t, false)
	e.lockEscrow(t, call.ID)
	if _, err := e.gw.ConfirmAsSeller(context.Background(), e.seller, "s", order.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.gw.CancelOrder(context.Background(), e.buyer, "c", order.ID); !errors.Is(err, apperror.ErrCancelNotPermitted) {
		t.Errorf("err = %v, want CancelNotPermitted", err)
	}
}

// ---------------------------------------------------------------------------
// Retry, verify, snapshot
// ---------------------------------------------------------------------------

func TestRetryCall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	order, call := e.placeOrder(t, false)
	e.observe(t, call.ID, models.CallStatusProcessing)
	e.observe(t, call.ID, models.CallStatusFailed)

	if _, err := e.gw.RetryCall(ctx, e.seller, "r0", call.ID); !errors.Is(err, apperror.ErrInvalidRole) {
		t.Errorf("seller retry err = %v", err)
	}
	if _, err := e.gw.RetryCall(ctx, e.buyer, "r1", call.ID); !errors.Is(err, apperror.ErrRetryNotEligible) {
		t.Errorf("early retry err = %v", err)
	}
	e.clock.Advance(time.Minute)
	res, err := e.gw.RetryCall(ctx, e.buyer, "r2", call.ID)
	if err != nil {
		t.Fatalf("RetryCall: %v", err)
	}
	if res.CallStatus != models.CallStatusQueued || res.AttemptCount != 2 || res.OrderID != order.ID {
		t.Errorf("result = %+v", res)
	}
	if _, err := e.gw.RetryCall(ctx, models.Session{UserID: uuid.New()}, "r3", call.ID); !errors.Is(err, apperror.ErrCallNotFound) {
		t.Errorf("stranger retry err = %v", err)
	}
}

func TestVerifyCall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, call := e.placeOrder(t, false)

	if _, err := e.gw.VerifyCall(ctx, e.buyer, call.ID); !errors.Is(err, apperror.ErrTxHashUnavailable) {
		t.Fatalf("err = %v, want TxHashUnavailable", err)
	}

	hash := "0x" + strings.Repeat("1f", 32)
	err := e.locker.InOrderTx(ctx, call.OrderID, func(tx pgx.Tx, _ *models.Order) error {
		c, _ := e.calls.GetByIDForUpdate(ctx, tx, call.ID)
		_, err := e.ledger.Apply(ctx, tx, c, ledger.Observation{Status: models.CallStatusProcessing, TxHash: hash}, nil, "")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	e.term.Verifications[hash] = terminalVerification(true, "included in block 42")

	res, err := e.gw.VerifyCall(ctx, e.seller, call.ID)
	if err != nil {
		t.Fatalf("VerifyCall: %v", err)
	}
	if !res.Verified || res.TxHash != hash {
		t.Errorf("result = %+v", res)
	}
	if _, err := e.gw.VerifyCall(ctx, models.Session{UserID: uuid.New()}, call.ID); !errors.Is(err, apperror.ErrCallNotFound) {
		t.Errorf("stranger err = %v", err)
	}
}

func TestGetOrder_Snapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	order, call := e.placeOrder(t, false)
	e.lockEscrow(t, call.ID)

	snap, err := e.gw.GetOrder(ctx, e.seller, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Role != models.RoleSeller || snap.Call == nil || snap.Call.Status != models.CallStatusLocked {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.ViewState != ViewAwaitingCounterpart {
		t.Errorf("view = %s", snap.ViewState)
	}
	if len(snap.History) < 3 {
		t.Errorf("history entries = %d", len(snap.History))
	}
	found := false
	for _, a := range snap.AllowedActions {
		if a == ActionConfirmSeller {
			found = true
		}
	}
	if !found {
		t.Errorf("allowed = %v", snap.AllowedActions)
	}

	if _, err := e.gw.GetOrder(ctx, models.Session{UserID: uuid.New()}, order.ID); !errors.Is(err, apperror.ErrOrderNotFound) {
		t.Errorf("stranger err = %v", err)
	}
}

func TestListOrders(t *testing.T) {
	e := newEnv(t)
	e.placeOrder(t, false)
	e.clock.Advance(time.Second)
	e.placeOrder(t, false)

	got, err := e.gw.ListOrders(context.Background(), e.seller, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("ListOrders = %d, %v", len(got), err)
	}
	none, _ := e.gw.ListOrders(context.Background(), models.Session{UserID: uuid.New()}, 10)
	if len(none) != 0 {
		t.Error("strangers see no orders")
	}
}

func mustHistory(t *testing.T, e *env, orderID uuid.UUID) []models.HistoryEntry {
	t.Helper()
	h, err := e.history.ListByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatal(err)
	}
	return h
}
