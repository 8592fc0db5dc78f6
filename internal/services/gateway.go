package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/metrics"
	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/notify"
)

// OrderStore is the order persistence the gateway needs.
type OrderStore interface {
	Create(ctx context.Context, tx pgx.Tx, o *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	Update(ctx context.Context, tx pgx.Tx, o *models.Order) error
	ListByParticipant(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error)
}

// IdempotencyStore keeps the first response per (scope, key). Get returns
// nil when no record exists; Insert returns apperror.ErrIdempotencyInProgress
// on a duplicate.
type IdempotencyStore interface {
	Get(ctx context.Context, tx pgx.Tx, scope, key string) (*models.IdempotencyRecord, error)
	Insert(ctx context.Context, tx pgx.Tx, rec *models.IdempotencyRecord) error
}

type PlaceOrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type PlaceOrderRequest struct {
	SellerID        uuid.UUID        `json:"seller_id"`
	Items           []PlaceOrderItem `json:"items"`
	ShippingAddress string           `json:"shipping_address"`
	GreenFlag       bool             `json:"green_flag"`
}

type PlaceOrderResult struct {
	Order *models.Order `json:"order"`
	Call  *models.Call  `json:"call"`
}

// ActionResult is the acknowledged state after a user action.
type ActionResult struct {
	OrderID      uuid.UUID            `json:"order_id"`
	OrderStatus  models.OrderStatus   `json:"order_status"`
	CallID       *uuid.UUID           `json:"call_id,omitempty"`
	CallStatus   models.CallStatus    `json:"call_status,omitempty"`
	Directive    models.CallDirective `json:"directive,omitempty"`
	AttemptCount int                  `json:"attempt_count,omitempty"`
	ViewState    string               `json:"view_state"`
}

// OrderSnapshot is the read model for one order.
type OrderSnapshot struct {
	Order          *models.Order         `json:"order"`
	Call           *models.Call          `json:"call,omitempty"`
	History        []models.HistoryEntry `json:"history"`
	Role           models.Role           `json:"role"`
	AllowedActions []Action              `json:"allowed_actions"`
	ViewState      string                `json:"view_state"`
}

type VerifyResult struct {
	CallID   uuid.UUID `json:"call_id"`
	TxHash   string    `json:"tx_hash"`
	Verified bool      `json:"verified"`
	Message  string    `json:"message"`
}

type GatewayDeps struct {
	Pool        ledger.TxBeginner
	Locker      *ledger.Locker
	Orders      OrderStore
	Calls       ledger.CallStore
	Ledger      *ledger.Service
	Settlement  *Settlement
	Idempotency IdempotencyStore
	Notifier    *notify.Notifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Currency    string
	Decimals    int32
}

// Gateway is the only entry point for user-triggered transitions. Each
// action runs under the order lock: read order and call, evaluate the guard,
// mutate, record history, enqueue follow-up work, store the idempotent
// response and commit. Network calls happen later in workers.
type Gateway struct {
	pool        ledger.TxBeginner
	locker      *ledger.Locker
	orders      OrderStore
	calls       ledger.CallStore
	ledger      *ledger.Service
	settlement  *Settlement
	idempotency IdempotencyStore
	notifier    *notify.Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	currency    string
	decimals    int32
	now         func() time.Time
}

func NewGateway(d GatewayDeps) *Gateway {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	currency := d.Currency
	if currency == "" {
		currency = "USDC"
	}
	decimals := d.Decimals
	if decimals <= 0 {
		decimals = models.DefaultCurrencyDecimals
	}
	return &Gateway{
		pool:        d.Pool,
		locker:      d.Locker,
		orders:      d.Orders,
		calls:       d.Calls,
		ledger:      d.Ledger,
		settlement:  d.Settlement,
		idempotency: d.Idempotency,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		logger:      logger,
		currency:    currency,
		decimals:    decimals,
		now:         time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

func invalid(msg string) error {
	return apperror.New(apperror.KindValidation, apperror.ErrInvalidInput.Code, msg)
}

// PlaceOrder creates a Pending order for the caller as buyer together with
// its escrow call in QUEUED, in one transaction.
func (g *Gateway) PlaceOrder(ctx context.Context, sess models.Session, key string, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if req.SellerID == uuid.Nil {
		return nil, invalid("seller_id is required")
	}
	if req.SellerID == sess.UserID {
		return nil, invalid("cannot buy from yourself")
	}
	if strings.TrimSpace(req.ShippingAddress) == "" {
		return nil, invalid("shipping_address is required")
	}
	if len(req.Items) == 0 {
		return nil, invalid("at least one item is required")
	}
	items := make([]models.LineItem, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, invalid("product_id is required")
		}
		price, err := models.ToSmallestUnit(it.UnitPrice, g.decimals)
		if err != nil {
			return nil, invalid(err.Error())
		}
		items[i] = models.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: price}
	}
	total, err := models.OrderTotal(items)
	if err != nil {
		return nil, invalid(err.Error())
	}
	if total <= 0 {
		return nil, invalid("order total must be positive")
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	scope := idempotencyScope(sess.UserID, "place_order", uuid.Nil)
	res, err := withIdempotency(ctx, g, tx, scope, key, func() (*PlaceOrderResult, error) {
		now := g.now()
		buyer := sess.UserID
		order := &models.Order{
			ID:              uuid.New(),
			Status:          models.OrderStatusPending,
			BuyerID:         buyer,
			SellerID:        req.SellerID,
			Items:           items,
			TotalAmount:     total,
			Currency:        g.currency,
			GreenFlag:       req.GreenFlag,
			ShippingAddress: strings.TrimSpace(req.ShippingAddress),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := g.orders.Create(ctx, tx, order); err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}
		if err := g.ledger.RecordOrderTransition(ctx, tx, order, "", &buyer, "order placed"); err != nil {
			return nil, err
		}
		call, err := g.ledger.Submit(ctx, tx, order, &buyer)
		if err != nil {
			return nil, err
		}
		if err := g.orders.Update(ctx, tx, order); err != nil {
			return nil, fmt.Errorf("update order: %w", err)
		}
		if err := g.notifier.Send(ctx, tx, order.SellerID, order.ID, notify.EventOrderPlaced, "You have a new order."); err != nil {
			return nil, err
		}
		return &PlaceOrderResult{Order: order, Call: call}, nil
	})
	if err == nil {
		err = tx.Commit(ctx)
	}
	g.record("place_order", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListOrders returns the caller's orders as buyer or seller, newest first.
func (g *Gateway) ListOrders(ctx context.Context, sess models.Session, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return g.orders.ListByParticipant(ctx, sess.UserID, limit)
}

// GetOrder returns the order, its current call, ledger history and what the
// caller may do next. Non-parties get ErrOrderNotFound.
func (g *Gateway) GetOrder(ctx context.Context, sess models.Session, orderID uuid.UUID) (*OrderSnapshot, error) {
	order, err := g.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	role, ok := order.RoleOf(sess.UserID)
	if !ok {
		return nil, apperror.ErrOrderNotFound
	}
	var call *models.Call
	if order.CurrentCallID != nil {
		call, err = g.calls.GetByID(ctx, *order.CurrentCallID)
		if err != nil {
			return nil, err
		}
	}
	history, err := g.ledger.History(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []models.HistoryEntry{}
	}
	return &OrderSnapshot{
		Order:          order,
		Call:           call,
		History:        history,
		Role:           role,
		AllowedActions: g.allowedActions(order, call, role),
		ViewState:      g.viewState(order, call),
	}, nil
}

func (g *Gateway) allowedActions(order *models.Order, call *models.Call, role models.Role) []Action {
	in := Input{
		OrderStatus:     order.Status,
		Role:            role,
		GreenFlag:       order.GreenFlag,
		GreenConfirmed:  order.GreenConfirmed,
		CancelRequested: order.CancelRequested,
	}
	if call != nil {
		in.CallStatus = call.Status
	}
	out := []Action{}
	for _, a := range in.AllowedActions() {
		if a == ActionRetry && (call == nil || g.ledger.CheckRetry(call) != nil) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (g *Gateway) viewState(order *models.Order, call *models.Call) string {
	exhausted := call != nil && g.ledger.Backoff().Exhausted(call.AttemptCount)
	return ViewState(order, call, exhausted)
}

func (g *Gateway) ConfirmAsSeller(ctx context.Context, sess models.Session, key string, orderID uuid.UUID) (*ActionResult, error) {
	return g.confirm(ctx, sess, key, orderID, ActionConfirmSeller, false)
}

func (g *Gateway) ConfirmAsBuyer(ctx context.Context, sess models.Session, key string, orderID uuid.UUID, greenApproval bool) (*ActionResult, error) {
	return g.confirm(ctx, sess, key, orderID, ActionConfirmBuyer, greenApproval)
}

func (g *Gateway) confirm(ctx context.Context, sess models.Session, key string, orderID uuid.UUID, action Action, greenApproval bool) (*ActionResult, error) {
	return g.act(ctx, sess, key, action, orderID, func(tx pgx.Tx, order *models.Order, call *models.Call, role models.Role) error {
		in := input(order, call, role, action)
		in.GreenApproval = greenApproval
		d, err := Decide(in)
		if err != nil {
			return err
		}

		now := g.now()
		from := order.Status
		order.Status = d.Next
		order.GreenConfirmed = d.GreenConfirmed
		if role == models.RoleSeller {
			order.SellerConfirmedAt = &now
		} else {
			order.BuyerConfirmedAt = &now
		}
		order.UpdatedAt = now
		if err := g.orders.Update(ctx, tx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		actor := sess.UserID
		if err := g.ledger.RecordOrderTransition(ctx, tx, order, from, &actor, string(action)); err != nil {
			return err
		}
		if d.Directive != models.DirectiveNone {
			if err := g.ledger.SetDirective(ctx, tx, call, d.Directive); err != nil {
				return err
			}
		}

		if order.Status == models.OrderStatusCompleted {
			return g.settlement.notifyParties(ctx, tx, order, notify.EventOrderCompleted, "Both parties confirmed. Releasing escrow.")
		}
		return g.notifier.Send(ctx, tx, order.Counterpart(role), order.ID, notify.EventCounterpartConfirmed,
			fmt.Sprintf("The %s confirmed the order.", role))
	})
}

// CancelOrder requests cancellation. The compensating terminal cancel is
// issued once the call is LOCKED or FAILED; a FAILED call that never reached
// the rail is refunded locally at once.
func (g *Gateway) CancelOrder(ctx context.Context, sess models.Session, key string, orderID uuid.UUID) (*ActionResult, error) {
	return g.act(ctx, sess, key, ActionCancel, orderID, func(tx pgx.Tx, order *models.Order, call *models.Call, role models.Role) error {
		d, err := Decide(input(order, call, role, ActionCancel))
		if err != nil {
			return err
		}
		actor := sess.UserID
		order.CancelRequested = true
		order.UpdatedAt = g.now()
		if err := g.orders.Update(ctx, tx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := g.ledger.RecordOrderTransition(ctx, tx, order, order.Status, &actor, "cancel requested"); err != nil {
			return err
		}
		if err := g.notifier.Send(ctx, tx, order.Counterpart(role), order.ID, notify.EventCancelRequested,
			fmt.Sprintf("The %s requested cancellation.", role)); err != nil {
			return err
		}

		if call == nil {
			return g.cancelWithoutCall(ctx, tx, order, &actor)
		}
		if call.Status == models.CallStatusFailed && !call.MaybeOnRail() {
			call.Directive = d.Directive
			return g.settlement.CompensateLocally(ctx, tx, order, call, &actor)
		}
		return g.ledger.SetDirective(ctx, tx, call, d.Directive)
	})
}

func (g *Gateway) cancelWithoutCall(ctx context.Context, tx pgx.Tx, order *models.Order, actor *uuid.UUID) error {
	from := order.Status
	order.Status = models.OrderStatusCancelled
	if err := g.orders.Update(ctx, tx, order); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return g.ledger.RecordOrderTransition(ctx, tx, order, from, actor, "cancelled before escrow")
}

// RetryCall starts a new attempt of a FAILED or stuck QUEUED call.
func (g *Gateway) RetryCall(ctx context.Context, sess models.Session, key string, callID uuid.UUID) (*ActionResult, error) {
	pre, err := g.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	return g.act(ctx, sess, key, ActionRetry, pre.OrderID, func(tx pgx.Tx, order *models.Order, call *models.Call, role models.Role) error {
		if _, ok := order.RoleOf(sess.UserID); !ok {
			return apperror.ErrCallNotFound
		}
		if call == nil || call.ID != callID {
			return apperror.ErrRetryNotEligible
		}
		if _, err := Decide(input(order, call, role, ActionRetry)); err != nil {
			return err
		}
		actor := sess.UserID
		return g.ledger.Retry(ctx, tx, call, &actor)
	})
}

// VerifyCall checks the call's transaction hash with the rail. Read-only.
func (g *Gateway) VerifyCall(ctx context.Context, sess models.Session, callID uuid.UUID) (*VerifyResult, error) {
	call, err := g.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	order, err := g.orders.GetByID(ctx, call.OrderID)
	if err != nil {
		return nil, err
	}
	role, ok := order.RoleOf(sess.UserID)
	if !ok {
		return nil, apperror.ErrCallNotFound
	}
	if _, err := Decide(input(order, call, role, ActionVerifyTx)); err != nil {
		return nil, err
	}
	v, err := g.ledger.VerifyTxHash(ctx, call)
	g.record(string(ActionVerifyTx), err)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{CallID: call.ID, TxHash: *call.TxHash, Verified: v.Verified, Message: v.Message}, nil
}

func input(order *models.Order, call *models.Call, role models.Role, action Action) Input {
	in := Input{
		OrderStatus:     order.Status,
		Action:          action,
		Role:            role,
		GreenFlag:       order.GreenFlag,
		GreenConfirmed:  order.GreenConfirmed,
		CancelRequested: order.CancelRequested,
	}
	if call != nil {
		in.CallStatus = call.Status
	}
	return in
}

type actionFunc func(tx pgx.Tx, order *models.Order, call *models.Call, role models.Role) error

// act runs fn under the order lock with idempotent replay and builds the
// acknowledged result from the post-mutation state.
func (g *Gateway) act(ctx context.Context, sess models.Session, key string, action Action, orderID uuid.UUID, fn actionFunc) (*ActionResult, error) {
	var result *ActionResult
	err := g.locker.InOrderTx(ctx, orderID, func(tx pgx.Tx, order *models.Order) error {
		scope := idempotencyScope(sess.UserID, string(action), orderID)
		res, err := withIdempotency(ctx, g, tx, scope, key, func() (*ActionResult, error) {
			call, err := g.currentCall(ctx, tx, order)
			if err != nil {
				return nil, err
			}
			role, _ := order.RoleOf(sess.UserID)
			if err := fn(tx, order, call, role); err != nil {
				return nil, err
			}
			return g.result(order, call), nil
		})
		result = res
		return err
	})
	g.record(string(action), err)
	if err != nil {
		g.logger.Info("action rejected", "action", action, "order_id", orderID, "user_id", sess.UserID, "error", err)
		return nil, err
	}
	return result, nil
}

func (g *Gateway) currentCall(ctx context.Context, tx pgx.Tx, order *models.Order) (*models.Call, error) {
	if order.CurrentCallID == nil {
		return nil, nil
	}
	call, err := g.calls.GetByIDForUpdate(ctx, tx, *order.CurrentCallID)
	if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}
	return call, nil
}

func (g *Gateway) result(order *models.Order, call *models.Call) *ActionResult {
	r := &ActionResult{
		OrderID:     order.ID,
		OrderStatus: order.Status,
		ViewState:   g.viewState(order, call),
	}
	if call != nil {
		id := call.ID
		r.CallID = &id
		r.CallStatus = call.Status
		r.Directive = call.Directive
		r.AttemptCount = call.AttemptCount
	}
	return r
}

func (g *Gateway) record(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperror.KindOf(err))
	}
	g.metrics.GatewayAction(action, outcome)
}

func idempotencyScope(userID uuid.UUID, action string, target uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", userID, action, target)
}

// withIdempotency replays the stored response for (scope, key) or runs fn
// and stores its result in tx. Errors are never stored, so a rejected
// request can be retried with the same key. An empty key disables replay.
func withIdempotency[T any](ctx context.Context, g *Gateway, tx pgx.Tx, scope, key string, fn func() (T, error)) (T, error) {
	var zero T
	if key == "" {
		return fn()
	}
	rec, err := g.idempotency.Get(ctx, tx, scope, key)
	if err != nil {
		return zero, fmt.Errorf("load idempotency key: %w", err)
	}
	if rec != nil {
		var replay T
		if err := json.Unmarshal(rec.Response, &replay); err != nil {
			return zero, fmt.Errorf("decode stored response: %w", err)
		}
		return replay, nil
	}
	res, err := fn()
	if err != nil {
		return zero, err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return zero, fmt.Errorf("encode response: %w", err)
	}
	err = g.idempotency.Insert(ctx, tx, &models.IdempotencyRecord{
		Scope:     scope,
		Key:       key,
		Response:  body,
		CreatedAt: g.now(),
	})
	if err != nil {
		if errors.Is(err, apperror.ErrIdempotencyInProgress) {
			return zero, err
		}
		return zero, fmt.Errorf("store idempotency key: %w", err)
	}
	return res, nil
}
