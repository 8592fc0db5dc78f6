package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/notify"
)

type OrderWriter interface {
	Update(ctx context.Context, tx pgx.Tx, o *models.Order) error
}

// Settlement propagates call status changes to the order and its parties.
// Every method runs inside the order's locked transaction.
type Settlement struct {
	orders   OrderWriter
	ledger   *ledger.Service
	notifier *notify.Notifier
	logger   *slog.Logger
}

func NewSettlement(orders OrderWriter, l *ledger.Service, n *notify.Notifier, logger *slog.Logger) *Settlement {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settlement{orders: orders, ledger: l, notifier: n, logger: logger}
}

// AfterCallChange reacts to call having just reached its current status.
func (s *Settlement) AfterCallChange(ctx context.Context, tx pgx.Tx, order *models.Order, call *models.Call) error {
	switch call.Status {
	case models.CallStatusLocked:
		if err := s.notifyParties(ctx, tx, order, notify.EventEscrowFunded, "Payment is held in escrow."); err != nil {
			return err
		}
		return s.ledger.ScheduleDirective(ctx, tx, call)

	case models.CallStatusFailed:
		if call.Directive == models.DirectiveCancel {
			if !call.MaybeOnRail() {
				return s.CompensateLocally(ctx, tx, order, call, nil)
			}
			return s.ledger.ScheduleDirective(ctx, tx, call)
		}
		if s.ledger.Backoff().Exhausted(call.AttemptCount) {
			return s.notifier.Send(ctx, tx, order.BuyerID, order.ID, notify.EventContactSupport,
				"Escrow funding failed and the retry budget is used up. Cancel the order or contact support.")
		}
		return s.notifier.Send(ctx, tx, order.BuyerID, order.ID, notify.EventRetryAvailable,
			"Escrow funding failed. You can retry the payment.")

	case models.CallStatusDisputed:
		s.logger.Warn("settlement disputed", "order_id", order.ID, "call_id", call.ID)
		return s.notifyParties(ctx, tx, order, notify.EventContactSupport, "Settlement is disputed. Contact support.")

	case models.CallStatusReleased:
		if order.Status != models.OrderStatusCompleted {
			// Release is only ever requested after both confirmations.
			s.logger.Warn("call released for an order that is not completed",
				"order_id", order.ID, "call_id", call.ID, "order_status", order.Status)
		}
		return s.notify(ctx, tx, order.SellerID, order, notify.EventFundsReleased, "Escrow funds were released to you.")

	case models.CallStatusRefunded:
		next, changed := OrderStatusAfterCall(order.Status, call.Status)
		if !changed {
			return nil
		}
		from := order.Status
		order.Status = next
		order.UpdatedAt = call.UpdatedAt
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := s.ledger.RecordOrderTransition(ctx, tx, order, from, nil, "escrow refunded"); err != nil {
			return err
		}
		return s.notifyParties(ctx, tx, order, notify.EventOrderCancelled, "The order was cancelled and the escrow refunded.")
	}
	return nil
}

// CompensateLocally refunds a FAILED call the rail holds nothing for and
// cancels the order.
func (s *Settlement) CompensateLocally(ctx context.Context, tx pgx.Tx, order *models.Order, call *models.Call, actor *uuid.UUID) error {
	changed, err := s.ledger.CompensateLocally(ctx, tx, call, actor)
	if err != nil || !changed {
		return err
	}
	return s.AfterCallChange(ctx, tx, order, call)
}

func (s *Settlement) notifyParties(ctx context.Context, tx pgx.Tx, order *models.Order, event, msg string) error {
	if err := s.notify(ctx, tx, order.BuyerID, order, event, msg); err != nil {
		return err
	}
	return s.notify(ctx, tx, order.SellerID, order, event, msg)
}

func (s *Settlement) notify(ctx context.Context, tx pgx.Tx, userID uuid.UUID, order *models.Order, event, msg string) error {
	return s.notifier.Send(ctx, tx, userID, order.ID, event, msg)
}
