// Package notify delivers best-effort user alerts. Delivery runs in a River
// worker; failures are logged and never affect order state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/settlement/internal/jobs"
)

const (
	EventOrderPlaced          = "order_placed"
	EventCounterpartConfirmed = "counterpart_confirmed"
	EventEscrowFunded         = "escrow_funded"
	EventRetryAvailable       = "retry_available"
	EventContactSupport       = "contact_support"
	EventOrderCompleted       = "order_completed"
	EventFundsReleased        = "funds_released"
	EventCancelRequested      = "cancel_requested"
	EventOrderCancelled       = "order_cancelled"
)

type Notification struct {
	UserID  uuid.UUID `json:"user_id"`
	OrderID uuid.UUID `json:"order_id"`
	Event   string    `json:"event"`
	Message string    `json:"message"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Notifier schedules notifications in the caller's transaction.
type Notifier struct {
	enqueue jobs.Enqueuer
}

func NewNotifier(e jobs.Enqueuer) *Notifier {
	return &Notifier{enqueue: e}
}

func (n *Notifier) Send(ctx context.Context, tx pgx.Tx, userID, orderID uuid.UUID, event, message string) error {
	if userID == uuid.Nil {
		return nil
	}
	err := n.enqueue.Enqueue(ctx, tx, jobs.NotifyUserArgs{
		UserID:  userID,
		OrderID: orderID,
		Event:   event,
		Message: message,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, n Notification) error {
	s.Logger.InfoContext(ctx, "notification",
		"user_id", n.UserID, "order_id", n.OrderID, "event", n.Event, "message", n.Message)
	return nil
}

// WebhookSink posts notifications as JSON to a single endpoint.
type WebhookSink struct {
	URL        string
	HTTPClient *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{URL: url, HTTPClient: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
