package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/models"
)

const maxOrderBody = 1 << 20

// LimitLookup returns the buyer's configured spend limits.
type LimitLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// SpendLookup sums what the buyer has committed to orders since a moment.
type SpendLookup interface {
	SpentSince(ctx context.Context, buyerID uuid.UUID, since time.Time) (int64, error)
}

type orderPeek struct {
	Items []struct {
		Quantity  int    `json:"quantity"`
		UnitPrice string `json:"unit_price"`
	} `json:"items"`
}

// OrderLimits enforces the buyer's per-order and per-day spend limits on
// order placement. The body is read once and restored for the handler.
// Bodies it cannot price are passed through to the handler's validation.
func OrderLimits(users LimitLookup, spend SpendLookup, decimals int32, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromCtx(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxOrderBody))
			r.Body.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_input", "failed to read body")
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			total, ok := priceOrder(bodyBytes, decimals)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.GetByID(r.Context(), sess.UserID)
			if err != nil {
				logger.Error("load spend limits", "user_id", sess.UserID, "error", err)
				writeError(w, http.StatusInternalServerError, "internal", "failed to check spend limits")
				return
			}

			if user.MaxOrderAmount != nil && total > *user.MaxOrderAmount {
				writeError(w, http.StatusForbidden, "limit_exceeded",
					fmt.Sprintf("order total %d exceeds per-order limit %d", total, *user.MaxOrderAmount))
				return
			}

			if user.MaxDailyAmount != nil {
				now := time.Now().UTC()
				midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
				spent, err := spend.SpentSince(r.Context(), sess.UserID, midnight)
				if err != nil {
					logger.Error("load daily spend", "user_id", sess.UserID, "error", err)
					writeError(w, http.StatusInternalServerError, "internal", "failed to check daily spend")
					return
				}
				if spent+total > *user.MaxDailyAmount {
					writeError(w, http.StatusForbidden, "limit_exceeded",
						fmt.Sprintf("daily spend %d + order %d exceeds daily limit %d", spent, total, *user.MaxDailyAmount))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func priceOrder(body []byte, decimals int32) (int64, bool) {
	var peek orderPeek
	if err := json.Unmarshal(body, &peek); err != nil || len(peek.Items) == 0 {
		return 0, false
	}
	items := make([]models.LineItem, 0, len(peek.Items))
	for _, it := range peek.Items {
		price, err := models.ToSmallestUnit(it.UnitPrice, decimals)
		if err != nil {
			return 0, false
		}
		items = append(items, models.LineItem{Quantity: it.Quantity, UnitPrice: price})
	}
	total, err := models.OrderTotal(items)
	if err != nil {
		return 0, false
	}
	return total, true
}
