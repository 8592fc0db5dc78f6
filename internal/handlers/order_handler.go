package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/middleware"
	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/services"
)

const maxBodyBytes = 1 << 20

// OrderGateway is the action surface the handler exposes over HTTP.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, sess models.Session, key string, req services.PlaceOrderRequest) (*services.PlaceOrderResult, error)
	ListOrders(ctx context.Context, sess models.Session, limit int) ([]*models.Order, error)
	GetOrder(ctx context.Context, sess models.Session, orderID uuid.UUID) (*services.OrderSnapshot, error)
	ConfirmAsBuyer(ctx context.Context, sess models.Session, key string, orderID uuid.UUID, greenApproval bool) (*services.ActionResult, error)
	ConfirmAsSeller(ctx context.Context, sess models.Session, key string, orderID uuid.UUID) (*services.ActionResult, error)
	CancelOrder(ctx context.Context, sess models.Session, key string, orderID uuid.UUID) (*services.ActionResult, error)
	RetryCall(ctx context.Context, sess models.Session, key string, callID uuid.UUID) (*services.ActionResult, error)
	VerifyCall(ctx context.Context, sess models.Session, callID uuid.UUID) (*services.VerifyResult, error)
}

// OrderHandler serves /v1/orders and /v1/calls endpoints.
type OrderHandler struct {
	Gateway   OrderGateway
	Validator *services.Validator
	Logger    *slog.Logger
}

// --- POST /v1/orders ---

// PlaceOrder handles POST /v1/orders.
// Auth -> Limits (via middleware) -> Validate -> Gateway -> 201.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	sess, key, ok := h.actor(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r, services.SchemaPlaceOrder)
	if !ok {
		return
	}
	var req services.PlaceOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, apperror.New(apperror.KindValidation, apperror.ErrInvalidInput.Code, "invalid JSON"))
		return
	}

	res, err := h.Gateway.PlaceOrder(r.Context(), sess, key, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- GET /v1/orders ---

func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromCtx(r.Context())
	if !ok {
		h.writeError(w, r, errUnauthorized)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, apperror.New(apperror.KindValidation, apperror.ErrInvalidInput.Code, "limit must be an integer"))
			return
		}
		limit = n
	}
	orders, err := h.Gateway.ListOrders(r.Context(), sess, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// --- GET /v1/orders/{id} ---

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromCtx(r.Context())
	if !ok {
		h.writeError(w, r, errUnauthorized)
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	snap, err := h.Gateway.GetOrder(r.Context(), sess, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- POST /v1/orders/{id}/confirm?role=buyer|seller ---

type confirmRequest struct {
	GreenApproval bool `json:"green_approval"`
}

func (h *OrderHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	sess, key, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r, services.SchemaConfirm)
	if !ok {
		return
	}
	var req confirmRequest
	if len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}

	var (
		res *services.ActionResult
		err error
	)
	switch models.Role(r.URL.Query().Get("role")) {
	case models.RoleBuyer:
		res, err = h.Gateway.ConfirmAsBuyer(r.Context(), sess, key, id, req.GreenApproval)
	case models.RoleSeller:
		res, err = h.Gateway.ConfirmAsSeller(r.Context(), sess, key, id)
	default:
		err = apperror.New(apperror.KindValidation, apperror.ErrInvalidInput.Code, "role must be buyer or seller")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /v1/orders/{id}/cancel ---

func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, key, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Gateway.CancelOrder(r.Context(), sess, key, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// --- POST /v1/calls/{id}/retry ---

func (h *OrderHandler) RetryCall(w http.ResponseWriter, r *http.Request) {
	sess, key, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Gateway.RetryCall(r.Context(), sess, key, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// --- GET /v1/calls/{id}/verify ---

func (h *OrderHandler) VerifyCall(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromCtx(r.Context())
	if !ok {
		h.writeError(w, r, errUnauthorized)
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Gateway.VerifyCall(r.Context(), sess, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- helpers ---

var errUnauthorized = errors.New("unauthorized")

// actor returns the session and idempotency key of a mutating request.
func (h *OrderHandler) actor(w http.ResponseWriter, r *http.Request) (models.Session, string, bool) {
	sess, ok := middleware.SessionFromCtx(r.Context())
	if !ok {
		h.writeError(w, r, errUnauthorized)
		return models.Session{}, "", false
	}
	key := middleware.IdempotencyKeyFromCtx(r.Context())
	if key == "" {
		h.writeError(w, r, apperror.New(apperror.KindValidation, "idempotency_key_required", "Idempotency-Key header is required"))
		return models.Session{}, "", false
	}
	return sess, key, true
}

func (h *OrderHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, apperror.New(apperror.KindValidation, apperror.ErrInvalidInput.Code, "invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// readBody reads the request body and validates it against schema. An empty
// body is accepted as an empty object.
func (h *OrderHandler) readBody(w http.ResponseWriter, r *http.Request, schema string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apperror.New(apperror.KindValidation, apperror.ErrInvalidInput.Code, "failed to read body"))
		return nil, false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if h.Validator != nil {
		if err := h.Validator.Validate(schema, body); err != nil {
			h.writeError(w, r, err)
			return nil, false
		}
	}
	return body, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

func (h *OrderHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errUnauthorized) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "unauthorized", Kind: "unauthorized"})
		return
	}
	ae, ok := apperror.As(err)
	if !ok {
		h.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal", Kind: string(apperror.KindInternal)})
		return
	}
	writeJSON(w, apperror.HTTPStatus(err), errorResponse{Error: ae.Message, Code: ae.Code, Kind: string(ae.Kind)})
}

func (h *OrderHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
