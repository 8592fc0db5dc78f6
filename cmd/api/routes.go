package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inaiurai/settlement/internal/handlers"
	"github.com/inaiurai/settlement/internal/middleware"
	"github.com/inaiurai/settlement/internal/services"
)

type routeDeps struct {
	gateway   handlers.OrderGateway
	validator *services.Validator
	auth      middleware.TokenValidator
	users     middleware.LimitLookup
	spend     middleware.SpendLookup
	decimals  int32
	limiter   *middleware.UserLimiter
	logger    *slog.Logger
}

func newUserLimiter(rps float64, burst int) *middleware.UserLimiter {
	return middleware.NewUserLimiter(rps, burst, 10*time.Minute)
}

// RegisterV1Routes adds the /v1/ order API and /metrics to the given mux.
// Middleware chain: SessionAuth -> RateLimit -> (RequireIdempotencyKey on mutations)
// -> (OrderLimits on POST /v1/orders only) -> handler.
func RegisterV1Routes(mux *http.ServeMux, d routeDeps) {
	oh := &handlers.OrderHandler{
		Gateway:   d.gateway,
		Validator: d.validator,
		Logger:    d.logger,
	}

	authed := func(h http.Handler) http.Handler {
		return middleware.SessionAuth(d.auth)(middleware.RateLimit(d.limiter)(h))
	}
	mutating := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.RequireIdempotencyKey(h))
	}
	limits := middleware.OrderLimits(d.users, d.spend, d.decimals, d.logger)

	mux.Handle("POST /v1/orders", authed(middleware.RequireIdempotencyKey(limits(http.HandlerFunc(oh.PlaceOrder)))))
	mux.Handle("GET /v1/orders", authed(http.HandlerFunc(oh.ListOrders)))
	mux.Handle("GET /v1/orders/{id}", authed(http.HandlerFunc(oh.GetOrder)))
	mux.Handle("POST /v1/orders/{id}/confirm", mutating(oh.Confirm))
	mux.Handle("POST /v1/orders/{id}/cancel", mutating(oh.Cancel))
	mux.Handle("POST /v1/calls/{id}/retry", mutating(oh.RetryCall))
	mux.Handle("GET /v1/calls/{id}/verify", authed(http.HandlerFunc(oh.VerifyCall)))

	mux.Handle("GET /metrics", promhttp.Handler())
}
