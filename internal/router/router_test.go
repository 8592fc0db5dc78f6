package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/auth"
	"github.com/inaiurai/settlement/internal/models"
)

type stubAuth struct{}

func (stubAuth) Register(_ context.Context, email, _, name string) (*models.User, error) {
	return &models.User{ID: uuid.New(), Email: email, DisplayName: name}, nil
}

func (stubAuth) Login(context.Context, string, string) (string, error) { return "tok", nil }

func (stubAuth) ValidateToken(context.Context, string) (models.Session, error) {
	return models.Session{}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(db Pinger) http.Handler {
	return New(auth.NewHandler(stubAuth{}, nil), db)
}

func TestRouter_AuthRoutes(t *testing.T) {
	h := newTestRouter(nil)

	body := `{"email":"buyer@example.com","password":"correct horse","display_name":"Buyer"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"buyer@example.com","password":"correct horse"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	h := newTestRouter(nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/login", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRouter_Healthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(stubPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	newTestRouter(stubPinger{err: errors.New("down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
