package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/jobs"
	"github.com/inaiurai/settlement/internal/testutil"
)

func TestNotifier_EnqueuesJob(t *testing.T) {
	e := &testutil.Enqueuer{}
	n := NewNotifier(e)
	user, order := uuid.New(), uuid.New()

	if err := n.Send(context.Background(), testutil.NoopTx{}, user, order, EventEscrowFunded, "funded"); err != nil {
		t.Fatal(err)
	}
	if err := n.Send(context.Background(), testutil.NoopTx{}, uuid.Nil, order, EventEscrowFunded, "x"); err != nil {
		t.Fatal(err)
	}
	got := e.Jobs()
	if len(got) != 1 {
		t.Fatalf("jobs = %d, want 1", len(got))
	}
	args, ok := got[0].Args.(jobs.NotifyUserArgs)
	if !ok || args.UserID != user || args.Event != EventEscrowFunded {
		t.Errorf("args = %+v", got[0].Args)
	}
}

func TestWebhookSink(t *testing.T) {
	var received Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, time.Second)
	n := Notification{UserID: uuid.New(), Event: EventOrderCompleted, Message: "done"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	if received.UserID != n.UserID || received.Event != EventOrderCompleted {
		t.Errorf("received = %+v", received)
	}
}

func TestWebhookSink_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhookSink(srv.URL, time.Second).Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("expected error on 502")
	}
}

type failingSink struct{}

func (failingSink) Notify(context.Context, Notification) error { return errors.New("down") }

func TestMultiSink_JoinsErrors(t *testing.T) {
	m := MultiSink{LogSink{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, failingSink{}}
	if err := m.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("expected joined error")
	}
}
