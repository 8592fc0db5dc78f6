package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/models"
)

// --- Orders ---

type Orders struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.Order
}

func NewOrders() *Orders { return &Orders{byID: map[uuid.UUID]*models.Order{}} }

func (s *Orders) Create(_ context.Context, _ pgx.Tx, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[o.ID] = o.Clone()
	return nil
}

func (s *Orders) GetByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, apperror.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *Orders) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Order, error) {
	return s.GetByID(ctx, id)
}

func (s *Orders) Update(_ context.Context, _ pgx.Tx, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.ID]; !ok {
		return apperror.ErrOrderNotFound
	}
	s.byID[o.ID] = o.Clone()
	return nil
}

func (s *Orders) ListByParticipant(_ context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.byID {
		if o.BuyerID == userID || o.SellerID == userID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SpentSince sums totals of non-cancelled orders the buyer placed at or after since.
func (s *Orders) SpentSince(_ context.Context, buyerID uuid.UUID, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, o := range s.byID {
		if o.BuyerID == buyerID && o.Status != models.OrderStatusCancelled && !o.CreatedAt.Before(since) {
			total += o.TotalAmount
		}
	}
	return total, nil
}

// Get returns a copy of the stored order or nil.
func (s *Orders) Get(id uuid.UUID) *models.Order {
	o, err := s.GetByID(context.Background(), id)
	if err != nil {
		return nil
	}
	return o
}

func (s *Orders) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// --- Calls ---

type Calls struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.Call
}

func NewCalls() *Calls { return &Calls{byID: map[uuid.UUID]*models.Call{}} }

func cloneCall(c *models.Call) *models.Call {
	cp := *c
	return &cp
}

// Create enforces the one-active-call-per-order unique index.
func (s *Calls) Create(_ context.Context, _ pgx.Tx, c *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.OrderID == c.OrderID && !existing.Status.IsTerminal() {
			return apperror.ErrConcurrentCallInFlight
		}
	}
	s.byID[c.ID] = cloneCall(c)
	return nil
}

func (s *Calls) GetByID(_ context.Context, id uuid.UUID) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, apperror.ErrCallNotFound
	}
	return cloneCall(c), nil
}

func (s *Calls) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Call, error) {
	return s.GetByID(ctx, id)
}

func (s *Calls) GetActiveByOrderForUpdate(_ context.Context, _ pgx.Tx, orderID uuid.UUID) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byID {
		if c.OrderID == orderID && !c.Status.IsTerminal() {
			return cloneCall(c), nil
		}
	}
	return nil, apperror.ErrCallNotFound
}

func (s *Calls) Update(_ context.Context, _ pgx.Tx, c *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; !ok {
		return apperror.ErrCallNotFound
	}
	s.byID[c.ID] = cloneCall(c)
	return nil
}

// ListDue mirrors the repository query used by the reconciliation sweep.
func (s *Calls) ListDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.Call
	for _, c := range s.byID {
		if c.NextPollAt.After(now) {
			continue
		}
		switch c.Status {
		case models.CallStatusQueued, models.CallStatusProcessing, models.CallStatusLocked:
			due = append(due, c)
		case models.CallStatusFailed:
			if c.Directive == models.DirectiveCancel {
				due = append(due, c)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextPollAt.Before(due[j].NextPollAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, len(due))
	for i, c := range due {
		ids[i] = c.ID
	}
	return ids, nil
}

// Get returns a copy of the stored call or nil.
func (s *Calls) Get(id uuid.UUID) *models.Call {
	c, err := s.GetByID(context.Background(), id)
	if err != nil {
		return nil
	}
	return c
}

// ByOrder returns every call of the order, oldest first.
func (s *Calls) ByOrder(orderID uuid.UUID) []*models.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Call
	for _, c := range s.byID {
		if c.OrderID == orderID {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- History ---

type History struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
}

func NewHistory() *History { return &History{} }

func (s *History) Append(_ context.Context, _ pgx.Tx, e *models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *History) ListByOrder(_ context.Context, orderID uuid.UUID) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.HistoryEntry
	for _, e := range s.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// CallStatuses returns the sequence of call statuses recorded for the call.
func (s *History) CallStatuses(callID uuid.UUID) []models.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CallStatus
	for _, e := range s.entries {
		if e.Kind == models.HistoryKindCall && e.CallID != nil && *e.CallID == callID {
			out = append(out, models.CallStatus(e.ToStatus))
		}
	}
	return out
}

// --- Idempotency ---

type Idempotency struct {
	mu   sync.Mutex
	recs map[string]models.IdempotencyRecord
}

func NewIdempotency() *Idempotency {
	return &Idempotency{recs: map[string]models.IdempotencyRecord{}}
}

func (s *Idempotency) Get(_ context.Context, _ pgx.Tx, scope, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[scope+"|"+key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Idempotency) Insert(_ context.Context, _ pgx.Tx, rec *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.Scope + "|" + rec.Key
	if _, ok := s.recs[k]; ok {
		return apperror.ErrIdempotencyInProgress
	}
	s.recs[k] = *rec
	return nil
}

func (s *Idempotency) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}
