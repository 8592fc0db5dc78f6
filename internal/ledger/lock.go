package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/settlement/internal/models"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderLocker is the order store surface the locker needs.
type OrderLocker interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Order, error)
}

// Locker serializes all mutations of one order and its calls. The in-process
// mutex keeps local callers from queueing on the database; the row lock covers
// other processes. A mutex lives only while some caller holds or waits on it.
type Locker struct {
	pool   TxBeginner
	orders OrderLocker

	mu    sync.Mutex
	locks map[uuid.UUID]*orderLock
}

type orderLock struct {
	sync.Mutex
	refs int
}

func NewLocker(pool TxBeginner, orders OrderLocker) *Locker {
	return &Locker{pool: pool, orders: orders, locks: map[uuid.UUID]*orderLock{}}
}

func (l *Locker) lock(orderID uuid.UUID) {
	l.mu.Lock()
	ol, ok := l.locks[orderID]
	if !ok {
		ol = &orderLock{}
		l.locks[orderID] = ol
	}
	ol.refs++
	l.mu.Unlock()
	ol.Lock()
}

func (l *Locker) unlock(orderID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ol := l.locks[orderID]
	ol.Unlock()
	ol.refs--
	if ol.refs == 0 {
		delete(l.locks, orderID)
	}
}

// InOrderTx runs fn in a transaction holding the order's lock. fn's error
// rolls the transaction back.
func (l *Locker) InOrderTx(ctx context.Context, orderID uuid.UUID, fn func(tx pgx.Tx, order *models.Order) error) error {
	l.lock(orderID)
	defer l.unlock(orderID)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := l.orders.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if err := fn(tx, order); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
