package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/models"
)

// HistoryRepo stores the append-only ledger history. Rows are never updated.
type HistoryRepo struct {
	pool *pgxpool.Pool
}

func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

func (r *HistoryRepo) Append(ctx context.Context, tx pgx.Tx, e *models.HistoryEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_history (id, order_id, call_id, kind, from_status, to_status, actor_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.OrderID, e.CallID, e.Kind, e.FromStatus, e.ToStatus, e.ActorID, e.Note).Scan(&e.CreatedAt)
}

func (r *HistoryRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, call_id, kind, from_status, to_status, actor_id, note, created_at
		FROM ledger_history WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.CallID, &e.Kind, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
