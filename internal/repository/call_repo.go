package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/models"
)

type CallRepo struct {
	pool *pgxpool.Pool
}

func NewCallRepo(pool *pgxpool.Pool) *CallRepo {
	return &CallRepo{pool: pool}
}

const callColumns = `id, order_id, operation, status, attempt_count, last_error, next_retry_at, external_ref, submitted_at,
	directive, directive_sent_at, tx_hash, block_ref, network, next_poll_at, poll_failures, dispatched_at, created_at, updated_at`

func scanCall(row pgx.Row) (*models.Call, error) {
	var c models.Call
	err := row.Scan(&c.ID, &c.OrderID, &c.Operation, &c.Status, &c.AttemptCount, &c.LastError, &c.NextRetryAt,
		&c.ExternalRef, &c.SubmittedAt, &c.Directive, &c.DirectiveSentAt, &c.TxHash, &c.BlockRef, &c.Network,
		&c.NextPollAt, &c.PollFailures, &c.DispatchedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrCallNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Create inserts c. The partial unique index on active calls turns a second
// active call for the same order into ErrConcurrentCallInFlight.
func (r *CallRepo) Create(ctx context.Context, tx pgx.Tx, c *models.Call) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO escrow_calls (id, order_id, operation, status, attempt_count, last_error, next_retry_at, external_ref,
			submitted_at, directive, directive_sent_at, tx_hash, block_ref, network, next_poll_at, poll_failures,
			dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`, c.ID, c.OrderID, c.Operation, c.Status, c.AttemptCount, c.LastError, c.NextRetryAt, c.ExternalRef,
		c.SubmittedAt, c.Directive, c.DirectiveSentAt, c.TxHash, c.BlockRef, c.Network, c.NextPollAt, c.PollFailures,
		c.DispatchedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperror.ErrConcurrentCallInFlight
	}
	return err
}

func (r *CallRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Call, error) {
	return scanCall(r.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM escrow_calls WHERE id = $1`, id))
}

func (r *CallRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Call, error) {
	return scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM escrow_calls WHERE id = $1 FOR UPDATE`, id))
}

// GetActiveByOrderForUpdate returns the order's non-terminal call, or
// ErrCallNotFound when there is none.
func (r *CallRepo) GetActiveByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*models.Call, error) {
	return scanCall(tx.QueryRow(ctx, `
		SELECT `+callColumns+` FROM escrow_calls
		WHERE order_id = $1 AND status NOT IN ('RELEASED', 'REFUNDED', 'DISPUTED')
		FOR UPDATE
	`, orderID))
}

func (r *CallRepo) Update(ctx context.Context, tx pgx.Tx, c *models.Call) error {
	err := tx.QueryRow(ctx, `
		UPDATE escrow_calls SET status = $2, attempt_count = $3, last_error = $4, next_retry_at = $5, external_ref = $6,
			submitted_at = $7, directive = $8, directive_sent_at = $9, tx_hash = $10, block_ref = $11, network = $12,
			next_poll_at = $13, poll_failures = $14, dispatched_at = $15, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, c.ID, c.Status, c.AttemptCount, c.LastError, c.NextRetryAt, c.ExternalRef, c.SubmittedAt, c.Directive,
		c.DirectiveSentAt, c.TxHash, c.BlockRef, c.Network, c.NextPollAt, c.PollFailures, c.DispatchedAt,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.ErrCallNotFound
	}
	return err
}

// ListDue returns the ids of calls whose next poll is due: every in-flight
// or funded call, plus failed calls still waiting on a cancel directive.
func (r *CallRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM escrow_calls
		WHERE next_poll_at <= $1
		  AND (status IN ('QUEUED', 'PROCESSING', 'LOCKED') OR (status = 'FAILED' AND directive = 'cancel'))
		ORDER BY next_poll_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
