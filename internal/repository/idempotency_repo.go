package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/models"
)

type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Get returns the stored record, or nil when the key was never completed.
func (r *IdempotencyRepo) Get(ctx context.Context, tx pgx.Tx, scope, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := tx.QueryRow(ctx, `
		SELECT scope, key, response, created_at FROM idempotency_keys WHERE scope = $1 AND key = $2
	`, scope, key).Scan(&rec.Scope, &rec.Key, &rec.Response, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert stores rec. A concurrent request holding the same key surfaces as
// ErrIdempotencyInProgress.
func (r *IdempotencyRepo) Insert(ctx context.Context, tx pgx.Tx, rec *models.IdempotencyRecord) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (scope, key, response) VALUES ($1, $2, $3)
		RETURNING created_at
	`, rec.Scope, rec.Key, []byte(rec.Response)).Scan(&rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperror.ErrIdempotencyInProgress
	}
	return err
}
