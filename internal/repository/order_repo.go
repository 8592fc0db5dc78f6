package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/apperror"
	"github.com/inaiurai/settlement/internal/models"
)

type OrderRepo struct {
	pool *pgxpool.Pool
}

func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

const orderColumns = `id, status, buyer_id, seller_id, line_items, total_amount, currency, green_flag, green_confirmed,
	shipping_address, current_call_id, buyer_confirmed_at, seller_confirmed_at, cancel_requested, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var items []byte
	err := row.Scan(&o.ID, &o.Status, &o.BuyerID, &o.SellerID, &items, &o.TotalAmount, &o.Currency, &o.GreenFlag,
		&o.GreenConfirmed, &o.ShippingAddress, &o.CurrentCallID, &o.BuyerConfirmedAt, &o.SellerConfirmedAt,
		&o.CancelRequested, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrOrderNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}
	return &o, nil
}

func (r *OrderRepo) Create(ctx context.Context, tx pgx.Tx, o *models.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}
	return tx.QueryRow(ctx, `
		INSERT INTO orders (id, status, buyer_id, seller_id, line_items, total_amount, currency, green_flag, green_confirmed,
			shipping_address, current_call_id, buyer_confirmed_at, seller_confirmed_at, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, o.ID, o.Status, o.BuyerID, o.SellerID, items, o.TotalAmount, o.Currency, o.GreenFlag, o.GreenConfirmed,
		o.ShippingAddress, o.CurrentCallID, o.BuyerConfirmedAt, o.SellerConfirmedAt, o.CancelRequested,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *OrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// GetByIDForUpdate locks the order row until tx ends.
func (r *OrderRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Order, error) {
	return scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

// Update writes the mutable columns. Line items and amounts never change after creation.
func (r *OrderRepo) Update(ctx context.Context, tx pgx.Tx, o *models.Order) error {
	err := tx.QueryRow(ctx, `
		UPDATE orders SET status = $2, green_confirmed = $3, current_call_id = $4, buyer_confirmed_at = $5,
			seller_confirmed_at = $6, cancel_requested = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, o.ID, o.Status, o.GreenConfirmed, o.CurrentCallID, o.BuyerConfirmedAt, o.SellerConfirmedAt, o.CancelRequested,
	).Scan(&o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.ErrOrderNotFound
	}
	return err
}

func (r *OrderRepo) ListByParticipant(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// SpentSince sums the totals of the buyer's orders created at or after since,
// excluding cancelled ones.
func (r *OrderRepo) SpentSince(ctx context.Context, buyerID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_amount), 0)::BIGINT FROM orders
		WHERE buyer_id = $1 AND created_at >= $2 AND status <> 'cancelled'
	`, buyerID, since).Scan(&total)
	return total, err
}
