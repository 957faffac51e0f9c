package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, full_name, email, tax_id, items, total, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getOrderSQL = `SELECT id, full_name, email, tax_id, items, total, status, created_at, updated_at
	FROM orders WHERE id = $1`

	setStatusSQL = `UPDATE orders SET status = $2, updated_at = NOW()
	WHERE id = $1 AND status = ANY($3)`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	listStaleSQL = `SELECT id, full_name, email, tax_id, items, total, status, created_at, updated_at
	FROM orders WHERE status = $1 AND created_at < $2
	ORDER BY created_at
	LIMIT $3`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The line items are serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.Customer.FullName, o.Customer.Email, o.Customer.TaxID,
		itemsJSON, o.Total, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	return nil
}

// Get returns the order with the given id, or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrNotFound
	}

	o, err := scanOrder(r.pool.QueryRow(ctx, getOrderSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	return o, nil
}

// SetStatus moves the order to status to in a single conditional UPDATE.
// When no row is updated it tells a missing order (order.ErrNotFound) apart
// from one whose status forbids the move (order.ErrConditionFailed).
func (r *OrderRepository) SetStatus(ctx context.Context, id string, to order.Status) error {
	if _, err := uuid.Parse(id); err != nil {
		return order.ErrNotFound
	}

	preds := to.Predecessors()
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}

	tag, err := r.pool.Exec(ctx, setStatusSQL, id, string(to), from)
	if err != nil {
		return fmt.Errorf("setting order %q status to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking order %q: %w", id, err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrConditionFailed
}

// ListStale returns up to limit orders in status created before the given
// time, oldest first. A limit <= 0 returns them all.
func (r *OrderRepository) ListStale(ctx context.Context, status order.Status, before time.Time, limit int) ([]order.Order, error) {
	// LIMIT NULL is LIMIT ALL.
	var rowLimit *int
	if limit > 0 {
		rowLimit = &limit
	}
	rows, err := r.pool.Query(ctx, listStaleSQL, string(status), before, rowLimit)
	if err != nil {
		return nil, fmt.Errorf("listing stale orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orders: %w", err)
	}

	return orders, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o         order.Order
		id        string
		itemsJSON []byte
		total     decimal.Decimal
		status    string
	)
	err := row.Scan(
		&id, &o.Customer.FullName, &o.Customer.Email, &o.Customer.TaxID,
		&itemsJSON, &total, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	st, err := order.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	o.ID = id
	o.Total = total
	o.Status = st
	return &o, nil
}
