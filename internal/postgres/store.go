package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLSTATE unique_violation
const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL implementation of store.Store. Writers serialize on
// the product and order rows with SELECT ... FOR UPDATE.
type Store struct {
	DB *pgxpool.Pool
	reader
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{DB: pool, reader: reader{q: pool}}
}

var _ store.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &txView{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM stock_reservations WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) SaveProduct(ctx context.Context, p orders.Product) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products(id, sku, name, price_cents, stock, updated_at)
		VALUES ($1, $2, $3, $4, 0, now())
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, name = EXCLUDED.name, price_cents = EXCLUDED.price_cents, updated_at = now()
	`, p.ID, p.SKU, p.Name, p.PriceCents)
	return err
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// ---- reads (pool or tx) ----

type reader struct{ q querier }

const productCols = `id, sku, name, price_cents, stock, updated_at`

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, orders.ErrProductNotFound
	}
	return p, err
}

func (r reader) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	return scanProduct(r.q.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
}

func (r reader) ReservedQty(ctx context.Context, productID string, now time.Time, excludeSession string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM stock_reservations
		WHERE product_id = $1 AND expires_at > $2 AND ($3::text = '' OR session_id <> $3::text)
	`, productID, now, excludeSession).Scan(&n)
	return n, err
}

const movementCols = `id, product_id, quantity_delta, movement_type, reason,
	COALESCE(order_id, ''), COALESCE(actor_id, ''), previous_stock, new_stock, created_at`

func collectMovements(rows pgx.Rows, err error) ([]orders.StockMovement, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.StockMovement
	for rows.Next() {
		var m orders.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.QuantityDelta, &m.MovementType, &m.Reason,
			&m.OrderID, &m.ActorID, &m.PreviousStock, &m.NewStock, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r reader) MovementsBefore(ctx context.Context, productID string, beforeID int64, n int) ([]orders.StockMovement, error) {
	return collectMovements(r.q.Query(ctx, `
		SELECT `+movementCols+` FROM stock_movements
		WHERE product_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT $3
	`, productID, beforeID, n))
}

const orderCols = `id, user_id, total_cents, status, payment_status, tracking_number,
	estimated_delivery, actual_delivery, cancellation_reason, stock_committed, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	err := row.Scan(&o.ID, &o.UserID, &o.TotalCents, &o.Status, &o.PaymentStatus, &o.TrackingNumber,
		&o.EstimatedDelivery, &o.ActualDelivery, &o.CancellationReason, &o.StockCommitted, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, orders.ErrOrderNotFound
	}
	return o, err
}

func (r reader) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return scanOrder(r.q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
}

func (r reader) History(ctx context.Context, orderID string) ([]orders.StatusHistory, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, status, reason, updated_by, process_type, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.StatusHistory
	for rows.Next() {
		var h orders.StatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Status, &h.Reason, &h.UpdatedBy, &h.ProcessType, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r reader) SessionReservations(ctx context.Context, sessionID string) ([]orders.Reservation, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id::text, product_id, quantity, session_id, expires_at, created_at
		FROM stock_reservations WHERE session_id=$1 ORDER BY product_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Reservation
	for rows.Next() {
		var res orders.Reservation
		if err := rows.Scan(&res.ID, &res.ProductID, &res.Quantity, &res.SessionID, &res.ExpiresAt, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ---- writes (tx only) ----

type txView struct {
	reader
	tx pgx.Tx
}

func (t *txView) LockProduct(ctx context.Context, id string) (orders.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, id))
}

func (t *txView) SetStock(ctx context.Context, productID string, stock int, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock=$2, updated_at=$3 WHERE id=$1`, productID, stock, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrProductNotFound
	}
	return nil
}

func (t *txView) InsertMovement(ctx context.Context, m *orders.StockMovement) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO stock_movements(product_id, quantity_delta, movement_type, reason, order_id, actor_id,
			previous_stock, new_stock, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, m.ProductID, m.QuantityDelta, m.MovementType, m.Reason, nullIfEmpty(m.OrderID), nullIfEmpty(m.ActorID),
		m.PreviousStock, m.NewStock, m.CreatedAt).Scan(&m.ID)
}

func (t *txView) MovementsByOrder(ctx context.Context, orderID string, mt orders.MovementType) ([]orders.StockMovement, error) {
	return collectMovements(t.tx.Query(ctx, `
		SELECT `+movementCols+` FROM stock_movements
		WHERE order_id = $1 AND movement_type = $2 ORDER BY id`, orderID, mt))
}

func (t *txView) InsertReservation(ctx context.Context, r orders.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_reservations(id, product_id, quantity, session_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.ProductID, r.Quantity, r.SessionID, r.ExpiresAt, r.CreatedAt)
	return err
}

func (t *txView) DeleteSessionReservations(ctx context.Context, sessionID string, productIDs []string) (int64, error) {
	var (
		ct  pgconn.CommandTag
		err error
	)
	if len(productIDs) == 0 {
		ct, err = t.tx.Exec(ctx, `DELETE FROM stock_reservations WHERE session_id=$1`, sessionID)
	} else {
		ct, err = t.tx.Exec(ctx, `DELETE FROM stock_reservations WHERE session_id=$1 AND product_id = ANY($2)`, sessionID, productIDs)
	}
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// LockOrderID takes a transaction-scoped advisory lock keyed by the order id.
func (t *txView) LockOrderID(ctx context.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return fmt.Errorf("lock order id: %w", err)
	}
	return nil
}

func (t *txView) LockOrder(ctx context.Context, id string) (orders.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id))
}

func (t *txView) InsertOrder(ctx context.Context, o orders.Order, items []orders.OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, total_cents, status, payment_status, tracking_number,
			estimated_delivery, actual_delivery, cancellation_reason, stock_committed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.UserID, o.TotalCents, o.Status, o.PaymentStatus, o.TrackingNumber,
		o.EstimatedDelivery, o.ActualDelivery, o.CancellationReason, o.StockCommitted, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert order %s: %w", o.ID, orders.ErrOrderExists)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	for _, it := range items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, qty, price_cents)
			VALUES ($1, $2, $3, $4)`,
			o.ID, it.ProductID, it.Qty, it.PriceCents,
		); err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return nil
}

func (t *txView) UpdateOrder(ctx context.Context, o orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, tracking_number=$4, estimated_delivery=$5,
			actual_delivery=$6, cancellation_reason=$7, stock_committed=$8, updated_at=$9
		WHERE id=$1
	`, o.ID, o.Status, o.PaymentStatus, o.TrackingNumber, o.EstimatedDelivery,
		o.ActualDelivery, o.CancellationReason, o.StockCommitted, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrOrderNotFound
	}
	return nil
}

func (t *txView) OrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT order_id, product_id, qty, price_cents FROM order_items
		WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *txView) InsertHistory(ctx context.Context, h *orders.StatusHistory) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO order_status_history(order_id, status, reason, updated_by, process_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, h.OrderID, h.Status, h.Reason, h.UpdatedBy, h.ProcessType, h.CreatedAt).Scan(&h.ID)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
