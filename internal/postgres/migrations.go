package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	sku         TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	price_cents INTEGER NOT NULL DEFAULT 0,
	stock       INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stock_movements (
	id             BIGSERIAL PRIMARY KEY,
	product_id     TEXT NOT NULL REFERENCES products(id),
	quantity_delta INTEGER NOT NULL,
	movement_type  TEXT NOT NULL CHECK (movement_type IN ('order_placed','manual_update','restock','return')),
	reason         TEXT NOT NULL DEFAULT '',
	order_id       TEXT,
	actor_id       TEXT,
	previous_stock INTEGER NOT NULL,
	new_stock      INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (previous_stock + quantity_delta = new_stock)
);
CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements(product_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_stock_movements_order ON stock_movements(order_id) WHERE order_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS stock_reservations (
	id         UUID PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	session_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_stock_reservations_product ON stock_reservations(product_id, expires_at);
CREATE INDEX IF NOT EXISTS idx_stock_reservations_session ON stock_reservations(session_id);
CREATE INDEX IF NOT EXISTS idx_stock_reservations_expires ON stock_reservations(expires_at);

CREATE TABLE IF NOT EXISTS orders (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	total_cents         INTEGER NOT NULL DEFAULT 0,
	status              TEXT NOT NULL,
	payment_status      TEXT NOT NULL,
	tracking_number     TEXT NOT NULL DEFAULT '',
	estimated_delivery  TIMESTAMPTZ,
	actual_delivery     TIMESTAMPTZ,
	cancellation_reason TEXT NOT NULL DEFAULT '',
	stock_committed     BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS order_items (
	order_id    TEXT NOT NULL REFERENCES orders(id),
	product_id  TEXT NOT NULL REFERENCES products(id),
	qty         INTEGER NOT NULL CHECK (qty > 0),
	price_cents INTEGER NOT NULL,
	PRIMARY KEY (order_id, product_id)
);

CREATE TABLE IF NOT EXISTS order_status_history (
	id           BIGSERIAL PRIMARY KEY,
	order_id     TEXT NOT NULL REFERENCES orders(id),
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	updated_by   TEXT NOT NULL DEFAULT '',
	process_type TEXT NOT NULL CHECK (process_type IN ('order','return')),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_order_status_history_order ON order_status_history(order_id, id);
`

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
