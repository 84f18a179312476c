package postgres

import "context"

// schemaStatements bootstraps the Postgres schema. Statements are idempotent
// so New can run them on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS branches (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		address    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		sku            TEXT NOT NULL DEFAULT '',
		category       TEXT NOT NULL DEFAULT '',
		price          BIGINT NOT NULL DEFAULT 0,
		base_unit_id   TEXT NOT NULL DEFAULT '',
		base_unit_name TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS product_units (
		product_id       TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		unit_id          TEXT NOT NULL,
		unit_name        TEXT NOT NULL DEFAULT '',
		conversion_value INTEGER NOT NULL CHECK (conversion_value > 0),
		PRIMARY KEY (product_id, unit_id)
	)`,
	`CREATE TABLE IF NOT EXISTS menus (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		price            BIGINT NOT NULL DEFAULT 0,
		category         TEXT NOT NULL DEFAULT '',
		is_flexible      BOOLEAN NOT NULL DEFAULT false,
		default_quantity INTEGER NOT NULL DEFAULT 1,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS menu_recipe_lines (
		menu_id      TEXT NOT NULL REFERENCES menus(id) ON DELETE CASCADE,
		position     INTEGER NOT NULL,
		product_id   TEXT NOT NULL REFERENCES products(id),
		product_name TEXT NOT NULL DEFAULT '',
		quantity     INTEGER NOT NULL CHECK (quantity > 0),
		PRIMARY KEY (menu_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS inventories (
		branch_id  TEXT NOT NULL REFERENCES branches(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		stock      INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (branch_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id             TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		branch_id      TEXT NOT NULL REFERENCES branches(id),
		cashier_id     TEXT NOT NULL,
		cashier_name   TEXT NOT NULL DEFAULT '',
		total          BIGINT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT 'cash',
		amount_paid    BIGINT NOT NULL,
		change         BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at)`,
	`CREATE TABLE IF NOT EXISTS sale_lines (
		sale_id   TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
		position  INTEGER NOT NULL,
		menu_id   TEXT NOT NULL,
		menu_name TEXT NOT NULL,
		price     BIGINT NOT NULL,
		quantity  INTEGER NOT NULL,
		subtotal  BIGINT NOT NULL,
		PRIMARY KEY (sale_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS sale_line_usages (
		sale_id       TEXT NOT NULL,
		line_position INTEGER NOT NULL,
		product_id    TEXT NOT NULL,
		product_name  TEXT NOT NULL,
		unit_id       TEXT NOT NULL DEFAULT '',
		unit_name     TEXT NOT NULL DEFAULT '',
		quantity      INTEGER NOT NULL,
		FOREIGN KEY (sale_id, line_position) REFERENCES sale_lines (sale_id, position) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS cash_flows (
		id               TEXT PRIMARY KEY,
		branch_id        TEXT,
		user_id          TEXT,
		type             TEXT NOT NULL CHECK (type IN ('income', 'expense')),
		category         TEXT NOT NULL,
		amount           BIGINT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		transaction_date DATE NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cash_flows_txdate ON cash_flows (transaction_date)`,
	`CREATE TABLE IF NOT EXISTS users (
		username   TEXT PRIMARY KEY,
		password   TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT 'kasir',
		branch_id  TEXT NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
