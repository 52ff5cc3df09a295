package postgres

import "context"

// Schema for the checkout ledger. The partial unique index on open sessions
// is what makes OpenSession race-safe: two concurrent opens for the same
// cashier collide on the index instead of both committing.
const schema = `
CREATE TABLE IF NOT EXISTS catalog_entries (
	id                   text PRIMARY KEY,
	name                 text NOT NULL,
	unit                 text NOT NULL DEFAULT '',
	unit_price           numeric(12,2) NOT NULL,
	on_hand              integer NOT NULL DEFAULT 0 CHECK (on_hand >= 0),
	expiry               date,
	allow_discount       boolean NOT NULL DEFAULT false,
	max_discount_pct     numeric(5,2) NOT NULL DEFAULT 0,
	default_discount_pct numeric(5,2) NOT NULL DEFAULT 0,
	updated_at           timestamptz NOT NULL DEFAULT now()
);

CREATE SEQUENCE IF NOT EXISTS transaction_number_seq;

CREATE TABLE IF NOT EXISTS cash_sessions (
	id             text PRIMARY KEY,
	cashier_id     text NOT NULL,
	status         text NOT NULL,
	opened_at      timestamptz NOT NULL,
	opening_float  numeric(12,2) NOT NULL,
	expected_float numeric(12,2) NOT NULL,
	closed_at      timestamptz,
	counted_amount numeric(12,2),
	variance       numeric(12,2)
);

CREATE UNIQUE INDEX IF NOT EXISTS cash_sessions_one_open_per_cashier
	ON cash_sessions (cashier_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS transactions (
	number          text PRIMARY KEY,
	session_id      text NOT NULL REFERENCES cash_sessions(id),
	cashier_id      text NOT NULL,
	customer_id     text,
	payment_method  text NOT NULL,
	idempotency_key text NOT NULL UNIQUE,
	subtotal        numeric(12,2) NOT NULL,
	discount_total  numeric(12,2) NOT NULL,
	tax_total       numeric(12,2) NOT NULL,
	grand_total     numeric(12,2) NOT NULL,
	tendered        numeric(12,2) NOT NULL,
	change          numeric(12,2) NOT NULL,
	created_at      timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_session_idx ON transactions (session_id);

CREATE TABLE IF NOT EXISTS transaction_lines (
	id                 bigserial PRIMARY KEY,
	transaction_number text NOT NULL REFERENCES transactions(number) ON DELETE CASCADE,
	entry_id           text NOT NULL,
	name               text NOT NULL,
	qty                integer NOT NULL CHECK (qty > 0),
	unit_price         numeric(12,2) NOT NULL,
	discount_pct       numeric(5,2) NOT NULL,
	discount_amount    numeric(12,2) NOT NULL,
	tax                numeric(12,2) NOT NULL,
	line_total         numeric(12,2) NOT NULL
);

CREATE INDEX IF NOT EXISTS transaction_lines_number_idx ON transaction_lines (transaction_number);
`

// EnsureSchema creates the ledger tables if they do not exist. Safe to run
// on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
