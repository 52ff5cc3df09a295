// Package postgres is the durable ledger. It implements both the
// fine-grained store.Ledger contract and store.AtomicLedger, so a checkout
// against this backend commits as a single serializable transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

var (
	_ store.Ledger       = (*Store)(nil)
	_ store.AtomicLedger = (*Store)(nil)
)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const entryColumns = `id, name, unit, unit_price, on_hand, expiry, allow_discount, max_discount_pct, default_discount_pct`

func scanEntry(row interface{ Scan(...any) error }) (domain.CatalogEntry, error) {
	var entry domain.CatalogEntry
	var expiry sql.NullTime
	err := row.Scan(&entry.ID, &entry.Name, &entry.Unit, &entry.UnitPrice, &entry.OnHand,
		&expiry, &entry.AllowDiscount, &entry.MaxDiscountPct, &entry.DefaultDiscountPct)
	if err != nil {
		return domain.CatalogEntry{}, err
	}
	if expiry.Valid {
		e := expiry.Time.UTC()
		entry.Expiry = &e
	}
	return entry, nil
}

func (s *Store) GetCatalogEntry(ctx context.Context, id string) (*domain.CatalogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM catalog_entries
		WHERE id = $1
	`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetCatalogEntries(ctx context.Context, ids []string) (map[string]domain.CatalogEntry, error) {
	result := make(map[string]domain.CatalogEntry, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM catalog_entries
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result[entry.ID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListCatalog(ctx context.Context) ([]domain.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM catalog_entries
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CatalogEntry, 0, 128)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// UpsertCatalogEntry inserts or replaces an entry. Used by seeding and
// integration tests, never by the checkout path.
func (s *Store) UpsertCatalogEntry(ctx context.Context, entry domain.CatalogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_entries (id, name, unit, unit_price, on_hand, expiry, allow_discount, max_discount_pct, default_discount_pct, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, unit = EXCLUDED.unit, unit_price = EXCLUDED.unit_price,
			on_hand = EXCLUDED.on_hand, expiry = EXCLUDED.expiry, allow_discount = EXCLUDED.allow_discount,
			max_discount_pct = EXCLUDED.max_discount_pct, default_discount_pct = EXCLUDED.default_discount_pct,
			updated_at = now()
	`, entry.ID, entry.Name, entry.Unit, entry.UnitPrice, entry.OnHand, nullDate(entry.Expiry),
		entry.AllowDiscount, entry.MaxDiscountPct, entry.DefaultDiscountPct)
	return err
}

// DecrementStock is a single conditional UPDATE, so it can never take
// on-hand below zero regardless of concurrency.
func (s *Store) DecrementStock(ctx context.Context, entryID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("decrement qty must be positive, got %d", qty)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE catalog_entries
		SET on_hand = on_hand - $2, updated_at = now()
		WHERE id = $1 AND on_hand >= $2
	`, entryID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var available int
	err = s.db.QueryRowContext(ctx, `SELECT on_hand FROM catalog_entries WHERE id = $1`, entryID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	return &domain.StockShortage{EntryID: entryID, Requested: qty, Available: available}
}

func (s *Store) IncrementStock(ctx context.Context, entryID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("increment qty must be positive, got %d", qty)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE catalog_entries
		SET on_hand = on_hand + $2, updated_at = now()
		WHERE id = $1
	`, entryID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) NextTransactionNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('transaction_number_seq')`).Scan(&seq); err != nil {
		return "", err
	}
	return formatTransactionNumber(seq), nil
}

func (s *Store) InsertTransaction(ctx context.Context, sale domain.Sale) error {
	if sale.Number == "" {
		return fmt.Errorf("sale number is required")
	}

	err := withSerializableRetry(ctx, s.db, func(tx *sql.Tx) error {
		return insertSaleTx(ctx, tx, sale)
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("sale %s: %w", sale.Number, domain.ErrDuplicateTransaction)
	}
	return err
}

func insertSaleTx(ctx context.Context, tx *sql.Tx, sale domain.Sale) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			number, session_id, cashier_id, customer_id, payment_method, idempotency_key,
			subtotal, discount_total, tax_total, grand_total, tendered, change, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sale.Number, sale.SessionID, sale.CashierID, nullIfEmpty(sale.CustomerID), sale.PaymentMethod,
		sale.IdempotencyKey, sale.Subtotal, sale.DiscountTotal, sale.TaxTotal, sale.GrandTotal,
		sale.Tendered, sale.Change, sale.CreatedAt)
	if err != nil {
		return err
	}

	for _, line := range sale.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_lines (transaction_number, entry_id, name, qty, unit_price, discount_pct, discount_amount, tax, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, sale.Number, line.EntryID, line.Name, line.Qty, line.UnitPrice, line.DiscountPct,
			line.DiscountAmount, line.Tax, line.LineTotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindTransactionByNumber(ctx context.Context, number string) (*domain.Sale, error) {
	return s.findTransaction(ctx, "number", number)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}
	return s.findTransaction(ctx, "idempotency_key", key)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "number" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT number, session_id, cashier_id, customer_id, payment_method, idempotency_key,
			subtotal, discount_total, tax_total, grand_total, tendered, change, created_at
		FROM transactions
		WHERE %s = $1
	`, column), value).Scan(
		&sale.Number,
		&sale.SessionID,
		&sale.CashierID,
		&customerID,
		&sale.PaymentMethod,
		&sale.IdempotencyKey,
		&sale.Subtotal,
		&sale.DiscountTotal,
		&sale.TaxTotal,
		&sale.GrandTotal,
		&sale.Tendered,
		&sale.Change,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := s.loadLines(ctx, sale.Number)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) loadLines(ctx context.Context, number string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, name, qty, unit_price, discount_pct, discount_amount, tax, line_total
		FROM transaction_lines
		WHERE transaction_number = $1
		ORDER BY id
	`, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.EntryID, &line.Name, &line.Qty, &line.UnitPrice,
			&line.DiscountPct, &line.DiscountAmount, &line.Tax, &line.LineTotal); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSessionTransactions(ctx context.Context, sessionID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, session_id, cashier_id, customer_id, payment_method, idempotency_key,
			subtotal, discount_total, tax_total, grand_total, tendered, change, created_at
		FROM transactions
		WHERE session_id = $1
		ORDER BY number
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 16)
	for rows.Next() {
		var sale domain.Sale
		var customerID sql.NullString
		if err := rows.Scan(&sale.Number, &sale.SessionID, &sale.CashierID, &customerID,
			&sale.PaymentMethod, &sale.IdempotencyKey, &sale.Subtotal, &sale.DiscountTotal,
			&sale.TaxTotal, &sale.GrandTotal, &sale.Tendered, &sale.Change, &sale.CreatedAt); err != nil {
			return nil, err
		}
		if customerID.Valid {
			sale.CustomerID = customerID.String
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		lines, err := s.loadLines(ctx, sales[i].Number)
		if err != nil {
			return nil, err
		}
		sales[i].Lines = lines
	}
	return sales, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.CashierID == "" {
		return nil, fmt.Errorf("cashier id is required")
	}
	if session.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.ExpectedFloat = session.OpeningFloat

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, cashier_id, status, opened_at, opening_float, expected_float)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, session.ID, session.CashierID, session.Status, session.OpenedAt, session.OpeningFloat, session.ExpectedFloat)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrSessionAlreadyOpen
		}
		return nil, err
	}
	saved := session
	return &saved, nil
}

const sessionColumns = `id, cashier_id, status, opened_at, opening_float, expected_float, closed_at, counted_amount, variance`

func scanSession(row interface{ Scan(...any) error }) (domain.CashSession, error) {
	var session domain.CashSession
	var closedAt sql.NullTime
	var counted, variance decimal.NullDecimal
	err := row.Scan(&session.ID, &session.CashierID, &session.Status, &session.OpenedAt,
		&session.OpeningFloat, &session.ExpectedFloat, &closedAt, &counted, &variance)
	if err != nil {
		return domain.CashSession{}, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	if counted.Valid {
		session.CountedAmount = &counted.Decimal
	}
	if variance.Valid {
		session.Variance = &variance.Decimal
	}
	return session, nil
}

func (s *Store) GetOpenSession(ctx context.Context, cashierID string) (*domain.CashSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE cashier_id = $1 AND status = 'open'
	`, cashierID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.CashSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE id = $1
	`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) AddSessionSales(ctx context.Context, sessionID string, delta decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cash_sessions
		SET expected_float = expected_float + $2
		WHERE id = $1 AND status = 'open'
	`, sessionID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	return domain.ErrSessionNotOpen
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, counted decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET status = 'closed', closed_at = $2, counted_amount = $3, variance = $3 - expected_float
		WHERE id = $1 AND status = 'open'
		RETURNING `+sessionColumns+`
	`, sessionID, closedAt, counted)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := s.GetSession(ctx, sessionID); gerr != nil {
				return nil, gerr
			}
			return nil, domain.ErrSessionNotOpen
		}
		return nil, err
	}
	return &session, nil
}

// CommitSale applies the whole checkout as one serializable transaction:
// lock and decrement stock per line, bump the session float, allocate the
// sequential number, and insert the sale with its lines. Any failure rolls
// everything back. A concurrent retry that already committed under the same
// idempotency key is returned as the existing sale.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, domain.ErrEmptyCart
	}
	if sale.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	committed := sale
	err := withSerializableRetry(ctx, s.db, func(tx *sql.Tx) error {
		for _, line := range sale.Lines {
			var onHand int
			err := tx.QueryRowContext(ctx, `
				SELECT on_hand FROM catalog_entries WHERE id = $1 FOR UPDATE
			`, line.EntryID).Scan(&onHand)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%s: %w", line.EntryID, domain.ErrNotFound)
				}
				return err
			}
			if onHand < line.Qty {
				return &domain.StockShortage{EntryID: line.EntryID, Requested: line.Qty, Available: onHand}
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE catalog_entries
				SET on_hand = on_hand - $2, updated_at = now()
				WHERE id = $1
			`, line.EntryID, line.Qty)
			if err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE cash_sessions
			SET expected_float = expected_float + $2
			WHERE id = $1 AND status = 'open'
		`, sale.SessionID, sale.GrandTotal)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrSessionNotOpen
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT nextval('transaction_number_seq')`).Scan(&seq); err != nil {
			return err
		}
		committed.Number = formatTransactionNumber(seq)

		return insertSaleTx(ctx, tx, committed)
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindTransactionByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	return &committed, nil
}

func formatTransactionNumber(seq int64) string {
	return fmt.Sprintf("TRX-%06d", seq)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
