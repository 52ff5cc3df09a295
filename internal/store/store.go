// Package store defines the durable ledger contract the checkout engine
// writes through. Implementations must make each operation individually
// atomic; ledgers that can also make a whole sale commit atomic advertise it
// through AtomicLedger.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
)

type Ledger interface {
	GetCatalogEntry(ctx context.Context, id string) (*domain.CatalogEntry, error)
	GetCatalogEntries(ctx context.Context, ids []string) (map[string]domain.CatalogEntry, error)
	ListCatalog(ctx context.Context) ([]domain.CatalogEntry, error)

	// DecrementStock is an atomic compare-and-decrement: it decrements only
	// if the result stays at or above zero, otherwise it returns a
	// StockShortage and leaves on-hand unchanged.
	DecrementStock(ctx context.Context, entryID string, qty int) error
	IncrementStock(ctx context.Context, entryID string, qty int) error

	// NextTransactionNumber allocates the next sequential sale number.
	// Numbers are unique and monotonic under concurrent callers.
	NextTransactionNumber(ctx context.Context) (string, error)
	InsertTransaction(ctx context.Context, sale domain.Sale) error
	FindTransactionByNumber(ctx context.Context, number string) (*domain.Sale, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ListSessionTransactions(ctx context.Context, sessionID string) ([]domain.Sale, error)

	// OpenSession persists a new open session, failing with
	// ErrSessionAlreadyOpen when the cashier already has one. The check and
	// the insert are a single atomic step so two racing opens cannot both
	// succeed.
	OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetOpenSession(ctx context.Context, cashierID string) (*domain.CashSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.CashSession, error)
	AddSessionSales(ctx context.Context, sessionID string, delta decimal.Decimal) error
	CloseSession(ctx context.Context, sessionID string, counted decimal.Decimal, closedAt time.Time) (*domain.CashSession, error)
}

// AtomicLedger is implemented by ledgers that can apply all effects of a sale
// commit (number allocation, line snapshots, stock decrements, session float
// update) as one unit of work. When available, the engine uses it instead of
// its own compensating saga.
type AtomicLedger interface {
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
}
