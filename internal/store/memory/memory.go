// Package memory provides the in-memory ledger used for dev/demo mode and
// tests. Every operation is atomic under a single mutex; the package does not
// implement store.AtomicLedger, so the checkout engine runs its compensating
// saga against it.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type Store struct {
	mu                   sync.RWMutex
	catalog              map[string]domain.CatalogEntry
	salesByNumber        map[string]*domain.Sale
	salesByIdem          map[string]*domain.Sale
	sessionsByID         map[string]domain.CashSession
	openSessionByCashier map[string]string
	nextNumber           int64
}

var _ store.Ledger = (*Store)(nil)

func New() *Store {
	return &Store{
		catalog:              make(map[string]domain.CatalogEntry),
		salesByNumber:        make(map[string]*domain.Sale),
		salesByIdem:          make(map[string]*domain.Sale),
		sessionsByID:         make(map[string]domain.CashSession),
		openSessionByCashier: make(map[string]string),
	}
}

// NewSeeded returns a store stocked with a small pharmacy catalog, the same
// way the dev/demo backend boots without a database.
func NewSeeded() *Store {
	s := New()

	nextYear := time.Now().UTC().AddDate(1, 0, 0)
	lastMonth := time.Now().UTC().AddDate(0, -1, 0)

	entries := []domain.CatalogEntry{
		{ID: "MED-PARA-500", Name: "Paracetamol 500mg", Unit: "strip", UnitPrice: dec("4.50"), OnHand: 180, Expiry: &nextYear, AllowDiscount: true, MaxDiscountPct: dec("10"), DefaultDiscountPct: dec("0")},
		{ID: "MED-AMOX-500", Name: "Amoxicillin 500mg", Unit: "strip", UnitPrice: dec("12.00"), OnHand: 90, Expiry: &nextYear, AllowDiscount: false, MaxDiscountPct: dec("0"), DefaultDiscountPct: dec("0")},
		{ID: "MED-IBU-400", Name: "Ibuprofen 400mg", Unit: "strip", UnitPrice: dec("6.75"), OnHand: 140, Expiry: &nextYear, AllowDiscount: true, MaxDiscountPct: dec("15"), DefaultDiscountPct: dec("5")},
		{ID: "MED-ORS-200", Name: "Oral Rehydration Salts", Unit: "sachet", UnitPrice: dec("1.25"), OnHand: 320, AllowDiscount: true, MaxDiscountPct: dec("20"), DefaultDiscountPct: dec("0")},
		{ID: "MED-CTM-4", Name: "Chlorphenamine 4mg", Unit: "strip", UnitPrice: dec("2.80"), OnHand: 0, Expiry: &nextYear, AllowDiscount: true, MaxDiscountPct: dec("10"), DefaultDiscountPct: dec("0")},
		{ID: "MED-COUGH-60", Name: "Cough Syrup 60ml", Unit: "bottle", UnitPrice: dec("9.90"), OnHand: 45, Expiry: &lastMonth, AllowDiscount: true, MaxDiscountPct: dec("25"), DefaultDiscountPct: dec("0")},
		{ID: "SUP-VITC-500", Name: "Vitamin C 500mg", Unit: "bottle", UnitPrice: dec("15.00"), OnHand: 75, AllowDiscount: true, MaxDiscountPct: dec("30"), DefaultDiscountPct: dec("10")},
		{ID: "SUP-MULTI-30", Name: "Multivitamin 30 tabs", Unit: "bottle", UnitPrice: dec("22.50"), OnHand: 60, AllowDiscount: true, MaxDiscountPct: dec("20"), DefaultDiscountPct: dec("0")},
		{ID: "DEV-THERM-01", Name: "Digital Thermometer", Unit: "pc", UnitPrice: dec("35.00"), OnHand: 25, AllowDiscount: false, MaxDiscountPct: dec("0"), DefaultDiscountPct: dec("0")},
		{ID: "DEV-MASK-50", Name: "Surgical Mask 50pcs", Unit: "box", UnitPrice: dec("8.00"), OnHand: 110, AllowDiscount: true, MaxDiscountPct: dec("15"), DefaultDiscountPct: dec("0")},
	}
	for _, e := range entries {
		s.catalog[e.ID] = e
	}
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// UpsertCatalogEntry inserts or replaces a catalog entry. Only the dev/demo
// wiring and tests call this; the checkout path never mutates the catalog
// beyond stock counts.
func (s *Store) UpsertCatalogEntry(entry domain.CatalogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[entry.ID] = cloneEntry(entry)
}

func (s *Store) GetCatalogEntry(_ context.Context, id string) (*domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.catalog[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	copyEntry := cloneEntry(entry)
	return &copyEntry, nil
}

func (s *Store) GetCatalogEntries(_ context.Context, ids []string) (map[string]domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.CatalogEntry, len(ids))
	for _, id := range ids {
		if entry, exists := s.catalog[id]; exists {
			out[id] = cloneEntry(entry)
		}
	}
	return out, nil
}

func (s *Store) ListCatalog(_ context.Context) ([]domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CatalogEntry, 0, len(s.catalog))
	for _, entry := range s.catalog {
		entries = append(entries, cloneEntry(entry))
	}
	slices.SortFunc(entries, func(a, b domain.CatalogEntry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return entries, nil
}

// DecrementStock decrements only when the result stays non-negative; on a
// shortfall it reports the offending entry and leaves on-hand unchanged.
func (s *Store) DecrementStock(_ context.Context, entryID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("decrement qty must be positive, got %d", qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.catalog[entryID]
	if !exists {
		return domain.ErrNotFound
	}
	if entry.OnHand < qty {
		return &domain.StockShortage{EntryID: entryID, Requested: qty, Available: entry.OnHand}
	}
	entry.OnHand -= qty
	s.catalog[entryID] = entry
	return nil
}

func (s *Store) IncrementStock(_ context.Context, entryID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("increment qty must be positive, got %d", qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.catalog[entryID]
	if !exists {
		return domain.ErrNotFound
	}
	entry.OnHand += qty
	s.catalog[entryID] = entry
	return nil
}

func (s *Store) NextTransactionNumber(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextNumber++
	return fmt.Sprintf("TRX-%06d", s.nextNumber), nil
}

func (s *Store) InsertTransaction(_ context.Context, sale domain.Sale) error {
	if sale.Number == "" {
		return fmt.Errorf("sale number is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByNumber[sale.Number]; exists {
		return fmt.Errorf("duplicate sale number %s", sale.Number)
	}
	if sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
			return fmt.Errorf("idempotency key %s: %w", sale.IdempotencyKey, domain.ErrDuplicateTransaction)
		}
	}
	saved := cloneSale(&sale)
	s.salesByNumber[sale.Number] = saved
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = saved
	}
	return nil
}

func (s *Store) FindTransactionByNumber(_ context.Context, number string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByNumber[number]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByIdem[key]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSessionTransactions(_ context.Context, sessionID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, 16)
	for _, sale := range s.salesByNumber {
		if sale.SessionID == sessionID {
			sales = append(sales, *cloneSale(sale))
		}
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return strings.Compare(a.Number, b.Number)
	})
	return sales, nil
}

func (s *Store) OpenSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.CashierID) == "" {
		return nil, fmt.Errorf("cashier id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openSessionByCashier[session.CashierID]; exists {
		return nil, domain.ErrSessionAlreadyOpen
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.ExpectedFloat = session.OpeningFloat
	session.ClosedAt = nil
	session.CountedAmount = nil
	session.Variance = nil

	s.sessionsByID[session.ID] = session
	s.openSessionByCashier[session.CashierID] = session.ID
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) GetOpenSession(_ context.Context, cashierID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.openSessionByCashier[cashierID]
	if !exists {
		return nil, domain.ErrNotFound
	}
	session, exists := s.sessionsByID[sessionID]
	if !exists || session.Status != domain.SessionStatusOpen {
		return nil, domain.ErrNotFound
	}
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, domain.ErrNotFound
	}
	copySession := cloneSession(session)
	return &copySession, nil
}

// AddSessionSales moves the session's expected float by delta. Negative
// deltas occur only as saga compensation.
func (s *Store) AddSessionSales(_ context.Context, sessionID string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return domain.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return domain.ErrSessionNotOpen
	}
	session.ExpectedFloat = session.ExpectedFloat.Add(delta)
	s.sessionsByID[sessionID] = session
	return nil
}

func (s *Store) CloseSession(_ context.Context, sessionID string, counted decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, domain.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, domain.ErrSessionNotOpen
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	variance := counted.Sub(session.ExpectedFloat)
	session.Status = domain.SessionStatusClosed
	session.ClosedAt = &closedAt
	session.CountedAmount = &counted
	session.Variance = &variance

	delete(s.openSessionByCashier, session.CashierID)
	s.sessionsByID[sessionID] = session
	copySession := cloneSession(session)
	return &copySession, nil
}

func cloneEntry(entry domain.CatalogEntry) domain.CatalogEntry {
	if entry.Expiry != nil {
		expiry := *entry.Expiry
		entry.Expiry = &expiry
	}
	return entry
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	copySale := *sale
	copySale.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(copySale.Lines, sale.Lines)
	return &copySale
}

func cloneSession(session domain.CashSession) domain.CashSession {
	if session.ClosedAt != nil {
		closedAt := *session.ClosedAt
		session.ClosedAt = &closedAt
	}
	if session.CountedAmount != nil {
		counted := *session.CountedAmount
		session.CountedAmount = &counted
	}
	if session.Variance != nil {
		variance := *session.Variance
		session.Variance = &variance
	}
	return session
}
