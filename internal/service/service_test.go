package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	ledger := memory.NewSeeded()
	svc := New(ledger, cache.NoopReceiptCache{}, dec("15"), time.Minute)
	return svc, ledger
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// testEntry has round numbers so expected totals can be written literally:
// 10.00 x3 at 10% discount and 15% tax gives a grand total of 31.05.
func testEntry(onHand int) domain.CatalogEntry {
	return domain.CatalogEntry{
		ID:             "MED-TEST-10",
		Name:           "Test Tablet 10",
		Unit:           "strip",
		UnitPrice:      dec("10.00"),
		OnHand:         onHand,
		AllowDiscount:  true,
		MaxDiscountPct: dec("20"),
	}
}

func openSession(t *testing.T, svc *Service, cashierID string, float string) domain.CashSession {
	t.Helper()
	resp, err := svc.OpenSession(context.Background(), domain.SessionOpenRequest{
		CashierID:    cashierID,
		OpeningFloat: dec(float),
	})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	return resp.Session
}

func buildCart(t *testing.T, entry domain.CatalogEntry, qty int, discountPct string) *cart.Cart {
	t.Helper()
	c := cart.New()
	line, err := c.AddEntry(entry, qty)
	if err != nil {
		t.Fatalf("add entry failed: %v", err)
	}
	if discountPct != "" {
		if err := c.UpdateDiscount(line.ID, dec(discountPct)); err != nil {
			t.Fatalf("update discount failed: %v", err)
		}
	}
	c.SetPaymentMethod("cash")
	return c
}

func TestCheckoutRequiresOpenSession(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(50))

	c := buildCart(t, testEntry(50), 1, "")
	_, err := svc.Checkout(context.Background(), "kasir-a", c, "")
	if !errors.Is(err, domain.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestCheckoutRejectsEmptyCart(t *testing.T) {
	svc, _ := newTestService()
	openSession(t, svc, "kasir-a", "100.00")

	c := cart.New()
	c.SetPaymentMethod("cash")
	_, err := svc.Checkout(context.Background(), "kasir-a", c, "")
	if !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestCheckoutRequiresPaymentMethod(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(50))
	openSession(t, svc, "kasir-a", "100.00")

	c := cart.New()
	if _, err := c.AddEntry(testEntry(50), 1); err != nil {
		t.Fatalf("add entry failed: %v", err)
	}
	_, err := svc.Checkout(context.Background(), "kasir-a", c, "")
	if !errors.Is(err, domain.ErrPaymentMethodRequired) {
		t.Fatalf("expected ErrPaymentMethodRequired, got %v", err)
	}
}

func TestCheckoutCommitsAndSettlesSession(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(50))
	ctx := context.Background()

	session := openSession(t, svc, "kasir-a", "100.00")

	c := buildCart(t, testEntry(50), 3, "10")
	c.SetTendered(dec("40.00"))

	resp, err := svc.Checkout(ctx, "kasir-a", c, "idem-settle")
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("fresh checkout reported as duplicate")
	}
	if got := resp.Sale.GrandTotal; !got.Equal(dec("31.05")) {
		t.Fatalf("grand total = %s, want 31.05", got)
	}
	if got := resp.Sale.Change; !got.Equal(dec("8.95")) {
		t.Fatalf("change = %s, want 8.95", got)
	}
	if resp.Sale.Number == "" {
		t.Fatalf("committed sale has no number")
	}
	if resp.Receipt.GrandTotal != "31.05" {
		t.Fatalf("receipt grand total = %s, want 31.05", resp.Receipt.GrandTotal)
	}

	entry, err := ledger.GetCatalogEntry(ctx, "MED-TEST-10")
	if err != nil {
		t.Fatalf("get entry failed: %v", err)
	}
	if entry.OnHand != 47 {
		t.Fatalf("on hand = %d, want 47", entry.OnHand)
	}

	active, err := svc.ActiveSession(ctx, "kasir-a")
	if err != nil {
		t.Fatalf("active session failed: %v", err)
	}
	if !active.Session.ExpectedFloat.Equal(dec("131.05")) {
		t.Fatalf("expected float = %s, want 131.05", active.Session.ExpectedFloat)
	}

	closed, err := svc.CloseSession(ctx, domain.SessionCloseRequest{
		SessionID:     session.ID,
		CountedAmount: dec("130.00"),
	})
	if err != nil {
		t.Fatalf("close session failed: %v", err)
	}
	if closed.Session.Variance == nil || !closed.Session.Variance.Equal(dec("-1.05")) {
		t.Fatalf("variance = %v, want -1.05", closed.Session.Variance)
	}
	if closed.Session.Status != domain.SessionStatusClosed {
		t.Fatalf("session status = %s, want closed", closed.Session.Status)
	}
}

func TestCheckoutInsufficientPayment(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(50))
	ctx := context.Background()

	session := openSession(t, svc, "kasir-a", "100.00")

	c := buildCart(t, testEntry(50), 3, "10")
	c.SetTendered(dec("20.00"))

	_, err := svc.Checkout(ctx, "kasir-a", c, "")
	if !errors.Is(err, domain.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}
	var shortfall *domain.PaymentShortfall
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected PaymentShortfall in chain, got %v", err)
	}
	if !shortfall.Shortfall().Equal(dec("11.05")) {
		t.Fatalf("shortfall = %s, want 11.05", shortfall.Shortfall())
	}

	entry, _ := ledger.GetCatalogEntry(ctx, "MED-TEST-10")
	if entry.OnHand != 50 {
		t.Fatalf("on hand = %d, want 50 untouched", entry.OnHand)
	}
	sales, _ := ledger.ListSessionTransactions(ctx, session.ID)
	if len(sales) != 0 {
		t.Fatalf("expected no transactions, got %d", len(sales))
	}
}

func TestCheckoutDuplicateIdempotencyKey(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(50))
	ctx := context.Background()

	openSession(t, svc, "kasir-a", "100.00")

	first, err := svc.Checkout(ctx, "kasir-a", buildCart(t, testEntry(50), 2, ""), "idem-retry")
	if err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	second, err := svc.Checkout(ctx, "kasir-a", buildCart(t, testEntry(48), 2, ""), "idem-retry")
	if err != nil {
		t.Fatalf("retried checkout failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("retry with same key should report duplicate")
	}
	if second.Sale.Number != first.Sale.Number {
		t.Fatalf("duplicate returned number %s, want %s", second.Sale.Number, first.Sale.Number)
	}

	entry, _ := ledger.GetCatalogEntry(ctx, "MED-TEST-10")
	if entry.OnHand != 48 {
		t.Fatalf("on hand = %d, want 48 (decremented once)", entry.OnHand)
	}
}

// failingLedger covers the compensation path: persistence fails after stock
// has been reserved and the session float bumped.
type failingLedger struct {
	store.Ledger
}

func (f *failingLedger) InsertTransaction(context.Context, domain.Sale) error {
	return fmt.Errorf("disk full")
}

func TestCheckoutCompensatesWhenPersistFails(t *testing.T) {
	base := memory.NewSeeded()
	base.UpsertCatalogEntry(testEntry(50))
	svc := New(&failingLedger{Ledger: base}, cache.NoopReceiptCache{}, dec("15"), time.Minute)
	ctx := context.Background()

	session := openSession(t, svc, "kasir-a", "100.00")

	c := buildCart(t, testEntry(50), 3, "10")
	_, err := svc.Checkout(ctx, "kasir-a", c, "")
	if err == nil {
		t.Fatalf("expected checkout to fail")
	}

	entry, _ := base.GetCatalogEntry(ctx, "MED-TEST-10")
	if entry.OnHand != 50 {
		t.Fatalf("on hand = %d, want 50 after compensation", entry.OnHand)
	}
	restored, _ := base.GetSession(ctx, session.ID)
	if !restored.ExpectedFloat.Equal(dec("100.00")) {
		t.Fatalf("expected float = %s, want 100.00 after compensation", restored.ExpectedFloat)
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc, ledger := newTestService()
	const onHand = 8
	const attempts = 16
	ledger.UpsertCatalogEntry(testEntry(onHand))
	ctx := context.Background()

	openSession(t, svc, "kasir-a", "100.00")

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := cart.New()
			if _, err := c.AddEntry(testEntry(onHand), 1); err != nil {
				results <- err
				return
			}
			c.SetPaymentMethod("cash")
			_, err := svc.Checkout(ctx, "kasir-a", c, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	committed := 0
	for err := range results {
		if err == nil {
			committed++
		} else if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("unexpected checkout error: %v", err)
		}
	}
	if committed != onHand {
		t.Fatalf("committed = %d, want exactly %d", committed, onHand)
	}
	entry, _ := ledger.GetCatalogEntry(ctx, "MED-TEST-10")
	if entry.OnHand != 0 {
		t.Fatalf("on hand = %d, want 0", entry.OnHand)
	}
}

func TestOpenSessionTwiceFails(t *testing.T) {
	svc, _ := newTestService()
	openSession(t, svc, "kasir-a", "100.00")

	_, err := svc.OpenSession(context.Background(), domain.SessionOpenRequest{
		CashierID:    "kasir-a",
		OpeningFloat: dec("50.00"),
	})
	if !errors.Is(err, domain.ErrSessionAlreadyOpen) {
		t.Fatalf("expected ErrSessionAlreadyOpen, got %v", err)
	}
}

func TestSessionStats(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(50))
	ctx := context.Background()

	session := openSession(t, svc, "kasir-a", "100.00")

	if _, err := svc.Checkout(ctx, "kasir-a", buildCart(t, testEntry(50), 1, ""), ""); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.Checkout(ctx, "kasir-a", buildCart(t, testEntry(49), 2, ""), ""); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	stats, err := svc.SessionStats(ctx, session.ID)
	if err != nil {
		t.Fatalf("session stats failed: %v", err)
	}
	if stats.TransactionCount != 2 {
		t.Fatalf("transaction count = %d, want 2", stats.TransactionCount)
	}
	// 11.50 + 23.00 at 15% tax on undiscounted lines.
	if !stats.TotalSales.Equal(dec("34.50")) {
		t.Fatalf("total sales = %s, want 34.50", stats.TotalSales)
	}
	if !stats.AverageTicket.Equal(dec("17.25")) {
		t.Fatalf("average ticket = %s, want 17.25", stats.AverageTicket)
	}
}

func TestReceiptLookupAfterCheckout(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(50))
	ctx := context.Background()

	openSession(t, svc, "kasir-a", "100.00")

	resp, err := svc.Checkout(ctx, "kasir-a", buildCart(t, testEntry(50), 3, "10"), "")
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	receipt, err := svc.Receipt(ctx, resp.Sale.Number)
	if err != nil {
		t.Fatalf("receipt lookup failed: %v", err)
	}
	if receipt.GrandTotal != "31.05" || receipt.Number != resp.Sale.Number {
		t.Fatalf("receipt mismatch: %+v", receipt)
	}

	if _, err := svc.Receipt(ctx, "TRX-999999"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown number, got %v", err)
	}
}

func TestReceiveStock(t *testing.T) {
	svc, ledger := newTestService()
	ledger.UpsertCatalogEntry(testEntry(5))

	entry, err := svc.ReceiveStock(context.Background(), domain.StockReceiveRequest{
		EntryID: "MED-TEST-10",
		Qty:     20,
	})
	if err != nil {
		t.Fatalf("receive stock failed: %v", err)
	}
	if entry.OnHand != 25 {
		t.Fatalf("on hand = %d, want 25", entry.OnHand)
	}

	if _, err := svc.ReceiveStock(context.Background(), domain.StockReceiveRequest{EntryID: "MED-TEST-10", Qty: 0}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-positive qty, got %v", err)
	}
}

// rendezvousLedger stalls the first two idempotency lookups until both have
// arrived, so two retries with the same key both pass the pre-check and race
// into the commit itself.
type rendezvousLedger struct {
	store.Ledger
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (l *rendezvousLedger) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	l.mu.Lock()
	l.arrived++
	if l.arrived == 2 {
		close(l.release)
	}
	l.mu.Unlock()
	<-l.release
	return l.Ledger.FindTransactionByIdempotency(ctx, key)
}

func TestConcurrentRetriesWithSameKeyCommitOnce(t *testing.T) {
	base := memory.NewSeeded()
	base.UpsertCatalogEntry(testEntry(50))
	ledger := &rendezvousLedger{Ledger: base, release: make(chan struct{})}
	svc := New(ledger, cache.NoopReceiptCache{}, dec("15"), time.Minute)
	ctx := context.Background()

	openSession(t, svc, "kasir-a", "100.00")

	var wg sync.WaitGroup
	responses := make(chan domain.CheckoutResponse, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := cart.New()
			if _, err := c.AddEntry(testEntry(50), 2); err != nil {
				t.Errorf("add entry failed: %v", err)
				return
			}
			c.SetPaymentMethod("cash")
			resp, err := svc.Checkout(ctx, "kasir-a", c, "idem-race")
			if err != nil {
				t.Errorf("checkout failed: %v", err)
				return
			}
			responses <- resp
		}()
	}
	wg.Wait()
	close(responses)

	fresh := 0
	numbers := make(map[string]bool)
	for resp := range responses {
		if !resp.Duplicate {
			fresh++
		}
		numbers[resp.Sale.Number] = true
	}
	if fresh != 1 {
		t.Fatalf("fresh commits = %d, want exactly 1", fresh)
	}
	if len(numbers) != 1 {
		t.Fatalf("distinct sale numbers = %d, want 1", len(numbers))
	}

	entry, _ := base.GetCatalogEntry(ctx, "MED-TEST-10")
	if entry.OnHand != 48 {
		t.Fatalf("on hand = %d, want 48 (decremented once)", entry.OnHand)
	}
	active, _ := svc.ActiveSession(ctx, "kasir-a")
	if !active.Session.ExpectedFloat.Equal(dec("123.00")) {
		t.Fatalf("expected float = %s, want 123.00 (settled once)", active.Session.ExpectedFloat)
	}
}
