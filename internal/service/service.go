// Package service drives the checkout protocol: it validates a cart against
// an open cash session, reserves stock, and persists the sale through the
// ledger, either as one atomic unit of work or through a compensating
// sequence of individually atomic steps.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

// Checkout stages, used to label which phase an error escaped from. A
// checkout that fails in validating or reserving leaves no durable trace; a
// persisting failure is rolled back by compensation before it surfaces.
const (
	stageValidating = "validating"
	stageReserving  = "reserving"
	stagePersisting = "persisting"
)

var hundred = decimal.NewFromInt(100)

type Service struct {
	ledger     store.Ledger
	receipts   cache.ReceiptCache
	taxRatePct decimal.Decimal
	receiptTTL time.Duration
}

func New(ledger store.Ledger, receipts cache.ReceiptCache, taxRatePct decimal.Decimal, receiptTTL time.Duration) *Service {
	if receipts == nil {
		receipts = cache.NoopReceiptCache{}
	}
	if receiptTTL <= 0 {
		receiptTTL = 24 * time.Hour
	}

	return &Service{
		ledger:     ledger,
		receipts:   receipts,
		taxRatePct: taxRatePct,
		receiptTTL: receiptTTL,
	}
}

func (s *Service) TaxRatePercent() decimal.Decimal { return s.taxRatePct }

func (s *Service) ListCatalog(ctx context.Context) ([]domain.CatalogEntry, error) {
	return s.ledger.ListCatalog(ctx)
}

func (s *Service) GetCatalogEntry(ctx context.Context, id string) (*domain.CatalogEntry, error) {
	return s.ledger.GetCatalogEntry(ctx, id)
}

// Checkout commits the cart as a durable sale under the cashier's open
// session. Validation and stock reservation errors leave everything
// untouched; once all steps have applied the checkout is committed and the
// cart may be cleared by the caller. Checkout never mutates the cart.
//
// An empty idempotencyKey gets a generated one, so a bare call is always a
// fresh sale. Re-submitting a key that already committed returns the original
// sale with Duplicate set instead of charging twice.
func (s *Service) Checkout(ctx context.Context, cashierID string, c *cart.Cart, idempotencyKey string) (domain.CheckoutResponse, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	sale, err := s.validateCheckout(ctx, cashierID, c, idempotencyKey)
	if err != nil {
		return domain.CheckoutResponse{}, fmt.Errorf("checkout %s: %w", stageValidating, err)
	}

	if existing, err := s.ledger.FindTransactionByIdempotency(ctx, idempotencyKey); err == nil {
		return domain.CheckoutResponse{Sale: *existing, Receipt: buildReceipt(existing), Duplicate: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.CheckoutResponse{}, fmt.Errorf("checkout %s: %w", stageValidating, err)
	}

	var committed *domain.Sale
	if atomic, ok := s.ledger.(store.AtomicLedger); ok {
		committed, err = atomic.CommitSale(ctx, sale)
	} else {
		committed, err = s.commitWithCompensation(ctx, sale)
	}
	if err != nil {
		// A concurrent retry with the same key won the race; its commit is
		// the one that counts and our own effects were already undone.
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			existing, lookupErr := s.ledger.FindTransactionByIdempotency(ctx, idempotencyKey)
			if lookupErr == nil {
				return domain.CheckoutResponse{Sale: *existing, Receipt: buildReceipt(existing), Duplicate: true}, nil
			}
		}
		stage := stagePersisting
		if errors.Is(err, domain.ErrInsufficientStock) {
			stage = stageReserving
		}
		return domain.CheckoutResponse{}, fmt.Errorf("checkout %s: %w", stage, err)
	}

	receipt := buildReceipt(committed)
	if err := s.receipts.Set(ctx, committed.Number, &receipt, s.receiptTTL); err != nil {
		log.Printf("[checkout] WARN: failed to cache receipt %s: %v", committed.Number, err)
	}

	return domain.CheckoutResponse{Sale: *committed, Receipt: receipt}, nil
}

// validateCheckout is the validating stage. It builds the sale snapshot from
// the cart without touching any durable state.
func (s *Service) validateCheckout(ctx context.Context, cashierID string, c *cart.Cart, idempotencyKey string) (domain.Sale, error) {
	if err := ctx.Err(); err != nil {
		return domain.Sale{}, err
	}
	if cashierID == "" {
		return domain.Sale{}, fmt.Errorf("%w: cashier id required", domain.ErrInvalidInput)
	}
	if c == nil || c.IsEmpty() {
		return domain.Sale{}, domain.ErrEmptyCart
	}
	if c.PaymentMethod() == "" {
		return domain.Sale{}, domain.ErrPaymentMethodRequired
	}

	session, err := s.ledger.GetOpenSession(ctx, cashierID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Sale{}, domain.ErrNoActiveSession
		}
		return domain.Sale{}, err
	}

	lines := c.Lines()
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.EntryID)
	}
	entries, err := s.ledger.GetCatalogEntries(ctx, ids)
	if err != nil {
		return domain.Sale{}, err
	}
	now := time.Now().UTC()
	for _, line := range lines {
		entry, ok := entries[line.EntryID]
		if !ok {
			return domain.Sale{}, fmt.Errorf("%s: %w", line.EntryID, domain.ErrNotFound)
		}
		if entry.Expiry != nil && !entry.Expiry.After(now) {
			return domain.Sale{}, fmt.Errorf("%s: %w", line.EntryID, domain.ErrExpired)
		}
	}

	totals := c.Totals(s.taxRatePct)
	grand := totals.GrandTotal.Round(2)

	tendered := grand
	change := decimal.Zero
	if t := c.Tendered(); t != nil {
		tendered = t.Round(2)
		if tendered.LessThan(grand) {
			return domain.Sale{}, &domain.PaymentShortfall{Tendered: tendered, GrandTotal: grand}
		}
		change = tendered.Sub(grand)
	}

	sale := domain.Sale{
		SessionID:      session.ID,
		CashierID:      cashierID,
		CustomerID:     c.CustomerID(),
		PaymentMethod:  c.PaymentMethod(),
		IdempotencyKey: idempotencyKey,
		Lines:          snapshotLines(lines, s.taxRatePct),
		Subtotal:       totals.Subtotal.Round(2),
		DiscountTotal:  totals.Discount.Round(2),
		TaxTotal:       totals.Tax.Round(2),
		GrandTotal:     grand,
		Tendered:       tendered,
		Change:         change,
		CreatedAt:      now,
	}
	return sale, nil
}

// commitWithCompensation is the reserving and persisting stages against a
// ledger with only per-operation atomicity. Order matters: stock decrements
// first, session float second, number allocation and insert last, so an
// aborted checkout only ever has to undo decrements and the float delta.
func (s *Service) commitWithCompensation(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	reserved := make([]domain.SaleLine, 0, len(sale.Lines))
	undo := func() {
		for i := len(reserved) - 1; i >= 0; i-- {
			line := reserved[i]
			if err := s.ledger.IncrementStock(ctx, line.EntryID, line.Qty); err != nil {
				log.Printf("[checkout] WARN: compensation failed to restore stock %s qty=%d: %v", line.EntryID, line.Qty, err)
			}
		}
	}

	for _, line := range sale.Lines {
		if err := s.ledger.DecrementStock(ctx, line.EntryID, line.Qty); err != nil {
			undo()
			return nil, err
		}
		reserved = append(reserved, line)
	}

	if err := s.ledger.AddSessionSales(ctx, sale.SessionID, sale.GrandTotal); err != nil {
		undo()
		return nil, err
	}

	number, err := s.ledger.NextTransactionNumber(ctx)
	if err == nil {
		sale.Number = number
		err = s.ledger.InsertTransaction(ctx, sale)
	}
	if err != nil {
		if cerr := s.ledger.AddSessionSales(ctx, sale.SessionID, sale.GrandTotal.Neg()); cerr != nil {
			log.Printf("[checkout] WARN: compensation failed to reverse session float %s: %v", sale.SessionID, cerr)
		}
		undo()
		return nil, err
	}

	return &sale, nil
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionResponse, error) {
	if req.CashierID == "" {
		return domain.SessionResponse{}, fmt.Errorf("%w: cashier id required", domain.ErrInvalidInput)
	}
	if req.OpeningFloat.IsNegative() {
		return domain.SessionResponse{}, fmt.Errorf("%w: opening float cannot be negative", domain.ErrInvalidInput)
	}

	session := domain.CashSession{
		ID:            xid.New("sess"),
		CashierID:     req.CashierID,
		Status:        domain.SessionStatusOpen,
		OpenedAt:      time.Now().UTC(),
		OpeningFloat:  req.OpeningFloat.Round(2),
		ExpectedFloat: req.OpeningFloat.Round(2),
	}
	saved, err := s.ledger.OpenSession(ctx, session)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: *saved}, nil
}

// CloseSession settles the named session against the counted drawer amount.
// Variance is counted minus expected: negative means the drawer is short.
func (s *Service) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (domain.SessionResponse, error) {
	if req.SessionID == "" {
		return domain.SessionResponse{}, fmt.Errorf("%w: session id required", domain.ErrInvalidInput)
	}
	if req.CountedAmount.IsNegative() {
		return domain.SessionResponse{}, fmt.Errorf("%w: counted amount cannot be negative", domain.ErrInvalidInput)
	}

	closed, err := s.ledger.CloseSession(ctx, req.SessionID, req.CountedAmount.Round(2), time.Now().UTC())
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: *closed}, nil
}

func (s *Service) ActiveSession(ctx context.Context, cashierID string) (domain.SessionResponse, error) {
	if cashierID == "" {
		return domain.SessionResponse{}, fmt.Errorf("%w: cashier id required", domain.ErrInvalidInput)
	}

	session, err := s.ledger.GetOpenSession(ctx, cashierID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SessionResponse{}, domain.ErrNoActiveSession
		}
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) SessionStats(ctx context.Context, sessionID string) (domain.SessionStats, error) {
	if sessionID == "" {
		return domain.SessionStats{}, fmt.Errorf("%w: session id required", domain.ErrInvalidInput)
	}
	if _, err := s.ledger.GetSession(ctx, sessionID); err != nil {
		return domain.SessionStats{}, err
	}

	sales, err := s.ledger.ListSessionTransactions(ctx, sessionID)
	if err != nil {
		return domain.SessionStats{}, err
	}

	stats := domain.SessionStats{SessionID: sessionID}
	total := decimal.Zero
	for _, sale := range sales {
		total = total.Add(sale.GrandTotal)
	}
	stats.TransactionCount = len(sales)
	stats.TotalSales = total
	if len(sales) > 0 {
		stats.AverageTicket = total.Div(decimal.NewFromInt(int64(len(sales)))).Round(2)
	} else {
		stats.AverageTicket = decimal.Zero
	}
	return stats, nil
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.StockReceiveRequest) (*domain.CatalogEntry, error) {
	if req.EntryID == "" {
		return nil, fmt.Errorf("%w: entry id required", domain.ErrInvalidInput)
	}
	if req.Qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidInput)
	}

	if err := s.ledger.IncrementStock(ctx, req.EntryID, req.Qty); err != nil {
		return nil, err
	}
	return s.ledger.GetCatalogEntry(ctx, req.EntryID)
}

// Receipt returns the display projection for a committed sale, served from
// cache when available.
func (s *Service) Receipt(ctx context.Context, number string) (domain.Receipt, error) {
	if number == "" {
		return domain.Receipt{}, fmt.Errorf("%w: transaction number required", domain.ErrInvalidInput)
	}

	if cached, ok, err := s.receipts.Get(ctx, number); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[checkout] WARN: receipt cache read failed for %s: %v", number, err)
	}

	sale, err := s.ledger.FindTransactionByNumber(ctx, number)
	if err != nil {
		return domain.Receipt{}, err
	}

	receipt := buildReceipt(sale)
	if err := s.receipts.Set(ctx, number, &receipt, s.receiptTTL); err != nil {
		log.Printf("[checkout] WARN: failed to cache receipt %s: %v", number, err)
	}
	return receipt, nil
}

// snapshotLines freezes cart lines into sale lines with display-rounded
// amounts. Line tax is informational: the per-line split of the single tax
// applied to the cart base, rounded per line, so the column may differ from
// the rounded total by cents.
func snapshotLines(lines []domain.CartLine, taxRatePct decimal.Decimal) []domain.SaleLine {
	out := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, domain.SaleLine{
			EntryID:        line.EntryID,
			Name:           line.Name,
			Qty:            line.Qty,
			UnitPrice:      line.UnitPrice,
			DiscountPct:    line.DiscountPct,
			DiscountAmount: line.DiscountAmount.Round(2),
			Tax:            line.LineTotal.Mul(taxRatePct).Div(hundred).Round(2),
			LineTotal:      line.LineTotal.Round(2),
		})
	}
	return out
}

func buildReceipt(sale *domain.Sale) domain.Receipt {
	lines := make([]domain.ReceiptLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		lines = append(lines, domain.ReceiptLine{
			Name:      line.Name,
			Qty:       line.Qty,
			UnitPrice: line.UnitPrice.StringFixed(2),
			Discount:  line.DiscountAmount.StringFixed(2),
			Tax:       line.Tax.StringFixed(2),
			Total:     line.LineTotal.StringFixed(2),
		})
	}
	return domain.Receipt{
		Number:        sale.Number,
		Date:          sale.CreatedAt.Format("2006-01-02 15:04:05"),
		Lines:         lines,
		Subtotal:      sale.Subtotal.StringFixed(2),
		DiscountTotal: sale.DiscountTotal.StringFixed(2),
		Tax:           sale.TaxTotal.StringFixed(2),
		GrandTotal:    sale.GrandTotal.StringFixed(2),
		PaymentMethod: sale.PaymentMethod,
		Tendered:      sale.Tendered.StringFixed(2),
		Change:        sale.Change.StringFixed(2),
		Customer:      sale.CustomerID,
	}
}
