package cart

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func entry(id string, price string, onHand int) domain.CatalogEntry {
	return domain.CatalogEntry{
		ID:             id,
		Name:           "Entry " + id,
		Unit:           "strip",
		UnitPrice:      dec(price),
		OnHand:         onHand,
		AllowDiscount:  true,
		MaxDiscountPct: dec("20"),
	}
}

func TestLineDiscountAndTotals(t *testing.T) {
	c := New()
	line, err := c.AddEntry(entry("E1", "10.00", 50), 3)
	if err != nil {
		t.Fatalf("add entry failed: %v", err)
	}
	if err := c.UpdateDiscount(line.ID, dec("10")); err != nil {
		t.Fatalf("update discount failed: %v", err)
	}

	line, _ = c.Line(line.ID)
	if !line.DiscountAmount.Equal(dec("3.00")) {
		t.Fatalf("discount amount = %s, want 3.00", line.DiscountAmount)
	}
	if !line.LineTotal.Equal(dec("27.00")) {
		t.Fatalf("line total = %s, want 27.00", line.LineTotal)
	}

	totals := c.Totals(dec("15"))
	if !totals.Subtotal.Equal(dec("30.00")) {
		t.Fatalf("subtotal = %s, want 30.00", totals.Subtotal)
	}
	if !totals.Discount.Equal(dec("3.00")) {
		t.Fatalf("discount = %s, want 3.00", totals.Discount)
	}
	if !totals.Tax.Equal(dec("4.05")) {
		t.Fatalf("tax = %s, want 4.05", totals.Tax)
	}
	if !totals.GrandTotal.Equal(dec("31.05")) {
		t.Fatalf("grand total = %s, want 31.05", totals.GrandTotal)
	}
}

func TestQuantityUpdateBeyondOnHandKeepsLine(t *testing.T) {
	c := New()
	line, err := c.AddEntry(entry("E1", "5.00", 5), 3)
	if err != nil {
		t.Fatalf("add entry failed: %v", err)
	}

	err = c.UpdateQuantity(line.ID, 6, 5)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var shortage *domain.StockShortage
	if !errors.As(err, &shortage) {
		t.Fatalf("expected StockShortage in chain, got %v", err)
	}
	if shortage.Requested != 6 || shortage.Available != 5 {
		t.Fatalf("shortage = %+v, want requested 6 available 5", shortage)
	}

	line, ok := c.Line(line.ID)
	if !ok || line.Qty != 3 {
		t.Fatalf("line qty = %d, want 3 unchanged", line.Qty)
	}
}

func TestAddMergesExistingLine(t *testing.T) {
	c := New()
	e := entry("E1", "2.50", 10)
	first, _ := c.AddEntry(e, 2)
	second, err := c.AddEntry(e, 3)
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected merge into existing line, got new line %s", second.ID)
	}
	if second.Qty != 5 {
		t.Fatalf("merged qty = %d, want 5", second.Qty)
	}
	if len(c.Lines()) != 1 {
		t.Fatalf("line count = %d, want 1", len(c.Lines()))
	}
}

func TestAddMergeRespectsOnHand(t *testing.T) {
	c := New()
	e := entry("E1", "2.50", 5)
	if _, err := c.AddEntry(e, 4); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := c.AddEntry(e, 2); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	lines := c.Lines()
	if len(lines) != 1 || lines[0].Qty != 4 {
		t.Fatalf("cart changed on failed merge: %+v", lines)
	}
}

func TestAddRejectsOutOfStockAndExpired(t *testing.T) {
	c := New()

	empty := entry("E1", "2.00", 0)
	if _, err := c.AddEntry(empty, 1); !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	expired := entry("E2", "2.00", 10)
	expired.Expiry = &yesterday
	if _, err := c.AddEntry(expired, 1); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	if !c.IsEmpty() {
		t.Fatalf("cart should stay empty after rejected adds")
	}
}

func TestDiscountPolicy(t *testing.T) {
	c := New()

	locked := entry("E1", "8.00", 10)
	locked.AllowDiscount = false
	lockedLine, _ := c.AddEntry(locked, 1)
	if err := c.UpdateDiscount(lockedLine.ID, dec("5")); !errors.Is(err, domain.ErrDiscountNotAllowed) {
		t.Fatalf("expected ErrDiscountNotAllowed, got %v", err)
	}

	line, _ := c.AddEntry(entry("E2", "8.00", 10), 1)
	if err := c.UpdateDiscount(line.ID, dec("25")); !errors.Is(err, domain.ErrDiscountExceedsMax) {
		t.Fatalf("expected ErrDiscountExceedsMax, got %v", err)
	}
	if err := c.UpdateDiscount(line.ID, dec("-1")); err == nil {
		t.Fatalf("expected error for negative discount")
	}
	if err := c.UpdateDiscount(line.ID, dec("20")); err != nil {
		t.Fatalf("discount at max should be allowed: %v", err)
	}
}

func TestDefaultDiscountAppliedOnAdd(t *testing.T) {
	c := New()
	e := entry("E1", "10.00", 10)
	e.DefaultDiscountPct = dec("5")
	line, _ := c.AddEntry(e, 2)
	if !line.DiscountPct.Equal(dec("5")) {
		t.Fatalf("discount pct = %s, want default 5", line.DiscountPct)
	}
	if !line.DiscountAmount.Equal(dec("1.00")) {
		t.Fatalf("discount amount = %s, want 1.00", line.DiscountAmount)
	}
}

func TestZeroQuantityRemovesLine(t *testing.T) {
	c := New()
	line, _ := c.AddEntry(entry("E1", "3.00", 10), 2)
	if err := c.UpdateQuantity(line.ID, 0, 10); err != nil {
		t.Fatalf("update to zero failed: %v", err)
	}
	if !c.IsEmpty() {
		t.Fatalf("cart should be empty after zero-quantity update")
	}
}

func TestRemoveAndClear(t *testing.T) {
	c := New()
	line, _ := c.AddEntry(entry("E1", "3.00", 10), 2)
	if _, err := c.AddEntry(entry("E2", "4.00", 10), 1); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := c.RemoveLine(line.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := c.RemoveLine(line.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}

	c.SetPaymentMethod("cash")
	c.SetCustomer("cust-1")
	c.Clear()
	if !c.IsEmpty() || c.PaymentMethod() != "" || c.CustomerID() != "" {
		t.Fatalf("clear should reset lines and payment state")
	}
}

func TestTotalsAcrossManyLines(t *testing.T) {
	c := New()
	prices := []string{"1.25", "2.50", "3.75", "5.00", "6.25"}
	for i, p := range prices {
		e := entry("E"+p, p, 100)
		if _, err := c.AddEntry(e, i+1); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	// Subtotal is 1.25*1 + 2.50*2 + 3.75*3 + 5.00*4 + 6.25*5 = 68.75.
	totals := c.Totals(dec("10"))
	if !totals.Subtotal.Equal(dec("68.75")) {
		t.Fatalf("subtotal = %s, want 68.75", totals.Subtotal)
	}
	if !totals.TaxableBase.Equal(totals.Subtotal.Sub(totals.Discount)) {
		t.Fatalf("taxable base should equal subtotal minus discount")
	}
	if !totals.GrandTotal.Equal(totals.TaxableBase.Add(totals.Tax)) {
		t.Fatalf("grand total should equal base plus tax")
	}
	if !totals.Tax.Equal(dec("6.875")) {
		t.Fatalf("tax = %s, want 6.875 at full precision", totals.Tax)
	}
}

func TestTenderedCopyIsolation(t *testing.T) {
	c := New()
	c.SetTendered(dec("50.00"))
	got := c.Tendered()
	*got = dec("1.00")
	if again := c.Tendered(); !again.Equal(dec("50.00")) {
		t.Fatalf("tendered mutated through returned pointer: %s", again)
	}
}
