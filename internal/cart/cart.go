// Package cart implements the in-memory pre-commit cart model: a mutable,
// ordered set of sale lines with per-line discount policy and re-computable
// totals. A cart belongs to a single terminal and is not safe for concurrent
// use; checkout commits it through the service layer.
package cart

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/xid"
)

var hundred = decimal.NewFromInt(100)

type Cart struct {
	lines         []domain.CartLine
	customerID    string
	paymentMethod string
	tendered      *decimal.Decimal
}

func New() *Cart {
	return &Cart{lines: make([]domain.CartLine, 0, 8)}
}

// AddEntry adds qty units of a catalog entry, merging into an existing line
// for the same entry instead of creating a duplicate. Price and discount
// policy are copied from the entry and stay fixed for the life of the line.
func (c *Cart) AddEntry(entry domain.CatalogEntry, qty int) (domain.CartLine, error) {
	if qty < 1 {
		qty = 1
	}
	if entry.OnHand == 0 {
		return domain.CartLine{}, fmt.Errorf("%s: %w", entry.ID, domain.ErrOutOfStock)
	}
	if entry.Expiry != nil && !entry.Expiry.After(time.Now().UTC()) {
		return domain.CartLine{}, fmt.Errorf("%s: %w", entry.ID, domain.ErrExpired)
	}

	for i := range c.lines {
		if c.lines[i].EntryID != entry.ID {
			continue
		}
		newQty := c.lines[i].Qty + qty
		if newQty > entry.OnHand {
			return domain.CartLine{}, &domain.StockShortage{EntryID: entry.ID, Requested: newQty, Available: entry.OnHand}
		}
		c.lines[i].Qty = newQty
		recompute(&c.lines[i])
		return c.lines[i], nil
	}

	if qty > entry.OnHand {
		return domain.CartLine{}, &domain.StockShortage{EntryID: entry.ID, Requested: qty, Available: entry.OnHand}
	}

	discountPct := decimal.Zero
	if entry.AllowDiscount {
		discountPct = entry.DefaultDiscountPct
	}
	line := domain.CartLine{
		ID:             xid.New("line"),
		EntryID:        entry.ID,
		Name:           entry.Name,
		Unit:           entry.Unit,
		Qty:            qty,
		UnitPrice:      entry.UnitPrice,
		AllowDiscount:  entry.AllowDiscount,
		MaxDiscountPct: entry.MaxDiscountPct,
		DiscountPct:    discountPct,
	}
	recompute(&line)
	c.lines = append(c.lines, line)
	return line, nil
}

// UpdateQuantity sets a line's quantity, re-validating against the current
// on-hand quantity supplied by the caller. A quantity of zero or less removes
// the line. The discount percentage is held fixed.
func (c *Cart) UpdateQuantity(lineID string, newQty int, onHand int) error {
	idx := c.index(lineID)
	if idx < 0 {
		return fmt.Errorf("line %s: %w", lineID, domain.ErrNotFound)
	}
	if newQty <= 0 {
		c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
		return nil
	}
	if newQty > onHand {
		return &domain.StockShortage{EntryID: c.lines[idx].EntryID, Requested: newQty, Available: onHand}
	}
	c.lines[idx].Qty = newQty
	recompute(&c.lines[idx])
	return nil
}

// UpdateDiscount sets a line's discount percentage within the policy frozen
// at add time.
func (c *Cart) UpdateDiscount(lineID string, pct decimal.Decimal) error {
	idx := c.index(lineID)
	if idx < 0 {
		return fmt.Errorf("line %s: %w", lineID, domain.ErrNotFound)
	}
	line := &c.lines[idx]
	if !line.AllowDiscount {
		return fmt.Errorf("%s: %w", line.EntryID, domain.ErrDiscountNotAllowed)
	}
	if pct.IsNegative() {
		return fmt.Errorf("%w: discount percentage cannot be negative", domain.ErrInvalidInput)
	}
	if pct.GreaterThan(line.MaxDiscountPct) {
		return fmt.Errorf("%s: %w (max %s%%)", line.EntryID, domain.ErrDiscountExceedsMax, line.MaxDiscountPct)
	}
	line.DiscountPct = pct
	recompute(line)
	return nil
}

func (c *Cart) RemoveLine(lineID string) error {
	idx := c.index(lineID)
	if idx < 0 {
		return fmt.Errorf("line %s: %w", lineID, domain.ErrNotFound)
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	return nil
}

func (c *Cart) Clear() {
	c.lines = c.lines[:0]
	c.customerID = ""
	c.paymentMethod = ""
	c.tendered = nil
}

// Totals recomputes the derived totals from scratch. Tax is applied once on
// (subtotal - discount) at the given flat percentage rate. No rounding here;
// values stay at full precision until commit or display.
func (c *Cart) Totals(taxRatePct decimal.Decimal) domain.CartTotals {
	subtotal := decimal.Zero
	discount := decimal.Zero
	for _, line := range c.lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
		discount = discount.Add(line.DiscountAmount)
	}
	base := subtotal.Sub(discount)
	tax := base.Mul(taxRatePct).Div(hundred)
	return domain.CartTotals{
		Subtotal:    subtotal,
		Discount:    discount,
		TaxableBase: base,
		Tax:         tax,
		GrandTotal:  base.Add(tax),
	}
}

// Lines returns a copy of the current lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Line(lineID string) (domain.CartLine, bool) {
	idx := c.index(lineID)
	if idx < 0 {
		return domain.CartLine{}, false
	}
	return c.lines[idx], true
}

func (c *Cart) IsEmpty() bool { return len(c.lines) == 0 }

func (c *Cart) SetCustomer(customerID string) { c.customerID = customerID }

func (c *Cart) CustomerID() string { return c.customerID }

func (c *Cart) SetPaymentMethod(method string) { c.paymentMethod = method }

func (c *Cart) PaymentMethod() string { return c.paymentMethod }

// SetTendered records the cash amount handed over. A nil tendered amount
// means exact payment.
func (c *Cart) SetTendered(amount decimal.Decimal) {
	c.tendered = &amount
}

func (c *Cart) Tendered() *decimal.Decimal {
	if c.tendered == nil {
		return nil
	}
	amount := *c.tendered
	return &amount
}

func (c *Cart) index(lineID string) int {
	for i := range c.lines {
		if c.lines[i].ID == lineID {
			return i
		}
	}
	return -1
}

// recompute re-derives the discount amount and line total. The discount is
// always applied to unit_price * qty, never to an already discounted amount.
func recompute(line *domain.CartLine) {
	gross := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty)))
	line.DiscountAmount = gross.Mul(line.DiscountPct).Div(hundred)
	line.LineTotal = gross.Sub(line.DiscountAmount)
}
