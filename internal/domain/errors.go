package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the checkout core. Validation-kind errors leave the
// cart and durable state untouched; commit-kind errors (insufficient stock at
// reserve time, persistence failures) leave durable state untouched and are
// safe to retry.
var (
	ErrNotFound              = errors.New("not found")
	ErrOutOfStock            = errors.New("out of stock")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrExpired               = errors.New("entry expired")
	ErrDiscountNotAllowed    = errors.New("discount not allowed")
	ErrDiscountExceedsMax    = errors.New("discount exceeds maximum")
	ErrEmptyCart             = errors.New("cart is empty")
	ErrPaymentMethodRequired = errors.New("payment method required")
	ErrInsufficientPayment   = errors.New("insufficient payment")
	ErrNoActiveSession       = errors.New("no active session")
	ErrSessionAlreadyOpen    = errors.New("session already open")
	ErrSessionNotOpen        = errors.New("session not open")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
)

// StockShortage names the offending entry and the shortfall so the caller can
// drive a corrective action. Matches ErrInsufficientStock via errors.Is.
type StockShortage struct {
	EntryID   string
	Requested int
	Available int
}

func (e *StockShortage) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.EntryID, e.Requested, e.Available)
}

func (e *StockShortage) Unwrap() error { return ErrInsufficientStock }

// PaymentShortfall reports how much the tendered amount misses the grand
// total. Matches ErrInsufficientPayment via errors.Is.
type PaymentShortfall struct {
	Tendered   decimal.Decimal
	GrandTotal decimal.Decimal
}

func (e *PaymentShortfall) Error() string {
	return fmt.Sprintf("insufficient payment: tendered %s against total %s (short %s)",
		e.Tendered.StringFixed(2), e.GrandTotal.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *PaymentShortfall) Unwrap() error { return ErrInsufficientPayment }

func (e *PaymentShortfall) Shortfall() decimal.Decimal {
	return e.GrandTotal.Sub(e.Tendered)
}
