package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CatalogEntry is the read-only view of a sellable item at the moment a cart
// line is added. Price and discount policy are copied into the line; only
// OnHand is re-read at commit time.
type CatalogEntry struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Unit               string          `json:"unit"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	OnHand             int             `json:"on_hand"`
	Expiry             *time.Time      `json:"expiry,omitempty"`
	AllowDiscount      bool            `json:"allow_discount"`
	MaxDiscountPct     decimal.Decimal `json:"max_discount_pct"`
	DefaultDiscountPct decimal.Decimal `json:"default_discount_pct"`
}

// CartLine owns quantity, discount and line-total arithmetic for one entry.
// UnitPrice and the discount policy are frozen at add time.
type CartLine struct {
	ID             string          `json:"id"`
	EntryID        string          `json:"entry_id"`
	Name           string          `json:"name"`
	Unit           string          `json:"unit"`
	Qty            int             `json:"qty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	AllowDiscount  bool            `json:"allow_discount"`
	MaxDiscountPct decimal.Decimal `json:"max_discount_pct"`
	DiscountPct    decimal.Decimal `json:"discount_pct"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

// CartTotals is a pure projection over the current lines. Values are kept at
// full precision; rounding happens at commit or display.
type CartTotals struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	TaxableBase decimal.Decimal `json:"taxable_base"`
	Tax         decimal.Decimal `json:"tax"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
}

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

// CashSession tracks a cashier's custody of cash across a shift. At most one
// open session per cashier. Immutable once closed.
type CashSession struct {
	ID            string           `json:"id"`
	CashierID     string           `json:"cashier_id"`
	Status        string           `json:"status"`
	OpenedAt      time.Time        `json:"opened_at"`
	OpeningFloat  decimal.Decimal  `json:"opening_float"`
	ExpectedFloat decimal.Decimal  `json:"expected_float"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	CountedAmount *decimal.Decimal `json:"counted_amount,omitempty"`
	Variance      *decimal.Decimal `json:"variance,omitempty"`
}

// SaleLine is a snapshot of a cart line frozen into a committed sale.
// Copied, not referenced: later catalog changes never alter a posted record.
type SaleLine struct {
	EntryID        string          `json:"entry_id"`
	Name           string          `json:"name"`
	Qty            int             `json:"qty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountPct    decimal.Decimal `json:"discount_pct"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Tax            decimal.Decimal `json:"tax"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

// Sale is a durable, sequentially numbered transaction. All amounts are
// rounded to two decimals at commit.
type Sale struct {
	Number         string          `json:"number"`
	SessionID      string          `json:"session_id"`
	CashierID      string          `json:"cashier_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	PaymentMethod  string          `json:"payment_method"`
	IdempotencyKey string          `json:"idempotency_key"`
	Lines          []SaleLine      `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountTotal  decimal.Decimal `json:"discount_total"`
	TaxTotal       decimal.Decimal `json:"tax_total"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	Tendered       decimal.Decimal `json:"tendered"`
	Change         decimal.Decimal `json:"change"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SessionStats is a read-only aggregate over the sales a session owns.
type SessionStats struct {
	SessionID        string          `json:"session_id"`
	TransactionCount int             `json:"transaction_count"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	AverageTicket    decimal.Decimal `json:"average_ticket"`
}

// ReceiptLine carries display-rounded values only.
type ReceiptLine struct {
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
	Discount  string `json:"discount"`
	Tax       string `json:"tax"`
	Total     string `json:"total"`
}

// Receipt is the output projection of a committed sale, every value already
// rounded to the display precision.
type Receipt struct {
	Number        string        `json:"number"`
	Date          string        `json:"date"`
	Lines         []ReceiptLine `json:"lines"`
	Subtotal      string        `json:"subtotal"`
	DiscountTotal string        `json:"discount_total"`
	Tax           string        `json:"tax"`
	GrandTotal    string        `json:"grand_total"`
	PaymentMethod string        `json:"payment_method"`
	Tendered      string        `json:"tendered"`
	Change        string        `json:"change"`
	Customer      string        `json:"customer,omitempty"`
}

type SessionOpenRequest struct {
	CashierID    string          `json:"cashier_id"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type SessionCloseRequest struct {
	SessionID     string          `json:"session_id"`
	CountedAmount decimal.Decimal `json:"counted_amount"`
}

type SessionResponse struct {
	Session CashSession `json:"session"`
}

// CheckoutResponse reports the committed sale. Duplicate marks an idempotent
// replay of a previously committed checkout.
type CheckoutResponse struct {
	Sale      Sale    `json:"sale"`
	Receipt   Receipt `json:"receipt"`
	Duplicate bool    `json:"duplicate"`
}

type StockReceiveRequest struct {
	EntryID string `json:"entry_id"`
	Qty     int    `json:"qty"`
}

// CheckoutLineRequest is one requested line of a wire checkout. DiscountPct
// overrides the entry's default when present; policy limits still apply.
type CheckoutLineRequest struct {
	EntryID     string           `json:"entry_id"`
	Qty         int              `json:"qty"`
	DiscountPct *decimal.Decimal `json:"discount_pct,omitempty"`
}

// CheckoutRequest is the wire form of a checkout; the handler replays it
// through a cart so the same validation applies as at a terminal.
type CheckoutRequest struct {
	CashierID      string                `json:"cashier_id"`
	CustomerID     string                `json:"customer_id,omitempty"`
	PaymentMethod  string                `json:"payment_method"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	Tendered       *decimal.Decimal      `json:"tendered,omitempty"`
	Lines          []CheckoutLineRequest `json:"lines"`
}
