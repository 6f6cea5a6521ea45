package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"

	OrderStatusNew       = "new"
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Account is one (user, currency) balance pair. Available and Hold are never
// negative after a ledger operation; a negative result is a fatal bug, not a
// recoverable condition.
type Account struct {
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
}

// Clone returns a value copy safe to hand to asynchronous consumers.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// Product is a trading pair configuration.
type Product struct {
	ID            string `json:"id"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	BaseScale     int32  `json:"base_scale"`
	QuoteScale    int32  `json:"quote_scale"`
}

func (p *Product) Clone() *Product {
	c := *p
	return &c
}

// Order tracks both remaining size and remaining funds: buys reserve quote
// funds at placement, sells reserve base size, and whatever remains reserved
// at completion is released back to available.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ProductID      string          `json:"product_id"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	Funds          decimal.Decimal `json:"funds"`
	RemainingSize  decimal.Decimal `json:"remaining_size"`
	RemainingFunds decimal.Decimal `json:"remaining_funds"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Trade is an immutable fact produced by a successful match. ID increases
// monotonically per product.
type Trade struct {
	ID           uint64          `json:"id"`
	ProductID    string          `json:"product_id"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Funds        decimal.Decimal `json:"funds"`
	Side         string          `json:"side"`
	Time         time.Time       `json:"time"`
}

const (
	OrderLogOpen     = "open"
	OrderLogMatch    = "match"
	OrderLogDone     = "done"
	OrderLogRejected = "rejected"
)

// OrderLog is the per-product mutation log marker; Sequence increases
// monotonically per product and drives the depth projection.
type OrderLog struct {
	ProductID string          `json:"product_id"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	OrderID   string          `json:"order_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"`
	Time      time.Time       `json:"time"`
}
