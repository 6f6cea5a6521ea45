package engine

import "github.com/shopspring/decimal"

// Command is one sequenced mutation request. Offset is the command's
// sequence number: strictly increasing, gap-free, assigned by the command
// log the engine consumes from.
type Command interface {
	CommandOffset() uint64
}

type DepositCommand struct {
	Offset        uint64
	UserID        string
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
}

func (c *DepositCommand) CommandOffset() uint64 { return c.Offset }

type PutProductCommand struct {
	Offset  uint64
	Product Product
}

func (c *PutProductCommand) CommandOffset() uint64 { return c.Offset }

type PlaceOrderCommand struct {
	Offset uint64
	Order  Order
}

func (c *PlaceOrderCommand) CommandOffset() uint64 { return c.Offset }

type CancelOrderCommand struct {
	Offset    uint64
	ProductID string
	OrderID   string
}

func (c *CancelOrderCommand) CommandOffset() uint64 { return c.Offset }
