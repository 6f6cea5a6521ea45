package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/CheetahExchange/gitbitex-new/internal/engine"
	"github.com/CheetahExchange/gitbitex-new/libs/kafka"
	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

const (
	commandTypeDeposit     = "deposit"
	commandTypePutProduct  = "put_product"
	commandTypePlaceOrder  = "place_order"
	commandTypeCancelOrder = "cancel_order"
)

// wireCommand is the on-topic representation of a command. The partition
// offset of the message, not anything in the payload, is the command offset.
type wireCommand struct {
	Type string `json:"type"`

	UserID        string          `json:"user_id,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`

	Product *engine.Product `json:"product,omitempty"`
	Order   *engine.Order   `json:"order,omitempty"`

	ProductID string `json:"product_id,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

// Executor is the engine surface the consumer drives.
type Executor interface {
	Execute(cmd engine.Command) error
	StartupOffset() (offset uint64, ok bool)
}

// CommandConsumer feeds sequenced commands from the single-partition command
// topic into the engine. Redelivered commands at or below the checkpointed
// offset are acknowledged without re-executing.
type CommandConsumer struct {
	engine        Executor
	logger        *slog.Logger
	startupOffset uint64
	hasStartup    bool
}

func NewCommandConsumer(eng Executor, logger *slog.Logger) *CommandConsumer {
	startupOffset, hasStartup := eng.StartupOffset()
	return &CommandConsumer{
		engine:        eng,
		logger:        logger.With("component", "command_consumer"),
		startupOffset: startupOffset,
		hasStartup:    hasStartup,
	}
}

func (c *CommandConsumer) HandleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	offset := uint64(msg.Offset)
	if c.hasStartup && offset <= c.startupOffset {
		c.logger.Debug("skipping already applied command",
			"offset", offset, "startup_offset", c.startupOffset)
		return nil
	}

	cmd, err := decodeCommand(offset, msg.Value)
	if err != nil {
		return kafka.DLQ(err, "malformed command")
	}

	if err := c.engine.Execute(cmd); err != nil {
		return fmt.Errorf("execute command at offset %d: %w", offset, err)
	}
	return nil
}

func decodeCommand(offset uint64, value []byte) (engine.Command, error) {
	var wire wireCommand
	if err := json.Unmarshal(value, &wire); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch wire.Type {
	case commandTypeDeposit:
		if wire.UserID == "" || wire.Currency == "" {
			return nil, fmt.Errorf("deposit command missing user_id or currency")
		}
		return &engine.DepositCommand{
			Offset:        offset,
			UserID:        wire.UserID,
			Currency:      wire.Currency,
			Amount:        wire.Amount,
			TransactionID: wire.TransactionID,
		}, nil
	case commandTypePutProduct:
		if wire.Product == nil || wire.Product.ID == "" {
			return nil, fmt.Errorf("put_product command missing product")
		}
		return &engine.PutProductCommand{Offset: offset, Product: *wire.Product}, nil
	case commandTypePlaceOrder:
		if wire.Order == nil || wire.Order.ID == "" {
			return nil, fmt.Errorf("place_order command missing order")
		}
		return &engine.PlaceOrderCommand{Offset: offset, Order: *wire.Order}, nil
	case commandTypeCancelOrder:
		if wire.ProductID == "" || wire.OrderID == "" {
			return nil, fmt.Errorf("cancel_order command missing product_id or order_id")
		}
		return &engine.CancelOrderCommand{Offset: offset, ProductID: wire.ProductID, OrderID: wire.OrderID}, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", wire.Type)
	}
}
