package pubsub

import (
	"fmt"
	"log/slog"

	"github.com/CheetahExchange/gitbitex-new/internal/engine"
	"github.com/CheetahExchange/gitbitex-new/libs/kafka"
)

const (
	eventTypeAccount = "account.updated"
	eventTypeOrder   = "order.updated"
	eventTypeTrade   = "trade.executed"

	eventVersion = 1
)

type Topics struct {
	Accounts string
	Orders   string
	Trades   string
}

// KafkaProducer publishes engine batch entries to the downstream topics.
// Acks from the broker flow back into the batch saved counters through the
// callback handed to each send.
type KafkaProducer struct {
	publisher kafka.Publisher
	topics    Topics
	logger    *slog.Logger
}

func NewKafkaProducer(publisher kafka.Publisher, topics Topics, logger *slog.Logger) *KafkaProducer {
	return &KafkaProducer{
		publisher: publisher,
		topics:    topics,
		logger:    logger.With("component", "kafka_producer"),
	}
}

type accountEvent struct {
	kafka.Envelope
	Account *engine.Account `json:"account"`
}

type orderEvent struct {
	kafka.Envelope
	Order *engine.Order `json:"order"`
}

type tradeEvent struct {
	kafka.Envelope
	Trade *engine.Trade `json:"trade"`
}

func (p *KafkaProducer) SendAccount(account *engine.Account, ack kafka.AckFunc) {
	envelope, err := kafka.NewEnvelope(eventTypeAccount, eventVersion)
	if err != nil {
		ack(err)
		return
	}
	p.publisher.PublishAsync(p.topics.Accounts, account.UserID,
		accountEvent{Envelope: envelope, Account: account}, ack)
}

func (p *KafkaProducer) SendOrder(order *engine.Order, ack kafka.AckFunc) {
	envelope, err := kafka.NewEnvelope(eventTypeOrder, eventVersion)
	if err != nil {
		ack(err)
		return
	}
	p.publisher.PublishAsync(p.topics.Orders, order.ProductID,
		orderEvent{Envelope: envelope, Order: order}, ack)
}

// SendTrade derives the event id from the trade identity, so a replayed
// command that re-emits the same trade produces the same event id downstream.
func (p *KafkaProducer) SendTrade(trade *engine.Trade, ack kafka.AckFunc) {
	envelope, err := kafka.NewEnvelope(eventTypeTrade, eventVersion)
	if err != nil {
		ack(err)
		return
	}
	envelope.EventID = kafka.DeterministicEventID(trade.ProductID, fmt.Sprintf("%d", trade.ID))
	p.publisher.PublishAsync(p.topics.Trades, trade.ProductID,
		tradeEvent{Envelope: envelope, Trade: trade}, ack)
}
