package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/CheetahExchange/gitbitex-new/internal/engine"
	"github.com/redis/go-redis/v9"
)

const (
	channelAccount      = "account"
	channelOrder        = "order"
	channelOrderBookLog = "orderBookLog"

	l2KeyPrefix    = "l2_orderbook:"
	publishTimeout = 2 * time.Second
)

// RedisFeed pushes best-effort market data updates to Redis pub/sub and
// keeps the latest L2 snapshot per product under a plain key. Feed failures
// are logged and swallowed, they never gate durability.
type RedisFeed struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisFeed(client *redis.Client, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{
		client: client,
		logger: logger.With("component", "redis_feed"),
	}
}

func (f *RedisFeed) PublishAccount(account *engine.Account) {
	f.publish(channelAccount, account)
}

func (f *RedisFeed) PublishOrder(order *engine.Order) {
	f.publish(channelOrder, order)
}

func (f *RedisFeed) PublishOrderLog(orderLog *engine.OrderLog) {
	f.publish(channelOrderBookLog, orderLog)
}

// SaveL2OrderBook stores the snapshot under a per-product key and notifies
// subscribers on the same key so they can re-read on change.
func (f *RedisFeed) SaveL2OrderBook(book *engine.L2OrderBook) {
	payload, err := json.Marshal(book)
	if err != nil {
		f.logger.Error("encode l2 snapshot", "product_id", book.ProductID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	key := fmt.Sprintf("%s%s", l2KeyPrefix, book.ProductID)
	if err := f.client.Set(ctx, key, payload, 0).Err(); err != nil {
		f.logger.Error("save l2 snapshot", "product_id", book.ProductID, "error", err)
		return
	}
	if err := f.client.Publish(ctx, key, payload).Err(); err != nil {
		f.logger.Error("notify l2 snapshot", "product_id", book.ProductID, "error", err)
	}
}

func (f *RedisFeed) publish(channel string, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		f.logger.Error("encode feed message", "channel", channel, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		f.logger.Error("publish feed message", "channel", channel, "error", err)
	}
}
