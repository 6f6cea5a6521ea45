package engine

import (
	"container/heap"
	"container/list"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"log/slog"
)

// OrderBook is the matching collaborator for one product: price/time
// priority over resting limit orders, with fund reservation and settlement
// delegated to the AccountBook. Every Order, Trade and OrderLog it mutates
// while applying a command is appended to the supplied batch.
type OrderBook struct {
	productID   string
	tradeID     uint64
	sequence    uint64
	accountBook *AccountBook
	productBook *ProductBook
	bids        *bookSide
	asks        *bookSide
	orders      map[string]*orderRef
	logger      *slog.Logger
}

// NewOrderBook creates the book for productID. tradeID and sequence are the
// restored watermarks; zero for a fresh book.
func NewOrderBook(productID string, tradeID, sequence uint64, accountBook *AccountBook, productBook *ProductBook, logger *slog.Logger) *OrderBook {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderBook{
		productID:   productID,
		tradeID:     tradeID,
		sequence:    sequence,
		accountBook: accountBook,
		productBook: productBook,
		bids:        newBookSide(true),
		asks:        newBookSide(false),
		orders:      make(map[string]*orderRef),
		logger:      logger,
	}
}

// PlaceOrder reserves funds, matches against the opposite side and either
// rests the remainder or completes the order. A failed reservation rejects
// the order; only a ledger inconsistency returns an error.
func (ob *OrderBook) PlaceOrder(order *Order, batch *Batch) error {
	product := ob.productBook.Get(ob.productID)
	if product == nil {
		ob.logger.Warn("order for unknown product rejected", "product", ob.productID, "order", order.ID)
		ob.rejectOrder(order, batch)
		return nil
	}

	var holdCurrency string
	var holdAmount decimal.Decimal
	if order.Side == SideBuy {
		if order.Type == TypeLimit {
			order.Funds = order.Size.Mul(order.Price)
		}
		order.RemainingSize = order.Size
		order.RemainingFunds = order.Funds
		holdCurrency = product.QuoteCurrency
		holdAmount = order.Funds
	} else {
		order.RemainingSize = order.Size
		order.RemainingFunds = decimal.Zero
		holdCurrency = product.BaseCurrency
		holdAmount = order.Size
	}

	if !ob.accountBook.Hold(order.UserID, holdCurrency, holdAmount, batch) {
		ob.logger.Warn("insufficient funds, order rejected",
			"order", order.ID, "user", order.UserID, "currency", holdCurrency, "amount", holdAmount)
		ob.rejectOrder(order, batch)
		return nil
	}
	order.Status = OrderStatusOpen

	opposite := ob.asks
	if order.Side == SideSell {
		opposite = ob.bids
	}

	for {
		if order.Side == SideSell || order.Type == TypeLimit {
			if !order.RemainingSize.IsPositive() {
				break
			}
		}

		best := opposite.best()
		if best == nil || !crosses(order, best.price) {
			break
		}
		makerElem := best.orders.Front()
		if makerElem == nil {
			break
		}
		maker := makerElem.Value.(*Order)
		price := maker.Price

		fillSize := order.RemainingSize
		if order.Side == SideBuy && order.Type == TypeMarket {
			// a market buy is bounded by funds, truncated to the base scale
			sizeByFunds, _ := order.RemainingFunds.QuoRem(price, product.BaseScale)
			if !sizeByFunds.IsPositive() {
				break
			}
			fillSize = sizeByFunds
		}
		if maker.RemainingSize.LessThan(fillSize) {
			fillSize = maker.RemainingSize
		}
		fillFunds := fillSize.Mul(price)

		if order.Side == SideBuy {
			if order.Type == TypeLimit {
				order.RemainingSize = order.RemainingSize.Sub(fillSize)
			}
			order.RemainingFunds = order.RemainingFunds.Sub(fillFunds)
		} else {
			order.RemainingSize = order.RemainingSize.Sub(fillSize)
		}
		maker.RemainingSize = maker.RemainingSize.Sub(fillSize)
		if maker.Side == SideBuy {
			maker.RemainingFunds = maker.RemainingFunds.Sub(fillFunds)
		}

		if err := ob.accountBook.Exchange(order.UserID, maker.UserID,
			product.BaseCurrency, product.QuoteCurrency, order.Side, fillSize, fillFunds, batch); err != nil {
			return fmt.Errorf("settle %s/%s: %w", order.ID, maker.ID, err)
		}

		ob.tradeID++
		batch.AddTrade(&Trade{
			ID:           ob.tradeID,
			ProductID:    ob.productID,
			TakerOrderID: order.ID,
			MakerOrderID: maker.ID,
			Price:        price,
			Size:         fillSize,
			Funds:        fillFunds,
			Side:         order.Side,
			Time:         time.Now().UTC(),
		})
		ob.appendLog(batch, OrderLogMatch, order.ID, price, fillSize, order.Side)

		if !maker.RemainingSize.IsPositive() {
			ob.remove(maker.ID)
			if err := ob.completeOrder(maker, OrderStatusFilled, product, batch); err != nil {
				return err
			}
		} else {
			batch.AddOrder(maker.Clone())
		}
	}

	if order.Type == TypeLimit && order.RemainingSize.IsPositive() {
		ref := ob.sideOf(order.Side).add(order)
		ob.orders[order.ID] = ref
		batch.AddOrder(order.Clone())
		ob.appendLog(batch, OrderLogOpen, order.ID, order.Price, order.RemainingSize, order.Side)
	} else {
		status := OrderStatusCancelled
		if order.Side == SideBuy && order.Type == TypeMarket {
			if order.RemainingFunds.IsZero() {
				status = OrderStatusFilled
			}
		} else if order.RemainingSize.IsZero() {
			status = OrderStatusFilled
		}
		if err := ob.completeOrder(order, status, product, batch); err != nil {
			return err
		}
	}

	batch.AddBookComplete()
	return nil
}

// CancelOrder releases the order's remaining reservation and marks it
// cancelled. Cancelling an order the book no longer holds is a no-op.
func (ob *OrderBook) CancelOrder(orderID string, batch *Batch) error {
	ref, ok := ob.orders[orderID]
	if !ok {
		ob.logger.Warn("cancel of unknown order ignored", "product", ob.productID, "order", orderID)
		batch.AddBookComplete()
		return nil
	}
	product := ob.productBook.Get(ob.productID)
	if product == nil {
		return fmt.Errorf("cancel order %s: product %s not found", orderID, ob.productID)
	}

	ob.remove(orderID)
	if err := ob.completeOrder(ref.order, OrderStatusCancelled, product, batch); err != nil {
		return err
	}
	batch.AddBookComplete()
	return nil
}

// AddOrder re-attaches a restored open order without re-reserving funds.
// Recovery only.
func (ob *OrderBook) AddOrder(order *Order) {
	if _, exists := ob.orders[order.ID]; exists {
		return
	}
	if !order.RemainingSize.IsPositive() {
		return
	}
	ref := ob.sideOf(order.Side).add(order)
	ob.orders[order.ID] = ref
}

func (ob *OrderBook) rejectOrder(order *Order, batch *Batch) {
	order.Status = OrderStatusRejected
	batch.AddOrder(order.Clone())
	ob.appendLog(batch, OrderLogRejected, order.ID, order.Price, order.Size, order.Side)
	batch.AddBookComplete()
}

// completeOrder releases whatever is still reserved for the order and
// records its terminal status. The order must already be off the book.
func (ob *OrderBook) completeOrder(order *Order, status string, product *Product, batch *Batch) error {
	var leftover decimal.Decimal
	var currency string
	if order.Side == SideBuy {
		leftover = order.RemainingFunds
		currency = product.QuoteCurrency
	} else {
		leftover = order.RemainingSize
		currency = product.BaseCurrency
	}
	if leftover.IsPositive() {
		if err := ob.accountBook.Unhold(order.UserID, currency, leftover, batch); err != nil {
			return fmt.Errorf("release order %s: %w", order.ID, err)
		}
	}

	order.Status = status
	batch.AddOrder(order.Clone())
	ob.appendLog(batch, OrderLogDone, order.ID, order.Price, order.RemainingSize, order.Side)
	return nil
}

func (ob *OrderBook) appendLog(batch *Batch, logType, orderID string, price, size decimal.Decimal, side string) {
	ob.sequence++
	batch.AddOrderLog(&OrderLog{
		ProductID: ob.productID,
		Sequence:  ob.sequence,
		Type:      logType,
		OrderID:   orderID,
		Price:     price,
		Size:      size,
		Side:      side,
		Time:      time.Now().UTC(),
	})
}

func (ob *OrderBook) sideOf(side string) *bookSide {
	if side == SideBuy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) remove(orderID string) {
	ref, ok := ob.orders[orderID]
	if !ok {
		return
	}
	ref.sideBook.remove(ref)
	delete(ob.orders, orderID)
}

func crosses(incoming *Order, makerPrice decimal.Decimal) bool {
	if incoming.Type == TypeMarket {
		return true
	}
	if incoming.Side == SideBuy {
		return makerPrice.LessThanOrEqual(incoming.Price)
	}
	return makerPrice.GreaterThanOrEqual(incoming.Price)
}

type orderRef struct {
	order    *Order
	element  *list.Element
	level    *priceLevel
	sideBook *bookSide
}

type priceLevel struct {
	price  decimal.Decimal
	key    string
	orders *list.List
	index  int
}

type bookSide struct {
	levels map[string]*priceLevel
	heap   priceHeap
}

func newBookSide(isBuy bool) *bookSide {
	side := &bookSide{
		levels: make(map[string]*priceLevel),
		heap:   priceHeap{isMax: isBuy},
	}
	heap.Init(&side.heap)
	return side
}

func (s *bookSide) add(order *Order) *orderRef {
	key := order.Price.String()
	level := s.levels[key]
	if level == nil {
		level = &priceLevel{price: order.Price, key: key, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	element := level.orders.PushBack(order)
	return &orderRef{order: order, element: element, level: level, sideBook: s}
}

func (s *bookSide) remove(ref *orderRef) {
	if ref == nil || ref.level == nil || ref.element == nil {
		return
	}
	ref.level.orders.Remove(ref.element)
	if ref.level.orders.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.key)
	}
}

func (s *bookSide) best() *priceLevel {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap.levels[0]
}

type priceHeap struct {
	levels []*priceLevel
	isMax  bool
}

func (h priceHeap) Len() int { return len(h.levels) }

func (h priceHeap) Less(i, j int) bool {
	cmp := h.levels[i].price.Cmp(h.levels[j].price)
	if h.isMax {
		return cmp > 0
	}
	return cmp < 0
}

func (h priceHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *priceHeap) Push(x interface{}) {
	level := x.(*priceLevel)
	level.index = len(h.levels)
	h.levels = append(h.levels, level)
}

func (h *priceHeap) Pop() interface{} {
	old := h.levels
	n := len(old)
	item := old[n-1]
	item.index = -1
	h.levels = old[:n-1]
	return item
}
