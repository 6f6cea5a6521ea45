package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CheetahExchange/gitbitex-new/libs/kafka"
	"github.com/CheetahExchange/gitbitex-new/libs/striped"
	"log/slog"
)

// ErrOrderBookNotFound reports a cancel against a product no order was ever
// placed for. That is an upstream logic error, not a condition to paper over.
var ErrOrderBookNotFound = errors.New("order book not found")

// StateStore is the persistence contract for checkpoints.
type StateStore interface {
	GetCommandOffset() (uint64, bool, error)
	GetTradeIDs() (map[string]uint64, error)
	GetSequences() (map[string]uint64, error)
	ForEachProduct(fn func(*Product) error) error
	ForEachAccount(fn func(*Account) error) error
	ForEachOrder(fn func(*Order) error) error
	Write(offset uint64, accounts []*Account, orders []*Order, products []*Product,
		tradeIDs, sequences map[string]uint64) error
	Close() error
}

// Producer is the durable downstream sink. Each send must invoke ack exactly
// once; the engine only counts a batch entry as saved on a nil-error ack.
type Producer interface {
	SendAccount(account *Account, ack kafka.AckFunc)
	SendOrder(order *Order, ack kafka.AckFunc)
	SendTrade(trade *Trade, ack kafka.AckFunc)
}

// Feed is the best-effort market-data side channel. It carries no durability
// guarantee and must never block the durability pipeline for long.
type Feed interface {
	PublishAccount(account *Account)
	PublishOrder(order *Order)
	PublishOrderLog(orderLog *OrderLog)
	SaveL2OrderBook(l2 *L2OrderBook)
}

type Metrics interface {
	ObserveCommand(kind string, duration time.Duration)
	ObserveTrades(productID string, count int)
	SetPendingBatches(n float64)
	SetCheckpointOffset(offset float64)
}

type Config struct {
	// PendingQueueSize is the durability queue high-water mark: a full
	// queue blocks command application rather than dropping batches.
	PendingQueueSize int
	PublishWorkers   int
	PublishQueue     int

	DrainInterval      time.Duration
	CheckpointInterval time.Duration
	L2PublishInterval  time.Duration

	// L2Depth limits snapshot price levels per side; L2SequenceGap is how
	// far the projection sequence must advance before the per-command
	// trigger emits a new snapshot.
	L2Depth       int
	L2SequenceGap uint64
}

func (c *Config) withDefaults() {
	if c.PendingQueueSize <= 0 {
		c.PendingQueueSize = 100000
	}
	if c.PublishWorkers <= 0 {
		c.PublishWorkers = 4
	}
	if c.PublishQueue <= 0 {
		c.PublishQueue = 4096
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Second
	}
	if c.L2PublishInterval <= 0 {
		c.L2PublishInterval = time.Second
	}
	if c.L2Depth <= 0 {
		c.L2Depth = 50
	}
	if c.L2SequenceGap == 0 {
		c.L2SequenceGap = 500
	}
}

// Engine is the single authoritative sequencer. Execute must be called from
// exactly one goroutine; everything else the engine does is asynchronous
// bookkeeping over value copies recorded in batches.
type Engine struct {
	cfg Config

	productBook *ProductBook
	accountBook *AccountBook
	orderBooks  map[string]*OrderBook

	pending chan *Batch

	unsavedMu sync.Mutex
	unsaved   map[uint64]*Batch

	depthMu    sync.Mutex
	depthBooks map[string]*DepthBook
	lastL2Seq  map[string]uint64

	publishPool *striped.Pool
	depthPool   *striped.Pool

	store    StateStore
	producer Producer
	feed     Feed
	logger   *slog.Logger
	metrics  Metrics

	startupOffset    uint64
	hasStartupOffset bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New restores state from the store's last checkpoint and starts the
// durability, checkpoint and depth-publish loops.
func New(store StateStore, producer Producer, feed Feed, cfg Config, logger *slog.Logger, metrics Metrics) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.withDefaults()

	e := &Engine{
		cfg:         cfg,
		productBook: NewProductBook(),
		accountBook: NewAccountBook(logger),
		orderBooks:  make(map[string]*OrderBook),
		pending:     make(chan *Batch, cfg.PendingQueueSize),
		unsaved:     make(map[uint64]*Batch),
		depthBooks:  make(map[string]*DepthBook),
		lastL2Seq:   make(map[string]uint64),
		publishPool: striped.NewPool(cfg.PublishWorkers, cfg.PublishQueue),
		depthPool:   striped.NewPool(1, cfg.PublishQueue),
		store:       store,
		producer:    producer,
		feed:        feed,
		logger:      logger,
		metrics:     metrics,
		stopCh:      make(chan struct{}),
	}

	if err := e.restoreState(); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}

	e.wg.Add(3)
	go e.drainLoop()
	go e.checkpointLoop()
	go e.depthPublishLoop()
	return e, nil
}

// StartupOffset returns the checkpoint offset the engine restored from.
// ok is false on a cold start. Commands with offsets at or below the
// returned value were already applied and must be skipped by the caller.
func (e *Engine) StartupOffset() (offset uint64, ok bool) {
	return e.startupOffset, e.hasStartupOffset
}

// Execute applies one command and enqueues its mutation batch for the
// durability pipeline. An error means the in-memory state can no longer be
// trusted; the caller must stop feeding commands.
func (e *Engine) Execute(cmd Command) error {
	start := time.Now()
	var kind string

	switch c := cmd.(type) {
	case *DepositCommand:
		kind = "deposit"
		batch := NewBatch(c.Offset, "")
		e.accountBook.Deposit(c.UserID, c.Currency, c.Amount, c.TransactionID, batch)
		e.enqueue(batch)

	case *PutProductCommand:
		kind = "put_product"
		batch := NewBatch(c.Offset, "")
		product := c.Product
		e.productBook.PutProduct(&product, batch)
		e.enqueue(batch)

	case *PlaceOrderCommand:
		kind = "place_order"
		order := c.Order
		batch := NewBatch(c.Offset, order.ProductID)
		book := e.orderBook(order.ProductID)
		if err := book.PlaceOrder(&order, batch); err != nil {
			return fmt.Errorf("place order %s: %w", order.ID, err)
		}
		e.observeTrades(batch)
		e.enqueue(batch)

	case *CancelOrderCommand:
		kind = "cancel_order"
		book, ok := e.orderBooks[c.ProductID]
		if !ok {
			return fmt.Errorf("cancel order %s on product %s: %w", c.OrderID, c.ProductID, ErrOrderBookNotFound)
		}
		batch := NewBatch(c.Offset, c.ProductID)
		if err := book.CancelOrder(c.OrderID, batch); err != nil {
			return fmt.Errorf("cancel order %s: %w", c.OrderID, err)
		}
		e.enqueue(batch)

	default:
		return fmt.Errorf("unknown command type %T", cmd)
	}

	if e.metrics != nil {
		e.metrics.ObserveCommand(kind, time.Since(start))
	}
	return nil
}

// Shutdown stops the background loops, waits for in-flight publishes to
// finish and closes the state store.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.publishPool.Shutdown()
		e.depthPool.Shutdown()
		if err := e.store.Close(); err != nil {
			e.logger.Error("state store close failed", "error", err)
		}
	})
}

func (e *Engine) orderBook(productID string) *OrderBook {
	book, ok := e.orderBooks[productID]
	if !ok {
		book = NewOrderBook(productID, 0, 0, e.accountBook, e.productBook, e.logger)
		e.orderBooks[productID] = book
	}
	return book
}

// enqueue hands a batch to the durability pipeline. A full queue blocks:
// commands stall under sustained overload, they are never dropped.
func (e *Engine) enqueue(batch *Batch) {
	e.pending <- batch
	if e.metrics != nil {
		e.metrics.SetPendingBatches(float64(len(e.pending)))
	}
}

func (e *Engine) observeTrades(batch *Batch) {
	if e.metrics == nil {
		return
	}
	trades := 0
	for _, entry := range batch.Entries() {
		if entry.Kind == KindTrade {
			trades++
		}
	}
	if trades > 0 {
		e.metrics.ObserveTrades(batch.ProductID, trades)
	}
}

func (e *Engine) drainLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.drainPending()
		}
	}
}

func (e *Engine) drainPending() {
	for {
		select {
		case batch := <-e.pending:
			e.dispatch(batch)
		default:
			if e.metrics != nil {
				e.metrics.SetPendingBatches(float64(len(e.pending)))
			}
			return
		}
	}
}

// dispatch routes every entry of the batch to its downstream sink,
// partitioned so one entity's mutations keep their order while different
// entities publish in parallel.
func (e *Engine) dispatch(batch *Batch) {
	e.unsavedMu.Lock()
	e.unsaved[batch.CommandOffset] = batch
	e.unsavedMu.Unlock()

	for _, entry := range batch.Entries() {
		switch entry.Kind {
		case KindAccount:
			account := entry.Account
			e.publishPool.Execute(account.UserID, func() {
				e.producer.SendAccount(account, savedAck(batch))
				e.feed.PublishAccount(account)
			})
		case KindOrder:
			order := entry.Order
			e.publishPool.Execute(order.ProductID, func() {
				e.producer.SendOrder(order, savedAck(batch))
				e.feed.PublishOrder(order)
			})
		case KindTrade:
			trade := entry.Trade
			e.publishPool.Execute(trade.ProductID, func() {
				e.producer.SendTrade(trade, savedAck(batch))
			})
		case KindOrderLog:
			// log markers have no durable sink of their own; they are
			// persisted through the checkpoint's sequence watermarks
			orderLog := entry.OrderLog
			batch.MarkSaved()
			e.publishPool.Execute(orderLog.ProductID, func() {
				e.feed.PublishOrderLog(orderLog)
			})
		case KindProduct, KindBookComplete:
			batch.MarkSaved()
		}
	}

	e.updateDepth(batch)
}

func savedAck(batch *Batch) kafka.AckFunc {
	return func(err error) {
		if err == nil {
			batch.MarkSaved()
		}
	}
}

func (e *Engine) updateDepth(batch *Batch) {
	productID := batch.ProductID
	if productID == "" {
		return
	}

	e.depthPool.Execute(productID, func() {
		depthBook := e.depthBook(productID, 0)
		for _, entry := range batch.Entries() {
			switch entry.Kind {
			case KindOrder:
				if entry.Order.Status == OrderStatusOpen {
					depthBook.PutOrder(entry.Order)
				} else {
					depthBook.RemoveOrder(entry.Order)
				}
			case KindOrderLog:
				depthBook.SetSequence(entry.OrderLog.Sequence)
			case KindBookComplete:
				e.publishL2(depthBook, e.cfg.L2SequenceGap)
			}
		}
	})
}

// publishL2 emits an L2 snapshot when the projection advanced more than
// sequenceGap since the last emission. Runs on the depth stripe only.
func (e *Engine) publishL2(depthBook *DepthBook, sequenceGap uint64) {
	productID := depthBook.ProductID()
	if depthBook.Sequence()-e.lastL2Seq[productID] > sequenceGap {
		l2 := depthBook.SnapshotL2(e.cfg.L2Depth)
		e.lastL2Seq[productID] = depthBook.Sequence()
		e.feed.SaveL2OrderBook(l2)
	}
}

func (e *Engine) depthBook(productID string, sequence uint64) *DepthBook {
	e.depthMu.Lock()
	defer e.depthMu.Unlock()
	depthBook, ok := e.depthBooks[productID]
	if !ok {
		depthBook = NewDepthBook(productID, sequence)
		e.depthBooks[productID] = depthBook
	}
	return depthBook
}

func (e *Engine) depthPublishLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.L2PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.depthMu.Lock()
			books := make([]*DepthBook, 0, len(e.depthBooks))
			for _, depthBook := range e.depthBooks {
				books = append(books, depthBook)
			}
			e.depthMu.Unlock()

			for _, depthBook := range books {
				depthBook := depthBook
				e.depthPool.Execute(depthBook.ProductID(), func() {
					e.publishL2(depthBook, 0)
				})
			}
		}
	}
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.checkpoint(); err != nil {
				e.logger.Error("checkpoint failed", "error", err)
			}
		}
	}
}

// checkpoint folds the contiguous fully-saved prefix of batches into a
// consolidated snapshot and persists it, keyed by the highest folded
// offset. Folded batches are dropped from memory whether or not the persist
// step runs.
func (e *Engine) checkpoint() error {
	e.unsavedMu.Lock()
	offsets := make([]uint64, 0, len(e.unsaved))
	for offset := range e.unsaved {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	accounts := make(map[string]*Account)
	orders := make(map[string]*Order)
	products := make(map[string]*Product)
	tradeIDs := make(map[string]uint64)
	sequences := make(map[string]uint64)

	var folded bool
	var foldOffset uint64
	for _, offset := range offsets {
		batch := e.unsaved[offset]
		if !batch.AllSaved() {
			break
		}
		for _, entry := range batch.Entries() {
			switch entry.Kind {
			case KindAccount:
				accounts[entry.Account.UserID+"/"+entry.Account.Currency] = entry.Account
			case KindOrder:
				orders[entry.Order.ID] = entry.Order
			case KindProduct:
				products[entry.Product.ID] = entry.Product
			case KindTrade:
				tradeIDs[entry.Trade.ProductID] = entry.Trade.ID
			case KindOrderLog:
				sequences[entry.OrderLog.ProductID] = entry.OrderLog.Sequence
			case KindBookComplete:
			}
		}
		foldOffset = offset
		folded = true
		delete(e.unsaved, offset)
	}
	e.unsavedMu.Unlock()

	if !folded {
		return nil
	}

	storedOffset, ok, err := e.store.GetCommandOffset()
	if err != nil {
		return fmt.Errorf("read stored offset: %w", err)
	}
	if ok && foldOffset <= storedOffset {
		e.logger.Warn("ignore outdated checkpoint", "offset", foldOffset, "stored", storedOffset)
		return nil
	}

	if err := e.store.Write(foldOffset, values(accounts), values(orders), values(products), tradeIDs, sequences); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if e.metrics != nil {
		e.metrics.SetCheckpointOffset(float64(foldOffset))
	}
	e.logger.Info("state saved",
		"offset", foldOffset,
		"accounts", len(accounts),
		"orders", len(orders),
		"products", len(products),
		"trade_ids", len(tradeIDs),
		"sequences", len(sequences))
	return nil
}

func (e *Engine) restoreState() error {
	offset, ok, err := e.store.GetCommandOffset()
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Info("no checkpoint found, cold start")
		return nil
	}
	e.startupOffset = offset
	e.hasStartupOffset = true

	tradeIDs, err := e.store.GetTradeIDs()
	if err != nil {
		return err
	}
	sequences, err := e.store.GetSequences()
	if err != nil {
		return err
	}

	if err := e.store.ForEachProduct(func(product *Product) error {
		e.productBook.Add(product)
		return nil
	}); err != nil {
		return err
	}
	if err := e.store.ForEachAccount(func(account *Account) error {
		e.accountBook.Add(account)
		return nil
	}); err != nil {
		return err
	}
	if err := e.store.ForEachOrder(func(order *Order) error {
		productID := order.ProductID
		book, exists := e.orderBooks[productID]
		if !exists {
			book = NewOrderBook(productID, tradeIDs[productID], sequences[productID],
				e.accountBook, e.productBook, e.logger)
			e.orderBooks[productID] = book
		}
		book.AddOrder(order)
		e.depthBook(productID, sequences[productID]).PutOrder(order)
		return nil
	}); err != nil {
		return err
	}

	// products with trades or log activity but no open orders still need
	// their watermarks restored, or a fresh book would reissue ids
	for productID, tradeID := range tradeIDs {
		if _, exists := e.orderBooks[productID]; !exists {
			e.orderBooks[productID] = NewOrderBook(productID, tradeID, sequences[productID],
				e.accountBook, e.productBook, e.logger)
		}
	}
	for productID, sequence := range sequences {
		if _, exists := e.orderBooks[productID]; !exists {
			e.orderBooks[productID] = NewOrderBook(productID, 0, sequence,
				e.accountBook, e.productBook, e.logger)
		}
	}

	e.logger.Info("state restored", "offset", offset,
		"products", len(e.productBook.products), "order_books", len(e.orderBooks))
	return nil
}

func values[V any](m map[string]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
