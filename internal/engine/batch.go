package engine

import "sync/atomic"

// ModifiedKind discriminates the variants a Batch entry can carry.
type ModifiedKind int

const (
	KindAccount ModifiedKind = iota
	KindOrder
	KindTrade
	KindProduct
	KindOrderLog
	// KindBookComplete marks the end of an order-book command's mutations;
	// the depth projection uses it to decide when to cut an L2 snapshot.
	KindBookComplete
)

// Modified is one mutated object: exactly the field matching Kind is set.
// Entries hold value copies taken at mutation time, never live references.
type Modified struct {
	Kind     ModifiedKind
	Account  *Account
	Order    *Order
	Trade    *Trade
	Product  *Product
	OrderLog *OrderLog
}

// Batch is the ordered record of every object one command mutated. It is
// filled synchronously on the command path, then marked saved entry by entry
// as downstream acknowledgments arrive.
type Batch struct {
	// CommandOffset is the command's sequence number: globally unique and
	// strictly increasing.
	CommandOffset uint64
	// ProductID is the partition key for order-book mutations; empty for
	// commands touching account state only.
	ProductID string

	entries []Modified
	saved   atomic.Int64
}

func NewBatch(commandOffset uint64, productID string) *Batch {
	return &Batch{CommandOffset: commandOffset, ProductID: productID}
}

func (b *Batch) AddAccount(a *Account) {
	b.entries = append(b.entries, Modified{Kind: KindAccount, Account: a})
}

func (b *Batch) AddOrder(o *Order) {
	b.entries = append(b.entries, Modified{Kind: KindOrder, Order: o})
}

func (b *Batch) AddTrade(t *Trade) {
	b.entries = append(b.entries, Modified{Kind: KindTrade, Trade: t})
}

func (b *Batch) AddProduct(p *Product) {
	b.entries = append(b.entries, Modified{Kind: KindProduct, Product: p})
}

func (b *Batch) AddOrderLog(l *OrderLog) {
	b.entries = append(b.entries, Modified{Kind: KindOrderLog, OrderLog: l})
}

func (b *Batch) AddBookComplete() {
	b.entries = append(b.entries, Modified{Kind: KindBookComplete})
}

// Entries returns the recorded mutations in the order they were produced.
// The batch is append-only; callers must not retain the slice across
// further command application.
func (b *Batch) Entries() []Modified {
	return b.entries
}

func (b *Batch) Len() int {
	return len(b.entries)
}

// MarkSaved records one downstream acknowledgment.
func (b *Batch) MarkSaved() {
	b.saved.Add(1)
}

func (b *Batch) SavedCount() int64 {
	return b.saved.Load()
}

// AllSaved reports whether every entry has been acknowledged downstream.
func (b *Batch) AllSaved() bool {
	return b.saved.Load() == int64(len(b.entries))
}
