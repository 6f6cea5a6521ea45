package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DepthBook is the derived order-book view rebuilt from the mutation stream.
// It is never authoritative: open orders are inserted, anything else removed,
// and OrderLog entries advance its sequence. All access happens on the single
// projection stripe, so no locking is needed.
type DepthBook struct {
	productID string
	sequence  uint64
	orders    map[string]*depthEntry
}

type depthEntry struct {
	side  string
	price decimal.Decimal
	size  decimal.Decimal
}

func NewDepthBook(productID string, sequence uint64) *DepthBook {
	return &DepthBook{
		productID: productID,
		sequence:  sequence,
		orders:    make(map[string]*depthEntry),
	}
}

func (d *DepthBook) ProductID() string {
	return d.productID
}

func (d *DepthBook) Sequence() uint64 {
	return d.sequence
}

func (d *DepthBook) SetSequence(sequence uint64) {
	d.sequence = sequence
}

// PutOrder upserts an open order's remaining size.
func (d *DepthBook) PutOrder(order *Order) {
	d.orders[order.ID] = &depthEntry{
		side:  order.Side,
		price: order.Price,
		size:  order.RemainingSize,
	}
}

// RemoveOrder drops an order that is no longer open.
func (d *DepthBook) RemoveOrder(order *Order) {
	delete(d.orders, order.ID)
}

// L2Level is one aggregated price level of an L2 snapshot.
type L2Level struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

// L2OrderBook is a depth-limited snapshot of the projection, emitted to the
// market-data feed.
type L2OrderBook struct {
	ProductID string    `json:"product_id"`
	Sequence  uint64    `json:"sequence"`
	Time      time.Time `json:"time"`
	Bids      []L2Level `json:"bids"`
	Asks      []L2Level `json:"asks"`
}

// SnapshotL2 aggregates open orders into at most depth price levels per
// side: bids descending, asks ascending.
func (d *DepthBook) SnapshotL2(depth int) *L2OrderBook {
	type agg struct {
		price  decimal.Decimal
		size   decimal.Decimal
		orders int
	}
	bids := make(map[string]*agg)
	asks := make(map[string]*agg)

	for _, entry := range d.orders {
		levels := asks
		if entry.side == SideBuy {
			levels = bids
		}
		key := entry.price.String()
		level := levels[key]
		if level == nil {
			level = &agg{price: entry.price}
			levels[key] = level
		}
		level.size = level.size.Add(entry.size)
		level.orders++
	}

	collect := func(levels map[string]*agg, descending bool) []L2Level {
		sorted := make([]*agg, 0, len(levels))
		for _, level := range levels {
			sorted = append(sorted, level)
		}
		sort.Slice(sorted, func(i, j int) bool {
			cmp := sorted[i].price.Cmp(sorted[j].price)
			if descending {
				return cmp > 0
			}
			return cmp < 0
		})
		if depth > 0 && len(sorted) > depth {
			sorted = sorted[:depth]
		}
		out := make([]L2Level, 0, len(sorted))
		for _, level := range sorted {
			out = append(out, L2Level{
				Price:  level.price.String(),
				Size:   level.size.String(),
				Orders: level.orders,
			})
		}
		return out
	}

	return &L2OrderBook{
		ProductID: d.productID,
		Sequence:  d.sequence,
		Time:      time.Now().UTC(),
		Bids:      collect(bids, true),
		Asks:      collect(asks, false),
	}
}
