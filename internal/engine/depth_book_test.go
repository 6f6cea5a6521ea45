package engine

import "testing"

func TestDepthBookSnapshotAggregatesLevels(t *testing.T) {
	db := NewDepthBook("BTC-USD", 10)

	db.PutOrder(&Order{ID: "b1", Side: SideBuy, Price: d("100"), RemainingSize: d("1")})
	db.PutOrder(&Order{ID: "b2", Side: SideBuy, Price: d("100"), RemainingSize: d("2")})
	db.PutOrder(&Order{ID: "b3", Side: SideBuy, Price: d("99"), RemainingSize: d("5")})
	db.PutOrder(&Order{ID: "a1", Side: SideSell, Price: d("101"), RemainingSize: d("3")})
	db.PutOrder(&Order{ID: "a2", Side: SideSell, Price: d("102"), RemainingSize: d("4")})

	snapshot := db.SnapshotL2(50)
	if snapshot.ProductID != "BTC-USD" || snapshot.Sequence != 10 {
		t.Fatalf("snapshot header = %s/%d", snapshot.ProductID, snapshot.Sequence)
	}

	if len(snapshot.Bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(snapshot.Bids))
	}
	if snapshot.Bids[0].Price != "100" || snapshot.Bids[0].Size != "3" || snapshot.Bids[0].Orders != 2 {
		t.Fatalf("best bid = %+v", snapshot.Bids[0])
	}
	if snapshot.Bids[1].Price != "99" {
		t.Fatalf("bids not descending: %+v", snapshot.Bids)
	}

	if len(snapshot.Asks) != 2 {
		t.Fatalf("ask levels = %d, want 2", len(snapshot.Asks))
	}
	if snapshot.Asks[0].Price != "101" || snapshot.Asks[0].Size != "3" {
		t.Fatalf("best ask = %+v", snapshot.Asks[0])
	}
}

func TestDepthBookPutOverwritesAndRemoveDeletes(t *testing.T) {
	db := NewDepthBook("BTC-USD", 0)
	order := &Order{ID: "o-1", Side: SideSell, Price: d("101"), RemainingSize: d("4")}

	db.PutOrder(order)
	order.RemainingSize = d("2.5")
	db.PutOrder(order)

	snapshot := db.SnapshotL2(10)
	if len(snapshot.Asks) != 1 || snapshot.Asks[0].Size != "2.5" {
		t.Fatalf("asks after overwrite = %+v", snapshot.Asks)
	}

	db.RemoveOrder(order)
	snapshot = db.SnapshotL2(10)
	if len(snapshot.Asks) != 0 {
		t.Fatalf("asks after removal = %+v", snapshot.Asks)
	}
}

func TestDepthBookSnapshotDepthCap(t *testing.T) {
	db := NewDepthBook("BTC-USD", 0)
	prices := []string{"101", "102", "103", "104"}
	for i, price := range prices {
		db.PutOrder(&Order{ID: prices[i], Side: SideSell, Price: d(price), RemainingSize: d("1")})
	}

	snapshot := db.SnapshotL2(2)
	if len(snapshot.Asks) != 2 {
		t.Fatalf("ask levels = %d, want 2", len(snapshot.Asks))
	}
	if snapshot.Asks[0].Price != "101" || snapshot.Asks[1].Price != "102" {
		t.Fatalf("cap must keep the best levels: %+v", snapshot.Asks)
	}
}
