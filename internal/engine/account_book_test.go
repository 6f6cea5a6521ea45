package engine

import (
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
)

func d(value string) decimal.Decimal {
	out, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return out
}

func checkBalance(t *testing.T, ab *AccountBook, userID, currency, available, hold string) {
	t.Helper()
	account := ab.Get(userID, currency)
	if account == nil {
		t.Fatalf("account %s/%s does not exist", userID, currency)
	}
	if !account.Available.Equal(d(available)) {
		t.Fatalf("%s/%s available = %s, want %s", userID, currency, account.Available, available)
	}
	if !account.Hold.Equal(d(hold)) {
		t.Fatalf("%s/%s hold = %s, want %s", userID, currency, account.Hold, hold)
	}
}

func TestDepositCreatesAccount(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "")

	ab.Deposit("alice", "USD", d("100"), "tx-1", batch)

	checkBalance(t, ab, "alice", "USD", "100", "0")
	if batch.Len() != 1 {
		t.Fatalf("batch entries = %d, want 1", batch.Len())
	}
	entry := batch.Entries()[0]
	if entry.Kind != KindAccount || !entry.Account.Available.Equal(d("100")) {
		t.Fatalf("unexpected batch entry %+v", entry)
	}
}

func TestHoldThenUnholdRestoresAvailable(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "")

	ab.Deposit("alice", "USD", d("100"), "tx-1", batch)
	if !ab.Hold("alice", "USD", d("40"), batch) {
		t.Fatal("hold of 40 against 100 available must succeed")
	}
	checkBalance(t, ab, "alice", "USD", "60", "40")

	if err := ab.Unhold("alice", "USD", d("40"), batch); err != nil {
		t.Fatalf("unhold: %v", err)
	}
	checkBalance(t, ab, "alice", "USD", "100", "0")
}

func TestHoldFailuresDoNotMutate(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "")
	ab.Deposit("alice", "USD", d("100"), "tx-1", batch)
	before := batch.Len()

	if ab.Hold("alice", "USD", d("100.01"), batch) {
		t.Fatal("hold above available must fail")
	}
	if ab.Hold("alice", "USD", d("0"), batch) {
		t.Fatal("zero hold must fail")
	}
	if ab.Hold("alice", "USD", d("-5"), batch) {
		t.Fatal("negative hold must fail")
	}
	if ab.Hold("bob", "USD", d("1"), batch) {
		t.Fatal("hold against a missing account must fail")
	}

	checkBalance(t, ab, "alice", "USD", "100", "0")
	if ab.Get("bob", "USD") != nil {
		t.Fatal("failed hold must not create an account")
	}
	if batch.Len() != before {
		t.Fatal("failed holds must not record batch entries")
	}
}

func TestHoldExactAvailableSucceeds(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "")
	ab.Deposit("alice", "USD", d("100"), "tx-1", batch)

	if !ab.Hold("alice", "USD", d("100"), batch) {
		t.Fatal("hold of the full available balance must succeed")
	}
	checkBalance(t, ab, "alice", "USD", "0", "100")
}

func TestUnholdFailuresAreErrors(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "")
	ab.Deposit("alice", "USD", d("100"), "tx-1", batch)
	ab.Hold("alice", "USD", d("30"), batch)

	if err := ab.Unhold("alice", "USD", d("31"), batch); err == nil {
		t.Fatal("unhold above held amount must error")
	}
	if err := ab.Unhold("alice", "USD", d("0"), batch); err == nil {
		t.Fatal("zero unhold must error")
	}
	if err := ab.Unhold("bob", "USD", d("1"), batch); err == nil {
		t.Fatal("unhold on a missing account must error")
	}
	checkBalance(t, ab, "alice", "USD", "70", "30")
}

func TestExchangeTakerBuy(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "BTC-USD")

	ab.Deposit("buyer", "USD", d("1000"), "tx-1", batch)
	ab.Deposit("seller", "BTC", d("5"), "tx-2", batch)
	ab.Hold("buyer", "USD", d("500"), batch)
	ab.Hold("seller", "BTC", d("2"), batch)

	// taker buys 2 BTC for 500 USD
	if err := ab.Exchange("buyer", "seller", "BTC", "USD", SideBuy, d("2"), d("500"), batch); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	checkBalance(t, ab, "buyer", "BTC", "2", "0")
	checkBalance(t, ab, "buyer", "USD", "500", "0")
	checkBalance(t, ab, "seller", "BTC", "3", "0")
	checkBalance(t, ab, "seller", "USD", "500", "0")
}

func TestExchangeTakerSell(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "BTC-USD")

	ab.Deposit("seller", "BTC", d("3"), "tx-1", batch)
	ab.Deposit("buyer", "USD", d("900"), "tx-2", batch)
	ab.Hold("seller", "BTC", d("1"), batch)
	ab.Hold("buyer", "USD", d("300"), batch)

	if err := ab.Exchange("seller", "buyer", "BTC", "USD", SideSell, d("1"), d("300"), batch); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	checkBalance(t, ab, "seller", "BTC", "2", "0")
	checkBalance(t, ab, "seller", "USD", "300", "0")
	checkBalance(t, ab, "buyer", "BTC", "1", "0")
	checkBalance(t, ab, "buyer", "USD", "600", "0")
}

func TestExchangeConservesTotals(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "BTC-USD")

	ab.Deposit("t", "USD", d("1000"), "tx-1", batch)
	ab.Deposit("m", "BTC", d("10"), "tx-2", batch)
	ab.Hold("t", "USD", d("250"), batch)
	ab.Hold("m", "BTC", d("4"), batch)

	total := func(currency string) decimal.Decimal {
		sum := decimal.Zero
		for _, user := range []string{"t", "m"} {
			if a := ab.Get(user, currency); a != nil {
				sum = sum.Add(a.Available).Add(a.Hold)
			}
		}
		return sum
	}
	usdBefore, btcBefore := total("USD"), total("BTC")

	if err := ab.Exchange("t", "m", "BTC", "USD", SideBuy, d("1.5"), d("150"), batch); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if !total("USD").Equal(usdBefore) {
		t.Fatalf("USD total changed: %s -> %s", usdBefore, total("USD"))
	}
	if !total("BTC").Equal(btcBefore) {
		t.Fatalf("BTC total changed: %s -> %s", btcBefore, total("BTC"))
	}
}

func TestExchangeRejectsNegativeResult(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	batch := NewBatch(1, "BTC-USD")

	ab.Deposit("buyer", "USD", d("100"), "tx-1", batch)
	ab.Hold("buyer", "USD", d("100"), batch)
	ab.Deposit("seller", "BTC", d("1"), "tx-2", batch)
	ab.Hold("seller", "BTC", d("1"), batch)
	before := batch.Len()

	// funds exceed the buyer's hold
	err := ab.Exchange("buyer", "seller", "BTC", "USD", SideBuy, d("1"), d("150"), batch)
	if err == nil {
		t.Fatal("exchange driving a balance negative must error")
	}
	if batch.Len() != before {
		t.Fatal("failed exchange must not record batch entries")
	}
}

func TestExchangeWritesFourClones(t *testing.T) {
	ab := NewAccountBook(slog.Default())
	setup := NewBatch(1, "BTC-USD")
	ab.Deposit("buyer", "USD", d("100"), "tx-1", setup)
	ab.Hold("buyer", "USD", d("100"), setup)
	ab.Deposit("seller", "BTC", d("1"), "tx-2", setup)
	ab.Hold("seller", "BTC", d("1"), setup)

	batch := NewBatch(2, "BTC-USD")
	if err := ab.Exchange("buyer", "seller", "BTC", "USD", SideBuy, d("1"), d("100"), batch); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if batch.Len() != 4 {
		t.Fatalf("batch entries = %d, want 4", batch.Len())
	}
	for _, entry := range batch.Entries() {
		if entry.Kind != KindAccount {
			t.Fatalf("unexpected entry kind %v", entry.Kind)
		}
		// entries are value copies, not live ledger pointers
		if entry.Account == ab.Get(entry.Account.UserID, entry.Account.Currency) {
			t.Fatal("batch entry aliases the live account")
		}
	}
}
