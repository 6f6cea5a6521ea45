package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
	"log/slog"
)

// AccountBook is the in-memory ledger of (user, currency) balances. It is
// mutated only from the single command-application goroutine; every mutation
// appends a value copy of the resulting account state to the given batch.
type AccountBook struct {
	accounts map[string]map[string]*Account
	logger   *slog.Logger
}

func NewAccountBook(logger *slog.Logger) *AccountBook {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountBook{
		accounts: make(map[string]map[string]*Account),
		logger:   logger,
	}
}

// Add inserts a restored account. Recovery only.
func (ab *AccountBook) Add(account *Account) {
	byCurrency, ok := ab.accounts[account.UserID]
	if !ok {
		byCurrency = make(map[string]*Account)
		ab.accounts[account.UserID] = byCurrency
	}
	byCurrency[account.Currency] = account
}

func (ab *AccountBook) Get(userID, currency string) *Account {
	if byCurrency, ok := ab.accounts[userID]; ok {
		return byCurrency[currency]
	}
	return nil
}

// Deposit credits available balance, creating the account on first use.
func (ab *AccountBook) Deposit(userID, currency string, amount decimal.Decimal, transactionID string, batch *Batch) {
	account := ab.Get(userID, currency)
	if account == nil {
		account = ab.createAccount(userID, currency)
	}
	account.Available = account.Available.Add(amount)
	ab.logger.Debug("deposit applied", "user", userID, "currency", currency, "tx", transactionID)
	batch.AddAccount(account.Clone())
}

// Hold moves amount from available to hold. It reports false without
// mutating anything when the amount is non-positive, the account does not
// exist, or available funds are insufficient; callers treat false as
// "could not reserve funds" and reject at their own level.
func (ab *AccountBook) Hold(userID, currency string, amount decimal.Decimal, batch *Batch) bool {
	if amount.LessThanOrEqual(decimal.Zero) {
		ab.logger.Warn("hold amount must be positive", "user", userID, "currency", currency, "amount", amount)
		return false
	}
	account := ab.Get(userID, currency)
	if account == nil || account.Available.LessThan(amount) {
		return false
	}
	account.Available = account.Available.Sub(amount)
	account.Hold = account.Hold.Add(amount)
	batch.AddAccount(account.Clone())
	return true
}

// Unhold releases amount from hold back to available. Any failure here means
// the caller is releasing funds that were never reserved, a programming
// error the caller must treat as fatal.
func (ab *AccountBook) Unhold(userID, currency string, amount decimal.Decimal, batch *Batch) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("unhold amount must be positive: %s", amount)
	}
	account := ab.Get(userID, currency)
	if account == nil {
		return fmt.Errorf("unhold on missing account: user=%s currency=%s", userID, currency)
	}
	if account.Hold.LessThan(amount) {
		return fmt.Errorf("insufficient hold: user=%s currency=%s hold=%s amount=%s",
			userID, currency, account.Hold, amount)
	}
	account.Available = account.Available.Add(amount)
	account.Hold = account.Hold.Sub(amount)
	batch.AddAccount(account.Clone())
	return nil
}

// Exchange settles one fill across four account legs atomically: size of the
// base currency against funds of the quote currency. The buyer receives base
// into available and pays funds from hold; the seller pays base from hold
// and receives funds into available. takerSide picks which of taker/maker is
// the buyer. All four accounts are created lazily.
func (ab *AccountBook) Exchange(takerUserID, makerUserID, baseCurrency, quoteCurrency, takerSide string,
	size, funds decimal.Decimal, batch *Batch) error {
	takerBase := ab.getOrCreate(takerUserID, baseCurrency)
	takerQuote := ab.getOrCreate(takerUserID, quoteCurrency)
	makerBase := ab.getOrCreate(makerUserID, baseCurrency)
	makerQuote := ab.getOrCreate(makerUserID, quoteCurrency)

	if takerSide == SideBuy {
		takerBase.Available = takerBase.Available.Add(size)
		takerQuote.Hold = takerQuote.Hold.Sub(funds)
		makerBase.Hold = makerBase.Hold.Sub(size)
		makerQuote.Available = makerQuote.Available.Add(funds)
	} else {
		takerBase.Hold = takerBase.Hold.Sub(size)
		takerQuote.Available = takerQuote.Available.Add(funds)
		makerBase.Available = makerBase.Available.Add(size)
		makerQuote.Hold = makerQuote.Hold.Sub(funds)
	}

	for _, account := range []*Account{takerBase, takerQuote, makerBase, makerQuote} {
		if account.Available.IsNegative() || account.Hold.IsNegative() {
			return fmt.Errorf("account balance went negative: user=%s currency=%s available=%s hold=%s",
				account.UserID, account.Currency, account.Available, account.Hold)
		}
	}

	batch.AddAccount(takerBase.Clone())
	batch.AddAccount(takerQuote.Clone())
	batch.AddAccount(makerBase.Clone())
	batch.AddAccount(makerQuote.Clone())
	return nil
}

func (ab *AccountBook) createAccount(userID, currency string) *Account {
	account := &Account{
		UserID:    userID,
		Currency:  currency,
		Available: decimal.Zero,
		Hold:      decimal.Zero,
	}
	ab.Add(account)
	return account
}

func (ab *AccountBook) getOrCreate(userID, currency string) *Account {
	if account := ab.Get(userID, currency); account != nil {
		return account
	}
	return ab.createAccount(userID, currency)
}
