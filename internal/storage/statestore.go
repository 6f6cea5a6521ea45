package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CheetahExchange/gitbitex-new/internal/engine"
	"github.com/cockroachdb/pebble"
)

const (
	keyCommandOffset = "meta/command_offset"

	prefixAccount  = "account/"
	prefixOrder    = "order/"
	prefixProduct  = "product/"
	prefixTradeID  = "tradeid/"
	prefixSequence = "sequence/"
)

// PebbleStore persists engine checkpoints in an embedded Pebble database.
// A checkpoint write is a single synced batch, so either the whole snapshot
// lands or none of it does.
type PebbleStore struct {
	db *pebble.DB
}

func Open(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// GetCommandOffset returns the checkpointed command offset; ok is false when
// no checkpoint has ever been written.
func (s *PebbleStore) GetCommandOffset() (uint64, bool, error) {
	value, closer, err := s.db.Get([]byte(keyCommandOffset))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, false, fmt.Errorf("corrupt command offset: %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), true, nil
}

func (s *PebbleStore) GetTradeIDs() (map[string]uint64, error) {
	return s.scanUint64(prefixTradeID)
}

func (s *PebbleStore) GetSequences() (map[string]uint64, error) {
	return s.scanUint64(prefixSequence)
}

func (s *PebbleStore) ForEachProduct(fn func(*engine.Product) error) error {
	return forEachJSON(s, prefixProduct, fn)
}

func (s *PebbleStore) ForEachAccount(fn func(*engine.Account) error) error {
	return forEachJSON(s, prefixAccount, fn)
}

func (s *PebbleStore) ForEachOrder(fn func(*engine.Order) error) error {
	return forEachJSON(s, prefixOrder, fn)
}

// Write persists one consolidated checkpoint. Orders in a terminal status
// are deleted rather than stored: recovery only re-attaches open orders.
func (s *PebbleStore) Write(offset uint64, accounts []*engine.Account, orders []*engine.Order,
	products []*engine.Product, tradeIDs, sequences map[string]uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	offsetValue := make([]byte, 8)
	binary.BigEndian.PutUint64(offsetValue, offset)
	if err := batch.Set([]byte(keyCommandOffset), offsetValue, nil); err != nil {
		return err
	}

	for _, account := range accounts {
		if err := setJSON(batch, prefixAccount+account.UserID+"/"+account.Currency, account); err != nil {
			return err
		}
	}
	for _, order := range orders {
		key := []byte(prefixOrder + order.ID)
		if order.Status != engine.OrderStatusOpen {
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := setJSON(batch, string(key), order); err != nil {
			return err
		}
	}
	for _, product := range products {
		if err := setJSON(batch, prefixProduct+product.ID, product); err != nil {
			return err
		}
	}
	for productID, tradeID := range tradeIDs {
		if err := setUint64(batch, prefixTradeID+productID, tradeID); err != nil {
			return err
		}
	}
	for productID, sequence := range sequences {
		if err := setUint64(batch, prefixSequence+productID, sequence); err != nil {
			return err
		}
	}

	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("apply checkpoint batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) scanUint64(prefix string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	iter, err := s.newPrefixIter(prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value := iter.Value()
		if len(value) != 8 {
			return nil, fmt.Errorf("corrupt value at %s: %d bytes", iter.Key(), len(value))
		}
		out[string(iter.Key()[len(prefix):])] = binary.BigEndian.Uint64(value)
	}
	return out, iter.Error()
}

func (s *PebbleStore) newPrefixIter(prefix string) (*pebble.Iterator, error) {
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
}

func forEachJSON[T any](s *PebbleStore, prefix string, fn func(*T) error) error {
	iter, err := s.newPrefixIter(prefix)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value := new(T)
		if err := json.Unmarshal(iter.Value(), value); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if err := fn(value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func setJSON(batch *pebble.Batch, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return batch.Set([]byte(key), payload, nil)
}

func setUint64(batch *pebble.Batch, key string, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return batch.Set([]byte(key), buf, nil)
}
