package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/account"
	"github.com/uhyunpark/mntex/pkg/journal"
)

// PebbleStore keeps the posting journal, account snapshots and the trade archive.
type PebbleStore struct {
	db *pebble.DB

	// serializes the read-compare-write in Append
	postingMu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()
	opts := &pebble.Options{
		Cache:                    cache,
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Journal
// ============================================================================

// Append stores p once. Re-appending identical content is a no-op; the same
// id with different content fails with journal.ErrConflict.
func (s *PebbleStore) Append(_ context.Context, p journal.Posting) error {
	s.postingMu.Lock()
	defer s.postingMu.Unlock()

	key := postingKey(p.ID)
	digest := p.Digest()
	val, closer, err := s.db.Get(key)
	switch {
	case err == nil:
		var existing postingRecord
		decodeErr := decodeGob(val, &existing)
		closer.Close()
		if decodeErr != nil {
			return fmt.Errorf("failed to decode posting %d: %w", p.ID, decodeErr)
		}
		if existing.Digest != digest {
			return fmt.Errorf("posting %d: %w", p.ID, journal.ErrConflict)
		}
		return nil
	case err != pebble.ErrNotFound:
		return fmt.Errorf("failed to get posting %d: %w", p.ID, err)
	}

	data, err := encodeGob(postingRecord{Digest: digest, Posting: p})
	if err != nil {
		return fmt.Errorf("failed to encode posting %d: %w", p.ID, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save posting %d: %w", p.ID, err)
	}
	return nil
}

// Postings returns up to limit postings with id > afterID, in id order.
// A non-positive limit returns all of them.
func (s *PebbleStore) Postings(afterID int64, limit int) ([]journal.Posting, error) {
	prefix := []byte(prefixPosting)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: postingKey(afterID + 1),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open posting iterator: %w", err)
	}
	defer iter.Close()

	var out []journal.Posting
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var rec postingRecord
		if err := decodeGob(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode posting %d: %w", idFromKey(iter.Key()), err)
		}
		out = append(out, rec.Posting)
	}
	return out, iter.Error()
}

// LastPostingID returns the highest stored posting id, or zero.
func (s *PebbleStore) LastPostingID() (int64, error) {
	prefix := []byte(prefixPosting)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open posting iterator: %w", err)
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return idFromKey(iter.Key()), nil
}

// ============================================================================
// Account Persistence Methods
// ============================================================================

// SaveAccount persists an account snapshot to Pebble
func (s *PebbleStore) SaveAccount(acc account.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(acc.Owner), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccount returns false if the account doesn't exist
func (s *PebbleStore) LoadAccount(owner string) (account.Account, bool, error) {
	data, closer, err := s.db.Get(accountKey(owner))
	if err == pebble.ErrNotFound {
		return account.Account{}, false, nil
	}
	if err != nil {
		return account.Account{}, false, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var acc account.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return account.Account{}, false, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	// Initialize maps if nil (JSON unmarshal may leave them nil)
	if acc.Positions == nil {
		acc.Positions = make(map[string]account.Position)
	}
	return acc, true, nil
}

// LoadAccounts loads every stored account snapshot
func (s *PebbleStore) LoadAccounts() ([]account.Account, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open account iterator: %w", err)
	}
	defer iter.Close()

	var out []account.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc account.Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account %s: %w", iter.Key(), err)
		}
		if acc.Positions == nil {
			acc.Positions = make(map[string]account.Position)
		}
		out = append(out, acc)
	}
	return out, iter.Error()
}

// ============================================================================
// Trade archive
// ============================================================================

// SaveTrade persists a trade to Pebble
func (s *PebbleStore) SaveTrade(trade core.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	key := tradeKey(trade.Symbol, trade.Time.UnixNano(), trade.ID)
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// LoadRecentTrades loads the most recent N trades for a symbol, oldest first
func (s *PebbleStore) LoadRecentTrades(symbol string, limit int) ([]core.Trade, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trade iterator: %w", err)
	}
	defer iter.Close()

	var trades []core.Trade
	for iter.Last(); iter.Valid() && (limit <= 0 || len(trades) < limit); iter.Prev() {
		var trade core.Trade
		if err := json.Unmarshal(iter.Value(), &trade); err != nil {
			continue
		}
		trades = append(trades, trade)
	}
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, iter.Error()
}

// TradeSymbols lists every symbol with archived trades.
func (s *PebbleStore) TradeSymbols() ([]string, error) {
	prefix := []byte(prefixTrade)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trade iterator: %w", err)
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); {
		rest := iter.Key()[len(prefix):]
		end := 0
		for end < len(rest) && rest[end] != ':' {
			end++
		}
		symbol := string(rest[:end])
		out = append(out, symbol)
		// skip past every key of this symbol
		if !iter.SeekGE(keyUpperBound(tradePrefix(symbol))) {
			break
		}
	}
	return out, iter.Error()
}

var (
	_ journal.Journal = (*PebbleStore)(nil)
	_ account.Store   = (*PebbleStore)(nil)
)
