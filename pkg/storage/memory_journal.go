package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/mntex/pkg/journal"
)

// MemoryJournal keeps postings in memory for tests and dev mode.
type MemoryJournal struct {
	mu       sync.Mutex
	postings map[int64]postingRecord
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{postings: make(map[int64]postingRecord)}
}

func (m *MemoryJournal) Append(_ context.Context, p journal.Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest := p.Digest()
	if existing, ok := m.postings[p.ID]; ok {
		if existing.Digest != digest {
			return fmt.Errorf("posting %d: %w", p.ID, journal.ErrConflict)
		}
		return nil
	}
	m.postings[p.ID] = postingRecord{Digest: digest, Posting: p}
	return nil
}

// Postings returns every posting in id order.
func (m *MemoryJournal) Postings() []journal.Posting {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.Posting, 0, len(m.postings))
	for _, rec := range m.postings {
		out = append(out, rec.Posting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Balance sums every line booked to account. Debits are positive.
func (m *MemoryJournal) Balance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, rec := range m.postings {
		sum = sum.Add(rec.Posting.Amount(account))
	}
	return sum
}

func (m *MemoryJournal) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.postings)
}

var _ journal.Journal = (*MemoryJournal)(nil)
