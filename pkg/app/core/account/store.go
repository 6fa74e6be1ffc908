package account

import (
	"time"

	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/quote"
	"github.com/uhyunpark/mntex/pkg/journal"
)

// Store persists account snapshots. SaveAccount runs before the in-memory
// commit; a failed save leaves the ledger unchanged.
type Store interface {
	SaveAccount(acc Account) error
	LoadAccounts() ([]Account, error)
}

type QuoteSource interface {
	Quote(symbol string) (quote.Quote, error)
}

type ProductSource interface {
	GetActive(symbol string) (market.Product, error)
}

// Emitter receives one posting per economic event.
type Emitter interface {
	Emit(kind journal.Kind, ref string, at time.Time, lines ...journal.Line) (journal.Posting, error)
}

// ExposureListener is told about every change to a symbol's positions.
type ExposureListener interface {
	ExposureChanged(snap ExposureSnapshot)
}

type nopStore struct{}

func (nopStore) SaveAccount(Account) error        { return nil }
func (nopStore) LoadAccounts() ([]Account, error) { return nil, nil }

type nopEmitter struct{}

func (nopEmitter) Emit(kind journal.Kind, ref string, at time.Time, lines ...journal.Line) (journal.Posting, error) {
	return journal.Posting{Kind: kind, Ref: ref, Time: at, Lines: lines}, nil
}
