package account

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// ExposureSnapshot is every open position in one symbol at one version.
// Versions increase per symbol, so consumers can discard stale snapshots.
type ExposureSnapshot struct {
	Symbol    string
	Version   uint64
	Positions []Position
}

// Net returns Σ signed position size; the exchange holds the opposite.
func (s ExposureSnapshot) Net() decimal.Decimal {
	net := decimal.Zero
	for _, p := range s.Positions {
		net = net.Add(p.SignedSize())
	}
	return net
}

type symbolPositions struct {
	version   uint64
	positions map[string]Position // owner → position
}

// positionIndex mirrors account positions by symbol.
type positionIndex struct {
	mu      sync.Mutex
	symbols map[string]*symbolPositions
}

func newPositionIndex() *positionIndex {
	return &positionIndex{symbols: make(map[string]*symbolPositions)}
}

func (x *positionIndex) entry(symbol string) *symbolPositions {
	s, ok := x.symbols[symbol]
	if !ok {
		s = &symbolPositions{positions: make(map[string]Position)}
		x.symbols[symbol] = s
	}
	return s
}

// set stores or removes (when p is nil) owner's position and returns the new snapshot.
func (x *positionIndex) set(symbol, owner string, p *Position) ExposureSnapshot {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.entry(symbol)
	if p == nil {
		delete(s.positions, owner)
	} else {
		s.positions[owner] = *p
	}
	s.version++
	return s.snapshot(symbol)
}

func (x *positionIndex) snapshot(symbol string) ExposureSnapshot {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.symbols[symbol]
	if !ok {
		return ExposureSnapshot{Symbol: symbol}
	}
	return s.snapshot(symbol)
}

func (s *symbolPositions) snapshot(symbol string) ExposureSnapshot {
	out := ExposureSnapshot{Symbol: symbol, Version: s.version, Positions: make([]Position, 0, len(s.positions))}
	for _, p := range s.positions {
		out.Positions = append(out.Positions, p)
	}
	sort.Slice(out.Positions, func(i, j int) bool { return out.Positions[i].Owner < out.Positions[j].Owner })
	return out
}

func (x *positionIndex) symbolsWithPositions() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, 0, len(x.symbols))
	for symbol, s := range x.symbols {
		if len(s.positions) > 0 {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}
