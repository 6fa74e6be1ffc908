package market

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

// Registry holds the product catalog in a thread-safe manner.
// Lookups return copies; products are reference data and never change in place.
type Registry struct {
	mu       sync.RWMutex
	products map[string]Product // symbol -> product
}

// NewRegistry creates an empty product registry
func NewRegistry() *Registry {
	return &Registry{
		products: make(map[string]Product),
	}
}

// NewRegistryWith registers every product or fails on the first invalid one.
func NewRegistryWith(products []Product) (*Registry, error) {
	r := NewRegistry()
	for _, p := range products {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a product to the registry
// Returns error if a product with the same symbol already exists
func (r *Registry) Register(p Product) error {
	if err := p.Validate(); err != nil {
		return errors.Wrap(err, "invalid product")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.products[p.Symbol]; exists {
		return errors.Wrapf(core.ErrValidation, "product %s already registered", p.Symbol)
	}

	r.products[p.Symbol] = p
	return nil
}

// Get retrieves a product by symbol
func (r *Registry) Get(symbol string) (Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.products[symbol]
	if !exists {
		return Product{}, errors.Wrapf(core.ErrNotFound, "product %s", symbol)
	}
	return p, nil
}

// GetActive is Get that also rejects inactive products.
func (r *Registry) GetActive(symbol string) (Product, error) {
	p, err := r.Get(symbol)
	if err != nil {
		return Product{}, err
	}
	if !p.Active {
		return Product{}, errors.Wrapf(core.ErrValidation, "product %s is not active", symbol)
	}
	return p, nil
}

// List returns all registered products sorted by symbol
func (r *Registry) List() []Product {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ListActive returns only tradable products
func (r *Registry) ListActive() []Product {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// SetActive toggles trading for a product (emergency delisting, relisting)
func (r *Registry) SetActive(symbol string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.products[symbol]
	if !exists {
		return errors.Wrapf(core.ErrNotFound, "product %s", symbol)
	}
	p.Active = active
	r.products[symbol] = p
	return nil
}

// Count returns the total number of registered products
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.products)
}

// Exists checks if a product is registered
func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.products[symbol]
	return exists
}
