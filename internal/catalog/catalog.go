// Package catalog resolves an empty symbol submission to the full tracked
// universe.
package catalog

import (
	"context"
	"fmt"
)

// SymbolLister is the slice of the storage gateway the catalog reads from.
type SymbolLister interface {
	ListActiveSymbols(ctx context.Context) ([]string, error)
}

// Catalog answers "all known symbols" queries.
type Catalog struct {
	store SymbolLister
}

// New creates a Catalog backed by the symbols table.
func New(store SymbolLister) *Catalog {
	return &Catalog{store: store}
}

// Resolve returns the full active symbol universe.
func (c *Catalog) Resolve(ctx context.Context) ([]string, error) {
	symbols, err := c.store.ListActiveSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve symbol universe: %w", err)
	}
	return symbols, nil
}
