package rowstore

import (
	"context"
)

// Row is a snapshot of one factor row. Stores always hand out a fresh copy,
// so callers may keep or mutate it without affecting stored state.
type Row []float64

// Clone returns a copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// SquaredNorm returns the sum of squares of the row's entries.
func (r Row) SquaredNorm() float64 {
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return sum
}

// Store defines the interface for additive key-row storage backends
type Store interface {
	// Get returns a consistent snapshot of the row stored under key
	Get(ctx context.Context, table string, key int64) (Row, error)

	// BatchInc adds delta to the row componentwise. A missing row is
	// created as zeros first. The increment is atomic for a single row.
	BatchInc(ctx context.Context, table string, key int64, delta Row) error

	// Health checks the health of the store
	Health(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// Table is a view of one named table within a Store.
type Table struct {
	store Store
	name  string
}

// NewTable binds a table name to a store.
func NewTable(store Store, name string) *Table {
	return &Table{store: store, name: name}
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

func (t *Table) Get(ctx context.Context, key int64) (Row, error) {
	return t.store.Get(ctx, t.name, key)
}

func (t *Table) BatchInc(ctx context.Context, key int64, delta Row) error {
	return t.store.BatchInc(ctx, t.name, key, delta)
}
