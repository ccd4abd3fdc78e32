package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/objones25/mfsgd/internal/rowstore"
)

const backend = "memory"

type row struct {
	mu   sync.Mutex
	data rowstore.Row
}

// Store is an in-process rowstore.Store. Each row carries its own lock, so
// increments to different rows never contend.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[int64]*row
	closed bool

	// test hooks
	hookMu  sync.RWMutex
	errors  map[string]error // Simulate specific errors for testing
	latency time.Duration    // Simulate network latency
}

func New() *Store {
	return &Store{
		tables: make(map[string]map[int64]*row),
		errors: make(map[string]error),
	}
}

// SetLatency sets artificial latency for operations
func (s *Store) SetLatency(d time.Duration) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.latency = d
}

// SetError makes every call of operation ("get" or "batchinc") fail with err.
// A nil err clears the injected failure.
func (s *Store) SetError(operation string, err error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if err == nil {
		delete(s.errors, operation)
		return
	}
	s.errors[operation] = err
}

func (s *Store) simulateLatencyAndFailure(ctx context.Context, operation string) error {
	s.hookMu.RLock()
	latency := s.latency
	err := s.errors[operation]
	s.hookMu.RUnlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Store) lookup(table string, key int64) (*row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, rowstore.ErrClosed
	}
	r, ok := s.tables[table][key]
	return r, ok, nil
}

func (s *Store) lookupOrCreate(table string, key int64, dim int) (*row, error) {
	r, ok, err := s.lookup(table, key)
	if err != nil || ok {
		return r, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, rowstore.ErrClosed
	}
	t, ok := s.tables[table]
	if !ok {
		t = make(map[int64]*row)
		s.tables[table] = t
	}
	if r, ok = t[key]; !ok {
		r = &row{data: make(rowstore.Row, dim)}
		t[key] = r
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, table string, key int64) (rowstore.Row, error) {
	start := time.Now()
	out, err := s.get(ctx, table, key)
	rowstore.Observe(backend, "get", start, err)
	return out, err
}

func (s *Store) get(ctx context.Context, table string, key int64) (rowstore.Row, error) {
	if err := s.simulateLatencyAndFailure(ctx, "get"); err != nil {
		return nil, rowstore.NewStoreError("get", table, key, fmt.Errorf("%w: %w", rowstore.ErrRowUnavailable, err))
	}

	r, ok, err := s.lookup(table, key)
	if err != nil {
		return nil, rowstore.NewStoreError("get", table, key, fmt.Errorf("%w: %w", rowstore.ErrRowUnavailable, err))
	}
	if !ok {
		return nil, rowstore.NewStoreError("get", table, key, rowstore.ErrRowUnavailable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Clone(), nil
}

func (s *Store) BatchInc(ctx context.Context, table string, key int64, delta rowstore.Row) error {
	start := time.Now()
	err := s.batchInc(ctx, table, key, delta)
	rowstore.Observe(backend, "batchinc", start, err)
	return err
}

func (s *Store) batchInc(ctx context.Context, table string, key int64, delta rowstore.Row) error {
	if len(delta) == 0 {
		return rowstore.NewStoreError("batchinc", table, key, rowstore.ErrDimensionMismatch)
	}
	if err := s.simulateLatencyAndFailure(ctx, "batchinc"); err != nil {
		return rowstore.NewStoreError("batchinc", table, key, fmt.Errorf("%w: %w", rowstore.ErrStoreUnavailable, err))
	}

	r, err := s.lookupOrCreate(table, key, len(delta))
	if err != nil {
		return rowstore.NewStoreError("batchinc", table, key, fmt.Errorf("%w: %w", rowstore.ErrStoreUnavailable, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) != len(delta) {
		return rowstore.NewStoreError("batchinc", table, key,
			fmt.Errorf("%w: row has %d entries, delta has %d", rowstore.ErrDimensionMismatch, len(r.data), len(delta)))
	}
	for i, d := range delta {
		r.data[i] += d
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return rowstore.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Helper methods for testing

// RowCount returns the number of rows held in table.
func (s *Store) RowCount(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}
