package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/objones25/mfsgd/internal/rowstore"
	"github.com/rs/zerolog/log"
)

// Config holds snapshot cache configuration
type Config struct {
	Size      int           // Maximum number of cached rows
	Staleness time.Duration // Maximum age of a snapshot served from cache
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		Size:      100000,
		Staleness: 500 * time.Millisecond,
	}
}

type entry struct {
	row     rowstore.Row
	fetched time.Time
}

// rowState tracks activity on one row key while a read or increment is in
// flight. gen changes whenever an increment starts or finishes.
type rowState struct {
	gen      uint64
	inflight int // increments submitted to the backing store, not yet folded
	readers  int // backing reads not yet cached
}

// Store is a read-through snapshot cache in front of another rowstore.Store.
// Reads may return a snapshot up to Staleness old. Increments always go to
// the backing store and are then folded into the cached snapshot, so a
// worker observes its own writes even when reading from cache.
type Store struct {
	backing rowstore.Store
	rows    *lru.Cache
	config  Config
	now     func() time.Time

	// fold serialises read-modify-write of cached entries and guards state
	fold  sync.Mutex
	state map[string]*rowState
}

// New wraps backing with a bounded-staleness snapshot cache.
func New(backing rowstore.Store, cfg Config) (*Store, error) {
	if backing == nil {
		return nil, fmt.Errorf("backing store cannot be nil")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", cfg.Size)
	}
	if cfg.Staleness < 0 {
		return nil, fmt.Errorf("staleness cannot be negative")
	}

	rows, err := lru.NewWithEvict(cfg.Size, func(_, _ interface{}) {
		rowstore.CacheEvictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	return &Store{
		backing: backing,
		rows:    rows,
		config:  cfg,
		now:     time.Now,
		state:   make(map[string]*rowState),
	}, nil
}

func cacheKey(table string, key int64) string {
	return table + "/" + strconv.FormatInt(key, 10)
}

// acquire returns the state of ck, creating it if needed. Callers hold fold.
func (s *Store) acquire(ck string) *rowState {
	st, ok := s.state[ck]
	if !ok {
		st = &rowState{}
		s.state[ck] = st
	}
	return st
}

// release drops the state of ck once nothing is in flight. Callers hold fold.
func (s *Store) release(ck string, st *rowState) {
	if st.inflight == 0 && st.readers == 0 {
		delete(s.state, ck)
	}
}

func (s *Store) Get(ctx context.Context, table string, key int64) (rowstore.Row, error) {
	ck := cacheKey(table, key)
	if v, ok := s.rows.Get(ck); ok {
		e := v.(*entry)
		if s.now().Sub(e.fetched) <= s.config.Staleness {
			rowstore.CacheHits.Inc()
			return e.row.Clone(), nil
		}
	}
	rowstore.CacheMisses.Inc()

	s.fold.Lock()
	st := s.acquire(ck)
	st.readers++
	gen := st.gen
	s.fold.Unlock()

	row, err := s.backing.Get(ctx, table, key)

	s.fold.Lock()
	defer s.fold.Unlock()
	st.readers--
	defer s.release(ck, st)
	if err != nil {
		return nil, err
	}

	// An increment that overlapped the read may or may not be part of row,
	// so the snapshot is returned but not cached.
	if st.gen != gen || st.inflight > 0 {
		log.Debug().Str("table", table).Int64("key", key).Msg("Skipped caching row raced by increment")
		return row, nil
	}
	s.rows.Add(ck, &entry{row: row.Clone(), fetched: s.now()})

	log.Debug().Str("table", table).Int64("key", key).Msg("Refreshed row snapshot")
	return row, nil
}

func (s *Store) BatchInc(ctx context.Context, table string, key int64, delta rowstore.Row) error {
	ck := cacheKey(table, key)
	s.fold.Lock()
	st := s.acquire(ck)
	st.inflight++
	st.gen++
	s.fold.Unlock()

	err := s.backing.BatchInc(ctx, table, key, delta)

	s.fold.Lock()
	defer s.fold.Unlock()
	st.inflight--
	st.gen++
	defer s.release(ck, st)
	if err != nil {
		return err
	}

	v, ok := s.rows.Peek(ck)
	if !ok {
		return nil
	}
	e := v.(*entry)
	if len(e.row) != len(delta) {
		s.rows.Remove(ck)
		return nil
	}
	updated := e.row.Clone()
	for i, d := range delta {
		updated[i] += d
	}
	s.rows.Add(ck, &entry{row: updated, fetched: e.fetched})
	return nil
}

// Invalidate drops the cached snapshot of one row.
func (s *Store) Invalidate(table string, key int64) {
	s.rows.Remove(cacheKey(table, key))
}

// Len returns the number of cached rows.
func (s *Store) Len() int {
	return s.rows.Len()
}

func (s *Store) Health(ctx context.Context) error {
	return s.backing.Health(ctx)
}

func (s *Store) Close() error {
	s.rows.Purge()
	return s.backing.Close()
}
