package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/objones25/mfsgd/internal/rowstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Increment_Creates_Row", func(t *testing.T) {
		s := New()
		defer s.Close()

		_, err := s.Get(ctx, "L", 1)
		assert.True(t, rowstore.IsRowUnavailable(err))

		require.NoError(t, s.BatchInc(ctx, "L", 1, rowstore.Row{1, 2}))
		require.NoError(t, s.BatchInc(ctx, "L", 1, rowstore.Row{0.5, -2}))

		row, err := s.Get(ctx, "L", 1)
		require.NoError(t, err)
		assert.Equal(t, rowstore.Row{1.5, 0}, row)
		assert.Equal(t, 1, s.RowCount("L"))
		assert.Equal(t, 0, s.RowCount("R"))
	})

	t.Run("Snapshot_Is_A_Copy", func(t *testing.T) {
		s := New()
		require.NoError(t, s.BatchInc(ctx, "L", 0, rowstore.Row{1}))

		row, err := s.Get(ctx, "L", 0)
		require.NoError(t, err)
		row[0] = 100

		again, err := s.Get(ctx, "L", 0)
		require.NoError(t, err)
		assert.Equal(t, rowstore.Row{1}, again)
	})

	t.Run("Dimension_Mismatch", func(t *testing.T) {
		s := New()
		require.NoError(t, s.BatchInc(ctx, "L", 0, rowstore.Row{1, 1}))

		err := s.BatchInc(ctx, "L", 0, rowstore.Row{1, 1, 1})
		assert.True(t, rowstore.IsDimensionMismatch(err))
		err = s.BatchInc(ctx, "L", 0, nil)
		assert.True(t, rowstore.IsDimensionMismatch(err))

		row, err := s.Get(ctx, "L", 0)
		require.NoError(t, err)
		assert.Equal(t, rowstore.Row{1, 1}, row)
	})

	t.Run("Injected_Errors", func(t *testing.T) {
		s := New()
		require.NoError(t, s.BatchInc(ctx, "L", 0, rowstore.Row{1}))

		s.SetError("get", errors.New("timeout"))
		_, err := s.Get(ctx, "L", 0)
		assert.True(t, rowstore.IsRowUnavailable(err))

		s.SetError("batchinc", errors.New("rejected"))
		err = s.BatchInc(ctx, "L", 0, rowstore.Row{1})
		assert.True(t, rowstore.IsStoreUnavailable(err))

		s.SetError("get", nil)
		s.SetError("batchinc", nil)
		row, err := s.Get(ctx, "L", 0)
		require.NoError(t, err)
		assert.Equal(t, rowstore.Row{1}, row)
	})

	t.Run("Latency_Honours_Context", func(t *testing.T) {
		s := New()
		require.NoError(t, s.BatchInc(ctx, "L", 0, rowstore.Row{1}))
		s.SetLatency(time.Second)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := s.Get(cctx, "L", 0)
		assert.True(t, rowstore.IsRowUnavailable(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Closed", func(t *testing.T) {
		s := New()
		require.NoError(t, s.Health(ctx))
		require.NoError(t, s.Close())

		assert.ErrorIs(t, s.Health(ctx), rowstore.ErrClosed)
		assert.True(t, rowstore.IsStoreUnavailable(s.BatchInc(ctx, "L", 0, rowstore.Row{1})))
	})

	t.Run("Concurrent_Increments", func(t *testing.T) {
		s := New()
		const (
			workers = 16
			perW    = 200
		)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perW; i++ {
					assert.NoError(t, s.BatchInc(ctx, "R", int64(i%4), rowstore.Row{1, -1, 0.5}))
				}
			}()
		}
		wg.Wait()

		for key := int64(0); key < 4; key++ {
			row, err := s.Get(ctx, "R", key)
			require.NoError(t, err)
			n := float64(workers * perW / 4)
			assert.Equal(t, rowstore.Row{n, -n, n / 2}, row)
		}
	})
}
