package mf

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/objones25/mfsgd/internal/rowstore"
	"github.com/objones25/mfsgd/internal/rowstore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-12

func newTables(t *testing.T) (*memory.Store, *rowstore.Table, *rowstore.Table) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	return store, rowstore.NewTable(store, "L"), rowstore.NewTable(store, "R")
}

func seed(t *testing.T, table *rowstore.Table, key int64, row rowstore.Row) {
	t.Helper()
	require.NoError(t, table.BatchInc(context.Background(), key, row))
}

func getRow(t *testing.T, table *rowstore.Table, key int64) rowstore.Row {
	t.Helper()
	row, err := table.Get(context.Background(), key)
	require.NoError(t, err)
	return row
}

func TestGradients(t *testing.T) {
	t.Run("Worked_Example", func(t *testing.T) {
		gradL, gradR := Gradients(rowstore.Row{1, 0}, rowstore.Row{1, 0}, 2, 0.1, 0, 2)
		assert.InDeltaSlice(t, []float64{-0.2, 0}, gradL, tolerance)
		assert.InDeltaSlice(t, []float64{-0.2, 0}, gradR, tolerance)

		deltaL, deltaR := Deltas(rowstore.Row{1, 0}, rowstore.Row{1, 0}, 2, 0.1, 0, 2)
		assert.InDeltaSlice(t, []float64{0.2, 0}, deltaL, tolerance)
		assert.InDeltaSlice(t, []float64{0.2, 0}, deltaR, tolerance)
	})

	t.Run("Exact_Fit_Leaves_Only_Regularization", func(t *testing.T) {
		l := rowstore.Row{1, 2}
		r := rowstore.Row{3, 1}
		lr, lambda := 0.1, 0.5
		// l·r == 5
		gradL, gradR := Gradients(l, r, 5, lr, lambda, 2)
		for k := range l {
			assert.InDelta(t, 2*lr*lambda*l[k], gradL[k], tolerance)
			assert.InDelta(t, 2*lr*lambda*r[k], gradR[k], tolerance)
		}
	})

	t.Run("No_Regularization", func(t *testing.T) {
		l := rowstore.Row{0.5, -1, 2}
		r := rowstore.Row{1, 0.25, -0.5}
		lr := 0.05
		value := 4.0
		e := value - Dot(l, r, 3)

		deltaL, deltaR := Deltas(l, r, value, lr, 0, 3)
		for k := range l {
			assert.InDelta(t, 2*lr*e*r[k], deltaL[k], tolerance)
			assert.InDelta(t, 2*lr*e*l[k], deltaR[k], tolerance)
		}
	})
}

func TestApplyRating(t *testing.T) {
	ctx := context.Background()

	t.Run("Worked_Example", func(t *testing.T) {
		_, users, products := newTables(t)
		seed(t, users, 0, rowstore.Row{1, 0})
		seed(t, products, 0, rowstore.Row{1, 0})

		err := ApplyRating(ctx, Rating{UserID: 0, ProductID: 0, Value: 2}, 0.1, users, products, 2, 0)
		require.NoError(t, err)

		assert.InDeltaSlice(t, []float64{1.2, 0}, getRow(t, users, 0), tolerance)
		assert.InDeltaSlice(t, []float64{1.2, 0}, getRow(t, products, 0), tolerance)
	})

	t.Run("Converges_On_Single_Rating", func(t *testing.T) {
		_, users, products := newTables(t)
		seed(t, users, 3, rowstore.Row{0.5, 0.5})
		seed(t, products, 7, rowstore.Row{0.5, 0.5})
		r := Rating{UserID: 3, ProductID: 7, Value: 3}

		residual := func() float64 {
			pred, err := Predict(ctx, r, users, products, 2)
			require.NoError(t, err)
			return (r.Value - pred) * (r.Value - pred)
		}

		prev := residual()
		for i := 0; i < 200; i++ {
			require.NoError(t, ApplyRating(ctx, r, 0.05, users, products, 2, 0))
			cur := residual()
			require.LessOrEqual(t, cur, prev, "step %d increased the squared error", i)
			prev = cur
		}
		assert.Less(t, prev, 1e-8)
	})

	t.Run("Missing_Row_Submits_Nothing", func(t *testing.T) {
		store, users, products := newTables(t)
		seed(t, products, 0, rowstore.Row{1, 1})

		err := ApplyRating(ctx, Rating{UserID: 9, ProductID: 0, Value: 1}, 0.1, users, products, 2, 0.1)
		require.Error(t, err)
		assert.True(t, rowstore.IsRowUnavailable(err))

		assert.Equal(t, rowstore.Row{1, 1}, getRow(t, products, 0))
		assert.Equal(t, 0, store.RowCount("L"))
	})

	t.Run("Read_Failure", func(t *testing.T) {
		store, users, products := newTables(t)
		seed(t, users, 0, rowstore.Row{1, 1})
		seed(t, products, 0, rowstore.Row{1, 1})

		store.SetError("get", errors.New("timeout"))
		err := ApplyRating(ctx, Rating{Value: 5}, 0.1, users, products, 2, 0)
		require.Error(t, err)
		assert.True(t, rowstore.IsRowUnavailable(err))

		store.SetError("get", nil)
		assert.Equal(t, rowstore.Row{1, 1}, getRow(t, users, 0))
		assert.Equal(t, rowstore.Row{1, 1}, getRow(t, products, 0))
	})

	t.Run("Increment_Failure", func(t *testing.T) {
		store, users, products := newTables(t)
		seed(t, users, 0, rowstore.Row{1, 1})
		seed(t, products, 0, rowstore.Row{1, 1})

		store.SetError("batchinc", errors.New("connection reset"))
		err := ApplyRating(ctx, Rating{Value: 5}, 0.1, users, products, 2, 0)
		require.Error(t, err)
		assert.True(t, rowstore.IsStoreUnavailable(err))
	})

	t.Run("Dimension_Mismatch", func(t *testing.T) {
		_, users, products := newTables(t)
		seed(t, users, 0, rowstore.Row{1, 1, 1})
		seed(t, products, 0, rowstore.Row{1, 1})

		err := ApplyRating(ctx, Rating{Value: 5}, 0.1, users, products, 2, 0)
		require.Error(t, err)
		assert.True(t, rowstore.IsDimensionMismatch(err))
		assert.Equal(t, rowstore.Row{1, 1, 1}, getRow(t, users, 0))
	})

	t.Run("Invalid_Parameters", func(t *testing.T) {
		_, users, products := newTables(t)
		seed(t, users, 0, rowstore.Row{1})
		seed(t, products, 0, rowstore.Row{1})

		tests := []struct {
			name   string
			lr     float64
			k      int
			lambda float64
		}{
			{"zero rank", 0.1, 0, 0},
			{"zero learning rate", 0, 1, 0},
			{"negative learning rate", -0.1, 1, 0},
			{"negative lambda", 0.1, 1, -1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := ApplyRating(ctx, Rating{Value: 1}, tt.lr, users, products, tt.k, tt.lambda)
				assert.ErrorIs(t, err, ErrInvalidParameter)
			})
		}
	})
}

func TestIncrementsCommute(t *testing.T) {
	ctx := context.Background()

	t.Run("Order_Independent", func(t *testing.T) {
		_, a, b := newTables(t)
		d1 := rowstore.Row{0.25, -1.5, 3}
		d2 := rowstore.Row{-0.75, 2, 0.5}

		seed(t, a, 0, d1)
		seed(t, a, 0, d2)
		seed(t, b, 0, d2)
		seed(t, b, 0, d1)

		assert.Equal(t, getRow(t, a, 0), getRow(t, b, 0))
		assert.Equal(t, rowstore.Row{-0.5, 0.5, 3.5}, getRow(t, a, 0))
	})

	t.Run("Concurrent_Updates_Sum", func(t *testing.T) {
		_, users, products := newTables(t)
		seed(t, users, 0, rowstore.Row{0, 0})
		seed(t, products, 0, rowstore.Row{0, 0})

		const workers = 50
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, users.BatchInc(ctx, 0, rowstore.Row{1, 2}))
				// Evaluation style reads race with the increments.
				_, err := Predict(ctx, Rating{}, users, products, 2)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, rowstore.Row{workers, 2 * workers}, getRow(t, users, 0))
	})
}
