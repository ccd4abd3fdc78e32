// Package mf implements the two numerical kernels of SGD matrix
// factorization: the single-rating update and the loss evaluation. Factor
// rows live in an external additive row store and are only ever read as
// snapshots and changed through increments, so many workers can run these
// kernels against the same tables without locks.
package mf

import (
	"context"
	"errors"
	"fmt"

	"github.com/objones25/mfsgd/internal/rowstore"
)

// Metric names published by Evaluate.
const (
	MetricSquareLoss = "SquareLoss"
	MetricFullLoss   = "FullLoss"
	MetricNumSamples = "NumSamples"
)

var (
	// ErrInvalidParameter is returned for a non-positive rank or learning
	// rate, or a negative regularization strength
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidRange is returned when an evaluation range is malformed
	ErrInvalidRange = errors.New("invalid range")
)

// Rating is one observed entry of the rating matrix.
type Rating struct {
	UserID    int64
	ProductID int64
	Value     float64
}

// Rows is the view of one factor table the kernels need.
type Rows interface {
	Get(ctx context.Context, key int64) (rowstore.Row, error)
	BatchInc(ctx context.Context, key int64, delta rowstore.Row) error
}

// Accumulator collects evaluation metrics per round. Implementations must be
// safe for concurrent use; amounts are only ever added.
type Accumulator interface {
	IncLoss(round int, name string, amount float64)
}

// Dot returns the inner product of the first k entries of a and b.
func Dot(a, b rowstore.Row, k int) float64 {
	var sum float64
	for i := 0; i < k; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func checkWidth(row rowstore.Row, k int, side string, key int64) error {
	if len(row) != k {
		return fmt.Errorf("%w: %s row %d has %d factors, want %d", rowstore.ErrDimensionMismatch, side, key, len(row), k)
	}
	return nil
}

// snapshotPair reads the user and product rows a rating touches.
func snapshotPair(ctx context.Context, r Rating, users, products Rows, k int) (rowstore.Row, rowstore.Row, error) {
	l, err := users.Get(ctx, r.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("read user row %d: %w", r.UserID, err)
	}
	if err := checkWidth(l, k, "user", r.UserID); err != nil {
		return nil, nil, err
	}
	rr, err := products.Get(ctx, r.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("read product row %d: %w", r.ProductID, err)
	}
	if err := checkWidth(rr, k, "product", r.ProductID); err != nil {
		return nil, nil, err
	}
	return l, rr, nil
}

// Predict returns the model's estimate for the rating's (user, product) cell.
func Predict(ctx context.Context, r Rating, users, products Rows, k int) (float64, error) {
	if k < 1 {
		return 0, fmt.Errorf("%w: rank %d", ErrInvalidParameter, k)
	}
	l, rr, err := snapshotPair(ctx, r, users, products, k)
	if err != nil {
		return 0, err
	}
	return Dot(l, rr, k), nil
}
