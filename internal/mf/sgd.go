package mf

import (
	"context"
	"fmt"
	"time"

	"github.com/objones25/mfsgd/internal/rowstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sgdUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mf_sgd_updates_total",
		Help: "Total number of single-rating SGD updates",
	}, []string{"status"})

	sgdLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mf_sgd_update_latency_seconds",
		Help:    "Latency of single-rating SGD updates, store round trips included",
		Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
	})
)

// Gradients returns the learning-rate scaled gradients of
//
//	(v - L·R)² + lambda·(‖L‖² + ‖R‖²)
//
// with respect to L and R: gradL[k] = 2·lr·(lambda·L[k] - e·R[k]) and
// gradR[k] = 2·lr·(lambda·R[k] - e·L[k]) where e = v - L·R.
func Gradients(l, r rowstore.Row, value, learningRate, lambda float64, k int) (gradL, gradR rowstore.Row) {
	e := value - Dot(l, r, k)
	gradL = make(rowstore.Row, k)
	gradR = make(rowstore.Row, k)
	for i := 0; i < k; i++ {
		gradL[i] = 2 * learningRate * (lambda*l[i] - e*r[i])
		gradR[i] = 2 * learningRate * (lambda*r[i] - e*l[i])
	}
	return gradL, gradR
}

// Deltas returns the increments one SGD step submits: the negated
// Gradients, so each row moves downhill.
func Deltas(l, r rowstore.Row, value, learningRate, lambda float64, k int) (deltaL, deltaR rowstore.Row) {
	deltaL, deltaR = Gradients(l, r, value, learningRate, lambda, k)
	for i := 0; i < k; i++ {
		deltaL[i] = -deltaL[i]
		deltaR[i] = -deltaR[i]
	}
	return deltaL, deltaR
}

func validateParams(learningRate float64, k int, lambda float64) error {
	if k < 1 {
		return fmt.Errorf("%w: rank %d", ErrInvalidParameter, k)
	}
	if !(learningRate > 0) {
		return fmt.Errorf("%w: learning rate %v", ErrInvalidParameter, learningRate)
	}
	if !(lambda >= 0) {
		return fmt.Errorf("%w: lambda %v", ErrInvalidParameter, lambda)
	}
	return nil
}

// ApplyRating performs one SGD step for r: it snapshots the user and
// product rows, computes the step from those snapshots and submits one
// additive increment to each row.
//
// The read and the increments are not atomic as a pair. Another worker's
// increment may land in between; since increments add, both still apply.
// If either read fails nothing is submitted.
func ApplyRating(ctx context.Context, r Rating, learningRate float64, users, products Rows, k int, lambda float64) (err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		sgdUpdates.WithLabelValues(status).Inc()
		sgdLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateParams(learningRate, k, lambda); err != nil {
		return err
	}

	l, rr, err := snapshotPair(ctx, r, users, products, k)
	if err != nil {
		return err
	}

	deltaL, deltaR := Deltas(l, rr, r.Value, learningRate, lambda, k)

	if err := users.BatchInc(ctx, r.UserID, deltaL); err != nil {
		return fmt.Errorf("increment user row %d: %w", r.UserID, err)
	}
	if err := products.BatchInc(ctx, r.ProductID, deltaR); err != nil {
		return fmt.Errorf("increment product row %d: %w", r.ProductID, err)
	}
	return nil
}
