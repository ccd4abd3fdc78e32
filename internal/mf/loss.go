package mf

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mf_eval_total",
	Help: "Total number of loss evaluation calls",
}, []string{"status"})

// Loss is what one Evaluate call contributed to its round.
type Loss struct {
	SquareLoss float64
	FullLoss   float64
	NumSamples int
}

// Range is a half-open interval [Begin, End).
type Range struct {
	Begin int64
	End   int64
}

// Len returns the number of indexes in the range.
func (r Range) Len() int64 {
	return r.End - r.Begin
}

func (r Range) valid() bool {
	return r.Begin >= 0 && r.Begin <= r.End
}

// EvalRequest describes one worker's share of a loss evaluation. All ranges
// are half-open; callers partition them so that no rating or row is counted
// by two workers.
type EvalRequest struct {
	Round    int
	Ratings  Range
	Users    Range
	Products Range
}

// Evaluate computes the squared reconstruction error over
// ratings[ratingBegin:ratingEnd] and the L2 penalty over user rows
// [userBegin, userEnd) and product rows [productBegin, productEnd), then adds
// SquareLoss, FullLoss and NumSamples to acc under round.
func Evaluate(ctx context.Context, ratings []Rating, round int, ratingBegin, ratingEnd int,
	users, products Rows, userBegin, userEnd, productBegin, productEnd int64,
	acc Accumulator, k int, lambda float64) (Loss, error) {
	return EvaluateRequest(ctx, ratings, EvalRequest{
		Round:    round,
		Ratings:  Range{Begin: int64(ratingBegin), End: int64(ratingEnd)},
		Users:    Range{Begin: userBegin, End: userEnd},
		Products: Range{Begin: productBegin, End: productEnd},
	}, users, products, acc, k, lambda)
}

// EvaluateRequest is Evaluate with the ranges bundled in req.
//
// Rows are read one snapshot at a time while SGD may still be writing them,
// so the result reflects no single global state. Nothing is published if any
// read fails.
func EvaluateRequest(ctx context.Context, ratings []Rating, req EvalRequest,
	users, products Rows, acc Accumulator, k int, lambda float64) (loss Loss, err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		evaluations.WithLabelValues(status).Inc()
	}()

	if k < 1 {
		return Loss{}, fmt.Errorf("%w: rank %d", ErrInvalidParameter, k)
	}
	if !(lambda >= 0) {
		return Loss{}, fmt.Errorf("%w: lambda %v", ErrInvalidParameter, lambda)
	}
	if acc == nil {
		return Loss{}, fmt.Errorf("%w: nil accumulator", ErrInvalidParameter)
	}
	if !req.Ratings.valid() || req.Ratings.End > int64(len(ratings)) {
		return Loss{}, fmt.Errorf("%w: ratings [%d, %d) of %d", ErrInvalidRange, req.Ratings.Begin, req.Ratings.End, len(ratings))
	}
	if !req.Users.valid() {
		return Loss{}, fmt.Errorf("%w: user rows [%d, %d)", ErrInvalidRange, req.Users.Begin, req.Users.End)
	}
	if !req.Products.valid() {
		return Loss{}, fmt.Errorf("%w: product rows [%d, %d)", ErrInvalidRange, req.Products.Begin, req.Products.End)
	}

	var sqLoss float64
	for _, r := range ratings[req.Ratings.Begin:req.Ratings.End] {
		pred, err := Predict(ctx, r, users, products, k)
		if err != nil {
			return Loss{}, err
		}
		diff := r.Value - pred
		sqLoss += diff * diff
	}

	regSum, err := squaredNorms(ctx, users, req.Users, k, "user")
	if err != nil {
		return Loss{}, err
	}
	productSum, err := squaredNorms(ctx, products, req.Products, k, "product")
	if err != nil {
		return Loss{}, err
	}
	regSum += productSum

	loss = Loss{
		SquareLoss: sqLoss,
		FullLoss:   lambda*regSum + sqLoss,
		NumSamples: int(req.Ratings.Len()),
	}

	acc.IncLoss(req.Round, MetricSquareLoss, loss.SquareLoss)
	acc.IncLoss(req.Round, MetricFullLoss, loss.FullLoss)
	acc.IncLoss(req.Round, MetricNumSamples, float64(loss.NumSamples))

	log.Debug().
		Int("round", req.Round).
		Float64("square_loss", loss.SquareLoss).
		Float64("full_loss", loss.FullLoss).
		Int("samples", loss.NumSamples).
		Msg("Evaluated loss partition")

	return loss, nil
}

func squaredNorms(ctx context.Context, rows Rows, keys Range, k int, side string) (float64, error) {
	var sum float64
	for key := keys.Begin; key < keys.End; key++ {
		row, err := rows.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read %s row %d: %w", side, key, err)
		}
		if err := checkWidth(row, k, side, key); err != nil {
			return 0, err
		}
		sum += row.SquaredNorm()
	}
	return sum, nil
}
