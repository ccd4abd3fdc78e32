// Package trainer drives the mf kernels over a loaded rating set from a
// single goroutine: initialise factor rows, sweep SGD over every rating each
// epoch, and evaluate loss every few epochs.
package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/objones25/mfsgd/internal/loss"
	"github.com/objones25/mfsgd/internal/mf"
	"github.com/objones25/mfsgd/internal/rowstore"
	"github.com/rs/zerolog"
)

// Config holds trainer hyperparameters
type Config struct {
	Rank         int
	LearningRate float64
	Lambda       float64
	Epochs       int
	EvalEvery    int
	InitScale    float64
	Seed         int64
}

// Trainer runs SGD epochs against a user table and a product table.
type Trainer struct {
	cfg      Config
	users    mf.Rows
	products mf.Rows
	recorder *loss.Recorder
	logger   zerolog.Logger
}

func New(cfg Config, users, products mf.Rows, recorder *loss.Recorder, logger zerolog.Logger) (*Trainer, error) {
	if users == nil || products == nil {
		return nil, fmt.Errorf("row tables cannot be nil")
	}
	if recorder == nil {
		recorder = loss.NewRecorder()
	}
	if cfg.EvalEvery <= 0 {
		cfg.EvalEvery = 1
	}
	return &Trainer{
		cfg:      cfg,
		users:    users,
		products: products,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Recorder returns the loss recorder the trainer publishes to.
func (t *Trainer) Recorder() *loss.Recorder {
	return t.recorder
}

// InitRows seeds rows [0, n) of table with factors drawn uniformly from
// [0, scale). Rows are created through increments, so this is only correct
// on an empty table.
func InitRows(ctx context.Context, table mf.Rows, n int64, k int, scale float64, rng *rand.Rand) error {
	for key := int64(0); key < n; key++ {
		delta := make(rowstore.Row, k)
		for i := range delta {
			delta[i] = rng.Float64() * scale
		}
		if err := table.BatchInc(ctx, key, delta); err != nil {
			return fmt.Errorf("init row %d: %w", key, err)
		}
	}
	return nil
}

// Run initialises the tables for the given rating set and trains for the
// configured number of epochs. Loss is evaluated with the epoch number as
// round; round 0 is the loss of the initial factors.
func (t *Trainer) Run(ctx context.Context, ratings []mf.Rating, numUsers, numProducts int64) error {
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	if err := InitRows(ctx, t.users, numUsers, t.cfg.Rank, t.cfg.InitScale, rng); err != nil {
		return fmt.Errorf("failed to initialise user rows: %w", err)
	}
	if err := InitRows(ctx, t.products, numProducts, t.cfg.Rank, t.cfg.InitScale, rng); err != nil {
		return fmt.Errorf("failed to initialise product rows: %w", err)
	}
	t.logger.Info().
		Int64("users", numUsers).
		Int64("products", numProducts).
		Int("rank", t.cfg.Rank).
		Msg("Initialised factor tables")

	if err := t.evaluate(ctx, ratings, 0, numUsers, numProducts); err != nil {
		return err
	}

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		for i, r := range ratings {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := mf.ApplyRating(ctx, r, t.cfg.LearningRate, t.users, t.products, t.cfg.Rank, t.cfg.Lambda); err != nil {
				return fmt.Errorf("epoch %d rating %d: %w", epoch, i, err)
			}
		}
		t.logger.Debug().
			Int("epoch", epoch).
			Dur("took", time.Since(start)).
			Msg("Finished SGD sweep")

		if epoch%t.cfg.EvalEvery == 0 || epoch == t.cfg.Epochs {
			if err := t.evaluate(ctx, ratings, epoch, numUsers, numProducts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) evaluate(ctx context.Context, ratings []mf.Rating, round int, numUsers, numProducts int64) error {
	l, err := mf.Evaluate(ctx, ratings, round, 0, len(ratings),
		t.users, t.products, 0, numUsers, 0, numProducts,
		t.recorder, t.cfg.Rank, t.cfg.Lambda)
	if err != nil {
		return fmt.Errorf("evaluate round %d: %w", round, err)
	}

	rmse := 0.0
	if l.NumSamples > 0 {
		rmse = math.Sqrt(l.SquareLoss / float64(l.NumSamples))
	}
	t.logger.Info().
		Int("round", round).
		Float64("square_loss", l.SquareLoss).
		Float64("full_loss", l.FullLoss).
		Float64("rmse", rmse).
		Msg("Evaluated loss")
	return nil
}
