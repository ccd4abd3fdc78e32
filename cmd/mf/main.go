package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/objones25/mfsgd/internal/config"
	"github.com/objones25/mfsgd/internal/dataset"
	"github.com/objones25/mfsgd/internal/loss"
	"github.com/objones25/mfsgd/internal/rowstore"
	"github.com/objones25/mfsgd/internal/rowstore/cache"
	"github.com/objones25/mfsgd/internal/rowstore/memory"
	"github.com/objones25/mfsgd/internal/rowstore/redisstore"
	"github.com/objones25/mfsgd/internal/trainer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Training failed")
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mf", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file (default $MF_CONFIG)")
	dataPath := fs.String("data", "", "ratings file, overrides train.data_path")
	epochs := fs.Int("epochs", 0, "number of epochs, overrides train.epochs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataPath != "" {
		cfg.Train.DataPath = *dataPath
	}
	if *epochs > 0 {
		cfg.Train.Epochs = *epochs
	}

	logger, err := newLogger(cfg.Logging, stdout)
	if err != nil {
		return err
	}
	log.Logger = logger

	ratings, stats, err := dataset.LoadFile(cfg.Train.DataPath)
	if err != nil {
		return err
	}
	logger.Info().
		Str("path", cfg.Train.DataPath).
		Int("ratings", stats.NumRatings).
		Msg("Loaded ratings")

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopMetrics(shutdownCtx, srv, logger)
		}()
	}

	recorder := loss.NewRecorder()
	t, err := trainer.New(trainer.Config{
		Rank:         cfg.Model.Rank,
		LearningRate: cfg.Train.LearningRate,
		Lambda:       cfg.Model.Lambda,
		Epochs:       cfg.Train.Epochs,
		EvalEvery:    cfg.Train.EvalEvery,
		InitScale:    cfg.Model.InitScale,
		Seed:         cfg.Model.Seed,
	},
		rowstore.NewTable(store, cfg.Store.UserTable),
		rowstore.NewTable(store, cfg.Store.ProductTable),
		recorder, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := t.Run(ctx, ratings, stats.MaxUserID+1, stats.MaxProductID+1); err != nil {
		return err
	}
	logger.Info().Dur("took", time.Since(start)).Msg("Training finished")

	return recorder.Report(stdout)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func openStore(cfg config.StoreConfig) (rowstore.Store, error) {
	var (
		store rowstore.Store
		err   error
	)
	switch cfg.Backend {
	case config.BackendRedis:
		store, err = redisstore.NewStore(redisstore.Config{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
			OpTimeout: cfg.Redis.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis row store: %w", err)
		}
	default:
		store = memory.New()
	}

	if !cfg.Cache.Enabled {
		return store, nil
	}
	cached, err := cache.New(store, cache.Config{Size: cfg.Cache.Size, Staleness: cfg.Cache.Staleness})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create row cache: %w", err)
	}
	return cached, nil
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics listener stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}

func stopMetrics(ctx context.Context, srv *http.Server, logger zerolog.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics listener shutdown failed")
	}
}
