// Command server runs the ledger service: accounts, balances and idempotent
// deposits and withdrawals over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"money-transfer/internal/config"
	"money-transfer/internal/httpapi"
	"money-transfer/internal/logging"
	"money-transfer/internal/registry"
	"money-transfer/internal/store"
)

func main() {
	cfg := config.LoadServer()

	log, err := logging.New(logging.Config{
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
		Service:     "ledger",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("ledger service stopped", zap.Error(err))
	}
}

func run(cfg config.Server, log *zap.Logger) error {
	start := time.Now()
	log.Info("startup: begin",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
		zap.Bool("migrate", cfg.Migrate))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	defer startCancel()

	st, closeStore, err := openStore(startCtx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(st, log)
	n, err := reg.LoadAll(startCtx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	log.Info("startup: accounts loaded", zap.Int("count", n))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.LedgerRouter(httpapi.NewLedgerHandlers(reg, log), cfg.MaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("startup: ready",
			zap.Duration("took", time.Since(start).Truncate(time.Millisecond)),
			zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown: draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Server, log *zap.Logger) (registry.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		log.Warn("startup: in-memory store, balances are lost on restart")
		return store.NewMemory(), func() {}, nil

	case "postgres":
		log.Info("startup: connecting to DB", zap.Int("max_conns", cfg.MaxConns))
		pool, err := store.OpenPool(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			log.Info("startup: running migrations")
			if err := store.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrations failed: %w", err)
			}
			log.Info("startup: migrations complete")
		} else {
			log.Info("startup: migrations disabled")
		}
		return store.NewPostgres(pool), pool.Close, nil

	case "mongo":
		if cfg.MongoURI == "" {
			return nil, nil, errors.New("MONGO_CONNECTION_STRING is required for LEDGER_STORE=mongo")
		}
		log.Info("startup: connecting to MongoDB", zap.String("database", cfg.MongoDB))
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		m, err := store.NewMongo(ctx, client, cfg.MongoDB)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return m, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_STORE %q", cfg.Store)
	}
}
