// Command transfer runs the transfer service: it accepts transfer requests,
// waits for manager approval where needed, and drives each transfer against
// the ledger service.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"money-transfer/internal/activities"
	"money-transfer/internal/config"
	"money-transfer/internal/domain"
	"money-transfer/internal/httpapi"
	"money-transfer/internal/logging"
	"money-transfer/internal/retry"
	"money-transfer/internal/saga"
	"money-transfer/internal/store"
)

func main() {
	cfg := config.LoadTransfer()

	log, err := logging.New(logging.Config{
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
		Service:     "transfer",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("transfer service stopped", zap.Error(err))
	}
}

func run(cfg config.Transfer, log *zap.Logger) error {
	start := time.Now()
	log.Info("startup: begin",
		zap.String("addr", cfg.Addr),
		zap.String("checkpoints", cfg.Checkpoints),
		zap.String("bank_url", cfg.BankURL),
		zap.Int64("approval_threshold", cfg.ApprovalThreshold),
		zap.Duration("step_timeout", cfg.StepTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	defer startCancel()

	opts := []saga.Option{
		saga.WithLogger(log),
		saga.WithApprovalThreshold(cfg.ApprovalThreshold),
		saga.WithApprovalTimeout(cfg.ApprovalTimeout),
		saga.WithResumeDelay(cfg.ResumeDelay),
	}

	policy := retry.Default()
	policy.StepTimeout = cfg.StepTimeout
	policy.NonRetryable = []error{domain.ErrAccountStopped, domain.ErrValidation}
	policy.Log = log
	opts = append(opts, saga.WithRetryPolicy(policy))

	cp, locker, closeStore, err := openCheckpoints(startCtx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if locker != nil {
		opts = append(opts, saga.WithStepLocker(locker))
	}

	bank := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	acts := activities.NewClient(cfg.BankURL,
		activities.WithHTTPClient(bank),
		activities.WithClientLogger(log))
	engine := saga.New(cp, acts, opts...)

	n, err := engine.Recover(startCtx)
	if err != nil {
		return fmt.Errorf("recover transfers: %w", err)
	}
	log.Info("startup: transfers resumed", zap.Int("count", n))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.TransferRouter(httpapi.NewTransferHandlers(engine, log), cfg.MaxInflight),

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
		httpErr := srv.Shutdown(shutdownCtx)
		return errors.Join(httpErr, engine.Close(shutdownCtx))
	})
	return g.Wait()
}

func openCheckpoints(ctx context.Context, cfg config.Transfer, log *zap.Logger) (saga.Checkpointer, saga.StepLocker, func(), error) {
	switch cfg.Checkpoints {
	case "memory":
		log.Warn("startup: in-memory checkpoints, transfers cannot resume after restart")
		return store.NewMemoryCheckpoints(), nil, func() {}, nil

	case "postgres":
		pool, err := store.OpenPool(ctx, cfg.DSN, 0)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("migrations failed: %w", err)
			}
		}
		return store.NewPostgres(pool), nil, pool.Close, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		// Locks must outlive a step including its retries.
		locker := store.NewRedisStepLocker(rdb, cfg.StepTimeout+20*time.Second)
		return store.NewRedisCheckpoints(rdb, ""), locker, func() { _ = rdb.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown TRANSFER_CHECKPOINTS %q", cfg.Checkpoints)
	}
}
