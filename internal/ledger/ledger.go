// Package ledger holds the authoritative balance of a single account and
// applies idempotent deposits and withdrawals to it.
//
// Every operation on a Ledger runs inside the ledger's own critical section.
// Ledgers never lock each other, so there is no cross-account lock ordering.
// Account status (ACTIVE/STOPPED) is not checked here; that is the caller's job.
package ledger

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"money-transfer/internal/domain"
	"money-transfer/internal/logging"
)

const txIDDigits = 10

// reloadTimeout bounds the read-back after a failed write. The caller's ctx
// may already be gone by then.
const reloadTimeout = 5 * time.Second

// Repository persists the effect of one mutation: the new balance, the audit
// transaction and the idempotency record it implies. Implementations must
// apply all of it or none of it.
//
// A write can commit and still report an error, so the ledger reads the
// account back through FindAccount and IdempotencyRecords after any failure.
type Repository interface {
	ApplyTransaction(ctx context.Context, newBalance int64, tx domain.Transaction) error
	FindAccount(ctx context.Context, name string) (domain.Account, error)
	IdempotencyRecords(ctx context.Context, name string) (map[string]string, error)
}

type Ledger struct {
	name   string
	repo   Repository
	log    *zap.Logger
	now    func() time.Time
	digits func(n int) string

	mu       sync.Mutex
	balance  int64
	requests map[string]string // idempotency key -> tx id
	txIDs    map[string]struct{}
	stale    bool // cached state may lag the store
}

type Option func(*Ledger)

func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) { lg.log = logging.OrNop(l) }
}

// WithIdempotency seeds the ledger with records already persisted for the
// account, so replays after a restart still return the original tx id.
func WithIdempotency(records map[string]string) Option {
	return func(lg *Ledger) {
		for k, id := range records {
			lg.requests[k] = id
			lg.txIDs[id] = struct{}{}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

func New(name string, balance int64, repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		name:     name,
		repo:     repo,
		log:      zap.NewNop(),
		now:      time.Now,
		digits:   randomDigits,
		balance:  balance,
		requests: make(map[string]string),
		txIDs:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(zap.String("account", name))
	return l
}

func (l *Ledger) Name() string { return l.name }

func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Recorded reports how many idempotency records the ledger holds.
func (l *Ledger) Recorded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// Deposit credits amount. A key that already produced a transaction returns
// that transaction id and changes nothing.
func (l *Ledger) Deposit(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	return l.apply(ctx, domain.OpDeposit, amount, idempotencyKey)
}

// Withdraw debits amount. The idempotency record is consulted before the
// funds check, so a retried withdrawal that already succeeded never fails
// with ErrInsufficientFunds.
func (l *Ledger) Withdraw(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	return l.apply(ctx, domain.OpWithdraw, amount, idempotencyKey)
}

func (l *Ledger) apply(ctx context.Context, op domain.Operation, amount int64, key string) (string, error) {
	l.log.Info(string(op), zap.Int64("amount", amount), zap.String("idempotency_key", key))

	if amount < 1 {
		return "", fmt.Errorf("%w: %s amount %d", domain.ErrInvalidAmount, op, amount)
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stale {
		if err := l.reload(ctx); err != nil {
			return "", err
		}
	}

	if txID, ok := l.requests[key]; ok {
		l.log.Debug("replayed", zap.String("idempotency_key", key), zap.String("tx_id", txID))
		return txID, nil
	}

	var next int64
	var prefix string
	switch op {
	case domain.OpDeposit:
		if amount > math.MaxInt64-l.balance {
			return "", fmt.Errorf("%w: deposit of %d overflows balance", domain.ErrInvalidAmount, amount)
		}
		next, prefix = l.balance+amount, "D"
	case domain.OpWithdraw:
		if amount > l.balance {
			return "", fmt.Errorf("%w: balance=%d, withdrawal=%d", domain.ErrInsufficientFunds, l.balance, amount)
		}
		next, prefix = l.balance-amount, "W"
	default:
		return "", fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, op)
	}

	tx := domain.Transaction{
		ID:             l.newTxID(prefix),
		Operation:      op,
		Amount:         amount,
		IdempotencyKey: key,
		Account:        l.name,
		Timestamp:      l.now().UTC(),
	}
	if err := l.repo.ApplyTransaction(ctx, next, tx); err != nil {
		return l.settle(ctx, op, key, fmt.Errorf("persist %s: %w", op, err))
	}

	l.balance = next
	l.requests[key] = tx.ID
	l.txIDs[tx.ID] = struct{}{}

	l.log.Debug(string(op)+" complete", zap.Int64("amount", amount), zap.String("tx_id", tx.ID))
	return tx.ID, nil
}

// settle decides the outcome of a write that reported persistErr. The store
// may have committed it anyway (lost commit ack, or a duplicate key from an
// earlier such write), so the ledger re-reads the account and answers from
// what was actually recorded. Caller holds l.mu.
func (l *Ledger) settle(ctx context.Context, op domain.Operation, key string, persistErr error) (string, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
	defer cancel()
	if err := l.reload(rctx); err != nil {
		l.stale = true
		l.log.Warn("ledger marked stale", zap.NamedError("persist_error", persistErr), zap.Error(err))
		return "", persistErr
	}
	if txID, ok := l.requests[key]; ok {
		l.log.Warn(string(op)+" committed despite error",
			zap.String("idempotency_key", key), zap.String("tx_id", txID), zap.Error(persistErr))
		return txID, nil
	}
	return "", persistErr
}

// reload replaces the cached balance and idempotency records with the
// store's. Caller holds l.mu.
func (l *Ledger) reload(ctx context.Context) error {
	acc, err := l.repo.FindAccount(ctx, l.name)
	if err != nil {
		return fmt.Errorf("reload %s: %w", l.name, err)
	}
	records, err := l.repo.IdempotencyRecords(ctx, l.name)
	if err != nil {
		return fmt.Errorf("reload %s: %w", l.name, err)
	}
	l.balance = acc.Balance
	l.requests = make(map[string]string, len(records))
	l.txIDs = make(map[string]struct{}, len(records))
	for k, id := range records {
		l.requests[k] = id
		l.txIDs[id] = struct{}{}
	}
	l.stale = false
	return nil
}

// newTxID draws ids until one is not already recorded for this account.
// Caller holds l.mu.
func (l *Ledger) newTxID(prefix string) string {
	for {
		id := prefix + l.digits(txIDDigits)
		if _, taken := l.txIDs[id]; !taken {
			return id
		}
	}
}

func randomDigits(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('0' + rand.IntN(10))
	}
	return string(b)
}
