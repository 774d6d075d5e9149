// Package registry owns the in-memory ledgers of a service, one per account,
// and the ACTIVE/STOPPED status of each.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"money-transfer/internal/domain"
	"money-transfer/internal/ledger"
	"money-transfer/internal/logging"
)

// Store is the persistence the registry needs. store.Postgres, store.Mongo
// and store.Memory satisfy it.
type Store interface {
	ledger.Repository
	CreateAccount(ctx context.Context, name string, initialBalance int64) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	UpdateStatus(ctx context.Context, name string, status domain.AccountStatus) error
}

type entry struct {
	ledger *ledger.Ledger
	status domain.AccountStatus
}

type Registry struct {
	store Store
	log   *zap.Logger
	load  singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(store Store, log *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		log:     logging.OrNop(log),
		entries: make(map[string]*entry),
	}
}

func (r *Registry) cached(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// insert stores e unless another caller got there first; the winner is
// returned either way.
func (r *Registry) insert(name string, e *entry) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[name]; ok {
		return cur
	}
	r.entries[name] = e
	return e
}

func (r *Registry) wrap(ctx context.Context, acc domain.Account) (*entry, error) {
	records, err := r.store.IdempotencyRecords(ctx, acc.Name)
	if err != nil {
		return nil, fmt.Errorf("load idempotency records for %s: %w", acc.Name, err)
	}
	l := ledger.New(acc.Name, acc.Balance, r.store,
		ledger.WithLogger(r.log),
		ledger.WithIdempotency(records),
	)
	return &entry{ledger: l, status: acc.Status}, nil
}

// GetOrLoad returns the cached ledger for name or materialises it from the
// store. Unknown accounts yield domain.ErrAccountNotFound.
func (r *Registry) GetOrLoad(ctx context.Context, name string) (*ledger.Ledger, error) {
	e, err := r.getOrLoad(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.ledger, nil
}

func (r *Registry) getOrLoad(ctx context.Context, name string) (*entry, error) {
	if e, ok := r.cached(name); ok {
		return e, nil
	}
	v, err, _ := r.load.Do(name, func() (interface{}, error) {
		if e, ok := r.cached(name); ok {
			return e, nil
		}
		acc, err := r.store.FindAccount(ctx, name)
		if err != nil {
			return nil, err
		}
		e, err := r.wrap(ctx, acc)
		if err != nil {
			return nil, err
		}
		r.log.Debug("ledger loaded", zap.String("account", name), zap.Int64("balance", acc.Balance))
		return r.insert(name, e), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// Create returns the existing ledger when the account is already known,
// otherwise creates it ACTIVE with initialBalance.
func (r *Registry) Create(ctx context.Context, name string, initialBalance int64) (*ledger.Ledger, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: account name is required", domain.ErrValidation)
	}
	if initialBalance < 0 {
		return nil, fmt.Errorf("%w: initial balance %d", domain.ErrInvalidAmount, initialBalance)
	}
	if e, ok := r.cached(name); ok {
		return e.ledger, nil
	}

	acc, err := r.store.CreateAccount(ctx, name, initialBalance)
	if err != nil {
		return nil, err
	}
	e, err := r.wrap(ctx, acc)
	if err != nil {
		return nil, err
	}
	e = r.insert(name, e)
	r.log.Info("account ready", zap.String("account", name), zap.Int64("balance", e.ledger.Balance()))
	return e.ledger, nil
}

func (r *Registry) Status(ctx context.Context, name string) (domain.AccountStatus, error) {
	if e, ok := r.cached(name); ok {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return e.status, nil
	}
	acc, err := r.store.FindAccount(ctx, name)
	if err != nil {
		return "", err
	}
	return acc.Status, nil
}

// SetStatus changes the status of a loaded account. It reports false, with
// no error, when the account is not loaded.
func (r *Registry) SetStatus(ctx context.Context, name string, status domain.AccountStatus) (bool, error) {
	if _, err := domain.ParseAccountStatus(string(status)); err != nil {
		return false, fmt.Errorf("%w: %q", err, status)
	}
	e, ok := r.cached(name)
	if !ok {
		return false, nil
	}
	if err := r.store.UpdateStatus(ctx, name, status); err != nil {
		return false, err
	}

	r.mu.Lock()
	e.status = status
	r.mu.Unlock()

	r.log.Info("status changed", zap.String("account", name), zap.String("status", string(status)))
	return true, nil
}

// Open returns the ledger for name if the account may be used, and
// domain.ErrAccountStopped if it is STOPPED.
func (r *Registry) Open(ctx context.Context, name string) (*ledger.Ledger, error) {
	e, err := r.getOrLoad(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	status := e.status
	r.mu.RUnlock()
	if status == domain.StatusStopped {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountStopped, name)
	}
	return e.ledger, nil
}

// List returns every stored account. Balances and statuses of loaded
// accounts come from their live ledgers.
func (r *Registry) List(ctx context.Context) ([]domain.Account, error) {
	accs, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, acc := range accs {
		if e, ok := r.entries[acc.Name]; ok {
			accs[i].Balance = e.ledger.Balance()
			accs[i].Status = e.status
		}
	}
	return accs, nil
}

// LoadAll loads every stored account into the cache.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	accs, err := r.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, acc := range accs {
		name := acc.Name
		g.Go(func() error {
			_, err := r.getOrLoad(gctx, name)
			if errors.Is(err, domain.ErrAccountNotFound) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(accs), nil
}
