package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"money-transfer/internal/domain"
)

// Memory is a process-local account store, used for LEDGER_STORE=memory and
// in tests. It keeps the same contract as Postgres.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]domain.Account
	txs      map[string][]domain.Transaction
	keys     map[string]map[string]string // account -> key -> tx id
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		accounts: make(map[string]domain.Account),
		txs:      make(map[string][]domain.Transaction),
		keys:     make(map[string]map[string]string),
	}
}

func (m *Memory) CreateAccount(_ context.Context, name string, initialBalance int64) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, domain.ErrValidation
	}
	if initialBalance < 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[name]; ok {
		return acc, nil
	}
	acc := domain.Account{Name: name, Balance: initialBalance, Status: domain.StatusActive, Created: m.now().UTC()}
	m.accounts[name] = acc
	m.keys[name] = make(map[string]string)
	return acc, nil
}

func (m *Memory) FindAccount(_ context.Context, name string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[name]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acc, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, name string, status domain.AccountStatus) error {
	if _, err := domain.ParseAccountStatus(string(status)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[name]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Status = status
	m.accounts[name] = acc
	return nil
}

func (m *Memory) ApplyTransaction(_ context.Context, newBalance int64, t domain.Transaction) error {
	if newBalance < 0 {
		return fmt.Errorf("%w: negative balance %d", domain.ErrInsufficientFunds, newBalance)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[t.Account]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if _, dup := m.keys[t.Account][t.IdempotencyKey]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, t.IdempotencyKey)
	}
	acc.Balance = newBalance
	m.accounts[t.Account] = acc
	m.txs[t.Account] = append(m.txs[t.Account], t)
	m.keys[t.Account][t.IdempotencyKey] = t.ID
	return nil
}

func (m *Memory) IdempotencyRecords(_ context.Context, name string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.keys[name]))
	for k, id := range m.keys[name] {
		out[k] = id
	}
	return out, nil
}

func (m *Memory) Transactions(_ context.Context, name string) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transaction(nil), m.txs[name]...), nil
}

// MemoryCheckpoints keeps saga checkpoints in process memory. It also keeps
// the sequence of statuses saved per transfer.
type MemoryCheckpoints struct {
	mu      sync.Mutex
	states  map[string]domain.SagaState
	history map[string][]domain.SagaStatus
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{
		states:  make(map[string]domain.SagaState),
		history: make(map[string][]domain.SagaStatus),
	}
}

func (c *MemoryCheckpoints) Save(_ context.Context, st domain.SagaState) error {
	ref := st.ReferenceID()
	if strings.TrimSpace(ref) == "" {
		return domain.ErrValidation
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[ref] = st
	h := c.history[ref]
	if len(h) == 0 || h[len(h)-1] != st.Status {
		c.history[ref] = append(h, st.Status)
	}
	return nil
}

func (c *MemoryCheckpoints) Load(_ context.Context, referenceID string) (domain.SagaState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[referenceID]
	if !ok {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	return st, nil
}

func (c *MemoryCheckpoints) Pending(_ context.Context) ([]domain.SagaState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.SagaState
	for _, st := range c.states {
		if !st.Status.Terminal() {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// History returns the distinct statuses checkpointed for referenceID, in order.
func (c *MemoryCheckpoints) History(referenceID string) []domain.SagaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SagaStatus(nil), c.history[referenceID]...)
}
