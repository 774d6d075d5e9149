package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"money-transfer/internal/activities"
	"money-transfer/internal/domain"
	"money-transfer/internal/ledger"
	"money-transfer/internal/registry"
	"money-transfer/internal/retry"
	"money-transfer/internal/store"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		Initial:     time.Millisecond,
		Factor:      2,
		Max:         5 * time.Millisecond,
		StepTimeout: 100 * time.Millisecond,
	}
}

type fixture struct {
	reg  *registry.Registry
	cp   *store.MemoryCheckpoints
	acts *recordingActivities
}

func newFixture(t *testing.T, balances map[string]int64) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := registry.New(store.NewMemory(), nil)
	for name, bal := range balances {
		_, err := reg.Create(ctx, name, bal)
		require.NoError(t, err)
	}
	return &fixture{
		reg:  reg,
		cp:   store.NewMemoryCheckpoints(),
		acts: &recordingActivities{next: activities.NewLocal(reg)},
	}
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(f.cp, f.acts, append([]Option{WithRetryPolicy(fastPolicy())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func (f *fixture) ledger(t *testing.T, name string) *ledger.Ledger {
	t.Helper()
	l, err := f.reg.GetOrLoad(context.Background(), name)
	require.NoError(t, err)
	return l
}

// recordingActivities logs every call and return in order and can hold or
// fail calls on demand.
type recordingActivities struct {
	next Activities

	mu     sync.Mutex
	events []string
	fail   map[string]error // step -> error returned instead of calling next
	hold   chan struct{}    // when set, withdraw blocks until closed or ctx ends
}

func (a *recordingActivities) record(ev string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingActivities) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func (a *recordingActivities) count(ev string) int {
	n := 0
	for _, e := range a.Events() {
		if e == ev {
			n++
		}
	}
	return n
}

func (a *recordingActivities) injected(step string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fail[step]
}

func (a *recordingActivities) Withdraw(ctx context.Context, account string, amount int64, key string) (string, error) {
	a.record("withdraw")
	a.mu.Lock()
	hold := a.hold
	a.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := a.injected("withdraw"); err != nil {
		return "", err
	}
	id, err := a.next.Withdraw(ctx, account, amount, key)
	if err == nil {
		a.record("withdraw ok")
	}
	return id, err
}

func (a *recordingActivities) Deposit(ctx context.Context, account string, amount int64, key string) (string, error) {
	a.record("deposit")
	if err := a.injected("deposit"); err != nil {
		return "", err
	}
	id, err := a.next.Deposit(ctx, account, amount, key)
	if err == nil {
		a.record("deposit ok")
	}
	return id, err
}

func waitStatus(t *testing.T, e *Engine, ref string, want domain.SagaStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := e.State(context.Background(), ref)
		return err == nil && st.Status == want
	}, 2*time.Second, 2*time.Millisecond, "waiting for %s", want)
}

func TestScenario_AutoApprovedTransferCompletes(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	e := f.engine(t)
	ctx := context.Background()

	conf, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 300, ReferenceID: "r1"})
	require.NoError(t, err)
	assert.Regexp(t, `^withdrawal=W\d{10}, deposit=D\d{10}$`, conf)

	assert.Equal(t, int64(700), f.ledger(t, "A").Balance())
	assert.Equal(t, int64(300), f.ledger(t, "B").Balance())
	assert.Equal(t, []domain.SagaStatus{
		domain.SagaCreated, domain.SagaWithdrawing, domain.SagaDepositing, domain.SagaCompleted,
	}, f.cp.History("r1"))

	st, err := e.State(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, st.Approved)
	assert.Equal(t, conf, st.Confirmation)
}

func TestScenario_InsufficientFundsFails(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 100, "B": 0})
	e := f.engine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 200, ReferenceID: "r2"})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "r2", failed.ReferenceID)

	assert.Equal(t, int64(100), f.ledger(t, "A").Balance())
	assert.Equal(t, int64(0), f.ledger(t, "B").Balance())
	assert.Equal(t, 1, f.acts.count("withdraw"), "non-retryable errors are not retried")
	assert.Zero(t, f.acts.count("deposit"))

	st, err := e.State(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, st.Status)
	assert.Equal(t, domain.CodeInsufficientFunds, st.ErrorCode)
	assert.NotEmpty(t, st.Error)

	// The recorded outcome is returned on a second call.
	_, err = e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 200, ReferenceID: "r2"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, 1, f.acts.count("withdraw"))
}

func TestScenario_LargeTransferWaitsForApproval(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	e := f.engine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 600, ReferenceID: "r3"})
	require.NoError(t, err)
	waitStatus(t, e, "r3", domain.SagaAwaitingApproval)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1000), f.ledger(t, "A").Balance())
	assert.Zero(t, f.acts.count("withdraw"))

	require.NoError(t, e.Approve(ctx, "r3", "mgr1"))
	require.NoError(t, e.Approve(ctx, "r3", "mgr2"), "approval is idempotent")

	conf, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 600, ReferenceID: "r3"})
	require.NoError(t, err)
	assert.NotEmpty(t, conf)
	assert.Equal(t, int64(400), f.ledger(t, "A").Balance())
	assert.Equal(t, int64(600), f.ledger(t, "B").Balance())

	st, err := e.State(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, "mgr1", st.ApprovedBy)
}

func TestApprovalThreshold(t *testing.T) {
	tests := []struct {
		amount       int64
		needApproval bool
	}{
		{500, false},
		{501, true},
	}
	for _, tt := range tests {
		f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
		e := f.engine(t)
		ctx := context.Background()
		ref := "gate"

		_, err := e.Submit(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: tt.amount, ReferenceID: ref})
		require.NoError(t, err)

		if !tt.needApproval {
			_, err := e.Wait(ctx, ref)
			require.NoError(t, err, "amount %d", tt.amount)
			assert.Equal(t, 1, f.acts.count("withdraw ok"))
			continue
		}

		waitStatus(t, e, ref, domain.SagaAwaitingApproval)
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, f.acts.count("withdraw"), "amount %d must wait for approval", tt.amount)

		require.NoError(t, e.Approve(ctx, ref, "mgr"))
		_, err = e.Wait(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 1, f.acts.count("withdraw ok"))
	}
}

func TestCustomApprovalThreshold(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	e := f.engine(t, WithApprovalThreshold(50))

	_, err := e.Submit(context.Background(), domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 51, ReferenceID: "x"})
	require.NoError(t, err)
	waitStatus(t, e, "x", domain.SagaAwaitingApproval)
}

func TestDepositOnlyAfterWithdrawReturned(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	f.acts.hold = make(chan struct{})
	e := f.engine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 10, ReferenceID: "ord"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.acts.count("withdraw") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.acts.count("deposit"))

	f.acts.mu.Lock()
	close(f.acts.hold)
	f.acts.mu.Unlock()

	_, err = e.Wait(ctx, "ord")
	require.NoError(t, err)
	assert.Equal(t, []string{"withdraw", "withdraw ok", "deposit", "deposit ok"}, f.acts.Events())
}

func TestStartTwiceDoesNotRepeatSteps(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	e := f.engine(t)
	ctx := context.Background()
	req := domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 100, ReferenceID: "dup"}

	var wg sync.WaitGroup
	confs := make([]string, 4)
	for i := range confs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := e.Start(ctx, req)
			assert.NoError(t, err)
			confs[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range confs[1:] {
		assert.Equal(t, confs[0], c)
	}

	again, err := e.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, confs[0], again)
	assert.Equal(t, int64(900), f.ledger(t, "A").Balance())
	assert.Equal(t, int64(100), f.ledger(t, "B").Balance())
	assert.Equal(t, 1, f.acts.count("withdraw"))

	other := req
	other.Amount = 5
	_, err = e.Start(ctx, other)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestValidation(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(t)

	tests := []struct {
		name string
		req  domain.TransferRequest
	}{
		{"no reference", domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 1}},
		{"no sender", domain.TransferRequest{Recipient: "B", Amount: 1, ReferenceID: "v"}},
		{"no recipient", domain.TransferRequest{Sender: "A", Amount: 1, ReferenceID: "v"}},
		{"same account", domain.TransferRequest{Sender: "A", Recipient: "A", Amount: 1, ReferenceID: "v"}},
		{"zero amount", domain.TransferRequest{Sender: "A", Recipient: "B", ReferenceID: "v"}},
		{"negative amount", domain.TransferRequest{Sender: "A", Recipient: "B", Amount: -3, ReferenceID: "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Start(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestApproveErrors(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 10, "B": 0})
	e := f.engine(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.Approve(ctx, "nope", "mgr"), domain.ErrSagaNotFound)

	_, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 5, ReferenceID: "done"})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Approve(ctx, "done", "mgr"), domain.ErrSagaTerminal)
	assert.ErrorIs(t, e.Approve(ctx, "done", ""), domain.ErrValidation)

	_, err = e.Wait(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestApprovalTimeoutFails(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	e := f.engine(t, WithApprovalTimeout(30*time.Millisecond))
	ctx := context.Background()

	_, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 900, ReferenceID: "late"})
	require.ErrorIs(t, err, domain.ErrApprovalTimeout)

	st, err := e.State(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, st.Status)
	assert.Equal(t, domain.CodeApprovalTimeout, st.ErrorCode)
	assert.Zero(t, f.acts.count("withdraw"))
	assert.ErrorIs(t, e.Approve(ctx, "late", "mgr"), domain.ErrSagaTerminal)
}

func TestStepTimeoutFailsWithoutCompensation(t *testing.T) {
	// Recipient does not exist: deposit retries until the step deadline.
	f := newFixture(t, map[string]int64{"A": 1000})
	p := fastPolicy()
	p.StepTimeout = 40 * time.Millisecond
	e := f.engine(t, WithRetryPolicy(p))
	ctx := context.Background()

	_, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "ghost", Amount: 100, ReferenceID: "lost"})
	require.ErrorIs(t, err, domain.ErrStepTimeout)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.Greater(t, f.acts.count("deposit"), 1, "deposit is retried")

	st, err := e.State(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, st.Status)
	assert.Equal(t, domain.CodeStepTimeout, st.ErrorCode)
	assert.NotEmpty(t, st.WithdrawTxID)
	assert.Empty(t, st.DepositTxID)
	assert.Equal(t, int64(900), f.ledger(t, "A").Balance(), "withdrawal stays applied")
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	f.acts.fail = map[string]error{"deposit": domain.ErrTransient}
	e := f.engine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 10, ReferenceID: "flaky"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.acts.count("deposit") >= 2 }, time.Second, time.Millisecond)

	f.acts.mu.Lock()
	f.acts.fail = nil
	f.acts.mu.Unlock()

	_, err = e.Wait(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.ledger(t, "B").Balance())
}

func TestResumeFromCheckpoint(t *testing.T) {
	req := domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 300, ReferenceID: "crash"}

	tests := []struct {
		name  string
		wantA int64
		// prepare applies the side effects that happened before the crash and
		// returns the last checkpoint.
		prepare func(t *testing.T, f *fixture) domain.SagaState
	}{
		{"created", 700, func(t *testing.T, f *fixture) domain.SagaState {
			return domain.SagaState{Request: req, Status: domain.SagaCreated}
		}},
		{"approved while awaiting", 700, func(t *testing.T, f *fixture) domain.SagaState {
			return domain.SagaState{Request: req, Status: domain.SagaAwaitingApproval, Approved: true, ApprovedBy: "mgr"}
		}},
		{"withdrawing, step already applied", 700, func(t *testing.T, f *fixture) domain.SagaState {
			_, err := f.ledger(t, "A").Withdraw(context.Background(), 300, WithdrawKey("crash"))
			require.NoError(t, err)
			return domain.SagaState{Request: req, Status: domain.SagaWithdrawing, Approved: true}
		}},
		{"withdrawing, balance spent since", 100, func(t *testing.T, f *fixture) domain.SagaState {
			ctx := context.Background()
			_, err := f.ledger(t, "A").Withdraw(ctx, 300, WithdrawKey("crash"))
			require.NoError(t, err)
			// The replayed withdrawal must not hit the funds check.
			_, err = f.ledger(t, "A").Withdraw(ctx, 600, "unrelated")
			require.NoError(t, err)
			return domain.SagaState{Request: req, Status: domain.SagaWithdrawing, Approved: true}
		}},
		{"depositing, deposit already applied", 700, func(t *testing.T, f *fixture) domain.SagaState {
			ctx := context.Background()
			w, err := f.ledger(t, "A").Withdraw(ctx, 300, WithdrawKey("crash"))
			require.NoError(t, err)
			_, err = f.ledger(t, "B").Deposit(ctx, 300, DepositKey("crash"))
			require.NoError(t, err)
			return domain.SagaState{Request: req, Status: domain.SagaDepositing, Approved: true, WithdrawTxID: w}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
			require.NoError(t, f.cp.Save(context.Background(), tt.prepare(t, f)))

			e := f.engine(t)
			n, err := e.Recover(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			st, err := e.Wait(context.Background(), "crash")
			require.NoError(t, err)
			assert.Equal(t, domain.SagaCompleted, st.Status)
			assert.Equal(t, tt.wantA, f.ledger(t, "A").Balance())
			assert.Equal(t, int64(300), f.ledger(t, "B").Balance())
		})
	}
}

func TestResumeAwaitingApprovalStillWaits(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	req := domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 700, ReferenceID: "held"}
	require.NoError(t, f.cp.Save(context.Background(), domain.SagaState{Request: req, Status: domain.SagaAwaitingApproval}))

	e := f.engine(t)
	ctx := context.Background()

	// Approving a transfer that is not running yet resumes it.
	require.NoError(t, e.Approve(ctx, "held", "mgr"))
	st, err := e.Wait(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, st.Status)
	assert.Equal(t, "mgr", st.ApprovedBy)
}

func TestCloseSuspendsAndRecoverResumes(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	f.acts.hold = make(chan struct{})
	first := New(f.cp, f.acts, WithRetryPolicy(fastPolicy()))
	ctx := context.Background()

	_, err := first.Submit(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 50, ReferenceID: "restart"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.acts.count("withdraw") == 1 }, time.Second, time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, first.Close(closeCtx))

	st, err := f.cp.Load(ctx, "restart")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaWithdrawing, st.Status, "shutdown must not fail the transfer")
	_, err = first.Submit(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 50, ReferenceID: "restart"})
	assert.ErrorIs(t, err, ErrClosed)

	f.acts.mu.Lock()
	f.acts.hold = nil
	f.acts.mu.Unlock()

	second := f.engine(t)
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = second.Wait(ctx, "restart")
	require.NoError(t, err)
	assert.Equal(t, int64(950), f.ledger(t, "A").Balance())
}

type fakeLocker struct {
	mu     sync.Mutex
	keys   []string
	before func()
}

func (l *fakeLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	before := l.before
	l.mu.Unlock()
	if before != nil {
		before()
	}
	return func(context.Context) error { return nil }, nil
}

func TestStepLockerWrapsSteps(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	locker := &fakeLocker{}
	e := f.engine(t, WithStepLocker(locker))

	_, err := e.Start(context.Background(), domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 1, ReferenceID: "lk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"saga:lk", "saga:lk"}, locker.keys)
}

func TestStepLockerAdoptsProgressFromAnotherProcess(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	ctx := context.Background()
	req := domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 20, ReferenceID: "peer"}

	// While this process waits for the lock, a peer finishes the withdrawal
	// and checkpoints DEPOSITING.
	var once sync.Once
	locker := &fakeLocker{before: func() {
		once.Do(func() {
			w, err := f.ledger(t, "A").Withdraw(ctx, 20, WithdrawKey("peer"))
			assert.NoError(t, err)
			assert.NoError(t, f.cp.Save(ctx, domain.SagaState{
				Request: req, Status: domain.SagaDepositing, Approved: true, WithdrawTxID: w,
			}))
		})
	}}
	e := f.engine(t, WithStepLocker(locker))

	_, err := e.Start(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, f.acts.count("withdraw"), "withdraw was done by the peer")
	assert.Equal(t, int64(980), f.ledger(t, "A").Balance())
	assert.Equal(t, int64(20), f.ledger(t, "B").Balance())
}

type failingCheckpoints struct {
	*store.MemoryCheckpoints
	failOn domain.SagaStatus
}

func (c *failingCheckpoints) Save(ctx context.Context, st domain.SagaState) error {
	if st.Status == c.failOn {
		return errors.New("disk full")
	}
	return c.MemoryCheckpoints.Save(ctx, st)
}

func TestCheckpointFailureStopsBeforeNextStep(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	cp := &failingCheckpoints{MemoryCheckpoints: f.cp, failOn: domain.SagaDepositing}
	e := New(cp, f.acts, WithRetryPolicy(fastPolicy()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	ctx := context.Background()

	_, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 10, ReferenceID: "cp"})
	require.Error(t, err)
	var failed *FailedError
	assert.False(t, errors.As(err, &failed), "a checkpoint error suspends, it does not fail the transfer")
	assert.Zero(t, f.acts.count("deposit"))

	st, err := f.cp.Load(ctx, "cp")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaWithdrawing, st.Status)
}

// flakyCheckpoints rejects the first failures saves of status failOn.
type flakyCheckpoints struct {
	*store.MemoryCheckpoints
	failOn   domain.SagaStatus
	failures atomic.Int32
}

func (c *flakyCheckpoints) Save(ctx context.Context, st domain.SagaState) error {
	if st.Status == c.failOn && c.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return c.MemoryCheckpoints.Save(ctx, st)
}

func TestSuspendedTransferIsResumedAutomatically(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	cp := &flakyCheckpoints{MemoryCheckpoints: f.cp, failOn: domain.SagaDepositing}
	cp.failures.Store(2)
	e := New(cp, f.acts, WithRetryPolicy(fastPolicy()), WithResumeDelay(5*time.Millisecond))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	ctx := context.Background()

	_, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 10, ReferenceID: "cp"})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		st, err := f.cp.Load(ctx, "cp")
		return err == nil && st.Status == domain.SagaCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(990), f.ledger(t, "A").Balance())
	assert.Equal(t, int64(10), f.ledger(t, "B").Balance())
	assert.Equal(t, 1, f.acts.count("deposit"))
}

func TestClosedEngineDoesNotResume(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	cp := &flakyCheckpoints{MemoryCheckpoints: f.cp, failOn: domain.SagaDepositing}
	cp.failures.Store(1)
	e := New(cp, f.acts, WithRetryPolicy(fastPolicy()), WithResumeDelay(50*time.Millisecond))
	ctx := context.Background()

	_, err := e.Start(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 10, ReferenceID: "cp"})
	require.Error(t, err)
	require.NoError(t, e.Close(ctx))

	time.Sleep(100 * time.Millisecond)
	st, err := f.cp.Load(ctx, "cp")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaWithdrawing, st.Status)
	assert.Zero(t, f.acts.count("deposit"))
}

func TestApprovalTimeoutCountsFromCheckpoint(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1000, "B": 0})
	parked := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	req := domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 700, ReferenceID: "parked"}
	require.NoError(t, f.cp.Save(context.Background(), domain.SagaState{
		Request: req, Status: domain.SagaAwaitingApproval, UpdatedAt: parked,
	}))

	now := parked.Add(2 * time.Hour)
	e := f.engine(t, WithApprovalTimeout(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Wait(ctx, "parked")
	require.ErrorIs(t, err, domain.ErrApprovalTimeout)

	st, err := f.cp.Load(ctx, "parked")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, st.Status)
	assert.True(t, st.UpdatedAt.Equal(now), "updated_at %s", st.UpdatedAt)
	assert.Zero(t, f.acts.count("withdraw"))
}
