// Package saga runs money transfers as persisted state machines:
//
//	CREATED -> [AWAITING_APPROVAL] -> WITHDRAWING -> DEPOSITING -> COMPLETED
//
// with FAILED reachable from the approval wait (on timeout) and from both
// steps. Every transition is checkpointed before the next side effect, and
// each step uses an idempotency key derived from the reference id, so a
// transfer resumed after a crash never moves money twice.
//
// A failed deposit is not compensated: the withdrawal stays applied.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"money-transfer/internal/domain"
	"money-transfer/internal/logging"
	"money-transfer/internal/retry"
)

const DefaultApprovalThreshold int64 = 500

const (
	defaultResumeDelay = 5 * time.Second
	maxResumeDelay     = 2 * time.Minute
)

var ErrClosed = errors.New("saga engine closed")

// Checkpointer persists SagaState. Load returns domain.ErrSagaNotFound for
// unknown reference ids; Pending returns every non-terminal state.
type Checkpointer interface {
	Save(ctx context.Context, st domain.SagaState) error
	Load(ctx context.Context, referenceID string) (domain.SagaState, error)
	Pending(ctx context.Context) ([]domain.SagaState, error)
}

// Activities are the two side-effecting steps of a transfer.
type Activities interface {
	Withdraw(ctx context.Context, account string, amount int64, idempotencyKey string) (string, error)
	Deposit(ctx context.Context, account string, amount int64, idempotencyKey string) (string, error)
}

// StepLocker serialises steps of one transfer across processes. The returned
// func releases the lock.
type StepLocker interface {
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

func WithdrawKey(referenceID string) string { return "withdrawal-for-" + referenceID }
func DepositKey(referenceID string) string  { return "deposit-for-" + referenceID }

// FailedError is returned for a transfer that ended FAILED.
type FailedError struct {
	ReferenceID string
	Message     string
	Cause       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("transfer %s failed: %s", e.ReferenceID, e.Message)
}

func (e *FailedError) Unwrap() error { return e.Cause }

type Engine struct {
	cp              Checkpointer
	acts            Activities
	locker          StepLocker
	policy          retry.Policy
	threshold       int64
	approvalTimeout time.Duration
	resumeDelay     time.Duration
	log             *zap.Logger
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

type Option func(*Engine)

func WithApprovalThreshold(amount int64) Option {
	return func(e *Engine) { e.threshold = amount }
}

// WithApprovalTimeout fails transfers that wait longer than d for approval.
// Zero waits forever.
func WithApprovalTimeout(d time.Duration) Option {
	return func(e *Engine) { e.approvalTimeout = d }
}

// WithResumeDelay sets how long a suspended transfer waits before it is
// driven again. The wait doubles on each consecutive suspension, up to two
// minutes. Zero leaves suspended transfers to Recover, Wait or Approve.
func WithResumeDelay(d time.Duration) Option {
	return func(e *Engine) { e.resumeDelay = d }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithStepLocker(l StepLocker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cp Checkpointer, acts Activities, opts ...Option) *Engine {
	e := &Engine{
		cp:          cp,
		acts:        acts,
		policy:      retry.Default(),
		threshold:   DefaultApprovalThreshold,
		resumeDelay: defaultResumeDelay,
		log:         zap.NewNop(),
		now:         time.Now,
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.Log == nil {
		e.policy.Log = e.log
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

type run struct {
	mu       sync.Mutex
	state    domain.SagaState
	wake     chan struct{}
	wakeOnce sync.Once
	done     chan struct{}
	err      error // set before done is closed
	resumes  int   // consecutive automatic resumes
}

func (r *run) snapshot() domain.SagaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) signal() { r.wakeOnce.Do(func() { close(r.wake) }) }

func validate(req domain.TransferRequest) error {
	switch {
	case strings.TrimSpace(req.ReferenceID) == "":
		return fmt.Errorf("%w: reference id is required", domain.ErrValidation)
	case strings.TrimSpace(req.Sender) == "" || strings.TrimSpace(req.Recipient) == "":
		return fmt.Errorf("%w: sender and recipient are required", domain.ErrValidation)
	case req.Sender == req.Recipient:
		return fmt.Errorf("%w: sender and recipient must differ", domain.ErrValidation)
	case req.Amount < 1:
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	return nil
}

func conflict(ref string) error {
	return fmt.Errorf("%w: reference id %s already used for a different transfer", domain.ErrValidation, ref)
}

// Start submits req and blocks until the transfer is terminal, returning the
// confirmation. Calling it again with the same request joins the running
// transfer or returns the recorded result.
func (e *Engine) Start(ctx context.Context, req domain.TransferRequest) (string, error) {
	if _, err := e.Submit(ctx, req); err != nil {
		return "", err
	}
	st, err := e.Wait(ctx, req.ReferenceID)
	if err != nil {
		return "", err
	}
	return st.Confirmation, nil
}

// Submit records req and starts running it in the background. A known
// reference id is not restarted; its current state is returned.
func (e *Engine) Submit(ctx context.Context, req domain.TransferRequest) (domain.SagaState, error) {
	if err := validate(req); err != nil {
		return domain.SagaState{}, err
	}
	ref := req.ReferenceID

	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.runs[ref]; ok {
		st := r.snapshot()
		if st.Request != req {
			return st, conflict(ref)
		}
		return st, nil
	}

	st, err := e.cp.Load(ctx, ref)
	switch {
	case errors.Is(err, domain.ErrSagaNotFound):
		st = domain.SagaState{Request: req, Status: domain.SagaCreated, UpdatedAt: e.now().UTC()}
		if err := e.cp.Save(ctx, st); err != nil {
			return domain.SagaState{}, fmt.Errorf("checkpoint %s: %w", ref, err)
		}
		e.log.Info("transfer submitted",
			zap.String("reference_id", ref),
			zap.String("sender", req.Sender),
			zap.String("recipient", req.Recipient),
			zap.Int64("amount", req.Amount))
	case err != nil:
		return domain.SagaState{}, err
	case st.Request != req:
		return st, conflict(ref)
	case st.Status.Terminal():
		return st, nil
	}

	if _, err := e.launchLocked(st, 0); err != nil {
		return st, err
	}
	return st, nil
}

// Wait blocks until the transfer is terminal or ctx ends. A FAILED transfer
// yields a *FailedError.
func (e *Engine) Wait(ctx context.Context, referenceID string) (domain.SagaState, error) {
	r, st, err := e.ensure(ctx, referenceID)
	if err != nil {
		return st, err
	}
	if r == nil {
		return st, outcome(st)
	}
	select {
	case <-r.done:
		return r.snapshot(), r.err
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// State returns the live state of a running transfer or its last checkpoint.
func (e *Engine) State(ctx context.Context, referenceID string) (domain.SagaState, error) {
	e.mu.Lock()
	r, ok := e.runs[referenceID]
	e.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	return e.cp.Load(ctx, referenceID)
}

// Approve records manager's approval. It is idempotent while the transfer is
// not terminal.
func (e *Engine) Approve(ctx context.Context, referenceID, manager string) error {
	if strings.TrimSpace(manager) == "" {
		return fmt.Errorf("%w: manager is required", domain.ErrValidation)
	}

	e.mu.Lock()
	r, ok := e.runs[referenceID]
	if !ok {
		defer e.mu.Unlock()
		return e.approveStoredLocked(ctx, referenceID, manager)
	}
	e.mu.Unlock()

	r.mu.Lock()
	if r.state.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", domain.ErrSagaTerminal, referenceID, r.state.Status)
	}
	if !r.state.Approved {
		next := r.state
		next.Approved = true
		next.ApprovedBy = manager
		next.UpdatedAt = e.now().UTC()
		if err := e.cp.Save(ctx, next); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("checkpoint %s: %w", referenceID, err)
		}
		r.state = next
		e.log.Info("transfer approved", zap.String("reference_id", referenceID), zap.String("manager", manager))
	}
	r.mu.Unlock()
	r.signal()
	return nil
}

// approveStoredLocked approves a transfer that has a checkpoint but no
// running instance, then resumes it. Caller holds e.mu.
func (e *Engine) approveStoredLocked(ctx context.Context, ref, manager string) error {
	st, err := e.cp.Load(ctx, ref)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrSagaTerminal, ref, st.Status)
	}
	if !st.Approved {
		st.Approved = true
		st.ApprovedBy = manager
		st.UpdatedAt = e.now().UTC()
		if err := e.cp.Save(ctx, st); err != nil {
			return fmt.Errorf("checkpoint %s: %w", ref, err)
		}
		e.log.Info("transfer approved", zap.String("reference_id", ref), zap.String("manager", manager))
	}
	_, err = e.launchLocked(st, 0)
	return err
}

// Recover resumes every unfinished transfer found in the checkpoint store.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.cp.Pending(ctx)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range pending {
		if _, running := e.runs[st.ReferenceID()]; running {
			continue
		}
		if _, err := e.launchLocked(st, 0); err != nil {
			return n, err
		}
		e.log.Info("transfer resumed", zap.String("reference_id", st.ReferenceID()), zap.String("status", string(st.Status)))
		n++
	}
	return n, nil
}

// Close stops every running transfer at its next suspension point and waits
// for them to exit. Stopped transfers keep their checkpoint and resume on
// the next Recover.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensure returns the running instance for ref, starting one from the
// checkpoint when needed. Terminal transfers return a nil run.
func (e *Engine) ensure(ctx context.Context, ref string) (*run, domain.SagaState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[ref]; ok {
		return r, r.snapshot(), nil
	}
	st, err := e.cp.Load(ctx, ref)
	if err != nil {
		return nil, st, err
	}
	if st.Status.Terminal() {
		return nil, st, nil
	}
	r, err := e.launchLocked(st, 0)
	return r, st, err
}

// launchLocked starts the runner goroutine. Caller holds e.mu.
func (e *Engine) launchLocked(st domain.SagaState, resumes int) (*run, error) {
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}
	r := &run{
		state:   st,
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
		resumes: resumes,
	}
	if st.Approved {
		r.signal()
	}
	e.runs[st.ReferenceID()] = r
	e.wg.Add(1)
	go e.drive(r)
	return r, nil
}

func (e *Engine) drive(r *run) {
	defer e.wg.Done()
	ref := r.snapshot().ReferenceID()
	log := e.log.With(zap.String("reference_id", ref))

	err := e.loop(e.ctx, r, log)

	var failed *FailedError
	switch {
	case err == nil:
		log.Info("transfer completed", zap.String("confirmation", r.snapshot().Confirmation))
	case errors.As(err, &failed):
		log.Warn("transfer failed", zap.Error(err))
	default:
		log.Warn("transfer suspended", zap.String("status", string(r.snapshot().Status)), zap.Error(err))
	}

	r.err = err
	close(r.done)

	e.mu.Lock()
	if e.runs[ref] == r {
		delete(e.runs, ref)
	}
	e.mu.Unlock()

	if err != nil && !errors.As(err, &failed) && e.ctx.Err() == nil && e.resumeDelay > 0 {
		e.scheduleResume(ref, r.resumes+1, log)
	}
}

// scheduleResume drives ref again from its checkpoint after a backoff,
// unless something else started it first or the engine closed.
func (e *Engine) scheduleResume(ref string, attempt int, log *zap.Logger) {
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	delay := e.resumeDelay << shift
	if delay > maxResumeDelay {
		delay = maxResumeDelay
	}
	log.Info("transfer resume scheduled", zap.Duration("in", delay), zap.Int("attempt", attempt))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if _, running := e.runs[ref]; running {
			return
		}
		st, err := e.cp.Load(e.ctx, ref)
		if err != nil {
			if e.ctx.Err() == nil {
				log.Warn("resume: load checkpoint", zap.Error(err))
				e.scheduleResume(ref, attempt+1, log)
			}
			return
		}
		if st.Status.Terminal() {
			return
		}
		if _, err := e.launchLocked(st, attempt); err != nil {
			log.Warn("resume", zap.Error(err))
		}
	}()
}

// loop advances r until it is terminal or cannot continue. It returns nil
// for COMPLETED, a *FailedError for FAILED and any other error when the
// transfer stopped but can be resumed.
func (e *Engine) loop(ctx context.Context, r *run, log *zap.Logger) error {
	for {
		st := r.snapshot()
		var err error
		switch st.Status {
		case domain.SagaCompleted:
			return nil
		case domain.SagaFailed:
			return outcome(st)
		case domain.SagaCreated:
			err = e.transition(ctx, r, log, func(s *domain.SagaState) {
				if s.Request.Amount > e.threshold {
					s.Status = domain.SagaAwaitingApproval
					return
				}
				s.Status = domain.SagaWithdrawing
				s.Approved = true
			})
		case domain.SagaAwaitingApproval:
			err = e.awaitApproval(ctx, r, log)
		case domain.SagaWithdrawing, domain.SagaDepositing:
			err = e.runStep(ctx, r, log)
		default:
			return fmt.Errorf("%w: unknown saga status %q", domain.ErrValidation, st.Status)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) awaitApproval(ctx context.Context, r *run, log *zap.Logger) error {
	st := r.snapshot()
	if !st.Approved {
		var expired <-chan time.Time
		if e.approvalTimeout > 0 {
			remaining := st.UpdatedAt.Add(e.approvalTimeout).Sub(e.now())
			if remaining < 0 {
				remaining = 0
			}
			t := time.NewTimer(remaining)
			defer t.Stop()
			expired = t.C
		}
		log.Info("awaiting approval", zap.Int64("amount", st.Request.Amount))

		select {
		case <-r.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			cause := fmt.Errorf("%w after %s", domain.ErrApprovalTimeout, e.approvalTimeout)
			var timedOut bool
			err := e.transition(ctx, r, log, func(s *domain.SagaState) {
				// Approve may have won the race with the timer.
				if s.Approved {
					s.Status = domain.SagaWithdrawing
					return
				}
				timedOut = true
				markFailed(s, cause)
			})
			if err != nil {
				return err
			}
			if timedOut {
				return &FailedError{ReferenceID: st.ReferenceID(), Message: cause.Error(), Cause: cause}
			}
			return nil
		}
	}
	return e.transition(ctx, r, log, func(s *domain.SagaState) { s.Status = domain.SagaWithdrawing })
}

// runStep performs the withdraw or deposit the current state calls for.
// Steps run outside r.mu.
func (e *Engine) runStep(ctx context.Context, r *run, log *zap.Logger) error {
	st := r.snapshot()
	ref, req := st.ReferenceID(), st.Request

	if e.locker != nil {
		unlock, err := e.locker.Lock(ctx, "saga:"+ref)
		if err != nil {
			return err
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				log.Warn("step lock release failed", zap.Error(err))
			}
		}()

		latest, err := e.cp.Load(ctx, ref)
		if err != nil {
			return err
		}
		if latest.Status != st.Status {
			log.Info("checkpoint advanced elsewhere", zap.String("status", string(latest.Status)))
			r.mu.Lock()
			latest.Approved = latest.Approved || r.state.Approved
			r.state = latest
			r.mu.Unlock()
			return nil
		}
	}

	var (
		name string
		call func(context.Context) (string, error)
	)
	switch st.Status {
	case domain.SagaWithdrawing:
		name = "withdraw"
		call = func(ctx context.Context) (string, error) {
			return e.acts.Withdraw(ctx, req.Sender, req.Amount, WithdrawKey(ref))
		}
	case domain.SagaDepositing:
		name = "deposit"
		call = func(ctx context.Context) (string, error) {
			return e.acts.Deposit(ctx, req.Recipient, req.Amount, DepositKey(ref))
		}
	}

	txID, err := e.policy.Execute(ctx, name, call)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if terr := e.transition(ctx, r, log, func(s *domain.SagaState) { markFailed(s, err) }); terr != nil {
			return terr
		}
		return &FailedError{ReferenceID: ref, Message: err.Error(), Cause: err}
	}

	return e.transition(ctx, r, log, func(s *domain.SagaState) {
		if s.Status == domain.SagaWithdrawing {
			s.WithdrawTxID = txID
			s.Status = domain.SagaDepositing
			return
		}
		s.DepositTxID = txID
		s.Status = domain.SagaCompleted
		s.Confirmation = fmt.Sprintf("withdrawal=%s, deposit=%s", s.WithdrawTxID, s.DepositTxID)
	})
}

// transition applies mutate to a copy of the state, checkpoints it and only
// then makes it current.
func (e *Engine) transition(ctx context.Context, r *run, log *zap.Logger, mutate func(*domain.SagaState)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state
	mutate(&next)
	next.UpdatedAt = e.now().UTC()
	if err := e.cp.Save(ctx, next); err != nil {
		return fmt.Errorf("checkpoint %s at %s: %w", next.ReferenceID(), next.Status, err)
	}
	if next.Status != r.state.Status {
		log.Debug("transition", zap.String("from", string(r.state.Status)), zap.String("to", string(next.Status)))
	}
	r.state = next
	return nil
}

func markFailed(s *domain.SagaState, cause error) {
	s.Status = domain.SagaFailed
	s.Error = cause.Error()
	s.ErrorCode = domain.CodeFor(cause)
}

// outcome rebuilds the error of a checkpointed terminal state.
func outcome(st domain.SagaState) error {
	if st.Status != domain.SagaFailed {
		return nil
	}
	return &FailedError{
		ReferenceID: st.ReferenceID(),
		Message:     st.Error,
		Cause:       domain.ErrForCode(st.ErrorCode),
	}
}
