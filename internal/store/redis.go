package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"money-transfer/internal/domain"
)

const defaultRedisPrefix = "transfer"

// RedisCheckpoints stores one JSON document per transfer under
// <prefix>:saga:<ref> and tracks unfinished transfers in the
// <prefix>:saga:pending set.
type RedisCheckpoints struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisCheckpoints(rdb redis.UniversalClient, prefix string) *RedisCheckpoints {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCheckpoints{rdb: rdb, prefix: prefix}
}

func (c *RedisCheckpoints) stateKey(ref string) string { return c.prefix + ":saga:" + ref }
func (c *RedisCheckpoints) pendingKey() string         { return c.prefix + ":saga:pending" }

func (c *RedisCheckpoints) Save(ctx context.Context, st domain.SagaState) error {
	ref := st.ReferenceID()
	if strings.TrimSpace(ref) == "" {
		return domain.ErrValidation
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.stateKey(ref), raw, 0)
		if st.Status.Terminal() {
			p.SRem(ctx, c.pendingKey(), ref)
		} else {
			p.SAdd(ctx, c.pendingKey(), ref)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save saga %s: %w", ref, err)
	}
	return nil
}

func (c *RedisCheckpoints) Load(ctx context.Context, referenceID string) (domain.SagaState, error) {
	raw, err := c.rdb.Get(ctx, c.stateKey(referenceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SagaState{}, domain.ErrSagaNotFound
		}
		return domain.SagaState{}, err
	}
	var st domain.SagaState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.SagaState{}, fmt.Errorf("decode saga %s: %w", referenceID, err)
	}
	return st, nil
}

func (c *RedisCheckpoints) Pending(ctx context.Context) ([]domain.SagaState, error) {
	refs, err := c.rdb.SMembers(ctx, c.pendingKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SagaState, 0, len(refs))
	for _, ref := range refs {
		st, err := c.Load(ctx, ref)
		if errors.Is(err, domain.ErrSagaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !st.Status.Terminal() {
			out = append(out, st)
		}
	}
	return out, nil
}

// RedisStepLocker serialises saga steps for one transfer across processes
// with a redsync mutex.
type RedisStepLocker struct {
	rs         *redsync.Redsync
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
}

// NewRedisStepLocker builds a locker whose locks expire after expiry. The
// expiry must outlive a step (step timeout plus slack).
func NewRedisStepLocker(rdb redis.UniversalClient, expiry time.Duration) *RedisStepLocker {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &RedisStepLocker{
		rs:         redsync.New(goredis.NewPool(rdb)),
		expiry:     expiry,
		tries:      32,
		retryDelay: 250 * time.Millisecond,
	}
}

func (l *RedisStepLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	if strings.TrimSpace(key) == "" {
		return nil, domain.ErrValidation
	}
	m := l.rs.NewMutex("lock:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: acquire %s: %v", domain.ErrTransient, key, err)
	}
	return func(ctx context.Context) error {
		ok, err := m.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("release %s: lock was not held", key)
		}
		return nil
	}, nil
}
