package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLockTimeout is how long a phase execution lock may be held before
// another executor is allowed to take it over.
const DefaultLockTimeout = 5 * time.Minute

// LockManager serializes phase executions per (flowID, phase) pair.
// TryAcquire is non-blocking: false means another execution holds the lock.
type LockManager interface {
	TryAcquire(ctx context.Context, flowID, phase string) (bool, error)
	Release(ctx context.Context, flowID, phase string) error
	IsHeld(ctx context.Context, flowID, phase string) (bool, error)
	HealthCheck(ctx context.Context) error
}

func lockKey(flowID, phase string) string {
	return "phase_lock:" + flowID + ":" + phase
}

// ExecuteWithLock runs executor under the (flowID, phase) execution lock.
// When the lock is held elsewhere it returns an already_running result
// without invoking executor; a duplicate request is a no-op, not an error.
// The lock is released on every exit path, executor panics included, and
// executor errors propagate after the release.
func ExecuteWithLock(ctx context.Context, locks LockManager, logger *zap.Logger, flowID, phase string, executor func(context.Context) (*PhaseResult, error)) (*PhaseResult, error) {
	acquired, err := locks.TryAcquire(ctx, flowID, phase)
	if err != nil {
		return nil, fmt.Errorf("acquire phase lock: %w", err)
	}
	if !acquired {
		return &PhaseResult{Status: PhaseStatusAlreadyRunning, FlowID: flowID, Phase: phase}, nil
	}
	defer func() {
		if relErr := locks.Release(ctx, flowID, phase); relErr != nil && logger != nil {
			logger.Error("phase lock release failed",
				zap.String("flow_id", flowID),
				zap.String("phase", phase),
				zap.Error(relErr))
		}
	}()
	return executor(ctx)
}

// MemoryLockManager is the single-instance lock manager. Locks held longer
// than the timeout are treated as stale and taken over by the next acquirer.
type MemoryLockManager struct {
	mu      sync.Mutex
	held    map[string]time.Time
	timeout time.Duration
	logger  *zap.Logger

	now func() time.Time // test hook
}

func NewMemoryLockManager(timeout time.Duration, logger *zap.Logger) *MemoryLockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLockManager{
		held:    make(map[string]time.Time),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

func (m *MemoryLockManager) TryAcquire(_ context.Context, flowID, phase string) (bool, error) {
	key := lockKey(flowID, phase)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if acquiredAt, ok := m.held[key]; ok {
		if now.Sub(acquiredAt) < m.timeout {
			return false, nil
		}
		m.logger.Warn("taking over stale phase lock",
			zap.String("flow_id", flowID),
			zap.String("phase", phase),
			zap.Duration("held_for", now.Sub(acquiredAt)))
	}
	m.held[key] = now
	return true, nil
}

func (m *MemoryLockManager) Release(_ context.Context, flowID, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, lockKey(flowID, phase))
	return nil
}

func (m *MemoryLockManager) IsHeld(_ context.Context, flowID, phase string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acquiredAt, ok := m.held[lockKey(flowID, phase)]
	if !ok {
		return false, nil
	}
	return m.now().Sub(acquiredAt) < m.timeout, nil
}

func (m *MemoryLockManager) HealthCheck(context.Context) error { return nil }

// releaseLockScript deletes a lock key only when it still holds the
// releaser's token. Without the compare, a holder whose key expired
// server-side would delete the lock a second instance has since acquired.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLockManager coordinates phase execution across instances using
// SET NX with a TTL equal to the takeover timeout, so stale locks expire
// server-side. Each acquisition stores a unique token as the key's value;
// release is a compare-and-delete against that token, so an expired holder
// can never free a lock someone else now owns.
type RedisLockManager struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string // lock key -> this instance's acquisition token
}

func NewRedisLockManager(client *redis.Client, ttl time.Duration) *RedisLockManager {
	if ttl <= 0 {
		ttl = DefaultLockTimeout
	}
	return &RedisLockManager{
		client: client,
		ttl:    ttl,
		tokens: make(map[string]string),
	}
}

func (r *RedisLockManager) TryAcquire(ctx context.Context, flowID, phase string) (bool, error) {
	key := lockKey(flowID, phase)
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring phase lock: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *RedisLockManager) Release(ctx context.Context, flowID, phase string) error {
	key := lockKey(flowID, phase)
	r.mu.Lock()
	token, owned := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !owned {
		return nil
	}
	if err := releaseLockScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("releasing phase lock: %w", err)
	}
	return nil
}

func (r *RedisLockManager) IsHeld(ctx context.Context, flowID, phase string) (bool, error) {
	n, err := r.client.Exists(ctx, lockKey(flowID, phase)).Result()
	if err != nil {
		return false, fmt.Errorf("checking phase lock: %w", err)
	}
	return n > 0, nil
}

func (r *RedisLockManager) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
