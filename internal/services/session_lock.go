package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatdesk/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 会话锁模式
const (
	SessionLockNone  = "none"
	SessionLockLocal = "local"
	SessionLockRedis = "redis"
)

// ErrSessionBusy 在等待时间内未能获得会话锁
var ErrSessionBusy = errors.New("session is busy")

// SessionLocker 串行化同一会话的并发请求
type SessionLocker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// NewSessionLocker 按配置选择锁实现，redis 模式需要传入客户端
func NewSessionLocker(cfg config.ConversationConfig, client *redis.Client) (SessionLocker, error) {
	switch cfg.SessionLock {
	case "", SessionLockNone:
		return NoopSessionLocker{}, nil
	case SessionLockLocal:
		return NewLocalSessionLocker(), nil
	case SessionLockRedis:
		if client == nil {
			return nil, fmt.Errorf("session_lock=redis requires a redis client")
		}
		return NewRedisSessionLocker(client, cfg.LockTTL), nil
	}
	return nil, fmt.Errorf("unknown session lock mode: %s", cfg.SessionLock)
}

// NoopSessionLocker 不加锁
type NoopSessionLocker struct{}

func (NoopSessionLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type localLockEntry struct {
	ch   chan struct{}
	refs int
}

// LocalSessionLocker 进程内按会话加锁
type LocalSessionLocker struct {
	mu    sync.Mutex
	locks map[string]*localLockEntry
}

// NewLocalSessionLocker 创建进程内会话锁
func NewLocalSessionLocker() *LocalSessionLocker {
	return &LocalSessionLocker{locks: make(map[string]*localLockEntry)}
}

func (l *LocalSessionLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[sessionID]
	if !ok {
		e = &localLockEntry{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.release(sessionID, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(sessionID, e)
		return nil, fmt.Errorf("%w: %v", ErrSessionBusy, ctx.Err())
	}
}

func (l *LocalSessionLocker) release(sessionID string, e *localLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, sessionID)
	}
}

// held 当前持有或等待中的会话数
func (l *LocalSessionLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisSessionLocker 基于 SETNX 的跨实例会话锁，锁带 TTL 防止进程崩溃后死锁
type RedisSessionLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger *logrus.Logger
}

// NewRedisSessionLocker 创建 Redis 会话锁
func NewRedisSessionLocker(client redis.Cmdable, ttl time.Duration) *RedisSessionLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSessionLocker{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		prefix: "chatdesk:session-lock:",
		logger: logrus.StandardLogger(),
	}
}

func (l *RedisSessionLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := l.prefix + sessionID
	token := uuid.NewString()
	deadline := time.Now().Add(l.ttl)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					if err := releaseLockScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
						l.logger.WithError(err).WithField("lock_key", key).Warn("release session lock failed")
					}
				})
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrSessionBusy
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrSessionBusy, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}
