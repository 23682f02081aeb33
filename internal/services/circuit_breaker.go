package services

import (
	"sync"
	"time"

	"chatdesk/internal/config"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ProviderBreaker 单个 AI 提供方的熔断器。连续失败达到阈值后打开，
// 超过重置时间后放行有限个试探请求
type ProviderBreaker struct {
	name     string
	cfg      config.CircuitBreakerConfig
	now      func() time.Time
	onChange func(name string, from, to BreakerState)

	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
}

// NewProviderBreaker 创建熔断器
func NewProviderBreaker(name string, cfg config.CircuitBreakerConfig) *ProviderBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 1
	}
	return &ProviderBreaker{name: name, cfg: cfg, now: time.Now}
}

// OnStateChange 注册状态变化回调
func (b *ProviderBreaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *ProviderBreaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Allow 是否放行本次调用
func (b *ProviderBreaker) Allow() bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.halfOpenReqs = 1
		return true
	case BreakerHalfOpen:
		if b.halfOpenReqs >= b.cfg.HalfOpenMaxReqs {
			return false
		}
		b.halfOpenReqs++
		return true
	default:
		return true
	}
}

// OnSuccess 记录成功
func (b *ProviderBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenReqs = 0
	b.transition(BreakerClosed)
}

// OnFailure 记录失败
func (b *ProviderBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.halfOpenReqs = 0
		b.transition(BreakerOpen)
	}
}

// State 当前状态
func (b *ProviderBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 恢复为关闭状态
func (b *ProviderBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenReqs = 0
	b.transition(BreakerClosed)
}

// BreakerStats 熔断器快照
type BreakerStats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Enabled     bool      `json:"enabled"`
}

// Stats 返回熔断器快照
func (b *ProviderBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		Enabled:     b.cfg.Enabled,
	}
}
