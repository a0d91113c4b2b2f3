package services

import (
	"errors"
	"sync"
	"time"

	"bizflow/internal/config"
)

// ErrCircuitOpen is returned by Do while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int

const (
	StateClosedCB   CircuitBreakerState = iota // 关闭状态（正常）
	StateOpenCB                                // 开启状态（熔断）
	StateHalfOpenCB                            // 半开状态（试探）
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosedCB:
		return "closed"
	case StateOpenCB:
		return "open"
	case StateHalfOpenCB:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 保护通知通道，连续失败后短路一段时间
type CircuitBreaker struct {
	cfg          config.CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	now          func() time.Time
	mutex        sync.Mutex
}

// NewCircuitBreaker 使用配置创建熔断器，零值字段取默认值
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 3
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosedCB, now: time.Now}
}

// Do runs fn when the breaker admits the call and records its outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosedCB:
		return true
	case StateOpenCB:
		if cb.now().Sub(cb.lastFailTime) > cb.cfg.ResetTimeout {
			cb.state = StateHalfOpenCB
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case StateHalfOpenCB:
		// 半开状态下限制请求数量
		if cb.halfOpenReqs < cb.cfg.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosedCB
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case StateClosedCB:
		if cb.failureCount >= cb.cfg.MaxFailures {
			cb.state = StateOpenCB
		}
	case StateHalfOpenCB:
		// 试探失败，重新熔断
		cb.state = StateOpenCB
		cb.halfOpenReqs = 0
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats 获取熔断器统计信息，供健康检查输出
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]interface{}{
		"state":         cb.state.String(),
		"failure_count": cb.failureCount,
		"max_failures":  cb.cfg.MaxFailures,
		"reset_timeout": cb.cfg.ResetTimeout.String(),
	}
}
