package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 重试配置
type Config struct {
	MaxAttempts     int           `json:"max_attempts"`     // 最大重试次数
	InitialInterval time.Duration `json:"initial_interval"` // 初始重试间隔
	MaxInterval     time.Duration `json:"max_interval"`     // 最大重试间隔
	BackoffFactor   float64       `json:"backoff_factor"`   // 退避因子
	JitterFactor    float64       `json:"jitter_factor"`    // 抖动因子，0表示不加抖动
}

// NetworkConfig Kafka分发等网络操作的重试配置
var NetworkConfig = &Config{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	BackoffFactor:   2.0,
	JitterFactor:    0.2,
}

// CriticalConfig 账本连接等关键启动操作的重试配置
var CriticalConfig = &Config{
	MaxAttempts:     10,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     60 * time.Second,
	BackoffFactor:   1.5,
	JitterFactor:    0.15,
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err       error
	retryable bool
}

func (r *retryableError) Error() string     { return r.err.Error() }
func (r *retryableError) IsRetryable() bool { return r.retryable }
func (r *retryableError) Unwrap() error     { return r.err }

// NewRetryableError 包装错误并显式标记是否可重试
func NewRetryableError(err error, retryable bool) RetryableError {
	return &retryableError{err: err, retryable: retryable}
}

// 瞬时错误特征串，按下游分组
var transientMarkers = []string{
	// 网络
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timeout",
	"temporary failure",
	"broken pipe",
	"no such host",
	"network is unreachable",

	// Postgres 并发冲突与启动期
	"deadlock detected",
	"could not serialize access",
	"too many connections",
	"the database system is starting up",
	"lock_timeout",

	// Kafka
	"broker not available",
	"leader not available",
	"not enough replicas",
	"request timed out",
}

// IsRetryableError 判断错误是否值得重试
//
// 优先使用显式标记，否则按下游的瞬时错误特征串匹配。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if retryable, ok := err.(RetryableError); ok {
		return retryable.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Retrier 指数退避重试器
type Retrier struct {
	config *Config
	logger *logrus.Logger
	rand   *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *Config, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = NetworkConfig
	}
	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute 重试执行fn，不可重试错误立即返回
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return err
		}
		if attempt == r.config.MaxAttempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.delayFor(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// delayFor 指数退避加抖动
func (r *Retrier) delayFor(attempt int) time.Duration {
	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}

	if r.config.JitterFactor > 0 {
		jitter := delay * r.config.JitterFactor
		delay = delay - jitter + r.rand.Float64()*jitter*2
		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}
	return time.Duration(delay)
}

// RetryNetworkOperation 网络操作重试
func RetryNetworkOperation(ctx context.Context, operation string, fn func() error, logger *logrus.Logger) error {
	return NewRetrier(NetworkConfig, logger).Execute(ctx, operation, fn)
}

// RetryCriticalOperation 关键操作重试
func RetryCriticalOperation(ctx context.Context, operation string, fn func() error, logger *logrus.Logger) error {
	return NewRetrier(CriticalConfig, logger).Execute(ctx, operation, fn)
}
