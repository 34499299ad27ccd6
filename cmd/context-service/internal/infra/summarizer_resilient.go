package infra

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"agentcontext/cmd/context-service/internal/biz"
	"agentcontext/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/sony/gobreaker"
)

// ResilientSummarizer 具有弹性的摘要器（熔断 + 退避重试）
//
// 包装任意 biz.Summarizer。摘要调用是管线中唯一有外部可变延迟的点，
// 超时与取消由调用方传入的 context 约束；熔断打开时快速失败，
// 由 compress 阶段按全有或全无语义回退。
type ResilientSummarizer struct {
	inner   biz.Summarizer
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	logger  *log.Helper
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始退避时间
	MaxInterval     time.Duration // 最大退避时间
	Multiplier      float64       // 退避时间倍数
	RandomFactor    float64       // 随机因子（jitter）
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32        // 半开状态允许的最大请求数
	Interval         time.Duration // 统计窗口
	Timeout          time.Duration // 熔断后恢复时间
	FailureThreshold float64       // 失败率阈值（0.0-1.0）
	MinRequests      uint32        // 达到最小请求数后才计算失败率
}

// NewResilientSummarizer 创建弹性摘要器
func NewResilientSummarizer(
	inner biz.Summarizer,
	cbConfig *CircuitBreakerConfig,
	retryConfig *RetryConfig,
	logger log.Logger,
) *ResilientSummarizer {
	if cbConfig == nil {
		cbConfig = &CircuitBreakerConfig{
			Name:             "summarizer",
			MaxRequests:      3,
			Interval:         10 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 0.5,
			MinRequests:      3,
		}
	}
	if retryConfig == nil {
		retryConfig = &RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			RandomFactor:    0.1,
		}
	}

	logHelper := log.NewHelper(log.With(logger, "module", "resilient-summarizer"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cbConfig.Name,
		MaxRequests: cbConfig.MaxRequests,
		Interval:    cbConfig.Interval,
		Timeout:     cbConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cbConfig.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cbConfig.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logHelper.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &ResilientSummarizer{
		inner:   inner,
		breaker: cb,
		retry:   *retryConfig,
		logger:  logHelper,
	}
}

// Summarize 带熔断与重试的摘要调用
func (r *ResilientSummarizer) Summarize(
	ctx context.Context,
	messages []domain.Message,
	prior *domain.ConversationSummary,
) (*domain.ConversationSummary, error) {
	var lastErr error

	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.backoffInterval(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := r.breaker.Execute(func() (any, error) {
			return r.inner.Summarize(ctx, messages, prior)
		})
		if err == nil {
			biz.SummarizerCallsTotal.WithLabelValues("ok").Inc()
			return result.(*domain.ConversationSummary), nil
		}

		lastErr = err
		biz.SummarizerCallsTotal.WithLabelValues("error").Inc()

		// 熔断打开或 context 取消时不再重试
		if errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			break
		}
		r.logger.WithContext(ctx).Warnf("summarize attempt %d/%d failed: %v",
			attempt+1, r.retry.MaxAttempts, err)
	}

	return nil, lastErr
}

// backoffInterval 计算指数退避间隔（带 jitter）
func (r *ResilientSummarizer) backoffInterval(attempt int) time.Duration {
	interval := float64(r.retry.InitialInterval) * math.Pow(r.retry.Multiplier, float64(attempt-1))
	if interval > float64(r.retry.MaxInterval) {
		interval = float64(r.retry.MaxInterval)
	}
	jitter := interval * r.retry.RandomFactor * (rand.Float64()*2 - 1)
	return time.Duration(interval + jitter)
}
