package biz

import (
	"strconv"

	"agentcontext/cmd/context-service/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DegradationLevelTotal 各降级等级出现次数
	DegradationLevelTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcontext",
			Subsystem: "pipeline",
			Name:      "degradation_level_total",
			Help:      "Total number of estimate calls by degradation level",
		},
		[]string{"level"},
	)

	// ContextTokensEstimated 每次 estimate 的总 Token 用量
	ContextTokensEstimated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentcontext",
			Subsystem: "pipeline",
			Name:      "tokens_estimated",
			Help:      "Estimated total tokens per estimate call",
			Buckets:   []float64{500, 1000, 2000, 4000, 8000, 12000, 16000, 24000},
		},
	)

	// MessagesDropped 压缩丢弃的消息数
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcontext",
			Subsystem: "pipeline",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped by compression",
		},
		[]string{"level"},
	)

	// StageDuration 管线各阶段耗时
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentcontext",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"stage"},
	)

	// SummarizerCallsTotal 摘要器调用次数
	SummarizerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcontext",
			Subsystem: "summarizer",
			Name:      "calls_total",
			Help:      "Total number of summarizer invocations",
		},
		[]string{"status"},
	)
)

func recordEstimate(report *EstimateReport) {
	DegradationLevelTotal.WithLabelValues(strconv.Itoa(int(report.DegradationLevel))).Inc()
	ContextTokensEstimated.Observe(float64(report.TotalTokens))
}

func recordCompression(level domain.DegradationLevel, dropped int) {
	MessagesDropped.WithLabelValues(strconv.Itoa(int(level))).Add(float64(dropped))
}
