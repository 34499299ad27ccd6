package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentcontext/cmd/context-service/internal/domain"
)

// Summarizer 对话摘要器
//
// 由调用方提供的外部能力，可能失败、延迟无上界（由调用方传入的
// context 超时约束）。管线将其视为黑盒。
type Summarizer interface {
	Summarize(ctx context.Context, messages []domain.Message, prior *domain.ConversationSummary) (*domain.ConversationSummary, error)
}

// NoopSummarizer 空实现，供测试与未接入摘要能力的部署使用
//
// 摘要是必需能力接口，不允许散落在管线里的判空分支。
type NoopSummarizer struct{}

// Summarize 返回仅覆盖轮次信息的空摘要
func (NoopSummarizer) Summarize(_ context.Context, messages []domain.Message, prior *domain.ConversationSummary) (*domain.ConversationSummary, error) {
	summary := &domain.ConversationSummary{
		CoversUntilTurn: domain.UserTurnCount(messages),
		GeneratedAt:     time.Now(),
		KeyEntities:     map[string]string{},
	}
	if prior != nil {
		summary.CoversUntilTurn += prior.CoversUntilTurn
		summary.UserIntent = prior.UserIntent
	}
	return summary, nil
}

// GenerateFunc 文本生成函数，对接任意 LLM 后端
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// LLMSummarizer 基于 LLM 的摘要器
//
// 构建含既有摘要的总结提示词，调用文本生成函数，把自由文本结果
// 包装为结构化摘要。
type LLMSummarizer struct {
	generate GenerateFunc
}

// NewLLMSummarizer 创建 LLM 摘要器
func NewLLMSummarizer(generate GenerateFunc) *LLMSummarizer {
	return &LLMSummarizer{generate: generate}
}

// Summarize 总结消息
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []domain.Message, prior *domain.ConversationSummary) (*domain.ConversationSummary, error) {
	prompt := s.buildPrompt(messages, prior)

	text, err := s.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w: %v", domain.ErrSummarizationFailed, err)
	}

	summary := &domain.ConversationSummary{
		CoversUntilTurn: domain.UserTurnCount(messages),
		GeneratedAt:     time.Now(),
		UserIntent:      strings.TrimSpace(text),
		KeyEntities:     map[string]string{},
	}
	if prior != nil {
		summary.CoversUntilTurn += prior.CoversUntilTurn
		summary.KeyEntities = prior.KeyEntities
		summary.DecisionsMade = prior.DecisionsMade
		summary.PendingQuestions = prior.PendingQuestions
	}
	return summary, nil
}

func (s *LLMSummarizer) buildPrompt(messages []domain.Message, prior *domain.ConversationSummary) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation messages into a concise summary ")
	sb.WriteString("that captures the key information, decisions, and context needed to ")
	sb.WriteString("continue the conversation.\n\n")

	if prior != nil {
		sb.WriteString("Previous summary to incorporate and update:\n")
		sb.WriteString(FormatSummary(prior))
		sb.WriteString("\n\n")
	}

	sb.WriteString("Messages:\n")
	for _, msg := range messages {
		sb.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, msg.Content))
	}

	sb.WriteString("\nSummary:")
	return sb.String()
}

// FormatSummary 将结构化摘要渲染为提示词文本
func FormatSummary(summary *domain.ConversationSummary) string {
	parts := []string{fmt.Sprintf("User intent: %s", summary.UserIntent)}

	if len(summary.KeyEntities) > 0 {
		keys := make([]string, 0, len(summary.KeyEntities))
		for k := range summary.KeyEntities {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entities := make([]string, 0, len(keys))
		for _, k := range keys {
			entities = append(entities, fmt.Sprintf("%s: %s", k, summary.KeyEntities[k]))
		}
		parts = append(parts, "Key information: "+strings.Join(entities, ", "))
	}
	if len(summary.DecisionsMade) > 0 {
		parts = append(parts, "Decisions: "+strings.Join(summary.DecisionsMade, ", "))
	}
	if len(summary.PendingQuestions) > 0 {
		parts = append(parts, "Pending: "+strings.Join(summary.PendingQuestions, ", "))
	}

	return strings.Join(parts, "\n")
}
