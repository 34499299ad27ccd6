package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentcontext/cmd/context-service/internal/conf"
	"agentcontext/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// SessionStore 会话持久化接口
//
// 由 data 层的 Redis 实现提供；管线只依赖该接口，便于测试替换。
type SessionStore interface {
	Get(ctx context.Context, threadID int64) (*domain.SessionState, error)
	Save(ctx context.Context, session *domain.SessionState) error
	// Delete 只删除主会话记录；辅助集合由 DeleteAuxiliary 显式清理，
	// 从不隐式级联
	Delete(ctx context.Context, threadID int64) error
	DeleteAuxiliary(ctx context.Context, threadID int64) error

	SaveToolResult(ctx context.Context, threadID int64, callID string, result *domain.ToolResult) error
	GetToolResult(ctx context.Context, threadID int64, callID string) (*domain.ToolResult, error)

	AppendError(ctx context.Context, threadID int64, entry *domain.ErrorEntry) error
	GetErrors(ctx context.Context, threadID int64) ([]*domain.ErrorEntry, error)

	AppendSummaryBackup(ctx context.Context, threadID int64, backup *domain.SummaryBackup) error
	GetSummaryBackups(ctx context.Context, threadID int64) ([]*domain.SummaryBackup, error)
}

// EstimateReport estimate 阶段的产出
type EstimateReport struct {
	PerSlot          map[domain.Slot]int     `json:"per_slot"`
	TotalTokens      int                     `json:"total_tokens"`
	DegradationLevel domain.DegradationLevel `json:"degradation_level"`
	Actions          []TrimAction            `json:"actions,omitempty"`
	ShouldSummarize  bool                    `json:"should_summarize"`
}

// AssembledContext assemble 阶段的产出
type AssembledContext struct {
	SystemPrompt string           `json:"system_prompt"`
	Messages     []domain.Message `json:"messages"`
}

// PromptInputs 除会话历史外参与组装的各部分文本
type PromptInputs struct {
	Persona          string
	Instruction      string
	EmotionalContext string
	CurrentInput     string
}

// ContextPipeline 上下文组装管线
//
// 六阶段顺序流：load → merge → estimate → compress → assemble → complete。
// 阶段顺序是契约：estimate 报告等级 ≥1 时调用方必须先 compress 再
// assemble，assemble 自身不做预算复查。
//
// 管线假设同一 thread_id 同时至多一条阶段序列在执行，跨请求的互斥由
// 调用方（service 层）保证；不同 thread_id 完全独立。
type ContextPipeline struct {
	cfg        conf.ContextConfig
	store      SessionStore
	estimator  *TokenEstimator
	engine     *DegradationEngine
	summarizer Summarizer
	logger     *log.Helper
}

// NewContextPipeline 创建管线
func NewContextPipeline(
	cfg conf.ContextConfig,
	store SessionStore,
	summarizer Summarizer,
	logger log.Logger,
) *ContextPipeline {
	estimator := NewTokenEstimator()
	return &ContextPipeline{
		cfg:        cfg,
		store:      store,
		estimator:  estimator,
		engine:     NewDegradationEngine(cfg.Budget, estimator),
		summarizer: summarizer,
		logger:     log.NewHelper(log.With(logger, "module", "context-pipeline")),
	}
}

// Estimator 返回管线使用的估算器
func (p *ContextPipeline) Estimator() *TokenEstimator {
	return p.estimator
}

// Load 阶段 1：从存储加载会话，不存在则创建空会话
//
// 仅在存储层 I/O 故障时返回错误；NotFound 不是错误。
func (p *ContextPipeline) Load(ctx context.Context, threadID int64, userID string) (*domain.SessionState, error) {
	session, err := p.store.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			p.logger.WithContext(ctx).Debugf("session %d not found, creating new", threadID)
			return domain.NewSessionState(threadID, userID), nil
		}
		return nil, fmt.Errorf("load session %d: %w", threadID, err)
	}
	return session, nil
}

// Merge 阶段 2：合并用户输入，纯内存操作
func (p *ContextPipeline) Merge(session *domain.SessionState, userInput string) *domain.SessionState {
	session.AddMessage(domain.RoleUser, userInput)
	return session
}

// Estimate 阶段 3：按槽位估算 Token 用量并计算降级等级，不产生任何修改
func (p *ContextPipeline) Estimate(session *domain.SessionState, inputs PromptInputs) (*EstimateReport, error) {
	usage := map[domain.Slot]int{
		domain.SlotPersona:       p.estimator.EstimateText(inputs.Persona),
		domain.SlotInstruction:   p.estimator.EstimateText(inputs.Instruction),
		domain.SlotRecentHistory: p.estimator.EstimateMessages(session.Messages),
		domain.SlotCurrentInput:  p.estimator.EstimateText(inputs.CurrentInput),
	}
	if p.cfg.EnableEmotionalContext {
		usage[domain.SlotEmotionalContext] = p.estimator.EstimateText(inputs.EmotionalContext)
	}
	if session.Summary != nil {
		usage[domain.SlotSummary] = p.estimator.EstimateText(FormatSummary(session.Summary))
	}

	level, actions, err := p.engine.Evaluate(usage)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, tokens := range usage {
		total += tokens
	}

	coveredTurns := 0
	if session.Summary != nil {
		coveredTurns = session.Summary.CoversUntilTurn
	}
	shouldSummarize := level >= domain.DegradationLight ||
		session.TurnCount-coveredTurns >= p.cfg.SummaryTriggerThreshold ||
		p.messageCountExceeded(session)

	report := &EstimateReport{
		PerSlot:          usage,
		TotalTokens:      total,
		DegradationLevel: level,
		Actions:          actions,
		ShouldSummarize:  shouldSummarize,
	}

	recordEstimate(report)
	return report, nil
}

// Compress 阶段 4：按降级动作在会话副本上裁剪历史，必要时生成摘要
//
// 全有或全无：摘要器失败或超时则原样返回传入的会话，不产生半截状态。
// 被丢弃且未被活跃摘要覆盖的消息连同旧摘要一起归档到备份窗口。
// report 传入 estimate 阶段的产出；传 nil 时内部补一次估算。
func (p *ContextPipeline) Compress(ctx context.Context, session *domain.SessionState, inputs PromptInputs, report *EstimateReport) (*domain.SessionState, error) {
	if report == nil {
		var err error
		if report, err = p.Estimate(session, inputs); err != nil {
			return session, err
		}
	}

	if report.DegradationLevel == domain.DegradationNone && !report.ShouldSummarize {
		return session, nil
	}

	// 在副本上操作，成功前不触碰原会话
	working := session.Clone()
	kept := p.engine.Apply(working.Messages, report.Actions)
	dropped := working.Messages[:len(working.Messages)-len(kept)]

	coveredTurns := 0
	if working.Summary != nil {
		coveredTurns = working.Summary.CoversUntilTurn
	}
	thresholdCrossed := working.TurnCount-coveredTurns >= p.cfg.SummaryTriggerThreshold ||
		p.messageCountExceeded(working)

	// 丢弃了未被活跃摘要覆盖的消息，或轮次/消息数越过阈值时生成新摘要
	needSummary := len(dropped) > 0 || thresholdCrossed
	if needSummary {
		summarizeFrom := dropped
		if len(summarizeFrom) == 0 {
			summarizeFrom = working.Messages
		}
		newSummary, err := p.summarizer.Summarize(ctx, summarizeFrom, working.Summary)
		if err != nil {
			p.logger.WithContext(ctx).Warnf("summarization failed for thread %d: %v", session.ThreadID, err)
			if errors.Is(err, domain.ErrSummarizationFailed) {
				return session, err
			}
			return session, fmt.Errorf("%w: %v", domain.ErrSummarizationFailed, err)
		}
		if newSummary.CoversUntilTurn > working.TurnCount {
			newSummary.CoversUntilTurn = working.TurnCount
		}

		// 旧摘要连同被丢弃的原始消息归档；无可归档内容时不占用备份
		// 窗口容量，备份失败不阻塞压缩
		if working.Summary != nil || len(dropped) > 0 {
			backup := &domain.SummaryBackup{
				Summary:          working.Summary,
				OriginalMessages: dropped,
				CreatedAt:        time.Now(),
			}
			if err := p.store.AppendSummaryBackup(ctx, session.ThreadID, backup); err != nil {
				p.logger.WithContext(ctx).Warnf("summary backup failed for thread %d: %v", session.ThreadID, err)
			}
		}

		working.Summary = newSummary
	}

	working.Messages = kept
	working.UpdatedAt = time.Now()

	recordCompression(report.DegradationLevel, len(dropped))
	p.logger.WithContext(ctx).Infof("compressed thread %d: level=%d dropped=%d kept=%d",
		session.ThreadID, report.DegradationLevel, len(dropped), len(kept))

	return working, nil
}

// CompressAsync 阶段 4 的异步变体
//
// 摘要调用不阻塞其它会话；本会话自身的阶段顺序不变，assemble 读取
// 更新后的摘要前摘要一定已完成。
func (p *ContextPipeline) CompressAsync(ctx context.Context, session *domain.SessionState, inputs PromptInputs) <-chan CompressResult {
	out := make(chan CompressResult, 1)
	go func() {
		compressed, err := p.Compress(ctx, session, inputs, nil)
		out <- CompressResult{Session: compressed, Err: err}
		close(out)
	}()
	return out
}

// CompressResult 异步压缩的结果
type CompressResult struct {
	Session *domain.SessionState
	Err     error
}

// Assemble 阶段 5：渲染系统提示与消息列表，从不修改会话
//
// 各部分按自身优先级与剩余预算截断或省略。
func (p *ContextPipeline) Assemble(session *domain.SessionState, inputs PromptInputs, actions []TrimAction) *AssembledContext {
	zeroed := ZeroedSlots(actions)

	var sb strings.Builder
	sb.WriteString(p.truncateToSlot(inputs.Persona, domain.SlotPersona))

	if inputs.Instruction != "" && !zeroed[domain.SlotInstruction] {
		sb.WriteString("\n\n")
		sb.WriteString(p.truncateToSlot(inputs.Instruction, domain.SlotInstruction))
	}

	if session.Summary != nil && !zeroed[domain.SlotSummary] {
		sb.WriteString("\n\n## Conversation Summary\n")
		sb.WriteString(p.truncateToSlot(FormatSummary(session.Summary), domain.SlotSummary))
	}

	if inputs.EmotionalContext != "" && p.cfg.EnableEmotionalContext && !zeroed[domain.SlotEmotionalContext] {
		sb.WriteString("\n\n## Context\n")
		sb.WriteString(p.truncateToSlot(inputs.EmotionalContext, domain.SlotEmotionalContext))
	}

	messages := make([]domain.Message, len(session.Messages))
	copy(messages, session.Messages)

	return &AssembledContext{
		SystemPrompt: sb.String(),
		Messages:     messages,
	}
}

// messageCountExceeded 消息条数预检：条数超过阈值且存在摘要未覆盖的
// 轮次时触发摘要，避免对已完全覆盖的历史反复摘要
func (p *ContextPipeline) messageCountExceeded(session *domain.SessionState) bool {
	if p.cfg.CompactMessageThreshold <= 0 || len(session.Messages) <= p.cfg.CompactMessageThreshold {
		return false
	}
	coveredTurns := 0
	if session.Summary != nil {
		coveredTurns = session.Summary.CoversUntilTurn
	}
	return session.TurnCount > coveredTurns
}

// Complete 阶段 6：追加助手回复并持久化
func (p *ContextPipeline) Complete(ctx context.Context, session *domain.SessionState, assistantResponse string) error {
	session.AddMessage(domain.RoleAssistant, assistantResponse)
	if err := p.store.Save(ctx, session); err != nil {
		return fmt.Errorf("save session %d: %w", session.ThreadID, err)
	}
	return nil
}

// truncateToSlot 按槽位 Token 上限截断文本
//
// 估算是字符比例的线性函数，按比例截到字符边界即可保证不超限。
func (p *ContextPipeline) truncateToSlot(text string, slot domain.Slot) string {
	limit := p.cfg.Budget.SlotLimit(slot)
	if limit <= 0 {
		return text
	}
	estimated := p.estimator.EstimateText(text)
	if estimated <= limit {
		return text
	}

	runes := []rune(text)
	keep := len(runes) * limit / estimated
	for keep > 0 && p.estimator.EstimateText(string(runes[:keep])) > limit {
		keep--
	}
	return string(runes[:keep])
}
