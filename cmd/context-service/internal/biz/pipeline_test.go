package biz

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"agentcontext/cmd/context-service/internal/conf"
	"agentcontext/cmd/context-service/internal/data"
	"agentcontext/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockSummarizer 模拟摘要器
type MockSummarizer struct {
	SummarizeFunc func(ctx context.Context, messages []domain.Message, prior *domain.ConversationSummary) (*domain.ConversationSummary, error)
	Calls         int
}

func (m *MockSummarizer) Summarize(ctx context.Context, messages []domain.Message, prior *domain.ConversationSummary) (*domain.ConversationSummary, error) {
	m.Calls++
	if m.SummarizeFunc != nil {
		return m.SummarizeFunc(ctx, messages, prior)
	}
	return &domain.ConversationSummary{
		CoversUntilTurn: domain.UserTurnCount(messages),
		GeneratedAt:     time.Now(),
		UserIntent:      "mock summary",
		KeyEntities:     map[string]string{},
	}, nil
}

func newTestPipeline(cfg conf.ContextConfig, summarizer Summarizer) (*ContextPipeline, *data.MemorySessionStore) {
	store := data.NewMemorySessionStore(cfg.ErrorWindowSize, cfg.SummaryBackupWindowSize)
	if summarizer == nil {
		summarizer = &MockSummarizer{}
	}
	return NewContextPipeline(cfg, store, summarizer, log.DefaultLogger), store
}

func TestPipeline_EndToEnd(t *testing.T) {
	pipeline, store := newTestPipeline(conf.PersonalizedConfig(), nil)
	ctx := context.Background()

	// load：不存在则创建空会话
	session, err := pipeline.Load(ctx, 7, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), session.ThreadID)
	assert.Equal(t, "u1", session.UserID)
	assert.Empty(t, session.Messages)

	// merge：追加用户消息
	session = pipeline.Merge(session, "hi")
	assert.Equal(t, 1, len(session.Messages))
	assert.Equal(t, 1, session.TurnCount)

	// estimate：远低于预算 → 等级 0，无动作
	inputs := PromptInputs{
		Persona:      "You are a helpful assistant.",
		Instruction:  "Reply briefly.",
		CurrentInput: "hi",
	}
	report, err := pipeline.Estimate(session, inputs)
	require.NoError(t, err)
	assert.Equal(t, domain.DegradationNone, report.DegradationLevel)
	assert.Empty(t, report.Actions)
	assert.False(t, report.ShouldSummarize)

	// assemble：消息列表长度 1
	assembled := pipeline.Assemble(session, inputs, report.Actions)
	assert.Equal(t, 1, len(assembled.Messages))
	assert.Contains(t, assembled.SystemPrompt, "You are a helpful assistant.")
	assert.Contains(t, assembled.SystemPrompt, "Reply briefly.")

	// complete：追加助手回复并持久化
	require.NoError(t, pipeline.Complete(ctx, session, "hello!"))
	assert.Equal(t, 2, len(session.Messages))

	// 重新加载得到同样的 2 条消息
	loaded, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, len(loaded.Messages))
	assert.Equal(t, "hi", loaded.Messages[0].Content)
	assert.Equal(t, "hello!", loaded.Messages[1].Content)
	assert.Equal(t, 1, loaded.TurnCount)
}

func TestPipeline_LoadStoreError(t *testing.T) {
	// 存储层 I/O 故障是 load 唯一的终止性失败
	pipeline := NewContextPipeline(conf.PersonalizedConfig(), &failingStore{}, NoopSummarizer{}, log.DefaultLogger)

	_, err := pipeline.Load(context.Background(), 1, "u1")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func heavyPressureConfig() conf.ContextConfig {
	cfg := conf.PersonalizedConfig()
	cfg.Budget = domain.ContextBudget{
		TotalLimit:       700,
		Persona:          100,
		Instruction:      50,
		Summary:          100,
		EmotionalContext: 0,
		RecentHistory:    300,
		CurrentInput:     50,
		OutputBuffer:     200, // available = 500
	}
	return cfg
}

func tenTurnSession() *domain.SessionState {
	session := domain.NewSessionState(42, "u1")
	for i := 0; i < 10; i++ {
		session.AddMessage(domain.RoleUser, strings.Repeat("q", 100))
		session.AddMessage(domain.RoleAssistant, strings.Repeat("a", 100))
	}
	session.Summary = &domain.ConversationSummary{
		CoversUntilTurn: 5,
		GeneratedAt:     time.Now(),
		UserIntent:      "prior intent",
		KeyEntities:     map[string]string{},
	}
	return session
}

func TestPipeline_CompressLevelThree(t *testing.T) {
	pipeline, store := newTestPipeline(heavyPressureConfig(), nil)
	ctx := context.Background()
	session := tenTurnSession()

	inputs := PromptInputs{Persona: "p", CurrentInput: "q"}
	report, err := pipeline.Estimate(session, inputs)
	require.NoError(t, err)
	require.Equal(t, domain.DegradationHeavy, report.DegradationLevel)

	compressed, err := pipeline.Compress(ctx, session, inputs, report)
	require.NoError(t, err)

	// 仅保留最近 3 轮（3 条用户消息 + 各自的助手回复）
	assert.Equal(t, 6, len(compressed.Messages))
	assert.Equal(t, 3, domain.UserTurnCount(compressed.Messages))

	// 摘要保留且被新摘要取代
	require.NotNil(t, compressed.Summary)
	assert.Equal(t, "mock summary", compressed.Summary.UserIntent)

	// 旧摘要连同被丢弃的 14 条消息归档到备份窗口
	backups, err := store.GetSummaryBackups(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 1, len(backups))
	assert.Equal(t, "prior intent", backups[0].Summary.UserIntent)
	assert.Equal(t, 14, len(backups[0].OriginalMessages))

	// 原会话不被压缩修改
	assert.Equal(t, 20, len(session.Messages))
	assert.Equal(t, "prior intent", session.Summary.UserIntent)
}

func TestPipeline_CompressAllOrNothing(t *testing.T) {
	// 摘要器失败：原样返回会话，无半截状态
	failing := &MockSummarizer{
		SummarizeFunc: func(context.Context, []domain.Message, *domain.ConversationSummary) (*domain.ConversationSummary, error) {
			return nil, errors.New("llm timeout")
		},
	}
	pipeline, store := newTestPipeline(heavyPressureConfig(), failing)
	ctx := context.Background()
	session := tenTurnSession()

	result, err := pipeline.Compress(ctx, session, PromptInputs{Persona: "p", CurrentInput: "q"}, nil)

	assert.ErrorIs(t, err, domain.ErrSummarizationFailed)
	assert.Same(t, session, result)
	assert.Equal(t, 20, len(session.Messages))
	assert.Equal(t, "prior intent", session.Summary.UserIntent)

	// 失败路径不写入主记录
	_, err = store.Get(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestPipeline_CompressTurnThreshold(t *testing.T) {
	// 等级 0 但轮次越过阈值时也触发摘要
	cfg := conf.PersonalizedConfig()
	cfg.SummaryTriggerThreshold = 5
	mock := &MockSummarizer{}
	pipeline, store := newTestPipeline(cfg, mock)

	session := domain.NewSessionState(9, "u1")
	for i := 0; i < 6; i++ {
		session.AddMessage(domain.RoleUser, "short question")
		session.AddMessage(domain.RoleAssistant, "short answer")
	}

	inputs := PromptInputs{Persona: "p", CurrentInput: "q"}
	report, err := pipeline.Estimate(session, inputs)
	require.NoError(t, err)
	assert.Equal(t, domain.DegradationNone, report.DegradationLevel)
	assert.True(t, report.ShouldSummarize)

	compressed, err := pipeline.Compress(context.Background(), session, inputs, report)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.Calls)
	require.NotNil(t, compressed.Summary)
	// 摘要覆盖轮次不超过实际轮次
	assert.LessOrEqual(t, compressed.Summary.CoversUntilTurn, compressed.TurnCount)

	// 首次摘要既无旧摘要也无丢弃消息，不写入空备份条目
	backups, err := store.GetSummaryBackups(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestPipeline_MessageCountTrigger(t *testing.T) {
	// 消息条数超过阈值且存在未覆盖轮次时触发摘要
	cfg := conf.PersonalizedConfig()
	cfg.CompactMessageThreshold = 4
	mock := &MockSummarizer{}
	pipeline, _ := newTestPipeline(cfg, mock)

	session := domain.NewSessionState(8, "u1")
	for i := 0; i < 3; i++ {
		session.AddMessage(domain.RoleUser, "q")
		session.AddMessage(domain.RoleAssistant, "a")
	}

	inputs := PromptInputs{Persona: "p", CurrentInput: "q"}
	report, err := pipeline.Estimate(session, inputs)
	require.NoError(t, err)
	assert.Equal(t, domain.DegradationNone, report.DegradationLevel)
	assert.True(t, report.ShouldSummarize)

	compressed, err := pipeline.Compress(context.Background(), session, inputs, report)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.Calls)
	require.NotNil(t, compressed.Summary)

	// 摘要覆盖全部轮次后同样的消息数不再重复触发
	report, err = pipeline.Estimate(compressed, inputs)
	require.NoError(t, err)
	assert.False(t, report.ShouldSummarize)
}

func TestPipeline_CompressNoopWhenUnderBudget(t *testing.T) {
	mock := &MockSummarizer{}
	pipeline, _ := newTestPipeline(conf.PersonalizedConfig(), mock)

	session := domain.NewSessionState(1, "u1")
	session.AddMessage(domain.RoleUser, "hi")

	result, err := pipeline.Compress(context.Background(), session, PromptInputs{Persona: "p"}, nil)
	require.NoError(t, err)
	assert.Same(t, session, result)
	assert.Zero(t, mock.Calls)
}

func TestPipeline_CompressReusesReport(t *testing.T) {
	// compress 使用 estimate 阶段的既有报告时不重复估算，
	// 降级等级计数只随真实的 estimate 调用增长
	pipeline, _ := newTestPipeline(heavyPressureConfig(), nil)
	session := tenTurnSession()
	inputs := PromptInputs{Persona: "p", CurrentInput: "q"}

	report, err := pipeline.Estimate(session, inputs)
	require.NoError(t, err)

	level := strconv.Itoa(int(report.DegradationLevel))
	before := testutil.ToFloat64(DegradationLevelTotal.WithLabelValues(level))

	_, err = pipeline.Compress(context.Background(), session, inputs, report)
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(DegradationLevelTotal.WithLabelValues(level)))

	_, err = pipeline.Compress(context.Background(), session, inputs, nil)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(DegradationLevelTotal.WithLabelValues(level)))
}

func TestPipeline_CompressAsync(t *testing.T) {
	pipeline, _ := newTestPipeline(heavyPressureConfig(), nil)
	session := tenTurnSession()

	result := <-pipeline.CompressAsync(context.Background(), session, PromptInputs{Persona: "p", CurrentInput: "q"})
	require.NoError(t, result.Err)
	assert.Equal(t, 6, len(result.Session.Messages))
}

func TestPipeline_EstimateBudgetViolation(t *testing.T) {
	cfg := heavyPressureConfig()
	pipeline, _ := newTestPipeline(cfg, nil)

	session := domain.NewSessionState(3, "u1")
	session.AddMessage(domain.RoleUser, "hi")

	// P0 槽位（人设）单独超出可用预算
	inputs := PromptInputs{
		Persona:      strings.Repeat("p", 4000), // ~1000 tokens > 500 available
		CurrentInput: "hi",
	}
	_, err := pipeline.Estimate(session, inputs)
	assert.ErrorIs(t, err, domain.ErrBudgetViolation)

	// 会话不被修改
	assert.Equal(t, 1, len(session.Messages))
}

func TestPipeline_AssembleRendering(t *testing.T) {
	cfg := conf.PersonalizedConfig()
	pipeline, _ := newTestPipeline(cfg, nil)

	session := domain.NewSessionState(1, "u1")
	session.AddMessage(domain.RoleUser, "hi")
	session.Summary = &domain.ConversationSummary{
		UserIntent:  "plan a trip",
		KeyEntities: map[string]string{"dest": "Tokyo"},
	}

	inputs := PromptInputs{
		Persona:          "persona text",
		Instruction:      "instruction text",
		EmotionalContext: "user is excited",
	}

	assembled := pipeline.Assemble(session, inputs, nil)
	assert.Contains(t, assembled.SystemPrompt, "persona text")
	assert.Contains(t, assembled.SystemPrompt, "## Conversation Summary")
	assert.Contains(t, assembled.SystemPrompt, "plan a trip")
	assert.Contains(t, assembled.SystemPrompt, "## Context\nuser is excited")

	// assemble 从不修改会话
	assert.Equal(t, 1, len(session.Messages))

	// 情感上下文槽位被清零时省略
	zeroed := pipeline.Assemble(session, inputs, []TrimAction{{Kind: TrimZeroSlot, Slot: domain.SlotEmotionalContext}})
	assert.NotContains(t, zeroed.SystemPrompt, "user is excited")
}

func TestPipeline_AssembleEmotionalContextDisabled(t *testing.T) {
	cfg := conf.FastConfig() // 预设关闭情感上下文
	pipeline, _ := newTestPipeline(cfg, nil)

	session := domain.NewSessionState(1, "u1")
	assembled := pipeline.Assemble(session, PromptInputs{
		Persona:          "p",
		EmotionalContext: "ignored",
	}, nil)

	assert.NotContains(t, assembled.SystemPrompt, "ignored")
}

// failingStore 所有操作均返回存储不可用
type failingStore struct{}

func (failingStore) Get(context.Context, int64) (*domain.SessionState, error) {
	return nil, domain.ErrStoreUnavailable
}
func (failingStore) Save(context.Context, *domain.SessionState) error { return domain.ErrStoreUnavailable }
func (failingStore) Delete(context.Context, int64) error              { return domain.ErrStoreUnavailable }
func (failingStore) DeleteAuxiliary(context.Context, int64) error     { return domain.ErrStoreUnavailable }
func (failingStore) SaveToolResult(context.Context, int64, string, *domain.ToolResult) error {
	return domain.ErrStoreUnavailable
}
func (failingStore) GetToolResult(context.Context, int64, string) (*domain.ToolResult, error) {
	return nil, domain.ErrStoreUnavailable
}
func (failingStore) AppendError(context.Context, int64, *domain.ErrorEntry) error {
	return domain.ErrStoreUnavailable
}
func (failingStore) GetErrors(context.Context, int64) ([]*domain.ErrorEntry, error) {
	return nil, domain.ErrStoreUnavailable
}
func (failingStore) AppendSummaryBackup(context.Context, int64, *domain.SummaryBackup) error {
	return domain.ErrStoreUnavailable
}
func (failingStore) GetSummaryBackups(context.Context, int64) ([]*domain.SummaryBackup, error) {
	return nil, domain.ErrStoreUnavailable
}
