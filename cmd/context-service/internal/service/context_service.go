package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agentcontext/cmd/context-service/internal/biz"
	"agentcontext/cmd/context-service/internal/conf"
	"agentcontext/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// ContextService 上下文服务门面
//
// 在管线之上补充规格要求的外部互斥：同一 thread_id 的并发请求按
// thread 粒度互斥锁串行，不同 thread 完全并行。锁条目按引用计数
// 管理，最后一个持有者释放后即回收，长驻进程不随 thread 数累积。
// 存储层的 save 是 last-writer-wins，不提供跨调用顺序保证。
type ContextService struct {
	pipeline   *biz.ContextPipeline
	store      biz.SessionStore
	cfg        conf.ContextConfig
	sumTimeout time.Duration
	logger     *log.Helper

	locksMu     sync.Mutex
	threadLocks map[int64]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// NewContextService 创建服务
func NewContextService(
	pipeline *biz.ContextPipeline,
	store biz.SessionStore,
	cfg conf.ContextConfig,
	summarizerTimeout time.Duration,
	logger log.Logger,
) *ContextService {
	if summarizerTimeout == 0 {
		summarizerTimeout = 15 * time.Second
	}
	return &ContextService{
		pipeline:    pipeline,
		store:       store,
		cfg:         cfg,
		sumTimeout:  summarizerTimeout,
		logger:      log.NewHelper(log.With(logger, "module", "context-service")),
		threadLocks: make(map[int64]*threadLock),
	}
}

func (s *ContextService) lockThread(threadID int64) func() {
	s.locksMu.Lock()
	l, ok := s.threadLocks[threadID]
	if !ok {
		l = &threadLock{}
		s.threadLocks[threadID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.threadLocks, threadID)
		}
		s.locksMu.Unlock()
	}
}

// TurnResult 一次用户轮次的处理结果
type TurnResult struct {
	Session   *domain.SessionState  `json:"-"`
	Estimate  *biz.EstimateReport   `json:"estimate"`
	Assembled *biz.AssembledContext `json:"assembled"`
}

// Turn 执行一次完整的用户轮次：load → merge → estimate → compress → assemble
//
// 阶段顺序契约在此集中保证：estimate 报告等级 ≥1 或轮次越过摘要阈值
// 时一定先 compress 再 assemble。助手回复由调用方随后通过 Complete
// 上报并持久化。
func (s *ContextService) Turn(
	ctx context.Context,
	threadID int64,
	userID string,
	userInput string,
	inputs biz.PromptInputs,
) (*TurnResult, error) {
	unlock := s.lockThread(threadID)
	defer unlock()

	start := time.Now()
	session, err := s.pipeline.Load(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	biz.StageDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())

	session = s.pipeline.Merge(session, userInput)
	inputs.CurrentInput = userInput

	report, err := s.pipeline.Estimate(session, inputs)
	if err != nil {
		return nil, err
	}

	if report.DegradationLevel >= domain.DegradationLight || report.ShouldSummarize {
		// 摘要调用由配置的超时约束，超时或失败时 compress 原样返回会话
		compressStart := time.Now()
		cctx, cancel := context.WithTimeout(ctx, s.sumTimeout)
		compressed, err := s.pipeline.Compress(cctx, session, inputs, report)
		cancel()
		biz.StageDuration.WithLabelValues("compress").Observe(time.Since(compressStart).Seconds())
		if err != nil {
			_ = s.store.AppendError(ctx, threadID, &domain.ErrorEntry{
				Step:      4,
				ErrorType: "compress",
				Message:   err.Error(),
				CreatedAt: time.Now(),
			})
			return nil, err
		}
		session = compressed

		// 压缩后重新估算，供调用方观测裁剪效果
		if report, err = s.pipeline.Estimate(session, inputs); err != nil {
			return nil, err
		}
	}

	assembled := s.pipeline.Assemble(session, inputs, report.Actions)

	// 压缩结果立即持久化，避免崩溃后重复摘要
	if err := s.store.Save(ctx, session); err != nil {
		return nil, err
	}

	return &TurnResult{
		Session:   session,
		Estimate:  report,
		Assembled: assembled,
	}, nil
}

// Complete 上报助手回复并持久化会话
func (s *ContextService) Complete(ctx context.Context, threadID int64, userID, assistantResponse string) (*domain.SessionState, error) {
	unlock := s.lockThread(threadID)
	defer unlock()

	session, err := s.pipeline.Load(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.pipeline.Complete(ctx, session, assistantResponse); err != nil {
		return nil, err
	}
	return session, nil
}

// RecordToolResult 记录一次工具调用结果
//
// 估算成本超过卸载阈值的载荷写入独立键，会话里只追加带 call_id 引用
// 的工具消息；小载荷直接内联。返回使用的 call_id。
func (s *ContextService) RecordToolResult(
	ctx context.Context,
	threadID int64,
	userID string,
	toolName string,
	payload json.RawMessage,
) (string, error) {
	unlock := s.lockThread(threadID)
	defer unlock()

	session, err := s.pipeline.Load(ctx, threadID, userID)
	if err != nil {
		return "", err
	}

	callID := uuid.NewString()
	estimated := s.pipeline.Estimator().EstimateText(string(payload))

	if estimated > s.cfg.ToolResultOffloadThreshold {
		result := &domain.ToolResult{
			CallID:    callID,
			ToolName:  toolName,
			Payload:   payload,
			CreatedAt: time.Now(),
		}
		if err := s.store.SaveToolResult(ctx, threadID, callID, result); err != nil {
			return "", err
		}
		session.AddToolMessage(
			fmt.Sprintf("[tool result offloaded: %s, ~%d tokens, call_id=%s]", toolName, estimated, callID),
			callID,
		)
		s.logger.WithContext(ctx).Infof("offloaded tool result %s for thread %d (~%d tokens)",
			callID, threadID, estimated)
	} else {
		session.AddToolMessage(string(payload), callID)
	}

	if err := s.store.Save(ctx, session); err != nil {
		return "", err
	}
	return callID, nil
}

// GetToolResult 读取卸载的工具结果
func (s *ContextService) GetToolResult(ctx context.Context, threadID int64, callID string) (*domain.ToolResult, error) {
	return s.store.GetToolResult(ctx, threadID, callID)
}

// GetSession 读取会话
func (s *ContextService) GetSession(ctx context.Context, threadID int64) (*domain.SessionState, error) {
	return s.store.Get(ctx, threadID)
}

// DeleteSession 删除主会话记录，辅助集合保留
func (s *ContextService) DeleteSession(ctx context.Context, threadID int64) error {
	unlock := s.lockThread(threadID)
	defer unlock()
	return s.store.Delete(ctx, threadID)
}

// TeardownSession 完整拆除：删除主记录并显式清理辅助集合
func (s *ContextService) TeardownSession(ctx context.Context, threadID int64) error {
	unlock := s.lockThread(threadID)
	defer unlock()
	if err := s.store.Delete(ctx, threadID); err != nil {
		return err
	}
	return s.store.DeleteAuxiliary(ctx, threadID)
}

// GetErrors 读取错误窗口，最旧在前
func (s *ContextService) GetErrors(ctx context.Context, threadID int64) ([]*domain.ErrorEntry, error) {
	return s.store.GetErrors(ctx, threadID)
}

// GetSummaryBackups 读取摘要备份窗口，最旧在前
func (s *ContextService) GetSummaryBackups(ctx context.Context, threadID int64) ([]*domain.SummaryBackup, error) {
	return s.store.GetSummaryBackups(ctx, threadID)
}

// AppendError 追加一条错误日志
func (s *ContextService) AppendError(ctx context.Context, threadID int64, entry *domain.ErrorEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.store.AppendError(ctx, threadID, entry)
}
