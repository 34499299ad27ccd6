package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentcontext/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// RedisSessionStore 基于 Redis 的会话存储
//
// 键布局（按 agent 命名空间隔离，多个管线可共享一个实例）：
//
//	ctx:{agent}:session:{thread_id}          主会话记录，TTL 约束
//	ctx:{agent}:tool:{thread_id}:{call_id}   卸载的工具结果
//	ctx:{agent}:errors:{thread_id}           滑动窗口列表
//	ctx:{agent}:summary_backup:{thread_id}   滑动窗口列表
//
// 滑动窗口的追加与修剪在一个事务管道内执行（RPUSH + LTRIM + EXPIRE），
// 从调用方视角是原子的：窗口不会超容量，也不会出现空洞。
type RedisSessionStore struct {
	client        *redis.Client
	agentName     string
	ttl           time.Duration
	errorCap      int
	summaryBakCap int
	logger        *log.Helper
}

// SessionStoreOptions 存储配置
type SessionStoreOptions struct {
	AgentName               string
	TTL                     time.Duration
	ErrorWindowSize         int
	SummaryBackupWindowSize int
}

// NewRedisSessionStore 创建 Redis 会话存储
func NewRedisSessionStore(client *redis.Client, opts SessionStoreOptions, logger log.Logger) *RedisSessionStore {
	if opts.TTL == 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.ErrorWindowSize == 0 {
		opts.ErrorWindowSize = 50
	}
	if opts.SummaryBackupWindowSize == 0 {
		opts.SummaryBackupWindowSize = 20
	}
	return &RedisSessionStore{
		client:        client,
		agentName:     opts.AgentName,
		ttl:           opts.TTL,
		errorCap:      opts.ErrorWindowSize,
		summaryBakCap: opts.SummaryBackupWindowSize,
		logger:        log.NewHelper(log.With(logger, "module", "session-store")),
	}
}

func (s *RedisSessionStore) sessionKey(threadID int64) string {
	return fmt.Sprintf("ctx:%s:session:%d", s.agentName, threadID)
}

func (s *RedisSessionStore) toolKey(threadID int64, callID string) string {
	return fmt.Sprintf("ctx:%s:tool:%d:%s", s.agentName, threadID, callID)
}

func (s *RedisSessionStore) errorsKey(threadID int64) string {
	return fmt.Sprintf("ctx:%s:errors:%d", s.agentName, threadID)
}

func (s *RedisSessionStore) summaryBackupKey(threadID int64) string {
	return fmt.Sprintf("ctx:%s:summary_backup:%d", s.agentName, threadID)
}

// Get 获取会话状态
//
// 记录不存在返回 ErrSessionNotFound；记录存在但结构不符返回
// ErrDeserialization，二者是不同的错误类别。
func (s *RedisSessionStore) Get(ctx context.Context, threadID int64) (*domain.SessionState, error) {
	data, err := s.client.Get(ctx, s.sessionKey(threadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: get session %d: %v", domain.ErrStoreUnavailable, threadID, err)
	}

	var session domain.SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: session %d: %v", domain.ErrDeserialization, threadID, err)
	}
	if session.ThreadID != threadID {
		return nil, fmt.Errorf("%w: session %d: thread_id mismatch (%d)",
			domain.ErrDeserialization, threadID, session.ThreadID)
	}
	return &session, nil
}

// Save 全量覆盖保存会话，刷新 TTL
//
// 调用方未设置 updated_at 时补当前时间；内容相同时幂等。
func (s *RedisSessionStore) Save(ctx context.Context, session *domain.SessionState) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %d: %w", session.ThreadID, err)
	}

	if err := s.client.Set(ctx, s.sessionKey(session.ThreadID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save session %d: %v", domain.ErrStoreUnavailable, session.ThreadID, err)
	}
	return nil
}

// Delete 删除主会话记录
//
// 辅助集合不做隐式级联清理，需要完整拆除的调用方必须显式删除。
func (s *RedisSessionStore) Delete(ctx context.Context, threadID int64) error {
	if err := s.client.Del(ctx, s.sessionKey(threadID)).Err(); err != nil {
		return fmt.Errorf("%w: delete session %d: %v", domain.ErrStoreUnavailable, threadID, err)
	}
	return nil
}

// DeleteAuxiliary 显式清理会话的辅助集合（错误窗口、摘要备份）
func (s *RedisSessionStore) DeleteAuxiliary(ctx context.Context, threadID int64) error {
	if err := s.client.Del(ctx, s.errorsKey(threadID), s.summaryBackupKey(threadID)).Err(); err != nil {
		return fmt.Errorf("%w: delete auxiliary for %d: %v", domain.ErrStoreUnavailable, threadID, err)
	}
	return nil
}

// SaveToolResult 保存卸载的工具结果
//
// 只在工具结果的估算成本超过卸载阈值时由管线触发；会话本身只保留
// call_id 引用，从不内联载荷。
func (s *RedisSessionStore) SaveToolResult(ctx context.Context, threadID int64, callID string, result *domain.ToolResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal tool result %s: %w", callID, err)
	}
	if err := s.client.Set(ctx, s.toolKey(threadID, callID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save tool result %s: %v", domain.ErrStoreUnavailable, callID, err)
	}
	return nil
}

// GetToolResult 读取卸载的工具结果
func (s *RedisSessionStore) GetToolResult(ctx context.Context, threadID int64, callID string) (*domain.ToolResult, error) {
	data, err := s.client.Get(ctx, s.toolKey(threadID, callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrToolResultNotFound
		}
		return nil, fmt.Errorf("%w: get tool result %s: %v", domain.ErrStoreUnavailable, callID, err)
	}

	var result domain.ToolResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: tool result %s: %v", domain.ErrDeserialization, callID, err)
	}
	return &result, nil
}

// AppendError 追加错误日志条目，FIFO 淘汰最旧条目
func (s *RedisSessionStore) AppendError(ctx context.Context, threadID int64, entry *domain.ErrorEntry) error {
	return s.appendWindow(ctx, s.errorsKey(threadID), entry, s.errorCap)
}

// GetErrors 返回错误窗口的全部条目，最旧在前
func (s *RedisSessionStore) GetErrors(ctx context.Context, threadID int64) ([]*domain.ErrorEntry, error) {
	raw, err := s.client.LRange(ctx, s.errorsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get errors for %d: %v", domain.ErrStoreUnavailable, threadID, err)
	}

	entries := make([]*domain.ErrorEntry, 0, len(raw))
	for _, item := range raw {
		var entry domain.ErrorEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("%w: error entry for %d: %v", domain.ErrDeserialization, threadID, err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// AppendSummaryBackup 追加摘要备份条目，FIFO 淘汰最旧条目
func (s *RedisSessionStore) AppendSummaryBackup(ctx context.Context, threadID int64, backup *domain.SummaryBackup) error {
	return s.appendWindow(ctx, s.summaryBackupKey(threadID), backup, s.summaryBakCap)
}

// GetSummaryBackups 返回摘要备份窗口的全部条目，最旧在前
func (s *RedisSessionStore) GetSummaryBackups(ctx context.Context, threadID int64) ([]*domain.SummaryBackup, error) {
	raw, err := s.client.LRange(ctx, s.summaryBackupKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get summary backups for %d: %v", domain.ErrStoreUnavailable, threadID, err)
	}

	backups := make([]*domain.SummaryBackup, 0, len(raw))
	for _, item := range raw {
		var backup domain.SummaryBackup
		if err := json.Unmarshal([]byte(item), &backup); err != nil {
			return nil, fmt.Errorf("%w: summary backup for %d: %v", domain.ErrDeserialization, threadID, err)
		}
		backups = append(backups, &backup)
	}
	return backups, nil
}

// appendWindow 原子的追加并修剪：RPUSH + LTRIM 保留尾部 capacity 条 + EXPIRE
func (s *RedisSessionStore) appendWindow(ctx context.Context, key string, value any, capacity int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal window entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-capacity), -1)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append to %s: %v", domain.ErrStoreUnavailable, key, err)
	}
	return nil
}
