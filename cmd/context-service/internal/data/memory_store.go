package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agentcontext/cmd/context-service/internal/domain"
)

// MemorySessionStore 内存会话存储
//
// 与 RedisSessionStore 语义一致（含滑动窗口容量与 FIFO 淘汰），
// 供测试与本地开发使用。序列化走同样的 JSON 编解码路径，保证两个
// 实现对存储形状的约束相同。
type MemorySessionStore struct {
	mu            sync.RWMutex
	sessions      map[int64][]byte
	toolResults   map[string][]byte
	errorWindows  map[int64][][]byte
	backupWindows map[int64][][]byte
	errorCap      int
	summaryBakCap int
}

// NewMemorySessionStore 创建内存存储
func NewMemorySessionStore(errorCap, summaryBackupCap int) *MemorySessionStore {
	if errorCap == 0 {
		errorCap = 50
	}
	if summaryBackupCap == 0 {
		summaryBackupCap = 20
	}
	return &MemorySessionStore{
		sessions:      make(map[int64][]byte),
		toolResults:   make(map[string][]byte),
		errorWindows:  make(map[int64][][]byte),
		backupWindows: make(map[int64][][]byte),
		errorCap:      errorCap,
		summaryBakCap: summaryBackupCap,
	}
}

// Get 获取会话状态
func (s *MemorySessionStore) Get(_ context.Context, threadID int64) (*domain.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.sessions[threadID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	var session domain.SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: session %d: %v", domain.ErrDeserialization, threadID, err)
	}
	return &session, nil
}

// Save 保存会话状态
func (s *MemorySessionStore) Save(_ context.Context, session *domain.SessionState) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %d: %w", session.ThreadID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ThreadID] = data
	return nil
}

// Delete 删除主会话记录
func (s *MemorySessionStore) Delete(_ context.Context, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, threadID)
	return nil
}

// DeleteAuxiliary 清理辅助集合
func (s *MemorySessionStore) DeleteAuxiliary(_ context.Context, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errorWindows, threadID)
	delete(s.backupWindows, threadID)
	return nil
}

// SaveToolResult 保存卸载的工具结果
func (s *MemorySessionStore) SaveToolResult(_ context.Context, threadID int64, callID string, result *domain.ToolResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal tool result %s: %w", callID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults[fmt.Sprintf("%d:%s", threadID, callID)] = data
	return nil
}

// GetToolResult 读取卸载的工具结果
func (s *MemorySessionStore) GetToolResult(_ context.Context, threadID int64, callID string) (*domain.ToolResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.toolResults[fmt.Sprintf("%d:%s", threadID, callID)]
	if !ok {
		return nil, domain.ErrToolResultNotFound
	}
	var result domain.ToolResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: tool result %s: %v", domain.ErrDeserialization, callID, err)
	}
	return &result, nil
}

// AppendError 追加错误条目，FIFO 淘汰
func (s *MemorySessionStore) AppendError(_ context.Context, threadID int64, entry *domain.ErrorEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal error entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorWindows[threadID] = appendTrim(s.errorWindows[threadID], data, s.errorCap)
	return nil
}

// GetErrors 返回错误窗口，最旧在前
func (s *MemorySessionStore) GetErrors(_ context.Context, threadID int64) ([]*domain.ErrorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.errorWindows[threadID]
	entries := make([]*domain.ErrorEntry, 0, len(window))
	for _, data := range window {
		var entry domain.ErrorEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("%w: error entry for %d: %v", domain.ErrDeserialization, threadID, err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// AppendSummaryBackup 追加摘要备份，FIFO 淘汰
func (s *MemorySessionStore) AppendSummaryBackup(_ context.Context, threadID int64, backup *domain.SummaryBackup) error {
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("marshal summary backup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupWindows[threadID] = appendTrim(s.backupWindows[threadID], data, s.summaryBakCap)
	return nil
}

// GetSummaryBackups 返回摘要备份窗口，最旧在前
func (s *MemorySessionStore) GetSummaryBackups(_ context.Context, threadID int64) ([]*domain.SummaryBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.backupWindows[threadID]
	backups := make([]*domain.SummaryBackup, 0, len(window))
	for _, data := range window {
		var backup domain.SummaryBackup
		if err := json.Unmarshal(data, &backup); err != nil {
			return nil, fmt.Errorf("%w: summary backup for %d: %v", domain.ErrDeserialization, threadID, err)
		}
		backups = append(backups, &backup)
	}
	return backups, nil
}

// appendTrim 追加后保留尾部 capacity 条，语义同 RPUSH + LTRIM
func appendTrim(window [][]byte, data []byte, capacity int) [][]byte {
	window = append(window, data)
	if len(window) > capacity {
		window = window[len(window)-capacity:]
	}
	return window
}
