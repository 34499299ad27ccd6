package domain

import (
	"encoding/json"
	"time"
)

// ErrorEntry 错误日志条目，落在每会话的滑动窗口（默认容量 50）
type ErrorEntry struct {
	Step      int       `json:"step"`
	ToolName  string    `json:"tool_name"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// SummaryBackup 摘要备份条目，落在每会话的滑动窗口（默认容量 20）
//
// 生成新摘要时归档旧摘要与被丢弃的原始消息，必要时可回溯。
type SummaryBackup struct {
	Summary          *ConversationSummary `json:"summary,omitempty"`
	OriginalMessages []Message            `json:"original_messages"`
	CreatedAt        time.Time            `json:"created_at"`
}

// ToolResult 卸载的工具结果
//
// 超过卸载阈值的工具结果只在会话中保留 call_id 引用，载荷存放在
// 独立的键下。
type ToolResult struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
