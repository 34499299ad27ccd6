package domain

import "time"

// Message 会话消息实体
//
// 消息一旦追加到 SessionState 即视为不可变，顺序即追加顺序。
type Message struct {
	Role          MessageRole       `json:"role"`
	Content       string            `json:"content"`
	CreatedAt     time.Time         `json:"created_at"`
	TokenEstimate int               `json:"token_estimate,omitempty"`
	ToolCallID    string            `json:"tool_call_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// MessageRole 消息角色
type MessageRole string

const (
	RoleUser      MessageRole = "user"      // 用户
	RoleAssistant MessageRole = "assistant" // 助手
	RoleSystem    MessageRole = "system"    // 系统
	RoleTool      MessageRole = "tool"      // 工具
)

// NewMessage 创建消息
func NewMessage(role MessageRole, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// IsUser 是否为用户消息
func (m Message) IsUser() bool {
	return m.Role == RoleUser
}
