package domain

import "time"

// ConversationSummary 对话结构化摘要
//
// 每个会话至多有一个活跃摘要。生成新摘要时旧摘要被取代（归档到备份
// 窗口），从不原地修改。
type ConversationSummary struct {
	CoversUntilTurn  int               `json:"covers_until_turn"`
	GeneratedAt      time.Time         `json:"generated_at"`
	UserIntent       string            `json:"user_intent"`
	KeyEntities      map[string]string `json:"key_entities"`
	DecisionsMade    []string          `json:"decisions_made"`
	PendingQuestions []string          `json:"pending_questions"`
	// SourceTurnRange 摘要覆盖的轮次区间 [start, end]，可选
	SourceTurnRange []int `json:"source_turn_range,omitempty"`
}

// SessionState 会话状态聚合根
//
// 不变式：
//   - TurnCount == 消息列表中用户消息的数量
//   - UpdatedAt >= CreatedAt
//   - Summary.CoversUntilTurn <= TurnCount
type SessionState struct {
	ThreadID  int64                `json:"thread_id"`
	UserID    string               `json:"user_id"`
	Messages  []Message            `json:"messages"`
	Summary   *ConversationSummary `json:"summary,omitempty"`
	TurnCount int                  `json:"turn_count"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewSessionState 创建空会话
func NewSessionState(threadID int64, userID string) *SessionState {
	now := time.Now()
	return &SessionState{
		ThreadID:  threadID,
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage 追加消息，用户消息会递增轮次计数
func (s *SessionState) AddMessage(role MessageRole, content string) {
	s.Messages = append(s.Messages, NewMessage(role, content))
	if role == RoleUser {
		s.TurnCount++
	}
	s.UpdatedAt = time.Now()
}

// AddToolMessage 追加工具结果消息
func (s *SessionState) AddToolMessage(content, toolCallID string) {
	msg := NewMessage(RoleTool, content)
	msg.ToolCallID = toolCallID
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// Clone 深拷贝会话状态
//
// compress 阶段要求全有或全无：先在副本上裁剪和生成摘要，成功后才提交，
// 所以需要一份与原值完全独立的拷贝。
func (s *SessionState) Clone() *SessionState {
	clone := *s
	clone.Messages = make([]Message, len(s.Messages))
	copy(clone.Messages, s.Messages)
	for i, m := range s.Messages {
		if m.Metadata != nil {
			md := make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			clone.Messages[i].Metadata = md
		}
	}
	if s.Summary != nil {
		clone.Summary = s.Summary.Clone()
	}
	return &clone
}

// Clone 深拷贝摘要
func (cs *ConversationSummary) Clone() *ConversationSummary {
	clone := *cs
	if cs.KeyEntities != nil {
		clone.KeyEntities = make(map[string]string, len(cs.KeyEntities))
		for k, v := range cs.KeyEntities {
			clone.KeyEntities[k] = v
		}
	}
	clone.DecisionsMade = append([]string(nil), cs.DecisionsMade...)
	clone.PendingQuestions = append([]string(nil), cs.PendingQuestions...)
	clone.SourceTurnRange = append([]int(nil), cs.SourceTurnRange...)
	return &clone
}

// UserTurnCount 统计消息列表中的用户消息数
func UserTurnCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// LastTurns 返回最近 n 个用户轮次的消息
//
// 一个"轮次"指一条用户消息及其后直到下一条用户消息之前的全部消息。
func LastTurns(messages []Message, n int) []Message {
	if n <= 0 {
		return []Message{}
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			seen++
			if seen == n {
				out := make([]Message, len(messages)-i)
				copy(out, messages[i:])
				return out
			}
		}
	}
	// 用户轮次不足 n 个，返回全部
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
