package domain

// Slot 上下文预算槽位
type Slot string

const (
	SlotPersona          Slot = "persona"           // 人设提示
	SlotInstruction      Slot = "instruction"       // 回复指令
	SlotSummary          Slot = "summary"           // 对话摘要
	SlotEmotionalContext Slot = "emotional_context" // 情感上下文
	SlotRecentHistory    Slot = "recent_history"    // 最近历史
	SlotCurrentInput     Slot = "current_input"     // 当前输入
	SlotOutputBuffer     Slot = "output_buffer"     // 输出预留
)

// SlotPriority 槽位优先级
type SlotPriority int

const (
	// PriorityP0 不可裁剪
	PriorityP0 SlotPriority = iota
	// PriorityP1 优先压缩
	PriorityP1
	// PriorityP2 可整体丢弃
	PriorityP2
)

// ContextBudget 各槽位的 Token 上限配置
//
// 默认值按 8K 上下文窗口模型调优。
type ContextBudget struct {
	TotalLimit       int `json:"total_limit" mapstructure:"total_limit"`
	Persona          int `json:"persona" mapstructure:"persona"`
	Instruction      int `json:"instruction" mapstructure:"instruction"`
	Summary          int `json:"summary" mapstructure:"summary"`
	EmotionalContext int `json:"emotional_context" mapstructure:"emotional_context"`
	RecentHistory    int `json:"recent_history" mapstructure:"recent_history"`
	CurrentInput     int `json:"current_input" mapstructure:"current_input"`
	OutputBuffer     int `json:"output_buffer" mapstructure:"output_buffer"`
}

// DefaultBudget 默认预算（同 personalized 预设）
func DefaultBudget() ContextBudget {
	return ContextBudget{
		TotalLimit:       8000,
		Persona:          1000,
		Instruction:      500,
		Summary:          500,
		EmotionalContext: 100,
		RecentHistory:    4000,
		CurrentInput:     500,
		OutputBuffer:     1400,
	}
}

// Available 扣除输出预留后可用于输入侧的 Token 总量
func (b ContextBudget) Available() int {
	return b.TotalLimit - b.OutputBuffer
}

// SlotLimit 返回指定槽位的 Token 上限
func (b ContextBudget) SlotLimit(slot Slot) int {
	switch slot {
	case SlotPersona:
		return b.Persona
	case SlotInstruction:
		return b.Instruction
	case SlotSummary:
		return b.Summary
	case SlotEmotionalContext:
		return b.EmotionalContext
	case SlotRecentHistory:
		return b.RecentHistory
	case SlotCurrentInput:
		return b.CurrentInput
	case SlotOutputBuffer:
		return b.OutputBuffer
	default:
		return 0
	}
}

// PriorityOf 返回槽位的降级优先级
//
// P0（人设、当前输入）在任何降级等级下都不可裁剪；P1（指令、摘要、
// 历史）先压缩；P2（情感上下文）在中度压力下整体丢弃。
func PriorityOf(slot Slot) SlotPriority {
	switch slot {
	case SlotPersona, SlotCurrentInput:
		return PriorityP0
	case SlotEmotionalContext:
		return PriorityP2
	default:
		return PriorityP1
	}
}

// DegradationLevel 降级等级，0-3
type DegradationLevel int

const (
	// DegradationNone 正常，完整上下文
	DegradationNone DegradationLevel = iota
	// DegradationLight 轻度压力，历史缩减 30%
	DegradationLight
	// DegradationMedium 中度压力，历史缩减并丢弃 P2 槽位
	DegradationMedium
	// DegradationHeavy 重度压力，仅保留摘要与最近 3 轮
	DegradationHeavy
)

// ClassifyDegradation 根据用量与可用预算的比值计算降级等级
//
// 阈值：r<0.70 → 0；0.70≤r<0.85 → 1；0.85≤r<1.00 → 2；r≥1.00 → 3。
// 每次 estimate 调用重新计算，从不落盘。
func ClassifyDegradation(totalTokens, available int) DegradationLevel {
	if available <= 0 {
		return DegradationHeavy
	}
	r := float64(totalTokens) / float64(available)
	switch {
	case r < 0.70:
		return DegradationNone
	case r < 0.85:
		return DegradationLight
	case r < 1.00:
		return DegradationMedium
	default:
		return DegradationHeavy
	}
}
