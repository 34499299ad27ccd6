package biz

import (
	"fmt"

	"agentcontext/cmd/context-service/internal/domain"
)

// historyReductionRatio 轻度压力下历史槽位额度的缩减比例
const historyReductionRatio = 0.30

// heavyKeepTurns 重度压力下保留的最近用户轮次数
const heavyKeepTurns = 3

// TrimActionKind 裁剪动作类型
type TrimActionKind string

const (
	// TrimReduceHistory 降低历史槽位的有效额度，按整条消息从最旧开始丢弃
	TrimReduceHistory TrimActionKind = "reduce_history"
	// TrimZeroSlot 将槽位整体清零
	TrimZeroSlot TrimActionKind = "zero_slot"
	// TrimKeepRecentTurns 仅保留活跃摘要与最近 N 轮
	TrimKeepRecentTurns TrimActionKind = "keep_recent_turns"
)

// TrimAction 裁剪动作
//
// 引擎只产出动作，由管线的 compress 阶段执行；引擎自身从不调用摘要器。
type TrimAction struct {
	Kind      TrimActionKind `json:"kind"`
	Slot      domain.Slot    `json:"slot,omitempty"`
	Allowance int            `json:"allowance,omitempty"`
	Turns     int            `json:"turns,omitempty"`
}

// DegradationEngine 降级引擎
//
// (usage_by_slot, budget) → (level, actions) 的纯函数，无状态无 I/O。
type DegradationEngine struct {
	budget    domain.ContextBudget
	estimator *TokenEstimator
}

// NewDegradationEngine 创建降级引擎
func NewDegradationEngine(budget domain.ContextBudget, estimator *TokenEstimator) *DegradationEngine {
	return &DegradationEngine{
		budget:    budget,
		estimator: estimator,
	}
}

// Evaluate 计算降级等级与对应的裁剪动作
//
// 若满足预算必须裁剪 P0 槽位（人设、当前输入），说明预算配置自相矛盾，
// 返回 ErrBudgetViolation 而非静默裁剪。
func (e *DegradationEngine) Evaluate(usage map[domain.Slot]int) (domain.DegradationLevel, []TrimAction, error) {
	total := 0
	p0Total := 0
	for slot, tokens := range usage {
		total += tokens
		if domain.PriorityOf(slot) == domain.PriorityP0 {
			p0Total += tokens
		}
	}

	level := domain.ClassifyDegradation(total, e.budget.Available())

	// P0 槽位在任何等级下不可裁剪：若仅 P0 用量已超可用预算，
	// 任何满足预算的方案都必然触碰 P0
	if level == domain.DegradationHeavy && p0Total > e.budget.Available() {
		return level, nil, fmt.Errorf("p0 usage %d exceeds available budget %d: %w",
			p0Total, e.budget.Available(), domain.ErrBudgetViolation)
	}

	switch level {
	case domain.DegradationNone:
		return level, nil, nil

	case domain.DegradationLight:
		return level, []TrimAction{e.historyReduction()}, nil

	case domain.DegradationMedium:
		actions := []TrimAction{e.historyReduction()}
		for _, slot := range []domain.Slot{
			domain.SlotPersona,
			domain.SlotInstruction,
			domain.SlotSummary,
			domain.SlotEmotionalContext,
			domain.SlotRecentHistory,
			domain.SlotCurrentInput,
		} {
			if domain.PriorityOf(slot) == domain.PriorityP2 {
				actions = append(actions, TrimAction{Kind: TrimZeroSlot, Slot: slot})
			}
		}
		return level, actions, nil

	default:
		// 重度压力覆盖所有先前动作：仅保留活跃摘要 + 最近 3 轮
		return level, []TrimAction{{Kind: TrimKeepRecentTurns, Turns: heavyKeepTurns}}, nil
	}
}

func (e *DegradationEngine) historyReduction() TrimAction {
	allowance := int(float64(e.budget.RecentHistory) * (1 - historyReductionRatio))
	return TrimAction{
		Kind:      TrimReduceHistory,
		Slot:      domain.SlotRecentHistory,
		Allowance: allowance,
	}
}

// TrimOldestToFit 从最旧的消息开始按整条丢弃，直到总量不超过额度
//
// 从不拆分单条消息；"最旧"并列时按追加顺序（下标小者先丢）。
func (e *DegradationEngine) TrimOldestToFit(messages []domain.Message, allowance int) []domain.Message {
	trimmed := messages
	for len(trimmed) > 0 && e.estimator.EstimateMessages(trimmed) > allowance {
		trimmed = trimmed[1:]
	}
	out := make([]domain.Message, len(trimmed))
	copy(out, trimmed)
	return out
}

// Apply 在消息副本上执行裁剪动作，返回裁剪后的消息列表
//
// 只处理作用于消息历史的动作；槽位清零由 assemble 阶段按裁剪计划执行。
func (e *DegradationEngine) Apply(messages []domain.Message, actions []TrimAction) []domain.Message {
	result := make([]domain.Message, len(messages))
	copy(result, messages)

	for _, action := range actions {
		switch action.Kind {
		case TrimReduceHistory:
			result = e.TrimOldestToFit(result, action.Allowance)
		case TrimKeepRecentTurns:
			result = domain.LastTurns(result, action.Turns)
		}
	}
	return result
}

// ZeroedSlots 返回动作集合中被清零的槽位
func ZeroedSlots(actions []TrimAction) map[domain.Slot]bool {
	zeroed := make(map[domain.Slot]bool)
	for _, action := range actions {
		if action.Kind == TrimZeroSlot {
			zeroed[action.Slot] = true
		}
	}
	return zeroed
}
