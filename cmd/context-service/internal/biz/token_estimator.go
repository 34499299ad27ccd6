package biz

import (
	"agentcontext/cmd/context-service/internal/domain"
)

// Token 估算常量
//
// 粗略估算：英文约 4 字符/Token，中文约 1.5 字符/Token。逐字符权重
// 通分到 1/12（中文 1/1.5 = 8/12，其它 1/4 = 3/12），整数累加保证
// 估算对追加字符单调不减。
const (
	tokenWeightCJK   = 8
	tokenWeightLatin = 3
	tokenWeightScale = 12

	// MessageOverheadTokens 每条消息的角色/框架固定开销
	//
	// 独立命名而非折进文本估算，调用方可以据此单独推断消息数量增长
	// 带来的成本。
	MessageOverheadTokens = 4
)

// TokenEstimator 近似 Token 估算器
//
// 确定性、与字符串长度单调、O(n)、无外部调用。不追求与提供商 tokenizer
// 精确一致。
type TokenEstimator struct{}

// NewTokenEstimator 创建估算器
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// EstimateText 估算单段文本的 Token 数
//
// 逐字符累加权重后取整：CJK 字符密度高，单字符折算的 Token 更多。
// 每个字符的贡献为正，估算对字符串追加单调不减。
func (e *TokenEstimator) EstimateText(text string) int {
	weight := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			weight += tokenWeightCJK
		} else {
			weight += tokenWeightLatin
		}
	}
	return weight / tokenWeightScale
}

// EstimateMessage 估算单条消息的成本（内容 + 固定开销）
func (e *TokenEstimator) EstimateMessage(msg domain.Message) int {
	if msg.TokenEstimate > 0 {
		return msg.TokenEstimate + MessageOverheadTokens
	}
	return e.EstimateText(msg.Content) + MessageOverheadTokens
}

// EstimateMessages 估算消息列表的总成本
//
// 空列表返回 0；结果对追加操作单调不减。
func (e *TokenEstimator) EstimateMessages(messages []domain.Message) int {
	total := 0
	for _, msg := range messages {
		total += e.EstimateMessage(msg)
	}
	return total
}
