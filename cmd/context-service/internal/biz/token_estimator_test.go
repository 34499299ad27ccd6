package biz

import (
	"strings"
	"testing"

	"agentcontext/cmd/context-service/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestTokenEstimator_EstimateText(t *testing.T) {
	e := NewTokenEstimator()

	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"空文本", "", 0},
		{"英文约4字符每token", "abcdefgh", 2},
		{"单字符", "a", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, e.EstimateText(tt.text))
		})
	}
}

func TestTokenEstimator_CJKWeighting(t *testing.T) {
	e := NewTokenEstimator()

	// 中文字符密度更高：同字符数下估算 Token 更多
	latin := strings.Repeat("a", 30)
	cjk := strings.Repeat("好", 30)

	assert.Greater(t, e.EstimateText(cjk), e.EstimateText(latin))
	assert.Equal(t, 20, e.EstimateText(cjk)) // 30 / 1.5
	assert.Equal(t, 7, e.EstimateText(latin))
}

func TestTokenEstimator_Monotonic(t *testing.T) {
	e := NewTokenEstimator()

	// 对长度单调不减
	prev := 0
	text := ""
	for i := 0; i < 200; i++ {
		text += "x"
		curr := e.EstimateText(text)
		assert.GreaterOrEqual(t, curr, prev)
		prev = curr
	}
}

func TestTokenEstimator_MonotonicMixedScripts(t *testing.T) {
	e := NewTokenEstimator()

	// 中英文交替追加时语言占比不断变化，估算仍须单调不减
	prev := 0
	text := ""
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			text += "中"
		} else {
			text += "x"
		}
		curr := e.EstimateText(text)
		assert.GreaterOrEqual(t, curr, prev, "len=%d", i+1)
		prev = curr
	}

	// 中文占比高的文本追加一个英文字符不得降低估算
	base := e.EstimateText("中中中")
	assert.GreaterOrEqual(t, e.EstimateText("中中中a"), base)
}

func TestTokenEstimator_Deterministic(t *testing.T) {
	e := NewTokenEstimator()
	text := "The quick brown fox 跳过 the lazy dog"
	assert.Equal(t, e.EstimateText(text), e.EstimateText(text))
}

func TestTokenEstimator_EstimateMessages(t *testing.T) {
	e := NewTokenEstimator()

	// 空列表为 0
	assert.Equal(t, 0, e.EstimateMessages(nil))
	assert.Equal(t, 0, e.EstimateMessages([]domain.Message{}))

	// 每条消息附加固定框架开销
	msg := domain.NewMessage(domain.RoleUser, "abcdefgh")
	assert.Equal(t, 2+MessageOverheadTokens, e.EstimateMessages([]domain.Message{msg}))

	// 空内容的消息也计开销：列表增长与内容增长彼此独立
	empty := domain.NewMessage(domain.RoleUser, "")
	assert.Equal(t, MessageOverheadTokens, e.EstimateMessages([]domain.Message{empty}))
}

func TestTokenEstimator_MessagesMonotonic(t *testing.T) {
	e := NewTokenEstimator()

	messages := []domain.Message{
		domain.NewMessage(domain.RoleUser, "hello"),
		domain.NewMessage(domain.RoleAssistant, "hi, how can I help?"),
		domain.NewMessage(domain.RoleUser, "tell me about tokens"),
	}

	// 去掉末尾消息后估算不增
	for i := len(messages); i > 0; i-- {
		assert.GreaterOrEqual(t,
			e.EstimateMessages(messages[:i]),
			e.EstimateMessages(messages[:i-1]),
		)
	}
}

func TestTokenEstimator_PrecomputedEstimate(t *testing.T) {
	e := NewTokenEstimator()

	// 消息自带估算值时直接使用
	msg := domain.Message{Role: domain.RoleTool, Content: "ignored", TokenEstimate: 600}
	assert.Equal(t, 600+MessageOverheadTokens, e.EstimateMessage(msg))
}
