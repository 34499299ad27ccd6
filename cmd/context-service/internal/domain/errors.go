package domain

import "errors"

var (
	// ErrSessionNotFound 会话不存在（可恢复，调用方决定默认行为）
	ErrSessionNotFound = errors.New("session not found")

	// ErrToolResultNotFound 卸载的工具结果不存在
	ErrToolResultNotFound = errors.New("tool result not found")

	// ErrStoreUnavailable 存储传输层故障（内部不重试，由调用方退避重试）
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrDeserialization 存储记录与期望结构不符（按损坏上报，从不静默纠正）
	ErrDeserialization = errors.New("stored record deserialization failed")

	// ErrSummarizationFailed 外部摘要器失败或超时，compress 阶段整体中止
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrBudgetViolation P0 槽位需要裁剪，属于配置自相矛盾的致命错误
	ErrBudgetViolation = errors.New("budget violation: P0 slot requires trimming")
)
