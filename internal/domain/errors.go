// Package domain 定义了运行编排服务的核心领域模型。
package domain

import "errors"

// 领域错误定义
// 这些错误用于在应用程序的不同层之间传递业务逻辑相关的错误信息，
// API 层通过 errors.Is 将它们映射为 HTTP 状态码。

var (
	// ========== 请求校验错误 ==========

	// ErrValidation 表示请求参数或配置不合法（如非 JSON 对象）
	ErrValidation = errors.New("validation failed")
	// ErrUnknownCommandType 表示不支持的运行类型
	ErrUnknownCommandType = errors.New("unknown command type")

	// ========== 运行相关错误 ==========

	// ErrRunNotFound 表示请求的运行记录不存在
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists 表示运行 ID 冲突
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidTransition 表示非法的状态迁移（例如终态之后再次迁移）
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRunCancelled 表示运行被取消
	ErrRunCancelled = errors.New("run cancelled")

	// ========== 账本相关错误 ==========

	// ErrLedgerEntryNotFound 表示账本中不存在该运行的条目
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	// ErrDuplicateEntry 表示同一运行重复写入账本
	ErrDuplicateEntry = errors.New("ledger entry already exists")
	// ErrDuplicateVerdict 表示同一运行的结论已被封存，不允许再次写入
	ErrDuplicateVerdict = errors.New("verdict already recorded")
	// ErrChainBroken 表示账本哈希链校验失败
	ErrChainBroken = errors.New("ledger hash chain broken")

	// ========== 鉴权相关错误 ==========

	// ErrForbidden 表示管理员令牌不匹配
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited 表示请求过于频繁
	ErrRateLimited = errors.New("rate limited")

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询错误（如 SQL 查询失败）
	ErrStorageQuery = errors.New("storage query error")
	// ErrExportUnavailable 表示未配置对象存储，无法导出
	ErrExportUnavailable = errors.New("export target not configured")
)
