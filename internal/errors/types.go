package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 网络相关错误
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeConnection
	ErrorTypeTimeout
	ErrorTypeRateLimit

	// 外部数据源错误
	ErrorTypeExplorer
	ErrorTypeTicker
	ErrorTypeChainNode
	ErrorTypeMail

	// 数据相关错误
	ErrorTypeValidation
	ErrorTypeSerialization

	// 业务规则错误（终态，不重试）
	ErrorTypeBusiness

	// 系统相关错误
	ErrorTypeStorage
	ErrorTypeConfig
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// SaleError 自定义错误类型
type SaleError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
}

// Error 实现error接口
func (e *SaleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *SaleError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，支持errors.Is与预定义错误比较
func (e *SaleError) Is(target error) bool {
	var t *SaleError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// IsRetryable 判断是否可重试
func (e *SaleError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *SaleError) WithContext(key string, value interface{}) *SaleError {
	clone := *e
	if e.Context == nil {
		clone.Context = make(map[string]interface{})
	} else {
		clone.Context = make(map[string]interface{}, len(e.Context)+1)
		for k, v := range e.Context {
			clone.Context[k] = v
		}
	}
	clone.Context[key] = value
	return &clone
}

// WithCause 附加底层错误
func (e *SaleError) WithCause(cause error) *SaleError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// NewSaleError 创建新的错误
func NewSaleError(errorType ErrorType, severity ErrorSeverity, code, message string) *SaleError {
	return &SaleError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *SaleError {
	e := NewSaleError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	case ErrorTypeExplorer, ErrorTypeTicker, ErrorTypeChainNode, ErrorTypeMail, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// 预定义业务错误：作为类型化结果返回给调用方，禁止被通用处理器吞掉
var (
	// ErrInsufficientBalance 可提取余额不足
	ErrInsufficientBalance = NewSaleError(
		ErrorTypeBusiness,
		SeverityLow,
		"INSUFFICIENT_BALANCE",
		"可提取余额不足",
	)

	// ErrInvalidToken 确认口令不匹配
	ErrInvalidToken = NewSaleError(
		ErrorTypeBusiness,
		SeverityMedium,
		"INVALID_TOKEN",
		"操作确认口令无效",
	)

	// ErrAlreadyCompleted 操作已经确认过
	ErrAlreadyCompleted = NewSaleError(
		ErrorTypeBusiness,
		SeverityLow,
		"ALREADY_COMPLETED",
		"操作已完成，不能重复确认",
	)

	// ErrSoldOut 售卖额度已用尽
	ErrSoldOut = NewSaleError(
		ErrorTypeBusiness,
		SeverityMedium,
		"SOLD_OUT",
		"代币发行总量已达上限",
	)

	// ErrPoolExhausted 地址池耗尽
	ErrPoolExhausted = NewSaleError(
		ErrorTypeBusiness,
		SeverityHigh,
		"ADDRESS_POOL_EXHAUSTED",
		"可分配地址已耗尽",
	)

	// ErrPriceNotFound 时间窗口内没有价格数据
	ErrPriceNotFound = NewSaleError(
		ErrorTypeBusiness,
		SeverityLow,
		"PRICE_NOT_FOUND",
		"时间窗口内没有汇率数据",
	)

	// ErrOperationNotFound 操作记录不存在
	ErrOperationNotFound = NewSaleError(
		ErrorTypeBusiness,
		SeverityLow,
		"OPERATION_NOT_FOUND",
		"操作记录不存在",
	)

	// ErrWithdrawalNotFound 提取记录不存在
	ErrWithdrawalNotFound = NewSaleError(
		ErrorTypeBusiness,
		SeverityLow,
		"WITHDRAWAL_NOT_FOUND",
		"提取记录不存在",
	)
)

// 外部数据源错误
var (
	// ErrExplorerBadResponse 区块浏览器响应未通过严格校验
	ErrExplorerBadResponse = NewSaleError(
		ErrorTypeValidation,
		SeverityHigh,
		"EXPLORER_BAD_RESPONSE",
		"区块浏览器响应字段校验失败",
	)

	// ErrTickerBadResponse 行情接口响应无效
	ErrTickerBadResponse = NewSaleError(
		ErrorTypeValidation,
		SeverityMedium,
		"TICKER_BAD_RESPONSE",
		"行情接口响应字段校验失败",
	)

	// ErrMintFailed 链上铸币交易提交失败
	ErrMintFailed = NewSaleError(
		ErrorTypeChainNode,
		SeverityHigh,
		"MINT_FAILED",
		"铸币交易提交失败",
	)

	// ErrMailSendFailed 邮件发送失败
	ErrMailSendFailed = NewSaleError(
		ErrorTypeMail,
		SeverityMedium,
		"MAIL_SEND_FAILED",
		"邮件发送失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:       "Network",
	ErrorTypeConnection:    "Connection",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeRateLimit:     "RateLimit",
	ErrorTypeExplorer:      "Explorer",
	ErrorTypeTicker:        "Ticker",
	ErrorTypeChainNode:     "ChainNode",
	ErrorTypeMail:          "Mail",
	ErrorTypeValidation:    "Validation",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeBusiness:      "Business",
	ErrorTypeStorage:       "Storage",
	ErrorTypeConfig:        "Config",
	ErrorTypeKafka:         "Kafka",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// IsBusiness 判断是否为业务规则错误（终态，调用方直接处理）
func IsBusiness(err error) bool {
	var se *SaleError
	if errors.As(err, &se) {
		return se.Type == ErrorTypeBusiness
	}
	return false
}
