package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 校验类错误：同步拒绝，不产生任何状态变更
	ErrorTypeValidation ErrorType = iota
	ErrorTypeInsufficientBalance
	ErrorTypeInvalidNonce
	ErrorTypeMalformedPayload

	// 计算类错误：必须中止整个原子单元
	ErrorTypeComputation
	ErrorTypeOraclePrice
	ErrorTypeOverflow

	// 共识类错误：仅影响当前轮次
	ErrorTypeConsensus
	ErrorTypeRevealMismatch
	ErrorTypeInvalidBlock
	ErrorTypeCooldown

	// 交易所类错误
	ErrorTypeExchange
	ErrorTypeSlippage

	// 系统类错误
	ErrorTypeStorage
	ErrorTypeConfig
	ErrorTypeAudit
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

// ChainError 链核心错误类型
type ChainError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	TxHash      *string                `json:"tx_hash,omitempty"`
	BlockHeight *uint64                `json:"block_height,omitempty"`
}

// Error 实现error接口
func (e *ChainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ChainError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *ChainError) IsRetryable() bool {
	return e.Retryable
}

// IsValidation 判断是否为校验类拒绝（无状态变更）
func (e *ChainError) IsValidation() bool {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeInsufficientBalance,
		ErrorTypeInvalidNonce, ErrorTypeMalformedPayload:
		return true
	}
	return false
}

// WithContext 添加上下文信息
func (e *ChainError) WithContext(key string, value interface{}) *ChainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTxHash 添加交易哈希
func (e *ChainError) WithTxHash(txHash string) *ChainError {
	e.TxHash = &txHash
	return e
}

// WithBlockHeight 添加区块高度
func (e *ChainError) WithBlockHeight(height uint64) *ChainError {
	e.BlockHeight = &height
	return e
}

// NewChainError 创建新的错误
func NewChainError(errorType ErrorType, severity ErrorSeverity, code, message string) *ChainError {
	return &ChainError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// Newf 创建带格式化消息的错误
func Newf(errorType ErrorType, severity ErrorSeverity, code, format string, args ...interface{}) *ChainError {
	return NewChainError(errorType, severity, code, fmt.Sprintf(format, args...))
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ChainError {
	return &ChainError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
//
// 金融状态类错误一律不可重试：重试同一笔被拒绝的交易不会改变结果。
// 存储与下游投递错误属于基础设施问题，可按退避策略重试。
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeStorage, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	// 校验错误
	ErrInsufficientBalance = NewChainError(
		ErrorTypeInsufficientBalance,
		SeverityMedium,
		"INSUFFICIENT_BALANCE",
		"余额不足",
	)

	ErrInvalidNonce = NewChainError(
		ErrorTypeInvalidNonce,
		SeverityMedium,
		"INVALID_NONCE",
		"nonce无效或交易重放",
	)

	ErrMalformedPayload = NewChainError(
		ErrorTypeMalformedPayload,
		SeverityMedium,
		"MALFORMED_PAYLOAD",
		"交易载荷格式错误",
	)

	ErrSelfTransfer = NewChainError(
		ErrorTypeValidation,
		SeverityLow,
		"SELF_TRANSFER",
		"发送方与接收方不能相同",
	)

	// 计算错误
	ErrOraclePriceInvalid = NewChainError(
		ErrorTypeOraclePrice,
		SeverityCritical,
		"ORACLE_PRICE_INVALID",
		"预言机价格必须为正数",
	)

	ErrAmountOverflow = NewChainError(
		ErrorTypeOverflow,
		SeverityHigh,
		"AMOUNT_OVERFLOW",
		"金额换算溢出",
	)

	// 共识错误
	ErrRevealMismatch = NewChainError(
		ErrorTypeRevealMismatch,
		SeverityHigh,
		"REVEAL_MISMATCH",
		"揭示值与承诺不匹配",
	)

	ErrInvalidBlockProposal = NewChainError(
		ErrorTypeInvalidBlock,
		SeverityHigh,
		"INVALID_BLOCK_PROPOSAL",
		"区块提案格式错误或链接无效",
	)

	ErrSelectionCooldown = NewChainError(
		ErrorTypeCooldown,
		SeverityLow,
		"SELECTION_COOLDOWN",
		"选举冷却期未结束",
	)

	// 交易所错误
	ErrSlippageExceeded = NewChainError(
		ErrorTypeSlippage,
		SeverityMedium,
		"SLIPPAGE_EXCEEDED",
		"价格冲击超出最大滑点",
	)

	ErrPoolNotFound = NewChainError(
		ErrorTypeExchange,
		SeverityMedium,
		"POOL_NOT_FOUND",
		"流动性池不存在",
	)

	// 系统错误
	ErrStorageFailed = NewChainError(
		ErrorTypeStorage,
		SeverityHigh,
		"STORAGE_FAILED",
		"账本存储操作失败",
	)

	ErrConfigInvalid = NewChainError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrAuditWriteFailed = NewChainError(
		ErrorTypeAudit,
		SeverityCritical,
		"AUDIT_WRITE_FAILED",
		"审计日志写入失败，原子单元必须回滚",
	)

	ErrKafkaPublishFailed = NewChainError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PUBLISH_FAILED",
		"Kafka消息发送失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeValidation:          "Validation",
	ErrorTypeInsufficientBalance: "InsufficientBalance",
	ErrorTypeInvalidNonce:        "InvalidNonce",
	ErrorTypeMalformedPayload:    "MalformedPayload",
	ErrorTypeComputation:         "Computation",
	ErrorTypeOraclePrice:         "OraclePrice",
	ErrorTypeOverflow:            "Overflow",
	ErrorTypeConsensus:           "Consensus",
	ErrorTypeRevealMismatch:      "RevealMismatch",
	ErrorTypeInvalidBlock:        "InvalidBlock",
	ErrorTypeCooldown:            "Cooldown",
	ErrorTypeExchange:            "Exchange",
	ErrorTypeSlippage:            "Slippage",
	ErrorTypeStorage:             "Storage",
	ErrorTypeConfig:              "Config",
	ErrorTypeAudit:               "Audit",
	ErrorTypeKafka:               "Kafka",
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

// AsChainError 将任意错误转换为ChainError
func AsChainError(err error) *ChainError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ChainError); ok {
		return ce
	}
	return WrapError(err, ErrorTypeStorage, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
}
