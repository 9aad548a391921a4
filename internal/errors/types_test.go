package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewChainError(t *testing.T) {
	err := NewChainError(ErrorTypeStorage, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeStorage, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 存储错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestFinancialErrorsNotRetryable(t *testing.T) {
	// 金融状态类错误一律不可重试
	assert.False(t, ErrInsufficientBalance.IsRetryable())
	assert.False(t, ErrInvalidNonce.IsRetryable())
	assert.False(t, ErrOraclePriceInvalid.IsRetryable())
	assert.False(t, ErrSlippageExceeded.IsRetryable())
	assert.False(t, ErrRevealMismatch.IsRetryable())

	// 基础设施错误可重试
	assert.True(t, ErrStorageFailed.IsRetryable())
	assert.True(t, ErrKafkaPublishFailed.IsRetryable())
}

func TestValidationClassification(t *testing.T) {
	assert.True(t, ErrInsufficientBalance.IsValidation())
	assert.True(t, ErrInvalidNonce.IsValidation())
	assert.True(t, ErrMalformedPayload.IsValidation())
	assert.True(t, ErrSelfTransfer.IsValidation())

	assert.False(t, ErrOraclePriceInvalid.IsValidation())
	assert.False(t, ErrStorageFailed.IsValidation())
	assert.False(t, ErrRevealMismatch.IsValidation())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeStorage, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.NotNil(t, wrappedErr)
	assert.Equal(t, ErrorTypeStorage, wrappedErr.Type)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
	assert.Equal(t, originalErr, errors.Unwrap(wrappedErr))
}

func TestChainError_Error(t *testing.T) {
	// 没有原因的错误
	err := NewChainError(ErrorTypeValidation, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	// 有原因的错误
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeValidation, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrappedErr.Error())
}

func TestWithContext(t *testing.T) {
	err := Newf(ErrorTypeInsufficientBalance, SeverityMedium, "INSUFFICIENT_BALANCE",
		"余额不足: 需要 %d DYO 或 %d DYS", 100, 2).
		WithContext("required_dyo", uint64(100)).
		WithContext("required_dys", uint64(2)).
		WithTxHash("0xabc")

	assert.Contains(t, err.Message, "100 DYO")
	assert.Contains(t, err.Message, "2 DYS")
	assert.Equal(t, uint64(100), err.Context["required_dyo"])
	assert.Equal(t, "0xabc", *err.TxHash)
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "InsufficientBalance", ErrorTypeInsufficientBalance.String())
	assert.Equal(t, "RevealMismatch", ErrorTypeRevealMismatch.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())
}

func TestAsChainError(t *testing.T) {
	assert.Nil(t, AsChainError(nil))

	ce := ErrInsufficientBalance
	assert.Equal(t, ce, AsChainError(ce))

	plain := errors.New("普通错误")
	converted := AsChainError(plain)
	assert.Equal(t, "UNKNOWN_ERROR", converted.Code)
	assert.Equal(t, plain, converted.Cause)
}
