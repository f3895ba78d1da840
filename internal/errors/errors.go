// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// ErrorTypeValidation 请求内容不合法
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeConflict 操作与会话当前状态冲突（如在非审阅态编辑）
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeNotFound 资源不存在
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeProcessing 内部处理失败
	ErrorTypeProcessing ErrorType = "processing_error"
	// ErrorTypeProvider LLM 提供商调用失败
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeTimeout 调用超时
	ErrorTypeTimeout ErrorType = "timeout"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewConflictError 创建状态冲突错误
// 状态机前置条件不满足时使用：不改变会话任何字段，同步返回调用方
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProcessing, message, originalError)
}

// NewProviderError 创建提供商调用错误
func NewProviderError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProvider, message, originalError)
}

// generateErrorCode 按错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_FAILED"
	case ErrorTypeConflict:
		return "STATE_CONFLICT"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeProvider:
		return "PROVIDER_FAILED"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	default:
		return "PROCESSING_FAILED"
	}
}

// IsType 判断错误链上是否存在指定类型的 AppError
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// IsConflict 判断是否为状态冲突错误
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}
