// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"

	// ErrorTypeCapability 外部能力（文本理解/图像生成）返回的失败
	// 不会被静默替换为空内容，始终携带能力方的原始消息向上传播
	ErrorTypeCapability ErrorType = "capability_error"

	// ErrorTypeTimeout 异步任务超出有界轮询窗口
	// 与能力硬失败可区分，调用方可据此选择重试
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

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewCapabilityError 创建外部能力错误
func NewCapabilityError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeCapability, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsCapabilityError 检查是否为外部能力错误
func IsCapabilityError(err error) bool {
	return hasType(err, ErrorTypeCapability)
}

// IsTimeoutError 检查是否为超时错误
func IsTimeoutError(err error) bool {
	return hasType(err, ErrorTypeTimeout)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

func hasType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeCapability:
		return "CAPABILITY_ERROR"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
