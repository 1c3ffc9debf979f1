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
	ErrorTypeTimeout    ErrorType = "timeout"

	// 生成流程错误类型
	ErrorTypeUpstream   ErrorType = "upstream_error"
	ErrorTypeParse      ErrorType = "parse_error"
	ErrorTypeSequencing ErrorType = "sequencing_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码

	// StatusCode 上游返回的HTTP状态码（仅 upstream_error）
	StatusCode int
	// RawText 模型原始输出（parse_error / upstream_error 时保留用于排查）
	RawText string
	// Details 字段级错误详情
	Details map[string]string
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

// NewFieldValidationError 创建带字段详情的验证错误
func NewFieldValidationError(message string, details map[string]string) *AppError {
	e := NewAppError(ErrorTypeValidation, message, nil)
	e.Details = details
	return e
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewUpstreamError 创建上游（LLM服务）错误
func NewUpstreamError(message string, statusCode int, rawBody string) *AppError {
	e := NewAppError(ErrorTypeUpstream, message, nil)
	e.StatusCode = statusCode
	e.RawText = rawBody
	return e
}

// NewParseError 创建解析错误，保留模型原文
func NewParseError(message string, rawText string) *AppError {
	e := NewAppError(ErrorTypeParse, message, nil)
	e.RawText = rawText
	return e
}

// NewSequencingError 创建顺序错误
func NewSequencingError(message string) *AppError {
	return NewAppError(ErrorTypeSequencing, message, nil)
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsUpstreamError 检查是否为上游错误
func IsUpstreamError(err error) bool { return isType(err, ErrorTypeUpstream) }

// IsParseError 检查是否为解析错误
func IsParseError(err error) bool { return isType(err, ErrorTypeParse) }

// IsSequencingError 检查是否为顺序错误
func IsSequencingError(err error) bool { return isType(err, ErrorTypeSequencing) }

// IsTimeoutError 检查是否为超时错误
func IsTimeoutError(err error) bool { return isType(err, ErrorTypeTimeout) }

// AsAppError 提取 AppError
func AsAppError(err error) (*AppError, bool) {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError, true
	}
	return nil, false
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
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeUpstream:
		return "UPSTREAM_ERROR"
	case ErrorTypeParse:
		return "PARSE_ERROR"
	case ErrorTypeSequencing:
		return "SEQUENCING_ERROR"
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
			Type:       appError.Type,
			Message:    fmt.Sprintf("%s: %s", message, appError.Message),
			Err:        appError,
			Code:       appError.Code,
			StatusCode: appError.StatusCode,
			RawText:    appError.RawText,
			Details:    appError.Details,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
