// internal/api/error_codes.go
package api

import (
	"net/http"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 会话与生成流程
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorSessionBusy     = "SESSION_BUSY"
	ErrorOutOfSequence   = "OUT_OF_SEQUENCE"
	ErrorParseFailed     = "PARSE_FAILED"

	// LLM 相关
	ErrorCredentialsMissing = "LLM_CREDENTIALS_MISSING"
	ErrorUpstreamFailed     = "LLM_UPSTREAM_FAILED"
	ErrorUpstreamTimeout    = "LLM_UPSTREAM_TIMEOUT"

	// 导出相关错误
	ErrorExportFailed        = "EXPORT_FAILED"
	ErrorExportFormatInvalid = "EXPORT_FORMAT_INVALID"
)

// errorStatus 把应用错误映射为 HTTP 状态码与错误代码
func errorStatus(err error) (int, string) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return http.StatusInternalServerError, ErrorInternalError
	}
	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorSessionNotFound
	case apperrors.ErrorTypeSequencing:
		return http.StatusConflict, ErrorOutOfSequence
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorSessionBusy
	case apperrors.ErrorTypeParse:
		return http.StatusUnprocessableEntity, ErrorParseFailed
	case apperrors.ErrorTypeUpstream:
		return http.StatusBadGateway, ErrorUpstreamFailed
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrorUpstreamTimeout
	}
	return http.StatusInternalServerError, ErrorInternalError
}
