// internal/api/response_helpers.go
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string            `json:"code"`
	Type    string            `json:"type,omitempty"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct {
	logger  *utils.Logger
	metrics *utils.APIMetrics
}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{logger: utils.GetLogger(), metrics: utils.NewAPIMetrics()}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(http.StatusOK, response)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	} else {
		response.Message = "资源创建成功"
	}

	c.JSON(http.StatusCreated, response)
}

// sanitizeErrorMessage 去掉可能泄露凭据的错误信息
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "bearer "} {
		if strings.Contains(lower, pattern) {
			return "服务内部错误"
		}
	}
	return message
}

// ErrorWithData 错误响应，同时携带已有的数据（例如模型原始输出）
func (rh *ResponseHelper) ErrorWithData(c *gin.Context, statusCode int, apiError *APIError, data interface{}) {
	apiError.Message = sanitizeErrorMessage(apiError.Message)
	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Data:      data,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string) {
	rh.ErrorWithData(c, statusCode, &APIError{Code: errorCode, Message: message}, nil)
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details map[string]string) {
	rh.ErrorWithData(c, http.StatusBadRequest, &APIError{
		Code:    ErrorBadRequest,
		Type:    string(apperrors.ErrorTypeValidation),
		Message: message,
		Details: details,
	}, nil)
}

// HandleAppError 按错误类型映射状态码；data 非空时一并返回
func (rh *ResponseHelper) HandleAppError(c *gin.Context, err error, data interface{}) {
	status, code := errorStatus(err)
	apiError := &APIError{Code: code, Message: err.Error()}
	if appErr, ok := apperrors.AsAppError(err); ok {
		apiError.Type = string(appErr.Type)
		apiError.Message = appErr.Message
		apiError.Details = appErr.Details
	}
	errType := apiError.Type
	if errType == "" {
		errType = "unknown"
	}
	rh.metrics.RecordError(errType, "api")
	if status >= http.StatusInternalServerError {
		rh.logger.Error("请求处理失败", map[string]interface{}{
			"path":       c.FullPath(),
			"status":     status,
			"error":      err,
			"request_id": rh.getRequestID(c),
		})
	}
	rh.ErrorWithData(c, status, apiError, data)
}

// FileResponse 文件下载响应
func (rh *ResponseHelper) FileResponse(c *gin.Context, content []byte, filename string, contentType string) {
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Length", strconv.Itoa(len(content)))
	c.Data(http.StatusOK, contentType, content)
}

// ExportResponse 导出响应
func (rh *ResponseHelper) ExportResponse(c *gin.Context, result *models.ExportResult) {
	rh.FileResponse(c, result.Content, result.FileName, result.ContentType)
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	return ""
}
