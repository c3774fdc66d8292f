package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternalServerError = http.StatusInternalServerError // 服务器内部错误
	ErrCodeBadRequest          = http.StatusBadRequest          // 请求参数错误
	ErrCodeNotFound            = http.StatusNotFound            // 资源不存在
	ErrCodeConflict            = http.StatusConflict            // 资源冲突

	// 名单相关错误
	ErrCodeListNotFound      = http.StatusNotFound   // 名单不存在
	ErrCodeRuleNotFound      = http.StatusNotFound   // 规则不存在
	ErrCodeRuleNotAdded      = http.StatusConflict   // 规则已存在或无法添加
	ErrCodeInvalidRuleFormat = http.StatusBadRequest // 规则格式无效
	ErrCodeInvalidDocument   = http.StatusBadRequest // 名单文档格式错误
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RuleError 自定义错误类型
type RuleError struct {
	Code    int         // HTTP 状态码
	Message string      // 错误消息
	Err     error       // 原始错误
	Data    interface{} // 附加数据（可选）
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

func NewRuleError(code int, message string, err error) *RuleError {
	return &RuleError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewListNotFoundError 名单不存在
func NewListNotFoundError(name string, err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeListNotFound,
		Message: fmt.Sprintf("名单 %s 不存在", name),
		Err:     err,
	}
}

// NewRuleNotFoundError 规则不存在
func NewRuleNotFoundError(rule string) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleNotFound,
		Message: fmt.Sprintf("规则 %s 不存在", rule),
	}
}

// NewRuleNotAddedError 规则已存在、值为空或应用无法解析
func NewRuleNotAddedError(rule string) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleNotAdded,
		Message: fmt.Sprintf("规则 %s 未添加", rule),
	}
}

// NewInvalidRuleFormatError 规则格式无效
func NewInvalidRuleFormatError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInvalidRuleFormat,
		Message: "规则格式无效",
		Err:     err,
	}
}

// NewInvalidDocumentError 名单文档格式错误
func NewInvalidDocumentError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInvalidDocument,
		Message: "名单文档格式错误",
		Err:     err,
	}
}

func NewInternalServerError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInternalServerError,
		Message: "服务器内部错误",
		Err:     err,
	}
}

// HandleError 统一错误处理函数
func HandleError(c echo.Context, err error) error {
	logrus.WithFields(logrus.Fields{
		"error":      err.Error(),
		"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
		"path":       c.Request().URL.Path,
		"method":     c.Request().Method,
	}).Error("API 错误")

	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		resp := Response{
			Code:    ruleErr.Code,
			Message: ruleErr.Message,
			Data:    ruleErr.Data,
		}
		if ruleErr.Err != nil && IsDebugMode() {
			resp.Data = map[string]string{
				"error_detail": ruleErr.Err.Error(),
			}
		}
		return c.JSON(ruleErr.Code, resp)
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return c.JSON(httpErr.Code, Response{
			Code:    httpErr.Code,
			Message: fmt.Sprint(httpErr.Message),
		})
	}

	return c.JSON(http.StatusInternalServerError, Response{
		Code:    http.StatusInternalServerError,
		Message: "服务器内部错误",
	})
}

// debugMode 为 true 时在错误响应中附带原始错误
var debugMode bool

// SetDebugMode 设置调试模式
func SetDebugMode(enabled bool) {
	debugMode = enabled
}

func IsDebugMode() bool {
	return debugMode
}
