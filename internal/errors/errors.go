package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode 定义错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// 订阅错误
	ErrCodeInvalidSubscriptionParams ErrorCode = "INVALID_SUBSCRIPTION_PARAMS"
	ErrCodeDuplicateSubscription     ErrorCode = "DUPLICATE_SUBSCRIPTION"
	ErrCodeSubscriptionLimit         ErrorCode = "SUBSCRIPTION_LIMIT"
	ErrCodeNotSubscribed             ErrorCode = "NOT_SUBSCRIBED"

	// 上游/生产者错误
	ErrCodeProducerUnavailable ErrorCode = "PRODUCER_UNAVAILABLE"
	ErrCodeProducerFailed      ErrorCode = "PRODUCER_FAILED"

	// 连接错误
	ErrCodeConnectionLost ErrorCode = "CONNECTION_LOST"
	ErrCodeSlowConsumer   ErrorCode = "SLOW_CONSUMER"
)

// ErrorSeverity 定义错误严重程度
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError 应用错误结构
type AppError struct {
	Code      ErrorCode              `json:"code" cbor:"code"`
	Message   string                 `json:"message" cbor:"message"`
	Details   string                 `json:"details,omitempty" cbor:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity" cbor:"severity"`
	Timestamp time.Time              `json:"timestamp" cbor:"timestamp"`
	RequestID string                 `json:"request_id,omitempty" cbor:"request_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty" cbor:"user_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty" cbor:"context,omitempty"`
	Cause     error                  `json:"-" cbor:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError carrying the same code, so that
// errors.Is(err, ErrProducerUnavailable) matches any error of that kind.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// codeInfo is the HTTP status, severity and retry policy of one code.
type codeInfo struct {
	status    int
	severity  ErrorSeverity
	retryable bool
}

var codes = map[ErrorCode]codeInfo{
	ErrCodeInternal:                  {http.StatusInternalServerError, SeverityCritical, false},
	ErrCodeInvalidInput:              {http.StatusBadRequest, SeverityLow, false},
	ErrCodeNotFound:                  {http.StatusNotFound, SeverityLow, false},
	ErrCodeUnauthorized:              {http.StatusUnauthorized, SeverityLow, false},
	ErrCodeForbidden:                 {http.StatusForbidden, SeverityLow, false},
	ErrCodeConflict:                  {http.StatusConflict, SeverityLow, false},
	ErrCodeTimeout:                   {http.StatusRequestTimeout, SeverityLow, true},
	ErrCodeRateLimit:                 {http.StatusTooManyRequests, SeverityLow, true},
	ErrCodeServiceUnavailable:        {http.StatusServiceUnavailable, SeverityHigh, false},
	ErrCodeInvalidSubscriptionParams: {http.StatusBadRequest, SeverityLow, false},
	ErrCodeDuplicateSubscription:     {http.StatusConflict, SeverityLow, false},
	ErrCodeSubscriptionLimit:         {http.StatusTooManyRequests, SeverityLow, false},
	ErrCodeNotSubscribed:             {http.StatusNotFound, SeverityLow, false},
	ErrCodeProducerUnavailable:       {http.StatusServiceUnavailable, SeverityMedium, true},
	ErrCodeProducerFailed:            {http.StatusBadGateway, SeverityHigh, true},
	ErrCodeConnectionLost:            {http.StatusInternalServerError, SeverityMedium, true},
	ErrCodeSlowConsumer:              {http.StatusInternalServerError, SeverityMedium, false},
}

func infoOf(code ErrorCode) codeInfo {
	if info, ok := codes[code]; ok {
		return info
	}
	return codes[ErrCodeInternal]
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	return infoOf(e.Code).status
}

// NewAppError 创建新的应用错误
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  infoOf(code).severity,
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails 创建带详细信息的应用错误
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// Newf builds an AppError whose details are formatted from args.
func Newf(code ErrorCode, message string, format string, args ...interface{}) *AppError {
	return NewAppErrorWithDetails(code, message, fmt.Sprintf(format, args...), nil)
}

// WithContext 添加上下文信息
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRequestID 添加请求ID
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// WithUserID 添加用户ID
func (e *AppError) WithUserID(userID string) *AppError {
	e.UserID = userID
	return e
}

// IsRetryable reports whether the same request may succeed later.
func (e *AppError) IsRetryable() bool {
	return infoOf(e.Code).retryable
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, path string) *ErrorResponse {
	return &ErrorResponse{
		Error:     err,
		Success:   false,
		Timestamp: time.Now(),
		Path:      path,
	}
}

// 预定义的常用错误, used as errors.Is targets.
var (
	ErrInternalServer            = NewAppError(ErrCodeInternal, "Internal server error", nil)
	ErrInvalidInput              = NewAppError(ErrCodeInvalidInput, "Invalid input parameters", nil)
	ErrNotFound                  = NewAppError(ErrCodeNotFound, "Resource not found", nil)
	ErrUnauthorized              = NewAppError(ErrCodeUnauthorized, "Unauthorized access", nil)
	ErrForbidden                 = NewAppError(ErrCodeForbidden, "Access forbidden", nil)
	ErrTimeout                   = NewAppError(ErrCodeTimeout, "Request timeout", nil)
	ErrRateLimit                 = NewAppError(ErrCodeRateLimit, "Rate limit exceeded", nil)
	ErrServiceUnavailable        = NewAppError(ErrCodeServiceUnavailable, "Service unavailable", nil)
	ErrInvalidSubscriptionParams = NewAppError(ErrCodeInvalidSubscriptionParams, "Invalid subscription parameters", nil)
	ErrDuplicateSubscription     = NewAppError(ErrCodeDuplicateSubscription, "Subscription id already in use", nil)
	ErrSubscriptionLimit         = NewAppError(ErrCodeSubscriptionLimit, "Too many subscriptions", nil)
	ErrNotSubscribed             = NewAppError(ErrCodeNotSubscribed, "Not subscribed", nil)
	ErrProducerUnavailable       = NewAppError(ErrCodeProducerUnavailable, "Upstream producer unavailable", nil)
	ErrProducerFailed            = NewAppError(ErrCodeProducerFailed, "Upstream producer failed", nil)
	ErrConnectionLost            = NewAppError(ErrCodeConnectionLost, "Connection lost", nil)
	ErrSlowConsumer              = NewAppError(ErrCodeSlowConsumer, "Subscriber too slow", nil)
)

// WrapError 包装标准错误为应用错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，直接返回
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	return NewAppError(code, message, err)
}

// IsAppError 检查是否为应用错误
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError 获取应用错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the AppError code carried by err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
