package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"qstream/internal/auth"
	"qstream/internal/errors"
	"qstream/internal/logger"
)

// ErrorHandler 错误处理中间件: recovers panics and renders them as
// INTERNAL_ERROR responses.
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("Panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		err := errors.NewAppError(errors.ErrCodeInternal, "Internal server error", nil).
			WithRequestID(RequestIDFrom(c))
		handleError(c, log, err)
	})
}

// HandleError renders the last error a handler attached with c.Error.
func HandleError(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			handleError(c, log, c.Errors.Last().Err)
		}
	}
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, err error) {
	if err == nil {
		return
	}

	// 转换为应用错误
	appErr := errors.WrapError(err, errors.ErrCodeInternal, "Internal server error")
	if appErr.RequestID == "" {
		appErr = appErr.WithRequestID(RequestIDFrom(c))
	}
	if id := auth.IdentityFromGin(c); !id.Anonymous() {
		appErr = appErr.WithUserID(id.UserID)
	}

	logError(c, log, appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.Request.URL.Path))
}

// logError 记录错误日志
func logError(c *gin.Context, log logger.Logger, err *errors.AppError) {
	fields := []interface{}{
		"error_code", err.Code,
		"message", err.Message,
		"severity", err.Severity,
		"request_id", err.RequestID,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"ip", c.ClientIP(),
	}
	if err.Details != "" {
		fields = append(fields, "details", err.Details)
	}
	if len(err.Context) > 0 {
		fields = append(fields, "context", err.Context)
	}
	if err.Cause != nil {
		fields = append(fields, "cause", err.Cause.Error())
	}

	// 根据严重程度选择日志级别
	switch err.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log.Error("Request failed", fields...)
	case errors.SeverityMedium:
		log.Warn("Request failed", fields...)
	default:
		log.Info("Request failed", fields...)
	}
}
