package middleware

import (
	"context"
	"strings"

	"codegrader/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TraceIDHeader   = "X-Trace-Id"
	RequestIDHeader = "X-Request-Id"
	UserIDHeader    = "X-User-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
	UserIDContextKey    = "user_id"
)

// TraceContextConfig controls how trace/request/user id are extracted and written.
type TraceContextConfig struct {
	// AllowUserIDHeader trusts X-User-Id set by the upstream gateway.
	AllowUserIDHeader bool
	WriteUserIDHeader bool
}

// TraceContextMiddleware ensures trace/request/user id are in context and response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		AllowUserIDHeader: true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := headerOrNew(c, TraceIDHeader)
		bind(c, traceIDContextKey, contextkey.TraceID, traceID)
		c.Writer.Header().Set(TraceIDHeader, traceID)

		requestID := headerOrNew(c, RequestIDHeader)
		bind(c, requestIDContextKey, contextkey.RequestID, requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)

		if cfg.AllowUserIDHeader {
			if userID := strings.TrimSpace(c.GetHeader(UserIDHeader)); userID != "" {
				bind(c, UserIDContextKey, contextkey.UserID, userID)
				if cfg.WriteUserIDHeader {
					c.Writer.Header().Set(UserIDHeader, userID)
				}
			}
		}

		c.Next()
	}
}

func headerOrNew(c *gin.Context, header string) string {
	if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
		return v
	}
	return uuid.NewString()
}

// bind stores value on both the gin context and the request context.
func bind(c *gin.Context, ginKey string, ctxKey interface{}, value string) {
	c.Set(ginKey, value)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxKey, value))
}
