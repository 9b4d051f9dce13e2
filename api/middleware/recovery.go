package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/pkg/logger"
)

// Recovery turns a handler panic into a 500 response. The panic and its
// stack also go to the error category of multiLogger when it is not nil.
func Recovery(log *zap.Logger, multiLogger *logger.MultiLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			fields := []zap.Field{
				zap.Any("panic", r),
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.String("client_ip", c.ClientIP()),
			}
			log.Error("Handler panicked", fields...)
			if multiLogger != nil {
				multiLogger.LogAppError("handler_panic", append(fields, zap.ByteString("stack", debug.Stack()))...)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}()
		c.Next()
	}
}
