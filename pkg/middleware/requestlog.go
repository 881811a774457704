package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID はリクエストIDのヘッダー名。
const HeaderRequestID = "X-Request-Id"

const ctxKeyRequestID = "request_id"

// RequestLogger はリクエストIDを引き継ぎ、1リクエスト1行のアクセスログを出力するGinミドルウェアを返す。
// クライアントがX-Request-Idを送らなかった場合は新しいIDを採番する。
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(HeaderRequestID, id)

		c.Next()

		logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("clinic", c.GetHeader("X-Clinic-Id")),
		)
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}
