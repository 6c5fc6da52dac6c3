package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rugcomposer/logging"
)

// HeaderRequestID carries the per-request correlation id.
const HeaderRequestID = "X-Request-ID"

const ctxRequestID = "request_id"

// requestLogger logs one line per request with status, latency and client.
// Paths in skip are served without logging.
func requestLogger(logger *logging.Logger, skip ...string) gin.HandlerFunc {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ctxRequestID, requestID)
		c.Header(HeaderRequestID, requestID)

		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		}
		if userID := c.GetHeader(HeaderUserID); userID != "" {
			fields = append(fields, logging.UserID(userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("Request failed", fields...)
		case status >= 400:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Info("Request served", fields...)
		}
	}
}

// bodyLimit caps the request body.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// requireUser aborts with 401 when the caller identity header is missing.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: HeaderUserID + " header is required",
				Code:  CodeUnauthorized,
			})
			return
		}
		c.Next()
	}
}

// requireAdmin aborts with 403 unless the caller carries the ADMIN role.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderUserRole) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error: "admin role required",
				Code:  CodeForbidden,
			})
			return
		}
		c.Next()
	}
}
