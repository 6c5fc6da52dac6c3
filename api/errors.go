package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/ledger"
	"rugcomposer/shutdown"
)

// Transport-level error codes. Pipeline codes come from core.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeAccountNotFound = "ACCOUNT_NOT_FOUND"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeShuttingDown    = "SHUTTING_DOWN"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a service error to an HTTP status and response body.
// Messages of unclassified errors are not exposed.
func statusFor(err error) (int, ErrorResponse) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large", Code: CodePayloadTooLarge}
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "account not found", Code: CodeAccountNotFound}
	case errors.Is(err, shutdown.ErrClosed):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down", Code: CodeShuttingDown}
	}

	renderErr, ok := core.AsRenderError(err)
	if !ok {
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: core.CodeInternal}
	}

	body := ErrorResponse{Error: renderErr.Message, Code: renderErr.Code}
	switch renderErr.Kind {
	case core.KindValidation:
		return http.StatusBadRequest, body
	case core.KindLimitReached:
		return http.StatusTooManyRequests, body
	case core.KindNetwork:
		return http.StatusGatewayTimeout, body
	case core.KindUpstream:
		switch renderErr.Category {
		case core.UpstreamBilling:
			return http.StatusPaymentRequired, body
		case core.UpstreamRateLimited:
			return http.StatusServiceUnavailable, body
		default:
			return http.StatusBadGateway, body
		}
	default:
		return http.StatusInternalServerError, body
	}
}

// respondError writes err as JSON and attaches it to the gin context so the
// request logger reports it. 5xx responses are logged here with detail.
func (s *Server) respondError(c *gin.Context, err error) {
	status, body := statusFor(err)
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request error",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", body.Code),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, body)
}
