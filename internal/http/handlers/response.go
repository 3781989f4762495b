// Standard error responses.
//
// The webhook endpoints speak WeChat's wire formats, but rejected requests
// (and the router's fallbacks) still get a structured JSON envelope so
// operators can correlate them with logs via the request id.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bikeread/dify-wechat-plugin/internal/http/middleware"
)

// ErrorResponse is the error envelope returned for rejected requests.
type ErrorResponse struct {
	// RequestID correlates server logs and client errors.
	RequestID string `json:"request_id,omitempty"`
	// Code is a stable, machine-readable string (see errors.go).
	Code string `json:"code"`
	// Message is a human-readable description.
	Message string `json:"message"`
}

// fail aborts the request with a structured error. Server errors (>=500) are
// logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail, used by router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }
