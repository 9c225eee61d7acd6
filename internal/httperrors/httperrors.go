// Package httperrors provides generic error responses for HTTP endpoints.
// It ensures that internal implementation details are not leaked to clients.
package httperrors

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	chaterrors "github.com/real-rm/supportdesk/internal/errors"
)

// ErrorResponse represents a generic error response for clients
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized       = "Authentication required"
	MsgInvalidToken       = "Invalid or expired authentication token"
	MsgForbidden          = "Access denied"
	MsgInvalidRequest     = "Invalid request parameters"
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
	MsgBadRequest         = "Bad request"
	MsgRateLimited        = "Too many requests. Please try again later."
	MsgCapacityExceeded   = "Service at capacity"
)

// StatusFor maps an error category onto an HTTP status code
func StatusFor(category chaterrors.ErrorCategory) int {
	switch category {
	case chaterrors.CategoryNotFound:
		return http.StatusNotFound
	case chaterrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case chaterrors.CategoryAuth:
		return http.StatusUnauthorized
	case chaterrors.CategoryForbidden:
		return http.StatusForbidden
	case chaterrors.CategoryCapacity:
		return http.StatusServiceUnavailable
	case chaterrors.CategoryValidation:
		return http.StatusBadRequest
	case chaterrors.CategoryUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes the response for any error produced by the chat core.
// Upstream causes are never echoed back to the client.
func RespondError(c *gin.Context, err error) {
	ce := chaterrors.AsChatError(err)
	if ce == nil {
		RespondInternalError(c)
		return
	}

	status := StatusFor(ce.Category)
	if secs := ce.RetryAfterSeconds(); secs > 0 {
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	resp := ErrorResponse{Error: messageFor(ce), Code: string(ce.Code)}
	if ce.Category == chaterrors.CategoryValidation || ce.Category == chaterrors.CategoryNotFound {
		resp.Details = ce.Message
	}
	c.AbortWithStatusJSON(status, resp)
}

func messageFor(ce *chaterrors.ChatError) string {
	switch ce.Category {
	case chaterrors.CategoryNotFound:
		return MsgResourceNotFound
	case chaterrors.CategoryRateLimit:
		return MsgRateLimited
	case chaterrors.CategoryAuth:
		return MsgUnauthorized
	case chaterrors.CategoryForbidden:
		return MsgForbidden
	case chaterrors.CategoryCapacity:
		return MsgCapacityExceeded
	case chaterrors.CategoryValidation:
		return MsgInvalidRequest
	default:
		return MsgServiceUnavailable
	}
}

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error: message,
		Code:  string(chaterrors.ErrCodeUnauthorized),
	})
}

// RespondForbidden sends a 403 response with a generic message
func RespondForbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
		Error: MsgForbidden,
		Code:  string(chaterrors.ErrCodeForbidden),
	})
}

// RespondBadRequest sends a 400 response with a generic message
func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = MsgBadRequest
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: message,
		Code:  string(chaterrors.ErrCodeInvalidMessage),
	})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: MsgInternalError,
		Code:  "internal_error",
	})
}
