// Package errors provides error handling functionality for the support desk.
// It defines error categories, wire error codes, and error constructors.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/real-rm/supportdesk/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryNotFound represents unknown or deleted conversations, challenges and sessions
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents governor refusals
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryAuth represents missing, invalid or expired credentials
	CategoryAuth ErrorCategory = "auth"
	// CategoryForbidden represents network addresses outside the allow-list
	CategoryForbidden ErrorCategory = "forbidden"
	// CategoryCapacity represents connection ceilings being reached
	CategoryCapacity ErrorCategory = "capacity"
	// CategoryValidation represents oversized or malformed payloads
	CategoryValidation ErrorCategory = "validation"
	// CategoryUpstream represents durable store or relay failures
	CategoryUpstream ErrorCategory = "upstream"
)

// ErrorCode is the machine readable code sent to clients
type ErrorCode string

const (
	ErrCodeConversationNotFound ErrorCode = "conversation_not_found"
	ErrCodeChallengeNotFound    ErrorCode = "challenge_not_found"
	ErrCodeMessageNotFound      ErrorCode = "message_not_found"
	ErrCodeRateLimited          ErrorCode = "rate_limited"
	ErrCodeUnauthorized         ErrorCode = "unauthorized"
	ErrCodeChallengeLocked      ErrorCode = "challenge_locked"
	ErrCodeForbidden            ErrorCode = "forbidden"
	ErrCodeCapacityExceeded     ErrorCode = "capacity_exceeded"
	ErrCodeInvalidMessage       ErrorCode = "invalid_message"
	ErrCodeMessageTooLarge      ErrorCode = "message_too_large"
	ErrCodeInvalidJSON          ErrorCode = "invalid_json"
	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"
)

// ChatError represents an application error with category and recoverability information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// Is matches any ChatError with the same code, so sentinel comparisons work
// through wrapping.
func (e *ChatError) Is(target error) bool {
	var other *ChatError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// IsFatal returns true if the error is fatal and requires connection closure
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds
func (e *ChatError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return (e.RetryAfter + 999) / 1000
}

// ToErrorEvent converts a ChatError to an error frame for the wire protocol
func (e *ChatError) ToErrorEvent() message.ErrorEvent {
	return message.ErrorEvent{
		Error:      string(e.Code),
		Message:    e.Message,
		RetryAfter: e.RetryAfterSeconds(),
	}
}

func newError(category ErrorCategory, code ErrorCode, msg string, recoverable bool, cause error) *ChatError {
	return &ChatError{
		Category:    category,
		Code:        code,
		Message:     msg,
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// ErrConversationNotFound creates a not found error for an unknown or deleted conversation
func ErrConversationNotFound(conversationID string) *ChatError {
	return newError(CategoryNotFound, ErrCodeConversationNotFound,
		fmt.Sprintf("Conversation %s not found", conversationID), true, nil)
}

// ErrMessageNotFound creates a not found error for an unknown message id
func ErrMessageNotFound(messageID string) *ChatError {
	return newError(CategoryNotFound, ErrCodeMessageNotFound,
		fmt.Sprintf("Message %s not found", messageID), true, nil)
}

// ErrChallengeNotFound creates a not found error for a missing, expired or consumed login code
func ErrChallengeNotFound() *ChatError {
	return newError(CategoryNotFound, ErrCodeChallengeNotFound, "No active login code", true, nil)
}

// ErrRateLimited creates a rate limit error. retryAfter is in milliseconds.
func ErrRateLimited(retryAfter int) *ChatError {
	e := newError(CategoryRateLimit, ErrCodeRateLimited, "Too many requests, please slow down", true, nil)
	e.RetryAfter = retryAfter
	return e
}

// ErrUnauthorized creates an authentication error
func ErrUnauthorized(cause error) *ChatError {
	return newError(CategoryAuth, ErrCodeUnauthorized, "Invalid or expired credentials", true, cause)
}

// ErrChallengeLocked creates the error returned once a login code has been locked out
func ErrChallengeLocked() *ChatError {
	return newError(CategoryAuth, ErrCodeChallengeLocked, "Too many failed attempts, request a new code", true, nil)
}

// ErrForbidden creates an authorization error for disallowed network addresses
func ErrForbidden(remoteIP string) *ChatError {
	return newError(CategoryForbidden, ErrCodeForbidden,
		fmt.Sprintf("Address %s is not allowed", remoteIP), false, nil)
}

// ErrCapacityExceeded creates a connection ceiling error
func ErrCapacityExceeded(kind string, ceiling int) *ChatError {
	return newError(CategoryCapacity, ErrCodeCapacityExceeded,
		fmt.Sprintf("Maximum of %d %s connections reached", ceiling, kind), false, nil)
}

// ErrInvalidMessage creates a validation error for malformed frames
func ErrInvalidMessage(details string, cause error) *ChatError {
	return newError(CategoryValidation, ErrCodeInvalidMessage,
		fmt.Sprintf("Invalid message: %s", details), true, cause)
}

// ErrMessageTooLarge creates a validation error for oversized frames or content
func ErrMessageTooLarge(details string, cause error) *ChatError {
	return newError(CategoryValidation, ErrCodeMessageTooLarge,
		fmt.Sprintf("Message too long: %s", details), true, cause)
}

// ErrInvalidJSON creates a validation error for unparsable frames
func ErrInvalidJSON(cause error) *ChatError {
	return newError(CategoryValidation, ErrCodeInvalidJSON, "Invalid JSON", true, cause)
}

// ErrUpstreamUnavailable creates an error for durable store or relay failures
func ErrUpstreamUnavailable(cause error) *ChatError {
	return newError(CategoryUpstream, ErrCodeUpstreamUnavailable,
		"Service temporarily unavailable", true, cause)
}

// FromValidation converts a frame validation failure into a ChatError
func FromValidation(err error) *ChatError {
	var verr *message.ValidationError
	if !stderrors.As(err, &verr) {
		return ErrInvalidMessage(err.Error(), err)
	}

	switch verr.Code {
	case message.CodeInvalidJSON:
		return ErrInvalidJSON(err)
	case message.CodeMessageTooLarge:
		return ErrMessageTooLarge(verr.Message, err)
	default:
		return ErrInvalidMessage(verr.Message, err)
	}
}

// AsChatError extracts a ChatError from err. Errors without one are treated
// as upstream failures.
func AsChatError(err error) *ChatError {
	if err == nil {
		return nil
	}
	var ce *ChatError
	if stderrors.As(err, &ce) {
		return ce
	}
	var verr *message.ValidationError
	if stderrors.As(err, &verr) {
		return FromValidation(err)
	}
	return ErrUpstreamUnavailable(err)
}

// CategoryOf walks wrapped errors and returns the category, or "" for nil
func CategoryOf(err error) ErrorCategory {
	ce := AsChatError(err)
	if ce == nil {
		return ""
	}
	return ce.Category
}

// Is reports whether err carries the given category
func Is(err error, category ErrorCategory) bool {
	return err != nil && CategoryOf(err) == category
}
