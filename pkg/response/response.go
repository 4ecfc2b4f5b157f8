package response

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

// Response represents the standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo represents error details in the response
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Meta describes the collection a list response was read from so clients
// can tell an errored collection from an empty one
type Meta struct {
	State   string `json:"state"`
	Version uint64 `json:"version"`
	Total   int    `json:"total"`
}

// --- Error Code Constants ---

// Common error codes
const (
	// Client errors (4xx)
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeUnprocessableEntity = "UNPROCESSABLE_ENTITY"
	ErrCodeTooManyRequests     = "TOO_MANY_REQUESTS"

	// Server errors (5xx)
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"

	// Business logic errors
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeQuotaDenied           = "QUOTA_DENIED"
	ErrCodeQuotaCheckUnavailable = "QUOTA_CHECK_UNAVAILABLE"
	ErrCodeFetchFailed           = "FETCH_FAILED"
	ErrCodeStaleWrite            = "STALE_WRITE"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeMessageImmutable      = "MESSAGE_IMMUTABLE"
	ErrCodeInvalidSignature      = "INVALID_SIGNATURE"
)

// --- HTTP Status Code Mapping ---

// ErrorCodeToHTTPStatus maps error codes to HTTP status codes
var ErrorCodeToHTTPStatus = map[string]int{
	ErrCodeBadRequest:            http.StatusBadRequest,
	ErrCodeUnauthorized:          http.StatusUnauthorized,
	ErrCodeTokenExpired:          http.StatusUnauthorized,
	ErrCodeForbidden:             http.StatusForbidden,
	ErrCodeNotFound:              http.StatusNotFound,
	ErrCodeConflict:              http.StatusConflict,
	ErrCodeUnprocessableEntity:   http.StatusUnprocessableEntity,
	ErrCodeTooManyRequests:       http.StatusTooManyRequests,
	ErrCodeInternalError:         http.StatusInternalServerError,
	ErrCodeServiceUnavailable:    http.StatusServiceUnavailable,
	ErrCodeGatewayTimeout:        http.StatusGatewayTimeout,
	ErrCodeValidationFailed:      http.StatusBadRequest,
	ErrCodeQuotaDenied:           http.StatusPaymentRequired,
	ErrCodeQuotaCheckUnavailable: http.StatusServiceUnavailable,
	ErrCodeFetchFailed:           http.StatusServiceUnavailable,
	ErrCodeStaleWrite:            http.StatusConflict,
	ErrCodeInvalidTransition:     http.StatusUnprocessableEntity,
	ErrCodeMessageImmutable:      http.StatusMethodNotAllowed,
	ErrCodeInvalidSignature:      http.StatusBadRequest,
}

// GetHTTPStatus returns the HTTP status code for an error code
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeToHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// --- Response Builders ---

// Success creates a success response with data
func Success(data interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// SuccessWithMeta creates a success response with data and metadata
func SuccessWithMeta(data interface{}, meta *Meta) *Response {
	return &Response{
		Success: true,
		Data:    data,
		Meta:    meta,
	}
}

// Error creates an error response
func Error(code string, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// ErrorWithDetails creates an error response with additional details
func ErrorWithDetails(code string, message string, details map[string]string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// --- Common Error Responses ---

// BadRequest creates a bad request error response
func BadRequest(message string) *Response {
	return Error(ErrCodeBadRequest, message)
}

// Unauthorized creates an unauthorized error response
func Unauthorized(message string) *Response {
	if message == "" {
		message = "Authentication required"
	}
	return Error(ErrCodeUnauthorized, message)
}

// Forbidden creates a forbidden error response
func Forbidden(message string) *Response {
	if message == "" {
		message = "Access denied"
	}
	return Error(ErrCodeForbidden, message)
}

// NotFound creates a not found error response
func NotFound(message string) *Response {
	if message == "" {
		message = "Resource not found"
	}
	return Error(ErrCodeNotFound, message)
}

// InternalError creates an internal server error response
func InternalError(message string) *Response {
	if message == "" {
		message = "An internal error occurred"
	}
	return Error(ErrCodeInternalError, message)
}

// ValidationFailed creates a validation error response with field details
func ValidationFailed(details map[string]string) *Response {
	return ErrorWithDetails(ErrCodeValidationFailed, "Validation failed", details)
}

// TooManyRequests creates a rate limit error response
func TooManyRequests(message string) *Response {
	if message == "" {
		message = "Too many requests, please try again later"
	}
	return Error(ErrCodeTooManyRequests, message)
}

// ServiceUnavailable creates a service unavailable error response
func ServiceUnavailable(message string) *Response {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	return Error(ErrCodeServiceUnavailable, message)
}

// QuotaDenied creates a quota error response naming the exhausted limit
func QuotaDenied(e *domain.QuotaDeniedError) *Response {
	details := map[string]string{
		"kind":  string(e.Kind),
		"limit": strconv.FormatInt(e.Limit, 10),
		"plan":  string(e.Plan),
	}
	if e.Reason != "" {
		details["reason"] = e.Reason
	}
	return ErrorWithDetails(ErrCodeQuotaDenied, "Plan limit reached", details)
}

// --- Error Mapping ---

// FromError maps a domain error to its HTTP status and response. The bool is
// false when err is not part of the domain taxonomy and should be logged.
func FromError(err error) (int, *Response, bool) {
	var (
		quota      *domain.QuotaDeniedError
		conflict   *domain.ConflictError
		stale      *domain.StaleWriteError
		transition *domain.InvalidTransitionError
		fetch      *domain.FetchError
	)

	switch {
	case errors.As(err, &quota):
		return envelope(QuotaDenied(quota))
	case errors.Is(err, domain.ErrQuotaCheckUnavailable):
		return envelope(Error(ErrCodeQuotaCheckUnavailable, "Plan limits cannot be checked right now, please retry"))
	case errors.As(err, &conflict):
		return envelope(ErrorWithDetails(ErrCodeConflict, err.Error(), map[string]string{
			"table":      conflict.Table,
			"constraint": conflict.Constraint,
		}))
	case errors.As(err, &stale):
		return envelope(ErrorWithDetails(ErrCodeStaleWrite, "The row changed since it was read", map[string]string{
			"table": stale.Table,
			"id":    stale.ID,
		}))
	case errors.As(err, &transition):
		return envelope(ErrorWithDetails(ErrCodeInvalidTransition, err.Error(), map[string]string{
			"from": transition.From,
			"to":   transition.To,
		}))
	case errors.Is(err, domain.ErrMessageImmutable):
		return envelope(Error(ErrCodeMessageImmutable, "Messages cannot be edited or deleted"))
	case errors.Is(err, domain.ErrMalformedRow):
		return envelope(Error(ErrCodeValidationFailed, err.Error()))
	case errors.Is(err, domain.ErrNotFound):
		return envelope(NotFound(""))
	case errors.Is(err, domain.ErrUnauthenticated):
		return envelope(Unauthorized(""))
	case errors.Is(err, domain.ErrForbidden):
		return envelope(Forbidden(""))
	case errors.Is(err, domain.ErrMutationTimeout), errors.Is(err, context.DeadlineExceeded):
		return envelope(Error(ErrCodeGatewayTimeout, "The backend did not answer in time"))
	case errors.As(err, &fetch):
		return envelope(Error(ErrCodeFetchFailed, "The backend could not be read"))
	}
	return http.StatusInternalServerError, InternalError(""), false
}

func envelope(r *Response) (int, *Response, bool) {
	return GetHTTPStatus(r.Error.Code), r, true
}
