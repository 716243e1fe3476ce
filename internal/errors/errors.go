// Package errors defines the error taxonomy shared by connectors, the session
// manager, the verifier workflow and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	CodeConnector          ErrorCode = "CONNECTOR_ERROR"
	CodeSigning            ErrorCode = "SIGNING_ERROR"
	CodeWalletNotConnected ErrorCode = "WALLET_NOT_CONNECTED"
	CodeChainSubmission    ErrorCode = "CHAIN_SUBMISSION_ERROR"
	CodeSessionBusy        ErrorCode = "SESSION_BUSY"
	CodeNoActiveSession    ErrorCode = "NO_ACTIVE_SESSION"
	CodeSubmissionPending  ErrorCode = "SUBMISSION_PENDING"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeRegistry           ErrorCode = "REGISTRY_ERROR"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the error type returned across package boundaries.
type ServiceError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches any ServiceError with the same code, so the exported sentinels
// below work with errors.Is.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value

	cp := *e
	cp.Details = details
	return &cp
}

// Sentinels for errors.Is comparisons.
var (
	ErrConnector          = &ServiceError{Code: CodeConnector}
	ErrSigning            = &ServiceError{Code: CodeSigning}
	ErrWalletNotConnected = &ServiceError{Code: CodeWalletNotConnected}
	ErrChainSubmission    = &ServiceError{Code: CodeChainSubmission}
	ErrSessionBusy        = &ServiceError{Code: CodeSessionBusy}
	ErrNoActiveSession    = &ServiceError{Code: CodeNoActiveSession}
	ErrSubmissionPending  = &ServiceError{Code: CodeSubmissionPending}
	ErrInvalidInput       = &ServiceError{Code: CodeInvalidInput}
	ErrForbidden          = &ServiceError{Code: CodeForbidden}
	ErrNotFound           = &ServiceError{Code: CodeNotFound}
	ErrRegistry           = &ServiceError{Code: CodeRegistry}
)

// =============================================================================
// Constructors
// =============================================================================

// Connector reports an unreachable backend or a rejected pairing.
func Connector(kind string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeConnector,
		Message:    fmt.Sprintf("connector %s failed", kind),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"connector": kind},
		Err:        err,
	}
}

// Signing reports a rejected or interrupted signature request.
func Signing(err error) *ServiceError {
	return &ServiceError{
		Code:       CodeSigning,
		Message:    "signing failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

func WalletNotConnected() *ServiceError {
	return &ServiceError{
		Code:       CodeWalletNotConnected,
		Message:    "wallet not connected",
		HTTPStatus: http.StatusConflict,
	}
}

// ChainSubmission wraps a failure of the named chain operation.
func ChainSubmission(op string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeChainSubmission,
		Message:    fmt.Sprintf("chain %s failed", op),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"operation": op},
		Err:        err,
	}
}

func SessionBusy(reason string) *ServiceError {
	return &ServiceError{
		Code:       CodeSessionBusy,
		Message:    reason,
		HTTPStatus: http.StatusConflict,
	}
}

func NoActiveSession() *ServiceError {
	return &ServiceError{
		Code:       CodeNoActiveSession,
		Message:    "no active session",
		HTTPStatus: http.StatusConflict,
	}
}

func SubmissionPending(account string) *ServiceError {
	return &ServiceError{
		Code:       CodeSubmissionPending,
		Message:    "a submission is already pending for this account",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"account": account},
	}
}

func InvalidInput(field, reason string) *ServiceError {
	return &ServiceError{
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"field": field},
	}
}

func Unauthorized(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

func InvalidToken(err error) *ServiceError {
	return &ServiceError{
		Code:       CodeInvalidToken,
		Message:    "invalid or expired token",
		HTTPStatus: http.StatusUnauthorized,
		Err:        err,
	}
}

func Forbidden(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

func NotFound(resource, id string) *ServiceError {
	return &ServiceError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"id": id},
	}
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return &ServiceError{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
		Details:    map[string]any{"limit": limit, "window": window},
	}
}

// Registry wraps a failure talking to the application registry.
func Registry(op string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeRegistry,
		Message:    fmt.Sprintf("registry %s failed", op),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

func Internal(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsSessionLoss reports whether err means the session can no longer be used.
func IsSessionLoss(err error) bool {
	return stderrors.Is(err, ErrNoActiveSession)
}
