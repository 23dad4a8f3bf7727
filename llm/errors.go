package llm

import "fmt"

// ErrorCode classifies a failure for retry and fallback decisions.
type ErrorCode string

// Terminal codes: never retried, surfaced to the caller unchanged.
const (
	ErrAuth               ErrorCode = "AUTH_ERROR"
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrSafetyBlocked      ErrorCode = "SAFETY_BLOCKED"
	ErrUnsupportedModel   ErrorCode = "UNSUPPORTED_MODEL"
	ErrCapabilityNotFound ErrorCode = "CAPABILITY_NOT_FOUND"
	ErrEmptyResponse      ErrorCode = "EMPTY_RESPONSE"
	ErrNormalization      ErrorCode = "NORMALIZATION_ERROR"
)

// Retryable codes: eligible for backoff and fallback up to the attempt budget.
const (
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrLocalRateLimit      ErrorCode = "LOCAL_RATE_LIMIT_REJECTED"
)

// Error is the single structured error type surfaced by every component.
// Adapters construct it from provider responses; the orchestrator is the
// only place that reads Retryable.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`

	// Attempts and ModelsTried are filled in by the orchestrator on the
	// final error so callers can see the full fallback history.
	Attempts    int      `json:"attempts,omitempty"`
	ModelsTried []string `json:"models_tried,omitempty"`

	Cause error `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates an Error with the given code and message. Retryable is
// derived from the code; WithRetryable overrides it if a provider knows
// better.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: codeRetryable(code)}
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus records the upstream HTTP status.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithProvider records the provider that produced the error.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithModel records the model that was being called.
func (e *Error) WithModel(model string) *Error {
	e.Model = model
	return e
}

// WithRetryable overrides the code-derived retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func codeRetryable(code ErrorCode) bool {
	switch code {
	case ErrRateLimited, ErrTimeout, ErrProviderUnavailable, ErrLocalRateLimit:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable *Error. Unknown error
// types are treated as terminal so a misbehaving adapter cannot trigger
// a retry storm.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code, or "" for foreign error types.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
