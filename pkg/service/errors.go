package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeTooManyTexts     = "too_many_texts"
	CodeInvalidKey       = "invalid_key"
	CodeRateLimited      = "rate_limited"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeInternal         = "internal"
)

// APIError is an error with the HTTP status and code the service replies
// with.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func badRequest(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func tooManyTexts(n, limit int) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeTooManyTexts,
		Message: fmt.Sprintf("%d texts exceed the limit of %d", n, limit),
	}
}

func invalidKey(err error) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidKey, Message: "invalid key material", Err: err}
}

// asAPIError maps any error to the reply the service sends for it.
func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error", Err: err}
}
