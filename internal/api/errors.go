package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-finance-realtime/internal/auth"
	"github.com/npezzotti/go-finance-realtime/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

func NewTooManyRequestsError() *ApiError {
	return newApiError(http.StatusTooManyRequests, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

// errorFor maps a failure from the realtime core to the response it
// warrants. Unknown errors are internal.
func errorFor(err error) *ApiError {
	var apiErr *ApiError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, types.ErrAdmissionDenied):
		return newApiError(http.StatusTooManyRequests, err)
	case errors.Is(err, types.ErrAuthenticationFailed):
		return newApiError(http.StatusUnauthorized, err)
	case errors.Is(err, types.ErrTenantViolation), errors.Is(err, auth.ErrOriginNotAllowed):
		return newApiError(http.StatusForbidden, err)
	case errors.Is(err, types.ErrMalformedEvent):
		apiErr := newApiError(http.StatusBadRequest, err)
		apiErr.Message = err.Error()
		return apiErr
	case errors.Is(err, types.ErrStoreUnavailable):
		return newApiError(http.StatusServiceUnavailable, err)
	}
	return NewInternalServerError(err)
}
