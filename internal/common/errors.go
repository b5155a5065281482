package common

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation              = "validation_error"
	CodeConfiguration           = "configuration_error"
	CodeNotFound                = "not_found"
	CodeUpstreamTimeout         = "upstream_timeout"
	CodeUpstreamUnauthorized    = "upstream_unauthorized"
	CodeUpstreamError           = "upstream_error"
	CodeUpstreamInvalidResponse = "upstream_invalid_response"
	CodeInternal                = "internal_error"
)

// Error is a failure with an HTTP status and a human readable detail.
type Error struct {
	Status int
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code, detail string, err error) *Error {
	return &Error{Status: status, Code: code, Detail: detail, Err: err}
}

func Validation(detail string, err error) *Error {
	return New(http.StatusBadRequest, CodeValidation, detail, err)
}

func Configuration(detail string) *Error {
	return New(http.StatusInternalServerError, CodeConfiguration, detail, nil)
}

func NotFound(detail string) *Error {
	return New(http.StatusNotFound, CodeNotFound, detail, nil)
}

func Internal(detail string, err error) *Error {
	return New(http.StatusInternalServerError, CodeInternal, detail, err)
}

// AsError unwraps err into an *Error, wrapping anything else as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("An unexpected error occurred: "+err.Error(), err)
}
