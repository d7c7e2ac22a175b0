package engine

import (
	"errors"
	"fmt"
)

// Code tags a failed orchestration run for callers.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeStoreRead    Code = "store_read_failure"
	CodeStoreWrite   Code = "store_write_failure"
	CodeInternal     Code = "internal_error"
)

var (
	// ErrTenantMismatch marks a row that references another tenant's data.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrInvalidOverrides marks commitment item metadata that cannot be decoded.
	ErrInvalidOverrides = errors.New("invalid deliverable overrides")
)

// Error is a tagged orchestration failure.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the tag of err, or CodeInternal for untagged errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func newError(code Code, detail string, err error) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

func invalidInput(detail string, err error) *Error { return newError(CodeInvalidInput, detail, err) }
func notFound(detail string, err error) *Error     { return newError(CodeNotFound, detail, err) }
func storeRead(detail string, err error) *Error    { return newError(CodeStoreRead, detail, err) }
func storeWrite(detail string, err error) *Error   { return newError(CodeStoreWrite, detail, err) }
func internal(detail string, err error) *Error     { return newError(CodeInternal, detail, err) }
