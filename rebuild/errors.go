package rebuild

import (
	"errors"
	"fmt"
)

// Code enumerates the rebuild error taxonomy (§7).
type Code string

const (
	CodeBdevNotFound        Code = "bdev not found"
	CodeBdevInvalidUri      Code = "invalid bdev uri"
	CodeNoCopyBuffer        Code = "no copy buffer available"
	CodeInvalidParameters   Code = "invalid parameters"
	CodeFrontendGone        Code = "frontend gone"
	CodeRebuildTasksChannel Code = "rebuild tasks channel error"
	CodeIoError             Code = "rebuild task i/o error"
	CodeNotFound            Code = "rebuild job not found"
	CodeAlreadyExists       Code = "rebuild job already exists"
)

// Error is the structured rebuild error type, mirroring child.Error's
// shape: an operation tag, a category code, a message, and an
// optional wrapped cause.
type Error struct {
	Op     string
	DstURI string
	Code   Code
	Msg    string
	Inner  error

	// RebuildTasksChannel payload.
	Active int
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.DstURI != "" {
		return fmt.Sprintf("rebuild: op=%s dst=%s: %s", e.Op, e.DstURI, msg)
	}
	return fmt.Sprintf("rebuild: op=%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

func newError(op, dstURI string, code Code, msg string) *Error {
	return &Error{Op: op, DstURI: dstURI, Code: code, Msg: msg}
}

func wrapError(op, dstURI string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, DstURI: dstURI, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
