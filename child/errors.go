package child

import (
	"errors"
	"fmt"

	"github.com/datacore-vvarakantham/nexus-core/nvme"
)

// Code enumerates the child error taxonomy (§7).
type Code string

const (
	CodePermanentlyFaulted  Code = "permanently faulted"
	CodeChildFaulted        Code = "child faulted"
	CodeChildBeingDestroyed Code = "child being destroyed"
	CodeChildTooSmall       Code = "child too small"
	CodeOpenChild           Code = "failed to open child"
	CodeClaimChild          Code = "failed to claim child"
	CodeChildInaccessible   Code = "child inaccessible"
	CodeCannotOnlineChild   Code = "cannot online child"
	CodeHandleCreate        Code = "failed to create io handle"
	CodeHandleOpen          Code = "failed to open io handle"
	CodeHandleDmaMalloc     Code = "dma allocation failed"
	CodeResvRegisterKey     Code = "reservation register failed"
	CodeResvAcquire         Code = "reservation acquire failed"
	CodeResvRelease         Code = "reservation release failed"
	CodeResvReport          Code = "reservation report failed"
	CodeResvType            Code = "reservation type mismatch"
	CodeResvNoHolder        Code = "reservation has no holder"
	CodeHolder              Code = "reservation held by another host"
	CodeNvmeHostId          Code = "failed to read nvme host id"
	CodeChildBdevCreate     Code = "failed to create child bdev"
)

// Error is the structured child error type, the child package's
// analogue of the teacher's *ublk.Error: an operation tag, a category
// code, a message, and an optional wrapped cause.
type Error struct {
	Op    string
	URI   string
	Code  Code
	Msg   string
	Inner error

	// ChildTooSmall payload.
	ParentSize uint64
	ChildSize  uint64

	// Holder / ResvType / ResvNoHolder payload.
	HostID    [16]byte
	ResvType  nvme.ReservationType
	ResvKey   uint64
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.URI != "" {
		return fmt.Sprintf("child: op=%s uri=%s: %s", e.Op, e.URI, msg)
	}
	return fmt.Sprintf("child: op=%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

func newError(op, uri string, code Code, msg string) *Error {
	return &Error{Op: op, URI: uri, Code: code, Msg: msg}
}

func wrapError(op, uri string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, URI: uri, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
