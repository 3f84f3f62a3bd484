package qnvme

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures into the five kinds the validation engine
// distinguishes: setup, argument, NVMe runtime status, data integrity, and
// hard timeout.
type ErrorCode string

const (
	ErrCodeSetupFailure   ErrorCode = "setup failure"
	ErrCodeArgument       ErrorCode = "argument failure"
	ErrCodeNVMeStatus     ErrorCode = "nvme runtime error"
	ErrCodeDataIntegrity  ErrorCode = "data integrity error"
	ErrCodeHardTimeout    ErrorCode = "hard timeout"
)

// Error is a structured error carrying the context a test author needs to
// locate a fault: which operation, which queue, which LBA, and the raw
// NVMe status if one was involved.
type Error struct {
	Op     string    // operation that failed, e.g. "ReadWrite", "IOWorker.Run"
	Queue  int       // queue id, -1 if not applicable
	LBA    uint64    // LBA involved, 0 if not applicable
	Code   ErrorCode // high-level category
	Status uint16    // (SCT<<8)|SC, 0 if not applicable
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Queue >= 0 {
		return fmt.Sprintf("qnvme: %s (op=%s queue=%d)", msg, e.Op, e.Queue)
	}
	return fmt.Sprintf("qnvme: %s (op=%s)", msg, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a structured error with no queue/LBA context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewArgumentError reports a precondition violation caught before any I/O
// was issued (spec §7, "Argument failure").
func NewArgumentError(op string, status uint16, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: ErrCodeArgument, Status: status, Msg: msg}
}

// NewStatusError reports a non-success completion delivered by the
// transport (spec §7, "Runtime NVMe error").
func NewStatusError(op string, queue int, lba uint64, status uint16) *Error {
	return &Error{
		Op:     op,
		Queue:  queue,
		LBA:    lba,
		Code:   ErrCodeNVMeStatus,
		Status: status,
		Msg:    fmt.Sprintf("status=0x%04x", status),
	}
}

// NewIntegrityError reports a verifier failure (LBA mismatch, CRC
// mismatch, or uncorrectable sentinel). The caller rewrites the
// completion status to StatusUnrecoveredReadError per spec §4.3.
func NewIntegrityError(queue int, lba uint64, reason string) *Error {
	return &Error{
		Op:     "verify",
		Queue:  queue,
		LBA:    lba,
		Code:   ErrCodeDataIntegrity,
		Status: StatusUnrecoveredReadError,
		Msg:    reason,
	}
}

// NewTimeoutError reports the IOWorker hard watchdog firing.
func NewTimeoutError(op string) *Error {
	return &Error{Op: op, Queue: -1, Code: ErrCodeHardTimeout, Msg: "hard deadline exceeded"}
}

// WrapError wraps an arbitrary error with operation context, preserving
// code/status if the inner error is already structured.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if qe, ok := inner.(*Error); ok {
		return &Error{Op: op, Queue: qe.Queue, LBA: qe.LBA, Code: qe.Code, Status: qe.Status, Msg: qe.Msg, Inner: qe.Inner}
	}
	return &Error{Op: op, Queue: -1, Code: ErrCodeSetupFailure, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}
