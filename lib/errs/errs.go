package errs

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is reports whether target is an *Error with the same code.
// This makes errors.Is(err, errs.ErrQueueEmpty) work for any message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new Error with the given code and message.
func New(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code RetCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the RetCode carried by err, RetCSuccess for nil
// and RetCInternal for errors that do not carry a code.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternal
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess                   RetCode = iota // 0: Operation executed successfully.
	RetCInternal                                 // 1: Operation failed due to an internal error.
	RetCInvalidParameter                         // 2: Malformed call, never retried.
	RetCQueueEmpty                               // 3: No element available (expected signal).
	RetCEndOfList                                // 4: No further element in a list (expected signal).
	RetCTimeout                                  // 5: A bounded wait expired.
	RetCConflictResolutionFailure                // 6: Attribute metadata could not be reconciled.
	RetCInvalidSchema                            // 7: Schema level violation.
	RetCInvalidEntry                             // 8: Entry could not be decoded or is malformed.
	RetCCommitFailed                             // 9: The storage engine failed to commit a write.
	RetCUnwillingToPerform                       // 10: The node refuses the operation in its current role.
	RetCNotFound                                 // 11: The addressed object does not exist.
	RetCAlreadyExists                            // 12: The object to create already exists.
	RetCPreConditionFailed                       // 13: A filter or precondition could not be evaluated.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternal:
		return "Internal"
	case RetCInvalidParameter:
		return "InvalidParameter"
	case RetCQueueEmpty:
		return "QueueEmpty"
	case RetCEndOfList:
		return "EndOfList"
	case RetCTimeout:
		return "Timeout"
	case RetCConflictResolutionFailure:
		return "ConflictResolutionFailure"
	case RetCInvalidSchema:
		return "InvalidSchema"
	case RetCInvalidEntry:
		return "InvalidEntry"
	case RetCCommitFailed:
		return "CommitFailed"
	case RetCUnwillingToPerform:
		return "UnwillingToPerform"
	case RetCNotFound:
		return "NotFound"
	case RetCAlreadyExists:
		return "AlreadyExists"
	case RetCPreConditionFailed:
		return "PreConditionFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(c))
	}
}

// Recoverable reports whether the code is an expected "no data yet" or
// timeout signal that callers branch on instead of treating as a failure.
func (c RetCode) Recoverable() bool {
	return c == RetCQueueEmpty || c == RetCEndOfList || c == RetCTimeout
}

// --------------------------------------------------------------------------
// Sentinels (compare with errors.Is)
// --------------------------------------------------------------------------

var (
	ErrInvalidParameter          = New(RetCInvalidParameter, "")
	ErrQueueEmpty                = New(RetCQueueEmpty, "")
	ErrEndOfList                 = New(RetCEndOfList, "")
	ErrTimeout                   = New(RetCTimeout, "")
	ErrConflictResolutionFailure = New(RetCConflictResolutionFailure, "")
	ErrInvalidSchema             = New(RetCInvalidSchema, "")
	ErrInvalidEntry              = New(RetCInvalidEntry, "")
	ErrCommitFailed              = New(RetCCommitFailed, "")
	ErrUnwillingToPerform        = New(RetCUnwillingToPerform, "")
	ErrNotFound                  = New(RetCNotFound, "")
	ErrAlreadyExists             = New(RetCAlreadyExists, "")
	ErrPreConditionFailed        = New(RetCPreConditionFailed, "")
)
