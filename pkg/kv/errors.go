package kv

import (
	"context"
	"errors"
	"fmt"
)

// RetCode mirrors lib/store/interface.go's RetCode enum: every error this
// package returns carries one of these so callers can branch on failure
// class without string-matching.
type RetCode int

const (
	RetCSuccess RetCode = iota
	RetCInvalidKey
	RetCInvalidValue
	RetCReadError
	RetCWriteError
	RetCNotArray
	RetCInvalidNumber
	RetCTransactionError
	RetCTimeout
	RetCUnsupportedOperation
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "success"
	case RetCInvalidKey:
		return "invalid_key"
	case RetCInvalidValue:
		return "invalid_value"
	case RetCReadError:
		return "read_error"
	case RetCWriteError:
		return "write_error"
	case RetCNotArray:
		return "not_array"
	case RetCInvalidNumber:
		return "invalid_number"
	case RetCTransactionError:
		return "transaction_error"
	case RetCTimeout:
		return "timeout"
	case RetCUnsupportedOperation:
		return "unsupported_operation"
	default:
		return "unknown"
	}
}

// Error is the single error type every exported Store/Cache/Batch/Watcher
// operation returns, following lib/store/interface.go's *Error/RetCode
// pairing rather than a family of unrelated error types.
type Error struct {
	Code RetCode
	Msg  string
	Err  error // wrapped cause, if any
}

func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func wrapError(code RetCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, kv.ErrTimeout) style sentinel checks work against
// the Code rather than pointer identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel errors for errors.Is comparisons, one per RetCode a caller is
// expected to branch on.
var (
	ErrInvalidKey          = &Error{Code: RetCInvalidKey}
	ErrInvalidValue         = &Error{Code: RetCInvalidValue}
	ErrReadError           = &Error{Code: RetCReadError}
	ErrWriteError          = &Error{Code: RetCWriteError}
	ErrNotArray            = &Error{Code: RetCNotArray}
	ErrInvalidNumber       = &Error{Code: RetCInvalidNumber}
	ErrTransactionError    = &Error{Code: RetCTransactionError}
	ErrTimeout             = &Error{Code: RetCTimeout}
	ErrUnsupportedOperation = &Error{Code: RetCUnsupportedOperation}
)

func invalidKey(msg string) *Error   { return NewError(RetCInvalidKey, msg) }
func invalidValue(msg string) *Error { return NewError(RetCInvalidValue, msg) }

// readError and writeError reclassify a context.DeadlineExceeded cause as
// RetCTimeout: every backend call they wrap runs under Store.opTimeout (or
// the caller's own ctx), so a deadline blowing there is the §7 Timeout
// taxonomy member, not a generic read/write failure.
func readError(msg string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(msg)
	}
	return wrapError(RetCReadError, msg, err)
}
func writeError(msg string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(msg)
	}
	return wrapError(RetCWriteError, msg, err)
}
func notArray(msg string) *Error      { return NewError(RetCNotArray, msg) }
func invalidNumber(msg string) *Error { return NewError(RetCInvalidNumber, msg) }
func transactionError(msg string, err error) *Error {
	return wrapError(RetCTransactionError, msg, err)
}
func timeoutError(msg string) *Error { return NewError(RetCTimeout, msg) }
func unsupported(msg string) *Error  { return NewError(RetCUnsupportedOperation, msg) }
