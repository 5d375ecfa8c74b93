// Package fault classifies the failures of the sync core.
//
// Every component boundary converts low-level errors into a *Error with a
// Code. The coordinator turns those into a boolean outcome and a status
// line; nothing here is allowed to crash the host process.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Code categorizes a failure.
type Code string

const (
	// CodeTransport covers unreachable remotes, timeouts and non-2xx replies.
	CodeTransport Code = "TRANSPORT"

	// CodeMalformed means a bundle failed validation before any write.
	CodeMalformed Code = "MALFORMED_BUNDLE"

	// CodeStorage means the storage engine is unavailable or rejected a write.
	CodeStorage Code = "STORAGE"

	// CodeNotFound is a status transition or lookup on an unknown id.
	CodeNotFound Code = "NOT_FOUND"

	// CodeBusy means a sync cycle is already in flight.
	CodeBusy Code = "BUSY"

	// CodeInvalid is a caller-supplied argument that cannot be used.
	CodeInvalid Code = "INVALID"
)

// ErrNotFound is the sentinel stores return for missing rows.
var ErrNotFound = errors.New("not found")

// Error is a classified failure.
type Error struct {
	Code    Code
	Op      string // component operation, e.g. "oplog.mark_synced"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap classifies err under code. A nil err yields nil. An err that is
// already a *Error is wrapped again; the outer code wins for CodeOf and the
// inner one stays reachable through errors.As. Use Storage to keep an
// existing classification instead.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Storage wraps err as a storage failure, passing through errors that are
// already classified. ErrNotFound becomes CodeNotFound; an expired or
// cancelled context becomes CodeTransport since the engine itself is fine.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return &Error{Code: CodeNotFound, Op: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Code: CodeTransport, Op: op, Message: "interrupted", Err: err}
	}
	return &Error{Code: CodeStorage, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func IsTransport(err error) bool { return CodeOf(err) == CodeTransport }
func IsMalformed(err error) bool { return CodeOf(err) == CodeMalformed }
func IsStorage(err error) bool   { return CodeOf(err) == CodeStorage }
func IsBusy(err error) bool      { return CodeOf(err) == CodeBusy }
func IsInvalid(err error) bool   { return CodeOf(err) == CodeInvalid }

// IsNotFound matches both classified not-found errors and the bare sentinel.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound || errors.Is(err, ErrNotFound)
}

// Severity ranks failures for user-facing reporting. Storage failures may
// indicate device-level corruption and outrank everything else.
func Severity(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeStorage:
		return 4
	case CodeNotFound, CodeInvalid:
		return 3
	case CodeMalformed:
		return 2
	case CodeTransport, CodeBusy:
		return 1
	}
	return 2
}

// Worst returns the error with the highest Severity.
func Worst(errs ...error) error {
	var worst error
	for _, err := range errs {
		if err != nil && (worst == nil || Severity(err) > Severity(worst)) {
			worst = err
		}
	}
	return worst
}
