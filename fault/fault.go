// Package fault defines the error taxonomy shared by the pool client and its collaborators.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a PoolError.
type Kind int

const (
	// KindCommon wraps an underlying I/O, transport, storage or input error.
	KindCommon Kind = iota
	// KindNotCreated - pool config or connection set was never created/opened.
	KindNotCreated
	// KindInvalidHandle - pool or command handle is not in the registry.
	KindInvalidHandle
	// KindRejected - the pool collectively refused the request.
	KindRejected
	// KindTerminate - the session closed while the operation was outstanding.
	KindTerminate
	// KindAlreadyExists - a pool config with this name is already persisted.
	KindAlreadyExists
	// KindTimeout - the request deadline elapsed without consensus.
	KindTimeout
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindCommon:
		return "Common"
	case KindNotCreated:
		return "NotCreated"
	case KindInvalidHandle:
		return "InvalidHandle"
	case KindRejected:
		return "Rejected"
	case KindTerminate:
		return "Terminate"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// PoolError is the single error type surfaced by pool operations.
type PoolError struct {
	Kind        Kind
	Description string
	Cause       error
}

// Error implements error.
func (e *PoolError) Error() string {
	switch e.Kind {
	case KindNotCreated:
		return "not created: " + e.detail()
	case KindInvalidHandle:
		return "invalid handle: " + e.detail()
	case KindRejected:
		return "rejected by pool: " + e.detail()
	case KindTerminate:
		return "pool work terminated"
	case KindAlreadyExists:
		return "pool ledger config already exists: " + e.detail()
	case KindTimeout:
		return "pool request timed out: " + e.detail()
	default:
		return e.detail()
	}
}

func (e *PoolError) detail() string {
	switch {
	case e.Description != "" && e.Cause != nil:
		return e.Description + ": " + e.Cause.Error()
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return e.Description
	}
}

// Unwrap returns the wrapped cause.
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// Is matches any PoolError of the same kind, so the sentinels below work with errors.Is.
func (e *PoolError) Is(target error) bool {
	t, ok := target.(*PoolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Description == "" && t.Cause == nil
}

// Code returns the caller-facing status code.
func (e *PoolError) Code() ErrorCode {
	switch e.Kind {
	case KindNotCreated:
		return PoolLedgerNotCreatedError
	case KindInvalidHandle:
		return PoolLedgerInvalidPoolHandle
	case KindRejected:
		return LedgerInvalidTransaction
	case KindTerminate:
		return PoolLedgerTerminated
	case KindAlreadyExists:
		return PoolLedgerConfigAlreadyExistsError
	case KindTimeout:
		return PoolLedgerTimeout
	}
	switch {
	case errors.Is(e.Cause, ErrInvalidStructure):
		return CommonInvalidStructure
	case errors.Is(e.Cause, ErrInvalidState):
		return CommonInvalidState
	default:
		return CommonIOError
	}
}

// sentinels for errors.Is - keep in kind order
var (
	ErrCommon        = &PoolError{Kind: KindCommon}
	ErrNotCreated    = &PoolError{Kind: KindNotCreated}
	ErrInvalidHandle = &PoolError{Kind: KindInvalidHandle}
	ErrRejected      = &PoolError{Kind: KindRejected}
	ErrTerminate     = &PoolError{Kind: KindTerminate}
	ErrAlreadyExists = &PoolError{Kind: KindAlreadyExists}
	ErrTimeout       = &PoolError{Kind: KindTimeout}
)

// causes carried by KindCommon errors
var (
	ErrInvalidStructure = errors.New("invalid structure")
	ErrInvalidState     = errors.New("invalid state")
)

// NotCreated builds a KindNotCreated error.
func NotCreated(format string, args ...interface{}) error {
	return &PoolError{Kind: KindNotCreated, Description: fmt.Sprintf(format, args...)}
}

// NotCreatedWithCause builds a KindNotCreated error carrying the aggregate reason.
func NotCreatedWithCause(description string, cause error) error {
	return &PoolError{Kind: KindNotCreated, Description: description, Cause: cause}
}

// InvalidHandle builds a KindInvalidHandle error.
func InvalidHandle(format string, args ...interface{}) error {
	return &PoolError{Kind: KindInvalidHandle, Description: fmt.Sprintf(format, args...)}
}

// Rejected builds a KindRejected error carrying the node-reported reason.
func Rejected(reason string) error {
	return &PoolError{Kind: KindRejected, Description: reason}
}

// Terminate builds a KindTerminate error.
func Terminate() error {
	return &PoolError{Kind: KindTerminate}
}

// AlreadyExists builds a KindAlreadyExists error.
func AlreadyExists(name string) error {
	return &PoolError{Kind: KindAlreadyExists, Description: name}
}

// Timeout builds a KindTimeout error.
func Timeout(format string, args ...interface{}) error {
	return &PoolError{Kind: KindTimeout, Description: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error as KindCommon. PoolErrors pass through untouched.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}
	var pe *PoolError
	if errors.As(err, &pe) {
		return err
	}
	return &PoolError{Kind: KindCommon, Description: description, Cause: err}
}

// InvalidStructure reports malformed caller input.
func InvalidStructure(format string, args ...interface{}) error {
	return &PoolError{Kind: KindCommon, Description: fmt.Sprintf(format, args...), Cause: ErrInvalidStructure}
}

// InvalidState reports an operation that conflicts with current state.
func InvalidState(format string, args ...interface{}) error {
	return &PoolError{Kind: KindCommon, Description: fmt.Sprintf(format, args...), Cause: ErrInvalidState}
}

// KindOf returns the kind of err, or KindCommon for foreign errors.
func KindOf(err error) Kind {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindCommon
}

// determine the class of an error
func IsErrNotCreated(err error) bool    { return errors.Is(err, ErrNotCreated) }
func IsErrInvalidHandle(err error) bool { return errors.Is(err, ErrInvalidHandle) }
func IsErrRejected(err error) bool      { return errors.Is(err, ErrRejected) }
func IsErrTerminate(err error) bool     { return errors.Is(err, ErrTerminate) }
func IsErrAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsErrTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }
