package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBinaryInput is returned for a line carrying non-printable bytes.
	ErrBinaryInput = errors.New("line contains non-printable characters")
	// ErrFrameTooLarge is returned when a statement does not fit a 2-byte frame length.
	ErrFrameTooLarge = errors.New("statement too large for disk frame")
	// ErrEmptyStatement is returned when asked to queue or frame an empty statement.
	ErrEmptyStatement = errors.New("empty statement")
	// ErrCorruptFrame is returned when a frame extends past the write pointer.
	ErrCorruptFrame = errors.New("corrupt disk frame")
)

// ProtocolError is a malformed or unreadable client line.
type ProtocolError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v (line %q)", e.Reason, e.Err, e.Line)
	}
	return fmt.Sprintf("protocol error: %s (line %q)", e.Reason, e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RoutingError means the target name is not in any backing-store group.
type RoutingError struct {
	Target string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error: target %q is not in any backing-store group", e.Target)
}

// StatementError is a statement the backing store rejected.
type StatementError struct {
	Target    string
	Statement Statement
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement error on %s: %v", e.Target, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// ConnectivityError means the backing store could not be reached.
type ConnectivityError struct {
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error on %s: %v", e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ResourceError is a local disk failure; the affected statement is lost.
type ResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

func IsRoutingError(err error) bool {
	var target *RoutingError
	return errors.As(err, &target)
}

func IsStatementError(err error) bool {
	var target *StatementError
	return errors.As(err, &target)
}

func IsConnectivityError(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target)
}

// IsResourceError checks if an error (or any error in its chain) is a ResourceError.
func IsResourceError(err error) bool {
	var target *ResourceError
	return errors.As(err, &target)
}
