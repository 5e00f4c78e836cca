package proc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by how callers must react to it.
type ErrorKind uint8

const (
	// Fatal errors abort the whole run: the target is gone or
	// inaccessible, or its interpreter cannot be understood.
	Fatal ErrorKind = iota
	// NonFatal errors make a single capture unusable. A sampling loop
	// counts them and carries on.
	NonFatal
)

func (k ErrorKind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case NonFatal:
		return "non-fatal"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is an error carrying its ErrorKind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatalf returns a Fatal error formatted like fmt.Errorf.
func Fatalf(format string, args ...interface{}) error {
	return &Error{Kind: Fatal, Err: fmt.Errorf(format, args...)}
}

// NonFatalf returns a NonFatal error formatted like fmt.Errorf.
func NonFatalf(format string, args ...interface{}) error {
	return &Error{Kind: NonFatal, Err: fmt.Errorf(format, args...)}
}

// WrapFatal classifies err as Fatal. A nil err stays nil.
func WrapFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Fatal, Op: op, Err: err}
}

// WrapNonFatal classifies err as NonFatal unless it is already
// classified, in which case the existing kind wins. A nil err stays nil.
func WrapNonFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return &Error{Kind: perr.Kind, Op: op, Err: err}
	}
	return &Error{Kind: NonFatal, Op: op, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are Fatal.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return Fatal
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == Fatal
}

// IsNonFatal reports whether err only spoils the current capture.
func IsNonFatal(err error) bool {
	return err != nil && KindOf(err) == NonFatal
}

// ProcessExitedError indicates that the target process went away while
// it was being inspected.
type ProcessExitedError struct {
	Pid int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("process %d has exited", pe.Pid)
}

// ErrUnmapped is returned by memory readers when the requested address
// is not mapped in the target.
var ErrUnmapped = errors.New("address not mapped in target")
