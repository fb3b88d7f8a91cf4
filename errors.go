// Package fntrace holds the data model shared by every subsystem of the
// function-call tracer: functions, parameter storage, and the error
// wrapping used throughout the rest of the packages.
package fntrace

import (
	"fmt"
	"runtime"
	"strings"
)

// TracedError carries an error together with the chain of call frames that
// re-wrapped it on the way up the stack.
type TracedError struct {
	Err    error
	Frames []runtime.Frame
}

// Error implements the error interface.
func (err *TracedError) Error() string {
	str := fmt.Sprint(err.Err)
	for _, frame := range err.Frames {
		str += fmt.Sprintf("\n[%s:%d]", frame.Function, frame.Line)
	}
	return str
}

// Unwrap exposes the original error to errors.Is/errors.As.
func (err *TracedError) Unwrap() error {
	return err.Err
}

// Error wraps e into a *TracedError, appending a frame if e is already one.
// Returns a nil *TracedError if e is nil; returned through an error-typed
// result, that nil pointer is a non-nil error, so call it only on a non-nil e.
func Error(e interface{}) *TracedError {
	if e == nil {
		return nil
	}

	frame := lastFrame()

	switch err := e.(type) {
	case *TracedError:
		err.Frames = append(err.Frames, frame)
		return err

	case error:
		return &TracedError{Err: err, Frames: []runtime.Frame{frame}}

	default:
		return &TracedError{Err: fmt.Errorf("%v", e), Frames: []runtime.Frame{frame}}
	}
}

// Errorf creates a new TracedError from a format string.
func Errorf(format string, args ...interface{}) *TracedError {
	return &TracedError{Err: fmt.Errorf(format, args...), Frames: []runtime.Frame{lastFrame()}}
}

// MergeErrors merges multiple errors into a single TracedError, or returns
// nil if errs is empty.
func MergeErrors(errs []error) *TracedError {
	if len(errs) == 0 {
		return nil
	}

	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, fmt.Sprint(err))
	}

	return &TracedError{Err: fmt.Errorf("%s", strings.Join(parts, "; ")), Frames: []runtime.Frame{lastFrame()}}
}

func lastFrame() runtime.Frame {
	pc := make([]uintptr, 1)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()
	return frame
}
