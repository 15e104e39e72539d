// Package apperr defines the closed error taxonomy shared by all components.
// Every error that crosses a package boundary is an *Error with a kind from
// the set below, a severity, an optional cause chain and a context map that
// ends up in logs and crash reports.
package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Severity classifies how an error is handled: warnings are logged and the
// operation continues, fatals abort the current operation.
type Severity int

const (
	Warn Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Warn {
		return "WARN"
	}
	return "FATAL"
}

// Kind is the closed set of error kinds.
type Kind string

const (
	KindICloud         Kind = "ICLOUD"
	KindICloudWarning  Kind = "ICLOUD_WARN"
	KindAuth           Kind = "AUTH"
	KindMFAWarning     Kind = "MFA_WARN"
	KindLibrary        Kind = "LIBRARY"
	KindLibraryWarning Kind = "LIBRARY_WARN"
	KindNoLock         Kind = "NO_LOCK"
	KindSync           Kind = "SYNC"
	KindSyncWarning    Kind = "SYNC_WARN"
	KindArchive        Kind = "ARCHIVE"
	KindArchiveWarning Kind = "ARCHIVE_WARN"
	KindToken          Kind = "TOKEN"
	KindInterrupt      Kind = "INTERRUPT"
	KindDaemon         Kind = "DAEMON"
	KindUnexpected     Kind = "UNEXPECTED_RESPONSE"
)

func (k Kind) severity() Severity {
	switch k {
	case KindICloudWarning, KindMFAWarning, KindLibraryWarning, KindSyncWarning, KindArchiveWarning:
		return Warn
	}
	return Fatal
}

// ExitCode maps a kind to the process exit code for fatal termination.
// 0 and 1 are reserved (success, CLI usage error), 2 is interrupt.
func (k Kind) ExitCode() int {
	switch k {
	case KindInterrupt:
		return 2
	case KindLibrary, KindNoLock:
		return 3
	case KindAuth, KindToken:
		return 4
	case KindICloud, KindUnexpected:
		return 5
	case KindSync:
		return 6
	case KindArchive:
		return 7
	case KindDaemon:
		return 8
	}
	return 9
}

// Error is the one error type crossing component boundaries.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Cause    error
	Context  map[string]any

	// ReportID correlates a fatal error with its crash-report entry.
	// Empty for warnings.
	ReportID string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on kind so callers can test errors.Is(err, apperr.New(kind, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// With attaches a context attribute and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an error of the given kind. Severity follows the kind; fatal
// errors are stamped with a report UUID.
func New(kind Kind, message string) *Error {
	e := &Error{
		Kind:     kind,
		Severity: kind.severity(),
		Message:  message,
	}
	if e.Severity == Fatal {
		e.ReportID = uuid.NewString()
	}
	return e
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind with a cause. If the cause is
// already an *Error its context map is inherited.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	var inner *Error
	if errors.As(cause, &inner) && len(inner.Context) > 0 {
		e.Context = make(map[string]any, len(inner.Context))
		for k, v := range inner.Context {
			e.Context[k] = v
		}
	}
	return e
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err is fatal. Unknown error types are treated as
// fatal so nothing slips through as an ignorable warning.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == Fatal
	}
	return true
}

// IsWarning reports whether err is a warning-severity *Error.
func IsWarning(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Severity == Warn
}
