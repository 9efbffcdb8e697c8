package watchcore

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorScope identifies the stage of the watch lifecycle in which a failure
// originated, so that a host bridge can branch on provenance without string
// matching the error text.
type ErrorScope int

const (
	// ScopeStartup indicates a failure initializing the native backend
	// (e.g. inotify_init1 failed). Startup failures are propagated
	// synchronously to the caller of Server.Start.
	ScopeStartup ErrorScope = iota
	// ScopeRegistration indicates a failure registering a watch root.
	// Registration failures are surfaced as the submitting
	// command's failure and never emitted as an event.
	ScopeRegistration
	// ScopeRuntime indicates a failure decoding or processing a native
	// event once a watch point is established. Runtime failures are always
	// asynchronous, delivered via EventSink.ReportError or as a
	// ChangeUnknown event when a path is known.
	ScopeRuntime
	// ScopeShutdown indicates that the watcher thread failed to exit
	// within its shutdown budget.
	ScopeShutdown
)

// String renders an ErrorScope for logging.
func (s ErrorScope) String() string {
	switch s {
	case ScopeStartup:
		return "startup"
	case ScopeRegistration:
		return "registration"
	case ScopeRuntime:
		return "runtime"
	case ScopeShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Failure is a typed, scope-tagged error describing something that went
// wrong in the watch core. Path is optional and empty when the failure is
// not attributable to a single watch root.
type Failure struct {
	Scope ErrorScope
	Path  string
	Err   error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("%s: %s: %v", f.Scope, f.Path, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Scope, f.Err)
}

// Unwrap allows errors.Is/errors.As to see through a Failure to its cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// newFailure constructs a Failure, wrapping err with message via
// github.com/pkg/errors so that callers retain a stack trace for
// diagnostics without needing to thread one through manually.
func newFailure(scope ErrorScope, path string, message string, err error) *Failure {
	return &Failure{
		Scope: scope,
		Path:  path,
		Err:   errors.Wrap(err, message),
	}
}

// ErrAlreadyWatching is returned by Server.StartWatching when a root is
// already registered.
var ErrAlreadyWatching = errors.New("already watching")

// ErrNotAbsolute is returned by the path codec when a caller supplies a
// relative path to StartWatching. StopWatching does not return it; it counts
// such a path as not watched.
var ErrNotAbsolute = errors.New("path is not absolute")

// ErrNotDirectory is returned when a registration target does not resolve
// to a directory.
var ErrNotDirectory = errors.New("path is not a directory")

// ErrServerClosed is returned by submit once the server has observed a
// Terminate command; no further commands are processed.
var ErrServerClosed = errors.New("server is closed")

// ErrCommandTimeout is returned to a submit caller when the watcher thread
// does not complete the command within Options.CommandTimeout. The watcher
// thread itself is unaffected and continues processing.
var ErrCommandTimeout = errors.New("command timed out")
