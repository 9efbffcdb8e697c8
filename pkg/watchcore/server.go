// Package watchcore implements the core of a cross-platform filesystem
// change notification engine: a long-lived background worker that owns OS
// watch handles, pumps a platform-specific event loop, translates native
// event records into a normalized event model, and mediates between a
// command queue and an EventSink.
package watchcore

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/nprune/watchcore/pkg/logging"
)

const (
	// DefaultCommandTimeout is used when Options.CommandTimeout is zero.
	DefaultCommandTimeout = 5 * time.Second
	// DefaultLatency is used when Options.Latency is zero (macOS only).
	DefaultLatency = 10 * time.Millisecond
	// DefaultBufferSize is used when Options.BufferSize is zero (Windows
	// only): 16 KiB.
	DefaultBufferSize = 16 * 1024
	// MaxBufferSize is the largest per-watch-point buffer a caller may
	// request (Windows only): 16 MiB.
	MaxBufferSize = 16 * 1024 * 1024
	// shutdownBudget is how long Close waits for the watcher thread to
	// exit before reporting a fatal shutdown failure.
	shutdownBudget = 5 * time.Second
)

// Options carries the platform-specific construction parameters accepted by
// NewServer. Fields irrelevant to the current platform's backend are
// ignored.
type Options struct {
	// CommandTimeout bounds how long submit waits for a command to
	// complete before returning ErrCommandTimeout. Used by all backends.
	CommandTimeout time.Duration
	// Latency is the FSEvents coalescing latency (macOS only).
	Latency time.Duration
	// BufferSize is the per-watch-point overlapped I/O buffer size
	// (Windows only). Zero selects DefaultBufferSize and values above
	// MaxBufferSize are clamped to MaxBufferSize; other values are used
	// as given.
	BufferSize uint32
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.Latency <= 0 {
		o.Latency = DefaultLatency
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	} else if o.BufferSize > MaxBufferSize {
		o.BufferSize = MaxBufferSize
	}
	return o
}

// backend is implemented once per platform (server_linux.go,
// server_darwin.go, server_windows.go, server_unsupported.go) and supplies
// the native-loop integration and raw-event translation that the Abstract
// Server (this file) cannot express portably.
//
// All methods except open are only ever invoked from the watcher thread.
type backend interface {
	// open performs backend-specific initialization (e.g. inotify_init1).
	// A non-nil error here is a Startup failure and is propagated
	// synchronously to the caller of Server.Start.
	open() error
	// runLoop blocks, multiplexing native events and command delivery,
	// until terminate has been observed and native teardown is complete.
	runLoop(s *Server)
	// register arms native watching for root. It is invoked from within
	// runLoop while processing a commandRegister.
	register(s *Server, wp *watchPoint) error
	// unregister disarms native watching for root. It is invoked from
	// within runLoop while processing a commandUnregister or Terminate.
	unregister(s *Server, wp *watchPoint) error
	// close releases any native resources. Called once, after runLoop has
	// returned.
	close()
}

// Server is the platform-independent watch server skeleton: it owns the
// watcher thread, the command channel, and the callback reference, and
// defines the runLoop/processCommands/terminate hooks that platform backends
// fill in.
type Server struct {
	sink     EventSink
	options  Options
	logger   *logging.Logger
	commands *commandChannel
	backend  backend

	// watchPoints is single-owner: only the watcher thread reads or
	// mutates it, which is why no mutex guards it.
	watchPoints map[string]*watchPoint

	terminated int32 // atomic; set once the watcher thread observes Terminate

	startDone  chan error
	threadDone chan struct{}
}

func newServer(sink EventSink, options Options, b backend) *Server {
	logger := logging.RootLogger.Sublogger("watchcore")
	commands := newCommandChannel()
	commands.setLogger(logger)
	return &Server{
		sink:        sink,
		options:     options.withDefaults(),
		logger:      logger,
		commands:    commands,
		backend:     b,
		watchPoints: make(map[string]*watchPoint),
		startDone:   make(chan error, 1),
		threadDone:  make(chan struct{}),
	}
}

// Start launches the watcher thread and blocks until it reports either
// successful startup or a startup failure, which is propagated to the
// caller.
func (s *Server) Start() error {
	go s.threadMain()
	return <-s.startDone
}

func (s *Server) threadMain() {
	defer close(s.threadDone)

	if err := s.backend.open(); err != nil {
		failure := newFailure(ScopeStartup, "", "unable to initialize native watch backend", err)
		s.startDone <- failure
		return
	}
	s.startDone <- nil

	s.backend.runLoop(s)
	s.backend.close()
}

// submit enqueues cmd and waits up to options.CommandTimeout for it to
// complete.
func (s *Server) submit(kind commandKind, paths []string) (*command, error) {
	cmd := newCommand(kind, paths)
	err := submit(s.commands, cmd, s.options.CommandTimeout)
	return cmd, err
}

// StartWatching registers paths for watching. It fails if any path is not
// absolute, is not a directory, or is already watched; on failure no root
// from the batch is left registered.
func (s *Server) StartWatching(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := s.submit(commandRegister, paths)
	return err
}

// StopWatching unregisters paths. It returns true if and only if every
// supplied path was currently watched; the boolean is independent
// of whether the underlying native unwatch succeeded; failures there are
// reported asynchronously via the sink.
func (s *Server) StopWatching(paths []string) (bool, error) {
	if len(paths) == 0 {
		return true, nil
	}
	cmd, err := s.submit(commandUnregister, paths)
	if err != nil {
		return false, err
	}
	return cmd.unregisteredAll, nil
}

// Close submits Terminate and joins the watcher thread, bounded by
// shutdownBudget. If the thread fails to exit in time, a fatal shutdown
// failure is reported to the sink and returned.
func (s *Server) Close() error {
	cmd := newCommand(commandTerminate, nil)
	_ = submit(s.commands, cmd, s.options.CommandTimeout)

	select {
	case <-s.threadDone:
		return nil
	case <-time.After(shutdownBudget):
		failure := newFailure(ScopeShutdown, "", "watcher thread did not exit within shutdown budget", errors.New("shutdown timeout"))
		s.logger.Warn(failure)
		s.reportError(failure)
		return failure
	}
}

// reportChange delivers a normalized event to the sink. It must only be
// called from the watcher thread or a native callback that has reattached
// to the host runtime.
func (s *Server) reportChange(changeType ChangeType, path string) {
	s.sink.PathChanged(changeType, path)
}

// reportError delivers a failure record to the sink.
func (s *Server) reportError(failure *Failure) {
	s.sink.ReportError(failure)
}

// markTerminated flips the monotonic terminated flag. It is idempotent.
func (s *Server) markTerminated() {
	atomic.StoreInt32(&s.terminated, 1)
}

// isTerminated reports whether Terminate has been observed by the watcher
// thread.
func (s *Server) isTerminated() bool {
	return atomic.LoadInt32(&s.terminated) != 0
}

// processCommands drains and executes all currently queued commands,
// dispatching register/unregister work to the backend. It returns true if a
// Terminate command was observed and executed, in which case the caller's
// runLoop should return after performing any final backend-specific
// teardown. Commands queued behind Terminate are not executed or
// completed; their submitters time out.
func (s *Server) processCommands() bool {
	for _, cmd := range s.commands.drain() {
		s.logger.Debugf("dispatching command %s (%s)", cmd.id, cmd.kind)
		switch cmd.kind {
		case commandRegister:
			cmd.complete(s.processRegister(cmd))
		case commandUnregister:
			cmd.complete(s.processUnregister(cmd))
		case commandTerminate:
			s.processTerminate()
			cmd.complete(nil)
			return true
		}
	}
	return false
}

func (s *Server) processRegister(cmd *command) error {
	paths := cmd.paths
	roots := make([]string, 0, len(paths))
	for _, path := range paths {
		root, err := canonicalize(path)
		if err != nil {
			return newFailure(ScopeRegistration, path, "unable to canonicalize path", err)
		}
		if _, exists := s.watchPoints[root]; exists {
			return newFailure(ScopeRegistration, root, "registration failed", ErrAlreadyWatching)
		}
		roots = append(roots, root)
	}

	// Watch points are inserted into s.watchPoints before the backend arms
	// them (rather than after) so that a backend whose register
	// implementation must see the full target set -- macOS rebuilds its
	// entire FSEventStream from s.watchPoints on every call -- observes
	// the root being added. Failed or rolled-back registrations are
	// removed again immediately below.
	armed := make([]*watchPoint, 0, len(roots))
	for _, root := range roots {
		wp := newWatchPoint(root)
		s.watchPoints[root] = wp
		if err := s.backend.register(s, wp); err != nil {
			wp.state = stateFinished
			delete(s.watchPoints, root)
			for _, a := range armed {
				_ = s.backend.unregister(s, a)
				delete(s.watchPoints, a.root)
			}
			return newFailure(ScopeRegistration, root, "unable to arm native watch", err)
		}
		wp.state = stateListening
		armed = append(armed, wp)
		s.logger.Debugf("command %s armed watch root %q", cmd.id, root)
	}
	return nil
}

func (s *Server) processUnregister(cmd *command) error {
	all := true
	for _, path := range cmd.paths {
		root, err := canonicalize(path)
		if err != nil {
			all = false
			continue
		}
		wp, exists := s.watchPoints[root]
		if !exists {
			all = false
			continue
		}
		wp.state = stateCancelled
		if err := s.backend.unregister(s, wp); err != nil {
			s.reportError(newFailure(ScopeRuntime, root, "unable to disarm native watch", err))
		}
		wp.state = stateFinished
		delete(s.watchPoints, root)
		s.logger.Debugf("command %s disarmed watch root %q", cmd.id, root)
	}

	// The command's failure slot is nil regardless of `all`; StopWatching
	// reports `all` via cmd.unregisteredAll, not as a failure: a partial
	// match is not itself an error.
	cmd.unregisteredAll = all
	return nil
}

func (s *Server) processTerminate() {
	s.logger.Debugf("shutting down, disarming %d watch root(s)", len(s.watchPoints))
	s.markTerminated()
	for root, wp := range s.watchPoints {
		wp.state = stateCancelled
		if err := s.backend.unregister(s, wp); err != nil {
			s.reportError(newFailure(ScopeRuntime, root, "unable to disarm native watch during shutdown", err))
		}
		wp.state = stateFinished
	}
	s.watchPoints = make(map[string]*watchPoint)
}
