package watchcore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nprune/watchcore/pkg/logging"
)

// commandKind identifies the operation a command requests.
type commandKind int

const (
	commandRegister commandKind = iota
	commandUnregister
	commandTerminate
)

// String renders a commandKind for logging.
func (k commandKind) String() string {
	switch k {
	case commandRegister:
		return "REGISTER"
	case commandUnregister:
		return "UNREGISTER"
	case commandTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// command is one submission to a Server's command channel. Each command
// carries its own completion signal and an optional failure slot, filled in
// exactly once by the watcher thread.
type command struct {
	id    uuid.UUID
	kind  commandKind
	paths []string

	done    chan struct{}
	failure error
	// unregisteredAll is set by the watcher thread while processing a
	// commandUnregister, to whether every supplied path was watched; used
	// by Server.StopWatching's all-or-nothing return value.
	unregisteredAll bool
}

func newCommand(kind commandKind, paths []string) *command {
	return &command{
		id:    uuid.New(),
		kind:  kind,
		paths: paths,
		done:  make(chan struct{}),
	}
}

// complete marks the command finished and records its failure, if any. It
// must only be called from the watcher thread, and must be called exactly
// once per command.
func (c *command) complete(err error) {
	c.failure = err
	close(c.done)
}

// commandChannel is a thread-safe FIFO queue of commands with a bounded-wait
// submission protocol. Submissions from a single thread are
// strictly FIFO; submissions from multiple threads are serialized by a
// mutex but are not totally ordered relative to one another.
type commandChannel struct {
	mu     sync.Mutex
	queue  []*command
	wake   chan struct{}
	closed bool

	// osWake, if set, is invoked synchronously on every successful enqueue
	// in addition to the buffered wake channel above. Backends whose
	// watcher thread blocks in a real OS-level wait (Linux's poll,
	// Windows's alertable SleepEx) use this to nudge that wait via an
	// eventfd write or a queued APC, respectively; backends that can
	// simply select on wakeup() (macOS's CFRunLoop source is itself woken
	// by a similar out-of-band mechanism) leave it nil.
	osWake func()
	// logger is installed by newServer via setLogger; a nil logger
	// discards output, so a commandChannel constructed directly (as the
	// package's tests do) logs nothing.
	logger *logging.Logger
}

func newCommandChannel() *commandChannel {
	return &commandChannel{
		// Buffered by one: at most one pending wake-up needs to be
		// observed between drains, and further enqueues before the
		// watcher thread wakes are already reflected in the queue.
		wake: make(chan struct{}, 1),
	}
}

// setOSWake installs a backend-specific wake hook; see the osWake field
// comment.
func (c *commandChannel) setOSWake(f func()) {
	c.mu.Lock()
	c.osWake = f
	c.mu.Unlock()
}

// setLogger installs the channel's logger; see the logger field comment.
func (c *commandChannel) setLogger(logger *logging.Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// enqueue appends cmd to the queue and wakes the watcher thread. It returns
// false without enqueuing if the channel has already observed Terminate.
func (c *commandChannel) enqueue(cmd *command) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, cmd)
	wake := c.osWake
	logger := c.logger
	c.mu.Unlock()

	logger.Debugf("enqueued command %s (%s)", cmd.id, cmd.kind)

	select {
	case c.wake <- struct{}{}:
	default:
	}
	if wake != nil {
		wake()
	}
	return true
}

// drain removes and returns all commands currently queued, in FIFO order.
// Once a commandTerminate is observed in the returned slice, the caller
// should stop calling drain and the channel is marked closed so that
// further submissions fail fast.
func (c *commandChannel) drain() []*command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	drained := c.queue
	c.queue = nil
	for _, cmd := range drained {
		if cmd.kind == commandTerminate {
			c.closed = true
			break
		}
	}
	return drained
}

// wakeup returns the channel the watcher thread should select on to learn
// that new commands are available.
func (c *commandChannel) wakeup() <-chan struct{} {
	return c.wake
}

// submit enqueues cmd and blocks the calling goroutine until either the
// watcher thread completes it or timeout elapses. A timeout does not cancel
// the command: the watcher thread will still execute and complete it, but
// the submitter stops waiting and receives ErrCommandTimeout.
func submit(channel *commandChannel, cmd *command, timeout time.Duration) error {
	if !channel.enqueue(cmd) {
		return ErrServerClosed
	}
	select {
	case <-cmd.done:
		return cmd.failure
	case <-time.After(timeout):
		channel.mu.Lock()
		logger := channel.logger
		channel.mu.Unlock()
		logger.Warn(errors.Errorf("command %s (%s) timed out after %s", cmd.id, cmd.kind, timeout))
		return ErrCommandTimeout
	}
}
