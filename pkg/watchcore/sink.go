package watchcore

// EventSink is the contract consumed by the watch core to deliver
// normalized change events and failures to the host. Implementations are
// invoked from the watcher thread, with one exception: the shutdown failure
// that Server.Close reports from its caller's goroutine when the watcher
// thread does not exit in time. They must not block for long periods, since
// doing so stalls the watcher thread's event loop and delays processing of
// subsequent native events.
type EventSink interface {
	// PathChanged is invoked once per normalized event. path is always an
	// absolute path in host encoding and is never empty.
	PathChanged(changeType ChangeType, path string)

	// ReportError is invoked with a typed Failure describing a startup,
	// registration, runtime, or shutdown error. It never indicates that
	// the sink itself should abort the host process.
	ReportError(failure *Failure)
}
