//go:build windows

package watchcore

import (
	"runtime"

	"golang.org/x/sys/windows"
)

// kernel32 and its QueueUserAPC procedure are resolved lazily via the
// standard golang.org/x/sys/windows DLL-loading helpers; QueueUserAPC itself
// has no wrapper in that package.
var (
	modkernel32      = windows.NewLazySystemDLL("kernel32.dll")
	procQueueUserAPC = modkernel32.NewProc("QueueUserAPC")
)

// queueUserAPC queues routine, with the given parameter, onto thread. The
// queued APC is delivered the next time that thread enters an alertable
// wait.
func queueUserAPC(routine uintptr, thread windows.Handle, parameter uintptr) error {
	r, _, err := procQueueUserAPC.Call(routine, uintptr(thread), parameter)
	if r == 0 {
		return err
	}
	return nil
}

// sleepEx wraps SleepEx, the alertable wait the watcher thread blocks in
// between command and I/O completion APCs.
func sleepEx(milliseconds uint32, alertable bool) {
	windows.SleepEx(milliseconds, alertable)
}

// lockOSThreadForWatcher pins the calling goroutine to its current OS thread
// for the remainder of the watcher's lifetime. This is required because
// QueueUserAPC targets a specific OS thread, and Go's scheduler would
// otherwise be free to migrate the goroutine to a different one between
// SleepEx calls.
func lockOSThreadForWatcher() {
	runtime.LockOSThread()
}
