package watchcore

import (
	"errors"
	"testing"
	"time"
)

func TestCommandChannelFIFOOrder(t *testing.T) {
	channel := newCommandChannel()

	var submitted []*command
	for i := 0; i < 5; i++ {
		cmd := newCommand(commandRegister, nil)
		submitted = append(submitted, cmd)
		if !channel.enqueue(cmd) {
			t.Fatalf("enqueue %d unexpectedly failed", i)
		}
	}

	drained := channel.drain()
	if len(drained) != len(submitted) {
		t.Fatalf("expected %d drained commands, got %d", len(submitted), len(drained))
	}
	for i, cmd := range drained {
		if cmd != submitted[i] {
			t.Errorf("expected drain order to match enqueue order at index %d", i)
		}
	}
}

func TestCommandChannelDrainEmpty(t *testing.T) {
	channel := newCommandChannel()
	if drained := channel.drain(); drained != nil {
		t.Errorf("expected nil for an empty drain, got %v", drained)
	}
}

func TestCommandChannelClosesAfterTerminate(t *testing.T) {
	channel := newCommandChannel()

	terminate := newCommand(commandTerminate, nil)
	if !channel.enqueue(terminate) {
		t.Fatal("enqueue of terminate command unexpectedly failed")
	}
	channel.drain()

	if channel.enqueue(newCommand(commandRegister, nil)) {
		t.Error("expected enqueue after terminate to be rejected")
	}
}

func TestCommandChannelDrainReturnsCommandsQueuedAfterTerminate(t *testing.T) {
	channel := newCommandChannel()

	channel.enqueue(newCommand(commandRegister, nil))
	channel.enqueue(newCommand(commandTerminate, nil))
	channel.enqueue(newCommand(commandRegister, nil))

	drained := channel.drain()
	if len(drained) != 3 {
		t.Fatalf("expected all three queued commands in one drain batch, got %d", len(drained))
	}
	if drained[1].kind != commandTerminate {
		t.Fatalf("expected terminate command in second position, got kind %d", drained[1].kind)
	}
}

func TestSubmitCompletesSuccessfully(t *testing.T) {
	channel := newCommandChannel()
	cmd := newCommand(commandRegister, []string{"/a"})

	done := make(chan error, 1)
	go func() {
		done <- submit(channel, cmd, time.Second)
	}()

	// Wait for the submitting goroutine's enqueue before draining.
	<-channel.wakeup()
	drained := channel.drain()
	if len(drained) != 1 {
		t.Fatalf("expected one queued command, got %d", len(drained))
	}
	drained[0].complete(nil)

	if err := <-done; err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestSubmitTimesOutWithoutCancelingTheCommand(t *testing.T) {
	channel := newCommandChannel()
	cmd := newCommand(commandRegister, []string{"/a"})

	err := submit(channel, cmd, 10*time.Millisecond)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}

	// The command itself is untouched by the timeout and can still be
	// completed by whatever eventually processes it.
	drained := channel.drain()
	if len(drained) != 1 {
		t.Fatalf("expected the timed-out command to still be queued, got %d entries", len(drained))
	}
	drained[0].complete(nil)
	select {
	case <-cmd.done:
	default:
		t.Error("expected cmd.done to be closed after complete")
	}
}

func TestSubmitAfterCloseFailsFast(t *testing.T) {
	channel := newCommandChannel()
	channel.enqueue(newCommand(commandTerminate, nil))
	channel.drain()

	err := submit(channel, newCommand(commandRegister, nil), time.Second)
	if !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
}

func TestOSWakeInvokedOnEnqueue(t *testing.T) {
	channel := newCommandChannel()

	woken := make(chan struct{}, 1)
	channel.setOSWake(func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	})

	channel.enqueue(newCommand(commandRegister, nil))

	select {
	case <-woken:
	default:
		t.Error("expected osWake hook to be invoked on enqueue")
	}
}
