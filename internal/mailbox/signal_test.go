package mailbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/danmuck/mailslot/internal/testutil/testlog"
)

func TestSignalSetIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	var calls atomic.Int32
	s.Notify(func() { calls.Add(1) })
	s.Set()
	s.Set()
	if !s.IsSet() {
		t.Fatalf("signal should be set")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("continuation ran %d times", got)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestSignalNotifyAfterSetRunsInline(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	s.Set()
	ran := false
	s.Notify(func() { ran = true })
	if !ran {
		t.Fatalf("continuation should run inline once set")
	}
}

func TestSignalContinuationMayReenter(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	var nested atomic.Int32
	s.Notify(func() {
		if !s.IsSet() {
			t.Errorf("continuation ran before the flag was visible")
		}
		s.Notify(func() { nested.Add(1) })
		s.Set()
	})

	finished := make(chan struct{})
	go func() {
		s.Set()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("Set deadlocked on a reentrant continuation")
	}
	if got := nested.Load(); got != 1 {
		t.Fatalf("nested continuation ran %d times", got)
	}
}

func TestSignalTryWait(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	if err := s.TryWait(); !iox.IsWouldBlock(err) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	s.Set()
	if err := s.TryWait(); err != nil {
		t.Fatalf("expected nil after set, got %v", err)
	}
}

func TestSignalWaitImmediate(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	for name, tm := range immediateTimeouts() {
		start := time.Now()
		ok, err := s.Wait(tm)
		if err != nil || ok {
			t.Fatalf("%s: ok=%v err=%v", name, ok, err)
		}
		if time.Since(start) > 50*time.Millisecond {
			t.Fatalf("%s: immediate wait blocked", name)
		}
	}
}

func TestSignalWaitAlreadySet(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	s.Set()
	for name, tm := range anyTimeouts() {
		ok, err := s.Wait(tm)
		if err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", name, ok, err)
		}
		ok, err = s.WaitContext(context.Background(), tm)
		if err != nil || !ok {
			t.Fatalf("%s ctx: ok=%v err=%v", name, ok, err)
		}
	}
}

func TestSignalWaitRejectsInvalidTimeout(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	s.Set()
	for name, tm := range invalidTimeouts() {
		if _, err := s.Wait(tm); !errors.Is(err, ErrInvalidTimeout) {
			t.Fatalf("%s: expected ErrInvalidTimeout, got %v", name, err)
		}
		if _, err := s.WaitContext(context.Background(), tm); !errors.Is(err, ErrInvalidTimeout) {
			t.Fatalf("%s ctx: expected ErrInvalidTimeout, got %v", name, err)
		}
	}
}

func TestSignalWaitExpires(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	start := time.Now()
	ok, err := s.Wait(After(20 * time.Millisecond))
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("wait returned before deadline")
	}
}

func TestSignalWaitContextCanceled(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	ok, err := s.WaitContext(ctx, NoTimeout())
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestSignalReleasesBothWaiterClasses(t *testing.T) {
	testlog.Start(t)
	s := NewSignal()
	blocked := make(chan bool, 1)
	parked := make(chan bool, 1)
	go func() {
		ok, _ := s.Wait(After(5 * time.Second))
		blocked <- ok
	}()
	go func() {
		ok, _ := s.WaitContext(context.Background(), After(5*time.Second))
		parked <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	s.Set()
	for _, ch := range []chan bool{blocked, parked} {
		select {
		case ok := <-ch:
			if !ok {
				t.Fatalf("waiter reported timeout")
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter not released")
		}
	}
}
