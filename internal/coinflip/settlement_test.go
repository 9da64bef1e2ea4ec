package coinflip

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerSetReplaceForgetStop(t *testing.T) {
	ts := newTimerSet()
	var fired atomic.Int32

	ts.add("m-1", time.Hour, func() { fired.Add(1) })
	ts.add("m-1", time.Hour, func() { fired.Add(1) })
	ts.add("m-2", time.Hour, func() { fired.Add(1) })
	if got := ts.len(); got != 2 {
		t.Fatalf("len = %d, want 2 after replacing m-1", got)
	}

	ts.forget("m-2")
	if got := ts.len(); got != 1 {
		t.Fatalf("len = %d after forget", got)
	}

	ts.stopAll()
	ts.add("m-3", time.Millisecond, func() { fired.Add(1) })
	if got := ts.len(); got != 0 {
		t.Fatalf("len = %d, want 0 after stopAll", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("fired %d timers after stopAll", n)
	}
}

func TestTimerSetFires(t *testing.T) {
	ts := newTimerSet()
	done := make(chan struct{})
	ts.add("m-1", time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}
