package signal

import (
	"testing"
	"time"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

// ─── Signal ─────────────────────────────────────────────────────────────────

func TestSignal_ReplayOnSubscribe(t *testing.T) {
	s := New(false)
	s.Publish(true)

	ch, unsub := s.Subscribe()
	defer unsub()

	if got := recv(t, ch); !got {
		t.Error("late subscriber should immediately see the last value")
	}
}

func TestSignal_DeliversUpdates(t *testing.T) {
	s := New(0)
	ch, unsub := s.Subscribe()
	defer unsub()

	if got := recv(t, ch); got != 0 {
		t.Fatalf("initial = %d, want 0", got)
	}
	s.Publish(7)
	if got := recv(t, ch); got != 7 {
		t.Errorf("after Publish(7) got %d", got)
	}
}

func TestSignal_SlowSubscriberSeesLatest(t *testing.T) {
	s := New(0)
	ch, unsub := s.Subscribe()
	defer unsub()

	for i := 1; i <= 10; i++ {
		s.Publish(i)
	}
	if got := recv(t, ch); got != 10 {
		t.Errorf("slow subscriber got %d, want 10", got)
	}
	if s.Value() != 10 {
		t.Errorf("Value() = %d, want 10", s.Value())
	}
}

func TestSignal_Update(t *testing.T) {
	s := New(1)
	got := s.Update(func(v int) int { return v + 41 })
	if got != 42 || s.Value() != 42 {
		t.Errorf("Update() = %d, Value() = %d; want 42", got, s.Value())
	}
}

func TestSignal_Unsubscribe(t *testing.T) {
	s := New("a")
	ch, unsub := s.Subscribe()
	if s.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", s.SubscriberCount())
	}
	unsub()
	unsub() // idempotent

	if s.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", s.SubscriberCount())
	}
	<-ch // replayed value
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	s.Publish("b") // must not panic on closed channel
}

// ─── Feed ───────────────────────────────────────────────────────────────────

func TestFeed_NoReplay(t *testing.T) {
	f := NewFeed[string](4)
	f.Publish("before")

	ch, unsub := f.Subscribe()
	defer unsub()

	select {
	case v := <-ch:
		t.Fatalf("feed replayed %q", v)
	default:
	}

	if n := f.Publish("after"); n != 1 {
		t.Errorf("Publish delivered to %d, want 1", n)
	}
	if got := recv(t, ch); got != "after" {
		t.Errorf("got %q, want after", got)
	}
}

func TestFeed_DropsWhenFull(t *testing.T) {
	f := NewFeed[int](1)
	ch, unsub := f.Subscribe()
	defer unsub()

	f.Publish(1)
	if n := f.Publish(2); n != 0 {
		t.Errorf("full subscriber should be skipped, delivered=%d", n)
	}
	if got := recv(t, ch); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

func TestFeed_DefaultBuffer(t *testing.T) {
	f := NewFeed[int](0)
	if f.buffer != DefaultFeedBuffer {
		t.Errorf("buffer = %d, want %d", f.buffer, DefaultFeedBuffer)
	}
}
