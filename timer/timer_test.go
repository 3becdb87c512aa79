package timer

import (
	"context"
	"reflect"
	"testing"
	"time"
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualOrder(t *testing.T) {
	m := NewManual(epoch)
	var fired []string
	m.Register(epoch.Add(3*time.Second), func() { fired = append(fired, "c") })
	m.Register(epoch.Add(1*time.Second), func() { fired = append(fired, "a") })
	m.Register(epoch.Add(1*time.Second), func() { fired = append(fired, "b") })
	h, _ := m.Register(epoch.Add(2*time.Second), func() { fired = append(fired, "x") })
	m.Deregister(h)

	m.Advance(2 * time.Second)
	if want := []string{"a", "b"}; !reflect.DeepEqual(fired, want) {
		t.Errorf("after 2s: got %v want %v", fired, want)
	}
	if got, want := m.Now(), epoch.Add(2*time.Second); !got.Equal(want) {
		t.Errorf("Now: got %v want %v", got, want)
	}
	m.Advance(time.Second)
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(fired, want) {
		t.Errorf("after 3s: got %v want %v", fired, want)
	}
}

func TestManualClockAtCallback(t *testing.T) {
	m := NewManual(epoch)
	var at time.Time
	m.Register(epoch.Add(1500*time.Millisecond), func() { at = m.Now() })
	m.Advance(10 * time.Second)
	if want := epoch.Add(1500 * time.Millisecond); !at.Equal(want) {
		t.Errorf("clock in callback: got %v want %v", at, want)
	}
}

func TestManualReentrant(t *testing.T) {
	m := NewManual(epoch)
	n := 0
	var retry func()
	retry = func() {
		n++
		if n < 3 {
			m.Register(m.Now(), retry)
		}
	}
	m.Register(epoch, retry)
	m.Advance(0)
	if n != 3 {
		t.Errorf("zero-delay retries: got %d want 3", n)
	}
}

func TestManualCapacity(t *testing.T) {
	m := NewManual(epoch)
	m.Capacity = 1
	if _, err := m.Register(epoch.Add(time.Second), func() {}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := m.Register(epoch.Add(time.Second), func() {}); err != ErrOutOfResources {
		t.Errorf("second Register: got %v want %v", err, ErrOutOfResources)
	}
}

func TestLoop(t *testing.T) {
	l := NewLoop(8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	h, _ := l.Register(time.Now().Add(10*time.Millisecond), func() { t.Error("deregistered timer fired") })
	l.Deregister(h)
	l.Register(time.Now().Add(20*time.Millisecond), func() { close(done) })

	go l.Run(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timer did not fire")
	}
}
