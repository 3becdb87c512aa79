package timer

import (
	"context"
	"sync"
	"time"
)

// Loop is a real-time Service. Timer callbacks and functions passed to
// Post run one at a time on the goroutine that calls Run.
type Loop struct {
	events chan func()

	mu     sync.Mutex
	next   Handle
	timers map[Handle]*time.Timer
}

// NewLoop returns a Loop with room for queue pending events.
func NewLoop(queue int) *Loop {
	return &Loop{
		events: make(chan func(), queue),
		timers: make(map[Handle]*time.Timer),
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) Register(deadline time.Time, fn func()) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	h := l.next
	l.timers[h] = time.AfterFunc(time.Until(deadline), func() {
		l.Post(func() {
			l.mu.Lock()
			_, live := l.timers[h]
			delete(l.timers, h)
			l.mu.Unlock()
			if live {
				fn()
			}
		})
	})
	return h, nil
}

func (l *Loop) Deregister(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[h]; ok {
		t.Stop()
		delete(l.timers, h)
	}
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.events <- fn
}

// Run executes queued events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.events:
			fn()
		}
	}
}
