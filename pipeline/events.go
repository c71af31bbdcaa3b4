package pipeline

import (
	"context"
	"sync"
)

// eventLog is the per-session progress feed. Every event is appended under
// the lock and broadcast; subscribers replay from any cursor and then
// follow. Replay makes delivery idempotent; a reconnecting consumer simply
// re-reads from its last seq.
type eventLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

func newEventLog() *eventLog {
	l := &eventLog{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// append stores an event, assigns its seq, and wakes subscribers.
// Appending to a closed log is ignored.
func (l *eventLog) append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return e
	}
	e.Seq = len(l.events)
	l.events = append(l.events, e)
	if e.Final {
		l.closed = true
	}
	l.cond.Broadcast()
	return e
}

// snapshot returns all events recorded so far.
func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// subscribe streams events from seq `from` onward. The returned channel is
// closed after the final event has been delivered or when ctx is cancelled.
// Emission into the log never blocks on slow subscribers: each subscriber
// drains the shared slice at its own pace.
func (l *eventLog) subscribe(ctx context.Context, from int) <-chan Event {
	ch := make(chan Event)

	// Wake the cond loop when the context ends.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})

	go func() {
		defer close(ch)
		defer stop()

		i := from
		if i < 0 {
			i = 0
		}
		for {
			l.mu.Lock()
			for i >= len(l.events) && !l.closed && ctx.Err() == nil {
				l.cond.Wait()
			}
			if ctx.Err() != nil {
				l.mu.Unlock()
				return
			}
			if i >= len(l.events) && l.closed {
				l.mu.Unlock()
				return
			}
			e := l.events[i]
			l.mu.Unlock()

			select {
			case ch <- e:
				i++
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
