package progress

import (
	"sync"

	"github.com/dshills/folderindex/pkg/types"
)

// Subscription receives progress events on C until Close is called. When
// the buffer is full the oldest pending event is dropped for the newest.
type Subscription struct {
	C <-chan types.ProgressEvent

	ch      chan types.ProgressEvent
	tracker *Tracker
	once    sync.Once
}

// Subscribe registers a new subscriber. buffer <= 0 uses DefaultBuffer.
func (t *Tracker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan types.ProgressEvent, buffer)
	sub := &Subscription{C: ch, ch: ch, tracker: t}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// offer is called with the tracker lock held, which serializes it with Close
func (s *Subscription) offer(ev types.ProgressEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.tracker.mu.Lock()
		delete(s.tracker.subs, s)
		close(s.ch)
		s.tracker.mu.Unlock()
	})
}
