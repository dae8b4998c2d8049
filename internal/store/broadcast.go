package store

import "sync"

// subscriberBuffer is the channel buffer size handed to each subscriber.
const subscriberBuffer = 100

// broadcaster fans task events out to subscribers.
//
// Sends are non-blocking; if a subscriber's buffer is full, the event is
// dropped for that subscriber to prevent blocking the write path.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[chan Event]struct{})}
}

func (b *broadcaster) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	return ch
}

func (b *broadcaster) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// find and delete the channel (need to convert to the right type)
	for subCh := range b.subscribers {
		if subCh == ch {
			delete(b.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

func (b *broadcaster) publish(typ EventType, task Task) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Type: typ, Task: task}
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// subscriber is slow, drop the event
		}
	}
}

// closeAll closes every remaining subscriber channel.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}
