package alerts

import (
	"sync"
	"sync/atomic"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

const subscriberBuffer = 100

// Broadcaster fans new alerts out to live subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the alert.
type Broadcaster struct {
	subscribers map[uint64]chan *models.Alert
	nextID      atomic.Uint64
	closed      bool
	mu          sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan *models.Alert),
	}
}

// Subscribe registers a subscriber. After Close it returns an already closed
// channel.
func (b *Broadcaster) Subscribe() (uint64, <-chan *models.Alert) {
	id := b.nextID.Add(1)
	ch := make(chan *models.Alert, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Broadcast sends each alert to every subscriber and returns how many
// deliveries were dropped.
func (b *Broadcaster) Broadcast(alerts ...*models.Alert) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, a := range alerts {
		for _, ch := range b.subscribers {
			select {
			case ch <- a:
			default:
				dropped++
			}
		}
	}
	return dropped
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels so streams exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
