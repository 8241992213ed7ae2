package alerts

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

func TestBroadcaster_SubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	id, ch := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(id)
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	default:
		t.Error("channel should be closed and readable")
	}
}

func TestBroadcaster_Broadcast(t *testing.T) {
	b := NewBroadcaster()

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	alert := &models.Alert{ID: 7, Title: "Alert: Flooding in Kota Bharu", AlertLevel: 4}
	if dropped := b.Broadcast(alert); dropped != 0 {
		t.Errorf("expected no dropped deliveries, got %d", dropped)
	}

	select {
	case received := <-ch:
		if received.ID != alert.ID {
			t.Errorf("expected ID %d, got %d", alert.ID, received.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for broadcast")
	}
}

func TestBroadcaster_ConcurrentSubscribeBroadcast(t *testing.T) {
	b := NewBroadcaster()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ch := b.Subscribe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for range ch {
				}
			}()
			time.Sleep(5 * time.Millisecond)
			b.Unsubscribe(id)
			<-done
		}()
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Broadcast(&models.Alert{Title: fmt.Sprintf("alert %d", n), AlertLevel: n%5 + 1})
		}(i)
	}

	wg.Wait()

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster()

	var channels []<-chan *models.Alert
	for i := 0; i < 5; i++ {
		_, ch := b.Subscribe()
		channels = append(channels, ch)
	}

	b.Close()

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", b.SubscriberCount())
	}
	for i, ch := range channels {
		select {
		case _, ok := <-ch:
			if ok {
				t.Errorf("channel %d should be closed", i)
			}
		default:
			t.Errorf("channel %d should be closed and readable", i)
		}
	}

	_, late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected subscribe after close not to register, got %d", b.SubscriberCount())
	}
}

func TestBroadcaster_SlowSubscriber(t *testing.T) {
	b := NewBroadcaster()

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	batch := make([]*models.Alert, subscriberBuffer+1)
	for i := range batch {
		batch[i] = &models.Alert{ID: int64(i)}
	}
	if dropped := b.Broadcast(batch...); dropped != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", dropped)
	}

	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	if count != subscriberBuffer {
		t.Errorf("expected %d buffered alerts, got %d", subscriberBuffer, count)
	}
}
