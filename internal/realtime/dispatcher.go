package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	EventScheduleChanged = "schedule-changed"
	EventReviewDue       = "review-due"
	EventHeartbeat       = "heartbeat"

	defaultBufferSize = 16
)

// Message is a per-owner notification delivered to stream subscribers.
type Message struct {
	OwnerID    string    `json:"owner_id"`
	EventType  string    `json:"event_type"`
	ContentIDs []string  `json:"content_ids,omitempty"`
	DueCount   int       `json:"due_count,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dispatcher fans messages out to the subscribers of each owner. Publishing never blocks;
// a subscriber whose buffer is full misses the message.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for ownerID until ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan Message, func()) {
	if ownerID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(ownerID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(ownerID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to every current subscriber of its owner.
func (d *Dispatcher) Publish(message Message) {
	if message.OwnerID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.OwnerID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount returns the number of live streams for ownerID.
func (d *Dispatcher) SubscriberCount(ownerID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[ownerID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(ownerID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*subscriber)
	}
	d.subscribers[ownerID][sub.id] = sub
}

func (d *Dispatcher) unregister(ownerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerID)
		}
	}
	d.mu.Unlock()
}
