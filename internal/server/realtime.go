package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/words"
)

const (
	RealtimeEventRefill    = "refill"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "tabulaxy-backend"
	allModesTopic          = "*"
)

// RefillDispatcher fans refill events out to stream subscribers. Slow
// subscribers drop events rather than block the publisher.
type RefillDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan words.RefillEvent
}

func NewRefillDispatcher() *RefillDispatcher {
	return &RefillDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one mode, or for every mode when mode is
// empty. The subscription ends when ctx is done or cleanup is called.
func (d *RefillDispatcher) Subscribe(ctx context.Context, mode catalog.Mode) (<-chan words.RefillEvent, func()) {
	topic := string(mode)
	if topic == "" {
		topic = allModesTopic
	}
	subscriber := &realtimeSubscriber{
		stream: make(chan words.RefillEvent, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to subscribers of its mode and of all modes.
func (d *RefillDispatcher) Publish(event words.RefillEvent) {
	if event.Mode == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for _, topic := range []string{string(event.Mode), allModesTopic} {
		for _, subscriber := range d.subscribers[topic] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RefillDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *RefillDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RefillDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
