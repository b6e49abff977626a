// Package eventbus is a small synchronous in-process publish/subscribe hub.
package eventbus

import (
	"sync"
	"time"

	"github.com/MimeLyc/course-importer/pkg/log"
)

type Topic string

type Event struct {
	Topic Topic
	Data  any
	At    time.Time
}

type Handler func(Event)

type subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Bus delivers events to handlers in subscription order on the publisher's
// goroutine. An empty topic subscribes to everything.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.Subscribe("", handler)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish calls every matching handler. A panicking handler is logged and
// does not stop delivery to the rest.
func (b *Bus) Publish(topic Topic, data any) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == "" || sub.topic == topic {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Data: data, At: time.Now()}
	for _, h := range matched {
		deliver(h, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event handler for %s panicked: %v", ev.Topic, r)
		}
	}()
	h(ev)
}
