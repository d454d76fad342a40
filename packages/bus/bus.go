package bus

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

var ErrClosed = errors.New("bus closed")

// Message is one published event.
type Message struct {
	Topic   string
	Payload any
}

type Handler func(Message)

// Bus is an in-process publish/subscribe hub. Publish delivers to every
// matching subscriber synchronously, in subscription order, on the caller's
// goroutine. Callers that need ordering publish from a single goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID atomic.Uint64
	closed atomic.Bool
}

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	sub := &subscription{id: b.nextID.Add(1), topic: topic, handler: h}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Publish delivers payload to subscribers of topic and of the wildcard.
func (b *Bus) Publish(topic string, payload any) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs[topic])+len(b.subs[Wildcard]))
	matched = append(matched, b.subs[topic]...)
	if topic != Wildcard {
		matched = append(matched, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	msg := Message{Topic: topic, Payload: payload}
	for _, s := range matched {
		s.handler(msg)
	}
	return nil
}

// HasSubscribers reports whether anything listens on topic, wildcard excluded.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic]) > 0
}

// Close drops all subscriptions. Later publishes fail with ErrClosed.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
}
