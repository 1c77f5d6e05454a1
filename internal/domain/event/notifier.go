package event

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
)

const DefaultBuffer = 64

// Notifier fans published events out to the subscriptions registered at
// publish time. Delivery never blocks the publisher: an observer whose
// buffer is full misses the event.
type Notifier struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
	log     *slog.Logger
}

func NewNotifier(log *slog.Logger, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    log.With("component", "event_notifier"),
	}
}

// Publish delivers payload to every current subscriber of topic.
func (n *Notifier) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n.dropped.Add(1)
			n.log.Debug("observer buffer full, event dropped", "topic", topic, "subscription", sub.id)
		}
	}
}

// Subscribe registers an observer for topics, or for every topic when none
// are given. Events published before the call are never delivered.
func (n *Notifier) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		ch:       make(chan Event, n.buffer),
		notifier: n,
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	n.mu.Lock()
	n.nextID++
	sub.id = n.nextID
	n.subs[sub.id] = sub
	n.mu.Unlock()

	return sub
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *Notifier) unsubscribe(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[sub.id]; !ok {
		return
	}
	delete(n.subs, sub.id)
	close(sub.ch)
}

// Subscription is an observer handle returned by Notifier.Subscribe.
type Subscription struct {
	id       uint64
	ch       chan Event
	topics   map[Topic]struct{}
	notifier *Notifier
	once     sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.notifier.unsubscribe(s)
	})
}

func (s *Subscription) wants(t Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[t]
	return ok
}
