package session

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberQueueSize bounds each subscriber's outbound queue. A
// subscriber that cannot drain 64 messages is dropped rather than
// allowed to block mutation progress.
const subscriberQueueSize = 64

// Subscriber is one persistent bidirectional connection attached to a
// session. The session engine enqueues messages; the transport layer
// drains Messages until Done is closed.
type Subscriber struct {
	id        string
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber() *Subscriber {
	return &Subscriber{
		id:   uuid.NewString(),
		ch:   make(chan Message, subscriberQueueSize),
		done: make(chan struct{}),
	}
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Messages is the outbound queue. Receive alongside Done:
//
//	select {
//	case msg := <-sub.Messages():
//	case <-sub.Done():
//	}
func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Done is closed when the subscriber is removed from its session.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// send enqueues without blocking. Returns false when the queue is full,
// which the session treats as a slow subscriber to drop.
func (s *Subscriber) send(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
