// Package session implements the Drawbridge session engine: per-session
// state, the mutation operations exposed to transport adapters, the
// subscriber fan-out, and the manager that owns session lifecycle
// (lazy load, idle eviction, periodic snapshot flush, graceful
// shutdown).
//
// Every operation on a session happens under that session's lock. The
// sequence {apply operation, append log, increment version, enqueue
// broadcast} is atomic with respect to other mutations, so the order of
// messages observed by any subscriber matches the log order.
package session

import (
	"sync"
	"time"

	"github.com/deepnoodle-ai/drawbridge"
)

// Session holds the live state of one drawing canvas. It is never
// mutated without holding mu. Manager owns creation and eviction.
type Session struct {
	id string

	mu             sync.Mutex
	scene          *drawbridge.Scene
	files          map[string]drawbridge.FileMeta
	version        int64
	lastSnapshotAt time.Time
	subscribers    map[string]*Subscriber

	// Debounced subscriber-update logging. pendingUpdate marks state
	// that has been applied in memory but not yet appended to the log.
	pendingUpdate bool
	updateTimer   *time.Timer

	evictTimer *time.Timer

	// evicted marks a session the manager has removed from its map. An
	// operation holding a stale pointer must re-acquire through the
	// manager instead of mutating the orphan.
	evicted bool
}

func newSession(id string, scene *drawbridge.Scene, files map[string]drawbridge.FileMeta) *Session {
	if files == nil {
		files = map[string]drawbridge.FileMeta{}
	}
	return &Session{
		id:             id,
		scene:          scene,
		files:          files,
		lastSnapshotAt: time.Now(),
		subscribers:    map[string]*Subscriber{},
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Version returns the session's current version counter.
func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ClientCount returns the number of attached subscribers.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// broadcastLocked enqueues msg for every open subscriber except the
// originator. Subscribers whose queue is full are dropped on the spot;
// their transport notices via Done and finishes its own teardown.
// Callers must hold s.mu.
func (s *Session) broadcastLocked(msg Message, except *Subscriber) {
	for id, sub := range s.subscribers {
		if sub == except {
			continue
		}
		if !sub.send(msg) {
			delete(s.subscribers, id)
			sub.close()
			metricSubscribersDropped.Inc()
		}
	}
	metricBroadcastsTotal.Inc()
}
