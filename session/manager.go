package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/drawbridge"
	"github.com/deepnoodle-ai/drawbridge/slogger"
	"github.com/deepnoodle-ai/drawbridge/store"
)

const (
	// DefaultSnapshotInterval is how stale a session's snapshot may get
	// before the periodic flusher compacts it.
	DefaultSnapshotInterval = 5 * time.Minute

	// DefaultEvictAfter is how long a session stays in memory after its
	// last subscriber disconnects.
	DefaultEvictAfter = 5 * time.Minute

	// DefaultUpdateDebounce coalesces bursts of subscriber updates into
	// a single logged operation.
	DefaultUpdateDebounce = 500 * time.Millisecond

	// flushTick is the period of the background snapshot check. The
	// SnapshotInterval staleness test is applied per session on each
	// tick.
	flushTick = time.Minute
)

// Manager owns the session table and all session lifecycle: lazy load
// from the store on first use, idle eviction, periodic snapshot flush,
// and graceful shutdown. All mutation operations exposed to transport
// adapters live here.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store  *store.FileStore
	logger slogger.Logger

	snapshotInterval time.Duration
	evictAfter       time.Duration
	updateDebounce   time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ManagerOptions configures a Manager. Store is required.
type ManagerOptions struct {
	Store            *store.FileStore
	Logger           slogger.Logger
	SnapshotInterval time.Duration
	EvictAfter       time.Duration
	UpdateDebounce   time.Duration
}

// NewManager creates a Manager and starts its background snapshot
// flusher. Call Shutdown to stop it and flush all sessions.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session manager requires a store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.NewDevNullLogger()
	}
	m := &Manager{
		sessions:         map[string]*Session{},
		store:            opts.Store,
		logger:           logger,
		snapshotInterval: opts.SnapshotInterval,
		evictAfter:       opts.EvictAfter,
		updateDebounce:   opts.UpdateDebounce,
		done:             make(chan struct{}),
	}
	if m.snapshotInterval <= 0 {
		m.snapshotInterval = DefaultSnapshotInterval
	}
	if m.evictAfter <= 0 {
		m.evictAfter = DefaultEvictAfter
	}
	if m.updateDebounce <= 0 {
		m.updateDebounce = DefaultUpdateDebounce
	}
	m.wg.Add(1)
	go m.flushLoop()
	return m, nil
}

// getSession returns the in-memory session, loading it from the store
// on first access. The load runs under the map write lock: eviction
// flushes under the same lock, so a loader can never interleave with an
// eviction's snapshot write and install a half-compacted state (old
// snapshot, already-truncated log).
func (m *Manager) getSession(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		// Lost the race to another loader.
		return existing, nil
	}
	scene, err := m.store.LoadScene(id)
	if err != nil {
		return nil, err
	}
	files, err := m.store.ReadFilesMeta(id)
	if err != nil {
		m.logger.Error("failed to read files metadata", "session_id", id, "error", err)
		files = map[string]drawbridge.FileMeta{}
	}
	sess = newSession(id, scene, files)
	m.sessions[id] = sess
	metricSessionsInMemory.Inc()
	m.logger.Info("session loaded", "session_id", id,
		"elements", scene.ElementCount())
	return sess, nil
}

// lockSession returns the session with its lock held. When an eviction
// wins the race between the map lookup and the lock acquisition, the
// orphaned session is released and the lookup retried, so operations
// never mutate a session the manager no longer owns.
func (m *Manager) lockSession(id string) (*Session, error) {
	for {
		sess, err := m.getSession(id)
		if err != nil {
			return nil, err
		}
		sess.mu.Lock()
		if !sess.evicted {
			return sess, nil
		}
		sess.mu.Unlock()
	}
}

// appendLogLocked appends op to the session's log. Failures are logged
// and do not abort the mutation: the state change and its broadcast
// stand, and the next snapshot makes the state durable again.
func (m *Manager) appendLogLocked(sess *Session, op drawbridge.Operation) {
	if err := m.store.AppendLog(sess.id, op); err != nil {
		m.logger.Error("failed to append operation log",
			"session_id", sess.id, "op", string(op.Type), "error", err)
	}
	metricMutationsTotal.WithLabelValues(string(op.Type)).Inc()
}

// writeSnapshotLocked compacts the session to disk and marks the
// snapshot time. Callers must hold sess.mu.
func (m *Manager) writeSnapshotLocked(sess *Session) error {
	if err := m.store.WriteSnapshot(sess.id, sess.scene); err != nil {
		m.logger.Error("failed to write snapshot", "session_id", sess.id, "error", err)
		return err
	}
	sess.lastSnapshotAt = time.Now()
	metricSnapshotsTotal.Inc()
	return nil
}

// SetElements fully replaces a session's elements (and optionally its
// appState). Synthetic viewport elements are stripped and applied as a
// trailing viewport change; the whole thing counts as one mutation for
// versioning. Returns the stored element count and subscriber count.
func (m *Manager) SetElements(id string, elements []drawbridge.Element, appState json.RawMessage) (elementCount, clients int, err error) {
	sess, err := m.lockSession(id)
	if err != nil {
		return 0, 0, err
	}
	defer sess.mu.Unlock()

	draw, viewports := drawbridge.SplitSynthetic(elements)
	op := drawbridge.SetOp(draw, appState)
	sess.scene.Apply(op)
	m.appendLogLocked(sess, op)

	var vop *drawbridge.Operation
	if len(viewports) > 0 {
		o := drawbridge.ViewportOp(viewports[len(viewports)-1])
		sess.scene.Apply(o)
		m.appendLogLocked(sess, o)
		vop = &o
	}

	sess.version++
	sess.broadcastLocked(elementsMessage(sess.scene, sess.version, ""), nil)
	if vop != nil {
		sess.broadcastLocked(Message{Type: MessageViewport, Viewport: sess.scene.Viewport}, nil)
	}
	return sess.scene.ElementCount(), len(sess.subscribers), nil
}

// AppendElements concatenates elements onto the session's scene.
// Synthetic viewport elements are stripped and applied separately. An
// entirely synthetic payload changes only the viewport.
func (m *Manager) AppendElements(id string, elements []drawbridge.Element) (elementCount int, err error) {
	sess, err := m.lockSession(id)
	if err != nil {
		return 0, err
	}
	defer sess.mu.Unlock()

	draw, viewports := drawbridge.SplitSynthetic(elements)
	mutated := false

	if len(draw) > 0 {
		op := drawbridge.AppendOp(draw)
		sess.scene.Apply(op)
		m.appendLogLocked(sess, op)
		mutated = true
	}
	var vop *drawbridge.Operation
	if len(viewports) > 0 {
		o := drawbridge.ViewportOp(viewports[len(viewports)-1])
		sess.scene.Apply(o)
		m.appendLogLocked(sess, o)
		vop = &o
		mutated = true
	}
	if !mutated {
		return sess.scene.ElementCount(), nil
	}

	sess.version++
	if len(draw) > 0 {
		sess.broadcastLocked(Message{Type: MessageAppend, Elements: draw}, nil)
	}
	if vop != nil {
		sess.broadcastLocked(Message{Type: MessageViewport, Viewport: sess.scene.Viewport}, nil)
	}
	return sess.scene.ElementCount(), nil
}

// SetViewport applies a camera change.
func (m *Manager) SetViewport(id string, v drawbridge.Viewport) error {
	sess, err := m.lockSession(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	op := drawbridge.ViewportOp(v)
	sess.scene.Apply(op)
	m.appendLogLocked(sess, op)
	sess.version++
	sess.broadcastLocked(Message{Type: MessageViewport, Viewport: sess.scene.Viewport}, nil)
	return nil
}

// Clear resets the session. A non-empty scene is snapshotted first so
// the pre-clear state remains reachable through version history; this
// is the designed recovery path for an accidental clear.
func (m *Manager) Clear(id string) error {
	sess, err := m.lockSession(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	if sess.scene.ElementCount() > 0 {
		m.writeSnapshotLocked(sess)
	}
	op := drawbridge.ClearOp()
	sess.scene.Apply(op)
	m.appendLogLocked(sess, op)
	sess.version++

	sess.files = map[string]drawbridge.FileMeta{}
	if err := m.store.DeleteFilesMeta(id); err != nil {
		m.logger.Error("failed to delete files metadata", "session_id", id, "error", err)
	}
	sess.broadcastLocked(Message{Type: MessageClear}, nil)
	return nil
}

// Undo drops the last logged operation and rebuilds the session from
// the current snapshot plus the remaining log. Returns
// store.ErrEmptyLog when there is nothing to undo: states before the
// last compaction are unreachable.
func (m *Manager) Undo(id string) (elementCount int, err error) {
	sess, err := m.lockSession(id)
	if err != nil {
		return 0, err
	}
	defer sess.mu.Unlock()

	// A pending debounced update is part of the log's tail; flush it so
	// undo drops the most recent operation the user saw.
	m.flushPendingUpdateLocked(sess)

	if err := m.store.DropLastLogEntry(id); err != nil {
		return sess.scene.ElementCount(), err
	}
	scene, err := m.store.LoadScene(id)
	if err != nil {
		return sess.scene.ElementCount(), err
	}
	sess.scene = scene
	sess.version++
	sess.broadcastLocked(elementsMessage(sess.scene, sess.version, ""), nil)
	return sess.scene.ElementCount(), nil
}

// VersionsResult is the version-history listing for one session.
type VersionsResult struct {
	Current  *store.VersionInfo  `json:"current"`
	Versions []store.VersionInfo `json:"versions"`
}

// Versions lists the session's current snapshot and versioned history,
// newest first.
func (m *Manager) Versions(id string) (*VersionsResult, error) {
	current, err := m.store.CurrentVersion(id)
	if err != nil {
		return nil, err
	}
	versions, err := m.store.ListVersions(id)
	if err != nil {
		return nil, err
	}
	return &VersionsResult{Current: current, Versions: versions}, nil
}

// Restore replaces the session's live state with a versioned snapshot.
// The store preserves the pre-restore state in version history, so
// restore itself is reversible. Returns store.ErrNotFound for an
// unknown timestamp, in which case neither the session nor its history
// is modified.
func (m *Manager) Restore(id string, millis int64) (elementCount int, err error) {
	sess, err := m.lockSession(id)
	if err != nil {
		return 0, err
	}
	defer sess.mu.Unlock()

	m.flushPendingUpdateLocked(sess)

	scene, err := m.store.RestoreVersion(id, millis, sess.scene)
	if err != nil {
		return sess.scene.ElementCount(), err
	}
	sess.scene = scene
	sess.version++
	sess.lastSnapshotAt = time.Now()
	sess.broadcastLocked(elementsMessage(sess.scene, sess.version, SourceRestore), nil)
	return sess.scene.ElementCount(), nil
}

// SceneSnapshot returns a copy of the session's live scene and its
// version, lazy-loading from disk on first access.
func (m *Manager) SceneSnapshot(id string) (*drawbridge.Scene, int64, error) {
	sess, err := m.lockSession(id)
	if err != nil {
		return nil, 0, err
	}
	defer sess.mu.Unlock()
	return sess.scene.Clone(), sess.version, nil
}

// AddFile records uploaded file metadata, persists the files map, and
// announces the file to subscribers. Files are not part of the
// operation log and do not bump the session version.
func (m *Manager) AddFile(id string, meta drawbridge.FileMeta) error {
	sess, err := m.lockSession(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	sess.files[meta.ID] = meta
	if err := m.store.WriteFilesMeta(id, sess.files); err != nil {
		m.logger.Error("failed to persist files metadata", "session_id", id, "error", err)
	}
	sess.broadcastLocked(Message{Type: MessageFileAdded, File: &meta}, nil)
	return nil
}

// FileMeta looks up one file's metadata in a session.
func (m *Manager) FileMeta(id, fileID string) (drawbridge.FileMeta, bool, error) {
	sess, err := m.lockSession(id)
	if err != nil {
		return drawbridge.FileMeta{}, false, err
	}
	defer sess.mu.Unlock()
	meta, ok := sess.files[fileID]
	return meta, ok, nil
}

// Subscribe attaches a new subscriber to the session and queues the
// initial state: an elements message with the current version, a
// viewport message if a viewport is set, and a files-meta message if
// any file metadata exists.
func (m *Manager) Subscribe(id string) (*Subscriber, error) {
	sess, err := m.lockSession(id)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	if sess.evictTimer != nil {
		sess.evictTimer.Stop()
		sess.evictTimer = nil
	}

	sub := newSubscriber()
	sess.subscribers[sub.id] = sub
	metricClientsConnected.Inc()

	sub.send(elementsMessage(sess.scene, sess.version, ""))
	if sess.scene.Viewport != nil {
		sub.send(Message{Type: MessageViewport, Viewport: sess.scene.Viewport})
	}
	if len(sess.files) > 0 {
		files := make(map[string]drawbridge.FileMeta, len(sess.files))
		for k, v := range sess.files {
			files[k] = v
		}
		sub.send(Message{Type: MessageFilesMeta, Files: files})
	}
	return sub, nil
}

// Unsubscribe detaches a subscriber. Any pending debounced log append
// is flushed immediately so nothing is lost. When the subscriber set
// empties, eviction is scheduled.
func (m *Manager) Unsubscribe(id string, sub *Subscriber) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		sub.close()
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, attached := sess.subscribers[sub.id]; attached {
		delete(sess.subscribers, sub.id)
		metricClientsConnected.Dec()
	}
	sub.close()
	m.flushPendingUpdateLocked(sess)

	if len(sess.subscribers) == 0 {
		if sess.evictTimer != nil {
			sess.evictTimer.Stop()
		}
		sess.evictTimer = time.AfterFunc(m.evictAfter, func() {
			m.maybeEvict(id)
		})
	}
}

// HandleUpdate processes a subscriber's full-replacement proposal.
// Stale proposals (baseVersion below the current version) earn the
// sender a corrective elements message and touch nothing. Accepted
// proposals are applied and fanned out to every other subscriber; the
// log append is debounced so bursts of drags coalesce into one entry.
func (m *Manager) HandleUpdate(id string, sub *Subscriber, update ClientUpdate) error {
	sess, err := m.lockSession(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	if update.BaseVersion != nil && *update.BaseVersion < sess.version {
		metricStaleUpdates.Inc()
		sub.send(elementsMessage(sess.scene, sess.version, SourceVersionCorrection))
		return nil
	}

	op := drawbridge.UpdateOp(update.Elements)
	sess.scene.Apply(op)
	sess.version++
	m.scheduleUpdateLogLocked(sess)
	sess.broadcastLocked(elementsMessage(sess.scene, sess.version, ""), sub)
	metricMutationsTotal.WithLabelValues(string(drawbridge.OpUpdate)).Inc()
	return nil
}

// scheduleUpdateLogLocked arms (or re-arms) the debounce timer for
// logging the session's latest subscriber update.
func (m *Manager) scheduleUpdateLogLocked(sess *Session) {
	sess.pendingUpdate = true
	if sess.updateTimer != nil {
		sess.updateTimer.Stop()
	}
	sess.updateTimer = time.AfterFunc(m.updateDebounce, func() {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		m.flushPendingUpdateLocked(sess)
	})
}

// flushPendingUpdateLocked writes the coalesced update operation to the
// log if one is pending. Callers must hold sess.mu.
func (m *Manager) flushPendingUpdateLocked(sess *Session) {
	if !sess.pendingUpdate {
		return
	}
	sess.pendingUpdate = false
	if sess.updateTimer != nil {
		sess.updateTimer.Stop()
		sess.updateTimer = nil
	}
	op := drawbridge.UpdateOp(sess.scene.Elements)
	if err := m.store.AppendLog(sess.id, op); err != nil {
		m.logger.Error("failed to append coalesced update",
			"session_id", sess.id, "error", err)
	}
}

// maybeEvict removes a session from memory if it is still without
// subscribers when its eviction timer fires. Non-empty scenes are
// snapshotted first; disk state survives eviction either way. The flush
// and the map delete happen under the map write lock, and the session
// is marked evicted, so a concurrent load or subscribe either sees the
// live session or a fully compacted one, never the window in between.
func (m *Manager) maybeEvict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.subscribers) > 0 {
		return
	}

	m.flushPendingUpdateLocked(sess)
	if sess.scene.ElementCount() > 0 {
		m.writeSnapshotLocked(sess)
	}
	sess.evicted = true
	delete(m.sessions, id)
	metricSessionsInMemory.Dec()
	m.logger.Info("session evicted", "session_id", id)
}

// flushLoop periodically snapshots in-memory sessions whose snapshot is
// older than the configured interval.
func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flushStale()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) flushStale() {
	for _, sess := range m.snapshotSessions() {
		sess.mu.Lock()
		stale := time.Since(sess.lastSnapshotAt) >= m.snapshotInterval
		if stale && sess.scene.ElementCount() > 0 {
			m.writeSnapshotLocked(sess)
		}
		sess.mu.Unlock()
	}
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Info is a lightweight session summary for listings.
type Info struct {
	ID           string `json:"id"`
	ElementCount int    `json:"elementCount"`
	ClientCount  int    `json:"clientCount"`
}

// Sessions summarizes every in-memory session.
func (m *Manager) Sessions() []Info {
	sessions := m.snapshotSessions()
	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		infos = append(infos, Info{
			ID:           sess.id,
			ElementCount: sess.scene.ElementCount(),
			ClientCount:  len(sess.subscribers),
		})
		sess.mu.Unlock()
	}
	return infos
}

// Stats returns the in-memory session count and total subscriber count.
func (m *Manager) Stats() (sessions, clients int) {
	for _, info := range m.Sessions() {
		sessions++
		clients += info.ClientCount
	}
	return sessions, clients
}

// Shutdown stops the background flusher, flushes any pending debounced
// log appends, snapshots every non-empty session, and closes all
// subscribers. Individual snapshot failures are logged and do not block
// the rest.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	for _, sess := range m.snapshotSessions() {
		sess.mu.Lock()
		m.flushPendingUpdateLocked(sess)
		if sess.scene.ElementCount() > 0 {
			m.writeSnapshotLocked(sess)
		}
		for id, sub := range sess.subscribers {
			delete(sess.subscribers, id)
			sub.close()
			metricClientsConnected.Dec()
		}
		if sess.evictTimer != nil {
			sess.evictTimer.Stop()
			sess.evictTimer = nil
		}
		sess.mu.Unlock()
	}
	m.logger.Info("session manager shut down")
}
