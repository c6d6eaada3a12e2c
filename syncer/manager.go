// Package syncer is the synchronization engine for one open (project,
// branch) session. A Manager owns the live in-memory document, the local
// undo/redo stacks, the online flag, and the debounced remote push; it keeps
// the local cache write-through and folds other clients' remote writes into
// the document as they arrive.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/clipforge/projectsync/cache"
	"github.com/clipforge/projectsync/document"
	"github.com/clipforge/projectsync/logger"
	"github.com/clipforge/projectsync/models"
	"github.com/clipforge/projectsync/remote"
)

// Config wires a Manager to its stores and tunes its scheduling.
type Config struct {
	UserID    string
	ProjectID string
	BranchID  string

	Store remote.BranchStore
	Cache *cache.Cache

	// OnUpdate is invoked with the current document after every successful
	// local change, undo/redo, or merged remote change.
	OnUpdate func(*document.Doc)

	DebounceInterval time.Duration
	MinSyncInterval  time.Duration

	// PingInterval drives the connectivity watcher. Zero disables the
	// watcher; hosts then drive the online flag through SetOnline.
	PingInterval time.Duration

	MaxUndoDepth int

	// Clock is swapped for a fake in tests. Nil means wall clock.
	Clock Clock
}

type undoEntry struct {
	snapshot    *document.Doc
	description string
	timestamp   time.Time
}

// Manager is the sync session for one (project, branch). Construct with New,
// call Initialize before the first change, Destroy when the branch is closed.
// One Manager per open branch; instances never share document state.
type Manager struct {
	cfg       Config
	clock     Clock
	sessionID string
	log       *logger.ComponentLogger

	mu                  sync.Mutex
	doc                 *document.Doc
	initialized         bool
	destroyed           bool
	online              bool
	dirty               bool
	undoStack           []undoEntry
	redoStack           []undoEntry
	lastRemoteTimestamp int64
	metaEnsured         bool

	sched         *pushScheduler
	unsubscribe   func()
	watcherCancel context.CancelFunc
}

// New creates a Manager. No I/O happens until Initialize.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 2 * time.Second
	}
	if cfg.MaxUndoDepth <= 0 {
		cfg.MaxUndoDepth = 100
	}

	m := &Manager{
		cfg:       cfg,
		clock:     cfg.Clock,
		sessionID: uuid.New().String(),
		log:       logger.Component(fmt.Sprintf("syncer[%s:%s]", cfg.ProjectID, cfg.BranchID)),
	}
	m.sched = newPushScheduler(cfg.Clock, cfg.DebounceInterval, cfg.MinSyncInterval, m.pushToRemote)
	return m
}

// Initialize brings the session to Ready: cached document first, so the user
// sees something before any network round trip, then a
// non-blocking remote fetch-and-merge, then the change subscription and the
// connectivity watcher. Degrades gracefully on everything except its own
// lifecycle misuse.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return models.ErrNotInitialized
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}

	var cached *document.Doc
	if m.cfg.Cache != nil {
		cached = m.cfg.Cache.Load(m.cfg.ProjectID, m.cfg.BranchID)
	}
	if cached != nil {
		m.doc = cached
		m.log.Debug("loaded cached document")
	} else {
		// Placeholder so mutation can begin before the remote fetch lands.
		m.doc = document.New()
	}

	m.online = m.cfg.Store.Ping(ctx) == nil
	m.initialized = true
	doc := m.doc
	m.mu.Unlock()

	if cached != nil {
		m.notify(doc)
	}

	if m.isOnline() {
		go m.fetchAndMergeRemote(context.Background())
	}

	// Attached regardless of the online flag, so a later reconnect starts
	// receiving pushes without re-initializing. A failed attach is retried
	// from the reconnect path.
	m.attachSubscription(ctx)

	if m.cfg.PingInterval > 0 {
		watcherCtx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.watcherCancel = cancel
		m.mu.Unlock()
		go m.runWatcher(watcherCtx)
	}

	m.log.Info("initialized (session %s, online=%v)", m.sessionID, m.isOnline())
	return nil
}

// ApplyChange runs the mutator against the document. On an effective change
// the pre-change snapshot goes onto the undo stack, the redo stack is
// cleared, the local cache is written before returning, and a debounced
// remote push is scheduled.
func (m *Manager) ApplyChange(ctx context.Context, mutator func(*document.Doc) error, description string) error {
	m.mu.Lock()
	if !m.initialized || m.destroyed {
		m.mu.Unlock()
		return models.ErrNotInitialized
	}

	snapshot, err := m.doc.Clone()
	if err != nil {
		m.mu.Unlock()
		return err
	}

	changed, err := m.doc.Change(description, mutator)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !changed {
		m.mu.Unlock()
		return nil
	}

	m.undoStack = append(m.undoStack, undoEntry{
		snapshot:    snapshot,
		description: description,
		timestamp:   m.clock.Now(),
	})
	if len(m.undoStack) > m.cfg.MaxUndoDepth {
		m.undoStack = m.undoStack[len(m.undoStack)-m.cfg.MaxUndoDepth:]
	}
	m.redoStack = nil
	m.dirty = true

	m.saveToCacheLocked()
	doc := m.doc
	m.mu.Unlock()

	m.notify(doc)
	m.sched.Schedule()
	return nil
}

// Undo restores the most recent snapshot. An empty stack is a reported
// no-op, not an error.
func (m *Manager) Undo() error {
	return m.restore(true)
}

// Redo is the mirror of Undo.
func (m *Manager) Redo() error {
	return m.restore(false)
}

func (m *Manager) restore(undo bool) error {
	m.mu.Lock()
	if !m.initialized || m.destroyed {
		m.mu.Unlock()
		return models.ErrNotInitialized
	}

	from, to := &m.undoStack, &m.redoStack
	if !undo {
		from, to = to, from
	}
	if len(*from) == 0 {
		m.mu.Unlock()
		m.log.Debug("nothing to %s", direction(undo))
		return nil
	}

	entry := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	*to = append(*to, undoEntry{
		snapshot:    m.doc,
		description: entry.description,
		timestamp:   m.clock.Now(),
	})

	m.doc = entry.snapshot
	m.dirty = true
	m.saveToCacheLocked()
	doc := m.doc
	m.mu.Unlock()

	m.notify(doc)
	m.sched.Schedule()
	return nil
}

func direction(undo bool) string {
	if undo {
		return "undo"
	}
	return "redo"
}

// SessionID returns this session's write nonce. Every head this Manager
// pushes carries it, and the subscription drops records that echo it back.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack) > 0
}

// Document returns the live document. Callers treat it as read-only; all
// mutation goes through ApplyChange.
func (m *Manager) Document() *document.Doc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc
}

// IsOnline reports the current online flag.
func (m *Manager) IsOnline() bool {
	return m.isOnline()
}

func (m *Manager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline flips the online flag. Going online re-fetches and merges the
// remote head, then flushes any pending debounced write; going offline only
// flips the flag. Edits keep applying and caching locally.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.destroyed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	dirty := m.dirty
	m.mu.Unlock()

	m.log.Info("online=%v", online)
	if online {
		m.attachSubscription(context.Background())
		m.fetchAndMergeRemote(context.Background())
		if dirty {
			m.pushToRemote()
		}
	}
}

// ForceSyncToRemote pushes immediately, bypassing debounce and throttle.
func (m *Manager) ForceSyncToRemote(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized || m.destroyed {
		m.mu.Unlock()
		return models.ErrNotInitialized
	}
	m.mu.Unlock()

	m.sched.Stop()
	return m.push(ctx)
}

// Destroy tears the session down: subscription detached, timers cleared,
// stacks dropped. The shared cache and store stay open for other sessions.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.initialized = false
	m.undoStack = nil
	m.redoStack = nil
	unsub := m.unsubscribe
	cancel := m.watcherCancel
	m.mu.Unlock()

	m.sched.Stop()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	m.log.Info("destroyed")
}

// pushToRemote is the scheduler's flush target.
func (m *Manager) pushToRemote() {
	if err := m.push(context.Background()); err != nil {
		m.log.Error("remote push: %v", err)
	}
}

// push writes the current document to the branch head. Failures leave the
// session dirty so the next change or reconnect retries implicitly.
func (m *Manager) push(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized || m.destroyed || !m.dirty {
		m.mu.Unlock()
		return nil
	}
	if !m.online {
		// Stay dirty; the reconnect path flushes.
		m.mu.Unlock()
		return nil
	}

	commitID := ulid.Make().String()
	now := m.clock.Now()
	if _, err := m.doc.Change("sync", func(d *document.Doc) error {
		return d.SetMeta(document.Meta{
			BranchID:     m.cfg.BranchID,
			CommitID:     commitID,
			LastSyncedAt: now.UnixMilli(),
		})
	}); err != nil {
		m.mu.Unlock()
		return err
	}

	head := &models.BranchHead{
		CommitID:  commitID,
		State:     m.doc.Save(),
		Timestamp: now.UnixMilli(),
		Author:    m.cfg.UserID,
		SessionID: m.sessionID,
	}
	m.dirty = false
	m.mu.Unlock()

	if err := m.cfg.Store.PutHead(ctx, m.cfg.UserID, m.cfg.ProjectID, m.cfg.BranchID, head); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return fmt.Errorf("remote write: %w", err)
	}
	m.ensureBranchMeta(ctx, now)
	m.log.Debug("pushed commit %s", commitID)
	return nil
}

// ensureBranchMeta writes the branch's metadata record if the store has none,
// so a branch that only ever syncs through a session (main, typically) still
// shows up in branch listings. Checked once per session.
func (m *Manager) ensureBranchMeta(ctx context.Context, now time.Time) {
	m.mu.Lock()
	if m.metaEnsured {
		m.mu.Unlock()
		return
	}
	m.metaEnsured = true
	m.mu.Unlock()

	meta, err := m.cfg.Store.GetBranch(ctx, m.cfg.UserID, m.cfg.ProjectID, m.cfg.BranchID)
	if err != nil {
		m.mu.Lock()
		m.metaEnsured = false
		m.mu.Unlock()
		m.log.Warn("read branch metadata: %v", err)
		return
	}
	if meta != nil {
		return
	}

	err = m.cfg.Store.PutBranch(ctx, m.cfg.UserID, m.cfg.ProjectID, &models.BranchMetadata{
		ID:          m.cfg.BranchID,
		Name:        m.cfg.BranchID,
		CreatedAt:   now,
		CreatedBy:   m.cfg.UserID,
		IsProtected: m.cfg.BranchID == models.MainBranch,
	})
	if err != nil {
		m.mu.Lock()
		m.metaEnsured = false
		m.mu.Unlock()
		m.log.Warn("write branch metadata: %v", err)
	}
}

// attachSubscription attaches the remote change feed if it is not already
// attached. Called from Initialize and again on every reconnect, so a session
// opened while the store was unreachable still ends up subscribed.
func (m *Manager) attachSubscription(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed || m.unsubscribe != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	unsub, err := m.cfg.Store.Subscribe(ctx, m.cfg.UserID, m.cfg.ProjectID, m.cfg.BranchID, m.handleRemoteHead)
	if err != nil {
		m.log.Warn("subscribe: %v", err)
		return
	}

	m.mu.Lock()
	if m.destroyed || m.unsubscribe != nil {
		m.mu.Unlock()
		unsub()
		return
	}
	m.unsubscribe = unsub
	m.mu.Unlock()
}

// fetchAndMergeRemote reads the remote head and folds it into the in-memory
// document. Read failures are logged; local state stays authoritative.
func (m *Manager) fetchAndMergeRemote(ctx context.Context) {
	head, err := m.cfg.Store.GetHead(ctx, m.cfg.UserID, m.cfg.ProjectID, m.cfg.BranchID)
	if err != nil {
		m.log.Warn("remote read: %v", err)
		return
	}
	if head == nil {
		return
	}
	m.mergeHead(head, true)
}

// handleRemoteHead is the subscription callback: every write to the branch
// head lands here, including this session's own.
func (m *Manager) handleRemoteHead(head *models.BranchHead) {
	m.mergeHead(head, false)
}

// mergeHead folds a remote head into the in-memory document. Own-session
// echoes are dropped by nonce, stale records by timestamp. Timestamps are
// wall clocks, not vector clocks; concurrent writers with skewed clocks can
// be mis-ordered here, which costs a redundant merge, never lost data.
func (m *Manager) mergeHead(head *models.BranchHead, fetched bool) {
	m.mu.Lock()
	if !m.initialized || m.destroyed {
		m.mu.Unlock()
		return
	}
	if !fetched && head.SessionID == m.sessionID {
		m.mu.Unlock()
		m.log.Debug("ignoring own write %s", head.CommitID)
		return
	}
	if head.Timestamp <= m.lastRemoteTimestamp {
		m.mu.Unlock()
		m.log.Debug("ignoring stale head %s", head.CommitID)
		return
	}

	remoteDoc, err := document.Load(head.State)
	if err != nil {
		m.mu.Unlock()
		m.log.Error("remote head %s: %v", head.CommitID, err)
		return
	}

	merged, err := document.Merge(m.doc, remoteDoc)
	if err != nil {
		m.mu.Unlock()
		m.log.Error("merge remote head %s: %v", head.CommitID, err)
		return
	}

	m.doc = merged
	m.lastRemoteTimestamp = head.Timestamp
	m.saveToCacheLocked()
	doc := m.doc
	m.mu.Unlock()

	m.log.Debug("merged remote commit %s from %s", head.CommitID, head.Author)
	m.notify(doc)
}

func (m *Manager) saveToCacheLocked() {
	if m.cfg.Cache != nil {
		m.cfg.Cache.Save(m.cfg.ProjectID, m.cfg.BranchID, m.doc)
	}
}

func (m *Manager) notify(doc *document.Doc) {
	if m.cfg.OnUpdate != nil {
		m.cfg.OnUpdate(doc)
	}
}
