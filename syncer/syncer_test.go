package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/projectsync/cache"
	"github.com/clipforge/projectsync/document"
	"github.com/clipforge/projectsync/models"
	"github.com/clipforge/projectsync/remote"
)

const (
	testUser    = "user-1"
	testProject = "proj-1"
	testBranch  = "main"
)

// fakeClock drives the push scheduler deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	stopped := t.stopped
	t.stopped = true
	return !stopped
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and fires every due, unstopped timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(c.now) {
			t.stopped = true
			due = append(due, t)
		} else if !t.stopped {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// countingStore counts head writes on top of the in-memory store.
type countingStore struct {
	*remote.MemoryStore
	puts int32
}

func (s *countingStore) PutHead(ctx context.Context, userID, projectID, branchID string, head *models.BranchHead) error {
	if err := s.MemoryStore.PutHead(ctx, userID, projectID, branchID, head); err != nil {
		return err
	}
	atomic.AddInt32(&s.puts, 1)
	return nil
}

func (s *countingStore) Puts() int32 {
	return atomic.LoadInt32(&s.puts)
}

func seedHead(t *testing.T, store remote.BranchStore, name string, clips []document.Clip) *models.BranchHead {
	t.Helper()
	doc := document.New()
	_, err := doc.Change("seed", func(d *document.Doc) error {
		if err := d.SetName(name); err != nil {
			return err
		}
		return d.SetClips(clips)
	})
	require.NoError(t, err)

	head := &models.BranchHead{
		CommitID:  ulid.Make().String(),
		State:     doc.Save(),
		Timestamp: time.Now().UnixMilli(),
		Author:    "seeder",
		SessionID: "seed-session",
	}
	require.NoError(t, store.PutHead(context.Background(), testUser, testProject, testBranch, head))
	return head
}

func threeClips() []document.Clip {
	return []document.Clip{
		{ID: "clip-1", LayerID: "layer-1", Name: "intro", Start: 0, Duration: 4.5},
		{ID: "clip-2", LayerID: "layer-1", Name: "interview", Start: 4.5, Duration: 20},
		{ID: "clip-3", LayerID: "layer-1", Name: "outro", Start: 24.5, Duration: 3},
	}
}

type managerEnv struct {
	m     *Manager
	store *countingStore
	clock *fakeClock
	cache *cache.Cache
}

func newManagerEnv(t *testing.T, seed bool) *managerEnv {
	t.Helper()
	store := &countingStore{MemoryStore: remote.NewMemoryStore()}
	if seed {
		seedHead(t, store.MemoryStore, "Launch Video", threeClips())
	}

	clock := newFakeClock()
	c := cache.Open(filepath.Join(t.TempDir(), "syncer.cache"))
	t.Cleanup(c.Close)

	m := New(Config{
		UserID:           testUser,
		ProjectID:        testProject,
		BranchID:         testBranch,
		Store:            store,
		Cache:            c,
		DebounceInterval: 100 * time.Millisecond,
		Clock:            clock,
	})
	t.Cleanup(m.Destroy)

	require.NoError(t, m.Initialize(context.Background()))
	if seed {
		// The remote fetch runs in the background; wait for the merge.
		require.Eventually(t, func() bool {
			clips, err := m.Document().Clips()
			return err == nil && len(clips) == 3
		}, time.Second, 5*time.Millisecond)
	}
	return &managerEnv{m: m, store: store, clock: clock, cache: c}
}

func setName(name string) func(*document.Doc) error {
	return func(d *document.Doc) error { return d.SetName(name) }
}

func docName(t *testing.T, doc *document.Doc) string {
	t.Helper()
	name, err := doc.Name()
	require.NoError(t, err)
	return name
}

func TestApplyChangeRequiresInitialize(t *testing.T) {
	m := New(Config{
		UserID:    testUser,
		ProjectID: testProject,
		BranchID:  testBranch,
		Store:     remote.NewMemoryStore(),
	})
	err := m.ApplyChange(context.Background(), setName("nope"), "rename")
	require.ErrorIs(t, err, models.ErrNotInitialized)

	m.Destroy()
	require.ErrorIs(t, m.Initialize(context.Background()), models.ErrNotInitialized)
}

func TestInitializeFromCachePublishesImmediately(t *testing.T) {
	store := remote.NewMemoryStore()
	store.SetFailing(true) // fully offline: only the cache can serve

	c := cache.Open(filepath.Join(t.TempDir(), "syncer.cache"))
	defer c.Close()

	doc := document.New()
	_, err := doc.Change("seed", func(d *document.Doc) error {
		return d.SetName("Cached Cut")
	})
	require.NoError(t, err)
	c.Save(testProject, testBranch, doc)

	var published atomic.Int32
	m := New(Config{
		UserID:    testUser,
		ProjectID: testProject,
		BranchID:  testBranch,
		Store:     store,
		Cache:     c,
		OnUpdate: func(d *document.Doc) {
			published.Add(1)
		},
	})
	defer m.Destroy()

	require.NoError(t, m.Initialize(context.Background()))
	require.False(t, m.IsOnline())
	require.GreaterOrEqual(t, published.Load(), int32(1))
	require.Equal(t, "Cached Cut", docName(t, m.Document()))
}

func TestUndoRedoInverse(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	names := []string{"Cut A", "Cut B", "Cut C"}
	for _, name := range names {
		require.NoError(t, env.m.ApplyChange(ctx, setName(name), "rename to "+name))
	}
	afterThird := env.m.Document().Fingerprint()

	for range names {
		require.NoError(t, env.m.Undo())
	}
	require.Equal(t, "Launch Video", docName(t, env.m.Document()))
	require.False(t, env.m.CanUndo())
	require.True(t, env.m.CanRedo())

	for range names {
		require.NoError(t, env.m.Redo())
	}
	require.Equal(t, "Cut C", docName(t, env.m.Document()))
	require.Equal(t, afterThird, env.m.Document().Fingerprint())
	require.False(t, env.m.CanRedo())
}

func TestUndoOnEmptyStackIsNoOp(t *testing.T) {
	env := newManagerEnv(t, true)
	fp := env.m.Document().Fingerprint()
	require.NoError(t, env.m.Undo())
	require.Equal(t, fp, env.m.Document().Fingerprint())
}

func TestRedoClearedOnNewChange(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	require.NoError(t, env.m.ApplyChange(ctx, setName("Cut A"), "rename"))
	require.NoError(t, env.m.Undo())
	require.True(t, env.m.CanRedo())

	require.NoError(t, env.m.ApplyChange(ctx, setName("Cut B"), "rename"))
	require.False(t, env.m.CanRedo())

	// Redo is now a no-op until another undo.
	fp := env.m.Document().Fingerprint()
	require.NoError(t, env.m.Redo())
	require.Equal(t, fp, env.m.Document().Fingerprint())
}

func TestNoOpChangeLeavesUndoStackAlone(t *testing.T) {
	env := newManagerEnv(t, true)
	err := env.m.ApplyChange(context.Background(), func(d *document.Doc) error {
		return d.RemoveClip("no-such-clip")
	}, "noop")
	require.NoError(t, err)
	require.False(t, env.m.CanUndo())
}

func TestUndoDepthIsBounded(t *testing.T) {
	store := &countingStore{MemoryStore: remote.NewMemoryStore()}
	m := New(Config{
		UserID:       testUser,
		ProjectID:    testProject,
		BranchID:     testBranch,
		Store:        store,
		MaxUndoDepth: 2,
		Clock:        newFakeClock(),
	})
	defer m.Destroy()
	require.NoError(t, m.Initialize(context.Background()))

	ctx := context.Background()
	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, m.ApplyChange(ctx, setName(name), "rename"))
	}

	require.NoError(t, m.Undo())
	require.NoError(t, m.Undo())
	require.False(t, m.CanUndo())
	// The oldest snapshot was dropped; two undos land on "A", not the seed.
	require.Equal(t, "A", docName(t, m.Document()))
}

func TestDebounceCollapsesBurstIntoOneWrite(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()
	base := env.store.Puts()

	for _, name := range []string{"Cut A", "Cut B", "Cut C"} {
		require.NoError(t, env.m.ApplyChange(ctx, setName(name), "rename"))
	}
	require.Equal(t, base, env.store.Puts())

	env.clock.Advance(150 * time.Millisecond)
	require.Equal(t, base+1, env.store.Puts())

	head, err := env.store.GetHead(ctx, testUser, testProject, testBranch)
	require.NoError(t, err)
	pushed, err := document.Load(head.State)
	require.NoError(t, err)
	require.Equal(t, "Cut C", docName(t, pushed))
}

func TestThrottleFloorDelaysNextBurst(t *testing.T) {
	store := &countingStore{MemoryStore: remote.NewMemoryStore()}
	seedHead(t, store.MemoryStore, "Launch Video", threeClips())
	clock := newFakeClock()

	m := New(Config{
		UserID:           testUser,
		ProjectID:        testProject,
		BranchID:         testBranch,
		Store:            store,
		DebounceInterval: 100 * time.Millisecond,
		MinSyncInterval:  time.Second,
		Clock:            clock,
	})
	defer m.Destroy()
	require.NoError(t, m.Initialize(context.Background()))
	require.Eventually(t, func() bool {
		clips, err := m.Document().Clips()
		return err == nil && len(clips) == 3
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	base := store.Puts()

	require.NoError(t, m.ApplyChange(ctx, setName("Cut A"), "rename"))
	clock.Advance(100 * time.Millisecond)
	require.Equal(t, base+1, store.Puts())

	// Within the floor: the next burst fires no earlier than one second
	// after the previous push.
	require.NoError(t, m.ApplyChange(ctx, setName("Cut B"), "rename"))
	clock.Advance(500 * time.Millisecond)
	require.Equal(t, base+1, store.Puts())
	clock.Advance(600 * time.Millisecond)
	require.Equal(t, base+2, store.Puts())
}

func TestOfflineEditsCollapseToOneWriteOnReconnect(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.m.SetOnline(false)
	base := env.store.Puts()

	edits := []func(*document.Doc) error{
		func(d *document.Doc) error { return d.RemoveClip("clip-3") },
		setName("Offline Cut"),
		func(d *document.Doc) error { return d.SetSetting("fps", int64(24)) },
	}
	for _, edit := range edits {
		require.NoError(t, env.m.ApplyChange(ctx, edit, "offline edit"))
	}

	// Debounce timers fire while offline; nothing reaches the store.
	env.clock.Advance(time.Second)
	require.Equal(t, base, env.store.Puts())

	// Each edit was cached locally.
	cached := env.cache.Load(testProject, testBranch)
	require.NotNil(t, cached)
	require.Equal(t, "Offline Cut", docName(t, cached))

	env.m.SetOnline(true)
	require.Equal(t, base+1, env.store.Puts())

	head, err := env.store.GetHead(ctx, testUser, testProject, testBranch)
	require.NoError(t, err)
	require.Equal(t, testUser, head.Author)

	pushed, err := document.Load(head.State)
	require.NoError(t, err)
	require.Equal(t, "Offline Cut", docName(t, pushed))
	clips, err := pushed.Clips()
	require.NoError(t, err)
	require.Len(t, clips, 2)
	settings, err := pushed.Settings()
	require.NoError(t, err)
	require.EqualValues(t, 24, settings["fps"])
}

func TestSelfWriteEchoIsSuppressed(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	require.NoError(t, env.m.ApplyChange(ctx, setName("Cut A"), "rename"))
	require.NoError(t, env.m.ForceSyncToRemote(ctx))

	head, err := env.store.GetHead(ctx, testUser, testProject, testBranch)
	require.NoError(t, err)
	require.Equal(t, env.m.SessionID(), head.SessionID)

	fp := env.m.Document().Fingerprint()

	// Replay the session's own head as a fresh subscription delivery.
	echo := *head
	echo.Timestamp = head.Timestamp + 10
	require.NoError(t, env.store.MemoryStore.PutHead(ctx, testUser, testProject, testBranch, &echo))

	require.Equal(t, fp, env.m.Document().Fingerprint())
}

func TestRemoteChangeIsMergedAndCached(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	// Another client edits the same branch, descended from the same head.
	head, err := env.store.GetHead(ctx, testUser, testProject, testBranch)
	require.NoError(t, err)
	other, err := document.Load(head.State)
	require.NoError(t, err)
	_, err = other.Change("remote add", func(d *document.Doc) error {
		return d.AddClip(document.Clip{ID: "clip-4", LayerID: "layer-1", Name: "credits", Start: 27.5, Duration: 5})
	})
	require.NoError(t, err)

	require.NoError(t, env.store.MemoryStore.PutHead(ctx, testUser, testProject, testBranch, &models.BranchHead{
		CommitID:  ulid.Make().String(),
		State:     other.Save(),
		Timestamp: time.Now().UnixMilli() + 1000,
		Author:    "user-2",
		SessionID: "other-session",
	}))

	clips, err := env.m.Document().Clips()
	require.NoError(t, err)
	require.Len(t, clips, 4)

	cached := env.cache.Load(testProject, testBranch)
	require.NotNil(t, cached)
	cachedClips, err := cached.Clips()
	require.NoError(t, err)
	require.Len(t, cachedClips, 4)
}

func TestStaleRemoteHeadIsIgnored(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	head, err := env.store.GetHead(ctx, testUser, testProject, testBranch)
	require.NoError(t, err)
	fp := env.m.Document().Fingerprint()

	stale := *head
	stale.SessionID = "other-session"
	stale.Timestamp = 1 // far in the past
	require.NoError(t, env.store.MemoryStore.PutHead(ctx, testUser, testProject, testBranch, &stale))

	require.Equal(t, fp, env.m.Document().Fingerprint())
}

func TestDestroyDetachesSubscription(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.m.Destroy()
	fp := env.m.Document().Fingerprint()

	require.NoError(t, env.store.MemoryStore.PutHead(ctx, testUser, testProject, testBranch, &models.BranchHead{
		CommitID:  ulid.Make().String(),
		State:     seedDocBytes(t, "After Destroy"),
		Timestamp: time.Now().UnixMilli() + 2000,
		Author:    "user-2",
		SessionID: "other-session",
	}))

	require.Equal(t, fp, env.m.Document().Fingerprint())
	require.ErrorIs(t, env.m.ApplyChange(ctx, setName("nope"), "rename"), models.ErrNotInitialized)
}

func seedDocBytes(t *testing.T, name string) []byte {
	t.Helper()
	doc := document.New()
	_, err := doc.Change("seed", func(d *document.Doc) error {
		return d.SetName(name)
	})
	require.NoError(t, err)
	return doc.Save()
}

func TestFailedMutatorLeavesSessionUntouched(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()
	base := env.store.Puts()
	fp := env.m.Document().Fingerprint()

	err := env.m.ApplyChange(ctx, func(d *document.Doc) error {
		if err := d.SetName("Partial"); err != nil {
			return err
		}
		return errors.New("asset lookup failed")
	}, "rename")
	require.Error(t, err)

	require.Equal(t, fp, env.m.Document().Fingerprint())
	require.Equal(t, "Launch Video", docName(t, env.m.Document()))
	require.False(t, env.m.CanUndo())

	// Nothing was scheduled for push either.
	env.clock.Advance(time.Second)
	require.Equal(t, base, env.store.Puts())
}

func TestFirstSyncEstablishesBranchMetadata(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()

	branches, err := env.store.ListBranches(ctx, testUser, testProject)
	require.NoError(t, err)
	require.Empty(t, branches)

	require.NoError(t, env.m.ApplyChange(ctx, setName("Cut A"), "rename"))
	env.clock.Advance(150 * time.Millisecond)

	branches, err = env.store.ListBranches(ctx, testUser, testProject)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	require.Equal(t, models.MainBranch, branches[0].ID)
	require.Equal(t, testUser, branches[0].CreatedBy)
	require.True(t, branches[0].IsProtected)
}

func TestSubscriptionAttachRetriedOnReconnect(t *testing.T) {
	store := remote.NewMemoryStore()
	store.SetFailing(true) // unreachable throughout Initialize

	m := New(Config{
		UserID:    testUser,
		ProjectID: testProject,
		BranchID:  testBranch,
		Store:     store,
		Clock:     newFakeClock(),
	})
	defer m.Destroy()
	require.NoError(t, m.Initialize(context.Background()))
	require.False(t, m.IsOnline())

	store.SetFailing(false)
	m.SetOnline(true)

	// The reconnect re-attached the feed, so another client's write lands.
	ctx := context.Background()
	require.NoError(t, store.PutHead(ctx, testUser, testProject, testBranch, &models.BranchHead{
		CommitID:  ulid.Make().String(),
		State:     seedDocBytes(t, "After Reconnect"),
		Timestamp: time.Now().UnixMilli(),
		Author:    "user-2",
		SessionID: "other-session",
	}))
	require.Equal(t, "After Reconnect", docName(t, m.Document()))
}

func TestWatcherDrivesOnlineFlag(t *testing.T) {
	store := &countingStore{MemoryStore: remote.NewMemoryStore()}
	clock := newFakeClock()

	m := New(Config{
		UserID:       testUser,
		ProjectID:    testProject,
		BranchID:     testBranch,
		Store:        store,
		PingInterval: 100 * time.Millisecond,
		Clock:        clock,
	})
	defer m.Destroy()
	require.NoError(t, m.Initialize(context.Background()))
	require.True(t, m.IsOnline())

	store.SetFailing(true)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return !m.IsOnline()
	}, time.Second, 5*time.Millisecond)

	store.SetFailing(false)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return m.IsOnline()
	}, time.Second, 5*time.Millisecond)
}

func TestFailedPushStaysDirtyAndRetries(t *testing.T) {
	env := newManagerEnv(t, true)
	ctx := context.Background()
	base := env.store.Puts()

	require.NoError(t, env.m.ApplyChange(ctx, setName("Cut A"), "rename"))

	// The store goes down mid-flight; the manager still believes it is
	// online, so the push runs and fails.
	env.store.SetFailing(true)
	env.clock.Advance(150 * time.Millisecond)
	require.Equal(t, base, env.store.Puts())

	env.store.SetFailing(false)
	require.NoError(t, env.m.ForceSyncToRemote(ctx))
	require.Equal(t, base+1, env.store.Puts())
}
