// Package projectsync assembles the synchronization engine: the durable
// branch store, the Redis change feed, and the local document cache, plus a
// constructor for per-branch sync sessions. Hosts open one Engine per process
// and one session per open (project, branch).
package projectsync

import (
	"context"

	"github.com/clipforge/projectsync/cache"
	"github.com/clipforge/projectsync/config"
	"github.com/clipforge/projectsync/document"
	"github.com/clipforge/projectsync/pubsub"
	"github.com/clipforge/projectsync/remote"
	"github.com/clipforge/projectsync/syncer"
)

// Engine holds the process-wide shared infrastructure. The store and cache
// are shared across all sessions; each session exclusively owns its own
// document and undo/redo stacks.
type Engine struct {
	cfg    *config.Config
	Cache  *cache.Cache
	Store  remote.BranchStore
	pubsub *pubsub.PubSub
}

// Open connects to Redis and Postgres and opens the local cache.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	ps, err := pubsub.New(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	store, err := remote.NewPostgresStore(ctx, cfg.DatabaseURL, ps)
	if err != nil {
		ps.Close()
		return nil, err
	}

	return &Engine{
		cfg:    cfg,
		Cache:  cache.Open(cfg.CachePath),
		Store:  store,
		pubsub: ps,
	}, nil
}

// OpenSession constructs a sync manager for one (project, branch), tuned
// from the engine's configuration. The caller must Initialize it before the
// first change and Destroy it when the branch is closed.
func (e *Engine) OpenSession(userID, projectID, branchID string, onUpdate func(*document.Doc)) *syncer.Manager {
	return syncer.New(syncer.Config{
		UserID:           userID,
		ProjectID:        projectID,
		BranchID:         branchID,
		Store:            e.Store,
		Cache:            e.Cache,
		OnUpdate:         onUpdate,
		DebounceInterval: e.cfg.DebounceInterval,
		MinSyncInterval:  e.cfg.MinSyncInterval,
		PingInterval:     e.cfg.PingInterval,
		MaxUndoDepth:     e.cfg.MaxUndoDepth,
	})
}

// Close releases the engine's connections and the cache file. Sessions must
// be destroyed first.
func (e *Engine) Close() {
	if s, ok := e.Store.(*remote.PostgresStore); ok {
		s.Close()
	}
	e.pubsub.Close()
	e.Cache.Close()
}
