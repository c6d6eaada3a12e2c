package remote

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/clipforge/projectsync/models"
)

// MemoryStore is an in-process BranchStore with the same contract as the
// durable one. It backs tests and embedded/offline development; deliveries to
// subscribers are synchronous.
type MemoryStore struct {
	mu       sync.RWMutex
	heads    map[storeKey]*models.BranchHead
	branches map[storeKey]*models.BranchMetadata
	commits  map[storeKey][]*models.Commit
	subs     map[storeKey][]*memorySub
	failing  bool
}

type storeKey struct {
	userID    string
	projectID string
	branchID  string
}

type memorySub struct {
	onChange func(*models.BranchHead)
	active   bool
}

var errStoreUnavailable = errors.New("remote store unavailable")

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		heads:    make(map[storeKey]*models.BranchHead),
		branches: make(map[storeKey]*models.BranchMetadata),
		commits:  make(map[storeKey][]*models.Commit),
		subs:     make(map[storeKey][]*memorySub),
	}
}

// SetFailing toggles simulated unavailability: while failing, every call
// errors the way an unreachable store would.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryStore) GetHead(ctx context.Context, userID, projectID, branchID string) (*models.BranchHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, errStoreUnavailable
	}
	head, ok := s.heads[storeKey{userID, projectID, branchID}]
	if !ok {
		return nil, nil
	}
	return copyHead(head), nil
}

func (s *MemoryStore) PutHead(ctx context.Context, userID, projectID, branchID string, head *models.BranchHead) error {
	key := storeKey{userID, projectID, branchID}

	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return errStoreUnavailable
	}

	parentCommit := ""
	if prev, ok := s.heads[key]; ok {
		parentCommit = prev.CommitID
	}
	s.heads[key] = copyHead(head)
	s.commits[key] = append(s.commits[key], &models.Commit{
		ID:           head.CommitID,
		BranchID:     branchID,
		Author:       head.Author,
		Timestamp:    head.Time(),
		ParentCommit: parentCommit,
	})

	subs := make([]*memorySub, 0, len(s.subs[key]))
	for _, sub := range s.subs[key] {
		if sub.active {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(copyHead(head))
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, userID, projectID, branchID string, onChange func(*models.BranchHead)) (func(), error) {
	key := storeKey{userID, projectID, branchID}
	sub := &memorySub{onChange: onChange, active: true}

	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return nil, errStoreUnavailable
	}
	s.subs[key] = append(s.subs[key], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		sub.active = false
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) GetBranch(ctx context.Context, userID, projectID, branchID string) (*models.BranchMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, errStoreUnavailable
	}
	meta, ok := s.branches[storeKey{userID, projectID, branchID}]
	if !ok {
		return nil, nil
	}
	cp := *meta
	return &cp, nil
}

func (s *MemoryStore) PutBranch(ctx context.Context, userID, projectID string, meta *models.BranchMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreUnavailable
	}
	cp := *meta
	s.branches[storeKey{userID, projectID, meta.ID}] = &cp
	return nil
}

func (s *MemoryStore) ListBranches(ctx context.Context, userID, projectID string) ([]*models.BranchMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, errStoreUnavailable
	}
	branches := make([]*models.BranchMetadata, 0)
	for key, meta := range s.branches {
		if key.userID == userID && key.projectID == projectID {
			cp := *meta
			branches = append(branches, &cp)
		}
	}
	sort.Slice(branches, func(i, j int) bool {
		if branches[i].IsProtected != branches[j].IsProtected {
			return branches[i].IsProtected
		}
		return branches[i].Name < branches[j].Name
	})
	return branches, nil
}

func (s *MemoryStore) DeleteBranch(ctx context.Context, userID, projectID, branchID string) error {
	key := storeKey{userID, projectID, branchID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreUnavailable
	}
	delete(s.heads, key)
	delete(s.branches, key)
	delete(s.commits, key)
	return nil
}

func (s *MemoryStore) ListCommits(ctx context.Context, userID, projectID, branchID string, limit int) ([]*models.Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, errStoreUnavailable
	}
	log := s.commits[storeKey{userID, projectID, branchID}]
	commits := make([]*models.Commit, 0, len(log))
	for _, c := range log {
		cp := *c
		commits = append(commits, &cp)
	}
	// ULID ids sort by creation time
	sort.Slice(commits, func(i, j int) bool { return commits[i].ID > commits[j].ID })
	if len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return errStoreUnavailable
	}
	return nil
}

func copyHead(h *models.BranchHead) *models.BranchHead {
	cp := *h
	cp.State = make([]byte, len(h.State))
	copy(cp.State, h.State)
	return &cp
}
