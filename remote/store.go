// Package remote is the authoritative branch store: per (user, project,
// branch) it keeps the head record, branch metadata, and an append-only
// commit log, and pushes every head write to subscribers.
package remote

import (
	"context"

	"github.com/clipforge/projectsync/models"
)

// BranchStore is the single source of truth for branch state. Point reads
// return (nil, nil) when the record is absent; last write wins on overlapping
// point writes. Implementations are safe for concurrent use.
type BranchStore interface {
	// GetHead returns the branch's head record, or nil when it has none.
	GetHead(ctx context.Context, userID, projectID, branchID string) (*models.BranchHead, error)

	// PutHead overwrites the branch's head record, appends a commit to the
	// branch's log, and notifies subscribers.
	PutHead(ctx context.Context, userID, projectID, branchID string, head *models.BranchHead) error

	// Subscribe delivers every committed head write for the branch,
	// including the caller's own (suppression is the subscriber's job; the
	// head's SessionID identifies the writer). The returned func cancels
	// the subscription.
	Subscribe(ctx context.Context, userID, projectID, branchID string, onChange func(*models.BranchHead)) (func(), error)

	// GetBranch returns the branch's metadata, or nil when absent.
	GetBranch(ctx context.Context, userID, projectID, branchID string) (*models.BranchMetadata, error)

	// PutBranch creates or overwrites branch metadata.
	PutBranch(ctx context.Context, userID, projectID string, meta *models.BranchMetadata) error

	// ListBranches enumerates the project's branches; empty when none.
	ListBranches(ctx context.Context, userID, projectID string) ([]*models.BranchMetadata, error)

	// DeleteBranch removes the branch's head, metadata and commit log.
	// Child branches are not cascaded; their parent lineage is
	// informational only.
	DeleteBranch(ctx context.Context, userID, projectID, branchID string) error

	// ListCommits returns the branch's most recent commits, newest first,
	// at most limit entries.
	ListCommits(ctx context.Context, userID, projectID, branchID string, limit int) ([]*models.Commit, error)

	// Ping probes store reachability.
	Ping(ctx context.Context) error
}
