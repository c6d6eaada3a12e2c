package models

import (
	"time"
)

// MainBranch is the reserved default branch. It always exists for a project
// and can never be deleted.
const MainBranch = "main"

// BranchHead is the head record of a branch in the remote store: the latest
// serialized document plus enough metadata to order and attribute the write.
type BranchHead struct {
	CommitID  string `json:"commitId"`
	State     []byte `json:"state"`
	Timestamp int64  `json:"timestamp"` // ms since epoch, wall clock
	Author    string `json:"author"`
	SessionID string `json:"sessionId,omitempty"`
}

// Time returns the head's timestamp as a time.Time.
func (h *BranchHead) Time() time.Time {
	return time.UnixMilli(h.Timestamp)
}

// BranchMetadata describes a branch independent of its document content.
type BranchMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	ParentBranch string    `json:"parent_branch,omitempty"`
	ParentCommit string    `json:"parent_commit,omitempty"`
	IsProtected  bool      `json:"is_protected"`
}

// Commit is one entry in a branch's append-only commit log. IDs are ULIDs,
// so they sort lexicographically by creation time.
type Commit struct {
	ID           string    `json:"id"`
	BranchID     string    `json:"branch_id"`
	Author       string    `json:"author"`
	Timestamp    time.Time `json:"timestamp"`
	ParentCommit string    `json:"parent_commit,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// MergeResult reports the outcome of a branch merge.
type MergeResult struct {
	Status      string `json:"status"`
	CommitID    string `json:"commitId"`
	Description string `json:"description,omitempty"`
}

// Merge statuses
const (
	MergeStatusSuccess = "success"
)

// BranchDiff is a shallow comparison of two branches' flattened projections.
type BranchDiff struct {
	Source        string   `json:"source"`
	Target        string   `json:"target"`
	ChangedFields []string `json:"changed_fields"`
	ClipsAdded    int      `json:"clips_added"`
	ClipsRemoved  int      `json:"clips_removed"`
}
