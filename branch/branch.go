// Package branch implements the git-like branch lifecycle over the remote
// store: create, list, delete, switch, merge, plus history and a shallow
// diff. All operations are stateless; they load documents through the codec,
// perform a CRDT-level clone or merge, and write a new head record.
package branch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/clipforge/projectsync/document"
	"github.com/clipforge/projectsync/logger"
	"github.com/clipforge/projectsync/models"
	"github.com/clipforge/projectsync/remote"
)

var log = logger.Component("branch")

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// BranchID derives a branch id from a human name: lowercased, every run of
// non-alphanumeric characters collapsed to "_", prefixed "feature_". The
// reserved id "main" is never generated by this path.
func BranchID(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "_")
	slug = strings.Trim(slug, "_")
	return "feature_" + slug
}

// Create branches off sourceBranch under a new id derived from newName. The
// new branch's document is a fully independent clone: edits on either side
// stay invisible to the other until an explicit merge.
func Create(ctx context.Context, store remote.BranchStore, userID, projectID, sourceBranch, newName string) (string, error) {
	sourceHead, err := store.GetHead(ctx, userID, projectID, sourceBranch)
	if err != nil {
		return "", err
	}
	if sourceHead == nil {
		return "", fmt.Errorf("source %q: %w", sourceBranch, models.ErrBranchNotFound)
	}

	branchID := BranchID(newName)
	if existing, err := store.GetBranch(ctx, userID, projectID, branchID); err != nil {
		return "", err
	} else if existing != nil {
		return "", fmt.Errorf("%q: %w", branchID, models.ErrBranchExists)
	}

	doc, err := document.Load(sourceHead.State)
	if err != nil {
		return "", err
	}
	clone, err := doc.Clone()
	if err != nil {
		return "", err
	}

	now := time.Now()
	commitID := ulid.Make().String()
	if _, err := clone.Change("create branch "+branchID, func(d *document.Doc) error {
		return d.SetMeta(document.Meta{
			BranchID:     branchID,
			CommitID:     commitID,
			LastSyncedAt: now.UnixMilli(),
		})
	}); err != nil {
		return "", err
	}

	meta := &models.BranchMetadata{
		ID:           branchID,
		Name:         newName,
		CreatedAt:    now,
		CreatedBy:    userID,
		ParentBranch: sourceBranch,
		ParentCommit: sourceHead.CommitID,
		IsProtected:  false,
	}
	if err := store.PutBranch(ctx, userID, projectID, meta); err != nil {
		return "", err
	}

	head := &models.BranchHead{
		CommitID:  commitID,
		State:     clone.Save(),
		Timestamp: now.UnixMilli(),
		Author:    userID,
	}
	if err := store.PutHead(ctx, userID, projectID, branchID, head); err != nil {
		// Roll the metadata back so a failed create leaves nothing behind.
		if cleanupErr := store.DeleteBranch(ctx, userID, projectID, branchID); cleanupErr != nil {
			log.Warn("cleanup after failed create of %s: %v", branchID, cleanupErr)
		}
		return "", err
	}

	log.Info("created branch %s from %s (commit %s)", branchID, sourceBranch, commitID)
	return branchID, nil
}

// List enumerates the project's branches; an empty project yields an empty
// slice, not an error.
func List(ctx context.Context, store remote.BranchStore, userID, projectID string) ([]*models.BranchMetadata, error) {
	return store.ListBranches(ctx, userID, projectID)
}

// Delete removes a branch's storage subtree. main can never be deleted.
// Child branches are not cascaded; their parent lineage is informational.
func Delete(ctx context.Context, store remote.BranchStore, userID, projectID, branchID string) error {
	if branchID == models.MainBranch {
		return fmt.Errorf("%q: %w", branchID, models.ErrProtectedBranch)
	}
	if meta, err := store.GetBranch(ctx, userID, projectID, branchID); err != nil {
		return err
	} else if meta != nil && meta.IsProtected {
		return fmt.Errorf("%q: %w", branchID, models.ErrProtectedBranch)
	}
	if err := store.DeleteBranch(ctx, userID, projectID, branchID); err != nil {
		return err
	}
	log.Info("deleted branch %s", branchID)
	return nil
}

// Switch loads and decodes the target branch's head. It never mutates the
// currently open session; the caller destroys the old sync manager and
// constructs a new one bound to the target branch.
func Switch(ctx context.Context, store remote.BranchStore, userID, projectID, targetBranch string) (*document.Doc, error) {
	head, err := store.GetHead(ctx, userID, projectID, targetBranch)
	if err != nil {
		return nil, err
	}
	if head == nil || len(head.State) == 0 {
		return nil, fmt.Errorf("target %q: %w", targetBranch, models.ErrBranchNotFound)
	}
	return document.Load(head.State)
}

// Merge folds sourceBranch's changes into targetBranch and writes the result
// back as targetBranch's new head. With structured CRDT fields, concurrent
// non-conflicting edits on both sides survive; argument order does not change
// the logical result. The status is always success; field-level conflicts
// are resolved by the CRDT, never surfaced.
func Merge(ctx context.Context, store remote.BranchStore, userID, projectID, sourceBranch, targetBranch string) (*models.MergeResult, error) {
	sourceHead, err := store.GetHead(ctx, userID, projectID, sourceBranch)
	if err != nil {
		return nil, err
	}
	if sourceHead == nil {
		return nil, fmt.Errorf("source %q: %w", sourceBranch, models.ErrBranchNotFound)
	}
	targetHead, err := store.GetHead(ctx, userID, projectID, targetBranch)
	if err != nil {
		return nil, err
	}
	if targetHead == nil {
		return nil, fmt.Errorf("target %q: %w", targetBranch, models.ErrBranchNotFound)
	}

	sourceDoc, err := document.Load(sourceHead.State)
	if err != nil {
		return nil, err
	}
	targetDoc, err := document.Load(targetHead.State)
	if err != nil {
		return nil, err
	}

	merged, err := document.Merge(targetDoc, sourceDoc)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	commitID := ulid.Make().String()
	if _, err := merged.Change("merge "+sourceBranch+" into "+targetBranch, func(d *document.Doc) error {
		return d.SetMeta(document.Meta{
			BranchID:     targetBranch,
			CommitID:     commitID,
			LastSyncedAt: now.UnixMilli(),
		})
	}); err != nil {
		return nil, err
	}

	head := &models.BranchHead{
		CommitID:  commitID,
		State:     merged.Save(),
		Timestamp: now.UnixMilli(),
		Author:    userID,
	}
	if err := store.PutHead(ctx, userID, projectID, targetBranch, head); err != nil {
		return nil, err
	}

	log.Info("merged %s into %s (commit %s)", sourceBranch, targetBranch, commitID)
	return &models.MergeResult{
		Status:      models.MergeStatusSuccess,
		CommitID:    commitID,
		Description: fmt.Sprintf("merged %s into %s", sourceBranch, targetBranch),
	}, nil
}

// History returns the branch's most recent commits, newest first; an empty
// log is an empty slice.
func History(ctx context.Context, store remote.BranchStore, userID, projectID, branchID string, limit int) ([]*models.Commit, error) {
	return store.ListCommits(ctx, userID, projectID, branchID, limit)
}

// Diff compares the flattened projections of two branch heads: which
// top-level fields differ, and how many clips the source added or removed
// relative to the target. It is a shallow comparison, not a three-way diff.
func Diff(ctx context.Context, store remote.BranchStore, userID, projectID, sourceBranch, targetBranch string) (*models.BranchDiff, error) {
	sourceDoc, err := Switch(ctx, store, userID, projectID, sourceBranch)
	if err != nil {
		return nil, err
	}
	targetDoc, err := Switch(ctx, store, userID, projectID, targetBranch)
	if err != nil {
		return nil, err
	}

	source, err := sourceDoc.Project()
	if err != nil {
		return nil, err
	}
	target, err := targetDoc.Project()
	if err != nil {
		return nil, err
	}

	diff := &models.BranchDiff{Source: sourceBranch, Target: targetBranch}

	if source.Name != target.Name {
		diff.ChangedFields = append(diff.ChangedFields, "name")
	}
	if !equalLayers(source.Layers, target.Layers) {
		diff.ChangedFields = append(diff.ChangedFields, "layers")
	}
	if !equalSettings(source.Settings, target.Settings) {
		diff.ChangedFields = append(diff.ChangedFields, "settings")
	}

	targetClips := clipIDs(target.Clips)
	sourceClips := clipIDs(source.Clips)
	for id := range sourceClips {
		if !targetClips[id] {
			diff.ClipsAdded++
		}
	}
	for id := range targetClips {
		if !sourceClips[id] {
			diff.ClipsRemoved++
		}
	}
	if diff.ClipsAdded > 0 || diff.ClipsRemoved > 0 || !equalClips(source.Clips, target.Clips) {
		diff.ChangedFields = append(diff.ChangedFields, "clips")
	}

	return diff, nil
}

func clipIDs(clips []document.Clip) map[string]bool {
	ids := make(map[string]bool, len(clips))
	for _, c := range clips {
		ids[c.ID] = true
	}
	return ids
}

func equalClips(a, b []document.Clip) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalLayers(a, b []document.Layer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSettings(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		if bv, ok := b[k]; !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}
