// Package document wraps the mergeable-document primitive behind a small
// codec: load, save, clone, change, merge. The sync manager and branch
// operations only ever go through this surface, so the underlying CRDT
// library can be swapped without touching them.
package document

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/clipforge/projectsync/models"
)

// Doc is the in-memory editable project document. It is not safe for
// concurrent use; each sync manager owns exactly one and guards it.
type Doc struct {
	am *automerge.Doc
}

// New creates an empty project document.
func New() *Doc {
	return &Doc{am: automerge.New()}
}

// Load decodes serialized document bytes.
func Load(b []byte) (*Doc, error) {
	if len(b) == 0 {
		return nil, &models.DecodeError{Cause: fmt.Errorf("empty document payload")}
	}
	am, err := automerge.Load(b)
	if err != nil {
		return nil, &models.DecodeError{Cause: err}
	}
	return &Doc{am: am}, nil
}

// Save serializes the document. The result round-trips through Load.
func (d *Doc) Save() []byte {
	return d.am.Save()
}

// Clone returns a deep, independent copy. Edits to the clone are never
// visible on the original until an explicit merge.
func (d *Doc) Clone() (*Doc, error) {
	forked, err := d.am.Fork()
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return &Doc{am: forked}, nil
}

// Merge folds other into a copy of base and returns the result; neither
// input is modified. For documents descended from a common ancestor the
// merge is deterministic and conflict-free for edits to different fields.
func Merge(base, other *Doc) (*Doc, error) {
	merged, err := base.Clone()
	if err != nil {
		return nil, err
	}
	if _, err := merged.am.Merge(other.am); err != nil {
		return nil, fmt.Errorf("merge documents: %w", err)
	}
	return merged, nil
}

// Change runs fn against the document and commits the result. It reports
// whether fn made an observable change, so callers can cheaply detect no-ops
// before pushing undo snapshots or scheduling remote writes. fn runs against
// a staging copy that replaces the document only on success, so a failed
// mutator leaves the document exactly as it was.
func (d *Doc) Change(message string, fn func(*Doc) error) (bool, error) {
	before := d.Fingerprint()
	staged, err := d.Clone()
	if err != nil {
		return false, err
	}
	if err := fn(staged); err != nil {
		return false, err
	}
	if _, err := staged.am.Commit(message); err != nil {
		// Committing an empty transaction is not a failure.
		if staged.Fingerprint() == before {
			return false, nil
		}
		return false, fmt.Errorf("commit change: %w", err)
	}
	if staged.Fingerprint() == before {
		return false, nil
	}
	d.am = staged.am
	return true, nil
}

// Fingerprint identifies the document's current state. Two calls return the
// same value iff no change was committed in between.
func (d *Doc) Fingerprint() string {
	heads := d.am.Heads()
	key := ""
	for _, h := range heads {
		key += fmt.Sprintf("%x", h)
	}
	return key
}
