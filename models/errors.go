package models

import (
	"errors"
	"fmt"
)

// Structural failures are surfaced to callers so the UI can show an
// actionable message; cache and remote push failures are logged and recovered
// locally instead.
var (
	// ErrBranchNotFound is returned when a branch has no head record.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrProtectedBranch is returned on an attempt to delete main.
	ErrProtectedBranch = errors.New("branch is protected")

	// ErrNotInitialized is returned when a mutation is attempted before
	// Initialize completes or after Destroy.
	ErrNotInitialized = errors.New("sync manager not initialized")

	// ErrBranchExists is returned when creating a branch whose id is taken.
	ErrBranchExists = errors.New("branch already exists")
)

// DecodeError wraps a failure to decode serialized document bytes. It is
// fatal for the operation that needed the document and is never silently
// replaced with an empty document outside of first-open initialization.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode document: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
