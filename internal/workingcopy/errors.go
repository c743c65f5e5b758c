package workingcopy

import (
	"errors"

	"github.com/hamishcampbell/kart/internal/vstore"
)

// Common errors returned by working-copy operations.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, workingcopy.ErrNoChanges) {
//	    // Nothing to commit.
//	}
var (
	// ErrNotInitialised is returned when the working copy's container
	// exists but lacks the state and tracking tables. The caller must
	// initialise the working copy before syncing.
	ErrNotInitialised = errors.New("working copy is not initialised")

	// ErrNoChanges is returned by Commit when there are no pending
	// changes and no empty-commit override was requested.
	ErrNoChanges = errors.New("no changes to commit")

	// ErrScopeNotFound is returned when an explicit commit scope names a
	// primary key with no pending change in the tracking table.
	ErrScopeNotFound = errors.New("nothing to commit for the requested scope")

	// ErrWriteConflict is returned when the version store's branch tip
	// advanced since the working copy last synchronised. The caller must
	// reset/rebase before retrying.
	ErrWriteConflict = vstore.ErrConflict

	// ErrBackendIncompatible is returned when a schema feature cannot be
	// represented by the backend at all, as opposed to merely
	// approximated. Fatal; not retried.
	ErrBackendIncompatible = errors.New("schema cannot be represented by this backend")

	// ErrConnection wraps transient database connectivity failures. Each
	// unit of work is transactional, so the whole unit is safe to retry.
	ErrConnection = errors.New("database connection failed")

	// ErrUnknownScheme is returned by Open for a URI whose scheme has no
	// registered backend.
	ErrUnknownScheme = errors.New("no working-copy backend for URI scheme")
)

// IsRetryable returns true if retrying the whole unit of work may
// succeed without any other action from the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}
