// Package lock provides the study-level advisory lock that serializes
// mutations of one study across workers and processes.
package lock

import (
	"context"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/models"
)

// Locker grants exclusive, expiring ownership of a study
type Locker interface {
	// Acquire locks the study in the given state or returns a
	// LockConflictError naming the state it is already held in
	Acquire(ctx context.Context, studyUID string, state models.QueueState, ttl time.Duration) error
	// Refresh re-arms a lock held in state, or takes over an expired one,
	// for another ttl. It returns a LockConflictError when the study is
	// held in a different state.
	Refresh(ctx context.Context, studyUID string, state models.QueueState, ttl time.Duration) error
	// Release unlocks the study; releasing an unlocked study is not an error
	Release(ctx context.Context, studyUID string) error
	// State returns the state the study is locked in, if any
	State(ctx context.Context, studyUID string) (models.QueueState, bool, error)
	Close() error
}

// Key is the lock key of a study
func Key(studyUID string) string {
	return "archive:study-lock:" + studyUID
}
