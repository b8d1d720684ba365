package lock

import (
	"context"
	"sync"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
)

// MemoryLocker implements Locker for a single process
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*held
	done  chan struct{}
	now   func() time.Time
}

type held struct {
	state      models.QueueState
	expiration time.Time
}

// NewMemoryLocker creates a new in-memory locker
func NewMemoryLocker() *MemoryLocker {
	m := &MemoryLocker{
		locks: make(map[string]*held),
		done:  make(chan struct{}),
		now:   time.Now,
	}

	go m.cleanup()

	return m
}

// Acquire locks the study unless an unexpired lock is held
func (m *MemoryLocker) Acquire(ctx context.Context, studyUID string, state models.QueueState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(studyUID)
	if h, ok := m.locks[key]; ok && m.now().Before(h.expiration) {
		return &archiveerr.LockConflictError{StudyInstanceUID: studyUID, HeldState: string(h.state)}
	}
	m.locks[key] = &held{state: state, expiration: m.now().Add(ttl)}
	return nil
}

// Refresh extends the lock held in state
func (m *MemoryLocker) Refresh(ctx context.Context, studyUID string, state models.QueueState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(studyUID)
	if h, ok := m.locks[key]; ok && m.now().Before(h.expiration) && h.state != state {
		return &archiveerr.LockConflictError{StudyInstanceUID: studyUID, HeldState: string(h.state)}
	}
	m.locks[key] = &held{state: state, expiration: m.now().Add(ttl)}
	return nil
}

// Release removes the lock
func (m *MemoryLocker) Release(ctx context.Context, studyUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, Key(studyUID))
	return nil
}

// State returns the state of an unexpired lock
func (m *MemoryLocker) State(ctx context.Context, studyUID string) (models.QueueState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.locks[Key(studyUID)]
	if !ok || !m.now().Before(h.expiration) {
		return "", false, nil
	}
	return h.state, true, nil
}

// cleanup periodically removes expired locks
func (m *MemoryLocker) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for key, h := range m.locks {
				if !now.Before(h.expiration) {
					delete(m.locks, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// Close stops the cleanup goroutine
func (m *MemoryLocker) Close() error {
	close(m.done)
	return nil
}
