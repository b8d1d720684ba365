package lock

import (
	"context"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/rs/zerolog/log"
)

// Keep refreshes the study lock right away and then every ttl/2 until the
// returned stop function is called. Work items can sit in the queue longer
// than the lock TTL, so the runner reclaims the lock before it starts and
// keeps it alive while it works. stop must run before the lock is released.
func Keep(ctx context.Context, l Locker, studyUID string, state models.QueueState, ttl time.Duration) (stop func(), err error) {
	if err := l.Refresh(ctx, studyUID, state, ttl); err != nil {
		return nil, err
	}
	interval := ttl / 2
	if interval <= 0 {
		return func() {}, nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Refresh(ctx, studyUID, state, ttl); err != nil {
					log.Warn().Err(err).Str("study_uid", studyUID).Msg("Failed to refresh study lock")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
