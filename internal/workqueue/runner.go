package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/rs/zerolog"
)

// Handler performs one work item
type Handler func(ctx context.Context, item *models.WorkItem) error

// Runner polls the queue and dispatches pending items to their handlers
type Runner struct {
	queue    *Queue
	handlers map[models.WorkItemType]Handler
	interval time.Duration
	log      zerolog.Logger
}

// NewRunner creates a runner polling every interval
func NewRunner(queue *Queue, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{
		queue:    queue,
		handlers: make(map[models.WorkItemType]Handler),
		interval: interval,
		log:      queue.log.With().Str("role", "runner").Logger(),
	}
}

// Register sets the handler of an item type
func (r *Runner) Register(itemType models.WorkItemType, h Handler) *Runner {
	r.handlers[itemType] = h
	return r
}

// Run processes items until ctx is done
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Int("handlers", len(r.handlers)).Msg("Work item runner started")
	for {
		// drain everything that is due before sleeping
		for {
			ran, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("Failed to poll work items")
				break
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.log.Info().Msg("Work item runner stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs the oldest due item. It reports whether an item was found.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	types := make([]models.WorkItemType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	if len(types) == 0 {
		return false, nil
	}

	item, err := r.queue.store.NextPendingWorkItem(ctx, types, r.queue.now())
	if errors.Is(err, archiveerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	claimed, err := r.queue.Start(ctx, item)
	if err != nil {
		return false, err
	}
	if !claimed {
		return true, nil
	}

	log := r.log.With().
		Str("work_item_id", item.ID.String()).
		Str("type", string(item.Type)).
		Str("study_uid", item.StudyInstanceUID).
		Logger()

	if err := r.dispatch(ctx, item); err != nil {
		log.Error().Err(err).Msg("Work item failed")
		if ferr := r.queue.Fail(context.WithoutCancel(ctx), item, err); ferr != nil {
			return true, ferr
		}
		return true, nil
	}
	log.Info().Msg("Work item completed")
	return true, r.queue.Complete(context.WithoutCancel(ctx), item)
}

func (r *Runner) dispatch(ctx context.Context, item *models.WorkItem) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return r.handlers[item.Type](ctx, item)
}
