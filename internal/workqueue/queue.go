// Package workqueue tracks asynchronous work items and dispatches them to
// the handler registered for their type.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/metrics"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
)

// Queue is the work-queue collaborator
type Queue struct {
	store *repository.Store
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a queue over store
func New(store *repository.Store) *Queue {
	return &Queue{
		store: store,
		log:   logger.Component("workqueue"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// In returns a queue whose writes go through tx
func (q *Queue) In(tx *repository.Store) *Queue {
	cp := *q
	cp.store = tx
	return &cp
}

// Enqueue stores a new pending item
func (q *Queue) Enqueue(ctx context.Context, item *models.WorkItem) error {
	if item.Type == "" {
		return archiveerr.Validation("type", "must not be empty")
	}
	item.Status = models.WorkItemPending
	if item.Data.Timestamp.IsZero() {
		item.Data.Timestamp = q.now()
	}
	if err := q.store.CreateWorkItem(ctx, item); err != nil {
		return err
	}
	metrics.WorkItems.WithLabelValues(string(item.Type), string(item.Status)).Inc()
	q.log.Debug().
		Str("work_item_id", item.ID.String()).
		Str("type", string(item.Type)).
		Str("study_uid", item.StudyInstanceUID).
		Msg("Work item enqueued")
	return nil
}

// Upsert updates the pending item of itemType for the study, or enqueues a
// new one. mutate is applied to the item in both cases.
func (q *Queue) Upsert(ctx context.Context, itemType models.WorkItemType, partition, studyUID string, mutate func(*models.WorkItem)) (*models.WorkItem, error) {
	item, err := q.store.FindPendingWorkItem(ctx, itemType, studyUID)
	if err != nil && !errors.Is(err, archiveerr.ErrNotFound) {
		return nil, err
	}
	if item == nil {
		item = &models.WorkItem{Type: itemType, PartitionKey: partition, StudyInstanceUID: studyUID}
		if mutate != nil {
			mutate(item)
		}
		if err := q.Enqueue(ctx, item); err != nil {
			return nil, err
		}
		return item, nil
	}
	if mutate != nil {
		mutate(item)
	}
	item.Data.Timestamp = q.now()
	if err := q.store.UpdateWorkItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Get returns an item by ID
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return q.store.GetWorkItem(ctx, id)
}

// List returns the items matching filter, newest first
func (q *Queue) List(ctx context.Context, filter repository.WorkItemFilter) ([]models.WorkItem, error) {
	return q.store.ListWorkItems(ctx, filter)
}

// Start claims a pending item. It returns false when another worker
// claimed it first or it was canceled.
func (q *Queue) Start(ctx context.Context, item *models.WorkItem) (bool, error) {
	ok, err := q.store.TransitionWorkItem(ctx, item.ID, models.WorkItemPending, models.WorkItemInProgress)
	if err != nil || !ok {
		return false, err
	}
	now := q.now()
	item.Status = models.WorkItemInProgress
	item.StartedAt = &now
	if err := q.store.UpdateWorkItem(ctx, item); err != nil {
		return false, err
	}
	metrics.WorkItems.WithLabelValues(string(item.Type), string(item.Status)).Inc()
	return true, nil
}

// Progress records the progress of an in-flight item
func (q *Queue) Progress(ctx context.Context, item *models.WorkItem, progress models.WorkItemProgress) error {
	item.Progress = progress
	return q.store.UpdateWorkItem(ctx, item)
}

// Complete marks an item as done
func (q *Queue) Complete(ctx context.Context, item *models.WorkItem) error {
	return q.finish(ctx, item, models.WorkItemCompleted, "")
}

// Fail marks an item as failed with the reason
func (q *Queue) Fail(ctx context.Context, item *models.WorkItem, reason error) error {
	item.FailureCount++
	return q.finish(ctx, item, models.WorkItemFailed, reason.Error())
}

// Cancel cancels a pending item. Items that already started cannot be canceled.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	ok, err := q.store.TransitionWorkItem(ctx, id, models.WorkItemPending, models.WorkItemCanceled)
	if err != nil {
		return nil, err
	}
	item, err := q.store.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return item, archiveerr.Validation("status", "work item %s is %s and cannot be canceled", id, item.Status)
	}
	now := q.now()
	item.CompletedAt = &now
	if err := q.store.UpdateWorkItem(ctx, item); err != nil {
		return nil, err
	}
	metrics.WorkItems.WithLabelValues(string(item.Type), string(item.Status)).Inc()
	q.log.Info().Str("work_item_id", id.String()).Msg("Work item canceled")
	return item, nil
}

// RecordFailure stores an item that failed before any work could start
func (q *Queue) RecordFailure(ctx context.Context, itemType models.WorkItemType, partition, studyUID string, data models.WorkItemData, reason error) (*models.WorkItem, error) {
	now := q.now()
	if data.Timestamp.IsZero() {
		data.Timestamp = now
	}
	item := &models.WorkItem{
		Type:               itemType,
		Status:             models.WorkItemFailed,
		PartitionKey:       partition,
		StudyInstanceUID:   studyUID,
		Data:               data,
		FailureCount:       1,
		FailureDescription: reason.Error(),
		CompletedAt:        &now,
	}
	if err := q.store.CreateWorkItem(ctx, item); err != nil {
		return nil, err
	}
	metrics.WorkItems.WithLabelValues(string(item.Type), string(item.Status)).Inc()
	q.log.Warn().
		Err(reason).
		Str("type", string(itemType)).
		Str("study_uid", studyUID).
		Msg("Recorded failed work item")
	return item, nil
}

func (q *Queue) finish(ctx context.Context, item *models.WorkItem, status models.WorkItemStatus, reason string) error {
	if item.Status.Terminal() {
		return fmt.Errorf("work item %s is already %s", item.ID, item.Status)
	}
	now := q.now()
	item.Status = status
	item.FailureDescription = reason
	item.CompletedAt = &now
	if err := q.store.UpdateWorkItem(ctx, item); err != nil {
		return err
	}
	metrics.WorkItems.WithLabelValues(string(item.Type), string(status)).Inc()
	return nil
}
