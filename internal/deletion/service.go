// Package deletion schedules the removal of studies, series and instances
// and performs it from the work queue.
package deletion

import (
	"context"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/workqueue"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
)

// Request names what to delete. Empty SeriesUIDs and SOPInstanceUIDs
// delete the whole study.
type Request struct {
	StudyInstanceUID string   `json:"study_instance_uid"`
	SeriesUIDs       []string `json:"series_uids,omitempty"`
	SOPInstanceUIDs  []string `json:"sop_instance_uids,omitempty"`
	Reason           string   `json:"reason"`
	User             string   `json:"user"`
}

// Service locks studies and enqueues their deletion
type Service struct {
	store  *repository.Store
	locker lock.Locker
	queue  *workqueue.Queue
	ttl    time.Duration
	log    zerolog.Logger
}

// NewService creates a deletion service; ttl bounds how long a scheduled
// deletion keeps the study locked
func NewService(store *repository.Store, locker lock.Locker, queue *workqueue.Queue, ttl time.Duration) *Service {
	return &Service{
		store:  store,
		locker: locker,
		queue:  queue,
		ttl:    ttl,
		log:    logger.Component("deletion"),
	}
}

// DeleteStudy schedules the deletion of a whole study
func (s *Service) DeleteStudy(ctx context.Context, studyUID, reason, user string) (*models.WorkItem, error) {
	return s.Schedule(ctx, Request{StudyInstanceUID: studyUID, Reason: reason, User: user})
}

// DeleteSeries schedules the deletion of series of a study
func (s *Service) DeleteSeries(ctx context.Context, studyUID string, seriesUIDs []string, reason, user string) (*models.WorkItem, error) {
	if len(seriesUIDs) == 0 {
		return nil, archiveerr.Validation("series_uids", "at least one series is required")
	}
	return s.Schedule(ctx, Request{StudyInstanceUID: studyUID, SeriesUIDs: seriesUIDs, Reason: reason, User: user})
}

// DeleteInstances schedules the deletion of instances of a study
func (s *Service) DeleteInstances(ctx context.Context, studyUID string, sopUIDs []string, reason, user string) (*models.WorkItem, error) {
	if len(sopUIDs) == 0 {
		return nil, archiveerr.Validation("sop_instance_uids", "at least one instance is required")
	}
	return s.Schedule(ctx, Request{StudyInstanceUID: studyUID, SOPInstanceUIDs: sopUIDs, Reason: reason, User: user})
}

// Schedule locks the study and enqueues the deletion. When the lock is
// held elsewhere it returns a LockConflictError and changes nothing.
func (s *Service) Schedule(ctx context.Context, req Request) (*models.WorkItem, error) {
	if req.StudyInstanceUID == "" {
		return nil, archiveerr.Validation("study_instance_uid", "must not be empty")
	}
	if len(req.SeriesUIDs) > 0 && len(req.SOPInstanceUIDs) > 0 {
		return nil, archiveerr.Validation("scope", "delete either series or instances, not both")
	}
	row, err := s.store.GetStudyStorage(ctx, req.StudyInstanceUID)
	if err != nil {
		return nil, err
	}

	if err := s.locker.Acquire(ctx, req.StudyInstanceUID, models.QueueStateDeleteScheduled, s.ttl); err != nil {
		return nil, err
	}

	item := &models.WorkItem{
		Type:             ItemType(req),
		PartitionKey:     row.PartitionKey,
		StudyInstanceUID: req.StudyInstanceUID,
		Data: models.WorkItemData{
			Reason:          req.Reason,
			User:            req.User,
			SeriesUIDs:      req.SeriesUIDs,
			SOPInstanceUIDs: req.SOPInstanceUIDs,
		},
	}
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.SetQueueState(ctx, []string{req.StudyInstanceUID}, models.QueueStateDeleteScheduled); err != nil {
			return err
		}
		return s.queue.In(tx).Enqueue(ctx, item)
	})
	if err != nil {
		if rerr := s.locker.Release(context.WithoutCancel(ctx), req.StudyInstanceUID); rerr != nil {
			s.log.Warn().Err(rerr).Str("study_uid", req.StudyInstanceUID).Msg("Failed to release study lock")
		}
		return nil, err
	}

	s.log.Info().
		Str("study_uid", req.StudyInstanceUID).
		Str("type", string(item.Type)).
		Str("work_item_id", item.ID.String()).
		Msg("Deletion scheduled")
	return item, nil
}

// ItemType is the work item type of a deletion request
func ItemType(req Request) models.WorkItemType {
	switch {
	case len(req.SeriesUIDs) > 0:
		return models.WorkItemDeleteSeries
	case len(req.SOPInstanceUIDs) > 0:
		return models.WorkItemDeleteInstances
	default:
		return models.WorkItemDeleteStudy
	}
}
