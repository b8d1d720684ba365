package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/deletion"
	"github.com/otcheredev/ris-dicom-archive/internal/editor"
	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/rules"
	"github.com/otcheredev/ris-dicom-archive/internal/sources"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/internal/workqueue"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
)

// ArchiveService handles business logic for archive mutations
type ArchiveService struct {
	store     *repository.Store
	locator   *storage.Locator
	locker    lock.Locker
	queue     *workqueue.Queue
	editor    *editor.Editor
	importer  *ingest.Importer
	reindexer *ingest.Reindexer
	deletions *deletion.Service
	executor  *deletion.Executor
	engine    rules.Engine
	rulesOpts rules.Options
	lockTTL   time.Duration
	minFree   uint64
	log       zerolog.Logger
}

// NewArchiveService creates a new archive service
func NewArchiveService(
	store *repository.Store,
	locator *storage.Locator,
	locker lock.Locker,
	engine rules.Engine,
	cfg *config.Config,
) *ArchiveService {
	rulesOpts := rules.Options{
		ApplyDeleteActions: cfg.Rules.ApplyDeleteActions,
		ApplyRouteActions:  cfg.Rules.ApplyRouteActions,
	}
	queue := workqueue.New(store)
	importer := ingest.NewImporter(store, locator, queue, cfg.Ingest)
	return &ArchiveService{
		store:     store,
		locator:   locator,
		locker:    locker,
		queue:     queue,
		editor:    editor.New(store, locator, engine, rulesOpts),
		importer:  importer,
		reindexer: ingest.NewReindexer(store, locator, importer, locker, cfg.Lock.TTL, cfg.Reindex.Concurrency),
		deletions: deletion.NewService(store, locker, queue, cfg.Lock.TTL),
		executor:  deletion.NewExecutor(store, locator, locker, cfg.Lock.TTL),
		engine:    engine,
		rulesOpts: rulesOpts,
		lockTTL:   cfg.Lock.TTL,
		minFree:   cfg.Archive.MinFreeBytes,
		log:       logger.Component("archive"),
	}
}

// Queue returns the work queue
func (s *ArchiveService) Queue() *workqueue.Queue {
	return s.queue
}

// Importer returns the importer
func (s *ArchiveService) Importer() *ingest.Importer {
	return s.importer
}

// ScheduleEdit locks the study and enqueues a whole-study edit
func (s *ArchiveService) ScheduleEdit(ctx context.Context, studyUID string, edits []models.TagEdit, reason, user string) (*models.WorkItem, error) {
	if len(edits) == 0 {
		return nil, archiveerr.Validation("edits", "at least one edit is required")
	}
	data := models.WorkItemData{Reason: reason, User: user, Edits: edits}
	if _, err := editor.RequestFromTagEdits(studyUID, data); err != nil {
		return nil, err
	}
	row, err := s.store.GetStudyStorage(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	if err := s.locker.Acquire(ctx, studyUID, models.QueueStateEditScheduled, s.lockTTL); err != nil {
		return nil, err
	}

	item := &models.WorkItem{
		Type:             models.WorkItemWebEditStudy,
		PartitionKey:     row.PartitionKey,
		StudyInstanceUID: studyUID,
		Data:             data,
	}
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.SetQueueState(ctx, []string{studyUID}, models.QueueStateEditScheduled); err != nil {
			return err
		}
		return s.queue.In(tx).Enqueue(ctx, item)
	})
	if err != nil {
		s.release(ctx, studyUID)
		return nil, err
	}

	s.log.Info().
		Str("study_uid", studyUID).
		Int("edits", len(edits)).
		Str("work_item_id", item.ID.String()).
		Msg("Edit scheduled")
	return item, nil
}

// EditStudy runs an edit immediately under the study lock
func (s *ArchiveService) EditStudy(ctx context.Context, req editor.Request) (*editor.Result, error) {
	if err := s.locker.Acquire(ctx, req.StudyInstanceUID, models.QueueStateProcessing, s.lockTTL); err != nil {
		return nil, err
	}
	defer s.release(ctx, req.StudyInstanceUID)
	return s.editor.Edit(ctx, req)
}

// DeleteStudy schedules the deletion of a study
func (s *ArchiveService) DeleteStudy(ctx context.Context, studyUID, reason, user string) (*models.WorkItem, error) {
	return s.deletions.DeleteStudy(ctx, studyUID, reason, user)
}

// DeleteSeries schedules the deletion of series
func (s *ArchiveService) DeleteSeries(ctx context.Context, studyUID string, seriesUIDs []string, reason, user string) (*models.WorkItem, error) {
	return s.deletions.DeleteSeries(ctx, studyUID, seriesUIDs, reason, user)
}

// DeleteInstances schedules the deletion of instances
func (s *ArchiveService) DeleteInstances(ctx context.Context, studyUID string, sopUIDs []string, reason, user string) (*models.WorkItem, error) {
	return s.deletions.DeleteInstances(ctx, studyUID, sopUIDs, reason, user)
}

// Import stores one instance
func (s *ArchiveService) Import(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	return s.importer.Import(ctx, req)
}

// ImportFrom drains a source into the archive
func (s *ArchiveService) ImportFrom(ctx context.Context, src sources.Source) (*sources.Summary, error) {
	return sources.Drain(ctx, src, s.importer)
}

// CheckSpoolSpace fails with a resource-exhausted error unless path keeps the
// archive's free-space reserve after incoming more bytes land on it.
// A negative incoming means the size is unknown.
func (s *ArchiveService) CheckSpoolSpace(path string, incoming int64) error {
	required := s.minFree
	if incoming > 0 {
		required += uint64(incoming)
	}
	return storage.CheckFreeSpace(s.locator.FreeSpace(), path, required)
}

// ScheduleReindex enqueues a reindex unless one is already pending
func (s *ArchiveService) ScheduleReindex(ctx context.Context, user string) (*models.WorkItem, error) {
	return s.queue.Upsert(ctx, models.WorkItemReindex, "", "", func(item *models.WorkItem) {
		item.Data.User = user
	})
}

// Reindex reconciles the filesystems with the database immediately
func (s *ArchiveService) Reindex(ctx context.Context) (*ingest.ReindexReport, error) {
	return s.reindexer.Run(ctx)
}

// GetWorkItem retrieves a work item
func (s *ArchiveService) GetWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.queue.Get(ctx, id)
}

// ListWorkItems lists work items
func (s *ArchiveService) ListWorkItems(ctx context.Context, filter repository.WorkItemFilter) ([]models.WorkItem, error) {
	return s.queue.List(ctx, filter)
}

// CancelWorkItem cancels a pending work item and unlocks the study it
// had scheduled
func (s *ArchiveService) CancelWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	item, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if holdsLock(item.Type) {
		s.unschedule(ctx, item.StudyInstanceUID)
	}
	return item, nil
}

// Runner returns a work queue runner with the archive handlers registered.
// Duplicate items are left for manual review.
func (s *ArchiveService) Runner(interval time.Duration) *workqueue.Runner {
	return workqueue.NewRunner(s.queue, interval).
		Register(models.WorkItemWebEditStudy, s.processEdit).
		Register(models.WorkItemDeleteStudy, s.executor.Process).
		Register(models.WorkItemDeleteSeries, s.executor.Process).
		Register(models.WorkItemDeleteInstances, s.executor.Process).
		Register(models.WorkItemStudyProcess, s.processStudy).
		Register(models.WorkItemReindex, s.processReindex)
}

func (s *ArchiveService) processEdit(ctx context.Context, item *models.WorkItem) error {
	stop, err := lock.Keep(ctx, s.locker, item.StudyInstanceUID, models.QueueStateEditScheduled, s.lockTTL)
	if err != nil {
		return fmt.Errorf("study lock lost before edit: %w", err)
	}
	defer s.release(ctx, item.StudyInstanceUID)
	defer stop()

	req, err := editor.RequestFromTagEdits(item.StudyInstanceUID, item.Data)
	if err != nil {
		s.resetQueueState(ctx, item.StudyInstanceUID)
		return err
	}
	result, err := s.editor.Edit(ctx, req)
	if err != nil {
		s.resetQueueState(ctx, item.StudyInstanceUID)
		return err
	}
	s.resetQueueState(ctx, result.StudyInstanceUID)

	return s.queue.Progress(ctx, item, models.WorkItemProgress{
		Total:     result.ExpectedInstances,
		Completed: result.UpdatedInstances,
		Failed:    result.MissingInstances,
		Message:   fmt.Sprintf("%d instances updated", result.UpdatedInstances),
	})
}

func (s *ArchiveService) processStudy(ctx context.Context, item *models.WorkItem) error {
	rules.Invoke(ctx, s.engine, rules.StudyIdentity{
		PartitionKey:     item.PartitionKey,
		StudyInstanceUID: item.StudyInstanceUID,
	}, s.rulesOpts)
	return nil
}

func (s *ArchiveService) processReindex(ctx context.Context, item *models.WorkItem) error {
	report, err := s.reindexer.Run(ctx)
	if report != nil {
		done := report.Deleted + report.Rebuilt + report.Reprocessed + report.Skipped
		if perr := s.queue.Progress(context.WithoutCancel(ctx), item, models.WorkItemProgress{
			Total:     done + report.Failed,
			Completed: done,
			Failed:    report.Failed,
			Message:   fmt.Sprintf("reindex took %s", report.Duration.Round(time.Millisecond)),
		}); perr != nil {
			s.log.Warn().Err(perr).Msg("Failed to record reindex progress")
		}
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("reindex failed for %d studies", report.Failed)
	}
	return nil
}

func holdsLock(t models.WorkItemType) bool {
	switch t {
	case models.WorkItemWebEditStudy, models.WorkItemDeleteStudy, models.WorkItemDeleteSeries, models.WorkItemDeleteInstances:
		return true
	}
	return false
}

func (s *ArchiveService) unschedule(ctx context.Context, studyUID string) {
	s.resetQueueState(ctx, studyUID)
	s.release(ctx, studyUID)
}

func (s *ArchiveService) resetQueueState(ctx context.Context, studyUID string) {
	if err := s.store.SetQueueState(context.WithoutCancel(ctx), []string{studyUID}, models.QueueStateIdle); err != nil {
		s.log.Warn().Err(err).Str("study_uid", studyUID).Msg("Failed to reset queue state")
	}
}

func (s *ArchiveService) release(ctx context.Context, studyUID string) {
	if err := s.locker.Release(context.WithoutCancel(ctx), studyUID); err != nil {
		s.log.Warn().Err(err).Str("study_uid", studyUID).Msg("Failed to release study lock")
	}
}
