package deletion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/command"
	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"github.com/otcheredev/ris-dicom-archive/internal/manifest"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
)

// Executor performs scheduled deletions
type Executor struct {
	store   *repository.Store
	locator *storage.Locator
	locker  lock.Locker
	lockTTL time.Duration
	log     zerolog.Logger
}

// NewExecutor creates an executor
func NewExecutor(store *repository.Store, locator *storage.Locator, locker lock.Locker, lockTTL time.Duration) *Executor {
	return &Executor{
		store:   store,
		locator: locator,
		locker:  locker,
		lockTTL: lockTTL,
		log:     logger.Component("deletion"),
	}
}

// Process removes what a deletion work item names and releases the study
// lock afterwards, whatever the outcome. The item fails untouched when
// another mutation has taken the lock over since it was scheduled.
func (e *Executor) Process(ctx context.Context, item *models.WorkItem) error {
	stop, err := lock.Keep(ctx, e.locker, item.StudyInstanceUID, models.QueueStateDeleteScheduled, e.lockTTL)
	if err != nil {
		return fmt.Errorf("study lock lost before deletion: %w", err)
	}
	defer func() {
		stop()
		if err := e.locker.Release(context.WithoutCancel(ctx), item.StudyInstanceUID); err != nil {
			e.log.Warn().Err(err).Str("study_uid", item.StudyInstanceUID).Msg("Failed to release study lock")
		}
	}()

	req := Request{
		StudyInstanceUID: item.StudyInstanceUID,
		SeriesUIDs:       item.Data.SeriesUIDs,
		SOPInstanceUIDs:  item.Data.SOPInstanceUIDs,
		Reason:           item.Data.Reason,
		User:             item.Data.User,
	}
	err = e.Delete(ctx, req)
	if err != nil {
		if rerr := e.store.SetQueueState(context.WithoutCancel(ctx), []string{req.StudyInstanceUID}, models.QueueStateIdle); rerr != nil {
			e.log.Warn().Err(rerr).Str("study_uid", req.StudyInstanceUID).Msg("Failed to reset queue state")
		}
	}
	return err
}

// Delete removes the files, rewrites the manifest and updates the rows in
// one processor run. Deleting every remaining instance deletes the study.
func (e *Executor) Delete(ctx context.Context, req Request) error {
	log := e.log.With().Str("study_uid", req.StudyInstanceUID).Logger()

	row, err := e.store.GetStudyStorage(ctx, req.StudyInstanceUID)
	if err != nil {
		return err
	}
	loc, err := e.locator.Resolve(row)
	if err != nil {
		return err
	}
	current, err := manifest.Load(loc.ManifestPath(), loc.CompressedManifestPath())
	if err != nil {
		return fmt.Errorf("failed to load manifest of study %s: %w", req.StudyInstanceUID, err)
	}

	p := command.NewProcessor("delete",
		command.WithStagingRoot(e.locator.Config().StagingRoot),
		command.WithLogger(log),
	)

	b := manifest.From(current)
	var removed []string
	for _, uid := range req.SeriesUIDs {
		if !b.RemoveSeries(uid) {
			log.Warn().Str("series_uid", uid).Msg("Series to delete is not in the manifest")
			continue
		}
		p.Add(command.NewDeleteDirectory(loc.SeriesPath(uid)))
		removed = append(removed, uid)
	}
	for _, sop := range req.SOPInstanceUIDs {
		seriesUID, _, ok := current.Find(sop)
		if !ok || !b.Remove(sop) {
			log.Warn().Str("sop_uid", sop).Msg("Instance to delete is not in the manifest")
			continue
		}
		p.Add(command.NewDeleteFile(loc.InstancePath(seriesUID, sop)))
		removed = append(removed, sop)
	}

	remaining := b.Build()
	wholeStudy := len(req.SeriesUIDs) == 0 && len(req.SOPInstanceUIDs) == 0
	if !wholeStudy && len(removed) == 0 {
		return archiveerr.Validation("scope", "nothing to delete in study %s", req.StudyInstanceUID)
	}

	if wholeStudy || remaining.Empty() {
		p = command.NewProcessor("delete",
			command.WithStagingRoot(e.locator.Config().StagingRoot),
			command.WithLogger(log),
		)
		p.Add(command.NewDeleteDirectory(loc.StudyPath()))
		p.Add(command.NewDatabaseUpdate("delete study "+req.StudyInstanceUID, e.store, func(ctx context.Context, tx *repository.Store) error {
			return deleteStudyRows(ctx, tx, req)
		}))
		if err := p.Execute(ctx); err != nil {
			return err
		}
		log.Info().Int("instances", current.NumberOfInstances).Msg("Study deleted")
		return nil
	}

	p.Add(
		command.NewSaveFile(loc.ManifestPath(), func(w io.Writer) error {
			return manifest.Encode(w, remaining)
		}),
		command.NewSaveFile(loc.CompressedManifestPath(), func(w io.Writer) error {
			return manifest.EncodeCompressed(w, remaining)
		}),
		command.NewDatabaseUpdate("delete from study "+req.StudyInstanceUID, e.store, func(ctx context.Context, tx *repository.Store) error {
			return updateStudyRows(ctx, tx, req, remaining, removed)
		}),
	)
	if err := p.Execute(ctx); err != nil {
		return err
	}
	log.Info().
		Strs("removed", removed).
		Int("remaining_instances", remaining.NumberOfInstances).
		Msg("Deleted from study")
	return nil
}

func deleteStudyRows(ctx context.Context, tx *repository.Store, req Request) error {
	study, err := tx.GetStudy(ctx, req.StudyInstanceUID)
	switch {
	case errors.Is(err, archiveerr.ErrNotFound):
	case err != nil:
		return err
	default:
		if study.PatientFK != uuid.Nil {
			if err := tx.AdjustPatientStudyCount(ctx, study.PatientFK, -1); err != nil {
				return err
			}
		}
		if err := tx.DeleteStudy(ctx, study.ID); err != nil {
			return err
		}
	}
	row, err := tx.GetStudyStorage(ctx, req.StudyInstanceUID)
	if err != nil {
		return err
	}
	if err := tx.DeleteStudyStorage(ctx, row.ID); err != nil {
		return err
	}
	return tx.CreateStudyHistory(ctx, &models.StudyHistory{
		StudyInstanceUID: req.StudyInstanceUID,
		Type:             models.StudyHistoryDelete,
		Reason:           req.Reason,
		User:             req.User,
	})
}

func updateStudyRows(ctx context.Context, tx *repository.Store, req Request, m manifest.Manifest, removed []string) error {
	study, err := tx.GetStudy(ctx, req.StudyInstanceUID)
	if err != nil {
		return err
	}
	ingest.SetCounts(study, m)
	if err := tx.UpdateStudy(ctx, study); err != nil {
		return err
	}
	if err := ingest.SyncSeries(ctx, tx, study, m, nil); err != nil {
		return err
	}
	row, err := tx.GetStudyStorage(ctx, req.StudyInstanceUID)
	if err != nil {
		return err
	}
	row.QueueState = models.QueueStateIdle
	if err := tx.UpdateStudyStorage(ctx, row); err != nil {
		return err
	}

	changes := make([]models.TagChange, len(removed))
	for i, uid := range removed {
		changes[i] = models.TagChange{TagPath: "deleted", OriginalValue: uid}
	}
	return tx.CreateStudyHistory(ctx, &models.StudyHistory{
		StudyInstanceUID:  req.StudyInstanceUID,
		Type:              models.StudyHistoryDelete,
		Reason:            req.Reason,
		User:              req.User,
		ChangeDescription: changes,
	})
}
