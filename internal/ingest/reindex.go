package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"github.com/otcheredev/ris-dicom-archive/internal/metrics"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ReindexAction is what reindex did with one study
type ReindexAction string

const (
	// ReindexDeleted means the row had no folder and was deleted
	ReindexDeleted ReindexAction = "deleted"
	// ReindexRebuilt means the folder had a row and its manifest was rebuilt
	ReindexRebuilt ReindexAction = "rebuilt"
	// ReindexReprocessed means the folder had no row and was imported again
	ReindexReprocessed ReindexAction = "reprocessed"
	// ReindexFailed means processing the study failed; see ReindexReport.Failures
	ReindexFailed ReindexAction = "failed"
	// ReindexSkipped means the study is owned by another mutation or its folder
	// holds no instances of it
	ReindexSkipped ReindexAction = "skipped"
)

// ReindexReport summarizes a reindex run
type ReindexReport struct {
	Deleted     int               `json:"deleted"`
	Rebuilt     int               `json:"rebuilt"`
	Reprocessed int               `json:"reprocessed"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	Failures    map[string]string `json:"failures,omitempty"`
	Canceled    bool              `json:"canceled"`
	Duration    time.Duration     `json:"duration"`
}

func (r *ReindexReport) add(action ReindexAction, studyUID string, err error) {
	metrics.ReindexActions.WithLabelValues(string(action)).Inc()
	switch action {
	case ReindexDeleted:
		r.Deleted++
	case ReindexRebuilt:
		r.Rebuilt++
	case ReindexReprocessed:
		r.Reprocessed++
	case ReindexSkipped:
		r.Skipped++
	case ReindexFailed:
		r.Failed++
		if r.Failures == nil {
			r.Failures = make(map[string]string)
		}
		r.Failures[studyUID] = err.Error()
	}
}

// Reindexer reconciles the study folders on disk with the study rows. Each
// study is processed under its study lock; studies held by another mutation
// are skipped.
type Reindexer struct {
	store       *repository.Store
	locator     *storage.Locator
	importer    *Importer
	locker      lock.Locker
	lockTTL     time.Duration
	concurrency int
	log         zerolog.Logger
}

// NewReindexer creates a reindexer running at most concurrency folders at once
func NewReindexer(store *repository.Store, locator *storage.Locator, importer *Importer, locker lock.Locker, lockTTL time.Duration, concurrency int) *Reindexer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reindexer{
		store:       store,
		locator:     locator,
		importer:    importer,
		locker:      locker,
		lockTTL:     lockTTL,
		concurrency: concurrency,
		log:         logger.Component("reindex"),
	}
}

// folder is a study folder found on disk
type folder struct {
	loc     storage.Location
	matched bool
	busy    models.QueueState
}

// reindexable reports whether a row in state may be claimed by reindex.
// ReindexScheduled is left behind by an interrupted run.
func reindexable(state models.QueueState) bool {
	switch state {
	case "", models.QueueStateIdle, models.QueueStateReindexScheduled:
		return true
	}
	return false
}

// Run deletes rows whose folder is gone, rebuilds the manifest of folders
// that have a row and fully reprocesses folders that have none. Cancellation
// is checked between folders; rows this run marked for reindex are reset so
// a later run retries them. Studies scheduled for an edit or delete are
// skipped.
func (r *Reindexer) Run(ctx context.Context) (*ReindexReport, error) {
	start := time.Now()
	report := &ReindexReport{}

	rows, err := r.store.ListStudyStorage(ctx)
	if err != nil {
		return nil, err
	}
	found, err := r.scan()
	if err != nil {
		return nil, err
	}
	r.log.Info().Int("rows", len(rows)).Int("folders", len(found)).Msg("Reindex started")

	var marked []string
	for i := range rows {
		row := &rows[i]
		f, ok := found[row.StudyInstanceUID]
		if !ok {
			continue
		}
		if !reindexable(row.QueueState) {
			f.busy = row.QueueState
			continue
		}
		f.matched = true
		marked = append(marked, row.StudyInstanceUID)
	}
	if _, err := r.store.TransitionQueueState(ctx, marked, models.QueueStateReindexScheduled,
		models.QueueStateIdle, models.QueueStateReindexScheduled, ""); err != nil {
		return nil, err
	}
	defer r.unmark(marked...)

	for i := range rows {
		row := &rows[i]
		if _, ok := found[row.StudyInstanceUID]; ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		action, err := r.deleteMissing(ctx, row)
		report.add(action, row.StudyInstanceUID, err)
	}

	uids := make([]string, 0, len(found))
	for uid := range found {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		f := found[uid]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			action, err := r.reindexFolder(ctx, f)
			mu.Lock()
			report.add(action, f.loc.StudyInstanceUID, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		report.Canceled = true
		r.log.Warn().Interface("report", report).Msg("Reindex canceled")
		return report, err
	}
	r.log.Info().Interface("report", report).Msg("Reindex completed")
	return report, nil
}

// reindexFolder processes one study folder under its study lock and clears
// its reindex marker
func (r *Reindexer) reindexFolder(ctx context.Context, f *folder) (ReindexAction, error) {
	loc := f.loc
	log := r.log.With().Str("study_uid", loc.StudyInstanceUID).Str("path", loc.StudyPath()).Logger()

	if f.busy != "" {
		log.Info().Str("queue_state", string(f.busy)).Msg("Study is scheduled for another mutation, skipping")
		return ReindexSkipped, nil
	}
	if err := r.locker.Acquire(ctx, loc.StudyInstanceUID, models.QueueStateReindexScheduled, r.lockTTL); err != nil {
		if f.matched {
			r.unmark(loc.StudyInstanceUID)
		}
		if archiveerr.IsLockConflict(err) {
			log.Info().Err(err).Msg("Study is locked by another mutation, skipping")
			return ReindexSkipped, nil
		}
		return ReindexFailed, err
	}
	defer r.release(loc.StudyInstanceUID)

	res, err := r.importer.Reprocess(ctx, loc)
	if f.matched {
		r.unmark(loc.StudyInstanceUID)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to reindex study folder")
		return ReindexFailed, err
	}
	if res.Imported == 0 {
		log.Warn().Int("unreadable", len(res.Unreadable)).Int("misplaced", res.Misplaced).Msg("Study folder holds no instances of its study")
		return ReindexSkipped, nil
	}
	if f.matched {
		return ReindexRebuilt, nil
	}
	return ReindexReprocessed, nil
}

// deleteMissing deletes a row whose folder is gone, unless another
// mutation owns the study
func (r *Reindexer) deleteMissing(ctx context.Context, row *models.StudyStorage) (ReindexAction, error) {
	log := r.log.With().Str("study_uid", row.StudyInstanceUID).Logger()
	if !reindexable(row.QueueState) {
		log.Info().Str("queue_state", string(row.QueueState)).Msg("Study is scheduled for another mutation, skipping")
		return ReindexSkipped, nil
	}
	if err := r.locker.Acquire(ctx, row.StudyInstanceUID, models.QueueStateReindexScheduled, r.lockTTL); err != nil {
		if archiveerr.IsLockConflict(err) {
			log.Info().Err(err).Msg("Study is locked by another mutation, skipping")
			return ReindexSkipped, nil
		}
		return ReindexFailed, err
	}
	defer r.release(row.StudyInstanceUID)

	if err := r.deleteRow(ctx, row); err != nil {
		log.Error().Err(err).Msg("Failed to delete study without folder")
		return ReindexFailed, err
	}
	return ReindexDeleted, nil
}

// unmark moves studies this run marked back to idle. Studies another
// mutation has claimed since keep their state.
func (r *Reindexer) unmark(studyUIDs ...string) {
	if _, err := r.store.TransitionQueueState(context.Background(), studyUIDs, models.QueueStateIdle, models.QueueStateReindexScheduled); err != nil {
		r.log.Error().Err(err).Strs("study_uids", studyUIDs).Msg("Failed to clear reindex markers")
	}
}

func (r *Reindexer) release(studyUID string) {
	if err := r.locker.Release(context.Background(), studyUID); err != nil {
		r.log.Warn().Err(err).Str("study_uid", studyUID).Msg("Failed to release study lock")
	}
}

// deleteRow removes a study whose folder no longer exists
func (r *Reindexer) deleteRow(ctx context.Context, row *models.StudyStorage) error {
	return r.store.Transaction(ctx, func(tx *repository.Store) error {
		study, err := tx.GetStudy(ctx, row.StudyInstanceUID)
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
		if err := tx.DeleteStudyStorage(ctx, row.ID); err != nil {
			return err
		}
		return tx.CreateStudyHistory(ctx, &models.StudyHistory{
			StudyInstanceUID: row.StudyInstanceUID,
			Type:             models.StudyHistoryDelete,
			Reason:           "study folder missing during reindex",
			User:             "reindex",
		})
	})
}

// scan finds every study folder under the configured filesystems and
// partitions, keyed by Study Instance UID
func (r *Reindexer) scan() (map[string]*folder, error) {
	cfg := r.locator.Config()
	found := make(map[string]*folder)
	for _, fs := range cfg.Filesystems {
		for _, p := range cfg.Partitions {
			root := filepath.Join(fs.Path, p.Folder)
			days, err := os.ReadDir(root)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, day := range days {
				if !day.IsDir() {
					continue
				}
				studies, err := os.ReadDir(filepath.Join(root, day.Name()))
				if err != nil {
					return nil, err
				}
				for _, s := range studies {
					if !s.IsDir() {
						continue
					}
					loc := storage.Location{
						FilesystemKey:    fs.Key,
						FilesystemPath:   fs.Path,
						PartitionKey:     p.AETitle,
						PartitionFolder:  p.Folder,
						StudyFolder:      day.Name(),
						StudyInstanceUID: s.Name(),
					}
					if prev, ok := found[s.Name()]; ok {
						r.log.Warn().
							Str("study_uid", s.Name()).
							Str("path", loc.StudyPath()).
							Str("kept", prev.loc.StudyPath()).
							Msg("Study folder found twice, ignoring the later one")
						continue
					}
					found[s.Name()] = &folder{loc: loc}
				}
			}
		}
	}
	return found, nil
}
