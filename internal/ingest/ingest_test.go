package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"github.com/otcheredev/ris-dicom-archive/internal/manifest"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/internal/testutil"
	"github.com/otcheredev/ris-dicom-archive/internal/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"
)

type fixture struct {
	cfg      config.ArchiveConfig
	store    *repository.Store
	locator  *storage.Locator
	queue    *workqueue.Queue
	importer *Importer
	locker   *lock.MemoryLocker
	free     uint64
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{cfg: testutil.Archive(t), free: 1 << 40}
	f.store = repository.NewStore(testutil.OpenTestDB(t))
	f.locator = storage.NewLocator(f.cfg, func(string) (uint64, error) { return f.free, nil })
	f.queue = workqueue.New(f.store)
	f.importer = NewImporter(f.store, f.locator, f.queue, config.IngestConfig{MaxRetries: 2})
	f.locker = lock.NewMemoryLocker()
	t.Cleanup(func() { _ = f.locker.Close() })
	return f
}

func (f *fixture) reindexer(concurrency int) *Reindexer {
	return NewReindexer(f.store, f.locator, f.importer, f.locker, time.Minute, concurrency)
}

func instance(study string, n int) testutil.Instance {
	return testutil.Instance{
		StudyInstanceUID:  study,
		SeriesInstanceUID: study + ".1",
		SOPInstanceUID:    fmt.Sprintf("%s.1.%d", study, n),
		PatientsName:      "DOE^JOHN",
		PatientID:         "ID1",
		StudyDate:         "20240101",
	}
}

// sourceFile writes an instance outside the archive and returns its path
func sourceFile(t *testing.T, in testutil.Instance) string {
	return testutil.WriteInstance(t, filepath.Join(t.TempDir(), in.SOPInstanceUID+".dcm"), testutil.NewDataset(t, in))
}

func (f *fixture) items(t *testing.T, itemType models.WorkItemType) []models.WorkItem {
	items, err := f.queue.List(context.Background(), repository.WorkItemFilter{Type: itemType})
	require.NoError(t, err)
	return items
}

func TestImportNewStudy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.importer.Import(ctx, Request{
		Dataset:       testutil.NewDataset(t, instance("1.2.3", 1)),
		SourceAETitle: "MODALITY",
		Mode:          ModeSave,
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, res.Location.InstancePath("1.2.3.1", "1.2.3.1.1"), res.Path)
	assert.FileExists(t, res.Path)
	assert.Equal(t, "20240101", res.Location.StudyFolder)

	m, err := manifest.Load(res.Location.ManifestPath(), res.Location.CompressedManifestPath())
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumberOfInstances)
	_, inst, ok := m.Find("1.2.3.1.1")
	require.True(t, ok)
	assert.Equal(t, "MODALITY", inst.SourceAETitle)

	study, err := f.store.GetStudy(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 1, study.NumberOfStudyRelatedInstances)
	assert.Equal(t, "ID1", study.PatientID)

	patient, err := f.store.GetPatient(ctx, study.PatientFK)
	require.NoError(t, err)
	assert.Equal(t, 1, patient.NumberOfPatientRelatedStudies)

	series, err := f.store.ListSeries(ctx, study.ID)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "OT", series[0].Modality)

	row, err := f.store.GetStudyStorage(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStateIdle, row.QueueState)

	process := f.items(t, models.WorkItemStudyProcess)
	require.Len(t, process, 1)
	assert.Equal(t, models.WorkItemPending, process[0].Status)
	assert.Equal(t, 1, process[0].Data.InstancesHandled)
}

func TestImportAddsToExistingStudy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 1; i <= 2; i++ {
		_, err := f.importer.Import(ctx, Request{Path: sourceFile(t, instance("1.2.3", i)), Mode: ModeCopy})
		require.NoError(t, err)
	}

	study, err := f.store.GetStudy(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 2, study.NumberOfStudyRelatedInstances)
	assert.Equal(t, 1, study.NumberOfStudyRelatedSeries)

	process := f.items(t, models.WorkItemStudyProcess)
	require.Len(t, process, 1)
	assert.Equal(t, 2, process[0].Data.InstancesHandled)
}

func TestImportDuplicateIsAliased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.importer.Import(ctx, Request{Path: sourceFile(t, instance("1.2.3", 1)), Mode: ModeCopy})
	require.NoError(t, err)
	original, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	again := instance("1.2.3", 1)
	again.StudyDescription = "SECOND COPY"
	second, err := f.importer.Import(ctx, Request{Path: sourceFile(t, again), Mode: ModeCopy})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.NotEqual(t, first.Path, second.Path)
	assert.Contains(t, second.Path, ".dup.dcm")
	assert.FileExists(t, second.Path)

	kept, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, original, kept)

	m, err := manifest.Load(first.Location.ManifestPath(), first.Location.CompressedManifestPath())
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumberOfInstances)

	dups := f.items(t, models.WorkItemDuplicate)
	require.Len(t, dups, 1)
	assert.Equal(t, models.WorkItemPending, dups[0].Status)
	assert.Equal(t, second.Path, dups[0].Data.DuplicatePath)
}

func TestImportMoveRemovesSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := sourceFile(t, instance("1.2.3", 1))
	res, err := f.importer.Import(ctx, Request{Path: src, Mode: ModeMove})
	require.NoError(t, err)
	assert.NoFileExists(t, src)
	assert.FileExists(t, res.Path)
}

func TestImportValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	dir := testutil.NewDataset(t, instance("1.2.3", 1))
	require.NoError(t, dicomfile.SetStrings(dir, tag.MediaStorageSOPClassUID, dicomfile.MediaStorageDirectoryStorage))
	_, err := f.importer.Import(ctx, Request{Dataset: dir, Mode: ModeSave})
	assert.True(t, archiveerr.IsValidation(err))

	_, err = f.importer.Import(ctx, Request{Mode: ModeCopy})
	assert.True(t, archiveerr.IsValidation(err))

	_, err = f.importer.Import(ctx, Request{Path: filepath.Join(t.TempDir(), "missing.dcm"), Mode: ModeCopy})
	assert.True(t, archiveerr.IsValidation(err))

	assert.Empty(t, f.items(t, ""))
}

func TestImportRejectsMalformedUIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for name, in := range map[string]testutil.Instance{
		"traversal sop":    {StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.1", SOPInstanceUID: "../../../../../escaped"},
		"traversal series": {StudyInstanceUID: "1.2.3", SeriesInstanceUID: "../1", SOPInstanceUID: "1.2.3.1.1"},
		"separator study":  {StudyInstanceUID: "1.2/3", SeriesInstanceUID: "1.2.3.1", SOPInstanceUID: "1.2.3.1.1"},
		"empty component":  {StudyInstanceUID: "1..2", SeriesInstanceUID: "1.2.3.1", SOPInstanceUID: "1.2.3.1.1"},
	} {
		_, err := f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, in), Mode: ModeSave})
		assert.True(t, archiveerr.IsValidation(err), name)
	}

	assert.NoDirExists(t, f.cfg.Filesystems[0].Path)
	for dir := f.cfg.Filesystems[0].Path; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		assert.NoFileExists(t, filepath.Join(dir, "escaped.dcm"))
	}
	assert.Empty(t, f.items(t, ""))
}

func TestImportDiskFullWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.MinFreeBytes = 1024
	f.free = 10
	f.locator = storage.NewLocator(f.cfg, func(string) (uint64, error) { return f.free, nil })
	f.importer = NewImporter(f.store, f.locator, f.queue, config.IngestConfig{})

	src := sourceFile(t, instance("1.2.3", 1))
	_, err := f.importer.Import(ctx, Request{Path: src, Mode: ModeMove})
	require.Error(t, err)
	assert.True(t, archiveerr.IsResourceExhausted(err))
	assert.FileExists(t, src)
	assert.NoDirExists(t, f.cfg.Filesystems[0].Path)

	failed := f.items(t, models.WorkItemImport)
	require.Len(t, failed, 1)
	assert.Equal(t, models.WorkItemFailed, failed[0].Status)
	assert.Equal(t, src, failed[0].Data.SourcePath)

	_, err = f.store.GetStudy(ctx, "1.2.3")
	assert.ErrorIs(t, err, archiveerr.ErrNotFound)
}

func TestRetryStopsAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	calls := 0
	err := f.importer.retry(context.Background(), f.importer.log, func() error {
		calls++
		return fmt.Errorf("study 1.2.3: %w", archiveerr.ErrConflict)
	})
	assert.ErrorIs(t, err, archiveerr.ErrConflict)
	assert.Equal(t, 3, calls)

	calls = 0
	err = f.importer.retry(context.Background(), f.importer.log, func() error {
		calls++
		if calls < 2 {
			return archiveerr.ErrConflict
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	dir := t.TempDir()
	var files []string
	for i := 1; i <= 2; i++ {
		in := instance("1.2.3", i)
		files = append(files, testutil.WriteInstance(t, filepath.Join(dir, in.SOPInstanceUID+".dcm"), testutil.NewDataset(t, in)))
	}
	other := instance("9.9.9", 1)
	files = append(files, testutil.WriteInstance(t, filepath.Join(dir, "other.dcm"), testutil.NewDataset(t, other)))
	garbage := filepath.Join(dir, "garbage.dcm")
	require.NoError(t, os.WriteFile(garbage, []byte("not dicom"), 0o644))
	files = append(files, garbage)

	res, err := f.importer.ProcessBatch(ctx, BatchRequest{Files: files, Mode: ModeCopy})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", res.StudyInstanceUID)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Misplaced)
	assert.Equal(t, []string{garbage}, res.Unreadable)
	assert.Equal(t, 2, res.Manifest.NumberOfInstances)

	study, err := f.store.GetStudy(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 2, study.NumberOfStudyRelatedInstances)

	_, err = f.store.GetStudy(ctx, "9.9.9")
	require.NoError(t, err)

	process := f.items(t, models.WorkItemStudyProcess)
	assert.Len(t, process, 2)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// rebuilt: row and folder exist, manifest lost
	kept, err := f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, instance("1.2.3", 1)), Mode: ModeSave})
	require.NoError(t, err)
	_, err = f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, instance("1.2.3", 2)), Mode: ModeSave})
	require.NoError(t, err)
	require.NoError(t, os.Remove(kept.Location.ManifestPath()))
	require.NoError(t, os.Remove(kept.Location.CompressedManifestPath()))

	// deleted: row exists, folder gone
	gone, err := f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, instance("1.2.4", 1)), Mode: ModeSave})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(gone.Location.StudyPath()))

	// reprocessed: folder exists, no rows
	loc, err := f.locator.Plan(testutil.Partition, "1.2.5", "20240101", time.Time{})
	require.NoError(t, err)
	orphan := instance("1.2.5", 1)
	testutil.WriteInstance(t, loc.InstancePath("1.2.5.1", "1.2.5.1.1"), testutil.NewDataset(t, orphan))

	r := f.reindexer(2)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rebuilt)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Reprocessed)
	assert.Zero(t, report.Failed)

	m, err := manifest.Load(kept.Location.ManifestPath(), kept.Location.CompressedManifestPath())
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumberOfInstances)

	_, err = f.store.GetStudy(ctx, "1.2.4")
	assert.ErrorIs(t, err, archiveerr.ErrNotFound)
	_, err = f.store.GetStudyStorage(ctx, "1.2.4")
	assert.ErrorIs(t, err, archiveerr.ErrNotFound)

	study, err := f.store.GetStudy(ctx, "1.2.5")
	require.NoError(t, err)
	assert.Equal(t, 1, study.NumberOfStudyRelatedInstances)

	rows, err := f.store.ListStudyStorage(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.QueueStateIdle, row.QueueState)
	}
}

func TestReindexCanceled(t *testing.T) {
	f := newFixture(t)
	_, err := f.importer.Import(context.Background(), Request{Dataset: testutil.NewDataset(t, instance("1.2.3", 1)), Mode: ModeSave})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.reindexer(1).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	row, err := f.store.GetStudyStorage(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStateIdle, row.QueueState)
}

func TestReindexLeavesScheduledStudiesAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// edit scheduled: row state set and lock held
	edited, err := f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, instance("1.2.3", 1)), Mode: ModeSave})
	require.NoError(t, err)
	require.NoError(t, f.locker.Acquire(ctx, "1.2.3", models.QueueStateEditScheduled, time.Minute))
	require.NoError(t, f.store.SetQueueState(ctx, []string{"1.2.3"}, models.QueueStateEditScheduled))
	require.NoError(t, os.Remove(edited.Location.ManifestPath()))

	// delete scheduled and folder already gone: the row must survive
	deleted, err := f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, instance("1.2.4", 1)), Mode: ModeSave})
	require.NoError(t, err)
	require.NoError(t, f.store.SetQueueState(ctx, []string{"1.2.4"}, models.QueueStateDeleteScheduled))
	require.NoError(t, os.RemoveAll(deleted.Location.StudyPath()))

	// idle row, lock held by a mutation that has not set the row state yet
	_, err = f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, instance("1.2.5", 1)), Mode: ModeSave})
	require.NoError(t, err)
	require.NoError(t, f.locker.Acquire(ctx, "1.2.5", models.QueueStateProcessing, time.Minute))

	// idle row, free to reindex
	_, err = f.importer.Import(ctx, Request{Dataset: testutil.NewDataset(t, instance("1.2.6", 1)), Mode: ModeSave})
	require.NoError(t, err)

	report, err := f.reindexer(2).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 1, report.Rebuilt)
	assert.Zero(t, report.Deleted)
	assert.Zero(t, report.Failed)

	states := map[string]models.QueueState{}
	rows, err := f.store.ListStudyStorage(ctx)
	require.NoError(t, err)
	for _, row := range rows {
		states[row.StudyInstanceUID] = row.QueueState
	}
	assert.Equal(t, map[string]models.QueueState{
		"1.2.3": models.QueueStateEditScheduled,
		"1.2.4": models.QueueStateDeleteScheduled,
		"1.2.5": models.QueueStateIdle,
		"1.2.6": models.QueueStateIdle,
	}, states)

	assert.NoFileExists(t, edited.Location.ManifestPath())
	state, held, err := f.locker.State(ctx, "1.2.3")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, models.QueueStateEditScheduled, state)
	_, held, err = f.locker.State(ctx, "1.2.6")
	require.NoError(t, err)
	assert.False(t, held)
}
