// Package ingest places new instances into the canonical archive layout and
// keeps each study's manifest and database rows in step with its files.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/command"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/manifest"
	"github.com/otcheredev/ris-dicom-archive/internal/metrics"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/internal/workqueue"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Mode selects how an incoming file reaches its canonical path
type Mode int

const (
	// ModeSave encodes the in-memory dataset
	ModeSave Mode = iota
	// ModeCopy copies the source file and leaves it in place
	ModeCopy
	// ModeMove moves the source file
	ModeMove
	// ModeInPlace indexes a file that already lives inside the archive,
	// moving it only when it is not at its canonical path
	ModeInPlace
)

func (m Mode) String() string {
	switch m {
	case ModeSave:
		return "save"
	case ModeCopy:
		return "copy"
	case ModeMove:
		return "move"
	case ModeInPlace:
		return "in-place"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the name of a mode
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeSave, ModeCopy, ModeMove, ModeInPlace} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, archiveerr.Validation("mode", "unknown import mode %q", s)
}

// Request is one instance offered for import
type Request struct {
	// Dataset is required for ModeSave; otherwise it is read from Path when nil
	Dataset       *dicom.Dataset
	Path          string
	PartitionKey  string
	SourceAETitle string
	Mode          Mode
}

// Result describes an imported instance
type Result struct {
	dicomfile.Identity
	Location  storage.Location
	Path      string
	Duplicate bool
}

// Importer is the ingestion pipeline
type Importer struct {
	store         *repository.Store
	locator       *storage.Locator
	queue         *workqueue.Queue
	cfg           config.ArchiveConfig
	maxRetries    int
	caseSensitive bool
	log           zerolog.Logger
	now           func() time.Time
}

// NewImporter creates an importer
func NewImporter(store *repository.Store, locator *storage.Locator, queue *workqueue.Queue, cfg config.IngestConfig) *Importer {
	archive := locator.Config()
	return &Importer{
		store:         store,
		locator:       locator,
		queue:         queue,
		cfg:           archive,
		maxRetries:    cfg.MaxRetries,
		caseSensitive: archive.PatientNameCaseSensitive,
		log:           logger.Component("ingest"),
		now:           time.Now,
	}
}

// entry is one file of a run
type entry struct {
	source string
	ds     *dicom.Dataset
	id     dicomfile.Identity
	size   int64
}

// Import places one instance. Duplicates are stored under an alias and
// flagged with a Duplicate work item. Failures after validation leave no
// file behind and are recorded as a failed Import work item.
func (im *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	e, err := im.load(req)
	if err != nil {
		metrics.Imports.WithLabelValues("rejected").Inc()
		return nil, err
	}
	partition := im.partition(req.PartitionKey)
	log := im.log.With().Str("study_uid", e.id.StudyInstanceUID).Str("sop_uid", e.id.SOPInstanceUID).Logger()

	var out *runResult
	err = im.retry(ctx, log, func() error {
		loc, err := im.locate(ctx, partition, e.id.StudyInstanceUID, dicomfile.String(e.ds, tag.StudyDate))
		if err != nil {
			return err
		}
		out, err = im.run(ctx, run{
			loc:           loc,
			entries:       []entry{e},
			mode:          req.Mode,
			sourceAETitle: req.SourceAETitle,
			log:           log,
		})
		return err
	})
	if err != nil {
		im.recordFailure(ctx, partition, e.id.StudyInstanceUID, models.WorkItemData{SourcePath: req.Path, SourceAETitle: req.SourceAETitle}, err)
		return nil, err
	}

	placed := out.placed[0]
	if placed.duplicate {
		metrics.Imports.WithLabelValues("duplicate").Inc()
		log.Warn().Str("path", placed.path).Msg("Duplicate instance stored under an alias")
	} else {
		metrics.Imports.WithLabelValues("success").Inc()
		log.Info().Str("path", placed.path).Str("mode", req.Mode.String()).Msg("Instance imported")
	}
	return &Result{Identity: e.id, Location: out.loc, Path: placed.path, Duplicate: placed.duplicate}, nil
}

// load reads and validates the dataset of a request
func (im *Importer) load(req Request) (entry, error) {
	e := entry{source: req.Path, ds: req.Dataset}
	switch {
	case e.ds != nil:
	case req.Mode == ModeSave && req.Path != "":
		ds, err := dicomfile.Load(req.Path)
		if err != nil {
			return entry{}, archiveerr.Validation("file", "%v", err)
		}
		e.ds = ds
	case req.Path != "":
		ds, err := dicomfile.LoadHeader(req.Path)
		if err != nil {
			return entry{}, archiveerr.Validation("file", "%v", err)
		}
		e.ds = ds
	default:
		return entry{}, archiveerr.Validation("dataset", "either a dataset or a path is required")
	}
	if req.Mode != ModeSave && req.Path == "" {
		return entry{}, archiveerr.Validation("path", "mode %s requires a source path", req.Mode)
	}
	if req.Path != "" {
		if info, err := os.Stat(req.Path); err == nil {
			e.size = info.Size()
		}
	}
	e.id = dicomfile.IdentityOf(e.ds)
	return e, validate(e.ds, e.id)
}

func validate(ds *dicom.Dataset, id dicomfile.Identity) error {
	if dicomfile.IsDirectory(ds) {
		return archiveerr.Validation("sop_class_uid", "DICOMDIR files cannot be imported")
	}
	for _, uid := range []struct{ field, value string }{
		{"study_instance_uid", id.StudyInstanceUID},
		{"series_instance_uid", id.SeriesInstanceUID},
		{"sop_instance_uid", id.SOPInstanceUID},
	} {
		if uid.value == "" {
			return archiveerr.Validation(uid.field, "must not be empty")
		}
		if !dicomfile.ValidUID(uid.value) {
			return archiveerr.Validation(uid.field, "%q is not a valid UID", uid.value)
		}
	}
	return nil
}

func (im *Importer) partition(key string) string {
	if key == "" {
		return im.cfg.DefaultPartition
	}
	return key
}

// locate resolves the folder of a stored study or plans one for a new study
func (im *Importer) locate(ctx context.Context, partition, studyUID, studyDate string) (storage.Location, error) {
	row, err := im.store.GetStudyStorage(ctx, studyUID)
	if err == nil {
		return im.locator.Resolve(row)
	}
	if !errors.Is(err, archiveerr.ErrNotFound) {
		return storage.Location{}, err
	}
	return im.locator.Plan(partition, studyUID, studyDate, im.now())
}

// retry runs fn again while it loses optimistic-concurrency races
func (im *Importer) retry(ctx context.Context, log zerolog.Logger, fn func() error) error {
	var err error
	for attempt := 0; attempt <= im.maxRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, archiveerr.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Study changed concurrently, retrying import")
	}
	return err
}

func (im *Importer) recordFailure(ctx context.Context, partition, studyUID string, data models.WorkItemData, cause error) {
	if archiveerr.IsValidation(cause) {
		metrics.Imports.WithLabelValues("rejected").Inc()
		return
	}
	metrics.Imports.WithLabelValues("failure").Inc()
	if _, err := im.queue.RecordFailure(context.WithoutCancel(ctx), models.WorkItemImport, partition, studyUID, data, cause); err != nil {
		im.log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to record failed import")
	}
}

// run is one processor run placing entries into a single study
type run struct {
	loc           storage.Location
	entries       []entry
	mode          Mode
	sourceAETitle string
	// rebuild starts the manifest from scratch instead of the stored one
	rebuild bool
	log     zerolog.Logger
}

type placement struct {
	entry
	path      string
	duplicate bool
}

type runResult struct {
	loc      storage.Location
	placed   []placement
	manifest manifest.Manifest
	indexed  bool
}

// run places the entries and commits the manifest and the database rows as
// the last steps of one processor run
func (im *Importer) run(ctx context.Context, r run) (*runResult, error) {
	loc := r.loc

	var required uint64
	for _, e := range r.entries {
		if r.mode != ModeInPlace {
			required += uint64(e.size)
		}
	}
	if err := storage.CheckFreeSpace(im.locator.FreeSpace(), loc.FilesystemPath, im.cfg.MinFreeBytes+required); err != nil {
		return nil, err
	}

	b := manifest.NewBuilder(loc.StudyInstanceUID)
	if !r.rebuild {
		current, err := manifest.Load(loc.ManifestPath(), loc.CompressedManifestPath())
		switch {
		case err == nil:
			b = manifest.From(current)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to load manifest of study %s: %w", loc.StudyInstanceUID, err)
		}
	}

	p := command.NewProcessor("import",
		command.WithStagingRoot(im.cfg.StagingRoot),
		command.WithLogger(r.log),
	)

	out := &runResult{loc: loc}
	dirs := make(map[string]bool)
	reserved := make(map[string]bool)
	var header *dicom.Dataset
	entries := r.entries
	if r.mode == ModeInPlace {
		entries = canonicalFirst(loc, entries)
	}
	for _, e := range entries {
		dst := loc.InstancePath(e.id.SeriesInstanceUID, e.id.SOPInstanceUID)
		inPlace := r.mode == ModeInPlace && samePath(e.source, dst)
		duplicate := b.Contains(e.id.SOPInstanceUID) || reserved[e.id.SOPInstanceUID] ||
			(!inPlace && storage.Exists(dst))
		if duplicate {
			dst = storage.AliasPath(dst)
			inPlace = false
		}
		reserved[e.id.SOPInstanceUID] = true
		out.placed = append(out.placed, placement{entry: e, path: dst, duplicate: duplicate})

		if dir := filepath.Dir(dst); !dirs[dir] {
			dirs[dir] = true
			p.Add(command.NewCreateDirectory(dir))
		}
		if !inPlace {
			p.Add(placeCommand(r.mode, e, dst))
		}
		if !duplicate {
			p.Add(recordInstance(b, e, dst, r.sourceAETitle))
			if header == nil {
				header = e.ds
			}
		}
	}

	if header != nil {
		out.indexed = true
		p.Add(
			command.NewSaveFile(loc.ManifestPath(), func(w io.Writer) error {
				return manifest.Encode(w, b.Build())
			}),
			command.NewSaveFile(loc.CompressedManifestPath(), func(w io.Writer) error {
				return manifest.EncodeCompressed(w, b.Build())
			}),
		)
	}

	p.Add(command.NewDatabaseUpdate("import "+loc.StudyInstanceUID, im.store, func(ctx context.Context, tx *repository.Store) error {
		q := im.queue.In(tx)
		for _, pl := range out.placed {
			if !pl.duplicate {
				continue
			}
			if err := q.Enqueue(ctx, &models.WorkItem{
				Type:             models.WorkItemDuplicate,
				PartitionKey:     loc.PartitionKey,
				StudyInstanceUID: loc.StudyInstanceUID,
				Data: models.WorkItemData{
					SourcePath:      pl.source,
					SourceAETitle:   r.sourceAETitle,
					DuplicatePath:   pl.path,
					SOPInstanceUIDs: []string{pl.id.SOPInstanceUID},
				},
			}); err != nil {
				return err
			}
		}
		if !out.indexed {
			return nil
		}
		m := b.Build()
		if err := im.index(ctx, tx, loc, m, header); err != nil {
			return err
		}
		added := len(out.placed) - countDuplicates(out.placed)
		_, err := q.Upsert(ctx, models.WorkItemStudyProcess, loc.PartitionKey, loc.StudyInstanceUID, func(item *models.WorkItem) {
			item.Data.InstancesHandled += added
			item.Data.SourceAETitle = r.sourceAETitle
			item.Progress.Total = m.NumberOfInstances
		})
		return err
	}))

	if err := p.Execute(ctx); err != nil {
		return nil, err
	}
	out.manifest = b.Build()
	return out, nil
}

// placeCommand moves, copies or saves an entry to dst
func placeCommand(mode Mode, e entry, dst string) command.Command {
	switch mode {
	case ModeCopy:
		return command.NewCopyFile(e.source, dst)
	case ModeMove, ModeInPlace:
		return command.NewMoveFile(e.source, dst)
	default:
		ds := e.ds
		return command.NewSaveFile(dst, func(w io.Writer) error {
			return dicomfile.Encode(w, ds)
		})
	}
}

// recordInstance adds a placed file to the manifest being built
func recordInstance(b *manifest.Builder, e entry, path, sourceAETitle string) command.Command {
	return &command.Func{
		Label: "RecordInstance " + e.id.SOPInstanceUID,
		Run: func(ctx context.Context, pc *command.Context) error {
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", path, err)
			}
			return b.Add(e.id.SeriesInstanceUID, dicomfile.String(e.ds, tag.Modality), manifest.Instance{
				SOPInstanceUID:    e.id.SOPInstanceUID,
				SOPClassUID:       e.id.SOPClassUID,
				TransferSyntaxUID: e.id.TransferSyntaxUID,
				FileSize:          info.Size(),
				SourceAETitle:     sourceAETitle,
			})
		},
		Revert: func(ctx context.Context, pc *command.Context) error {
			b.Remove(e.id.SOPInstanceUID)
			return nil
		},
	}
}

// canonicalFirst orders files already at their canonical path before the
// rest, so a misfiled copy never displaces the indexed file
func canonicalFirst(loc storage.Location, entries []entry) []entry {
	out := make([]entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return isCanonical(loc, out[i]) && !isCanonical(loc, out[j])
	})
	return out
}

func isCanonical(loc storage.Location, e entry) bool {
	return samePath(e.source, loc.InstancePath(e.id.SeriesInstanceUID, e.id.SOPInstanceUID))
}

func samePath(a, b string) bool {
	if a == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

func countDuplicates(placed []placement) int {
	n := 0
	for _, p := range placed {
		if p.duplicate {
			n++
		}
	}
	return n
}
