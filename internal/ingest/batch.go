package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/manifest"
	"github.com/otcheredev/ris-dicom-archive/internal/metrics"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// BatchRequest is a set of files of one study processed together
type BatchRequest struct {
	// StudyInstanceUID is the study of the batch; when empty it is taken
	// from the first readable file
	StudyInstanceUID string
	Files            []string
	PartitionKey     string
	SourceAETitle    string
	Mode             Mode
	// Location overrides the stored or planned location of the study
	Location *storage.Location
	// Rebuild derives the manifest from the batch alone
	Rebuild bool
}

// BatchResult describes a processed batch
type BatchResult struct {
	StudyInstanceUID string
	Imported         int
	Duplicates       int
	// Unreadable lists files that could not be parsed and were left alone
	Unreadable []string
	// Misplaced counts files of another study that were imported on their own
	Misplaced int
	Manifest  manifest.Manifest
}

// ProcessBatch places every file of a study with one processor run whose
// last command is a single database update. Unreadable files are skipped;
// files belonging to another study are imported individually afterwards.
func (im *Importer) ProcessBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.Mode == ModeSave {
		return nil, archiveerr.Validation("mode", "batches are placed from files")
	}
	res := &BatchResult{StudyInstanceUID: req.StudyInstanceUID}
	log := im.log.With().Str("study_uid", req.StudyInstanceUID).Int("files", len(req.Files)).Logger()

	var entries []entry
	var misplaced []string
	for _, path := range req.Files {
		e, err := im.load(Request{Path: path, Mode: req.Mode})
		if err != nil {
			metrics.DriftWarnings.WithLabelValues("unreadable_file").Inc()
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file")
			res.Unreadable = append(res.Unreadable, path)
			continue
		}
		if res.StudyInstanceUID == "" {
			res.StudyInstanceUID = e.id.StudyInstanceUID
			log = log.With().Str("study_uid", res.StudyInstanceUID).Logger()
		}
		if e.id.StudyInstanceUID != res.StudyInstanceUID {
			misplaced = append(misplaced, path)
			continue
		}
		entries = append(entries, e)
	}

	if len(entries) > 0 {
		partition := im.partition(req.PartitionKey)
		var out *runResult
		err := im.retry(ctx, log, func() error {
			loc, err := im.batchLocation(ctx, req, partition, entries[0])
			if err != nil {
				return err
			}
			out, err = im.run(ctx, run{
				loc:           loc,
				entries:       entries,
				mode:          req.Mode,
				sourceAETitle: req.SourceAETitle,
				rebuild:       req.Rebuild,
				log:           log,
			})
			return err
		})
		if err != nil {
			im.recordFailure(ctx, partition, res.StudyInstanceUID, models.WorkItemData{
				SourcePath:    filepath.Dir(req.Files[0]),
				SourceAETitle: req.SourceAETitle,
			}, err)
			return nil, err
		}
		res.Duplicates = countDuplicates(out.placed)
		res.Imported = len(out.placed) - res.Duplicates
		res.Manifest = out.manifest
		metrics.Imports.WithLabelValues("success").Add(float64(res.Imported))
		metrics.Imports.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	}

	for _, path := range misplaced {
		mode := req.Mode
		if mode == ModeInPlace {
			mode = ModeMove
		}
		if _, err := im.Import(ctx, Request{Path: path, PartitionKey: req.PartitionKey, SourceAETitle: req.SourceAETitle, Mode: mode}); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to reimport misplaced file")
			continue
		}
		res.Misplaced++
	}

	log.Info().
		Int("imported", res.Imported).
		Int("duplicates", res.Duplicates).
		Int("unreadable", len(res.Unreadable)).
		Int("misplaced", res.Misplaced).
		Msg("Batch processed")
	return res, nil
}

func (im *Importer) batchLocation(ctx context.Context, req BatchRequest, partition string, first entry) (storage.Location, error) {
	if req.Location != nil {
		return *req.Location, nil
	}
	return im.locate(ctx, partition, first.id.StudyInstanceUID, dicomfile.String(first.ds, tag.StudyDate))
}

// Reprocess rebuilds the manifest and rows of the study stored at loc from
// the instance files found in its folder
func (im *Importer) Reprocess(ctx context.Context, loc storage.Location) (*BatchResult, error) {
	files, err := InstanceFiles(loc.StudyPath())
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return &BatchResult{StudyInstanceUID: loc.StudyInstanceUID}, nil
	}
	return im.ProcessBatch(ctx, BatchRequest{
		StudyInstanceUID: loc.StudyInstanceUID,
		Files:            files,
		PartitionKey:     loc.PartitionKey,
		Mode:             ModeInPlace,
		Location:         &loc,
		Rebuild:          true,
	})
}

// InstanceFiles lists the instance files under dir, leaving out aliased duplicates
func InstanceFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".dcm") || strings.HasSuffix(name, ".dup.dcm") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}
