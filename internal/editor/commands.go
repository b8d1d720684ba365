package editor

import (
	"context"
	"fmt"
	"os"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/command"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/manifest"
	"github.com/otcheredev/ris-dicom-archive/internal/metrics"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
)

// backupStudy copies the manifest and every listed instance into the
// staging area; its undo restores them
func backupStudy(loc storage.Location, m manifest.Manifest) command.Command {
	paths := []string{loc.ManifestPath(), loc.CompressedManifestPath()}
	for _, s := range m.Series {
		for _, inst := range s.Instances {
			paths = append(paths, loc.InstancePath(s.SeriesInstanceUID, inst.SOPInstanceUID))
		}
	}
	return &command.Func{
		Label: "BackupStudy " + loc.StudyInstanceUID,
		Run: func(ctx context.Context, pc *command.Context) error {
			for _, path := range paths {
				if !storage.Exists(path) {
					continue
				}
				if err := pc.Backup(path); err != nil {
					return err
				}
			}
			return nil
		},
		Revert: func(ctx context.Context, pc *command.Context) error {
			var firstErr error
			for _, path := range paths {
				if err := pc.Restore(path); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
}

// updateInstance applies the edits of a run to one instance and saves it
// at its new canonical path
type updateInstance struct {
	run    *run
	series manifest.Series
	inst   manifest.Instance
	src    string
	dst    string
}

func (c *updateInstance) Name() string {
	return "UpdateInstance " + c.inst.SOPInstanceUID
}

func (c *updateInstance) Execute(ctx context.Context, pc *command.Context) error {
	r := c.run
	if !storage.Exists(c.src) {
		r.missing++
		metrics.DriftWarnings.WithLabelValues("missing_file").Inc()
		r.log.Warn().Str("path", c.src).Str("sop_uid", c.inst.SOPInstanceUID).Msg("Manifest lists an instance that is not on disk, skipping")
		return nil
	}

	ds, err := dicomfile.Load(c.src)
	if err != nil {
		return err
	}
	for _, edit := range r.req.Edits {
		res, err := edit.Apply(ds, r.opts)
		if err != nil {
			return fmt.Errorf("%s: %w", c.src, err)
		}
		if res.ConvertedToUnicode {
			r.converted = true
		}
	}

	id := dicomfile.IdentityOf(ds)
	if !dicomfile.ValidUID(id.SeriesInstanceUID) || !dicomfile.ValidUID(id.SOPInstanceUID) {
		return archiveerr.Validation("uid", "%s: edited instance has series %q and SOP instance %q", c.src, id.SeriesInstanceUID, id.SOPInstanceUID)
	}
	dst := r.newLoc.InstancePath(id.SeriesInstanceUID, id.SOPInstanceUID)
	if err := pc.Backup(dst); err != nil {
		return err
	}
	c.dst = dst
	if err := dicomfile.Save(dst, ds); err != nil {
		return err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dst, err)
	}

	sopClass := id.SOPClassUID
	if sopClass == "" {
		sopClass = c.inst.SOPClassUID
	}
	if err := r.builder.Add(id.SeriesInstanceUID, c.series.Modality, manifest.Instance{
		SOPInstanceUID:    id.SOPInstanceUID,
		SOPClassUID:       sopClass,
		TransferSyntaxUID: id.TransferSyntaxUID,
		FileSize:          info.Size(),
		SourceAETitle:     c.inst.SourceAETitle,
	}); err != nil {
		return err
	}
	r.updated++
	return nil
}

func (c *updateInstance) Undo(ctx context.Context, pc *command.Context) error {
	if c.dst == "" {
		return nil
	}
	return pc.Restore(c.dst)
}
