package ingest

import (
	"context"
	"errors"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/editor"
	"github.com/otcheredev/ris-dicom-archive/internal/entitymap"
	"github.com/otcheredev/ris-dicom-archive/internal/manifest"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/suyashkumar/dicom"
)

// index brings the study, series, patient and storage rows in line with m.
// header supplies the attributes of a study that has no row yet.
func (im *Importer) index(ctx context.Context, tx *repository.Store, loc storage.Location, m manifest.Manifest, header *dicom.Dataset) error {
	study, err := tx.GetStudy(ctx, m.StudyInstanceUID)
	switch {
	case errors.Is(err, archiveerr.ErrNotFound):
		study = entitymap.StudyFromDataset(header, loc.PartitionKey)
		study.StudyInstanceUID = m.StudyInstanceUID
		SetCounts(study, m)
		if _, _, err := editor.ResolvePatient(ctx, tx, study, nil, entitymap.PatientInfo(header), im.caseSensitive); err != nil {
			return err
		}
		if err := editor.AttachOrder(ctx, tx, study); err != nil {
			return err
		}
		if err := tx.CreateStudy(ctx, study); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		SetCounts(study, m)
		if err := tx.UpdateStudy(ctx, study); err != nil {
			return err
		}
	}

	if err := SyncSeries(ctx, tx, study, m, header); err != nil {
		return err
	}

	row, err := tx.GetStudyStorage(ctx, m.StudyInstanceUID)
	if errors.Is(err, archiveerr.ErrNotFound) {
		return tx.CreateStudyStorage(ctx, loc.Row())
	}
	if err != nil {
		return err
	}
	if row.FilesystemKey != loc.FilesystemKey || row.StudyFolder != loc.StudyFolder || row.PartitionKey != loc.PartitionKey {
		row.FilesystemKey = loc.FilesystemKey
		row.StudyFolder = loc.StudyFolder
		row.PartitionKey = loc.PartitionKey
		return tx.UpdateStudyStorage(ctx, row)
	}
	return nil
}

// SetCounts copies the cached counts and size of m onto study
func SetCounts(study *models.Study, m manifest.Manifest) {
	study.NumberOfStudyRelatedSeries = m.NumberOfSeries
	study.NumberOfStudyRelatedInstances = m.NumberOfInstances
	study.StudySizeInKB = (m.Size() + 1023) / 1024
}

// SyncSeries upserts a row per manifest series and drops rows of series
// that no longer have instances
func SyncSeries(ctx context.Context, tx *repository.Store, study *models.Study, m manifest.Manifest, header *dicom.Dataset) error {
	existing, err := tx.ListSeries(ctx, study.ID)
	if err != nil {
		return err
	}
	byUID := make(map[string]models.Series, len(existing))
	for _, s := range existing {
		byUID[s.SeriesInstanceUID] = s
	}

	var fromHeader *models.Series
	if header != nil {
		fromHeader = entitymap.SeriesFromDataset(header)
	}

	keep := make(map[string]bool, len(m.Series))
	for _, ms := range m.Series {
		s, ok := byUID[ms.SeriesInstanceUID]
		if !ok {
			if fromHeader != nil && fromHeader.SeriesInstanceUID == ms.SeriesInstanceUID {
				s = *fromHeader
			}
			s.SeriesInstanceUID = ms.SeriesInstanceUID
			s.StudyFK = study.ID
			if s.Modality == "" {
				s.Modality = ms.Modality
			}
			if len(ms.Instances) > 0 {
				s.SourceAETitle = ms.Instances[0].SourceAETitle
			}
		}
		s.NumberOfSeriesRelatedInstances = ms.NumberOfInstances
		if err := tx.UpsertSeries(ctx, &s); err != nil {
			return err
		}
		keep[ms.SeriesInstanceUID] = true
	}

	var stale []string
	for uid := range byUID {
		if !keep[uid] {
			stale = append(stale, uid)
		}
	}
	return tx.DeleteSeries(ctx, study.ID, stale)
}
