package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"gorm.io/gorm"
)

// GetStudy retrieves a study by Study Instance UID
func (s *Store) GetStudy(ctx context.Context, studyUID string) (*models.Study, error) {
	var study models.Study
	if err := s.db.WithContext(ctx).Where("study_instance_uid = ?", studyUID).First(&study).Error; err != nil {
		return nil, notFound(err, "failed to get study %s", studyUID)
	}
	return &study, nil
}

// CreateStudy inserts a new study
func (s *Store) CreateStudy(ctx context.Context, study *models.Study) error {
	if err := s.db.WithContext(ctx).Create(study).Error; err != nil {
		return fmt.Errorf("failed to create study: %w", err)
	}
	return nil
}

// UpdateStudy saves all fields of study when its version is still the one
// that was loaded, and bumps the version. A lost race returns ErrConflict.
func (s *Store) UpdateStudy(ctx context.Context, study *models.Study) error {
	expected := study.Version
	study.Version = expected + 1

	res := s.db.WithContext(ctx).
		Model(study).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(study)
	if res.Error != nil {
		study.Version = expected
		return fmt.Errorf("failed to update study %s: %w", study.StudyInstanceUID, res.Error)
	}
	if res.RowsAffected == 0 {
		study.Version = expected
		return fmt.Errorf("study %s version %d: %w", study.StudyInstanceUID, expected, archiveerr.ErrConflict)
	}
	return nil
}

// DeleteStudy removes a study and its series rows
func (s *Store) DeleteStudy(ctx context.Context, id uuid.UUID) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("study_fk = ?", id).Delete(&models.Series{}).Error; err != nil {
		return fmt.Errorf("failed to delete series of study %s: %w", id, err)
	}
	if err := db.Where("id = ?", id).Delete(&models.Study{}).Error; err != nil {
		return fmt.Errorf("failed to delete study %s: %w", id, err)
	}
	return nil
}

// ListSeries returns the series rows of a study
func (s *Store) ListSeries(ctx context.Context, studyID uuid.UUID) ([]models.Series, error) {
	var series []models.Series
	if err := s.db.WithContext(ctx).
		Where("study_fk = ?", studyID).
		Order("created_at ASC").
		Find(&series).Error; err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	return series, nil
}

// UpsertSeries creates the series row or updates it when one with the same UID exists
func (s *Store) UpsertSeries(ctx context.Context, series *models.Series) error {
	var existing models.Series
	err := s.db.WithContext(ctx).
		Where("study_fk = ? AND series_instance_uid = ?", series.StudyFK, series.SeriesInstanceUID).
		First(&existing).Error
	if err == nil {
		series.ID = existing.ID
		series.CreatedAt = existing.CreatedAt
		if err := s.db.WithContext(ctx).Save(series).Error; err != nil {
			return fmt.Errorf("failed to update series %s: %w", series.SeriesInstanceUID, err)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up series %s: %w", series.SeriesInstanceUID, err)
	}
	if err := s.db.WithContext(ctx).Create(series).Error; err != nil {
		return fmt.Errorf("failed to create series %s: %w", series.SeriesInstanceUID, err)
	}
	return nil
}

// DeleteSeries removes series rows of a study by UID
func (s *Store) DeleteSeries(ctx context.Context, studyID uuid.UUID, seriesUIDs []string) error {
	if len(seriesUIDs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Where("study_fk = ? AND series_instance_uid IN ?", studyID, seriesUIDs).
		Delete(&models.Series{}).Error; err != nil {
		return fmt.Errorf("failed to delete series: %w", err)
	}
	return nil
}
