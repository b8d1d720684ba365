package repository

import (
	"context"
	"fmt"

	"github.com/otcheredev/ris-dicom-archive/internal/models"
)

// CreateStudyHistory records a committed study mutation
func (s *Store) CreateStudyHistory(ctx context.Context, entry *models.StudyHistory) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create study history: %w", err)
	}
	return nil
}

// ListStudyHistory retrieves the history of a study, newest first
func (s *Store) ListStudyHistory(ctx context.Context, studyUID string) ([]models.StudyHistory, error) {
	var entries []models.StudyHistory
	if err := s.db.WithContext(ctx).
		Where("study_instance_uid = ? OR previous_study_instance_uid = ?", studyUID, studyUID).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get study history: %w", err)
	}
	return entries, nil
}
