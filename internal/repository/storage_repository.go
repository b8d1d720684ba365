package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
)

// GetStudyStorage retrieves the storage row of a study
func (s *Store) GetStudyStorage(ctx context.Context, studyUID string) (*models.StudyStorage, error) {
	var storage models.StudyStorage
	if err := s.db.WithContext(ctx).Where("study_instance_uid = ?", studyUID).First(&storage).Error; err != nil {
		return nil, notFound(err, "failed to get storage of study %s", studyUID)
	}
	return &storage, nil
}

// CreateStudyStorage inserts a storage row
func (s *Store) CreateStudyStorage(ctx context.Context, storage *models.StudyStorage) error {
	if err := s.db.WithContext(ctx).Create(storage).Error; err != nil {
		return fmt.Errorf("failed to create study storage: %w", err)
	}
	return nil
}

// UpdateStudyStorage saves all fields of a storage row
func (s *Store) UpdateStudyStorage(ctx context.Context, storage *models.StudyStorage) error {
	if err := s.db.WithContext(ctx).Save(storage).Error; err != nil {
		return fmt.Errorf("failed to update study storage: %w", err)
	}
	return nil
}

// DeleteStudyStorage removes a storage row
func (s *Store) DeleteStudyStorage(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.StudyStorage{}).Error; err != nil {
		return fmt.Errorf("failed to delete study storage %s: %w", id, err)
	}
	return nil
}

// ListStudyStorage returns every storage row, ordered by study UID
func (s *Store) ListStudyStorage(ctx context.Context) ([]models.StudyStorage, error) {
	var rows []models.StudyStorage
	if err := s.db.WithContext(ctx).Order("study_instance_uid ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list study storage: %w", err)
	}
	return rows, nil
}

// SetQueueState sets the queue state of the given studies
func (s *Store) SetQueueState(ctx context.Context, studyUIDs []string, state models.QueueState) error {
	if len(studyUIDs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Model(&models.StudyStorage{}).
		Where("study_instance_uid IN ?", studyUIDs).
		Update("queue_state", state).Error; err != nil {
		return fmt.Errorf("failed to set queue state %s: %w", state, err)
	}
	return nil
}

// TransitionQueueState moves the given studies to state to, touching only
// those currently in one of the from states
func (s *Store) TransitionQueueState(ctx context.Context, studyUIDs []string, to models.QueueState, from ...models.QueueState) (int64, error) {
	if len(studyUIDs) == 0 || len(from) == 0 {
		return 0, nil
	}
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	res := s.db.WithContext(ctx).
		Model(&models.StudyStorage{}).
		Where("study_instance_uid IN ? AND queue_state IN ?", studyUIDs, states).
		Update("queue_state", to)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to move queue state to %s: %w", to, res.Error)
	}
	return res.RowsAffected, nil
}
