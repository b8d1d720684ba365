package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
)

// WorkItemFilter narrows ListWorkItems
type WorkItemFilter struct {
	Type             models.WorkItemType
	Status           models.WorkItemStatus
	StudyInstanceUID string
	Limit            int
	Offset           int
}

// CreateWorkItem inserts a work item
func (s *Store) CreateWorkItem(ctx context.Context, item *models.WorkItem) error {
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("failed to create work item: %w", err)
	}
	return nil
}

// GetWorkItem retrieves a work item by ID
func (s *Store) GetWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, notFound(err, "failed to get work item %s", id)
	}
	return &item, nil
}

// UpdateWorkItem saves all fields of a work item
func (s *Store) UpdateWorkItem(ctx context.Context, item *models.WorkItem) error {
	if err := s.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("failed to update work item %s: %w", item.ID, err)
	}
	return nil
}

// ListWorkItems retrieves work items, newest first
func (s *Store) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]models.WorkItem, error) {
	query := s.db.WithContext(ctx).Order("scheduled_at DESC")
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.StudyInstanceUID != "" {
		query = query.Where("study_instance_uid = ?", filter.StudyInstanceUID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var items []models.WorkItem
	if err := query.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	return items, nil
}

// FindPendingWorkItem returns the pending item of a type for a study
func (s *Store) FindPendingWorkItem(ctx context.Context, itemType models.WorkItemType, studyUID string) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := s.db.WithContext(ctx).
		Where("type = ? AND study_instance_uid = ? AND status = ?", itemType, studyUID, models.WorkItemPending).
		Order("scheduled_at ASC").
		First(&item).Error; err != nil {
		return nil, notFound(err, "failed to find pending %s item for %s", itemType, studyUID)
	}
	return &item, nil
}

// NextPendingWorkItem returns the oldest pending item scheduled at or before now
func (s *Store) NextPendingWorkItem(ctx context.Context, types []models.WorkItemType, now time.Time) (*models.WorkItem, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.WorkItemPending, now)
	if len(types) > 0 {
		query = query.Where("type IN ?", types)
	}

	var item models.WorkItem
	if err := query.Order("scheduled_at ASC").First(&item).Error; err != nil {
		return nil, notFound(err, "no pending work item")
	}
	return &item, nil
}

// TransitionWorkItem moves an item from one status to another. It reports
// false when the item was no longer in the expected status.
func (s *Store) TransitionWorkItem(ctx context.Context, id uuid.UUID, from, to models.WorkItemStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.WorkItem{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition work item %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
