package repository

import (
	"context"
	"fmt"

	"github.com/otcheredev/ris-dicom-archive/internal/models"
)

// FindOrder finds the order matching an accession number and patient ID
func (s *Store) FindOrder(ctx context.Context, partition, accessionNumber, patientID string) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).
		Where("partition_key = ? AND accession_number = ? AND patient_id = ?", partition, accessionNumber, patientID).
		Order("created_at DESC").
		First(&order).Error; err != nil {
		return nil, notFound(err, "failed to find order %s", accessionNumber)
	}
	return &order, nil
}

// CreateOrder inserts a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}
