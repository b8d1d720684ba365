package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"gorm.io/gorm"
)

// GetPatient retrieves a patient by ID
func (s *Store) GetPatient(ctx context.Context, id uuid.UUID) (*models.Patient, error) {
	var patient models.Patient
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&patient).Error; err != nil {
		return nil, notFound(err, "failed to get patient %s", id)
	}
	return &patient, nil
}

// FindPatient finds the patient in a partition matching info by name and
// patient ID, honouring the case sensitivity setting.
func (s *Store) FindPatient(ctx context.Context, partition string, info models.PatientInfo, caseSensitive bool) (*models.Patient, error) {
	query := s.db.WithContext(ctx).Where("partition_key = ?", partition)
	if caseSensitive {
		query = query.Where("patients_name = ? AND patient_id = ?", info.Name, info.PatientID)
	} else {
		query = query.Where("LOWER(patients_name) = LOWER(?) AND LOWER(patient_id) = LOWER(?)", info.Name, info.PatientID)
	}

	var patient models.Patient
	if err := query.Order("created_at ASC").First(&patient).Error; err != nil {
		return nil, notFound(err, "failed to find patient %q/%q", info.Name, info.PatientID)
	}
	return &patient, nil
}

// CreatePatient inserts a new patient
func (s *Store) CreatePatient(ctx context.Context, patient *models.Patient) error {
	if err := s.db.WithContext(ctx).Create(patient).Error; err != nil {
		return fmt.Errorf("failed to create patient: %w", err)
	}
	return nil
}

// UpdatePatient saves all fields of patient
func (s *Store) UpdatePatient(ctx context.Context, patient *models.Patient) error {
	if err := s.db.WithContext(ctx).Save(patient).Error; err != nil {
		return fmt.Errorf("failed to update patient: %w", err)
	}
	return nil
}

// AdjustPatientStudyCount adds delta to the patient's related study count
func (s *Store) AdjustPatientStudyCount(ctx context.Context, id uuid.UUID, delta int) error {
	if err := s.db.WithContext(ctx).
		Model(&models.Patient{}).
		Where("id = ?", id).
		Update("number_of_patient_related_studies", gorm.Expr("number_of_patient_related_studies + ?", delta)).Error; err != nil {
		return fmt.Errorf("failed to adjust study count of patient %s: %w", id, err)
	}
	return nil
}
