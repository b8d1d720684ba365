package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Study is the database index entry of a study. The manifest beside the
// files stays authoritative for what instances exist; the counts here are
// a cache recomputed after each mutation.
type Study struct {
	ID                            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	StudyInstanceUID              string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"study_instance_uid"`
	PartitionKey                  string     `gorm:"type:varchar(64);not null;index" json:"partition"`
	PatientFK                     uuid.UUID  `gorm:"type:uuid;index" json:"patient_fk"`
	OrderFK                       *uuid.UUID `gorm:"type:uuid" json:"order_fk,omitempty"`
	PatientsName                  string     `gorm:"type:varchar(320)" json:"patients_name"`
	PatientID                     string     `gorm:"type:varchar(64)" json:"patient_id"`
	IssuerOfPatientID             string     `gorm:"type:varchar(64)" json:"issuer_of_patient_id"`
	PatientsBirthDate             string     `gorm:"type:varchar(8)" json:"patients_birth_date"`
	PatientsSex                   string     `gorm:"type:varchar(2)" json:"patients_sex"`
	AccessionNumber               string     `gorm:"type:varchar(16);index" json:"accession_number"`
	StudyDate                     string     `gorm:"type:varchar(8)" json:"study_date"`
	StudyTime                     string     `gorm:"type:varchar(16)" json:"study_time"`
	StudyID                       string     `gorm:"type:varchar(16)" json:"study_id"`
	StudyDescription              string     `gorm:"type:varchar(64)" json:"study_description"`
	ReferringPhysiciansName       string     `gorm:"type:varchar(320)" json:"referring_physicians_name"`
	SpecificCharacterSet          string     `gorm:"type:varchar(128)" json:"specific_character_set"`
	NumberOfStudyRelatedSeries    int        `json:"number_of_study_related_series"`
	NumberOfStudyRelatedInstances int        `json:"number_of_study_related_instances"`
	StudySizeInKB                 int64      `json:"study_size_kb"`
	Version                       int        `gorm:"not null;default:0" json:"version"`
	CreatedAt                     time.Time  `json:"created_at"`
	UpdatedAt                     time.Time  `json:"updated_at"`
}

// TableName overrides the table name
func (Study) TableName() string {
	return "studies"
}

// BeforeCreate hook
func (s *Study) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// PatientInfo returns the patient identity cached on the study row
func (s *Study) PatientInfo() PatientInfo {
	return PatientInfo{
		Name:              s.PatientsName,
		PatientID:         s.PatientID,
		IssuerOfPatientID: s.IssuerOfPatientID,
	}
}

// Series is a child of Study
type Series struct {
	ID                             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StudyFK                        uuid.UUID `gorm:"type:uuid;not null;index" json:"study_fk"`
	SeriesInstanceUID              string    `gorm:"type:varchar(64);not null;index" json:"series_instance_uid"`
	Modality                       string    `gorm:"type:varchar(16)" json:"modality"`
	SeriesNumber                   string    `gorm:"type:varchar(12)" json:"series_number"`
	SeriesDescription              string    `gorm:"type:varchar(64)" json:"series_description"`
	SourceAETitle                  string    `gorm:"type:varchar(16)" json:"source_ae_title"`
	NumberOfSeriesRelatedInstances int       `json:"number_of_series_related_instances"`
	CreatedAt                      time.Time `json:"created_at"`
	UpdatedAt                      time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Series) TableName() string {
	return "series"
}

// BeforeCreate hook
func (s *Series) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
