package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Patient represents a patient row; studies reference it by PatientFK
type Patient struct {
	ID                            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PartitionKey                  string    `gorm:"type:varchar(64);not null;index" json:"partition"`
	PatientsName                  string    `gorm:"type:varchar(320);index" json:"patients_name"`
	PatientID                     string    `gorm:"type:varchar(64);index" json:"patient_id"`
	IssuerOfPatientID             string    `gorm:"type:varchar(64)" json:"issuer_of_patient_id"`
	SpecificCharacterSet          string    `gorm:"type:varchar(128)" json:"specific_character_set"`
	NumberOfPatientRelatedStudies int       `json:"number_of_patient_related_studies"`
	CreatedAt                     time.Time `json:"created_at"`
	UpdatedAt                     time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Patient) TableName() string {
	return "patients"
}

// BeforeCreate hook
func (p *Patient) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Info returns the identifying values of the patient row
func (p *Patient) Info() PatientInfo {
	return PatientInfo{
		Name:              p.PatientsName,
		PatientID:         p.PatientID,
		IssuerOfPatientID: p.IssuerOfPatientID,
	}
}

// PatientInfo identifies a patient. Two values are the same patient when
// name and patient ID match; the issuer is carried but not compared.
type PatientInfo struct {
	Name              string `json:"name"`
	PatientID         string `json:"patient_id"`
	IssuerOfPatientID string `json:"issuer_of_patient_id"`
}

// Equal compares name and patient ID under the given case sensitivity
func (p PatientInfo) Equal(o PatientInfo, caseSensitive bool) bool {
	if caseSensitive {
		return p.Name == o.Name && p.PatientID == o.PatientID
	}
	return strings.EqualFold(p.Name, o.Name) && strings.EqualFold(p.PatientID, o.PatientID)
}
