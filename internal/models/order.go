package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Order is a scheduled procedure that studies are attached to by accession number and patient ID
type Order struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PartitionKey      string    `gorm:"type:varchar(64);not null;index" json:"partition"`
	AccessionNumber   string    `gorm:"type:varchar(16);not null;index" json:"accession_number"`
	PatientID         string    `gorm:"type:varchar(64);not null" json:"patient_id"`
	IssuerOfPatientID string    `gorm:"type:varchar(64)" json:"issuer_of_patient_id"`
	Status            string    `gorm:"type:varchar(20)" json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Order) TableName() string {
	return "orders"
}

// BeforeCreate hook
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
