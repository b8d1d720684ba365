package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StudyHistoryType classifies a study history entry
type StudyHistoryType string

const (
	StudyHistoryEdit      StudyHistoryType = "WebEdited"
	StudyHistoryReprocess StudyHistoryType = "Reprocessed"
	StudyHistoryDelete    StudyHistoryType = "Deleted"
)

// StudyHistory records a mutation that was committed against a study
type StudyHistory struct {
	ID                       uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	StudyInstanceUID         string           `gorm:"type:varchar(64);not null;index" json:"study_instance_uid"`
	PreviousStudyInstanceUID string           `gorm:"type:varchar(64)" json:"previous_study_instance_uid,omitempty"`
	Type                     StudyHistoryType `gorm:"type:varchar(20);not null;index" json:"type"`
	Reason                   string           `gorm:"type:text" json:"reason"`
	User                     string           `gorm:"type:varchar(255);index" json:"user"`
	ChangeDescription        []TagChange      `gorm:"serializer:json" json:"changes"`
	CreatedAt                time.Time        `gorm:"index" json:"timestamp"`
}

// TagChange is one applied attribute change with its original value
type TagChange struct {
	TagPath       string `json:"tag_path"`
	OriginalValue string `json:"original_value"`
	NewValue      string `json:"new_value"`
}

// TableName overrides the table name
func (StudyHistory) TableName() string {
	return "study_history"
}

// BeforeCreate hook
func (h *StudyHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
