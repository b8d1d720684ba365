package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StudyStatus is the storage status of a study
type StudyStatus string

const (
	StudyStatusOnline   StudyStatus = "Online"
	StudyStatusNearline StudyStatus = "Nearline"
	StudyStatusLossy    StudyStatus = "OnlineLossy"
)

// QueueState marks a study as targeted by pending or running work
type QueueState string

const (
	QueueStateIdle             QueueState = "Idle"
	QueueStateEditScheduled    QueueState = "EditScheduled"
	QueueStateDeleteScheduled  QueueState = "DeleteScheduled"
	QueueStateReindexScheduled QueueState = "ReindexScheduled"
	QueueStateProcessing       QueueState = "Processing"
)

// StudyStorage records where a study lives on disk. The directory itself
// is derived from this row plus the filesystem and partition configuration.
type StudyStorage struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	StudyInstanceUID string      `gorm:"type:varchar(64);not null;uniqueIndex" json:"study_instance_uid"`
	PartitionKey     string      `gorm:"type:varchar(64);not null;index" json:"partition"`
	FilesystemKey    string      `gorm:"type:varchar(64);not null" json:"filesystem"`
	StudyFolder      string      `gorm:"type:varchar(16);not null" json:"study_folder"`
	Status           StudyStatus `gorm:"type:varchar(20);not null" json:"status"`
	QueueState       QueueState  `gorm:"type:varchar(20);not null;index" json:"queue_state"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TableName overrides the table name
func (StudyStorage) TableName() string {
	return "study_storage"
}

// BeforeCreate hook
func (s *StudyStorage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StudyStatusOnline
	}
	if s.QueueState == "" {
		s.QueueState = QueueStateIdle
	}
	return nil
}
