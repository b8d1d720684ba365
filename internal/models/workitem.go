package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkItemType identifies what a work item asks for
type WorkItemType string

const (
	WorkItemWebEditStudy    WorkItemType = "WebEditStudy"
	WorkItemDeleteStudy     WorkItemType = "DeleteStudy"
	WorkItemDeleteSeries    WorkItemType = "DeleteSeries"
	WorkItemDeleteInstances WorkItemType = "DeleteInstances"
	WorkItemStudyProcess    WorkItemType = "StudyProcess"
	WorkItemImport          WorkItemType = "Import"
	WorkItemDuplicate       WorkItemType = "Duplicate"
	WorkItemReindex         WorkItemType = "Reindex"
)

// WorkItemStatus is the lifecycle state of a work item
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "Pending"
	WorkItemInProgress WorkItemStatus = "InProgress"
	WorkItemCompleted  WorkItemStatus = "Completed"
	WorkItemFailed     WorkItemStatus = "Failed"
	WorkItemCanceled   WorkItemStatus = "Canceled"
)

// Terminal reports whether no further transitions are possible
func (s WorkItemStatus) Terminal() bool {
	return s == WorkItemCompleted || s == WorkItemFailed || s == WorkItemCanceled
}

// TagEdit is one requested attribute change, as carried in a work item payload
type TagEdit struct {
	TagPath       string `json:"tag_path"`
	Value         string `json:"value"`
	OriginalValue string `json:"original_value,omitempty"`
}

// WorkItemData is the payload of a work item
type WorkItemData struct {
	Reason           string    `json:"reason,omitempty"`
	User             string    `json:"user,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Edits            []TagEdit `json:"edits,omitempty"`
	SeriesUIDs       []string  `json:"series_uids,omitempty"`
	SOPInstanceUIDs  []string  `json:"sop_instance_uids,omitempty"`
	SourcePath       string    `json:"source_path,omitempty"`
	SourceAETitle    string    `json:"source_ae_title,omitempty"`
	DuplicatePath    string    `json:"duplicate_path,omitempty"`
	InstancesHandled int       `json:"instances_handled,omitempty"`
}

// WorkItemProgress is the observable progress of an in-flight work item
type WorkItemProgress struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Message   string `json:"message,omitempty"`
}

// WorkItem is a queued unit of asynchronous work
type WorkItem struct {
	ID                 uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	Type               WorkItemType     `gorm:"type:varchar(32);not null;index" json:"type"`
	Status             WorkItemStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	PartitionKey       string           `gorm:"type:varchar(64);index" json:"partition"`
	StudyInstanceUID   string           `gorm:"type:varchar(64);index" json:"study_instance_uid"`
	Data               WorkItemData     `gorm:"serializer:json" json:"data"`
	Progress           WorkItemProgress `gorm:"serializer:json" json:"progress"`
	FailureCount       int              `json:"failure_count"`
	FailureDescription string           `gorm:"type:text" json:"failure_description,omitempty"`
	ScheduledAt        time.Time        `gorm:"index" json:"scheduled_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// TableName overrides the table name
func (WorkItem) TableName() string {
	return "work_items"
}

// BeforeCreate hook
func (w *WorkItem) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = WorkItemPending
	}
	if w.ScheduledAt.IsZero() {
		w.ScheduledAt = time.Now().UTC()
	}
	return nil
}
