package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusCancelled  = "cancelled"
)

type BatchJob struct {
	ID      uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	BatchID string    `gorm:"column:batch_id;size:100;not null;uniqueIndex" json:"batch_id"`

	TicketCount int    `gorm:"column:ticket_count;not null" json:"ticket_count"`
	Status      string `gorm:"column:status;size:20;not null;default:'pending';index" json:"status"`
	Progress    int    `gorm:"column:progress;not null;default:0" json:"progress"`

	CreatedAt   time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()" json:"updated_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	Successful   int `gorm:"column:successful;not null;default:0" json:"successful"`
	Failed       int `gorm:"column:failed;not null;default:0" json:"failed"`
	AutoResolved int `gorm:"column:auto_resolved;not null;default:0" json:"auto_resolved"`
	RequiresHITL int `gorm:"column:requires_hitl;not null;default:0" json:"requires_hitl"`

	CallbackURL string `gorm:"column:callback_url;size:500" json:"callback_url,omitempty"`
	Error       string `gorm:"column:error;type:text" json:"error,omitempty"`

	// Submitted tickets, kept so failed batches can be retried as new ones.
	Payload datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	Results datatypes.JSON `gorm:"column:results;type:jsonb" json:"results,omitempty"`
}

func (BatchJob) TableName() string { return "batch_jobs" }
