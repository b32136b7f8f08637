package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TicketStatusNew           = "new"
	TicketStatusProcessing    = "processing"
	TicketStatusClassified    = "classified"
	TicketStatusResolved      = "resolved"
	TicketStatusPendingReview = "pending_review"
	TicketStatusEscalated     = "escalated"
	TicketStatusClosed        = "closed"
)

const (
	TicketPriorityLow      = "low"
	TicketPriorityMedium   = "medium"
	TicketPriorityHigh     = "high"
	TicketPriorityCritical = "critical"
)

type Ticket struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Title       string         `gorm:"column:title;size:500;not null" json:"title"`
	Description string         `gorm:"column:description;type:text;not null" json:"description"`
	Priority    string         `gorm:"column:priority;size:20;not null;default:'medium';index" json:"priority"`
	Status      string         `gorm:"column:status;size:20;not null;default:'new';index" json:"status"`
	Source      string         `gorm:"column:source;size:100" json:"source,omitempty"`
	CustomerID  string         `gorm:"column:customer_id;size:100;index" json:"customer_id,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`

	Level1Category           string  `gorm:"column:level1_category;size:100;index" json:"level1_category,omitempty"`
	Level2Category           string  `gorm:"column:level2_category;size:100" json:"level2_category,omitempty"`
	Level3Category           string  `gorm:"column:level3_category;size:100" json:"level3_category,omitempty"`
	ClassificationConfidence float64 `gorm:"column:classification_confidence" json:"classification_confidence,omitempty"`

	CreatedAt    time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;default:now()" json:"updated_at"`
	ClassifiedAt *time.Time `gorm:"column:classified_at" json:"classified_at,omitempty"`
	ResolvedAt   *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`

	ProcessingTimeMS int64      `gorm:"column:processing_time_ms" json:"processing_time_ms,omitempty"`
	AssignedTo       *uuid.UUID `gorm:"type:uuid;column:assigned_to" json:"assigned_to,omitempty"`
	Resolution       string     `gorm:"column:resolution;type:text" json:"resolution,omitempty"`
}

func (Ticket) TableName() string { return "tickets" }
