package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	HITLStatusPending    = "pending"
	HITLStatusInProgress = "in_progress"
	HITLStatusCompleted  = "completed"
	HITLStatusSkipped    = "skipped"
	HITLStatusEscalated  = "escalated"
)

const (
	HITLPriorityLow    = "low"
	HITLPriorityNormal = "normal"
	HITLPriorityHigh   = "high"
	HITLPriorityUrgent = "urgent"
)

type HITLTask struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TicketID uuid.UUID `gorm:"type:uuid;column:ticket_id;not null;index" json:"ticket_id"`

	// Denormalized ticket context for the reviewer.
	TicketTitle       string `gorm:"column:ticket_title;size:500;not null" json:"ticket_title"`
	TicketDescription string `gorm:"column:ticket_description;type:text;not null" json:"ticket_description"`
	TicketSource      string `gorm:"column:ticket_source;size:100" json:"ticket_source,omitempty"`

	AILevel1     string  `gorm:"column:ai_level1;size:100;not null" json:"ai_level1"`
	AILevel2     string  `gorm:"column:ai_level2;size:100;not null" json:"ai_level2"`
	AILevel3     string  `gorm:"column:ai_level3;size:100;not null" json:"ai_level3"`
	AIConfidence float64 `gorm:"column:ai_confidence;not null" json:"ai_confidence"`

	RoutingReason     string         `gorm:"column:routing_reason;size:500;not null" json:"routing_reason"`
	ConfidenceDetails datatypes.JSON `gorm:"column:confidence_details;type:jsonb" json:"confidence_details"`

	Status   string `gorm:"column:status;size:20;not null;default:'pending';index" json:"status"`
	Priority string `gorm:"column:priority;size:20;not null;default:'normal';index" json:"priority"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`

	AssignedTo *uuid.UUID `gorm:"type:uuid;column:assigned_to;index" json:"assigned_to,omitempty"`
	AssignedAt *time.Time `gorm:"column:assigned_at" json:"assigned_at,omitempty"`

	CompletedBy       *uuid.UUID `gorm:"type:uuid;column:completed_by" json:"completed_by,omitempty"`
	CompletedAt       *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ReviewTimeSeconds *int       `gorm:"column:review_time_seconds" json:"review_time_seconds,omitempty"`

	SimilarTickets datatypes.JSON `gorm:"column:similar_tickets;type:jsonb" json:"similar_tickets,omitempty"`
}

func (HITLTask) TableName() string { return "hitl_tasks" }
