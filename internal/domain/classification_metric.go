package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClassificationMetric is an immutable per-classification snapshot used for
// accuracy analytics. WasCorrect stays null until a HITL review lands.
type ClassificationMetric struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TicketID uuid.UUID `gorm:"type:uuid;column:ticket_id;not null;index" json:"ticket_id"`

	Timestamp time.Time `gorm:"column:timestamp;not null;default:now();index" json:"timestamp"`

	Level1 string `gorm:"column:level1;size:100;not null" json:"level1"`
	Level2 string `gorm:"column:level2;size:100;not null" json:"level2"`
	Level3 string `gorm:"column:level3;size:100;not null" json:"level3"`

	GraphConfidence    float64 `gorm:"column:graph_confidence;not null" json:"graph_confidence"`
	VectorConfidence   float64 `gorm:"column:vector_confidence;not null" json:"vector_confidence"`
	LLMConfidence      float64 `gorm:"column:llm_confidence;not null" json:"llm_confidence"`
	FinalConfidence    float64 `gorm:"column:final_confidence;not null" json:"final_confidence"`
	ComponentAgreement float64 `gorm:"column:component_agreement;not null" json:"component_agreement"`

	AutoResolved bool `gorm:"column:auto_resolved;not null" json:"auto_resolved"`
	RequiresHITL bool `gorm:"column:requires_hitl;not null" json:"requires_hitl"`

	ProcessingTimeMS int64 `gorm:"column:processing_time_ms;not null" json:"processing_time_ms"`

	WasCorrect *bool `gorm:"column:was_correct" json:"was_correct,omitempty"`
}

func (ClassificationMetric) TableName() string { return "classification_metrics" }
