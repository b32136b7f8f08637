package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type HITLCorrection struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID     uuid.UUID `gorm:"type:uuid;column:task_id;not null;index" json:"task_id"`
	TicketID   uuid.UUID `gorm:"type:uuid;column:ticket_id;not null;index" json:"ticket_id"`
	ReviewerID uuid.UUID `gorm:"type:uuid;column:reviewer_id;not null;index" json:"reviewer_id"`

	OriginalLevel1     string  `gorm:"column:original_level1;size:100;not null" json:"original_level1"`
	OriginalLevel2     string  `gorm:"column:original_level2;size:100;not null" json:"original_level2"`
	OriginalLevel3     string  `gorm:"column:original_level3;size:100;not null" json:"original_level3"`
	OriginalConfidence float64 `gorm:"column:original_confidence;not null" json:"original_confidence"`

	CorrectedLevel1 string `gorm:"column:corrected_level1;size:100;not null" json:"corrected_level1"`
	CorrectedLevel2 string `gorm:"column:corrected_level2;size:100;not null" json:"corrected_level2"`
	CorrectedLevel3 string `gorm:"column:corrected_level3;size:100;not null" json:"corrected_level3"`

	IsCorrect          bool   `gorm:"column:is_correct;not null" json:"is_correct"`
	CorrectionNotes    string `gorm:"column:correction_notes;type:text" json:"correction_notes,omitempty"`
	ConfidenceFeedback string `gorm:"column:confidence_feedback;size:500" json:"confidence_feedback,omitempty"`

	SubmittedAt       time.Time `gorm:"column:submitted_at;not null;default:now();index" json:"submitted_at"`
	ReviewTimeSeconds int       `gorm:"column:review_time_seconds;not null" json:"review_time_seconds"`

	ShouldUpdateGraph  bool `gorm:"column:should_update_graph;not null;default:true" json:"should_update_graph"`
	ShouldRetrainModel bool `gorm:"column:should_retrain_model;not null;default:false" json:"should_retrain_model"`

	Tags     datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
}

// OriginalPath returns the AI's path as submitted for review.
func (c *HITLCorrection) OriginalPath() Path {
	return Path{Level1: c.OriginalLevel1, Level2: c.OriginalLevel2, Level3: c.OriginalLevel3}
}

// CorrectedPath returns the reviewer's path.
func (c *HITLCorrection) CorrectedPath() Path {
	return Path{Level1: c.CorrectedLevel1, Level2: c.CorrectedLevel2, Level3: c.CorrectedLevel3}
}

func (HITLCorrection) TableName() string { return "hitl_corrections" }
