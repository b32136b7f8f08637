package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	UserRoleViewer   = "viewer"
	UserRoleReviewer = "reviewer"
	UserRoleAdmin    = "admin"
)

type User struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Email      string         `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	FullName   string         `gorm:"column:full_name;size:100;not null" json:"full_name"`
	Role       string         `gorm:"column:role;size:20;not null;default:'viewer'" json:"role"`
	IsActive   bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	Department string         `gorm:"column:department;size:100" json:"department,omitempty"`
	Teams      datatypes.JSON `gorm:"column:teams;type:jsonb" json:"teams,omitempty"`

	CreatedAt time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null;default:now()" json:"updated_at"`
	LastLogin *time.Time `gorm:"column:last_login" json:"last_login,omitempty"`

	TicketsReviewed      int      `gorm:"column:tickets_reviewed;not null;default:0" json:"tickets_reviewed"`
	CorrectionsMade      int      `gorm:"column:corrections_made;not null;default:0" json:"corrections_made"`
	AvgReviewTimeSeconds *float64 `gorm:"column:avg_review_time_seconds" json:"avg_review_time_seconds,omitempty"`
}

func (User) TableName() string { return "users" }
