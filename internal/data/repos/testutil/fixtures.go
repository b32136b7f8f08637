package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/nexusflow-backend/internal/domain"
)

func SeedUser(tb testing.TB, ctx context.Context, tx *gorm.DB, email, role string) *domain.User {
	tb.Helper()
	u := &domain.User{
		ID:       uuid.New(),
		Email:    email,
		FullName: "Test Reviewer",
		Role:     role,
		IsActive: true,
		Teams:    datatypes.JSON([]byte("[]")),
	}
	if err := tx.WithContext(ctx).Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

func SeedTicket(tb testing.TB, ctx context.Context, tx *gorm.DB, title string) *domain.Ticket {
	tb.Helper()
	ticket := &domain.Ticket{
		ID:          uuid.New(),
		Title:       title,
		Description: "test description",
		Priority:    domain.TicketPriorityMedium,
		Status:      domain.TicketStatusNew,
		Source:      "test",
		Metadata:    datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(ticket).Error; err != nil {
		tb.Fatalf("seed ticket: %v", err)
	}
	return ticket
}

func SeedHITLTask(tb testing.TB, ctx context.Context, tx *gorm.DB, ticketID uuid.UUID, priority string, createdAt time.Time) *domain.HITLTask {
	tb.Helper()
	task := &domain.HITLTask{
		ID:                uuid.New(),
		TicketID:          ticketID,
		TicketTitle:       "ticket title",
		TicketDescription: "ticket description",
		AILevel1:          "Technical Support",
		AILevel2:          "Authentication",
		AILevel3:          "Password Reset Issues",
		AIConfidence:      0.42,
		RoutingReason:     "Below auto-resolve threshold (0.42)",
		ConfidenceDetails: datatypes.JSON([]byte("{}")),
		Status:            domain.HITLStatusPending,
		Priority:          priority,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
		SimilarTickets:    datatypes.JSON([]byte("[]")),
	}
	if err := tx.WithContext(ctx).Create(task).Error; err != nil {
		tb.Fatalf("seed hitl task: %v", err)
	}
	return task
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }

func PtrBool(v bool) *bool { return &v }
