package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
)

func TestTaskPriority(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.1, domain.HITLPriorityUrgent},
		{0.29, domain.HITLPriorityUrgent},
		{0.3, domain.HITLPriorityHigh},
		{0.49, domain.HITLPriorityHigh},
		{0.5, domain.HITLPriorityNormal},
		{0.9, domain.HITLPriorityNormal},
	}
	for _, tc := range cases {
		if got := TaskPriority(tc.score); got != tc.want {
			t.Fatalf("TaskPriority(%v) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestCreateTask(t *testing.T) {
	ctx := context.Background()
	taskRepo := newMemoryHITLTaskRepo()
	vec := &fakeVectorStore{matches: []domain.VectorMatch{
		{TicketID: "t-9", Level3: "Card Declined", SimilarityScore: 0.91},
	}}
	svc := NewHITLService(newTestLogger(t), taskRepo, &memoryCorrectionRepo{},
		&fakeEmbedder{vec: []float32{0.1, 0.2}}, vec)

	result := reviewResult("t-2")
	result.Confidence.CalibratedScore = 0.42

	task, err := svc.CreateTask(ctx, CreateTaskInput{
		TicketID:    uuid.New(),
		Title:       "Payment declined",
		Description: "Card keeps getting rejected at checkout",
		Source:      "email",
		Result:      result,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if task.AILevel1 != "Billing Problem" || task.AILevel3 != "Card Declined" {
		t.Fatalf("ai path = %s / %s / %s", task.AILevel1, task.AILevel2, task.AILevel3)
	}
	if task.AIConfidence != 0.42 {
		t.Fatalf("ai confidence = %v", task.AIConfidence)
	}
	if task.Status != domain.HITLStatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.Priority != domain.HITLPriorityHigh {
		t.Fatalf("priority = %s, want high for score 0.42", task.Priority)
	}
	if task.RoutingReason != result.Routing.HITLReason {
		t.Fatalf("routing reason = %q", task.RoutingReason)
	}

	var details map[string]float64
	if err := json.Unmarshal(task.ConfidenceDetails, &details); err != nil {
		t.Fatalf("decode confidence details: %v", err)
	}
	if len(details) != 5 || details["calibrated_score"] != 0.42 || details["graph_confidence"] != 0.55 {
		t.Fatalf("confidence details = %v", details)
	}

	var similar []similarTicketRef
	if err := json.Unmarshal(task.SimilarTickets, &similar); err != nil {
		t.Fatalf("decode similar tickets: %v", err)
	}
	if len(similar) != 1 || similar[0] != (similarTicketRef{"t-9", "Card Declined", 0.91}) {
		t.Fatalf("similar tickets = %+v", similar)
	}
}

func TestCreateTaskValidationAndDedupe(t *testing.T) {
	ctx := context.Background()
	taskRepo := newMemoryHITLTaskRepo()
	svc := NewHITLService(newTestLogger(t), taskRepo, &memoryCorrectionRepo{},
		&fakeEmbedder{err: errors.New("embeddings down")}, &fakeVectorStore{})

	if _, err := svc.CreateTask(ctx, CreateTaskInput{Result: reviewResult("t-1")}); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("missing ticket id err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.CreateTask(ctx, CreateTaskInput{TicketID: uuid.New()}); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("missing result err = %v, want ErrInvalidArgument", err)
	}

	ticketID := uuid.New()
	first, err := svc.CreateTask(ctx, CreateTaskInput{TicketID: ticketID, Title: "a", Result: autoResult("t-1")})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// Empty routing reason falls back to the standard one.
	if first.RoutingReason != "Manual review required" {
		t.Fatalf("routing reason = %q", first.RoutingReason)
	}
	// Embedder failure only costs the similar-ticket snapshot.
	if len(first.SimilarTickets) != 0 {
		t.Fatalf("similar tickets = %s, want empty", first.SimilarTickets)
	}

	second, err := svc.CreateTask(ctx, CreateTaskInput{TicketID: ticketID, Title: "a again", Result: autoResult("t-1")})
	if err != nil {
		t.Fatalf("CreateTask dedupe: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("open ticket spawned a second task: %s vs %s", second.ID, first.ID)
	}
	if len(taskRepo.rows) != 1 {
		t.Fatalf("task rows = %d, want 1", len(taskRepo.rows))
	}
}

func TestAssignTask(t *testing.T) {
	ctx := context.Background()
	taskRepo := newMemoryHITLTaskRepo()
	svc := NewHITLService(newTestLogger(t), taskRepo, &memoryCorrectionRepo{}, nil, nil)

	seed := &domain.HITLTask{TicketID: uuid.New(), Status: domain.HITLStatusPending}
	if _, err := taskRepo.Create(dbctx.Context{Ctx: ctx}, []*domain.HITLTask{seed}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reviewer := uuid.New()

	if _, err := svc.AssignTask(ctx, uuid.Nil, reviewer); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("nil task id err = %v, want ErrInvalidArgument", err)
	}

	task, err := svc.AssignTask(ctx, seed.ID, reviewer)
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if task.Status != domain.HITLStatusInProgress {
		t.Fatalf("status = %s, want in_progress", task.Status)
	}
	if task.AssignedTo == nil || *task.AssignedTo != reviewer {
		t.Fatalf("assigned_to = %v", task.AssignedTo)
	}

	if _, err := svc.AssignTask(ctx, seed.ID, uuid.New()); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("double assign err = %v, want ErrConflict", err)
	}
	if _, err := svc.AssignTask(ctx, uuid.New(), reviewer); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("unknown task err = %v, want ErrNotFound", err)
	}
}

func TestSkipAndUnassignRequeue(t *testing.T) {
	ctx := context.Background()
	taskRepo := newMemoryHITLTaskRepo()
	svc := NewHITLService(newTestLogger(t), taskRepo, &memoryCorrectionRepo{}, nil, nil)

	seed := &domain.HITLTask{TicketID: uuid.New(), Status: domain.HITLStatusPending}
	if _, err := taskRepo.Create(dbctx.Context{Ctx: ctx}, []*domain.HITLTask{seed}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.AssignTask(ctx, seed.ID, uuid.New()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := svc.SkipTask(ctx, seed.ID, "needs billing context"); err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	requeued, _ := taskRepo.GetByID(dbctx.Context{Ctx: ctx}, seed.ID)
	if requeued.Status != domain.HITLStatusPending {
		t.Fatalf("status after skip = %s, want pending", requeued.Status)
	}
	if requeued.AssignedTo != nil || requeued.AssignedAt != nil {
		t.Fatalf("skip kept assignment: %v / %v", requeued.AssignedTo, requeued.AssignedAt)
	}

	done := &domain.HITLTask{TicketID: uuid.New(), Status: domain.HITLStatusCompleted}
	if _, err := taskRepo.Create(dbctx.Context{Ctx: ctx}, []*domain.HITLTask{done}); err != nil {
		t.Fatalf("seed completed: %v", err)
	}
	if err := svc.SkipTask(ctx, done.ID, ""); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("skip completed err = %v, want ErrConflict", err)
	}
	if err := svc.UnassignTask(ctx, done.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("unassign completed err = %v, want ErrConflict", err)
	}
	if err := svc.UnassignTask(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("unassign unknown err = %v, want ErrNotFound", err)
	}
}

func TestHITLStats(t *testing.T) {
	ctx := context.Background()
	taskRepo := newMemoryHITLTaskRepo()
	taskRepo.byStatus = map[string]int64{"pending": 4, "completed": 10}
	taskRepo.byPriority = map[string]int64{"urgent": 1, "high": 3}
	taskRepo.oldestAge = 90 * time.Second
	taskRepo.avgReview = 75.5
	corrRepo := &memoryCorrectionRepo{total: 20, correct: 15}
	svc := NewHITLService(newTestLogger(t), taskRepo, corrRepo, nil, nil)

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TasksByStatus["pending"] != 4 || stats.TasksByStatus["completed"] != 10 {
		t.Fatalf("tasks by status = %v", stats.TasksByStatus)
	}
	if stats.PendingByPriority["urgent"] != 1 {
		t.Fatalf("pending by priority = %v", stats.PendingByPriority)
	}
	if stats.OldestPendingSecs != 90 {
		t.Fatalf("oldest pending = %v", stats.OldestPendingSecs)
	}
	if stats.AvgReviewSeconds != 75.5 {
		t.Fatalf("avg review = %v", stats.AvgReviewSeconds)
	}
	if stats.TotalCorrections != 20 || stats.AccuracyRate != 0.75 {
		t.Fatalf("corrections = %d, accuracy = %v", stats.TotalCorrections, stats.AccuracyRate)
	}

	empty := NewHITLService(newTestLogger(t), newMemoryHITLTaskRepo(), &memoryCorrectionRepo{}, nil, nil)
	zero, err := empty.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats empty: %v", err)
	}
	if zero.AccuracyRate != 0 {
		t.Fatalf("accuracy with no corrections = %v, want 0", zero.AccuracyRate)
	}
}
