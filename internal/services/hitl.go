package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nexusflow-backend/internal/data/repos"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

// Priority bands on the calibrated score for newly created review tasks.
const (
	hitlUrgentBelow = 0.3
	hitlHighBelow   = 0.5
)

const similarTicketLimit = 5

// HITLService manages the human review queue: task creation from low
// confidence classifications, assignment, and queue statistics.
type HITLService interface {
	CreateTask(ctx context.Context, in CreateTaskInput) (*domain.HITLTask, error)
	GetTask(ctx context.Context, taskID uuid.UUID) (*domain.HITLTask, error)
	PendingTasks(ctx context.Context, priority string, limit, offset int) ([]*domain.HITLTask, error)
	AssignTask(ctx context.Context, taskID, reviewerID uuid.UUID) (*domain.HITLTask, error)
	UnassignTask(ctx context.Context, taskID uuid.UUID) error
	SkipTask(ctx context.Context, taskID uuid.UUID, reason string) error
	Stats(ctx context.Context) (*HITLStats, error)
}

// CreateTaskInput snapshots everything a reviewer needs to judge one ticket.
type CreateTaskInput struct {
	TicketID    uuid.UUID
	Title       string
	Description string
	Source      string
	Result      *domain.ClassificationResult
}

// HITLStats summarizes the review queue.
type HITLStats struct {
	TasksByStatus     map[string]int64 `json:"tasks_by_status"`
	PendingByPriority map[string]int64 `json:"pending_by_priority"`
	OldestPendingSecs float64          `json:"oldest_pending_seconds"`
	AvgReviewSeconds  float64          `json:"avg_review_seconds"`
	TotalCorrections  int64            `json:"total_corrections"`
	AccuracyRate      float64          `json:"accuracy_rate"`
}

type hitlService struct {
	log *logger.Logger

	taskRepo       repos.HITLTaskRepo
	correctionRepo repos.HITLCorrectionRepo

	embedder Embedder
	vector   VectorSearcher
}

func NewHITLService(
	baseLog *logger.Logger,
	taskRepo repos.HITLTaskRepo,
	correctionRepo repos.HITLCorrectionRepo,
	embedder Embedder,
	vector VectorSearcher,
) HITLService {
	return &hitlService{
		log:            baseLog.With("service", "HITLService"),
		taskRepo:       taskRepo,
		correctionRepo: correctionRepo,
		embedder:       embedder,
		vector:         vector,
	}
}

// TaskPriority maps a calibrated confidence to a queue priority band.
func TaskPriority(calibratedScore float64) string {
	switch {
	case calibratedScore < hitlUrgentBelow:
		return domain.HITLPriorityUrgent
	case calibratedScore < hitlHighBelow:
		return domain.HITLPriorityHigh
	default:
		return domain.HITLPriorityNormal
	}
}

func (s *hitlService) CreateTask(ctx context.Context, in CreateTaskInput) (*domain.HITLTask, error) {
	if in.TicketID == uuid.Nil {
		return nil, fmt.Errorf("hitl: ticket id is required: %w", apperrors.ErrInvalidArgument)
	}
	if in.Result == nil {
		return nil, fmt.Errorf("hitl: classification result is required: %w", apperrors.ErrInvalidArgument)
	}
	dbc := dbctx.Context{Ctx: ctx}

	// One open task per ticket; a re-classification reuses the open task.
	if existing, err := s.taskRepo.GetOpenByTicketID(dbc, in.TicketID); err != nil {
		return nil, fmt.Errorf("hitl: check open task: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	conf := in.Result.Confidence
	details := map[string]float64{
		"calibrated_score":    conf.CalibratedScore,
		"graph_confidence":    conf.GraphConfidence,
		"vector_confidence":   conf.VectorConfidence,
		"llm_confidence":      conf.LLMConfidence,
		"component_agreement": conf.ComponentAgreement,
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("hitl: marshal confidence details: %w", err)
	}

	reason := in.Result.Routing.HITLReason
	if reason == "" {
		reason = "Manual review required"
	}

	task := &domain.HITLTask{
		TicketID:          in.TicketID,
		TicketTitle:       in.Title,
		TicketDescription: in.Description,
		TicketSource:      in.Source,
		AILevel1:          in.Result.Classification.Level1,
		AILevel2:          in.Result.Classification.Level2,
		AILevel3:          in.Result.Classification.Level3,
		AIConfidence:      conf.CalibratedScore,
		RoutingReason:     reason,
		ConfidenceDetails: detailsJSON,
		Status:            domain.HITLStatusPending,
		Priority:          TaskPriority(conf.CalibratedScore),
	}

	// Similar tickets give the reviewer precedent; losing them is fine.
	if snapshot := s.similarTicketSnapshot(ctx, in.Title, in.Description); len(snapshot) > 0 {
		if raw, err := json.Marshal(snapshot); err == nil {
			task.SimilarTickets = raw
		}
	}

	created, err := s.taskRepo.Create(dbc, []*domain.HITLTask{task})
	if err != nil {
		return nil, fmt.Errorf("hitl: create task: %w", err)
	}
	s.log.Info("created hitl task",
		"task_id", created[0].ID,
		"ticket_id", in.TicketID,
		"priority", task.Priority,
		"confidence", conf.CalibratedScore,
		"reason", reason,
	)
	return created[0], nil
}

type similarTicketRef struct {
	TicketID   string  `json:"ticket_id"`
	Category   string  `json:"category"`
	Similarity float64 `json:"similarity"`
}

func (s *hitlService) similarTicketSnapshot(ctx context.Context, title, description string) []similarTicketRef {
	if s.embedder == nil || s.vector == nil {
		return nil
	}
	vectors, err := s.embedder.Embed(ctx, []string{title + " " + description})
	if err != nil || len(vectors) == 0 {
		s.log.Warn("similar ticket lookup skipped", "error", err)
		return nil
	}
	matches, err := s.vector.Search(ctx, vectors[0], similarTicketLimit, 0, nil)
	if err != nil {
		s.log.Warn("similar ticket lookup skipped", "error", err)
		return nil
	}
	refs := make([]similarTicketRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, similarTicketRef{
			TicketID:   m.TicketID,
			Category:   m.Level3,
			Similarity: m.SimilarityScore,
		})
	}
	return refs
}

func (s *hitlService) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.HITLTask, error) {
	task, err := s.taskRepo.GetByID(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		return nil, fmt.Errorf("hitl: get task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("hitl: task %s: %w", taskID, apperrors.ErrNotFound)
	}
	return task, nil
}

func (s *hitlService) PendingTasks(ctx context.Context, priority string, limit, offset int) ([]*domain.HITLTask, error) {
	if limit <= 0 {
		limit = 50
	}
	tasks, err := s.taskRepo.ListPending(dbctx.Context{Ctx: ctx}, priority, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("hitl: list pending: %w", err)
	}
	return tasks, nil
}

func (s *hitlService) AssignTask(ctx context.Context, taskID, reviewerID uuid.UUID) (*domain.HITLTask, error) {
	if taskID == uuid.Nil || reviewerID == uuid.Nil {
		return nil, fmt.Errorf("hitl: task and reviewer ids are required: %w", apperrors.ErrInvalidArgument)
	}
	dbc := dbctx.Context{Ctx: ctx}

	won, err := s.taskRepo.AssignIfPending(dbc, taskID, reviewerID)
	if err != nil {
		return nil, fmt.Errorf("hitl: assign task: %w", err)
	}
	if !won {
		task, err := s.taskRepo.GetByID(dbc, taskID)
		if err != nil {
			return nil, fmt.Errorf("hitl: assign task: %w", err)
		}
		if task == nil {
			return nil, fmt.Errorf("hitl: task %s: %w", taskID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("hitl: task %s is %s: %w", taskID, task.Status, apperrors.ErrConflict)
	}
	return s.GetTask(ctx, taskID)
}

func (s *hitlService) UnassignTask(ctx context.Context, taskID uuid.UUID) error {
	if err := s.requeue(ctx, taskID); err != nil {
		return fmt.Errorf("hitl: unassign task: %w", err)
	}
	return nil
}

// SkipTask returns the task to the pending queue for another reviewer. The
// reason is kept in the log trail only.
func (s *hitlService) SkipTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	if err := s.requeue(ctx, taskID); err != nil {
		return fmt.Errorf("hitl: skip task: %w", err)
	}
	s.log.Info("skipped hitl task", "task_id", taskID, "reason", reason)
	return nil
}

func (s *hitlService) requeue(ctx context.Context, taskID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := s.taskRepo.GetByID(dbc, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
	}
	if task.Status == domain.HITLStatusCompleted {
		return fmt.Errorf("task %s already completed: %w", taskID, apperrors.ErrConflict)
	}
	return s.taskRepo.UpdateFields(dbc, taskID, map[string]interface{}{
		"status":      domain.HITLStatusPending,
		"assigned_to": nil,
		"assigned_at": nil,
	})
}

func (s *hitlService) Stats(ctx context.Context) (*HITLStats, error) {
	dbc := dbctx.Context{Ctx: ctx}

	byStatus, err := s.taskRepo.CountByStatus(dbc)
	if err != nil {
		return nil, fmt.Errorf("hitl: stats: %w", err)
	}
	byPriority, err := s.taskRepo.CountPendingByPriority(dbc)
	if err != nil {
		return nil, fmt.Errorf("hitl: stats: %w", err)
	}
	oldest, err := s.taskRepo.OldestPendingAge(dbc)
	if err != nil {
		return nil, fmt.Errorf("hitl: stats: %w", err)
	}
	avgReview, err := s.taskRepo.AverageReviewSeconds(dbc)
	if err != nil {
		return nil, fmt.Errorf("hitl: stats: %w", err)
	}
	total, correct, err := s.correctionRepo.AccuracyStats(dbc, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("hitl: stats: %w", err)
	}

	stats := &HITLStats{
		TasksByStatus:     byStatus,
		PendingByPriority: byPriority,
		OldestPendingSecs: oldest.Seconds(),
		AvgReviewSeconds:  avgReview,
		TotalCorrections:  total,
	}
	if total > 0 {
		stats.AccuracyRate = float64(correct) / float64(total)
	}
	return stats, nil
}
