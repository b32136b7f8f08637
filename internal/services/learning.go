package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nexusflow-backend/internal/data/repos"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/ensemble"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

// minCalibrationSamples is the refit floor: below this the sigmoid fit is
// dominated by noise and would swing the thresholds around.
const minCalibrationSamples = 10

// CorrectionSubmission is a reviewer's verdict on one HITL task.
type CorrectionSubmission struct {
	CorrectedLevel1    string `json:"corrected_level1"`
	CorrectedLevel2    string `json:"corrected_level2"`
	CorrectedLevel3    string `json:"corrected_level3"`
	CorrectionNotes    string `json:"correction_notes,omitempty"`
	ConfidenceFeedback string `json:"confidence_feedback,omitempty"`
	ReviewTimeSeconds  int    `json:"review_time_seconds"`
}

// CalibrationFit reports refit Platt parameters over recent labeled outcomes.
// The parameters are returned for inspection, not hot-swapped into the live
// calculator.
type CalibrationFit struct {
	A       float64 `json:"a"`
	B       float64 `json:"b"`
	Samples int     `json:"samples"`
}

// LearningService closes the feedback loop: reviewer corrections update the
// ticket, the task, the reviewer's stats, and then feed the graph, the vector
// store, and the taxonomy evolution analysis.
type LearningService interface {
	SubmitCorrection(ctx context.Context, taskID, reviewerID uuid.UUID, sub CorrectionSubmission) (*domain.HITLCorrection, error)
	CorrectionsByReviewer(ctx context.Context, reviewerID uuid.UUID, limit, offset int) ([]*domain.HITLCorrection, error)
	CorrectionsSince(ctx context.Context, since time.Time, limit int) ([]*domain.HITLCorrection, error)
	Recalibrate(ctx context.Context, limit int) (CalibrationFit, error)
}

type learningService struct {
	tx  repos.TxRunner
	log *logger.Logger

	ensembleCfg ensemble.Config

	graph     GraphStore
	vector    VectorStore
	evolution EvolutionService

	taskRepo       repos.HITLTaskRepo
	correctionRepo repos.HITLCorrectionRepo
	ticketRepo     repos.TicketRepo
	userRepo       repos.UserRepo
	metricRepo     repos.ClassificationMetricRepo
}

func NewLearningService(
	tx repos.TxRunner,
	baseLog *logger.Logger,
	ensembleCfg ensemble.Config,
	graphStore GraphStore,
	vectorStore VectorStore,
	evolution EvolutionService,
	taskRepo repos.HITLTaskRepo,
	correctionRepo repos.HITLCorrectionRepo,
	ticketRepo repos.TicketRepo,
	userRepo repos.UserRepo,
	metricRepo repos.ClassificationMetricRepo,
) LearningService {
	return &learningService{
		tx:             tx,
		log:            baseLog.With("service", "LearningService"),
		ensembleCfg:    ensembleCfg,
		graph:          graphStore,
		vector:         vectorStore,
		evolution:      evolution,
		taskRepo:       taskRepo,
		correctionRepo: correctionRepo,
		ticketRepo:     ticketRepo,
		userRepo:       userRepo,
		metricRepo:     metricRepo,
	}
}

// SubmitCorrection records a reviewer's verdict and propagates it. The
// correction, ticket, task, and reviewer-stat writes are one transaction;
// everything after the commit (metric label, graph weights, vector
// correctness, evolution analysis) is best-effort per the learning contract:
// a persisted correction is never rolled back by a failed side effect.
func (s *learningService) SubmitCorrection(ctx context.Context, taskID, reviewerID uuid.UUID, sub CorrectionSubmission) (*domain.HITLCorrection, error) {
	if taskID == uuid.Nil || reviewerID == uuid.Nil {
		return nil, fmt.Errorf("learning: task and reviewer ids required: %w", apperrors.ErrInvalidArgument)
	}
	if strings.TrimSpace(sub.CorrectedLevel1) == "" ||
		strings.TrimSpace(sub.CorrectedLevel2) == "" ||
		strings.TrimSpace(sub.CorrectedLevel3) == "" {
		return nil, fmt.Errorf("learning: all three corrected levels required: %w", apperrors.ErrInvalidArgument)
	}
	if sub.ReviewTimeSeconds < 0 {
		sub.ReviewTimeSeconds = 0
	}

	task, err := s.taskRepo.GetByID(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		return nil, fmt.Errorf("learning: get task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("learning: task %s: %w", taskID, apperrors.ErrNotFound)
	}
	if task.Status == domain.HITLStatusCompleted {
		return nil, fmt.Errorf("learning: task %s already completed: %w", taskID, apperrors.ErrConflict)
	}

	isCorrect := sub.CorrectedLevel1 == task.AILevel1 &&
		sub.CorrectedLevel2 == task.AILevel2 &&
		sub.CorrectedLevel3 == task.AILevel3

	now := time.Now().UTC()
	correction := &domain.HITLCorrection{
		TaskID:             task.ID,
		TicketID:           task.TicketID,
		ReviewerID:         reviewerID,
		OriginalLevel1:     task.AILevel1,
		OriginalLevel2:     task.AILevel2,
		OriginalLevel3:     task.AILevel3,
		OriginalConfidence: task.AIConfidence,
		CorrectedLevel1:    sub.CorrectedLevel1,
		CorrectedLevel2:    sub.CorrectedLevel2,
		CorrectedLevel3:    sub.CorrectedLevel3,
		IsCorrect:          isCorrect,
		CorrectionNotes:    sub.CorrectionNotes,
		ConfidenceFeedback: sub.ConfidenceFeedback,
		SubmittedAt:        now,
		ReviewTimeSeconds:  sub.ReviewTimeSeconds,
		ShouldUpdateGraph:  true,
	}

	err = s.tx.InTx(ctx, func(dbc dbctx.Context) error {
		if _, err := s.correctionRepo.Create(dbc, []*domain.HITLCorrection{correction}); err != nil {
			return fmt.Errorf("create correction: %w", err)
		}
		if err := s.ticketRepo.UpdateFields(dbc, task.TicketID, map[string]interface{}{
			"level1_category": sub.CorrectedLevel1,
			"level2_category": sub.CorrectedLevel2,
			"level3_category": sub.CorrectedLevel3,
			"status":          domain.TicketStatusResolved,
			"resolved_at":     now,
		}); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		if err := s.taskRepo.UpdateFields(dbc, task.ID, map[string]interface{}{
			"status":              domain.HITLStatusCompleted,
			"completed_by":        reviewerID,
			"completed_at":        now,
			"review_time_seconds": sub.ReviewTimeSeconds,
		}); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := s.userRepo.RecordReview(dbc, reviewerID, sub.ReviewTimeSeconds, !isCorrect); err != nil {
			return fmt.Errorf("record review: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("learning: submit correction: %w", err)
	}

	s.log.Info("correction submitted",
		"task_id", task.ID,
		"ticket_id", task.TicketID,
		"reviewer_id", reviewerID,
		"is_correct", isCorrect)

	s.propagateCorrection(ctx, task, correction)

	return correction, nil
}

// propagateCorrection feeds one persisted correction into the learning
// stores. Confirmations reinforce nothing in the graph: the classification
// already carried its weight when it was recorded. Every failure here is a
// warning, never an error to the reviewer.
func (s *learningService) propagateCorrection(ctx context.Context, task *domain.HITLTask, correction *domain.HITLCorrection) {
	ticketID := task.TicketID.String()

	if err := s.metricRepo.MarkCorrectness(dbctx.Context{Ctx: ctx}, task.TicketID, correction.IsCorrect); err != nil {
		s.log.Warn("failed to label metric row", "ticket_id", ticketID, "error", err)
	}

	if correction.IsCorrect {
		if err := s.vector.UpdateCorrectness(ctx, ticketID, true); err != nil {
			s.log.Warn("failed to confirm vector correctness", "ticket_id", ticketID, "error", err)
		}
		return
	}

	if correction.ShouldUpdateGraph {
		if err := s.graph.RecordCorrection(ctx, ticketID, correction.OriginalPath(), correction.CorrectedPath()); err != nil {
			s.log.Warn("failed to record correction in graph", "ticket_id", ticketID, "error", err)
		}
		if err := s.graph.ReinforcePath(ctx, ticketID, correction.CorrectedPath(), true); err != nil {
			s.log.Warn("failed to reinforce corrected path", "ticket_id", ticketID, "error", err)
		}
	}
	if err := s.vector.UpdateCorrectness(ctx, ticketID, false); err != nil {
		s.log.Warn("failed to flag vector correctness", "ticket_id", ticketID, "error", err)
	}

	if s.evolution == nil {
		return
	}
	analysis, err := s.evolution.EvolveFromCorrection(ctx, CorrectionContext{
		Original:      correction.OriginalPath(),
		Corrected:     correction.CorrectedPath(),
		TicketContent: task.TicketTitle + " " + task.TicketDescription,
		ReviewerNotes: correction.CorrectionNotes,
	})
	if err != nil {
		s.log.Warn("evolution analysis failed", "ticket_id", ticketID, "error", err)
		return
	}
	if analysis.GraphUpdated {
		s.log.Info("evolution applied graph changes",
			"ticket_id", ticketID,
			"changes", strings.Join(analysis.AppliedChanges, "; "))
	}
}

func (s *learningService) CorrectionsByReviewer(ctx context.Context, reviewerID uuid.UUID, limit, offset int) ([]*domain.HITLCorrection, error) {
	if reviewerID == uuid.Nil {
		return nil, fmt.Errorf("learning: reviewer id required: %w", apperrors.ErrInvalidArgument)
	}
	out, err := s.correctionRepo.ListByReviewer(dbctx.Context{Ctx: ctx}, reviewerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("learning: corrections by reviewer: %w", err)
	}
	return out, nil
}

func (s *learningService) CorrectionsSince(ctx context.Context, since time.Time, limit int) ([]*domain.HITLCorrection, error) {
	out, err := s.correctionRepo.ListSince(dbctx.Context{Ctx: ctx}, since, limit)
	if err != nil {
		return nil, fmt.Errorf("learning: corrections since: %w", err)
	}
	return out, nil
}

// Recalibrate refits the Platt parameters on the newest labeled
// classifications. The fit runs on a throwaway calculator so the live one
// never observes a half-updated parameterization; adopting the result is an
// operator decision (config change), not an automatic swap.
func (s *learningService) Recalibrate(ctx context.Context, limit int) (CalibrationFit, error) {
	rows, err := s.metricRepo.RecentLabeled(dbctx.Context{Ctx: ctx}, limit)
	if err != nil {
		return CalibrationFit{}, fmt.Errorf("learning: recalibrate: %w", err)
	}
	if len(rows) < minCalibrationSamples {
		return CalibrationFit{}, fmt.Errorf("learning: recalibrate: need at least %d labeled samples, have %d: %w",
			minCalibrationSamples, len(rows), apperrors.ErrInvalidArgument)
	}

	calc, err := ensemble.New(s.ensembleCfg)
	if err != nil {
		return CalibrationFit{}, fmt.Errorf("learning: recalibrate: %w", err)
	}

	scores := make([]float64, 0, len(rows))
	labels := make([]bool, 0, len(rows))
	for _, m := range rows {
		if m.WasCorrect == nil {
			continue
		}
		scores = append(scores, calc.RawAdjustedScore(
			m.GraphConfidence, m.VectorConfidence, m.LLMConfidence, m.ComponentAgreement))
		labels = append(labels, *m.WasCorrect)
	}

	a, b, err := calc.Fit(scores, labels)
	if err != nil {
		return CalibrationFit{}, fmt.Errorf("learning: recalibrate: %w", err)
	}

	s.log.Info("calibration refit complete", "a", a, "b", b, "samples", len(scores))
	return CalibrationFit{A: a, B: b, Samples: len(scores)}, nil
}
