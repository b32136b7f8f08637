package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/nexusflow-backend/internal/data/graph"
	"github.com/yungbote/nexusflow-backend/internal/data/repos"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
	"github.com/yungbote/nexusflow-backend/internal/vector"
)

const suggestionKeywordLimit = 10

// CategorySuggestion is one lightweight path candidate from a single
// component, without running the full pipeline.
type CategorySuggestion struct {
	Source     string  `json:"source"`
	Level1     string  `json:"level1"`
	Level2     string  `json:"level2"`
	Level3     string  `json:"level3"`
	Confidence float64 `json:"confidence"`
}

// HierarchyView bundles the taxonomy tree with graph-level statistics.
type HierarchyView struct {
	Hierarchy  map[string]map[string][]string `json:"hierarchy"`
	Statistics graph.Statistics               `json:"statistics"`
}

// ClassificationService is the high-level entry point for classifying
// tickets: it owns the ticket row lifecycle around a pipeline run and all
// post-classification side effects.
type ClassificationService interface {
	ClassifyTicket(ctx context.Context, req domain.ClassifyRequest) (*domain.ClassificationResult, error)
	GetTicket(ctx context.Context, id uuid.UUID) (*domain.Ticket, error)
	GetSimilarTickets(ctx context.Context, title, description string, limit int) ([]domain.VectorMatch, error)
	CategorySuggestions(ctx context.Context, title, description string) ([]CategorySuggestion, error)
	Hierarchy(ctx context.Context) (*HierarchyView, error)
	MetricsSummary(ctx context.Context, since time.Time) (repos.MetricsSummary, error)
}

type classificationService struct {
	log *logger.Logger

	classifier Classifier
	graph      GraphStore
	vector     VectorStore
	embedder   Embedder
	hitl       HITLService

	ticketRepo repos.TicketRepo
	metricRepo repos.ClassificationMetricRepo
}

func NewClassificationService(
	baseLog *logger.Logger,
	classifier Classifier,
	graphStore GraphStore,
	vectorStore VectorStore,
	embedder Embedder,
	hitl HITLService,
	ticketRepo repos.TicketRepo,
	metricRepo repos.ClassificationMetricRepo,
) ClassificationService {
	return &classificationService{
		log:        baseLog.With("service", "ClassificationService"),
		classifier: classifier,
		graph:      graphStore,
		vector:     vectorStore,
		embedder:   embedder,
		hitl:       hitl,
		ticketRepo: ticketRepo,
		metricRepo: metricRepo,
	}
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case domain.TicketPriorityLow:
		return domain.TicketPriorityLow
	case domain.TicketPriorityHigh:
		return domain.TicketPriorityHigh
	case domain.TicketPriorityCritical:
		return domain.TicketPriorityCritical
	default:
		return domain.TicketPriorityMedium
	}
}

// ClassifyTicket persists a ticket row, runs the pipeline against it, and
// applies the post-classification side effects. A pipeline-fatal error
// escalates the ticket; side-effect failures are logged and never surface,
// so a caller always gets the classification the pipeline produced.
func (s *classificationService) ClassifyTicket(ctx context.Context, req domain.ClassifyRequest) (*domain.ClassificationResult, error) {
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("classification: ticket needs a title or description: %w", apperrors.ErrInvalidArgument)
	}
	req.Priority = normalizePriority(req.Priority)

	dbc := dbctx.Context{Ctx: ctx}
	row := &domain.Ticket{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      domain.TicketStatusProcessing,
		Source:      req.Source,
		CustomerID:  req.CustomerID,
	}
	if len(req.Metadata) > 0 {
		if raw, err := json.Marshal(req.Metadata); err == nil {
			row.Metadata = raw
		}
	}
	created, err := s.ticketRepo.Create(dbc, []*domain.Ticket{row})
	if err != nil {
		return nil, fmt.Errorf("classification: create ticket: %w", err)
	}
	ticket := created[0]
	ticketID := ticket.ID.String()

	s.log.Info("classifying ticket", "ticket_id", ticketID, "title", snippet(req.Title, 50))

	result, err := s.classifier.Classify(ctx, ticketID, req)
	if err != nil {
		if uerr := s.ticketRepo.UpdateFields(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, ticket.ID, map[string]interface{}{
			"status": domain.TicketStatusEscalated,
		}); uerr != nil {
			s.log.Warn("failed to escalate ticket after fatal pipeline error", "ticket_id", ticketID, "error", uerr)
		}
		return nil, fmt.Errorf("classification: ticket %s: %w", ticketID, err)
	}

	s.applySideEffects(ctx, ticket, req, result)
	return result, nil
}

// applySideEffects runs the persistence fan-out for one classification.
// Every branch logs its own failure and swallows it: the classification
// result already exists and must reach the caller regardless.
func (s *classificationService) applySideEffects(ctx context.Context, ticket *domain.Ticket, req domain.ClassifyRequest, result *domain.ClassificationResult) {
	ticketID := ticket.ID.String()
	path := result.Classification
	calibrated := result.Confidence.CalibratedScore

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		vecs, err := s.embedder.Embed(gctx, []string{req.Title + " " + req.Description})
		if err != nil || len(vecs) == 0 {
			s.log.Warn("failed to store ticket embedding", "ticket_id", ticketID, "error", err)
			return nil
		}
		err = s.vector.Insert(gctx, vector.TicketEmbedding{
			TicketID:    ticketID,
			Vector:      vecs[0],
			Title:       req.Title,
			Description: req.Description,
			Level1:      path.Level1,
			Level2:      path.Level2,
			Level3:      path.Level3,
			WasCorrect:  true,
			Confidence:  calibrated,
		})
		if err != nil {
			s.log.Warn("failed to store ticket embedding", "ticket_id", ticketID, "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.graph.AddTicketClassification(gctx, ticketID, path.Level3, calibrated); err != nil {
			s.log.Warn("failed to update graph", "ticket_id", ticketID, "error", err)
			return nil
		}
		// High-confidence outcomes also nudge the traversed edges up, so
		// auto-resolutions train the graph without reviewer input.
		if result.Routing.AutoResolved {
			if err := s.graph.ReinforcePath(gctx, ticketID, path, false); err != nil {
				s.log.Warn("failed to reinforce path", "ticket_id", ticketID, "error", err)
			}
		}
		return nil
	})

	g.Go(func() error {
		now := time.Now().UTC()
		status := domain.TicketStatusPendingReview
		updates := map[string]interface{}{
			"level1_category":           path.Level1,
			"level2_category":           path.Level2,
			"level3_category":           path.Level3,
			"classification_confidence": calibrated,
			"classified_at":             now,
			"processing_time_ms":        result.Processing.TimeMS,
		}
		if result.Routing.AutoResolved {
			status = domain.TicketStatusResolved
			updates["resolved_at"] = now
		}
		updates["status"] = status
		if err := s.ticketRepo.UpdateFields(dbctx.Context{Ctx: gctx}, ticket.ID, updates); err != nil {
			s.log.Warn("failed to persist classification", "ticket_id", ticketID, "error", err)
		}
		return nil
	})

	g.Go(func() error {
		metric := &domain.ClassificationMetric{
			TicketID:           ticket.ID,
			Level1:             path.Level1,
			Level2:             path.Level2,
			Level3:             path.Level3,
			GraphConfidence:    result.Confidence.GraphConfidence,
			VectorConfidence:   result.Confidence.VectorConfidence,
			LLMConfidence:      result.Confidence.LLMConfidence,
			FinalConfidence:    calibrated,
			ComponentAgreement: result.Confidence.ComponentAgreement,
			AutoResolved:       result.Routing.AutoResolved,
			RequiresHITL:       result.Routing.RequiresHITL,
			ProcessingTimeMS:   result.Processing.TimeMS,
		}
		if _, err := s.metricRepo.Create(dbctx.Context{Ctx: gctx}, []*domain.ClassificationMetric{metric}); err != nil {
			s.log.Warn("failed to record metrics", "ticket_id", ticketID, "error", err)
		}
		return nil
	})

	if result.Routing.RequiresHITL {
		g.Go(func() error {
			if _, err := s.hitl.CreateTask(gctx, CreateTaskInput{
				TicketID:    ticket.ID,
				Title:       req.Title,
				Description: req.Description,
				Source:      req.Source,
				Result:      result,
			}); err != nil {
				s.log.Warn("failed to create hitl task", "ticket_id", ticketID, "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (s *classificationService) GetTicket(ctx context.Context, id uuid.UUID) (*domain.Ticket, error) {
	ticket, err := s.ticketRepo.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, fmt.Errorf("classification: get ticket: %w", err)
	}
	if ticket == nil {
		return nil, fmt.Errorf("classification: ticket %s: %w", id, apperrors.ErrNotFound)
	}
	return ticket, nil
}

// GetSimilarTickets finds historical tickets near the given text.
func (s *classificationService) GetSimilarTickets(ctx context.Context, title, description string, limit int) ([]domain.VectorMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	vecs, err := s.embedder.Embed(ctx, []string{title + " " + description})
	if err != nil {
		return nil, fmt.Errorf("classification: similar tickets: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("classification: similar tickets: embedding service returned no vectors")
	}
	matches, err := s.vector.Search(ctx, vecs[0], limit, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("classification: similar tickets: %w", err)
	}
	return matches, nil
}

// CategorySuggestions returns quick path candidates from the graph and the
// vector vote without running the full pipeline. Useful for autocomplete.
func (s *classificationService) CategorySuggestions(ctx context.Context, title, description string) ([]CategorySuggestion, error) {
	text := title + " " + description

	keywords := strings.Fields(strings.ToLower(text))
	if len(keywords) > suggestionKeywordLimit {
		keywords = keywords[:suggestionKeywordLimit]
	}

	paths, err := s.graph.FindCandidatePaths(ctx, text, keywords, 5)
	if err != nil {
		return nil, fmt.Errorf("classification: category suggestions: %w", err)
	}

	suggestions := make([]CategorySuggestion, 0, 4)
	for i, p := range paths {
		if i >= 3 {
			break
		}
		suggestions = append(suggestions, CategorySuggestion{
			Source:     "graph",
			Level1:     p.Level1,
			Level2:     p.Level2,
			Level3:     p.Level3,
			Confidence: p.Confidence,
		})
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		return nil, fmt.Errorf("classification: category suggestions: %w", err)
	}
	vote, err := s.vector.CategoryConfidence(ctx, vecs[0], 5)
	if err != nil {
		return nil, fmt.Errorf("classification: category suggestions: %w", err)
	}
	if vote.Level1 != "" {
		suggestions = append(suggestions, CategorySuggestion{
			Source:     "vector",
			Level1:     vote.Level1,
			Level2:     vote.Level2,
			Level3:     vote.Level3,
			Confidence: vote.Confidence,
		})
	}
	return suggestions, nil
}

// Hierarchy returns the current taxonomy tree plus graph statistics.
func (s *classificationService) Hierarchy(ctx context.Context) (*HierarchyView, error) {
	tree, err := s.graph.HierarchySnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("classification: hierarchy: %w", err)
	}
	stats, err := s.graph.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("classification: hierarchy: %w", err)
	}
	return &HierarchyView{Hierarchy: tree, Statistics: stats}, nil
}

func (s *classificationService) MetricsSummary(ctx context.Context, since time.Time) (repos.MetricsSummary, error) {
	summary, err := s.metricRepo.Summary(dbctx.Context{Ctx: ctx}, since)
	if err != nil {
		return repos.MetricsSummary{}, fmt.Errorf("classification: metrics summary: %w", err)
	}
	return summary, nil
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
