package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/nexusflow-backend/internal/config"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/ensemble"
	"github.com/yungbote/nexusflow-backend/internal/events"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

const (
	graphCandidateLimit = 5
	vectorMatchLimit    = 10
	vectorVoteTopK      = 5
	promptPathLimit     = 3
	promptMatchLimit    = 3
	resultPathLimit     = 5
	resultMatchLimit    = 5
)

// GraphQuerier is the taxonomy-graph seam the pipeline classifies against.
type GraphQuerier interface {
	FindCandidatePaths(ctx context.Context, text string, keywords []string, k int) ([]domain.GraphPath, error)
}

// VectorSearcher returns historical tickets similar to a query embedding.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, limit int, minScore float64, filter map[string]any) ([]domain.VectorMatch, error)
}

// Embedder turns ticket text into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// LLM is the judge seam: keyword extraction and the final judgment both go
// through plain text completions.
type LLM interface {
	GenerateText(ctx context.Context, system string, user string) (string, error)
}

// Pipeline runs the six-stage classification state machine for one ticket:
// extract_keywords, query_graph, search_vectors, llm_judge,
// calculate_confidence, route_decision. Component failures are recorded and
// degrade confidence; they never abort the run.
type Pipeline struct {
	graph    GraphQuerier
	vector   VectorSearcher
	embedder Embedder
	llm      LLM
	calc     *ensemble.Calculator
	emitter  events.Emitter
	cfg      config.Config
	log      *logger.Logger
}

// New wires a pipeline. A nil emitter disables progress events.
func New(
	graph GraphQuerier,
	vector VectorSearcher,
	embedder Embedder,
	llm LLM,
	calc *ensemble.Calculator,
	emitter events.Emitter,
	cfg config.Config,
	baseLog *logger.Logger,
) (*Pipeline, error) {
	if graph == nil || vector == nil || embedder == nil || llm == nil {
		return nil, fmt.Errorf("pipeline: graph, vector, embedder, and llm are required")
	}
	if calc == nil {
		return nil, fmt.Errorf("pipeline: calculator is required")
	}
	if baseLog == nil {
		return nil, fmt.Errorf("pipeline: logger is required")
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Pipeline{
		graph:    graph,
		vector:   vector,
		embedder: embedder,
		llm:      llm,
		calc:     calc,
		emitter:  emitter,
		cfg:      cfg,
		log:      baseLog.With("component", "Pipeline"),
	}, nil
}

// state is the mutable carrier threaded through the six stages.
type state struct {
	ticketID string
	req      domain.ClassifyRequest

	keywords []string

	graphPaths []domain.GraphPath
	graphPred  *domain.Path
	graphConf  float64

	matches    []domain.VectorMatch
	vectorPred *domain.Path
	vectorConf float64

	llmPred      *domain.Path
	llmConf      float64
	llmReasoning string

	ensemble domain.EnsembleResult

	requiresHITL bool
	hitlReason   string

	errors []string
	start  time.Time
}

// Classify runs the full pipeline for one ticket. It returns an error only
// when the run is aborted outside component boundaries (context
// cancellation); component failures are reported inside the result.
func (p *Pipeline) Classify(ctx context.Context, ticketID string, req domain.ClassifyRequest) (*domain.ClassificationResult, error) {
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("pipeline: ticket %s has no text to classify", ticketID)
	}
	if req.Priority == "" {
		req.Priority = domain.TicketPriorityMedium
	}
	st := &state{
		ticketID: ticketID,
		req:      req,
		errors:   []string{},
		start:    time.Now(),
	}

	stages := []struct {
		name string
		run  func(context.Context, *state)
	}{
		{"extract_keywords", p.extractKeywords},
		{"query_graph", p.queryGraph},
		{"search_vectors", p.searchVectors},
		{"llm_judge", p.llmJudge},
		{"calculate_confidence", p.calculateConfidence},
		{"route_decision", p.routeDecision},
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: classification of %s aborted before %s: %w", ticketID, stage.name, err)
		}
		p.emitStage(ctx, st.ticketID, events.EventStageStarted, stage.name, -1)
		begin := time.Now()
		stage.run(ctx, st)
		p.emitStage(ctx, st.ticketID, events.EventStageCompleted, stage.name, time.Since(begin).Milliseconds())
	}

	result := p.formatResult(st)
	p.emitter.Emit(ctx, events.New(events.EventClassificationComplete, events.TicketChannel(st.ticketID), map[string]any{
		"ticket_id":      result.TicketID,
		"classification": result.Classification,
		"ensemble":       st.ensemble,
		"requires_hitl":  result.Routing.RequiresHITL,
		"auto_resolved":  result.Routing.AutoResolved,
		"hitl_reason":    result.Routing.HITLReason,
	}))
	return result, nil
}

func (p *Pipeline) emitStage(ctx context.Context, ticketID string, typ events.EventType, stage string, elapsedMS int64) {
	data := map[string]any{"stage": stage}
	if elapsedMS >= 0 {
		data["elapsed_ms"] = elapsedMS
	}
	p.emitter.Emit(ctx, events.New(typ, events.TicketChannel(ticketID), data))
}

func (p *Pipeline) extractKeywords(ctx context.Context, st *state) {
	prompt := fmt.Sprintf(`Extract 5-10 relevant keywords from this support ticket that would help classify it.
Return only the keywords as a JSON array of strings.

Ticket:
Title: %s
Description: %s

Keywords (JSON array):`, st.req.Title, st.req.Description)

	llmCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()

	text, err := p.llm.GenerateText(llmCtx, "", prompt)
	if err != nil {
		p.log.Warn("keyword extraction failed", "ticket_id", st.ticketID, "error", err)
		st.errors = append(st.errors, "Keyword extraction: "+err.Error())
		return
	}

	keywords, err := parseKeywords(text)
	if err != nil {
		p.log.Warn("keyword extraction failed", "ticket_id", st.ticketID, "error", err)
		st.errors = append(st.errors, "Keyword extraction: "+err.Error())
		return
	}
	st.keywords = keywords
	p.log.Debug("extracted keywords", "ticket_id", st.ticketID, "keywords", keywords)
}

// parseKeywords reads the model reply either as a JSON string array or, when
// the reply is not array-shaped, as a comma-separated list.
func parseKeywords(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "[") {
		var keywords []string
		if err := json.Unmarshal([]byte(text), &keywords); err != nil {
			return nil, fmt.Errorf("parse keyword array: %w", err)
		}
		return keywords, nil
	}
	var keywords []string
	for _, part := range strings.Split(text, ",") {
		part = strings.Trim(strings.TrimSpace(part), "\"'")
		if part != "" {
			keywords = append(keywords, part)
		}
	}
	return keywords, nil
}

func (p *Pipeline) queryGraph(ctx context.Context, st *state) {
	text := st.req.Title + " " + st.req.Description
	paths, err := p.graph.FindCandidatePaths(ctx, text, st.keywords, graphCandidateLimit)
	if err != nil {
		p.log.Error("graph query failed", "ticket_id", st.ticketID, "error", err)
		st.errors = append(st.errors, "Graph query: "+err.Error())
		return
	}
	st.graphPaths = paths
	if len(paths) == 0 {
		st.errors = append(st.errors, "No graph paths found")
		return
	}
	top := paths[0]
	st.graphPred = &domain.Path{Level1: top.Level1, Level2: top.Level2, Level3: top.Level3}
	st.graphConf = top.Confidence
	p.log.Debug("graph query result", "ticket_id", st.ticketID, "top_path", top, "num_paths", len(paths))
}

func (p *Pipeline) searchVectors(ctx context.Context, st *state) {
	text := st.req.Title + " " + st.req.Description
	vectors, err := p.embedder.Embed(ctx, []string{text})
	if err == nil && len(vectors) == 0 {
		err = fmt.Errorf("embedding service returned no vectors")
	}
	if err != nil {
		p.log.Error("vector search failed", "ticket_id", st.ticketID, "error", err)
		st.errors = append(st.errors, "Vector search: "+err.Error())
		return
	}

	matches, err := p.vector.Search(ctx, vectors[0], vectorMatchLimit, 0, nil)
	if err != nil {
		p.log.Error("vector search failed", "ticket_id", st.ticketID, "error", err)
		st.errors = append(st.errors, "Vector search: "+err.Error())
		return
	}
	st.matches = matches
	if len(matches) == 0 {
		return
	}

	pred, conf := aggregateMatches(matches)
	st.vectorPred = pred
	st.vectorConf = conf
	p.log.Debug("vector search result",
		"ticket_id", st.ticketID,
		"top_prediction", pred,
		"confidence", conf,
		"num_matches", len(matches),
	)
}

// aggregateMatches groups the top matches by full path and picks the winner
// by occurrence count, then total similarity. The confidence scales the
// winner's mean similarity by its share of the considered matches.
func aggregateMatches(matches []domain.VectorMatch) (*domain.Path, float64) {
	top := matches
	if len(top) > vectorVoteTopK {
		top = top[:vectorVoteTopK]
	}

	type tally struct {
		count int
		total float64
	}
	tallies := make(map[domain.Path]*tally, len(top))
	order := make([]domain.Path, 0, len(top))
	for _, m := range top {
		key := domain.Path{Level1: m.Level1, Level2: m.Level2, Level3: m.Level3}
		t, ok := tallies[key]
		if !ok {
			t = &tally{}
			tallies[key] = t
			order = append(order, key)
		}
		t.count++
		t.total += m.SimilarityScore
	}

	var best *tally
	var bestPath domain.Path
	for _, key := range order {
		t := tallies[key]
		if best == nil || t.count > best.count || (t.count == best.count && t.total > best.total) {
			best = t
			bestPath = key
		}
	}
	if best == nil {
		return nil, 0
	}

	conf := best.total / float64(best.count) * (float64(best.count) / float64(len(top)))
	if conf > 1.0 {
		conf = 1.0
	}
	return &bestPath, conf
}

const judgeSystemPrompt = `You are an expert support ticket classifier. Your task is to classify tickets into a 3-level hierarchy.

Classification Hierarchy Levels:
- Level 1: Main category (e.g., "Technical Support", "Billing & Payments", "Account Management")
- Level 2: Subcategory (e.g., "Authentication", "Performance", "Invoicing")
- Level 3: Specific issue type (e.g., "Password Reset Issues", "Slow Response Time", "Missing Invoice")

You will be provided with suggestions from a graph database and similar historical tickets. Use these as guidance but make your own judgment.

Respond with a JSON object containing:
{
    "level1": "Category name",
    "level2": "Subcategory name",
    "level3": "Specific issue type",
    "confidence": 0.0-1.0,
    "reasoning": "Brief explanation of classification decision"
}`

func (p *Pipeline) llmJudge(ctx context.Context, st *state) {
	var graphContext strings.Builder
	if len(st.graphPaths) > 0 {
		graphContext.WriteString("Graph-based suggestions:\n")
		for i, path := range st.graphPaths {
			if i >= promptPathLimit {
				break
			}
			fmt.Fprintf(&graphContext, "%d. %s > %s > %s (confidence: %.2f)\n",
				i+1, path.Level1, path.Level2, path.Level3, path.Confidence)
		}
	}

	var vectorContext strings.Builder
	if len(st.matches) > 0 {
		vectorContext.WriteString("\nSimilar historical tickets:\n")
		for i, m := range st.matches {
			if i >= promptMatchLimit {
				break
			}
			title := m.Title
			if len(title) > 80 {
				title = title[:80]
			}
			fmt.Fprintf(&vectorContext, "%d. [%s > %s > %s] \"%s\" (similarity: %.2f)\n",
				i+1, m.Level1, m.Level2, m.Level3, title, m.SimilarityScore)
		}
	}

	userPrompt := fmt.Sprintf(`Classify this support ticket:

Title: %s
Description: %s
Priority: %s

%s
%s

Provide your classification as JSON:`,
		st.req.Title, st.req.Description, st.req.Priority,
		graphContext.String(), vectorContext.String())

	llmCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()

	reply, err := p.llm.GenerateText(llmCtx, judgeSystemPrompt, userPrompt)
	var verdict *judgeVerdict
	if err == nil {
		verdict, err = parseJudgeVerdict(reply)
	}
	if err != nil {
		p.log.Error("llm judgment failed", "ticket_id", st.ticketID, "error", err)
		st.errors = append(st.errors, "LLM judgment: "+err.Error())

		// Fall back to the strongest remaining component, discounted.
		switch {
		case st.graphPred != nil:
			pred := *st.graphPred
			st.llmPred = &pred
			st.llmConf = st.graphConf * 0.8
		case st.vectorPred != nil:
			pred := *st.vectorPred
			st.llmPred = &pred
			st.llmConf = st.vectorConf * 0.8
		default:
			st.llmConf = 0
		}
		return
	}

	st.llmPred = &domain.Path{Level1: verdict.Level1, Level2: verdict.Level2, Level3: verdict.Level3}
	st.llmConf = verdict.confidence()
	st.llmReasoning = verdict.Reasoning
	p.log.Debug("llm judgment", "ticket_id", st.ticketID, "prediction", st.llmPred, "confidence", st.llmConf)
}

type judgeVerdict struct {
	Level1     string   `json:"level1"`
	Level2     string   `json:"level2"`
	Level3     string   `json:"level3"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

func (v *judgeVerdict) confidence() float64 {
	if v.Confidence == nil {
		return 0.8
	}
	return *v.Confidence
}

func parseJudgeVerdict(reply string) (*judgeVerdict, error) {
	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(extractJSON(reply)), &verdict); err != nil {
		return nil, fmt.Errorf("parse judgment: %w", err)
	}
	if verdict.Level1 == "" && verdict.Level2 == "" && verdict.Level3 == "" {
		return nil, fmt.Errorf("parse judgment: reply carries no classification")
	}
	return &verdict, nil
}

// extractJSON strips a markdown code fence when the model wrapped its reply
// in one.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

func (p *Pipeline) calculateConfidence(ctx context.Context, st *state) {
	st.ensemble = p.calc.Calculate(
		componentPrediction(st.graphPred, st.graphConf, "graph"),
		componentPrediction(st.vectorPred, st.vectorConf, "vector"),
		componentPrediction(st.llmPred, st.llmConf, "llm"),
	)
	p.log.Info("calculated ensemble confidence",
		"ticket_id", st.ticketID,
		"classification", st.ensemble.Level1+" > "+st.ensemble.Level2+" > "+st.ensemble.Level3,
		"confidence", st.ensemble.CalibratedScore,
		"agreement", st.ensemble.ComponentAgreement,
	)
}

func componentPrediction(pred *domain.Path, conf float64, source string) domain.ComponentPrediction {
	cp := domain.ComponentPrediction{Confidence: conf, Source: source}
	if pred != nil {
		cp.Path = *pred
	}
	return cp
}

func (p *Pipeline) routeDecision(ctx context.Context, st *state) {
	// No component produced a prediction: no confidence signal exists, so
	// the calibrated midpoint the scaler would report is meaningless.
	if st.graphPred == nil && st.vectorPred == nil && st.llmPred == nil {
		st.ensemble.RawCombinedScore = 0
		st.ensemble.CalibratedScore = 0
		st.ensemble.IsHighConfidence = false
		st.ensemble.NeedsReview = true
		st.requiresHITL = true
		st.hitlReason = "classification failed"
		p.log.Warn("all classification components failed", "ticket_id", st.ticketID, "errors", st.errors)
		return
	}

	score := st.ensemble.CalibratedScore
	agreement := st.ensemble.ComponentAgreement

	needsHITL := false
	var reasons []string

	if score < p.cfg.AutoResolveThreshold {
		needsHITL = true
		if score < p.cfg.HITLThreshold {
			reasons = append(reasons, fmt.Sprintf("Very low confidence (%.2f) - escalation", score))
		} else {
			reasons = append(reasons, fmt.Sprintf("Below auto-resolve threshold (%.2f)", score))
		}
	}
	if agreement < p.cfg.AgreementFloorReview {
		needsHITL = true
		reasons = append(reasons, fmt.Sprintf("Low component agreement (%.2f)", agreement))
	}
	if len(st.errors) > 0 {
		needsHITL = true
		reasons = append(reasons, fmt.Sprintf("Processing errors: %d", len(st.errors)))
	}

	if !needsHITL {
		p.log.Info("auto-resolved", "ticket_id", st.ticketID, "confidence", score)
		return
	}
	st.requiresHITL = true
	if len(reasons) > 0 {
		st.hitlReason = strings.Join(reasons, "; ")
	} else {
		st.hitlReason = "Manual review required"
	}
	p.log.Info("routing to hitl", "ticket_id", st.ticketID, "confidence", score, "reason", st.hitlReason)
}

func (p *Pipeline) formatResult(st *state) *domain.ClassificationResult {
	paths := st.graphPaths
	if len(paths) > resultPathLimit {
		paths = paths[:resultPathLimit]
	}
	matches := st.matches
	if len(matches) > resultMatchLimit {
		matches = matches[:resultMatchLimit]
	}

	return &domain.ClassificationResult{
		TicketID: st.ticketID,
		Classification: domain.Path{
			Level1: st.ensemble.Level1,
			Level2: st.ensemble.Level2,
			Level3: st.ensemble.Level3,
		},
		Confidence: domain.ConfidenceReport{
			GraphConfidence:    st.ensemble.GraphConfidence,
			VectorConfidence:   st.ensemble.VectorConfidence,
			LLMConfidence:      st.ensemble.LLMConfidence,
			RawCombinedScore:   st.ensemble.RawCombinedScore,
			CalibratedScore:    st.ensemble.CalibratedScore,
			ComponentAgreement: st.ensemble.ComponentAgreement,
			Entropy:            st.ensemble.Entropy,
		},
		GraphAnalysis: domain.GraphAnalysis{
			Paths:      paths,
			Prediction: st.graphPred,
			Confidence: st.graphConf,
		},
		VectorAnalysis: domain.VectorAnalysis{
			Matches:    matches,
			Prediction: st.vectorPred,
			Confidence: st.vectorConf,
		},
		LLMAnalysis: domain.LLMAnalysis{
			Prediction: st.llmPred,
			Confidence: st.llmConf,
			Reasoning:  st.llmReasoning,
		},
		Routing: domain.RoutingDecision{
			RequiresHITL: st.requiresHITL,
			HITLReason:   st.hitlReason,
			AutoResolved: !st.requiresHITL,
		},
		Processing: domain.ProcessingInfo{
			TimeMS:    time.Since(st.start).Milliseconds(),
			Errors:    st.errors,
			Timestamp: time.Now().UTC(),
		},
	}
}
