package domain

import "time"

// Path is an L1→L2→L3 triple drawn from the taxonomy graph.
type Path struct {
	Level1 string `json:"level1"`
	Level2 string `json:"level2"`
	Level3 string `json:"level3"`
}

// Equal reports whether two paths match on all three levels.
func (p Path) Equal(other Path) bool {
	return p.Level1 == other.Level1 && p.Level2 == other.Level2 && p.Level3 == other.Level3
}

// IsZero reports whether no level is set.
func (p Path) IsZero() bool {
	return p.Level1 == "" && p.Level2 == "" && p.Level3 == ""
}

// ComponentPrediction is a single classifier's vote: a path plus the
// component's own confidence and a source tag (graph/vector/llm).
type ComponentPrediction struct {
	Path
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// EnsembleWeights are the fusion weights of the three components.
type EnsembleWeights struct {
	Graph  float64 `json:"graph"`
	Vector float64 `json:"vector"`
	LLM    float64 `json:"llm"`
}

// EnsembleResult is the calculator's full output: the majority-vote path,
// the component scores, and the calibrated final score with diagnostics.
type EnsembleResult struct {
	Level1 string `json:"level1"`
	Level2 string `json:"level2"`
	Level3 string `json:"level3"`

	GraphConfidence  float64 `json:"graph_confidence"`
	VectorConfidence float64 `json:"vector_confidence"`
	LLMConfidence    float64 `json:"llm_confidence"`

	Weights EnsembleWeights `json:"weights"`

	RawCombinedScore   float64 `json:"raw_combined_score"`
	CalibratedScore    float64 `json:"calibrated_score"`
	ComponentAgreement float64 `json:"component_agreement"`
	Entropy            float64 `json:"entropy"`

	CalibrationMethod      string  `json:"calibration_method"`
	CalibrationTemperature float64 `json:"calibration_temperature"`

	IsHighConfidence bool `json:"is_high_confidence"`
	NeedsReview      bool `json:"needs_review"`
}

// ClassifyRequest is a single ticket submission.
type ClassifyRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority,omitempty"`
	Source      string         `json:"source,omitempty"`
	CustomerID  string         `json:"customer_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// GraphPath is a scored candidate path from the taxonomy graph, carrying the
// L3 node's historical stats.
type GraphPath struct {
	Level1             string  `json:"level1"`
	Level2             string  `json:"level2"`
	Level3             string  `json:"level3"`
	Confidence         float64 `json:"confidence"`
	HistoricalCount    int64   `json:"historical_count"`
	HistoricalAccuracy float64 `json:"historical_accuracy"`
}

// VectorMatch is one similar ticket returned by the vector store.
type VectorMatch struct {
	TicketID           string  `json:"ticket_id"`
	Title              string  `json:"title"`
	DescriptionSnippet string  `json:"description_snippet"`
	Level1             string  `json:"level1_category"`
	Level2             string  `json:"level2_category"`
	Level3             string  `json:"level3_category"`
	WasCorrect         bool    `json:"was_correct"`
	Confidence         float64 `json:"confidence"`
	SimilarityScore    float64 `json:"similarity_score"`
}

// CategoryVote is the vector store's per-level weighted vote aggregation.
type CategoryVote struct {
	Level1 string `json:"level1"`
	Level2 string `json:"level2"`
	Level3 string `json:"level3"`

	Confidence       float64 `json:"confidence"`
	Level1Confidence float64 `json:"level1_confidence"`
	Level2Confidence float64 `json:"level2_confidence"`
	Level3Confidence float64 `json:"level3_confidence"`

	MatchCount int `json:"match_count"`

	// Normalized vote shares per candidate value, keyed by level.
	CategoryVotes map[string]map[string]float64 `json:"category_votes,omitempty"`
}

// ConfidenceReport is the classify response's confidence block.
type ConfidenceReport struct {
	GraphConfidence    float64 `json:"graph_confidence"`
	VectorConfidence   float64 `json:"vector_confidence"`
	LLMConfidence      float64 `json:"llm_confidence"`
	RawCombinedScore   float64 `json:"raw_combined_score"`
	CalibratedScore    float64 `json:"calibrated_score"`
	ComponentAgreement float64 `json:"component_agreement"`
	Entropy            float64 `json:"entropy"`
}

// GraphAnalysis carries the graph component's evidence.
type GraphAnalysis struct {
	Paths      []GraphPath `json:"paths"`
	Prediction *Path       `json:"prediction,omitempty"`
	Confidence float64     `json:"confidence"`
}

// VectorAnalysis carries the vector component's evidence.
type VectorAnalysis struct {
	Matches    []VectorMatch `json:"matches"`
	Prediction *Path         `json:"prediction,omitempty"`
	Confidence float64       `json:"confidence"`
}

// LLMAnalysis carries the LLM judge's verdict.
type LLMAnalysis struct {
	Prediction *Path   `json:"prediction,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// RoutingDecision is the pipeline's terminal outcome for one ticket.
type RoutingDecision struct {
	RequiresHITL bool   `json:"requires_hitl"`
	HITLReason   string `json:"hitl_reason,omitempty"`
	AutoResolved bool   `json:"auto_resolved"`
}

// ProcessingInfo reports timing and accumulated component errors.
type ProcessingInfo struct {
	TimeMS    int64     `json:"time_ms"`
	Errors    []string  `json:"errors"`
	Timestamp time.Time `json:"timestamp"`
}

// ClassificationResult is the full classify response for a ticket.
type ClassificationResult struct {
	TicketID       string           `json:"ticket_id"`
	Classification Path             `json:"classification"`
	Confidence     ConfidenceReport `json:"confidence"`
	GraphAnalysis  GraphAnalysis    `json:"graph_analysis"`
	VectorAnalysis VectorAnalysis   `json:"vector_analysis"`
	LLMAnalysis    LLMAnalysis      `json:"llm_analysis"`
	Routing        RoutingDecision  `json:"routing"`
	Processing     ProcessingInfo   `json:"processing"`
}
