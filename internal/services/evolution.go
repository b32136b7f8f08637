package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yungbote/nexusflow-backend/internal/data/graph"
	"github.com/yungbote/nexusflow-backend/internal/data/repos"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

const (
	evolutionSystemPrompt = "You are a classification taxonomy expert. Respond only with valid JSON."

	// Suggestions below this confidence are returned for human review but
	// never applied automatically, even when the model asks for auto-apply.
	autoApplyMinConfidence = 0.8

	datasetSampleCap      = 100
	datasetPromptTickets  = 50
	datasetSnippetLen     = 200
	correctionContentLen  = 500
	defaultExpansionCount = 5
)

// ExpansionSuggestion is one proposed child category.
type ExpansionSuggestion struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Reasoning   string   `json:"reasoning,omitempty"`
}

// ExpansionProposal is the LLM's answer to "what children should this
// category have".
type ExpansionProposal struct {
	Suggestions []ExpansionSuggestion `json:"suggestions"`
	Reasoning   string                `json:"reasoning,omitempty"`
}

// CategoryProposal is a suggested brand-new category from dataset analysis.
type CategoryProposal struct {
	Level          int      `json:"level"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ExampleTickets []string `json:"example_tickets,omitempty"`
	Children       []string `json:"children,omitempty"`
}

// ExpandedCategoryProposal suggests new children under an existing category.
type ExpandedCategoryProposal struct {
	ParentName  string               `json:"parent_name"`
	ParentLevel int                  `json:"parent_level"`
	NewChildren []graph.CategorySpec `json:"new_children"`
	Reasoning   string               `json:"reasoning,omitempty"`
}

// DatasetAnalysis reports how the taxonomy should evolve to cover a ticket
// corpus. It is advisory: nothing here touches the graph.
type DatasetAnalysis struct {
	SampleSize         int                        `json:"sample_size"`
	NewCategories      []CategoryProposal         `json:"new_categories"`
	ExpandedCategories []ExpandedCategoryProposal `json:"expanded_categories"`
	Coverage           map[string]any             `json:"coverage"`
	Recommendations    []string                   `json:"recommendations"`
}

// EvolutionSuggestion is one graph modification proposed from a correction.
// Type is update_keywords, update_description, or add_category.
type EvolutionSuggestion struct {
	Type           string   `json:"type"`
	TargetCategory string   `json:"target_category,omitempty"`
	TargetLevel    int      `json:"target_level,omitempty"`
	Action         string   `json:"action,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	NewDescription string   `json:"new_description,omitempty"`
	Parent         string   `json:"parent,omitempty"`
	ParentLevel    int      `json:"parent_level,omitempty"`
	NewName        string   `json:"new_name,omitempty"`
	Description    string   `json:"description,omitempty"`
}

// CorrectionContext carries one reviewer correction into evolution analysis.
type CorrectionContext struct {
	Original      domain.Path
	Corrected     domain.Path
	TicketContent string
	ReviewerNotes string
}

// CorrectionAnalysis is the evolution verdict for one correction: why the
// misclassification happened, what to change, and what was auto-applied.
type CorrectionAnalysis struct {
	Analysis       map[string]any        `json:"analysis"`
	Suggestions    []EvolutionSuggestion `json:"suggestions"`
	AppliedChanges []string              `json:"applied_changes"`
	GraphUpdated   bool                  `json:"graph_updated"`
}

// EvolutionService grows and reshapes the taxonomy: LLM-driven analysis of
// corrections and datasets, plus manual category management.
type EvolutionService interface {
	AnalyzeDataset(ctx context.Context, sampleLimit int) (*DatasetAnalysis, error)
	SuggestExpansion(ctx context.Context, parentLevel int, parentName, domainContext string, count int) (*ExpansionProposal, error)
	ApplyExpansion(ctx context.Context, parentLevel int, parentName string, children []graph.CategorySpec, appliedBy string) (int, error)
	EvolveFromCorrection(ctx context.Context, in CorrectionContext) (*CorrectionAnalysis, error)
	CreateCategory(ctx context.Context, level int, name, parentName, description string, keywords []string, createdBy string) error
	UpdateCategory(ctx context.Context, level int, name string, description *string, keywords []string) error
	DeleteCategory(ctx context.Context, level int, name string, cascade bool) error
}

type evolutionService struct {
	log        *logger.Logger
	llm        LLM
	graph      GraphStore
	ticketRepo repos.TicketRepo
}

func NewEvolutionService(baseLog *logger.Logger, llm LLM, graphStore GraphStore, ticketRepo repos.TicketRepo) EvolutionService {
	return &evolutionService{
		log:        baseLog.With("service", "EvolutionService"),
		llm:        llm,
		graph:      graphStore,
		ticketRepo: ticketRepo,
	}
}

// AnalyzeDataset samples recent classified tickets and asks the LLM where the
// taxonomy falls short. Read-only: suggestions are returned, never applied.
func (s *evolutionService) AnalyzeDataset(ctx context.Context, sampleLimit int) (*DatasetAnalysis, error) {
	if sampleLimit <= 0 || sampleLimit > datasetSampleCap {
		sampleLimit = datasetSampleCap
	}

	tickets, err := s.ticketRepo.ListClassified(dbctx.Context{Ctx: ctx}, sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("evolution: analyze dataset: %w", err)
	}
	if len(tickets) == 0 {
		return nil, fmt.Errorf("evolution: analyze dataset: no classified tickets available: %w", apperrors.ErrInvalidArgument)
	}

	hierarchy, err := s.graph.HierarchySnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("evolution: analyze dataset: %w", err)
	}
	hierarchyJSON, err := json.MarshalIndent(hierarchy, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("evolution: analyze dataset: %w", err)
	}

	summaries := make([]string, 0, datasetPromptTickets)
	for _, t := range tickets {
		if len(summaries) >= datasetPromptTickets {
			break
		}
		summaries = append(summaries, fmt.Sprintf("- %s: %s", t.Title, snippet(t.Description, datasetSnippetLen)))
	}

	prompt := fmt.Sprintf(`You are a classification taxonomy expert analyzing support tickets.

CURRENT HIERARCHY:
%s

SAMPLE TICKETS TO ANALYZE:
%s

TASK: Analyze these tickets and suggest how to evolve the classification graph.

Consider:
1. Are there tickets that don't fit well into existing categories?
2. Are there patterns suggesting new top-level categories?
3. Should any existing categories be expanded with new subcategories?
4. Are there coverage gaps in the current hierarchy?

Respond in this exact JSON format:
{
    "new_categories": [
        {
            "level": 1,
            "name": "Category Name",
            "description": "What this category covers",
            "example_tickets": ["example1", "example2"],
            "children": ["suggested child 1", "suggested child 2"]
        }
    ],
    "expanded_categories": [
        {
            "parent_name": "Existing Category",
            "parent_level": 2,
            "new_children": [
                {"name": "New Subcategory", "description": "What it covers"}
            ],
            "reasoning": "Why expansion is needed"
        }
    ],
    "coverage": {
        "well_covered_areas": ["area1", "area2"],
        "gaps_identified": ["gap1", "gap2"],
        "coverage_percentage": 85
    },
    "recommendations": [
        "Recommendation 1",
        "Recommendation 2"
    ]
}`, hierarchyJSON, strings.Join(summaries, "\n"))

	raw, err := s.llm.GenerateText(ctx, evolutionSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("evolution: analyze dataset: %w", err)
	}

	var parsed struct {
		NewCategories      []CategoryProposal         `json:"new_categories"`
		ExpandedCategories []ExpandedCategoryProposal `json:"expanded_categories"`
		Coverage           map[string]any             `json:"coverage"`
		Recommendations    []string                   `json:"recommendations"`
	}
	if err := unmarshalJSONObject(raw, &parsed); err != nil {
		return nil, fmt.Errorf("evolution: analyze dataset: %w", err)
	}

	s.log.Info("dataset analysis complete",
		"sample_size", len(summaries),
		"new_categories", len(parsed.NewCategories),
		"expansions", len(parsed.ExpandedCategories))

	return &DatasetAnalysis{
		SampleSize:         len(summaries),
		NewCategories:      parsed.NewCategories,
		ExpandedCategories: parsed.ExpandedCategories,
		Coverage:           parsed.Coverage,
		Recommendations:    parsed.Recommendations,
	}, nil
}

// SuggestExpansion asks the LLM for new children under an existing category.
// Level 3 is the taxonomy floor, so it always yields zero suggestions.
func (s *evolutionService) SuggestExpansion(ctx context.Context, parentLevel int, parentName, domainContext string, count int) (*ExpansionProposal, error) {
	if strings.TrimSpace(parentName) == "" {
		return nil, fmt.Errorf("evolution: suggest expansion: parent name required: %w", apperrors.ErrInvalidArgument)
	}
	if parentLevel == 3 {
		return &ExpansionProposal{
			Suggestions: []ExpansionSuggestion{},
			Reasoning:   "Level 3 categories cannot be expanded further",
		}, nil
	}
	if parentLevel != 1 && parentLevel != 2 {
		return nil, fmt.Errorf("evolution: suggest expansion: level must be 1..3, got %d: %w", parentLevel, apperrors.ErrInvalidArgument)
	}
	if count <= 0 {
		count = defaultExpansionCount
	}
	if domainContext == "" {
		domainContext = "Standard SaaS customer support system"
	}

	hierarchy, err := s.graph.HierarchySnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("evolution: suggest expansion: %w", err)
	}

	var children []string
	var childType string
	switch parentLevel {
	case 1:
		for l2 := range hierarchy[parentName] {
			children = append(children, l2)
		}
		sort.Strings(children)
		childType = "Level 2 subcategories"
	case 2:
		for _, l2s := range hierarchy {
			if l3s, ok := l2s[parentName]; ok {
				children = append(children, l3s...)
				break
			}
		}
		childType = "Level 3 specific issue types"
	}

	levelDesc := "subcategory"
	if parentLevel == 1 {
		levelDesc = "top-level domain"
	}
	childList := "None"
	if len(children) > 0 {
		childList = strings.Join(children, ", ")
	}

	prompt := fmt.Sprintf(`You are an expert in customer support ticket classification systems.

Current Category: %s
Category Level: %d (%s)
Current Children: %s

Additional Context: %s

TASK: Suggest %d new %s that should be added under "%s".

Requirements:
1. Each suggestion should be distinct from existing children
2. Names should be concise but descriptive (2-5 words)
3. Follow the naming convention of existing categories
4. Consider common patterns in customer support tickets
5. Ensure suggestions are mutually exclusive (no overlap)

Respond in this exact JSON format:
{
    "suggestions": [
        {
            "name": "Category Name",
            "description": "Brief description of what tickets belong here",
            "keywords": ["keyword1", "keyword2", "keyword3"],
            "reasoning": "Why this category is needed"
        }
    ],
    "overall_reasoning": "Explanation of the expansion strategy"
}`, parentName, parentLevel, levelDesc, childList, domainContext, count, childType, parentName)

	raw, err := s.llm.GenerateText(ctx, evolutionSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("evolution: suggest expansion: %w", err)
	}

	var parsed struct {
		Suggestions      []ExpansionSuggestion `json:"suggestions"`
		OverallReasoning string                `json:"overall_reasoning"`
	}
	if err := unmarshalJSONObject(raw, &parsed); err != nil {
		return nil, fmt.Errorf("evolution: suggest expansion: %w", err)
	}

	return &ExpansionProposal{
		Suggestions: parsed.Suggestions,
		Reasoning:   parsed.OverallReasoning,
	}, nil
}

// ApplyExpansion writes accepted suggestions under the parent category.
func (s *evolutionService) ApplyExpansion(ctx context.Context, parentLevel int, parentName string, children []graph.CategorySpec, appliedBy string) (int, error) {
	if len(children) == 0 {
		return 0, fmt.Errorf("evolution: apply expansion: no children given: %w", apperrors.ErrInvalidArgument)
	}
	created, err := s.graph.ApplyExpansion(ctx, parentLevel, parentName, children, appliedBy)
	if err != nil {
		return 0, fmt.Errorf("evolution: apply expansion: %w", err)
	}
	s.log.Info("expansion applied",
		"parent", parentName,
		"parent_level", parentLevel,
		"requested", len(children),
		"created", created,
		"applied_by", appliedBy)
	return created, nil
}

// EvolveFromCorrection asks the LLM why a correction happened and which graph
// changes would prevent a repeat. Keyword and description updates are applied
// when the model is confident and asks for auto-apply; new categories are
// only ever proposed, never created here.
func (s *evolutionService) EvolveFromCorrection(ctx context.Context, in CorrectionContext) (*CorrectionAnalysis, error) {
	hierarchy, err := s.graph.HierarchySnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("evolution: evolve from correction: %w", err)
	}
	hierarchyJSON, err := json.MarshalIndent(hierarchy, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("evolution: evolve from correction: %w", err)
	}

	notes := in.ReviewerNotes
	if notes == "" {
		notes = "None provided"
	}

	prompt := fmt.Sprintf(`You are analyzing a human correction to an AI classification to improve the taxonomy.

ORIGINAL CLASSIFICATION: %s
CORRECTED CLASSIFICATION: %s

TICKET CONTENT:
%s

REVIEWER NOTES: %s

CURRENT HIERARCHY STRUCTURE:
%s

TASK: Analyze this correction and suggest graph modifications.

Consider:
1. Why did the AI make this mistake?
2. Are the categories too similar or confusing?
3. Should keywords be updated?
4. Is a new category needed?
5. Should categories be merged or split?

Respond in this exact JSON format:
{
    "analysis": {
        "error_type": "misclassification reason",
        "confusion_factors": ["factor1", "factor2"],
        "pattern_identified": "Description of the pattern"
    },
    "suggestions": [
        {
            "type": "update_keywords",
            "target_category": "Category Name",
            "target_level": 3,
            "action": "Add keywords: ['keyword1', 'keyword2']",
            "keywords": ["keyword1", "keyword2"]
        },
        {
            "type": "add_category",
            "parent": "Parent Category",
            "parent_level": 2,
            "new_name": "New Category Name",
            "description": "What it covers"
        },
        {
            "type": "update_description",
            "target_category": "Category Name",
            "target_level": 3,
            "new_description": "Updated description"
        }
    ],
    "should_auto_apply": false,
    "confidence": 0.8
}`,
		joinPath(in.Original),
		joinPath(in.Corrected),
		snippet(in.TicketContent, correctionContentLen),
		notes,
		hierarchyJSON)

	raw, err := s.llm.GenerateText(ctx, evolutionSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("evolution: evolve from correction: %w", err)
	}

	var parsed struct {
		Analysis        map[string]any        `json:"analysis"`
		Suggestions     []EvolutionSuggestion `json:"suggestions"`
		ShouldAutoApply bool                  `json:"should_auto_apply"`
		Confidence      float64               `json:"confidence"`
	}
	if err := unmarshalJSONObject(raw, &parsed); err != nil {
		return nil, fmt.Errorf("evolution: evolve from correction: %w", err)
	}

	var applied []string
	if parsed.ShouldAutoApply && parsed.Confidence >= autoApplyMinConfidence {
		applied = s.applySuggestions(ctx, parsed.Suggestions)
	}

	return &CorrectionAnalysis{
		Analysis:       parsed.Analysis,
		Suggestions:    parsed.Suggestions,
		AppliedChanges: applied,
		GraphUpdated:   len(applied) > 0,
	}, nil
}

// applySuggestions writes the auto-applicable suggestion types to the graph.
// Failures skip to the next suggestion: a bad category name in one suggestion
// must not block the rest.
func (s *evolutionService) applySuggestions(ctx context.Context, suggestions []EvolutionSuggestion) []string {
	applied := make([]string, 0, len(suggestions))
	for _, sg := range suggestions {
		switch sg.Type {
		case "update_keywords":
			if err := s.graph.AppendKeywords(ctx, sg.TargetLevel, sg.TargetCategory, sg.Keywords); err != nil {
				s.log.Warn("failed to apply keyword suggestion", "category", sg.TargetCategory, "error", err)
				continue
			}
			applied = append(applied, fmt.Sprintf("Updated keywords for %s", sg.TargetCategory))
		case "update_description":
			if err := s.graph.SetDescription(ctx, sg.TargetLevel, sg.TargetCategory, sg.NewDescription); err != nil {
				s.log.Warn("failed to apply description suggestion", "category", sg.TargetCategory, "error", err)
				continue
			}
			applied = append(applied, fmt.Sprintf("Updated description for %s", sg.TargetCategory))
		case "add_category":
			// Structural changes stay behind human review.
			s.log.Info("skipping add_category suggestion, requires manual approval",
				"parent", sg.Parent, "name", sg.NewName)
		default:
			s.log.Warn("unknown suggestion type", "type", sg.Type)
		}
	}
	return applied
}

func (s *evolutionService) CreateCategory(ctx context.Context, level int, name, parentName, description string, keywords []string, createdBy string) error {
	if err := s.graph.CreateCategory(ctx, level, name, parentName, description, keywords, false, createdBy); err != nil {
		return fmt.Errorf("evolution: create category: %w", err)
	}
	return nil
}

func (s *evolutionService) UpdateCategory(ctx context.Context, level int, name string, description *string, keywords []string) error {
	if err := s.graph.UpdateCategory(ctx, level, name, description, keywords); err != nil {
		return fmt.Errorf("evolution: update category: %w", err)
	}
	return nil
}

func (s *evolutionService) DeleteCategory(ctx context.Context, level int, name string, cascade bool) error {
	if err := s.graph.DeleteCategory(ctx, level, name, cascade); err != nil {
		return fmt.Errorf("evolution: delete category: %w", err)
	}
	s.log.Info("category deleted", "level", level, "name", name, "cascade", cascade)
	return nil
}

func joinPath(p domain.Path) string {
	return strings.Join([]string{p.Level1, p.Level2, p.Level3}, " > ")
}

// unmarshalJSONObject pulls the first-to-last-brace JSON object out of an LLM
// reply and decodes it. Models wrap JSON in prose or code fences often enough
// that decoding the raw reply directly is a losing game.
func unmarshalJSONObject(raw string, out any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return fmt.Errorf("no JSON object in LLM response")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), out); err != nil {
		return fmt.Errorf("decode LLM response: %w", err)
	}
	return nil
}
