package services

import (
	"context"

	"github.com/yungbote/nexusflow-backend/internal/data/graph"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/vector"
)

// Classifier runs the full classification pipeline for one ticket.
// Satisfied by *pipeline.Pipeline.
type Classifier interface {
	Classify(ctx context.Context, ticketID string, req domain.ClassifyRequest) (*domain.ClassificationResult, error)
}

// Embedder turns ticket text into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// LLM is the plain-completion seam the evolution prompts go through.
type LLM interface {
	GenerateText(ctx context.Context, system string, user string) (string, error)
}

// VectorSearcher answers similarity queries over stored ticket embeddings.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, limit int, minScore float64, filter map[string]any) ([]domain.VectorMatch, error)
}

// VectorStore is the embedding store surface the services write to.
// Satisfied by *vector.Store.
type VectorStore interface {
	VectorSearcher
	Insert(ctx context.Context, t vector.TicketEmbedding) error
	CategoryConfidence(ctx context.Context, vec []float32, limit int) (domain.CategoryVote, error)
	UpdateCorrectness(ctx context.Context, ticketID string, wasCorrect bool) error
	Count(ctx context.Context) (int64, error)
}

// GraphStore is the taxonomy-graph surface the services depend on.
// Satisfied by *graph.Store.
type GraphStore interface {
	FindCandidatePaths(ctx context.Context, text string, keywords []string, k int) ([]domain.GraphPath, error)
	AllPaths(ctx context.Context) ([]domain.GraphPath, error)
	HierarchySnapshot(ctx context.Context) (map[string]map[string][]string, error)
	AddTicketClassification(ctx context.Context, ticketID, level3 string, confidence float64) error
	ReinforcePath(ctx context.Context, ticketID string, path domain.Path, wasCorrected bool) error
	RecordCorrection(ctx context.Context, ticketID string, original, corrected domain.Path) error
	Statistics(ctx context.Context) (graph.Statistics, error)
	CategoryDistribution(ctx context.Context) ([]graph.CategoryCount, error)
	ApplyExpansion(ctx context.Context, parentLevel int, parentName string, children []graph.CategorySpec, createdBy string) (int, error)
	AppendKeywords(ctx context.Context, level int, name string, keywords []string) error
	SetDescription(ctx context.Context, level int, name, description string) error
	CreateCategory(ctx context.Context, level int, name, parentName, description string, keywords []string, aiGenerated bool, createdBy string) error
	UpdateCategory(ctx context.Context, level int, name string, description *string, keywords []string) error
	DeleteCategory(ctx context.Context, level int, name string, cascade bool) error
}
