package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
	"github.com/yungbote/nexusflow-backend/internal/platform/qdrant"
)

const (
	maxTitleLen       = 500
	maxDescriptionLen = 1000
)

// TicketEmbedding is one ticket's vector plus the payload persisted next to
// it. Title and description are truncated to the payload limits on write.
type TicketEmbedding struct {
	TicketID    string
	Vector      []float32
	Title       string
	Description string
	Level1      string
	Level2      string
	Level3      string
	WasCorrect  bool
	Confidence  float64
	CreatedAt   time.Time
}

// Store persists ticket embeddings and answers similarity queries over them.
type Store struct {
	client *qdrant.Client
	log    *logger.Logger

	// Correctness updates are delete-then-reinsert; stripes serialize them
	// per ticket id so a racing pair cannot lose the reinsert.
	updateStripes [16]sync.Mutex
}

func NewStore(client *qdrant.Client, baseLog *logger.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("vector: qdrant client required")
	}
	return &Store{
		client: client,
		log:    baseLog.With("component", "VectorStore"),
	}, nil
}

// EnsureReady provisions the collection when absent. Set recreate to drop
// and rebuild it.
func (s *Store) EnsureReady(ctx context.Context, recreate bool) error {
	return s.client.EnsureCollection(ctx, recreate)
}

func (s *Store) stripeFor(ticketID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticketID))
	return &s.updateStripes[h.Sum32()%uint32(len(s.updateStripes))]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (t TicketEmbedding) toPoint() qdrant.Point {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return qdrant.Point{
		ID:     t.TicketID,
		Vector: t.Vector,
		Payload: map[string]any{
			"title":               truncate(t.Title, maxTitleLen),
			"description_snippet": truncate(t.Description, maxDescriptionLen),
			"level1_category":     t.Level1,
			"level2_category":     t.Level2,
			"level3_category":     t.Level3,
			"was_correct":         t.WasCorrect,
			"confidence":          t.Confidence,
			"created_at":          createdAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// Insert upserts one ticket embedding.
func (s *Store) Insert(ctx context.Context, t TicketEmbedding) error {
	if t.TicketID == "" {
		return fmt.Errorf("vector: ticket id required")
	}
	if len(t.Vector) == 0 {
		return fmt.Errorf("vector: embedding required")
	}
	if err := s.client.UpsertPoints(ctx, []qdrant.Point{t.toPoint()}); err != nil {
		return fmt.Errorf("vector: insert: %w", err)
	}
	s.log.Debug("Inserted ticket embedding", "ticket_id", t.TicketID)
	return nil
}

// InsertBatch upserts many embeddings, returning how many were written.
func (s *Store) InsertBatch(ctx context.Context, tickets []TicketEmbedding) (int, error) {
	points := make([]qdrant.Point, 0, len(tickets))
	for _, t := range tickets {
		if t.TicketID == "" || len(t.Vector) == 0 {
			continue
		}
		points = append(points, t.toPoint())
	}
	if len(points) == 0 {
		return 0, nil
	}
	if err := s.client.UpsertPoints(ctx, points); err != nil {
		return 0, fmt.Errorf("vector: insert batch: %w", err)
	}
	s.log.Info("Inserted ticket embeddings", "count", len(points))
	return len(points), nil
}

// Search returns up to limit similar tickets above minScore, most similar
// first. filter takes equality terms on payload fields, e.g.
// {"level1_category": "Billing & Payments"} or {"was_correct": true}.
func (s *Store) Search(ctx context.Context, vector []float32, limit int, minScore float64, filter map[string]any) ([]domain.VectorMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	hits, err := s.client.SearchPoints(ctx, vector, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}

	matches := make([]domain.VectorMatch, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}
		matches = append(matches, domain.VectorMatch{
			TicketID:           hit.ID,
			Title:              payloadString(hit.Payload, "title"),
			DescriptionSnippet: payloadString(hit.Payload, "description_snippet"),
			Level1:             payloadString(hit.Payload, "level1_category"),
			Level2:             payloadString(hit.Payload, "level2_category"),
			Level3:             payloadString(hit.Payload, "level3_category"),
			WasCorrect:         payloadBool(hit.Payload, "was_correct", true),
			Confidence:         payloadFloat(hit.Payload, "confidence", 1.0),
			SimilarityScore:    hit.Score,
		})
	}
	return matches, nil
}

// CategoryConfidence searches and folds the matches into per-level weighted
// votes. Each match votes with its similarity score, halved when its own
// classification was marked wrong; votes are normalized per level and the
// winner's share becomes that level's confidence.
func (s *Store) CategoryConfidence(ctx context.Context, vector []float32, limit int) (domain.CategoryVote, error) {
	matches, err := s.Search(ctx, vector, limit, 0, nil)
	if err != nil {
		return domain.CategoryVote{}, err
	}
	return AggregateVotes(matches), nil
}

// AggregateVotes is the pure vote fold behind CategoryConfidence.
func AggregateVotes(matches []domain.VectorMatch) domain.CategoryVote {
	if len(matches) == 0 {
		return domain.CategoryVote{CategoryVotes: map[string]map[string]float64{}}
	}

	level1Votes := map[string]float64{}
	level2Votes := map[string]float64{}
	level3Votes := map[string]float64{}

	for _, m := range matches {
		weight := m.SimilarityScore
		if !m.WasCorrect {
			weight *= 0.5
		}
		level1Votes[m.Level1] += weight
		level2Votes[m.Level2] += weight
		level3Votes[m.Level3] += weight
	}

	level1Norm := normalizeVotes(level1Votes)
	level2Norm := normalizeVotes(level2Votes)
	level3Norm := normalizeVotes(level3Votes)

	topL1, shareL1 := topVote(level1Norm)
	topL2, shareL2 := topVote(level2Norm)
	topL3, shareL3 := topVote(level3Norm)

	return domain.CategoryVote{
		Level1:           topL1,
		Level2:           topL2,
		Level3:           topL3,
		Confidence:       (shareL1 + shareL2 + shareL3) / 3,
		Level1Confidence: shareL1,
		Level2Confidence: shareL2,
		Level3Confidence: shareL3,
		MatchCount:       len(matches),
		CategoryVotes: map[string]map[string]float64{
			"level1": level1Norm,
			"level2": level2Norm,
			"level3": level3Norm,
		},
	}
}

func normalizeVotes(votes map[string]float64) map[string]float64 {
	total := 0.0
	for _, v := range votes {
		total += v
	}
	if total == 0 {
		return votes
	}
	out := make(map[string]float64, len(votes))
	for k, v := range votes {
		out[k] = v / total
	}
	return out
}

// topVote picks the highest-share candidate; ties break to the
// lexicographically smaller name so the fold is deterministic.
func topVote(votes map[string]float64) (string, float64) {
	best := ""
	bestShare := 0.0
	for name, share := range votes {
		if share > bestShare || (share == bestShare && best != "" && name < best) {
			best = name
			bestShare = share
		}
	}
	return best, bestShare
}

// UpdateCorrectness flips a stored ticket's was_correct flag. The store has
// no in-place payload update for this path, so the row is fetched, deleted,
// and reinserted; the stripe lock keeps concurrent updates of the same
// ticket from dropping the reinsert.
func (s *Store) UpdateCorrectness(ctx context.Context, ticketID string, wasCorrect bool) error {
	if ticketID == "" {
		return fmt.Errorf("vector: ticket id required")
	}

	stripe := s.stripeFor(ticketID)
	stripe.Lock()
	defer stripe.Unlock()

	points, err := s.client.RetrievePoints(ctx, []string{ticketID}, true)
	if err != nil {
		return fmt.Errorf("vector: update correctness: %w", err)
	}
	if len(points) == 0 {
		return nil
	}

	existing := points[0]
	if len(existing.Vector) == 0 {
		return fmt.Errorf("vector: update correctness: stored point %s has no vector", ticketID)
	}

	payload := make(map[string]any, len(existing.Payload)+1)
	for k, v := range existing.Payload {
		payload[k] = v
	}
	payload["was_correct"] = wasCorrect

	if err := s.client.DeletePoints(ctx, []string{ticketID}); err != nil {
		return fmt.Errorf("vector: update correctness: %w", err)
	}
	if err := s.client.UpsertPoints(ctx, []qdrant.Point{{
		ID:      existing.ID,
		Vector:  existing.Vector,
		Payload: payload,
	}}); err != nil {
		return fmt.Errorf("vector: update correctness: %w", err)
	}

	s.log.Info("Updated ticket correctness", "ticket_id", ticketID, "was_correct", wasCorrect)
	return nil
}

// Count reports how many embeddings the collection holds.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.CountPoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("vector: count: %w", err)
	}
	return n, nil
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func payloadBool(p map[string]any, key string, def bool) bool {
	if p == nil {
		return def
	}
	b, ok := p[key].(bool)
	if !ok {
		return def
	}
	return b
}

func payloadFloat(p map[string]any, key string, def float64) float64 {
	if p == nil {
		return def
	}
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}
