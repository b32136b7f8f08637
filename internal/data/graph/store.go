package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
	"github.com/yungbote/nexusflow-backend/internal/platform/neo4jdb"
	"github.com/yungbote/nexusflow-backend/internal/taxonomy"
)

// Edge-weight deltas applied by the learning path. Corrections punish the
// levels that were wrong and reward the reviewer's path; confirmations give
// a smaller reinforcement.
const (
	correctionPenalty = -0.1
	correctionReward  = 0.1
	reinforceDelta    = 0.05
)

// Config bounds the learned graph properties.
type Config struct {
	// Edge weights are clamped to [EdgeWeightMin, EdgeWeightMax] at every step.
	EdgeWeightMin float64
	EdgeWeightMax float64
	// AccuracyAlpha is the EMA learning rate for node accuracy.
	AccuracyAlpha float64
}

func DefaultConfig() Config {
	return Config{
		EdgeWeightMin: 0.1,
		EdgeWeightMax: 2.0,
		AccuracyAlpha: 0.1,
	}
}

// Statistics summarizes graph size.
type Statistics struct {
	Level1Categories int64   `json:"level1_categories"`
	Level2Categories int64   `json:"level2_categories"`
	Level3Categories int64   `json:"level3_categories"`
	TotalTickets     int64   `json:"total_tickets"`
	ClassifiedEdges  int64   `json:"classified_edges"`
	AvgAccuracy      float64 `json:"avg_accuracy"`
}

// CategoryCount is one row of the per-leaf ticket distribution.
type CategoryCount struct {
	Level1   string  `json:"level1"`
	Level2   string  `json:"level2"`
	Level3   string  `json:"level3"`
	Count    int64   `json:"count"`
	Accuracy float64 `json:"accuracy"`
}

// CategorySpec describes a category to create under a parent.
type CategorySpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// Store owns the weighted taxonomy graph: three category levels joined by
// CONTAINS edges, plus Ticket nodes linked to leaves via CLASSIFIED_AS.
type Store struct {
	client *neo4jdb.Client
	log    *logger.Logger
	cfg    Config
}

func NewStore(client *neo4jdb.Client, baseLog *logger.Logger, cfg Config) (*Store, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("graph: neo4j client required")
	}
	if cfg.EdgeWeightMin <= 0 || cfg.EdgeWeightMin >= cfg.EdgeWeightMax {
		return nil, fmt.Errorf("graph: edge weight bounds must satisfy 0 < min < max, got [%v, %v]", cfg.EdgeWeightMin, cfg.EdgeWeightMax)
	}
	if cfg.AccuracyAlpha <= 0 || cfg.AccuracyAlpha > 1 {
		return nil, fmt.Errorf("graph: accuracy alpha must be in (0,1], got %v", cfg.AccuracyAlpha)
	}
	return &Store{
		client: client,
		log:    baseLog.With("component", "GraphStore"),
		cfg:    cfg,
	}, nil
}

func levelLabel(level int) (string, error) {
	switch level {
	case 1:
		return "Level1Category", nil
	case 2:
		return "Level2Category", nil
	case 3:
		return "Level3Category", nil
	}
	return "", fmt.Errorf("graph: invalid category level %d", level)
}

// EnsureSchema creates the uniqueness constraints and lookup indexes.
// Every statement is idempotent; failures are logged and skipped so a
// partially provisioned database does not block startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT level1_name IF NOT EXISTS FOR (n:Level1Category) REQUIRE n.name IS UNIQUE`,
		`CREATE CONSTRAINT level2_name IF NOT EXISTS FOR (n:Level2Category) REQUIRE n.name IS UNIQUE`,
		`CREATE CONSTRAINT level3_name IF NOT EXISTS FOR (n:Level3Category) REQUIRE n.name IS UNIQUE`,
		`CREATE CONSTRAINT ticket_id IF NOT EXISTS FOR (n:Ticket) REQUIRE n.id IS UNIQUE`,
		`CREATE INDEX level1_tickets IF NOT EXISTS FOR (n:Level1Category) ON (n.ticket_count)`,
		`CREATE INDEX level2_tickets IF NOT EXISTS FOR (n:Level2Category) ON (n.ticket_count)`,
		`CREATE INDEX level3_tickets IF NOT EXISTS FOR (n:Level3Category) ON (n.ticket_count)`,
		`CREATE INDEX ticket_created IF NOT EXISTS FOR (n:Ticket) ON (n.created_at)`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			s.log.Warn("Schema statement failed (continuing)", "error", err)
		} else {
			_, _ = res.Consume(ctx)
		}
	}
	s.log.Info("Graph schema verified")
	return nil
}

// LoadHierarchy seeds the taxonomy tree. Existing nodes and edges keep their
// learned stats: properties are written on create only.
func (s *Store) LoadHierarchy(ctx context.Context, h *taxonomy.Hierarchy) error {
	if h == nil {
		return fmt.Errorf("graph: hierarchy required")
	}

	rows := make([]map[string]any, 0, 64)
	for _, l1 := range h.Categories {
		for _, l2 := range l1.Children {
			for _, l3 := range l2.Children {
				rows = append(rows, map[string]any{
					"l1": strings.TrimSpace(l1.Name),
					"l2": strings.TrimSpace(l2.Name),
					"l3": strings.TrimSpace(l3),
				})
			}
		}
	}
	if len(rows) == 0 {
		return fmt.Errorf("graph: hierarchy has no paths")
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $rows AS row
MERGE (l1:Level1Category {name: row.l1})
ON CREATE SET l1.created_at = datetime(), l1.ticket_count = 0, l1.accuracy = 1.0,
              l1.description = '', l1.keywords = [], l1.ai_generated = false
MERGE (l2:Level2Category {name: row.l2})
ON CREATE SET l2.created_at = datetime(), l2.ticket_count = 0, l2.accuracy = 1.0,
              l2.description = '', l2.keywords = [], l2.ai_generated = false
MERGE (l3:Level3Category {name: row.l3})
ON CREATE SET l3.created_at = datetime(), l3.ticket_count = 0, l3.accuracy = 1.0,
              l3.description = '', l3.keywords = [], l3.ai_generated = false
MERGE (l1)-[r1:CONTAINS]->(l2)
ON CREATE SET r1.weight = 1.0, r1.traversal_count = 0
MERGE (l2)-[r2:CONTAINS]->(l3)
ON CREATE SET r2.weight = 1.0, r2.traversal_count = 0
`, map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: load hierarchy: %w", err)
	}

	s.log.Info("Hierarchy loaded into graph", "taxonomy", h.Taxonomy, "version", h.Version, "paths", len(rows))
	return nil
}

// FindCandidatePaths scores every L1→L2→L3 path against the keywords and
// returns the top k. Per path:
//
//	0.4*keyword_score + 0.3*accuracy_score + 0.3*edge_weight
//
// where keyword_score is the fraction of keywords substring-matching any of
// the three names (0.5 when no keywords were supplied), accuracy_score is
// the mean node accuracy, and edge_weight is the mean of the two traversed
// edge weights. Paths scoring <= 0.1 are dropped. Ties break toward the
// busier leaf, then the lexicographically smaller L1 name.
func (s *Store) FindCandidatePaths(ctx context.Context, text string, keywords []string, k int) ([]domain.GraphPath, error) {
	if k <= 0 {
		k = 5
	}
	if keywords == nil {
		keywords = []string{}
	}
	_ = text

	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cursor, err := tx.Run(ctx, `
MATCH (l1:Level1Category)-[r1:CONTAINS]->(l2:Level2Category)-[r2:CONTAINS]->(l3:Level3Category)
WITH l1, l2, l3, r1, r2,
     CASE WHEN $keywords IS NULL OR size($keywords) = 0 THEN 0.5
          ELSE toFloat(size([k IN $keywords WHERE
               toLower(l1.name) CONTAINS toLower(k) OR
               toLower(l2.name) CONTAINS toLower(k) OR
               toLower(l3.name) CONTAINS toLower(k)])) / size($keywords)
     END AS keyword_score,
     (coalesce(l1.accuracy, 1.0) + coalesce(l2.accuracy, 1.0) + coalesce(l3.accuracy, 1.0)) / 3.0 AS accuracy_score,
     (coalesce(r1.weight, 1.0) + coalesce(r2.weight, 1.0)) / 2.0 AS edge_weight
WITH l1, l2, l3,
     keyword_score * 0.4 + accuracy_score * 0.3 + edge_weight * 0.3 AS combined_score
WHERE combined_score > 0.1
RETURN l1.name AS level1, l2.name AS level2, l3.name AS level3,
       combined_score AS confidence,
       coalesce(l3.ticket_count, 0) AS historical_count,
       coalesce(l3.accuracy, 1.0) AS historical_accuracy
ORDER BY combined_score DESC, historical_count DESC, level1 ASC
LIMIT $k
`, map[string]any{"keywords": keywords, "k": k})
		if err != nil {
			return nil, err
		}
		records, err := cursor.Collect(ctx)
		if err != nil {
			return nil, err
		}
		paths := make([]domain.GraphPath, 0, len(records))
		for _, rec := range records {
			paths = append(paths, domain.GraphPath{
				Level1:             recordString(rec, "level1"),
				Level2:             recordString(rec, "level2"),
				Level3:             recordString(rec, "level3"),
				Confidence:         recordFloat(rec, "confidence", 0),
				HistoricalCount:    recordInt(rec, "historical_count"),
				HistoricalAccuracy: recordFloat(rec, "historical_accuracy", 1.0),
			})
		}
		return paths, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: find candidate paths: %w", err)
	}
	return out.([]domain.GraphPath), nil
}

// AllPaths returns every L1→L2→L3 triple with the leaf's stats, ordered by
// name at each level.
func (s *Store) AllPaths(ctx context.Context) ([]domain.GraphPath, error) {
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cursor, err := tx.Run(ctx, `
MATCH (l1:Level1Category)-[:CONTAINS]->(l2:Level2Category)-[:CONTAINS]->(l3:Level3Category)
RETURN l1.name AS level1, l2.name AS level2, l3.name AS level3,
       coalesce(l3.ticket_count, 0) AS ticket_count,
       coalesce(l3.accuracy, 1.0) AS accuracy
ORDER BY level1, level2, level3
`, nil)
		if err != nil {
			return nil, err
		}
		records, err := cursor.Collect(ctx)
		if err != nil {
			return nil, err
		}
		paths := make([]domain.GraphPath, 0, len(records))
		for _, rec := range records {
			paths = append(paths, domain.GraphPath{
				Level1:             recordString(rec, "level1"),
				Level2:             recordString(rec, "level2"),
				Level3:             recordString(rec, "level3"),
				HistoricalCount:    recordInt(rec, "ticket_count"),
				HistoricalAccuracy: recordFloat(rec, "accuracy", 1.0),
			})
		}
		return paths, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: all paths: %w", err)
	}
	return out.([]domain.GraphPath), nil
}

// AddTicketClassification links a ticket node to its L3 leaf. The leaf's
// ticket_count moves only when the CLASSIFIED_AS edge is new, so replaying
// the same classification cannot double-count.
func (s *Store) AddTicketClassification(ctx context.Context, ticketID, level3 string, confidence float64) error {
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (l3:Level3Category {name: $category})
MERGE (t:Ticket {id: $ticket_id})
ON CREATE SET t.created_at = datetime(), t.confidence = $confidence
MERGE (t)-[r:CLASSIFIED_AS]->(l3)
ON CREATE SET r.confidence = $confidence, r.created_at = datetime(),
              l3.ticket_count = coalesce(l3.ticket_count, 0) + 1
`, map[string]any{
			"ticket_id":  ticketID,
			"category":   level3,
			"confidence": confidence,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: add ticket classification: %w", err)
	}
	return nil
}

// UpdateEdgeWeight shifts the CONTAINS edge between two adjacent levels by
// delta, clamping at each step, and bumps the traversal count.
func (s *Store) UpdateEdgeWeight(ctx context.Context, fromLevel int, fromName, toName string, delta float64) error {
	fromLabel, err := levelLabel(fromLevel)
	if err != nil {
		return err
	}
	toLabel, err := levelLabel(fromLevel + 1)
	if err != nil {
		return fmt.Errorf("graph: no child level below %d", fromLevel)
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
MATCH (from:%s {name: $from_name})-[r:CONTAINS]->(to:%s {name: $to_name})
SET r.weight = CASE
    WHEN coalesce(r.weight, 1.0) + $delta > $max THEN $max
    WHEN coalesce(r.weight, 1.0) + $delta < $min THEN $min
    ELSE coalesce(r.weight, 1.0) + $delta
END,
r.traversal_count = coalesce(r.traversal_count, 0) + 1,
r.last_updated = datetime()
`, fromLabel, toLabel)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"from_name": fromName,
			"to_name":   toName,
			"delta":     delta,
			"min":       s.cfg.EdgeWeightMin,
			"max":       s.cfg.EdgeWeightMax,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: update edge weight: %w", err)
	}
	return nil
}

// UpdateCategoryAccuracy folds one labeled outcome into the node's accuracy
// EMA and bumps its ticket count.
func (s *Store) UpdateCategoryAccuracy(ctx context.Context, level int, name string, wasCorrect bool) error {
	label, err := levelLabel(level)
	if err != nil {
		return err
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	correct := 0.0
	if wasCorrect {
		correct = 1.0
	}
	query := fmt.Sprintf(`
MATCH (n:%s {name: $name})
SET n.accuracy = coalesce(n.accuracy, 1.0) * (1 - $alpha) + $correct * $alpha,
    n.ticket_count = coalesce(n.ticket_count, 0) + 1,
    n.last_updated = datetime()
`, label)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"name":    name,
			"alpha":   s.cfg.AccuracyAlpha,
			"correct": correct,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: update category accuracy: %w", err)
	}
	return nil
}

// RecordCorrection applies a reviewer's path fix: penalizes the original
// edges at the levels that were wrong, rewards the corrected path's edges
// unconditionally, and updates leaf accuracies. The steps are individually
// atomic; a partial application is repaired by the next correction.
func (s *Store) RecordCorrection(ctx context.Context, ticketID string, original, corrected domain.Path) error {
	if original.Level1 != corrected.Level1 {
		if err := s.UpdateEdgeWeight(ctx, 1, original.Level1, original.Level2, correctionPenalty); err != nil {
			return err
		}
	}
	if original.Level2 != corrected.Level2 {
		if err := s.UpdateEdgeWeight(ctx, 2, original.Level2, original.Level3, correctionPenalty); err != nil {
			return err
		}
	}

	if err := s.UpdateEdgeWeight(ctx, 1, corrected.Level1, corrected.Level2, correctionReward); err != nil {
		return err
	}
	if err := s.UpdateEdgeWeight(ctx, 2, corrected.Level2, corrected.Level3, correctionReward); err != nil {
		return err
	}

	if err := s.UpdateCategoryAccuracy(ctx, 3, original.Level3, false); err != nil {
		return err
	}
	if err := s.UpdateCategoryAccuracy(ctx, 3, corrected.Level3, true); err != nil {
		return err
	}

	s.log.Info("Recorded correction in graph",
		"ticket_id", ticketID,
		"original", original.Level1+" > "+original.Level2+" > "+original.Level3,
		"corrected", corrected.Level1+" > "+corrected.Level2+" > "+corrected.Level3,
	)
	return nil
}

// ReinforcePath records a confirmed classification: links the ticket to the
// leaf and nudges both traversed edges up. Confirmed corrections link with
// slightly lower confidence than untouched auto-resolutions.
func (s *Store) ReinforcePath(ctx context.Context, ticketID string, path domain.Path, wasCorrected bool) error {
	confidence := 1.0
	if wasCorrected {
		confidence = 0.8
	}
	if err := s.AddTicketClassification(ctx, ticketID, path.Level3, confidence); err != nil {
		return err
	}
	if wasCorrected {
		if err := s.UpdateCategoryAccuracy(ctx, 3, path.Level3, true); err != nil {
			return err
		}
	}
	if err := s.UpdateEdgeWeight(ctx, 1, path.Level1, path.Level2, reinforceDelta); err != nil {
		return err
	}
	if err := s.UpdateEdgeWeight(ctx, 2, path.Level2, path.Level3, reinforceDelta); err != nil {
		return err
	}
	s.log.Debug("Reinforced classification path",
		"ticket_id", ticketID,
		"path", path.Level1+" > "+path.Level2+" > "+path.Level3,
		"was_corrected", wasCorrected,
	)
	return nil
}

// Statistics counts nodes per level and linked tickets.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cursor, err := tx.Run(ctx, `
OPTIONAL MATCH (l1:Level1Category)
WITH count(l1) AS level1_count
OPTIONAL MATCH (l2:Level2Category)
WITH level1_count, count(l2) AS level2_count
OPTIONAL MATCH (l3:Level3Category)
WITH level1_count, level2_count, count(l3) AS level3_count, avg(l3.accuracy) AS avg_accuracy
OPTIONAL MATCH (t:Ticket)
WITH level1_count, level2_count, level3_count, avg_accuracy, count(t) AS ticket_count
OPTIONAL MATCH ()-[r:CLASSIFIED_AS]->()
RETURN level1_count, level2_count, level3_count, avg_accuracy, ticket_count, count(r) AS classified_edges
`, nil)
		if err != nil {
			return nil, err
		}
		rec, err := cursor.Single(ctx)
		if err != nil {
			return nil, err
		}
		return Statistics{
			Level1Categories: recordInt(rec, "level1_count"),
			Level2Categories: recordInt(rec, "level2_count"),
			Level3Categories: recordInt(rec, "level3_count"),
			TotalTickets:     recordInt(rec, "ticket_count"),
			ClassifiedEdges:  recordInt(rec, "classified_edges"),
			AvgAccuracy:      recordFloat(rec, "avg_accuracy", 1.0),
		}, nil
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("graph: statistics: %w", err)
	}
	return out.(Statistics), nil
}

// CategoryDistribution returns per-leaf ticket counts, busiest first.
func (s *Store) CategoryDistribution(ctx context.Context) ([]CategoryCount, error) {
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cursor, err := tx.Run(ctx, `
MATCH (l1:Level1Category)-[:CONTAINS]->(l2:Level2Category)-[:CONTAINS]->(l3:Level3Category)
RETURN l1.name AS level1, l2.name AS level2, l3.name AS level3,
       coalesce(l3.ticket_count, 0) AS count,
       coalesce(l3.accuracy, 1.0) AS accuracy
ORDER BY count DESC
`, nil)
		if err != nil {
			return nil, err
		}
		records, err := cursor.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]CategoryCount, 0, len(records))
		for _, rec := range records {
			rows = append(rows, CategoryCount{
				Level1:   recordString(rec, "level1"),
				Level2:   recordString(rec, "level2"),
				Level3:   recordString(rec, "level3"),
				Count:    recordInt(rec, "count"),
				Accuracy: recordFloat(rec, "accuracy", 1.0),
			})
		}
		return rows, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: category distribution: %w", err)
	}
	return out.([]CategoryCount), nil
}

// ApplyExpansion creates AI-suggested children under a parent at level 1 or
// 2. Idempotent per (parent, child name); learned stats on existing nodes
// are untouched. Returns how many children the statement touched.
func (s *Store) ApplyExpansion(ctx context.Context, parentLevel int, parentName string, children []CategorySpec, createdBy string) (int, error) {
	if parentLevel != 1 && parentLevel != 2 {
		return 0, fmt.Errorf("graph: expansion parent must be level 1 or 2, got %d", parentLevel)
	}
	parentLabel, err := levelLabel(parentLevel)
	if err != nil {
		return 0, err
	}
	childLabel, err := levelLabel(parentLevel + 1)
	if err != nil {
		return 0, err
	}

	rows := make([]map[string]any, 0, len(children))
	for _, child := range children {
		name := strings.TrimSpace(child.Name)
		if name == "" {
			continue
		}
		keywords := child.Keywords
		if keywords == nil {
			keywords = []string{}
		}
		rows = append(rows, map[string]any{
			"name":        name,
			"description": child.Description,
			"keywords":    keywords,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
UNWIND $rows AS row
MATCH (parent:%s {name: $parent_name})
MERGE (child:%s {name: row.name})
ON CREATE SET child.description = row.description,
              child.keywords = row.keywords,
              child.ticket_count = 0,
              child.accuracy = 1.0,
              child.created_at = datetime(),
              child.created_by = $created_by,
              child.ai_generated = true
MERGE (parent)-[r:CONTAINS]->(child)
ON CREATE SET r.weight = 1.0, r.traversal_count = 0
RETURN count(child) AS applied
`, parentLabel, childLabel)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cursor, err := tx.Run(ctx, query, map[string]any{
			"rows":        rows,
			"parent_name": parentName,
			"created_by":  createdBy,
		})
		if err != nil {
			return nil, err
		}
		rec, err := cursor.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recordInt(rec, "applied"), nil
	})
	if err != nil {
		return 0, fmt.Errorf("graph: apply expansion: %w", err)
	}

	applied := int(out.(int64))
	s.log.Info("Applied taxonomy expansion", "parent", parentName, "level", parentLevel, "children", applied)
	return applied, nil
}

// CreateCategory creates a single category node. Levels 2 and 3 attach to
// the named parent through a CONTAINS edge and the parent must already
// exist; duplicates at any level are refused.
func (s *Store) CreateCategory(ctx context.Context, level int, name, parentName, description string, keywords []string, aiGenerated bool, createdBy string) error {
	label, err := levelLabel(level)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("graph: category name required: %w", apperrors.ErrInvalidArgument)
	}
	var parentLabel string
	if level > 1 {
		parentLabel, _ = levelLabel(level - 1)
		if strings.TrimSpace(parentName) == "" {
			return fmt.Errorf("graph: level %d category needs a parent: %w", level, apperrors.ErrInvalidArgument)
		}
	}
	if keywords == nil {
		keywords = []string{}
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cursor, err := tx.Run(ctx,
			fmt.Sprintf(`MATCH (c:%s {name: $name}) RETURN count(c) AS existing`, label),
			map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		rec, err := cursor.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recordInt(rec, "existing") > 0 {
			return nil, fmt.Errorf("category %q already exists at level %d: %w", name, level, apperrors.ErrConflict)
		}

		params := map[string]any{
			"name":         name,
			"description":  description,
			"keywords":     keywords,
			"created_by":   createdBy,
			"ai_generated": aiGenerated,
		}
		if level == 1 {
			cursor, err = tx.Run(ctx, fmt.Sprintf(`
CREATE (c:%s {name: $name, description: $description, keywords: $keywords,
        ticket_count: 0, accuracy: 1.0, created_at: datetime(),
        created_by: $created_by, ai_generated: $ai_generated})
RETURN count(c) AS created
`, label), params)
		} else {
			params["parent"] = parentName
			cursor, err = tx.Run(ctx, fmt.Sprintf(`
MATCH (p:%s {name: $parent})
CREATE (c:%s {name: $name, description: $description, keywords: $keywords,
        ticket_count: 0, accuracy: 1.0, created_at: datetime(),
        created_by: $created_by, ai_generated: $ai_generated})
CREATE (p)-[:CONTAINS {weight: 1.0, traversal_count: 0}]->(c)
RETURN count(c) AS created
`, parentLabel, label), params)
		}
		if err != nil {
			return nil, err
		}
		rec, err = cursor.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recordInt(rec, "created") == 0 {
			return nil, fmt.Errorf("parent category %q not found at level %d: %w", parentName, level-1, apperrors.ErrNotFound)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: create category: %w", err)
	}

	s.log.Info("Created category", "name", name, "level", level, "parent", parentName, "ai_generated", aiGenerated)
	return nil
}

// UpdateCategory rewrites a category's description and/or keywords. Nil
// means "leave as is"; keywords passed here replace the stored list, unlike
// AppendKeywords.
func (s *Store) UpdateCategory(ctx context.Context, level int, name string, description *string, keywords []string) error {
	label, err := levelLabel(level)
	if err != nil {
		return err
	}
	if description == nil && keywords == nil {
		return fmt.Errorf("graph: no category updates provided: %w", apperrors.ErrInvalidArgument)
	}

	sets := []string{"c.updated_at = datetime()"}
	params := map[string]any{"name": name}
	if description != nil {
		sets = append(sets, "c.description = $description")
		params["description"] = *description
	}
	if keywords != nil {
		sets = append(sets, "c.keywords = $keywords")
		params["keywords"] = keywords
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
MATCH (c:%s {name: $name})
SET %s
RETURN count(c) AS updated
`, label, strings.Join(sets, ", "))

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cursor, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		rec, err := cursor.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recordInt(rec, "updated"), nil
	})
	if err != nil {
		return fmt.Errorf("graph: update category: %w", err)
	}
	if out.(int64) == 0 {
		return fmt.Errorf("graph: category %q not found at level %d: %w", name, level, apperrors.ErrNotFound)
	}
	return nil
}

// HierarchySnapshot folds AllPaths into the nested L1 -> L2 -> [L3] shape
// prompts and visualizations consume. Counts are intentionally absent: a
// node reachable through several paths must not be summed per path.
func (s *Store) HierarchySnapshot(ctx context.Context) (map[string]map[string][]string, error) {
	paths, err := s.AllPaths(ctx)
	if err != nil {
		return nil, err
	}
	tree := make(map[string]map[string][]string)
	for _, p := range paths {
		l2s, ok := tree[p.Level1]
		if !ok {
			l2s = make(map[string][]string)
			tree[p.Level1] = l2s
		}
		l2s[p.Level2] = append(l2s[p.Level2], p.Level3)
	}
	return tree, nil
}

// AppendKeywords adds keywords to a category, keeping the existing ones.
func (s *Store) AppendKeywords(ctx context.Context, level int, name string, keywords []string) error {
	label, err := levelLabel(level)
	if err != nil {
		return err
	}
	if len(keywords) == 0 {
		return nil
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
MATCH (c:%s {name: $name})
SET c.keywords = coalesce(c.keywords, []) + $new_keywords,
    c.updated_at = datetime()
`, label)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"name":         name,
			"new_keywords": keywords,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: append keywords: %w", err)
	}
	return nil
}

// SetDescription replaces a category's description.
func (s *Store) SetDescription(ctx context.Context, level int, name, description string) error {
	label, err := levelLabel(level)
	if err != nil {
		return err
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
MATCH (c:%s {name: $name})
SET c.description = $description,
    c.updated_at = datetime()
`, label)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"name":        name,
			"description": description,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: set description: %w", err)
	}
	return nil
}

// DeleteCategory removes a category node. A node that still owns children
// is refused unless cascade is set, in which case the whole subtree goes;
// CLASSIFIED_AS edges from tickets are detached either way.
func (s *Store) DeleteCategory(ctx context.Context, level int, name string, cascade bool) error {
	label, err := levelLabel(level)
	if err != nil {
		return err
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	if !cascade {
		query := fmt.Sprintf(`
MATCH (c:%s {name: $name})
OPTIONAL MATCH (c)-[:CONTAINS]->(child)
WITH c, count(child) AS children
RETURN children
`, label)
		out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			cursor, err := tx.Run(ctx, query, map[string]any{"name": name})
			if err != nil {
				return nil, err
			}
			records, err := cursor.Collect(ctx)
			if err != nil {
				return nil, err
			}
			if len(records) == 0 {
				return int64(0), nil
			}
			return recordInt(records[0], "children"), nil
		})
		if err != nil {
			return fmt.Errorf("graph: delete category: %w", err)
		}
		if out.(int64) > 0 {
			return fmt.Errorf("graph: category %q still owns %d children; pass cascade to remove the subtree: %w", name, out.(int64), apperrors.ErrConflict)
		}
	}

	query := fmt.Sprintf(`
MATCH (c:%s {name: $name})
OPTIONAL MATCH (c)-[:CONTAINS*1..2]->(descendant)
DETACH DELETE descendant, c
`, label)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: delete category: %w", err)
	}

	s.log.Info("Deleted category", "name", name, "level", level, "cascade", cascade)
	return nil
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recordInt(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func recordFloat(rec *neo4j.Record, key string, def float64) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return def
}
