package vector

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
	"github.com/yungbote/nexusflow-backend/internal/platform/qdrant"
)

func TestAggregateVotesWeighsAndNormalizes(t *testing.T) {
	matches := []domain.VectorMatch{
		{
			TicketID:        "t1",
			Level1:          "Billing & Payments",
			Level2:          "Refunds & Credits",
			Level3:          "Refund Processing Delay",
			WasCorrect:      true,
			SimilarityScore: 0.8,
		},
		{
			TicketID:        "t2",
			Level1:          "Billing & Payments",
			Level2:          "Refunds & Credits",
			Level3:          "Refund Processing Delay",
			WasCorrect:      false,
			SimilarityScore: 0.4,
		},
		{
			TicketID:        "t3",
			Level1:          "Technical Support",
			Level2:          "Authentication",
			Level3:          "Login Loop",
			WasCorrect:      true,
			SimilarityScore: 0.5,
		},
	}

	vote := AggregateVotes(matches)

	if vote.Level1 != "Billing & Payments" || vote.Level2 != "Refunds & Credits" || vote.Level3 != "Refund Processing Delay" {
		t.Fatalf("winner mismatch: got=%q/%q/%q", vote.Level1, vote.Level2, vote.Level3)
	}
	if vote.MatchCount != 3 {
		t.Fatalf("match count: want=3 got=%d", vote.MatchCount)
	}

	// Incorrect match t2 votes at half weight: Billing 0.8+0.2=1.0 of 1.5 total.
	wantShare := 1.0 / 1.5
	for label, got := range map[string]float64{
		"level1":  vote.Level1Confidence,
		"level2":  vote.Level2Confidence,
		"level3":  vote.Level3Confidence,
		"overall": vote.Confidence,
	} {
		if math.Abs(got-wantShare) > 1e-9 {
			t.Fatalf("%s confidence: want=%.6f got=%.6f", label, wantShare, got)
		}
	}

	level1Votes, ok := vote.CategoryVotes["level1"]
	if !ok {
		t.Fatalf("missing level1 vote map")
	}
	if math.Abs(level1Votes["Technical Support"]-0.5/1.5) > 1e-9 {
		t.Fatalf("runner-up share: want=%.6f got=%.6f", 0.5/1.5, level1Votes["Technical Support"])
	}
}

func TestAggregateVotesEmpty(t *testing.T) {
	vote := AggregateVotes(nil)
	if vote.Confidence != 0 || vote.MatchCount != 0 {
		t.Fatalf("empty matches should yield zero vote, got=%+v", vote)
	}
	if vote.Level1 != "" || vote.Level2 != "" || vote.Level3 != "" {
		t.Fatalf("empty matches should not elect a winner, got=%+v", vote)
	}
	if vote.CategoryVotes == nil {
		t.Fatalf("category votes map should be non-nil")
	}
}

func TestInsertTruncatesAndShapesPayload(t *testing.T) {
	var captured map[string]any
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/collections/support_tickets/points" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		writeEnvelope(t, w, map[string]any{"status": "acknowledged"})
	})

	err := store.Insert(context.Background(), TicketEmbedding{
		TicketID:    "11111111-1111-1111-1111-111111111111",
		Vector:      []float32{0.1, 0.2, 0.3},
		Title:       strings.Repeat("t", maxTitleLen+100),
		Description: strings.Repeat("d", maxDescriptionLen+200),
		Level1:      "Billing & Payments",
		Level2:      "Refunds & Credits",
		Level3:      "Refund Processing Delay",
		WasCorrect:  true,
		Confidence:  0.92,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	points, ok := captured["points"].([]any)
	if !ok || len(points) != 1 {
		t.Fatalf("points shape: got=%v", captured["points"])
	}
	point, ok := points[0].(map[string]any)
	if !ok {
		t.Fatalf("point type: got=%T", points[0])
	}
	payload, ok := point["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload type: got=%T", point["payload"])
	}

	title, _ := payload["title"].(string)
	if len(title) != maxTitleLen {
		t.Fatalf("title length: want=%d got=%d", maxTitleLen, len(title))
	}
	snippet, _ := payload["description_snippet"].(string)
	if len(snippet) != maxDescriptionLen {
		t.Fatalf("description length: want=%d got=%d", maxDescriptionLen, len(snippet))
	}
	if payload["level1_category"] != "Billing & Payments" {
		t.Fatalf("level1_category: got=%v", payload["level1_category"])
	}
	if payload["was_correct"] != true {
		t.Fatalf("was_correct: got=%v", payload["was_correct"])
	}
	createdAt, _ := payload["created_at"].(string)
	if _, err := time.Parse(time.RFC3339Nano, createdAt); err != nil {
		t.Fatalf("created_at not RFC3339: %q (%v)", createdAt, err)
	}
}

func TestInsertRequiresIDAndVector(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	})

	if err := store.Insert(context.Background(), TicketEmbedding{Vector: []float32{1, 2, 3}}); err == nil {
		t.Fatalf("expected error for missing ticket id")
	}
	if err := store.Insert(context.Background(), TicketEmbedding{TicketID: "a"}); err == nil {
		t.Fatalf("expected error for missing vector")
	}
}

func TestSearchMapsPayloadAndFiltersByScore(t *testing.T) {
	var captured map[string]any
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/support_tickets/points/search" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		writeEnvelope(t, w, []map[string]any{
			{
				"id":    "ticket-strong",
				"score": 0.91,
				"payload": map[string]any{
					"title":               "Refund not received",
					"description_snippet": "Requested a refund two weeks ago",
					"level1_category":     "Billing & Payments",
					"level2_category":     "Refunds & Credits",
					"level3_category":     "Refund Processing Delay",
					"was_correct":         false,
					"confidence":          0.88,
				},
			},
			{
				"id":      "ticket-weak",
				"score":   0.12,
				"payload": map[string]any{"level1_category": "Technical Support"},
			},
		})
	})

	matches, err := store.Search(context.Background(), []float32{0.1, 0.2, 0.3}, 5, 0.5, map[string]any{
		"level1_category": "Billing & Payments",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches length: want=1 got=%d", len(matches))
	}
	m := matches[0]
	if m.TicketID != "ticket-strong" {
		t.Fatalf("ticket id: got=%q", m.TicketID)
	}
	if m.Level1 != "Billing & Payments" || m.Level2 != "Refunds & Credits" || m.Level3 != "Refund Processing Delay" {
		t.Fatalf("levels: got=%q/%q/%q", m.Level1, m.Level2, m.Level3)
	}
	if m.WasCorrect {
		t.Fatalf("was_correct should map false")
	}
	if math.Abs(m.Confidence-0.88) > 1e-9 {
		t.Fatalf("confidence: want=0.88 got=%v", m.Confidence)
	}
	if math.Abs(m.SimilarityScore-0.91) > 1e-9 {
		t.Fatalf("similarity: want=0.91 got=%v", m.SimilarityScore)
	}

	if captured["limit"] != float64(5) {
		t.Fatalf("limit: want=5 got=%v", captured["limit"])
	}
	if _, ok := captured["filter"]; !ok {
		t.Fatalf("filter should be forwarded")
	}
}

func TestSearchDefaultsLimit(t *testing.T) {
	var captured map[string]any
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		writeEnvelope(t, w, []map[string]any{})
	})

	if _, err := store.Search(context.Background(), []float32{0.1, 0.2, 0.3}, 0, 0, nil); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if captured["limit"] != float64(10) {
		t.Fatalf("default limit: want=10 got=%v", captured["limit"])
	}
}

func TestUpdateCorrectnessReinsertsWithFlippedFlag(t *testing.T) {
	var ops []string
	var deleted map[string]any
	var upserted map[string]any

	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/collections/support_tickets/points":
			ops = append(ops, "retrieve")
			writeEnvelope(t, w, []map[string]any{
				{
					"id":     "ticket-1",
					"vector": []float64{0.1, 0.2, 0.3},
					"payload": map[string]any{
						"title":           "Login loop after password reset",
						"level1_category": "Technical Support",
						"was_correct":     true,
						"confidence":      0.8,
					},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/collections/support_tickets/points/delete":
			ops = append(ops, "delete")
			if err := json.NewDecoder(r.Body).Decode(&deleted); err != nil {
				t.Fatalf("decode delete body: %v", err)
			}
			writeEnvelope(t, w, map[string]any{"status": "acknowledged"})
		case r.Method == http.MethodPut && r.URL.Path == "/collections/support_tickets/points":
			ops = append(ops, "upsert")
			if err := json.NewDecoder(r.Body).Decode(&upserted); err != nil {
				t.Fatalf("decode upsert body: %v", err)
			}
			writeEnvelope(t, w, map[string]any{"status": "acknowledged"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	if err := store.UpdateCorrectness(context.Background(), "ticket-1", false); err != nil {
		t.Fatalf("UpdateCorrectness: %v", err)
	}

	if len(ops) != 3 || ops[0] != "retrieve" || ops[1] != "delete" || ops[2] != "upsert" {
		t.Fatalf("operation order: got=%v", ops)
	}
	deletedIDs, ok := deleted["points"].([]any)
	if !ok || len(deletedIDs) != 1 || deletedIDs[0] != "ticket-1" {
		t.Fatalf("delete should target ticket-1: got=%v", deleted["points"])
	}

	points, ok := upserted["points"].([]any)
	if !ok || len(points) != 1 {
		t.Fatalf("upsert shape: got=%v", upserted["points"])
	}
	point := points[0].(map[string]any)
	if point["id"] != "ticket-1" {
		t.Fatalf("reinserted id: got=%v", point["id"])
	}
	vec, ok := point["vector"].([]any)
	if !ok || len(vec) != 3 {
		t.Fatalf("reinserted vector: got=%v", point["vector"])
	}
	payload := point["payload"].(map[string]any)
	if payload["was_correct"] != false {
		t.Fatalf("was_correct should flip to false: got=%v", payload["was_correct"])
	}
	if payload["title"] != "Login loop after password reset" {
		t.Fatalf("payload fields should survive reinsert: got=%v", payload["title"])
	}
}

func TestUpdateCorrectnessMissingPointIsNoop(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/support_tickets/points" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeEnvelope(t, w, []map[string]any{})
	})

	if err := store.UpdateCorrectness(context.Background(), "missing", false); err != nil {
		t.Fatalf("UpdateCorrectness on missing point: %v", err)
	}
}

// TestVectorLifecycleIntegration exercises a real Qdrant instance.
// Run with NEXUSFLOW_RUN_QDRANT_INTEGRATION=true and QDRANT_URL set.
func TestVectorLifecycleIntegration(t *testing.T) {
	if !strings.EqualFold(os.Getenv("NEXUSFLOW_RUN_QDRANT_INTEGRATION"), "true") {
		t.Skip("set NEXUSFLOW_RUN_QDRANT_INTEGRATION=true to run")
	}
	if strings.TrimSpace(os.Getenv("QDRANT_URL")) == "" {
		t.Skip("QDRANT_URL not set")
	}

	log := newVectorTestLogger(t)
	cfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	client, err := qdrant.NewClient(log, cfg)
	if err != nil {
		t.Fatalf("qdrant.NewClient: %v", err)
	}
	store, err := NewStore(client, log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctx := context.Background()
	if err := store.EnsureReady(ctx, false); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	ticketID := uuid.NewString()
	vec := make([]float32, client.VectorDim())
	for i := range vec {
		vec[i] = float32((i%7)+1) / 10
	}
	t.Cleanup(func() {
		_ = client.DeletePoints(context.Background(), []string{ticketID})
	})

	err = store.Insert(ctx, TicketEmbedding{
		TicketID:    ticketID,
		Vector:      vec,
		Title:       "Integration probe ticket",
		Description: "Synthetic ticket used to exercise the vector lifecycle",
		Level1:      "Technical Support",
		Level2:      "Authentication",
		Level3:      "Login Loop",
		WasCorrect:  true,
		Confidence:  0.9,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	matches, err := store.Search(ctx, vec, 5, 0.5, map[string]any{"level3_category": "Login Loop"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, m := range matches {
		if m.TicketID == ticketID {
			found = true
			if !m.WasCorrect {
				t.Fatalf("fresh insert should be was_correct=true")
			}
		}
	}
	if !found {
		t.Fatalf("inserted ticket not found among %d matches", len(matches))
	}

	if err := store.UpdateCorrectness(ctx, ticketID, false); err != nil {
		t.Fatalf("UpdateCorrectness: %v", err)
	}
	matches, err = store.Search(ctx, vec, 5, 0.5, nil)
	if err != nil {
		t.Fatalf("Search after update: %v", err)
	}
	for _, m := range matches {
		if m.TicketID == ticketID && m.WasCorrect {
			t.Fatalf("was_correct should be false after update")
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count < 1 {
		t.Fatalf("count: want>=1 got=%d", count)
	}
}

func newTestStore(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	log := newVectorTestLogger(t)
	client, err := qdrant.NewClient(log, qdrant.Config{
		URL:        srv.URL,
		Collection: "support_tickets",
		VectorDim:  3,
	})
	if err != nil {
		t.Fatalf("qdrant.NewClient: %v", err)
	}
	store, err := NewStore(client, log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func newVectorTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	return log
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"result": result,
		"status": "ok",
		"time":   0.001,
	}); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
}
