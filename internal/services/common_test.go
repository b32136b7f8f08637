package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/nexusflow-backend/internal/data/graph"
	"github.com/yungbote/nexusflow-backend/internal/data/repos"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
	"github.com/yungbote/nexusflow-backend/internal/vector"
)

func newTestLogger(t *testing.T) *logger.Logger {
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

func boolPtr(b bool) *bool { return &b }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// autoResult builds a high-confidence classification that clears the
// auto-resolve gate.
func autoResult(ticketID string) *domain.ClassificationResult {
	return &domain.ClassificationResult{
		TicketID: ticketID,
		Classification: domain.Path{
			Level1: "Technical Issue",
			Level2: "Performance",
			Level3: "Slow Performance",
		},
		Confidence: domain.ConfidenceReport{
			GraphConfidence:    0.82,
			VectorConfidence:   0.78,
			LLMConfidence:      0.85,
			RawCombinedScore:   0.81,
			CalibratedScore:    0.88,
			ComponentAgreement: 0.95,
		},
		Routing:    domain.RoutingDecision{AutoResolved: true},
		Processing: domain.ProcessingInfo{TimeMS: 12, Timestamp: time.Now().UTC()},
	}
}

// reviewResult builds a mid-confidence classification routed to human review.
func reviewResult(ticketID string) *domain.ClassificationResult {
	return &domain.ClassificationResult{
		TicketID: ticketID,
		Classification: domain.Path{
			Level1: "Billing Problem",
			Level2: "Payment Failure",
			Level3: "Card Declined",
		},
		Confidence: domain.ConfidenceReport{
			GraphConfidence:    0.55,
			VectorConfidence:   0.48,
			LLMConfidence:      0.62,
			RawCombinedScore:   0.53,
			CalibratedScore:    0.55,
			ComponentAgreement: 0.74,
		},
		Routing: domain.RoutingDecision{
			RequiresHITL: true,
			HITLReason:   "Calibrated confidence 0.55 in review band",
		},
		Processing: domain.ProcessingInfo{TimeMS: 18, Timestamp: time.Now().UTC()},
	}
}

// fakeClassifier fakes the pipeline seam behind ClassificationService.
type fakeClassifier struct {
	mu          sync.Mutex
	result      *domain.ClassificationResult
	err         error
	gotTicketID string
	gotReq      domain.ClassifyRequest
}

func (f *fakeClassifier) Classify(ctx context.Context, ticketID string, req domain.ClassifyRequest) (*domain.ClassificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotTicketID = ticketID
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	if res == nil {
		res = autoResult(ticketID)
	}
	return res, nil
}

// scriptedClassifier fakes the single-ticket seam behind BatchProcessor,
// keyed by ticket title.
type scriptedClassifier struct {
	mu      sync.Mutex
	results map[string]*domain.ClassificationResult
	errs    map[string]error
	delay   time.Duration
	calls   []string
}

func (f *scriptedClassifier) ClassifyTicket(ctx context.Context, req domain.ClassifyRequest) (*domain.ClassificationResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.Title)
	res := f.results[req.Title]
	err := f.errs[req.Title]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = autoResult(req.Title)
	}
	return res, nil
}

func (f *scriptedClassifier) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type classifiedEdge struct {
	ticketID   string
	level3     string
	confidence float64
}

type reinforcement struct {
	ticketID     string
	path         domain.Path
	wasCorrected bool
}

type correctionEdge struct {
	ticketID  string
	original  domain.Path
	corrected domain.Path
}

type keywordUpdate struct {
	level    int
	name     string
	keywords []string
}

type descriptionUpdate struct {
	level       int
	name        string
	description string
}

// fakeGraphStore records every graph mutation the services issue.
type fakeGraphStore struct {
	mu sync.Mutex

	paths        []domain.GraphPath
	hierarchy    map[string]map[string][]string
	stats        graph.Statistics
	distribution []graph.CategoryCount

	findErr      error
	mutateErr    error
	gotText      string
	gotKeywords  []string
	gotLimit     int
	classified   []classifiedEdge
	reinforced   []reinforcement
	corrections  []correctionEdge
	keywordUpds  []keywordUpdate
	descUpds     []descriptionUpdate
	expansions   int
	createCalls  int
	updateCalls  int
	deleteCalls  int
	lastExpanded []graph.CategorySpec
}

func (f *fakeGraphStore) FindCandidatePaths(ctx context.Context, text string, keywords []string, k int) ([]domain.GraphPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotText = text
	f.gotKeywords = keywords
	f.gotLimit = k
	return f.paths, f.findErr
}

func (f *fakeGraphStore) AllPaths(ctx context.Context) ([]domain.GraphPath, error) {
	return f.paths, f.findErr
}

func (f *fakeGraphStore) HierarchySnapshot(ctx context.Context) (map[string]map[string][]string, error) {
	if f.hierarchy == nil {
		return map[string]map[string][]string{}, nil
	}
	return f.hierarchy, nil
}

func (f *fakeGraphStore) AddTicketClassification(ctx context.Context, ticketID, level3 string, confidence float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.classified = append(f.classified, classifiedEdge{ticketID, level3, confidence})
	return nil
}

func (f *fakeGraphStore) ReinforcePath(ctx context.Context, ticketID string, path domain.Path, wasCorrected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.reinforced = append(f.reinforced, reinforcement{ticketID, path, wasCorrected})
	return nil
}

func (f *fakeGraphStore) RecordCorrection(ctx context.Context, ticketID string, original, corrected domain.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.corrections = append(f.corrections, correctionEdge{ticketID, original, corrected})
	return nil
}

func (f *fakeGraphStore) Statistics(ctx context.Context) (graph.Statistics, error) {
	return f.stats, nil
}

func (f *fakeGraphStore) CategoryDistribution(ctx context.Context) ([]graph.CategoryCount, error) {
	return f.distribution, nil
}

func (f *fakeGraphStore) ApplyExpansion(ctx context.Context, parentLevel int, parentName string, children []graph.CategorySpec, createdBy string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return 0, f.mutateErr
	}
	f.expansions++
	f.lastExpanded = children
	return len(children), nil
}

func (f *fakeGraphStore) AppendKeywords(ctx context.Context, level int, name string, keywords []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.keywordUpds = append(f.keywordUpds, keywordUpdate{level, name, keywords})
	return nil
}

func (f *fakeGraphStore) SetDescription(ctx context.Context, level int, name, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.descUpds = append(f.descUpds, descriptionUpdate{level, name, description})
	return nil
}

func (f *fakeGraphStore) CreateCategory(ctx context.Context, level int, name, parentName, description string, keywords []string, aiGenerated bool, createdBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.createCalls++
	return nil
}

func (f *fakeGraphStore) UpdateCategory(ctx context.Context, level int, name string, description *string, keywords []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.updateCalls++
	return nil
}

func (f *fakeGraphStore) DeleteCategory(ctx context.Context, level int, name string, cascade bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.deleteCalls++
	return nil
}

type vectorCorrectness struct {
	ticketID   string
	wasCorrect bool
}

// fakeVectorStore records inserts and correctness updates.
type fakeVectorStore struct {
	mu sync.Mutex

	matches []domain.VectorMatch
	vote    domain.CategoryVote
	total   int64

	searchErr error
	insertErr error
	voteErr   error
	updateErr error

	inserts        []vector.TicketEmbedding
	correctness    []vectorCorrectness
	gotSearchLimit int
}

func (f *fakeVectorStore) Search(ctx context.Context, vec []float32, limit int, minScore float64, filter map[string]any) ([]domain.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSearchLimit = limit
	return f.matches, f.searchErr
}

func (f *fakeVectorStore) Insert(ctx context.Context, t vector.TicketEmbedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserts = append(f.inserts, t)
	return nil
}

func (f *fakeVectorStore) CategoryConfidence(ctx context.Context, vec []float32, limit int) (domain.CategoryVote, error) {
	return f.vote, f.voteErr
}

func (f *fakeVectorStore) UpdateCorrectness(ctx context.Context, ticketID string, wasCorrect bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.correctness = append(f.correctness, vectorCorrectness{ticketID, wasCorrect})
	return nil
}

func (f *fakeVectorStore) Count(ctx context.Context) (int64, error) {
	return f.total, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = f.vec
	}
	return out, nil
}

type fakeLLM struct {
	mu        sync.Mutex
	reply     string
	err       error
	calls     int
	gotSystem string
	gotUser   string
}

func (f *fakeLLM) GenerateText(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotSystem = system
	f.gotUser = user
	return f.reply, f.err
}

// fakeTxRunner executes the transaction body directly, so repo fakes observe
// the writes without a database.
type fakeTxRunner struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	return fn(dbctx.Context{Ctx: ctx})
}

type ticketUpdate struct {
	id      uuid.UUID
	updates map[string]interface{}
}

type memoryTicketRepo struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]*domain.Ticket
	classified []*domain.Ticket
	updates    []ticketUpdate
	createErr  error
	updateErr  error
}

func newMemoryTicketRepo() *memoryTicketRepo {
	return &memoryTicketRepo{rows: make(map[uuid.UUID]*domain.Ticket)}
}

func (f *memoryTicketRepo) Create(dbc dbctx.Context, tickets []*domain.Ticket) ([]*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, t := range tickets {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.CreatedAt = time.Now().UTC()
		f.rows[t.ID] = t
	}
	return tickets, nil
}

func (f *memoryTicketRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *memoryTicketRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Ticket, 0, len(ids))
	for _, id := range ids {
		if t, ok := f.rows[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *memoryTicketRepo) List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Ticket
	for _, t := range f.rows {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *memoryTicketRepo) ListClassified(dbc dbctx.Context, limit int) ([]*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > 0 && len(f.classified) > limit {
		return f.classified[:limit], nil
	}
	return f.classified, nil
}

func (f *memoryTicketRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, ticketUpdate{id: id, updates: updates})
	if t, ok := f.rows[id]; ok {
		if status, ok := updates["status"].(string); ok {
			t.Status = status
		}
	}
	return nil
}

func (f *memoryTicketRepo) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64)
	for _, t := range f.rows {
		out[t.Status]++
	}
	return out, nil
}

func (f *memoryTicketRepo) updatesFor(id uuid.UUID) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, u := range f.updates {
		if u.id == id {
			out = append(out, u.updates)
		}
	}
	return out
}

type memoryHITLTaskRepo struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*domain.HITLTask
	createErr error

	byStatus   map[string]int64
	byPriority map[string]int64
	oldestAge  time.Duration
	avgReview  float64
}

func newMemoryHITLTaskRepo() *memoryHITLTaskRepo {
	return &memoryHITLTaskRepo{rows: make(map[uuid.UUID]*domain.HITLTask)}
}

func (f *memoryHITLTaskRepo) Create(dbc dbctx.Context, tasks []*domain.HITLTask) ([]*domain.HITLTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, task := range tasks {
		if task.ID == uuid.Nil {
			task.ID = uuid.New()
		}
		task.CreatedAt = time.Now().UTC()
		f.rows[task.ID] = task
	}
	return tasks, nil
}

func (f *memoryHITLTaskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.HITLTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *memoryHITLTaskRepo) GetOpenByTicketID(dbc dbctx.Context, ticketID uuid.UUID) (*domain.HITLTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.rows {
		if task.TicketID == ticketID &&
			(task.Status == domain.HITLStatusPending || task.Status == domain.HITLStatusInProgress) {
			return task, nil
		}
	}
	return nil, nil
}

func (f *memoryHITLTaskRepo) ListPending(dbc dbctx.Context, priority string, limit, offset int) ([]*domain.HITLTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.HITLTask
	for _, task := range f.rows {
		if task.Status != domain.HITLStatusPending {
			continue
		}
		if priority != "" && task.Priority != priority {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (f *memoryHITLTaskRepo) AssignIfPending(dbc dbctx.Context, id, reviewerID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.rows[id]
	if !ok || task.Status != domain.HITLStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = domain.HITLStatusInProgress
	task.AssignedTo = &reviewerID
	task.AssignedAt = &now
	return true, nil
}

func (f *memoryHITLTaskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.rows[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "status":
			task.Status = v.(string)
		case "completed_by":
			id := v.(uuid.UUID)
			task.CompletedBy = &id
		case "completed_at":
			ts := v.(time.Time)
			task.CompletedAt = &ts
		case "review_time_seconds":
			secs := v.(int)
			task.ReviewTimeSeconds = &secs
		case "assigned_to":
			if v == nil {
				task.AssignedTo = nil
			}
		case "assigned_at":
			if v == nil {
				task.AssignedAt = nil
			}
		}
	}
	return nil
}

func (f *memoryHITLTaskRepo) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	if f.byStatus != nil {
		return f.byStatus, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64)
	for _, task := range f.rows {
		out[task.Status]++
	}
	return out, nil
}

func (f *memoryHITLTaskRepo) CountPendingByPriority(dbc dbctx.Context) (map[string]int64, error) {
	if f.byPriority != nil {
		return f.byPriority, nil
	}
	return map[string]int64{}, nil
}

func (f *memoryHITLTaskRepo) OldestPendingAge(dbc dbctx.Context) (time.Duration, error) {
	return f.oldestAge, nil
}

func (f *memoryHITLTaskRepo) AverageReviewSeconds(dbc dbctx.Context) (float64, error) {
	return f.avgReview, nil
}

type memoryCorrectionRepo struct {
	mu        sync.Mutex
	rows      []*domain.HITLCorrection
	createErr error
	total     int64
	correct   int64
}

func (f *memoryCorrectionRepo) Create(dbc dbctx.Context, corrections []*domain.HITLCorrection) ([]*domain.HITLCorrection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, c := range corrections {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		f.rows = append(f.rows, c)
	}
	return corrections, nil
}

func (f *memoryCorrectionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.HITLCorrection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.rows {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (f *memoryCorrectionRepo) ListByReviewer(dbc dbctx.Context, reviewerID uuid.UUID, limit, offset int) ([]*domain.HITLCorrection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.HITLCorrection
	for _, c := range f.rows {
		if c.ReviewerID == reviewerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *memoryCorrectionRepo) ListSince(dbc dbctx.Context, since time.Time, limit int) ([]*domain.HITLCorrection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.HITLCorrection
	for _, c := range f.rows {
		if c.SubmittedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *memoryCorrectionRepo) AccuracyStats(dbc dbctx.Context, since time.Time) (int64, int64, error) {
	return f.total, f.correct, nil
}

type reviewRecord struct {
	reviewerID     uuid.UUID
	seconds        int
	madeCorrection bool
}

type memoryUserRepo struct {
	mu        sync.Mutex
	reviews   []reviewRecord
	recordErr error
}

func (f *memoryUserRepo) Create(dbc dbctx.Context, users []*domain.User) ([]*domain.User, error) {
	return users, nil
}

func (f *memoryUserRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.User, error) {
	return nil, nil
}

func (f *memoryUserRepo) GetByEmail(dbc dbctx.Context, email string) (*domain.User, error) {
	return nil, nil
}

func (f *memoryUserRepo) ListReviewers(dbc dbctx.Context) ([]*domain.User, error) {
	return nil, nil
}

func (f *memoryUserRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (f *memoryUserRepo) RecordReview(dbc dbctx.Context, id uuid.UUID, reviewTimeSeconds int, madeCorrection bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.reviews = append(f.reviews, reviewRecord{id, reviewTimeSeconds, madeCorrection})
	return nil
}

type metricLabel struct {
	ticketID   uuid.UUID
	wasCorrect bool
}

type fakeMetricRepo struct {
	mu        sync.Mutex
	created   []*domain.ClassificationMetric
	labels    []metricLabel
	labeled   []*domain.ClassificationMetric
	summary   repos.MetricsSummary
	createErr error
}

func (f *fakeMetricRepo) Create(dbc dbctx.Context, metrics []*domain.ClassificationMetric) ([]*domain.ClassificationMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, metrics...)
	return metrics, nil
}

func (f *fakeMetricRepo) MarkCorrectness(dbc dbctx.Context, ticketID uuid.UUID, wasCorrect bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, metricLabel{ticketID, wasCorrect})
	return nil
}

func (f *fakeMetricRepo) RecentLabeled(dbc dbctx.Context, limit int) ([]*domain.ClassificationMetric, error) {
	return f.labeled, nil
}

func (f *fakeMetricRepo) Summary(dbc dbctx.Context, since time.Time) (repos.MetricsSummary, error) {
	return f.summary, nil
}

type memoryBatchJobRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.BatchJob
}

func newMemoryBatchJobRepo() *memoryBatchJobRepo {
	return &memoryBatchJobRepo{rows: make(map[string]*domain.BatchJob)}
}

func (f *memoryBatchJobRepo) Create(dbc dbctx.Context, jobs []*domain.BatchJob) ([]*domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		row := *job
		row.CreatedAt = time.Now().UTC()
		f.rows[job.BatchID] = &row
	}
	return jobs, nil
}

func (f *memoryBatchJobRepo) GetByBatchID(dbc dbctx.Context, batchID string) (*domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[batchID]
	if !ok {
		return nil, nil
	}
	out := *row
	return &out, nil
}

func (f *memoryBatchJobRepo) List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.BatchJob
	for _, row := range f.rows {
		if status == "" || row.Status == status {
			dup := *row
			out = append(out, &dup)
		}
	}
	return out, nil
}

func (f *memoryBatchJobRepo) UpdateFields(dbc dbctx.Context, batchID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[batchID]; ok {
		applyBatchUpdates(row, updates)
	}
	return nil
}

func (f *memoryBatchJobRepo) UpdateFieldsIfStatus(dbc dbctx.Context, batchID, requiredStatus string, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[batchID]
	if !ok || row.Status != requiredStatus {
		return false, nil
	}
	applyBatchUpdates(row, updates)
	return true, nil
}

func (f *memoryBatchJobRepo) get(batchID string) *domain.BatchJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[batchID]
	if !ok {
		return nil
	}
	out := *row
	return &out
}

func applyBatchUpdates(job *domain.BatchJob, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			job.Status = v.(string)
		case "error":
			job.Error = v.(string)
		case "progress":
			job.Progress = v.(int)
		case "started_at":
			ts := v.(time.Time)
			job.StartedAt = &ts
		case "completed_at":
			ts := v.(time.Time)
			job.CompletedAt = &ts
		case "successful":
			job.Successful = v.(int)
		case "failed":
			job.Failed = v.(int)
		case "auto_resolved":
			job.AutoResolved = v.(int)
		case "requires_hitl":
			job.RequiresHITL = v.(int)
		case "results":
			if raw, ok := v.(datatypes.JSON); ok {
				job.Results = raw
			}
		}
	}
}

// fakeEvolution captures correction contexts without calling any LLM.
type fakeEvolution struct {
	mu       sync.Mutex
	analysis *CorrectionAnalysis
	err      error
	contexts []CorrectionContext
}

func (f *fakeEvolution) AnalyzeDataset(ctx context.Context, sampleLimit int) (*DatasetAnalysis, error) {
	return nil, nil
}

func (f *fakeEvolution) SuggestExpansion(ctx context.Context, parentLevel int, parentName, domainContext string, count int) (*ExpansionProposal, error) {
	return nil, nil
}

func (f *fakeEvolution) ApplyExpansion(ctx context.Context, parentLevel int, parentName string, children []graph.CategorySpec, appliedBy string) (int, error) {
	return 0, nil
}

func (f *fakeEvolution) EvolveFromCorrection(ctx context.Context, in CorrectionContext) (*CorrectionAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.analysis != nil {
		return f.analysis, nil
	}
	return &CorrectionAnalysis{}, nil
}

func (f *fakeEvolution) CreateCategory(ctx context.Context, level int, name, parentName, description string, keywords []string, createdBy string) error {
	return nil
}

func (f *fakeEvolution) UpdateCategory(ctx context.Context, level int, name string, description *string, keywords []string) error {
	return nil
}

func (f *fakeEvolution) DeleteCategory(ctx context.Context, level int, name string, cascade bool) error {
	return nil
}

// fakeHITL captures task creation requests from the classification fan-out.
type fakeHITL struct {
	mu        sync.Mutex
	inputs    []CreateTaskInput
	created   *domain.HITLTask
	createErr error
}

func (f *fakeHITL) CreateTask(ctx context.Context, in CreateTaskInput) (*domain.HITLTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.inputs = append(f.inputs, in)
	if f.created != nil {
		return f.created, nil
	}
	return &domain.HITLTask{ID: uuid.New(), TicketID: in.TicketID}, nil
}

func (f *fakeHITL) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.HITLTask, error) {
	return f.created, nil
}

func (f *fakeHITL) PendingTasks(ctx context.Context, priority string, limit, offset int) ([]*domain.HITLTask, error) {
	return nil, nil
}

func (f *fakeHITL) AssignTask(ctx context.Context, taskID, reviewerID uuid.UUID) (*domain.HITLTask, error) {
	return nil, nil
}

func (f *fakeHITL) UnassignTask(ctx context.Context, taskID uuid.UUID) error { return nil }

func (f *fakeHITL) SkipTask(ctx context.Context, taskID uuid.UUID, reason string) error { return nil }

func (f *fakeHITL) Stats(ctx context.Context) (*HITLStats, error) { return nil, nil }
