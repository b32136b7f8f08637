package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/nexusflow-backend/internal/config"
	"github.com/yungbote/nexusflow-backend/internal/data/repos"
	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/events"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

const (
	batchQueueDepth      = 1024
	batchTitleSnippetLen = 80
)

// TicketClassifier is the single-ticket seam the batch workers drive.
// Satisfied by ClassificationService.
type TicketClassifier interface {
	ClassifyTicket(ctx context.Context, req domain.ClassifyRequest) (*domain.ClassificationResult, error)
}

// BatchSubmitInput is one batch submission.
type BatchSubmitInput struct {
	Tickets     []domain.ClassifyRequest
	BatchID     string
	CallbackURL string
}

// BatchSubmission acknowledges an accepted batch.
type BatchSubmission struct {
	BatchID     string `json:"batch_id"`
	TicketCount int    `json:"ticket_count"`
	Status      string `json:"status"`
	StreamURL   string `json:"stream_url"`
}

// BatchTicketResult is one ticket's outcome in the batch summary. Full
// per-ticket detail streams through the event channel while the batch runs;
// the summary keeps only what batch-level consumers need.
type BatchTicketResult struct {
	Index        int     `json:"index"`
	TicketID     string  `json:"ticket_id"`
	Level1       string  `json:"level1"`
	Level2       string  `json:"level2"`
	Level3       string  `json:"level3"`
	Confidence   float64 `json:"confidence"`
	AutoResolved bool    `json:"auto_resolved"`
	RequiresHITL bool    `json:"requires_hitl"`
}

// BatchTicketError records a ticket whose classification failed outright.
type BatchTicketError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult summarizes a finished batch. It is persisted on the job row
// and posted to the callback URL when one was supplied.
type BatchResult struct {
	BatchID          string              `json:"batch_id"`
	TotalTickets     int                 `json:"total_tickets"`
	Successful       int                 `json:"successful"`
	Failed           int                 `json:"failed"`
	AutoResolved     int                 `json:"auto_resolved"`
	RequiresHITL     int                 `json:"requires_hitl"`
	Results          []BatchTicketResult `json:"results"`
	Errors           []BatchTicketError  `json:"errors,omitempty"`
	ProcessingTimeMS int64               `json:"processing_time_ms"`
}

// batchPayload is the persisted submission, the source for retries.
type batchPayload struct {
	Tickets     []domain.ClassifyRequest `json:"tickets"`
	CallbackURL string                   `json:"callback_url,omitempty"`
}

type batchEntry struct {
	job     *domain.BatchJob
	tickets []domain.ClassifyRequest
	result  *BatchResult
}

// BatchProcessor executes batch submissions on a fixed worker pool. Batches
// queue FIFO; within a batch, tickets classify sequentially in submission
// order. The in-memory registry is the live view; the batch_jobs table is the
// durable record, written best-effort so a database hiccup never stalls
// classification.
type BatchProcessor struct {
	cfg        config.Config
	log        *logger.Logger
	classifier TicketClassifier
	jobRepo    repos.BatchJobRepo
	hub        *events.Hub
	mirror     events.Emitter
	httpClient *http.Client

	mu      sync.Mutex
	entries map[string]*batchEntry

	queue chan string

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

// NewBatchProcessor wires the processor. A nil httpClient gets a default
// client bounded by the configured callback timeout.
func NewBatchProcessor(
	cfg config.Config,
	baseLog *logger.Logger,
	classifier TicketClassifier,
	jobRepo repos.BatchJobRepo,
	hub *events.Hub,
	httpClient *http.Client,
) *BatchProcessor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.CallbackTimeout}
	}
	return &BatchProcessor{
		cfg:        cfg,
		log:        baseLog.With("service", "BatchProcessor"),
		classifier: classifier,
		jobRepo:    jobRepo,
		hub:        hub,
		httpClient: httpClient,
		entries:    make(map[string]*batchEntry),
		queue:      make(chan string, batchQueueDepth),
		stopped:    make(chan struct{}),
	}
}

// Start launches the worker pool. Subsequent calls are no-ops.
func (p *BatchProcessor) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.BatchWorkerCount; i++ {
			workerID := fmt.Sprintf("worker-%d", i)
			p.wg.Add(1)
			go p.worker(ctx, workerID)
		}
		p.log.Info("batch workers started", "count", p.cfg.BatchWorkerCount)
	})
}

// Stop shuts the pool down and waits for in-flight batches and callbacks.
func (p *BatchProcessor) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
	p.log.Info("batch workers stopped")
}

func newBatchID() string {
	return "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SubmitBatch validates and enqueues a batch, returning immediately. The
// returned status is always "pending"; progress streams on the batch channel.
func (p *BatchProcessor) SubmitBatch(ctx context.Context, in BatchSubmitInput) (*BatchSubmission, error) {
	n := len(in.Tickets)
	if n < 1 || n > p.cfg.BatchMaxSize {
		return nil, fmt.Errorf("batch: size must be 1..%d, got %d: %w", p.cfg.BatchMaxSize, n, apperrors.ErrInvalidArgument)
	}

	batchID := strings.TrimSpace(in.BatchID)
	if batchID == "" {
		batchID = newBatchID()
	} else {
		if existing, err := p.jobRepo.GetByBatchID(dbctx.Context{Ctx: ctx}, batchID); err == nil && existing != nil {
			return nil, fmt.Errorf("batch: id %s already exists: %w", batchID, apperrors.ErrConflict)
		}
	}

	p.mu.Lock()
	if _, dup := p.entries[batchID]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("batch: id %s already exists: %w", batchID, apperrors.ErrConflict)
	}
	p.mu.Unlock()

	payload, err := json.Marshal(batchPayload{Tickets: in.Tickets, CallbackURL: in.CallbackURL})
	if err != nil {
		return nil, fmt.Errorf("batch: encode payload: %w", err)
	}

	job := &domain.BatchJob{
		BatchID:     batchID,
		TicketCount: n,
		Status:      domain.BatchStatusPending,
		CallbackURL: in.CallbackURL,
		Payload:     datatypes.JSON(payload),
	}
	if _, err := p.jobRepo.Create(dbctx.Context{Ctx: ctx}, []*domain.BatchJob{job}); err != nil {
		p.log.Warn("failed to persist batch job", "batch_id", batchID, "error", err)
	}

	p.mu.Lock()
	p.entries[batchID] = &batchEntry{job: job, tickets: in.Tickets}
	p.mu.Unlock()

	select {
	case p.queue <- batchID:
	default:
		p.mu.Lock()
		delete(p.entries, batchID)
		p.mu.Unlock()
		if err := p.jobRepo.UpdateFields(dbctx.Context{Ctx: ctx}, batchID, map[string]interface{}{
			"status": domain.BatchStatusFailed,
			"error":  "submission queue full",
		}); err != nil {
			p.log.Warn("failed to mark overflowed batch", "batch_id", batchID, "error", err)
		}
		return nil, fmt.Errorf("batch: submission queue full")
	}

	p.log.Info("batch submitted", "batch_id", batchID, "ticket_count", n, "callback", in.CallbackURL)

	return &BatchSubmission{
		BatchID:     batchID,
		TicketCount: n,
		Status:      domain.BatchStatusPending,
		StreamURL:   "/api/v1/batch/stream/" + batchID,
	}, nil
}

// GetBatch returns the live job when this instance is running it, otherwise
// the persisted row.
func (p *BatchProcessor) GetBatch(ctx context.Context, batchID string) (*domain.BatchJob, error) {
	if job, ok := p.snapshot(batchID); ok {
		return job, nil
	}
	job, err := p.jobRepo.GetByBatchID(dbctx.Context{Ctx: ctx}, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch: get %s: %w", batchID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("batch: %s: %w", batchID, apperrors.ErrNotFound)
	}
	return job, nil
}

// GetBatchResult returns the summary of a completed batch. Batches in any
// other state conflict.
func (p *BatchProcessor) GetBatchResult(ctx context.Context, batchID string) (*BatchResult, error) {
	p.mu.Lock()
	if e, ok := p.entries[batchID]; ok {
		status := e.job.Status
		result := e.result
		p.mu.Unlock()
		if status != domain.BatchStatusCompleted || result == nil {
			return nil, fmt.Errorf("batch: %s is %s, result unavailable: %w", batchID, status, apperrors.ErrConflict)
		}
		return result, nil
	}
	p.mu.Unlock()

	job, err := p.jobRepo.GetByBatchID(dbctx.Context{Ctx: ctx}, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch: get result %s: %w", batchID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("batch: %s: %w", batchID, apperrors.ErrNotFound)
	}
	if job.Status != domain.BatchStatusCompleted || len(job.Results) == 0 {
		return nil, fmt.Errorf("batch: %s is %s, result unavailable: %w", batchID, job.Status, apperrors.ErrConflict)
	}
	var res BatchResult
	if err := json.Unmarshal(job.Results, &res); err != nil {
		return nil, fmt.Errorf("batch: decode result %s: %w", batchID, err)
	}
	return &res, nil
}

// ListBatches lists persisted batch rows, optionally filtered by status.
func (p *BatchProcessor) ListBatches(ctx context.Context, status string, limit, offset int) ([]*domain.BatchJob, error) {
	jobs, err := p.jobRepo.List(dbctx.Context{Ctx: ctx}, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("batch: list: %w", err)
	}
	return jobs, nil
}

// CancelBatch cancels a batch that has not started. Running batches are not
// interruptible; the worker skips cancelled batches at dequeue.
func (p *BatchProcessor) CancelBatch(ctx context.Context, batchID string) error {
	p.mu.Lock()
	e, ok := p.entries[batchID]
	if ok {
		if e.job.Status != domain.BatchStatusPending {
			status := e.job.Status
			p.mu.Unlock()
			return fmt.Errorf("batch: cannot cancel %s in status %s: %w", batchID, status, apperrors.ErrConflict)
		}
		e.job.Status = domain.BatchStatusCancelled
		p.mu.Unlock()

		if _, err := p.jobRepo.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, batchID, domain.BatchStatusPending, map[string]interface{}{
			"status": domain.BatchStatusCancelled,
		}); err != nil {
			p.log.Warn("failed to persist batch cancellation", "batch_id", batchID, "error", err)
		}
		p.log.Info("batch cancelled", "batch_id", batchID)
		return nil
	}
	p.mu.Unlock()

	job, err := p.jobRepo.GetByBatchID(dbctx.Context{Ctx: ctx}, batchID)
	if err != nil {
		return fmt.Errorf("batch: cancel %s: %w", batchID, err)
	}
	if job == nil {
		return fmt.Errorf("batch: %s: %w", batchID, apperrors.ErrNotFound)
	}
	won, err := p.jobRepo.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, batchID, domain.BatchStatusPending, map[string]interface{}{
		"status": domain.BatchStatusCancelled,
	})
	if err != nil {
		return fmt.Errorf("batch: cancel %s: %w", batchID, err)
	}
	if !won {
		return fmt.Errorf("batch: cannot cancel %s in status %s: %w", batchID, job.Status, apperrors.ErrConflict)
	}
	p.log.Info("batch cancelled", "batch_id", batchID)
	return nil
}

// RetryBatch resubmits a failed batch's persisted payload as a new batch with
// a fresh id. Only failed batches are retryable.
func (p *BatchProcessor) RetryBatch(ctx context.Context, batchID string) (*BatchSubmission, error) {
	job, err := p.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.BatchStatusFailed {
		return nil, fmt.Errorf("batch: can only retry failed batches, %s is %s: %w", batchID, job.Status, apperrors.ErrConflict)
	}
	if len(job.Payload) == 0 {
		return nil, fmt.Errorf("batch: %s has no persisted payload to retry", batchID)
	}
	var payload batchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("batch: decode payload %s: %w", batchID, err)
	}
	if len(payload.Tickets) == 0 {
		return nil, fmt.Errorf("batch: %s has no tickets to retry", batchID)
	}

	sub, err := p.SubmitBatch(ctx, BatchSubmitInput{Tickets: payload.Tickets, CallbackURL: payload.CallbackURL})
	if err != nil {
		return nil, err
	}
	p.log.Info("batch retried", "batch_id", batchID, "new_batch_id", sub.BatchID)
	return sub, nil
}

// Subscribe attaches a consumer to one batch's event channel.
func (p *BatchProcessor) Subscribe(batchID string) *events.Subscriber {
	return p.hub.Subscribe(events.BatchChannel(batchID))
}

// Unsubscribe detaches and closes a subscriber.
func (p *BatchProcessor) Unsubscribe(sub *events.Subscriber) {
	p.hub.Unsubscribe(sub)
}

func (p *BatchProcessor) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	p.log.Info("worker started", "worker_id", workerID)
	for {
		select {
		case <-p.stopped:
			p.log.Info("worker stopped", "worker_id", workerID)
			return
		case <-ctx.Done():
			p.log.Info("worker stopped", "worker_id", workerID)
			return
		case batchID := <-p.queue:
			p.processBatch(ctx, batchID, workerID)
		}
	}
}

// claim flips a pending batch to processing and hands its tickets to the
// caller. Returns ok=false when the batch is unknown or no longer pending
// (cancelled batches are skipped here).
func (p *BatchProcessor) claim(batchID string) ([]domain.ClassifyRequest, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[batchID]
	if !ok || e.job.Status != domain.BatchStatusPending {
		return nil, "", false
	}
	now := time.Now().UTC()
	e.job.Status = domain.BatchStatusProcessing
	e.job.StartedAt = &now
	return e.tickets, e.job.CallbackURL, true
}

func (p *BatchProcessor) snapshot(batchID string) (*domain.BatchJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[batchID]
	if !ok {
		return nil, false
	}
	job := *e.job
	return &job, true
}

func (p *BatchProcessor) setProgress(batchID string, progress int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[batchID]; ok {
		e.job.Progress = progress
	}
}

func (p *BatchProcessor) finalize(batchID, status string, res *BatchResult, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[batchID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	e.job.Status = status
	e.job.CompletedAt = &now
	e.job.Error = errMsg
	e.job.Successful = res.Successful
	e.job.Failed = res.Failed
	e.job.AutoResolved = res.AutoResolved
	e.job.RequiresHITL = res.RequiresHITL
	if status == domain.BatchStatusCompleted {
		e.job.Progress = 100
	}
	e.result = res
}

func (p *BatchProcessor) processBatch(ctx context.Context, batchID, workerID string) {
	tickets, callbackURL, ok := p.claim(batchID)
	if !ok {
		if job, exists := p.snapshot(batchID); exists {
			p.log.Debug("skipping batch", "batch_id", batchID, "status", job.Status)
		}
		return
	}
	total := len(tickets)
	startedAt := time.Now().UTC()

	if err := p.jobRepo.UpdateFields(dbctx.Context{Ctx: ctx}, batchID, map[string]interface{}{
		"status":     domain.BatchStatusProcessing,
		"started_at": startedAt,
	}); err != nil {
		p.log.Warn("failed to persist batch start", "batch_id", batchID, "error", err)
	}

	p.log.Info("processing batch", "batch_id", batchID, "worker_id", workerID, "ticket_count", total)
	p.emit(events.EventBatchStarted, batchID, map[string]any{
		"total_tickets": total,
		"worker_id":     workerID,
	})

	hbDone := make(chan struct{})
	go p.heartbeat(batchID, hbDone)
	defer close(hbDone)

	res := &BatchResult{
		BatchID:      batchID,
		TotalTickets: total,
		Results:      make([]BatchTicketResult, 0, total),
	}
	interrupted := false

	for i, req := range tickets {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		index := i + 1
		p.emit(events.EventTicketProcessing, batchID, map[string]any{
			"index":         index,
			"total":         total,
			"title_snippet": snippet(req.Title, batchTitleSnippetLen),
		})

		result, err := p.classifier.ClassifyTicket(ctx, req)
		progress := 100 * index / total
		p.setProgress(batchID, progress)

		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, BatchTicketError{Index: index, Error: err.Error()})
			p.log.Warn("ticket classification failed", "batch_id", batchID, "index", index, "error", err)
			p.emit(events.EventTicketClassified, batchID, map[string]any{
				"index":    index,
				"total":    total,
				"progress": progress,
				"error":    err.Error(),
			})
			continue
		}

		res.Successful++
		if result.Routing.AutoResolved {
			res.AutoResolved++
		}
		if result.Routing.RequiresHITL {
			res.RequiresHITL++
		}
		res.Results = append(res.Results, BatchTicketResult{
			Index:        index,
			TicketID:     result.TicketID,
			Level1:       result.Classification.Level1,
			Level2:       result.Classification.Level2,
			Level3:       result.Classification.Level3,
			Confidence:   result.Confidence.CalibratedScore,
			AutoResolved: result.Routing.AutoResolved,
			RequiresHITL: result.Routing.RequiresHITL,
		})
		p.emit(events.EventTicketClassified, batchID, map[string]any{
			"index":          index,
			"total":          total,
			"progress":       progress,
			"classification": result.Classification,
			"confidence_components": map[string]any{
				"graph_confidence":    result.Confidence.GraphConfidence,
				"vector_confidence":   result.Confidence.VectorConfidence,
				"llm_confidence":      result.Confidence.LLMConfidence,
				"calibrated_score":    result.Confidence.CalibratedScore,
				"component_agreement": result.Confidence.ComponentAgreement,
			},
			"routing":            result.Routing,
			"processing_ms":      result.Processing.TimeMS,
			"running_auto_count": res.AutoResolved,
			"running_hitl_count": res.RequiresHITL,
		})
	}

	res.ProcessingTimeMS = time.Since(startedAt).Milliseconds()

	if interrupted {
		errMsg := "batch interrupted: " + ctx.Err().Error()
		p.finalize(batchID, domain.BatchStatusFailed, res, errMsg)
		p.persistCompletion(batchID, domain.BatchStatusFailed, res, errMsg)
		p.emit(events.EventBatchFailed, batchID, map[string]any{"error": errMsg})
		p.log.Error("batch failed", "batch_id", batchID, "error", errMsg)
		p.dispatchCallback(callbackURL, batchID, domain.BatchStatusFailed, res)
		return
	}

	p.finalize(batchID, domain.BatchStatusCompleted, res, "")
	p.persistCompletion(batchID, domain.BatchStatusCompleted, res, "")
	p.emit(events.EventBatchCompleted, batchID, map[string]any{
		"total":         total,
		"auto_resolved": res.AutoResolved,
		"requires_hitl": res.RequiresHITL,
		"failed":        res.Failed,
		"duration_ms":   res.ProcessingTimeMS,
	})
	p.log.Info("batch completed",
		"batch_id", batchID,
		"total", total,
		"auto_resolved", res.AutoResolved,
		"requires_hitl", res.RequiresHITL,
		"failed", res.Failed)
	p.dispatchCallback(callbackURL, batchID, domain.BatchStatusCompleted, res)
}

// persistCompletion writes the terminal row. It runs on a fresh context: the
// worker context may already be cancelled when a batch fails.
func (p *BatchProcessor) persistCompletion(batchID, status string, res *BatchResult, errMsg string) {
	updates := map[string]interface{}{
		"status":        status,
		"completed_at":  time.Now().UTC(),
		"successful":    res.Successful,
		"failed":        res.Failed,
		"auto_resolved": res.AutoResolved,
		"requires_hitl": res.RequiresHITL,
	}
	if status == domain.BatchStatusCompleted {
		updates["progress"] = 100
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if raw, err := json.Marshal(res); err == nil {
		updates["results"] = datatypes.JSON(raw)
	}
	if err := p.jobRepo.UpdateFields(dbctx.Context{Ctx: context.Background()}, batchID, updates); err != nil {
		p.log.Warn("failed to persist batch completion", "batch_id", batchID, "error", err)
	}
}

func (p *BatchProcessor) heartbeat(batchID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.BatchHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.emit(events.EventHeartbeat, batchID, nil)
		}
	}
}

// MirrorEvents reroutes batch events through em instead of the local hub.
// Call before Start. Used with the Redis bridge, whose forwarder feeds the
// hub, so local subscribers still see every event exactly once.
func (p *BatchProcessor) MirrorEvents(em events.Emitter) { p.mirror = em }

func (p *BatchProcessor) emit(typ events.EventType, batchID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["batch_id"] = batchID
	ev := events.New(typ, events.BatchChannel(batchID), data)
	if p.mirror != nil {
		p.mirror.Emit(context.Background(), ev)
		return
	}
	if p.hub == nil {
		return
	}
	p.hub.Publish(ev)
}

func (p *BatchProcessor) dispatchCallback(url, batchID, status string, res *BatchResult) {
	if url == "" {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sendCallback(url, batchID, status, res)
	}()
}

func (p *BatchProcessor) sendCallback(url, batchID, status string, res *BatchResult) {
	payload := struct {
		BatchID string       `json:"batch_id"`
		Status  string       `json:"status"`
		Result  *BatchResult `json:"result"`
	}{BatchID: batchID, Status: status, Result: res}

	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to encode callback payload", "batch_id", batchID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		p.log.Warn("failed to build callback request", "batch_id", batchID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Warn("batch callback failed", "batch_id", batchID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	p.log.Info("batch callback sent", "batch_id", batchID, "url", url, "status_code", resp.StatusCode)
}
