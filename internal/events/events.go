package events

import (
	"context"
	"time"
)

// EventType names a progress event emitted by the pipeline or the batch
// processor.
type EventType string

const (
	EventStageStarted           EventType = "stage_started"
	EventStageCompleted         EventType = "stage_completed"
	EventClassificationComplete EventType = "classification_complete"

	EventBatchStarted     EventType = "batch_started"
	EventTicketProcessing EventType = "ticket_processing"
	EventTicketClassified EventType = "ticket_classified"
	EventBatchCompleted   EventType = "batch_completed"
	EventBatchFailed      EventType = "batch_failed"
	EventHeartbeat        EventType = "heartbeat"
)

// StreamEvent is the envelope delivered to every subscriber of a channel.
type StreamEvent struct {
	Type      EventType      `json:"type"`
	Channel   string         `json:"channel"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds a StreamEvent stamped with the current UTC time.
func New(typ EventType, channel string, data map[string]any) StreamEvent {
	return StreamEvent{
		Type:      typ,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// BatchChannel is the channel carrying one batch's progress events.
func BatchChannel(batchID string) string { return "batch:" + batchID }

// TicketChannel carries the per-stage events of a single classification.
func TicketChannel(ticketID string) string { return "ticket:" + ticketID }

// Emitter is the seam between event producers and whatever fans the events
// out. Emit never blocks the producer.
type Emitter interface {
	Emit(ctx context.Context, ev StreamEvent)
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(ctx context.Context, ev StreamEvent) {}
