package events

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

const subscriberBuffer = 16

// Subscriber is one consumer of stream events. Events arrive on Outbound;
// slow consumers lose events rather than stalling producers.
type Subscriber struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan StreamEvent
	done     chan struct{}
}

// Done is closed when the subscriber has been shut down by the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Hub is the in-process fanout for stream events. Producers publish to a
// channel name; every subscriber of that channel gets a copy.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Subscriber]bool
}

func NewHub(baseLog *logger.Logger) *Hub {
	return &Hub{
		log:           baseLog.With("component", "EventHub"),
		subscriptions: make(map[string]map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber on the given channels.
func (h *Hub) Subscribe(channels ...string) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New(),
		Channels: make(map[string]bool),
		Outbound: make(chan StreamEvent, subscriberBuffer),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		h.AddChannel(sub, ch)
	}
	return sub
}

func (h *Hub) AddChannel(sub *Subscriber, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub.Channels[channel] = true

	subs, exists := h.subscriptions[channel]
	if !exists {
		subs = make(map[*Subscriber]bool)
		h.subscriptions[channel] = subs
	}
	subs[sub] = true

	h.log.Debug("Subscriber added to channel", "subscriber_id", sub.ID, "channel", channel)
}

func (h *Hub) RemoveChannel(sub *Subscriber, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delete(sub.Channels, channel)
	if subs, ok := h.subscriptions[channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscriptions, channel)
		}
	}
}

// Unsubscribe removes the subscriber from every channel and closes it.
// Safe to call once per subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	for ch := range sub.Channels {
		if subs, ok := h.subscriptions[ch]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.subscriptions, ch)
			}
		}
	}
	sub.Channels = make(map[string]bool)
	h.mu.Unlock()

	close(sub.done)
	close(sub.Outbound)
	h.log.Debug("Subscriber removed", "subscriber_id", sub.ID)
}

// Publish delivers the event to every subscriber of its channel. Full
// subscriber buffers drop the event instead of blocking.
func (h *Hub) Publish(ev StreamEvent) {
	if ev.Channel == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	subs, ok := h.subscriptions[ev.Channel]
	if !ok {
		return
	}
	for s := range subs {
		select {
		case s.Outbound <- ev:
		default:
			h.log.Warn("Dropping stream event; subscriber buffer full",
				"subscriber_id", s.ID,
				"channel", ev.Channel,
				"type", ev.Type,
			)
		}
	}
}

// Emit implements Emitter.
func (h *Hub) Emit(ctx context.Context, ev StreamEvent) {
	h.Publish(ev)
}

// SubscriberCount reports how many subscribers a channel currently has.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[channel])
}
