package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

// RedisBridge mirrors stream events through a Redis pub/sub channel so
// replicas can serve subscribers for batches processed elsewhere.
type RedisBridge struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBridge connects using REDIS_ADDR and REDIS_CHANNEL (default
// "nexusflow.events"). Missing REDIS_ADDR is an error; callers that treat
// the bridge as optional check the env themselves.
func NewRedisBridge(baseLog *logger.Logger) (*RedisBridge, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = "nexusflow.events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBridge{
		log:     baseLog.With("component", "RedisEventBridge"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

// Emit implements Emitter. Publish failures are logged, never surfaced;
// event delivery is best effort.
func (b *RedisBridge) Emit(ctx context.Context, ev StreamEvent) {
	if b == nil || b.rdb == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("Failed to marshal stream event", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("Failed to publish stream event", "error", err, "type", ev.Type)
	}
}

// StartForwarder subscribes to the Redis channel and replays every received
// event into onEvent until ctx is cancelled.
func (b *RedisBridge) StartForwarder(ctx context.Context, onEvent func(ev StreamEvent)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis event bridge not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("Bad stream event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (b *RedisBridge) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// FanoutEmitter emits into several emitters, typically the local hub plus
// the Redis bridge.
type FanoutEmitter []Emitter

func (f FanoutEmitter) Emit(ctx context.Context, ev StreamEvent) {
	for _, e := range f {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}
