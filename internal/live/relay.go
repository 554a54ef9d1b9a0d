package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Channel carries events from the worker to every API instance.
const Channel = "munymo:events"

// Relay publishes game events. With redis it fans out over pub/sub so that
// events raised by the worker reach the API's hub; without redis it delivers
// straight to the local hub.
type Relay struct {
	hub *Hub
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time
}

// NewRelay accepts a nil hub (publish-only processes) and a nil redis client
// (single-process mode).
func NewRelay(hub *Hub, rdb *redis.Client, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{hub: hub, rdb: rdb, log: logger, now: time.Now}
}

func (r *Relay) Publish(ctx context.Context, eventType string, payload any) error {
	ev, err := NewEvent(eventType, payload, r.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	if r.rdb == nil {
		if r.hub != nil {
			r.hub.BroadcastRaw(raw)
		}
		return nil
	}
	if err := r.rdb.Publish(ctx, Channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Run forwards pub/sub messages to the hub until ctx is cancelled. With no
// redis or no hub it just waits for ctx.
func (r *Relay) Run(ctx context.Context) error {
	if r.rdb == nil || r.hub == nil {
		<-ctx.Done()
		return nil
	}
	sub := r.rdb.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	r.log.Info("live relay subscribed", "channel", Channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(msg.Payload)
		}
	}
}

func (r *Relay) forward(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Type == "" {
		r.log.Warn("dropping malformed live event", "err", err)
		return
	}
	r.hub.BroadcastRaw([]byte(payload))
}
