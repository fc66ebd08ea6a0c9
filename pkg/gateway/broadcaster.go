package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/flipmentor/internal/tracing"
	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/rs/zerolog"
)

// EventBroadcaster handles broadcasting events to all authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	}
	b.broadcastMessage(msg)
}

// BroadcastTyped sends a typed stream event with sequence metadata.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	b.broadcastMessage(msg)
}

func (b *EventBroadcaster) broadcastMessage(msg EventMessage) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Str("stream", string(msg.Stream)).
			Str("phase", msg.Phase).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()

	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Str("stream", string(msg.Stream)).
			Str("phase", msg.Phase).
			Int64("seq", msg.Seq).
			Msg("No authenticated clients to broadcast to")
		return
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Str("stream", string(msg.Stream)).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Str("phase", msg.Phase).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}

// RunBroadcaster publishes assistant run lifecycle events on the run stream.
type RunBroadcaster struct {
	events *EventBroadcaster
}

// NewRunBroadcaster wraps an EventBroadcaster as an assistant.RunObserver.
func NewRunBroadcaster(events *EventBroadcaster) *RunBroadcaster {
	return &RunBroadcaster{events: events}
}

func (r *RunBroadcaster) RunStarted(ctx context.Context, ev assistant.RunEvent) {
	r.publish(ctx, "run.started", "start", ev)
}

func (r *RunBroadcaster) RunFinished(ctx context.Context, ev assistant.RunEvent) {
	r.publish(ctx, "run.finished", "end", ev)
}

func (r *RunBroadcaster) publish(ctx context.Context, event, phase string, ev assistant.RunEvent) {
	if r == nil || r.events == nil {
		return
	}
	data := map[string]interface{}{
		"session_id": ev.SessionID,
		"purpose":    string(ev.Purpose),
		"status":     string(ev.Status),
	}
	if ev.Outcome != "" {
		data["outcome"] = ev.Outcome
		data["attempts"] = ev.Attempts
	}
	if ev.Detail != "" {
		data["detail"] = ev.Detail
	}
	r.events.BroadcastTyped(EventMessage{
		Event:   event,
		Stream:  StreamTypeRun,
		Phase:   phase,
		Data:    data,
		TraceID: tracing.GetTraceID(ctx),
		RunID:   ev.RunID,
		Session: ev.SessionKey,
	})
}
