// Package telemetry is the fire-and-forget event sink. Emitting an event
// must never fail or slow the operation that produced it.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"milo/pkg/logx"
)

// Sink accepts product events. Implementations swallow their own errors.
type Sink interface {
	TrackEvent(ctx context.Context, creatorPhone, event string, payload map[string]any)
}

// Nop discards all events.
type Nop struct{}

func (Nop) TrackEvent(context.Context, string, string, map[string]any) {}

// LogSink writes events to the structured log. It assigns each event an
// id so downstream processors can dedupe shipped log lines.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) TrackEvent(_ context.Context, creatorPhone, event string, payload map[string]any) {
	defer func() {
		// A sink panic must never take down a delivery.
		_ = recover()
	}()
	s.Log.Info("telemetry event",
		logx.String("event_id", uuid.NewString()),
		logx.String("event", event),
		logx.String("creator", creatorPhone),
		logx.Time("at", time.Now()),
		logx.Any("payload", payload),
	)
}
