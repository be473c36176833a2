// Package events delivers session lifecycle notifications to sinks and
// keeps per-session history for streaming clients.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

// ErrClosed is returned when publishing to a closed sink.
var ErrClosed = errors.New("event sink closed")

// Sink receives published events. Delivery is best effort; callers never
// retry a failed Publish.
type Sink interface {
	Publish(ctx context.Context, event *types.Event) error
}

// History exposes recorded events and live subscriptions per session.
type History interface {
	// EventsSince returns events after lastEventID (exclusive). An empty
	// lastEventID returns every retained event.
	EventsSince(ctx context.Context, sessionID, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for sessionID, or for
	// every session when sessionID is empty. The cleanup function must be
	// called when done.
	Subscribe(ctx context.Context, sessionID string) (<-chan *types.Event, func(), error)
}

// NewEvent builds an event with a time-ordered id.
func NewEvent(sessionID string, input *types.EventInput) (*types.Event, error) {
	data, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}
	return &types.Event{
		ID:         id.String(),
		SessionID:  sessionID,
		Type:       input.Type,
		NodeID:     input.NodeID,
		InstanceID: input.InstanceID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}, nil
}

// Emitter publishes events to a sink and logs failures instead of
// returning them.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates an emitter. A nil sink discards events.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sink: sink, logger: logger}
}

// Emit publishes one event for a session.
func (e *Emitter) Emit(ctx context.Context, sessionID string, input *types.EventInput) {
	if e == nil || e.sink == nil {
		return
	}
	event, err := NewEvent(sessionID, input)
	if err != nil {
		e.logger.Warn("failed to build event",
			slog.String("session_id", sessionID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err),
		)
		return
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish event",
			slog.String("session_id", sessionID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err),
		)
	}
}

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event *types.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a sink logging at level.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Publish(ctx context.Context, event *types.Event) error {
	s.logger.LogAttrs(ctx, s.level, "session event",
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("session_id", event.SessionID),
		slog.String("node_id", event.NodeID),
		slog.String("instance_id", event.InstanceID),
	)
	return nil
}
