package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

// RedisSink records events in Redis Streams: one stream per session plus a
// stream of all sessions. It implements Sink and History, so any process
// sharing the Redis instance can serve event streams.
type RedisSink struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisSink creates a sink under prefix. maxLen bounds each stream
// approximately; ttl expires idle session streams (0 = never).
func NewRedisSink(client *redis.Client, prefix string, maxLen int64, ttl time.Duration, logger *slog.Logger) *RedisSink {
	if prefix == "" {
		prefix = "graph-engine"
	}
	if maxLen <= 0 {
		maxLen = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen, ttl: ttl, logger: logger}
}

// Key helpers
func (s *RedisSink) keyStream(sessionID string) string {
	if sessionID == "" {
		return fmt.Sprintf("%s:events:all", s.prefix)
	}
	return fmt.Sprintf("%s:events:session:%s", s.prefix, sessionID)
}

// Publish appends the event to the session stream and the global stream.
func (s *RedisSink) Publish(ctx context.Context, event *types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, key := range []string{s.keyStream(event.SessionID), s.keyStream("")} {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{"event": string(data)},
		})
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, s.keyStream(event.SessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// EventsSince returns recorded events after lastEventID.
func (s *RedisSink) EventsSince(ctx context.Context, sessionID, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyStream(sessionID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		if e := s.decode(entry); e != nil {
			events = append(events, e)
		}
	}
	return eventsAfter(events, lastEventID), nil
}

// Subscribe starts a stream reader that forwards new events to a channel.
func (s *RedisSink) Subscribe(ctx context.Context, sessionID string) (<-chan *types.Event, func(), error) {
	ch := make(chan *types.Event, 100)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.streamReader(ctx, sessionID, ch)
	}()

	cleanup := func() {
		cancel()
		<-done
		close(ch)
	}
	return ch, cleanup, nil
}

// streamReader reads from the Redis Stream and pushes to ch until ctx ends.
func (s *RedisSink) streamReader(ctx context.Context, sessionID string, ch chan *types.Event) {
	lastID := "$" // Start from latest

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyStream(sessionID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Debug("event stream read failed", slog.String("session_id", sessionID), slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				e := s.decode(entry)
				if e == nil {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

func (s *RedisSink) decode(entry redis.XMessage) *types.Event {
	raw, _ := entry.Values["event"].(string)
	var e types.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.logger.Debug("skipping undecodable event", slog.String("stream_id", entry.ID), slog.Any("error", err))
		return nil
	}
	return &e
}
