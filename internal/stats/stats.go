// Package stats tracks invocation counts and durations per node kind for
// each session.
package stats

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNoStats is returned for sessions with no recorded invocations.
var ErrNoStats = errors.New("no stats for session")

// KindStats aggregates the invocations of one node kind.
type KindStats struct {
	Kind   string        `json:"kind"`
	Count  int           `json:"count"`
	Errors int           `json:"errors"`
	Total  time.Duration `json:"total_ns"`
	Max    time.Duration `json:"max_ns"`
	Last   time.Time     `json:"last"`
}

// Average returns the mean invocation duration.
func (k KindStats) Average() time.Duration {
	if k.Count == 0 {
		return 0
	}
	return k.Total / time.Duration(k.Count)
}

// Summary is the statistics of one session.
type Summary struct {
	SessionID string        `json:"session_id"`
	Kinds     []KindStats   `json:"kinds"`
	Count     int           `json:"count"`
	Errors    int           `json:"errors"`
	Wall      time.Duration `json:"wall_ns"`
}

type sessionStats struct {
	started time.Time
	last    time.Time
	kinds   map[string]*KindStats
}

// Collector records invocation statistics. It is safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	sessions map[string]*sessionStats
	logger   *slog.Logger
	now      func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		sessions: make(map[string]*sessionStats),
		logger:   logger,
		now:      time.Now,
	}
}

// Record adds one finished invocation of kind to the session.
func (c *Collector) Record(sessionID, kind string, d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionStats{started: now.Add(-d), kinds: make(map[string]*KindStats)}
		c.sessions[sessionID] = s
	}
	s.last = now

	k, ok := s.kinds[kind]
	if !ok {
		k = &KindStats{Kind: kind}
		s.kinds[kind] = k
	}
	k.Count++
	if failed {
		k.Errors++
	}
	k.Total += d
	if d > k.Max {
		k.Max = d
	}
	k.Last = now
}

// Summary returns a snapshot for the session.
func (c *Collector) Summary(sessionID string) (*Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrNoStats
	}

	out := &Summary{
		SessionID: sessionID,
		Kinds:     make([]KindStats, 0, len(s.kinds)),
		Wall:      s.last.Sub(s.started),
	}
	for _, k := range s.kinds {
		out.Kinds = append(out.Kinds, *k)
		out.Count += k.Count
		out.Errors += k.Errors
	}
	sort.Slice(out.Kinds, func(i, j int) bool { return out.Kinds[i].Kind < out.Kinds[j].Kind })
	return out, nil
}

// LogSummary writes the session summary to the logger and forgets the
// session.
func (c *Collector) LogSummary(sessionID string) {
	sum, err := c.Summary(sessionID)
	if err != nil {
		return
	}
	c.Reset(sessionID)

	attrs := []any{
		slog.String("session_id", sessionID),
		slog.Int("invocations", sum.Count),
		slog.Int("errors", sum.Errors),
		slog.Duration("wall", sum.Wall),
	}
	for _, k := range sum.Kinds {
		attrs = append(attrs, slog.Group(k.Kind,
			slog.Int("count", k.Count),
			slog.Duration("total", k.Total),
			slog.Duration("avg", k.Average()),
			slog.Duration("max", k.Max),
		))
	}
	c.logger.Info("session invocation stats", attrs...)
}

// Reset drops the statistics of a session.
func (c *Collector) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}
