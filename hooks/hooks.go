// Package hooks provides production-ready Hook, Tracker, MetricsCollector
// and Logger implementations.
package hooks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/image-loader/core"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) {
	s.log.Debug(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Info(msg string, fields ...interface{}) {
	s.log.Info(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Warn(msg string, fields ...interface{}) {
	s.log.Warn(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Error(msg string, fields ...interface{}) {
	s.log.Error(msg, toAttrs(fields)...)
}

func toAttrs(fields []interface{}) []any { return fields }

// ParseLevel maps a config level name to a slog level. Unknown names fall
// back to info.
func ParseLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs before/after each decode stage.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStage(_ context.Context, stage core.Stage, req *core.Request) {
	h.logger.Debug("decode.stage.start",
		"stage", string(stage),
		"request_id", req.ID,
		"uri", req.URI,
	)
}

func (h *LoggingHook) AfterStage(_ context.Context, stage core.Stage, req *core.Request, d time.Duration, err error) {
	if err != nil {
		h.logger.Error("decode.stage.error",
			"stage", string(stage),
			"request_id", req.ID,
			"duration_ms", d.Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	h.logger.Debug("decode.stage.done",
		"stage", string(stage),
		"request_id", req.ID,
		"duration_ms", d.Milliseconds(),
	)
}

// ── Log tracker ───────────────────────────────────────────────────────────────

// LogTracker writes one log line per decode outcome.
type LogTracker struct {
	logger core.Logger
}

// NewLogTracker creates a LogTracker.
func NewLogTracker(l core.Logger) *LogTracker { return &LogTracker{logger: l} }

func (t *LogTracker) OnDecodeFailure(_ context.Context, f core.Failure) {
	fields := []interface{}{
		"request_id", f.RequestID,
		"uri", f.URI,
		"cause", f.Cause,
		"mime", f.Bounds.MimeType,
		"width", f.Bounds.Width,
		"height", f.Bounds.Height,
	}
	if f.Err != nil {
		fields = append(fields, "error", f.Err.Error())
	}
	t.logger.Warn("decode.failure", fields...)
}

func (t *LogTracker) OnDecodeSuccess(_ context.Context, s core.Success) {
	t.logger.Info("decode.success",
		"request_id", s.RequestID,
		"uri", s.URI,
		"strategy", s.Strategy,
		"sample_size", s.SampleSize,
		"width", s.Bounds.Width,
		"height", s.Bounds.Height,
		"duration_ms", s.Elapsed.Milliseconds(),
	)
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics; safe for concurrent use. It also
// implements core.Tracker so outcome counts land next to stage timings.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stageDurationsMs map[core.Stage]int64 // cumulative ms per stage
	stageCalls       map[core.Stage]int64
	stageErrors      map[core.Stage]int64
	causes           map[string]int64

	successes int64
	failures  int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stageDurationsMs: make(map[core.Stage]int64),
		stageCalls:       make(map[core.Stage]int64),
		stageErrors:      make(map[core.Stage]int64),
		causes:           make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordStageTime(stage core.Stage, d interface{ Seconds() float64 }) {
	ms := int64(d.Seconds() * 1000)
	m.mu.Lock()
	m.stageDurationsMs[stage] += ms
	m.stageCalls[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordError(stage core.Stage, _ string) {
	m.mu.Lock()
	m.stageErrors[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) OnDecodeFailure(_ context.Context, f core.Failure) {
	atomic.AddInt64(&m.failures, 1)
	m.mu.Lock()
	m.causes[f.Cause]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) OnDecodeSuccess(context.Context, core.Success) {
	atomic.AddInt64(&m.successes, 1)
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		StageDurationsMs: make(map[core.Stage]int64, len(m.stageDurationsMs)),
		StageCalls:       make(map[core.Stage]int64, len(m.stageCalls)),
		StageErrors:      make(map[core.Stage]int64, len(m.stageErrors)),
		Causes:           make(map[string]int64, len(m.causes)),
		Successes:        atomic.LoadInt64(&m.successes),
		Failures:         atomic.LoadInt64(&m.failures),
	}
	for k, v := range m.stageDurationsMs {
		snap.StageDurationsMs[k] = v
	}
	for k, v := range m.stageCalls {
		snap.StageCalls[k] = v
	}
	for k, v := range m.stageErrors {
		snap.StageErrors[k] = v
	}
	for k, v := range m.causes {
		snap.Causes[k] = v
	}
	return snap
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StageDurationsMs map[core.Stage]int64
	StageCalls       map[core.Stage]int64
	StageErrors      map[core.Stage]int64
	// Causes counts terminal failures by cause tag.
	Causes    map[string]int64
	Successes int64
	Failures  int64
}
