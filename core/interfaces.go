package core

import (
	"context"
	"time"
)

// Hook is an optional observer invoked around decode stages.
type Hook interface {
	BeforeStage(ctx context.Context, stage Stage, req *Request)
	AfterStage(ctx context.Context, stage Stage, req *Request, d time.Duration, err error)
}

// Tracker receives exactly one report per decode: a Failure or a Success.
type Tracker interface {
	OnDecodeFailure(ctx context.Context, f Failure)
	OnDecodeSuccess(ctx context.Context, s Success)
}

// MetricsCollector receives performance observations from the engine.
type MetricsCollector interface {
	RecordStageTime(stage Stage, d interface{ Seconds() float64 })
	RecordError(stage Stage, cause string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// Trackers fans reports out to several trackers.
type Trackers []Tracker

func (ts Trackers) OnDecodeFailure(ctx context.Context, f Failure) {
	for _, t := range ts {
		t.OnDecodeFailure(ctx, f)
	}
}

func (ts Trackers) OnDecodeSuccess(ctx context.Context, s Success) {
	for _, t := range ts {
		t.OnDecodeSuccess(ctx, s)
	}
}
