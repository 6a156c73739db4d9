// Package audit fans security events out to the configured sinks: the
// event table, structured logs, metrics and webhooks.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oktsec/attestd/internal/attest"
)

// Sink receives security events.
type Sink interface {
	Append(ctx context.Context, e attest.SecurityEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e attest.SecurityEvent) error

// Append implements Sink.
func (f SinkFunc) Append(ctx context.Context, e attest.SecurityEvent) error { return f(ctx, e) }

// Recorder stamps events and hands them to every sink. A failing sink is
// logged and skipped; recording never fails the caller.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder over sinks.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, logger: logger, now: time.Now}
}

// Record assigns missing IDs and timestamps and appends each event to all
// sinks. It returns the stamped events.
func (r *Recorder) Record(ctx context.Context, events ...attest.SecurityEvent) []attest.SecurityEvent {
	for i := range events {
		e := &events[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = r.now().UTC()
		}
		for _, s := range r.sinks {
			if err := s.Append(ctx, *e); err != nil {
				r.logger.Error("security event append failed",
					"event_id", e.ID, "event_type", e.EventType, "device_id", e.DeviceID, "error", err)
			}
		}
	}
	return events
}

// LogSink writes events to a structured logger, at warn level for high
// and critical severities.
type LogSink struct {
	Logger *slog.Logger
}

// Append implements Sink.
func (s LogSink) Append(ctx context.Context, e attest.SecurityEvent) error {
	level := slog.LevelInfo
	if e.Severity == attest.SeverityHigh || e.Severity == attest.SeverityCritical {
		level = slog.LevelWarn
	}
	s.Logger.Log(ctx, level, "security event",
		"event_type", e.EventType,
		"severity", e.Severity,
		"device_id", e.DeviceID,
		"report_id", e.ReportID,
		"description", e.Description,
	)
	return nil
}
