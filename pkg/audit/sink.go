/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink receives security events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, event *Event) error
	Close() error
	Name() string
}

// LogSink writes events to the structured log. Critical events are logged
// at error level so they surface in the default log filter.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Write(_ context.Context, event *Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.Time("timestamp", event.Timestamp),
		zap.Object("actor", event.Actor),
		zap.Object("target", event.Target),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	if ce := s.logger.Check(severityLevel(event.Severity), "audit_event"); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func severityLevel(sev Severity) zapcore.Level {
	switch sev {
	case SeverityCritical:
		return zapcore.ErrorLevel
	case SeverityWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func (s *LogSink) Close() error { return nil }

func (s *LogSink) Name() string { return "log" }

// MarshalLogObject omits empty attributes.
func (a Actor) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	addNonEmpty(enc, "user", a.UserID)
	addNonEmpty(enc, "tier", a.Tier)
	addNonEmpty(enc, "ip", a.SourceIP)
	addNonEmpty(enc, "userAgent", a.UserAgent)
	if a.Bot {
		enc.AddBool("bot", true)
	}
	return nil
}

// MarshalLogObject omits empty attributes.
func (t Target) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	addNonEmpty(enc, "method", t.Method)
	addNonEmpty(enc, "path", t.Path)
	addNonEmpty(enc, "key", t.RateLimitKey)
	addNonEmpty(enc, "category", t.Category)
	return nil
}

func addNonEmpty(enc zapcore.ObjectEncoder, key, value string) {
	if value != "" {
		enc.AddString(key, value)
	}
}

// MultiSink fans an event out to several sinks. A failing sink does not
// stop delivery to the rest; the errors are joined.
type MultiSink struct {
	sinks  []Sink
	logger *zap.Logger
}

func NewMultiSink(sinks []Sink, logger *zap.Logger) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

func (s *MultiSink) Write(ctx context.Context, event *Event) error {
	return s.each(func(sink Sink) error {
		if err := sink.Write(ctx, event); err != nil {
			s.logger.Warn("Audit sink write failed", zap.String("sink", sink.Name()), zap.String("event_id", event.ID), zap.Error(err))
			return err
		}
		return nil
	})
}

func (s *MultiSink) Close() error {
	return s.each(Sink.Close)
}

func (s *MultiSink) each(fn func(Sink) error) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := fn(sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *MultiSink) Name() string { return "multi" }
