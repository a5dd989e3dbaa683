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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// testSink records events and optionally fails or blocks.
type testSink struct {
	name   string
	mu     sync.Mutex
	events []*Event
	err    error
	block  chan struct{}
	closed bool
}

func (s *testSink) Write(_ context.Context, event *Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *testSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *testSink) Name() string {
	if s.name == "" {
		return "test"
	}
	return s.name
}

func (s *testSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNewEvent(t *testing.T) {
	now := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	e := NewEvent(EventRateLimited, now)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventRateLimited, e.Type)
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.True(t, e.Timestamp.Equal(now))
	assert.NotEqual(t, e.ID, NewEvent(EventRateLimited, now).ID)
}

func TestSeverityForEventType(t *testing.T) {
	tests := map[EventType]Severity{
		EventCSRFInvalid:    SeverityCritical,
		EventAPIKeyInvalid:  SeverityCritical,
		EventKeyBlocked:     SeverityCritical,
		EventIPRejected:     SeverityWarning,
		EventBotDetected:    SeverityWarning,
		EventRateLimited:    SeverityWarning,
		EventAPIKeyMissing:  SeverityWarning,
		EventKeyReset:       SeverityInfo,
		EventSystemStartup:  SeverityInfo,
		EventType("custom"): SeverityInfo,
	}
	for et, want := range tests {
		assert.Equal(t, want, SeverityForEventType(et), string(et))
	}
}

func TestIsSensitiveEvent(t *testing.T) {
	assert.True(t, IsSensitiveEvent(EventCSRFInvalid))
	assert.True(t, IsSensitiveEvent(EventKeyUnblocked))
	assert.False(t, IsSensitiveEvent(EventRateLimited))
	assert.False(t, IsSensitiveEvent(EventBotDetected))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	e := NewEvent(EventRateLimited, time.Now())
	e.RequestID = "req-1"
	e.Reason = "Too many requests"
	e.Actor = Actor{UserID: "u1", Tier: "pro", SourceIP: "10.0.0.1"}
	e.Target = Target{Method: "GET", Path: "/api/search", RateLimitKey: "search:user:u1", Category: "search"}
	e.Details = map[string]interface{}{"retryAfter": 30}

	require.NoError(t, sink.Write(context.Background(), e))
	require.Equal(t, 1, logs.Len())

	entry := logs.All()[0]
	assert.Equal(t, "audit_event", entry.Message)
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "request.rate_limited", fields["event_type"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, map[string]interface{}{"user": "u1", "tier": "pro", "ip": "10.0.0.1"}, fields["actor"])
	assert.Equal(t, map[string]interface{}{
		"method": "GET", "path": "/api/search", "key": "search:user:u1", "category": "search",
	}, fields["target"])
	assert.Equal(t, map[string]interface{}{"retryAfter": 30}, fields["details"])

	info := NewEvent(EventKeyReset, time.Now())
	require.NoError(t, sink.Write(context.Background(), info))
	assert.Equal(t, zapcore.InfoLevel, logs.All()[1].Level)
	assert.Equal(t, map[string]interface{}{}, logs.All()[1].ContextMap()["actor"])

	critical := NewEvent(EventCSRFInvalid, time.Now())
	require.NoError(t, sink.Write(context.Background(), critical))
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[2].Level)

	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Close())
}

func TestMultiSink(t *testing.T) {
	good := &testSink{name: "good"}
	bad := &testSink{name: "bad", err: errors.New("unavailable")}
	multi := NewMultiSink([]Sink{bad, good}, zaptest.NewLogger(t))

	err := multi.Write(context.Background(), NewEvent(EventBotDetected, time.Now()))
	assert.ErrorContains(t, err, "unavailable")
	assert.Equal(t, 1, good.count(), "a failing sink must not starve the others")

	require.NoError(t, multi.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
	assert.Equal(t, "multi", multi.Name())
}
