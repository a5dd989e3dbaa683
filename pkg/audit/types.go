// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

const (
	// === Admission denials, one per check ===
	EventIPRejected    EventType = "request.ip_rejected"
	EventBotDetected   EventType = "request.bot_detected"
	EventAPIKeyMissing EventType = "request.apikey_missing"
	EventAPIKeyInvalid EventType = "request.apikey_invalid"
	EventRateLimited   EventType = "request.rate_limited"
	EventCSRFInvalid   EventType = "request.csrf_invalid"

	// === Administrative actions on limiter state ===
	EventKeyBlocked   EventType = "ratelimit.blocked"
	EventKeyUnblocked EventType = "ratelimit.unblocked"
	EventKeyReset     EventType = "ratelimit.reset"

	// === System events ===
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"
)

// Severity represents the severity level of an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event represents a single audit event
type Event struct {
	// ID is a unique identifier for this event
	ID string `json:"id"`

	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Actor is the caller the decision was made about
	Actor Actor `json:"actor"`

	// Target is the request or limiter key that was acted on
	Target Target `json:"target"`

	// Reason is the human readable denial or action reason
	Reason string `json:"reason,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`

	// RequestID correlates the event with the X-Request-ID response header
	RequestID string `json:"requestId,omitempty"`
}

// Actor represents who triggered an audit event
type Actor struct {
	UserID    string `json:"userId,omitempty"`
	Tier      string `json:"tier,omitempty"`
	SourceIP  string `json:"sourceIP,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
}

// Target represents what was affected by an audit event
type Target struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	// RateLimitKey is the composite limiter key, when one applies
	RateLimitKey string `json:"rateLimitKey,omitempty"`
	Category     string `json:"category,omitempty"`
}

// NewEvent returns an event of type t with a fresh id, the default severity
// for t and timestamp now.
func NewEvent(t EventType, now time.Time) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  SeverityForEventType(t),
		Timestamp: now.UTC(),
	}
}

// SeverityForEventType returns the default severity for an event type
func SeverityForEventType(eventType EventType) Severity {
	switch eventType {
	// Forged or replayed credentials
	case EventAPIKeyInvalid, EventCSRFInvalid, EventKeyBlocked:
		return SeverityCritical

	case EventIPRejected, EventBotDetected, EventAPIKeyMissing, EventRateLimited:
		return SeverityWarning

	default:
		return SeverityInfo
	}
}

// IsSensitiveEvent returns true if this event type should always be captured
// (never subject to the event-rate cap)
func IsSensitiveEvent(eventType EventType) bool {
	switch eventType {
	case EventAPIKeyInvalid, EventCSRFInvalid,
		EventKeyBlocked, EventKeyUnblocked, EventKeyReset,
		EventSystemStartup, EventSystemShutdown:
		return true
	default:
		return false
	}
}
