package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidConfig is returned by Config.Validate for unusable limits.
	ErrInvalidConfig = errors.New("invalid rate limit config")
	// ErrConflict is returned by a Store when an optimistic update kept losing races.
	ErrConflict = errors.New("rate limit store: too many concurrent updates")
)

// Config describes a single fixed-window limit.
type Config struct {
	// Window is the length of one fixed window. Millisecond granularity.
	Window time.Duration
	// MaxRequests is the number of requests admitted per window.
	MaxRequests int
	// BlockDuration, when positive, turns exceeding the limit into a sticky
	// block that outlives window boundaries.
	BlockDuration time.Duration
	// KeyFunc optionally derives the limiter key from the request instead of
	// the caller identity.
	KeyFunc func(r *http.Request) string
	// SkipSuccessfulRequests refunds the slot when the handler responds < 400.
	SkipSuccessfulRequests bool
	// SkipFailedRequests refunds the slot when the handler responds >= 400.
	SkipFailedRequests bool
}

// Validate checks that the window and threshold are positive.
func (c Config) Validate() error {
	if c.Window.Milliseconds() <= 0 {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidConfig, c.Window)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: maxRequests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.BlockDuration < 0 {
		return fmt.Errorf("%w: blockDuration must not be negative, got %s", ErrInvalidConfig, c.BlockDuration)
	}
	return nil
}

// Entry is the per-key state kept by a Store. All timestamps are unix milliseconds.
type Entry struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
	// WindowEnd is the exclusive end of the window Count belongs to.
	WindowEnd   int64 `json:"windowEnd,omitempty"`
	Blocked     bool  `json:"blocked"`
	BlockExpiry int64 `json:"blockExpiry,omitempty"`
	LastSeen    int64 `json:"lastSeen"`
}

// valid reports whether the entry satisfies the state invariants at nowMs.
func (e Entry) valid(nowMs int64) bool {
	if e.Count < 0 {
		return false
	}
	if e.Blocked && e.BlockExpiry <= 0 {
		return false
	}
	if e.WindowEnd != 0 && e.WindowEnd < e.WindowStart {
		return false
	}
	return e.WindowStart <= nowMs
}

// retainedUntil is the latest instant the entry still matters: the end of its
// window, its last request, or the end of its block. Retention counts from here.
func (e Entry) retainedUntil() int64 {
	until := max(e.WindowEnd, e.LastSeen, e.WindowStart)
	if e.Blocked {
		until = max(until, e.BlockExpiry)
	}
	return until
}

// KeyedEntry pairs an entry with its composite key.
type KeyedEntry struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

// Result is the outcome of a limit check or status query.
type Result struct {
	Allowed           bool
	Key               string
	Limit             int
	RemainingRequests int
	// ResetTime is the end of the current window, or the block expiry while blocked.
	ResetTime   time.Time
	WindowStart time.Time
	// RetryAfter is whole seconds until a retry can succeed; zero when allowed.
	RetryAfter int
	Blocked    bool
}

func compositeKey(key string, identifier []string) string {
	if len(identifier) > 0 && identifier[0] != "" {
		return identifier[0] + ":" + key
	}
	return key
}

// ceilSeconds converts a millisecond delta to whole seconds, rounding up.
func ceilSeconds(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}
