package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/request-gatekeeper/pkg/metrics"
)

// Options configures a Limiter.
type Options struct {
	// CleanupInterval is how often stale entries are swept. Default: 5m
	CleanupInterval time.Duration
	// Retention is how long after its window started an unblocked entry is kept. Default: 1h
	Retention time.Duration
	// ActiveWindow is how recently an entry must have been touched to be
	// reported by ActiveLimits. Default: 5m
	ActiveWindow time.Duration
	// FailOpen admits requests when the store is unreachable. Default: false
	FailOpen bool
	// Clock is used for all time arithmetic. Default: real clock
	Clock clock.WithTicker
	// Logger defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

// DefaultOptions returns the production cleanup cadence and retention.
func DefaultOptions() Options {
	return Options{
		CleanupInterval: 5 * time.Minute,
		Retention:       time.Hour,
		ActiveWindow:    5 * time.Minute,
	}
}

// Limiter implements fixed-window limiting with sticky lockouts on top of a Store.
type Limiter struct {
	store Store
	opts  Options
	clock clock.WithTicker
	log   *zap.SugaredLogger

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its cleanup goroutine. Call Stop on shutdown.
func New(store Store, opts Options) *Limiter {
	def := DefaultOptions()
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = def.ActiveWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	l := &Limiter{
		store:   store,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.Named("ratelimit"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	ticker := l.clock.NewTicker(opts.CleanupInterval)
	go l.cleanup(ticker)

	return l
}

// Store returns the backing store.
func (l *Limiter) Store() Store {
	return l.store
}

// Options returns a copy of the effective options (for testing).
func (l *Limiter) Options() Options {
	return l.opts
}

// CheckLimit counts one request against key and reports whether it is admitted.
// It never returns an error: store failures resolve to FailOpen.
func (l *Limiter) CheckLimit(ctx context.Context, key string, cfg Config, identifier ...string) Result {
	ck := compositeKey(key, identifier)
	if err := cfg.Validate(); err != nil {
		return l.invalidConfig(ck, err)
	}
	nowMs := l.clock.Now().UnixMilli()
	windowMs := cfg.Window.Milliseconds()
	windowStart := nowMs / windowMs * windowMs

	var res Result
	var blockedNow, invalid bool
	_, err := l.store.Update(ctx, ck, func(e Entry, exists bool) (Entry, bool) {
		blockedNow = false
		e, invalid = sanitize(e, exists, nowMs)

		if e.Blocked {
			if nowMs < e.BlockExpiry {
				e.LastSeen = nowMs
				res = blockedResult(ck, cfg, e, nowMs)
				return e, true
			}
			e.Blocked = false
			e.BlockExpiry = 0
			e.Count = 0
		}

		// Window rolled over (or the entry is new).
		if e.WindowStart != windowStart {
			e.Count = 0
			e.WindowStart = windowStart
		}
		e.WindowEnd = windowStart + windowMs
		e.LastSeen = nowMs

		if e.Count >= cfg.MaxRequests {
			if cfg.BlockDuration > 0 {
				e.Blocked = true
				e.BlockExpiry = nowMs + cfg.BlockDuration.Milliseconds()
				blockedNow = true
				res = blockedResult(ck, cfg, e, nowMs)
				return e, true
			}
			res = Result{
				Allowed:     false,
				Key:         ck,
				Limit:       cfg.MaxRequests,
				ResetTime:   time.UnixMilli(windowStart + windowMs),
				WindowStart: time.UnixMilli(windowStart),
				RetryAfter:  ceilSeconds(windowStart + windowMs - nowMs),
			}
			return e, true
		}

		e.Count++
		res = Result{
			Allowed:           true,
			Key:               ck,
			Limit:             cfg.MaxRequests,
			RemainingRequests: cfg.MaxRequests - e.Count,
			ResetTime:         time.UnixMilli(windowStart + windowMs),
			WindowStart:       time.UnixMilli(windowStart),
		}
		return e, true
	})
	if err != nil {
		return l.storeFailure(ck, cfg, "check", err)
	}
	if invalid {
		l.reportInvalid(ck)
	}
	if blockedNow {
		metrics.RateLimitBlocks.WithLabelValues("threshold").Inc()
		l.log.Infow("Rate limit exceeded, key blocked", "key", ck, "retryAfter", res.RetryAfter)
	}
	return res
}

// GetStatus reports what CheckLimit would see for key without counting a request.
func (l *Limiter) GetStatus(ctx context.Context, key string, cfg Config, identifier ...string) Result {
	ck := compositeKey(key, identifier)
	if err := cfg.Validate(); err != nil {
		return l.invalidConfig(ck, err)
	}
	nowMs := l.clock.Now().UnixMilli()
	windowMs := cfg.Window.Milliseconds()
	windowStart := nowMs / windowMs * windowMs

	e, exists, err := l.store.Get(ctx, ck)
	if err != nil {
		return l.storeFailure(ck, cfg, "status", err)
	}
	if !exists || !e.valid(nowMs) {
		e = Entry{}
	}
	if e.Blocked && nowMs < e.BlockExpiry {
		return blockedResult(ck, cfg, e, nowMs)
	}

	count := e.Count
	if e.Blocked || e.WindowStart != windowStart {
		count = 0
	}
	res := Result{
		Allowed:           count < cfg.MaxRequests,
		Key:               ck,
		Limit:             cfg.MaxRequests,
		RemainingRequests: max(cfg.MaxRequests-count, 0),
		ResetTime:         time.UnixMilli(windowStart + windowMs),
		WindowStart:       time.UnixMilli(windowStart),
	}
	if !res.Allowed {
		res.RetryAfter = ceilSeconds(windowStart + windowMs - nowMs)
	}
	return res
}

// Refund gives back one slot counted in the current window, used when a
// request turns out to be of a kind the config skips.
func (l *Limiter) Refund(ctx context.Context, key string, cfg Config, identifier ...string) {
	ck := compositeKey(key, identifier)
	if cfg.Validate() != nil {
		return
	}
	nowMs := l.clock.Now().UnixMilli()
	windowMs := cfg.Window.Milliseconds()
	windowStart := nowMs / windowMs * windowMs

	_, err := l.store.Update(ctx, ck, func(e Entry, exists bool) (Entry, bool) {
		if !exists {
			return e, false
		}
		if !e.Blocked && e.WindowStart == windowStart && e.Count > 0 {
			e.Count--
		}
		return e, true
	})
	if err != nil {
		metrics.RateLimitStoreErrors.WithLabelValues("refund").Inc()
		l.log.Warnw("Failed to refund rate limit slot", "key", ck, "error", err)
	}
}

// ResetLimit deletes all state for key.
func (l *Limiter) ResetLimit(ctx context.Context, key string, identifier ...string) error {
	ck := compositeKey(key, identifier)
	if err := l.store.Delete(ctx, ck); err != nil {
		metrics.RateLimitStoreErrors.WithLabelValues("reset").Inc()
		return err
	}
	return nil
}

// BlockKey places key into a block for duration regardless of its count.
func (l *Limiter) BlockKey(ctx context.Context, key string, duration time.Duration, identifier ...string) error {
	ck := compositeKey(key, identifier)
	nowMs := l.clock.Now().UnixMilli()

	var invalid bool
	_, err := l.store.Update(ctx, ck, func(e Entry, exists bool) (Entry, bool) {
		e, invalid = sanitize(e, exists, nowMs)
		if e.WindowStart == 0 {
			e.WindowStart = nowMs
			e.WindowEnd = nowMs
		}
		e.Blocked = true
		e.BlockExpiry = nowMs + duration.Milliseconds()
		e.LastSeen = nowMs
		return e, true
	})
	if err != nil {
		metrics.RateLimitStoreErrors.WithLabelValues("block").Inc()
		return err
	}
	if invalid {
		l.reportInvalid(ck)
	}
	metrics.RateLimitBlocks.WithLabelValues("manual").Inc()
	l.log.Infow("Key blocked", "key", ck, "duration", duration.String())
	return nil
}

// UnblockKey lifts a block without touching the request count.
func (l *Limiter) UnblockKey(ctx context.Context, key string, identifier ...string) error {
	ck := compositeKey(key, identifier)
	_, err := l.store.Update(ctx, ck, func(e Entry, exists bool) (Entry, bool) {
		if !exists {
			return e, false
		}
		e.Blocked = false
		e.BlockExpiry = 0
		return e, true
	})
	if err != nil {
		metrics.RateLimitStoreErrors.WithLabelValues("unblock").Inc()
		return err
	}
	l.log.Infow("Key unblocked", "key", ck)
	return nil
}

// ActiveLimits lists entries with a nonzero count, a block, or recent activity.
func (l *Limiter) ActiveLimits(ctx context.Context) ([]KeyedEntry, error) {
	keys, err := l.store.Keys(ctx)
	if err != nil {
		metrics.RateLimitStoreErrors.WithLabelValues("keys").Inc()
		return nil, err
	}
	nowMs := l.clock.Now().UnixMilli()
	since := nowMs - l.opts.ActiveWindow.Milliseconds()

	active := make([]KeyedEntry, 0, len(keys))
	for _, k := range keys {
		e, ok, err := l.store.Get(ctx, k)
		if err != nil {
			metrics.RateLimitStoreErrors.WithLabelValues("get").Inc()
			return nil, err
		}
		if !ok {
			continue
		}
		if e.Count > 0 || e.Blocked || e.LastSeen >= since {
			active = append(active, KeyedEntry{Key: k, Entry: e})
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Key < active[j].Key })
	return active, nil
}

// Stop stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	<-l.stopped
}

func (l *Limiter) cleanup(ticker clock.Ticker) {
	defer close(l.stopped)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C():
			ctx, cancel := context.WithTimeout(context.Background(), l.opts.CleanupInterval)
			l.sweep(ctx)
			cancel()
		}
	}
}

// sweep evicts entries that have been irrelevant for longer than Retention:
// their window has ended, they saw no request and any block has expired. It works on a key snapshot and takes
// the owning lock once per entry, never for the whole sweep.
func (l *Limiter) sweep(ctx context.Context) int {
	start := l.clock.Now()
	defer func() {
		metrics.RateLimitCleanupDuration.Observe(l.clock.Since(start).Seconds())
	}()

	keys, err := l.store.Keys(ctx)
	if err != nil {
		metrics.RateLimitStoreErrors.WithLabelValues("keys").Inc()
		l.log.Warnw("Cleanup sweep could not list keys", "error", err)
		return 0
	}

	evicted := 0
	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		nowMs := l.clock.Now().UnixMilli()
		cutoff := nowMs - l.opts.Retention.Milliseconds()
		removed := false
		_, err := l.store.Update(ctx, k, func(e Entry, exists bool) (Entry, bool) {
			removed = false
			if !exists {
				return e, false
			}
			if e.retainedUntil() < cutoff && (!e.Blocked || e.BlockExpiry <= nowMs) {
				removed = true
				return e, false
			}
			return e, true
		})
		if err != nil {
			metrics.RateLimitStoreErrors.WithLabelValues("evict").Inc()
			continue
		}
		if removed {
			evicted++
		}
	}

	metrics.RateLimitEvictions.Add(float64(evicted))
	metrics.RateLimitTrackedKeys.Set(float64(len(keys) - evicted))
	if evicted > 0 {
		l.log.Debugw("Evicted stale rate limit entries", "evicted", evicted, "remaining", len(keys)-evicted)
	}
	return evicted
}

// sanitize substitutes a fresh entry for unknown keys and for entries that
// violate the state invariants. It runs inside UpdateFunc, so reporting the
// reset is left to the caller once the update has committed.
func sanitize(e Entry, exists bool, nowMs int64) (Entry, bool) {
	if !exists {
		return Entry{}, false
	}
	if !e.valid(nowMs) {
		return Entry{}, true
	}
	return e, false
}

func (l *Limiter) reportInvalid(key string) {
	metrics.RateLimitInvariantResets.Inc()
	l.log.Warnw("Reset rate limit entry with invalid state", "key", key)
}

func (l *Limiter) storeFailure(key string, cfg Config, op string, err error) Result {
	metrics.RateLimitStoreErrors.WithLabelValues(op).Inc()
	l.log.Errorw("Rate limit store failure", "key", key, "operation", op, "failOpen", l.opts.FailOpen, "error", err)

	now := l.clock.Now()
	res := Result{
		Allowed:   l.opts.FailOpen,
		Key:       key,
		Limit:     cfg.MaxRequests,
		ResetTime: now.Add(time.Second),
	}
	if !res.Allowed {
		res.RetryAfter = 1
	}
	return res
}

// invalidConfig fails closed: a limit that cannot be evaluated admits nothing.
func (l *Limiter) invalidConfig(key string, err error) Result {
	l.log.Errorw("Refusing request for unusable rate limit config", "key", key, "error", err)
	return Result{Allowed: false, Key: key, RetryAfter: 1}
}

func blockedResult(key string, cfg Config, e Entry, nowMs int64) Result {
	return Result{
		Allowed:     false,
		Key:         key,
		Limit:       cfg.MaxRequests,
		ResetTime:   time.UnixMilli(e.BlockExpiry),
		WindowStart: time.UnixMilli(e.WindowStart),
		RetryAfter:  ceilSeconds(e.BlockExpiry - nowMs),
		Blocked:     true,
	}
}
