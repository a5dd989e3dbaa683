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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telekom/request-gatekeeper/pkg/metrics"
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// QueueSize is the size of the async event queue.
	// Default: 10000
	QueueSize int `yaml:"queueSize"`

	// WorkerCount is the number of async processing workers.
	// Default: 2
	WorkerCount int `yaml:"workers"`

	// WriteTimeout is the timeout for writing to the underlying sink.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// EventsPerSecond caps how many non-sensitive events are accepted per
	// second. A flood of denials from one attack must not drown the sink.
	// Zero disables the cap.
	EventsPerSecond float64 `yaml:"eventsPerSecond"`

	// Burst is the token bucket size for EventsPerSecond.
	// Default: EventsPerSecond rounded up, at least 1
	Burst int `yaml:"burst"`
}

// DefaultQueueConfig returns sensible defaults for a queue.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		QueueSize:       10000,
		WorkerCount:     2,
		WriteTimeout:    5 * time.Second,
		EventsPerSecond: 200,
		Burst:           400,
	}
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Name            string `json:"name"`
	QueueLength     int    `json:"queueLength"`
	QueueCapacity   int    `json:"queueCapacity"`
	DroppedEvents   int64  `json:"droppedEvents"`
	ProcessedEvents int64  `json:"processedEvents"`
	FailedEvents    int64  `json:"failedEvents"`
}

// Queue wraps a Sink with a bounded queue drained by worker goroutines.
// Write never blocks the request path: when the queue is full or the event
// rate is exceeded the event is dropped and counted.
type Queue struct {
	sink    Sink
	events  chan *Event
	config  QueueConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	droppedEvents   atomic.Int64
	processedEvents atomic.Int64
	failedEvents    atomic.Int64

	// mu guards closed against concurrent sends on a closing channel.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Sink = (*Queue)(nil)

// NewQueue creates a queue in front of sink and starts its workers.
func NewQueue(sink Sink, cfg QueueConfig, logger *zap.Logger) *Queue {
	def := DefaultQueueConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	q := &Queue{
		sink:   sink,
		events: make(chan *Event, cfg.QueueSize),
		config: cfg,
		logger: logger.Named("audit-queue").With(zap.String("sink", sink.Name())),
	}
	if cfg.EventsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.EventsPerSecond + 0.999)
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), max(burst, 1))
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		q.wg.Add(1)
		go q.process(i)
	}

	q.logger.Info("audit queue started",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.WorkerCount),
		zap.Float64("events_per_second", cfg.EventsPerSecond))

	return q
}

// Write enqueues an event for async processing (non-blocking).
func (q *Queue) Write(_ context.Context, event *Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("audit queue %s is closed", q.sink.Name())
	}

	if q.limiter != nil && !IsSensitiveEvent(event.Type) && !q.limiter.Allow() {
		q.drop(event, "rate_limited")
		return nil
	}

	select {
	case q.events <- event:
		metrics.AuditQueueDepth.Set(float64(len(q.events)))
		return nil
	default:
		q.drop(event, "queue_full")
		return nil
	}
}

func (q *Queue) drop(event *Event, reason string) {
	q.droppedEvents.Add(1)
	metrics.AuditEventsDropped.WithLabelValues(reason).Inc()
	q.logger.Debug("dropping audit event",
		zap.String("reason", reason),
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID))
}

func (q *Queue) process(workerID int) {
	defer q.wg.Done()

	for event := range q.events {
		metrics.AuditQueueDepth.Set(float64(len(q.events)))

		ctx, cancel := context.WithTimeout(context.Background(), q.config.WriteTimeout)
		err := q.sink.Write(ctx, event)
		cancel()

		if err != nil {
			q.failedEvents.Add(1)
			metrics.AuditEventsFailed.WithLabelValues(q.sink.Name()).Inc()
			q.logger.Error("failed to write audit event",
				zap.Int("worker", workerID),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.String("error", err.Error()))
			continue
		}
		q.processedEvents.Add(1)
		metrics.AuditEventsWritten.WithLabelValues(q.sink.Name()).Inc()
	}
}

// Stats returns the current queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Name:            q.sink.Name(),
		QueueLength:     len(q.events),
		QueueCapacity:   cap(q.events),
		DroppedEvents:   q.droppedEvents.Load(),
		ProcessedEvents: q.processedEvents.Load(),
		FailedEvents:    q.failedEvents.Load(),
	}
}

// Close stops accepting events, drains the queue and closes the sink.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	q.wg.Wait()
	metrics.AuditQueueDepth.Set(0)
	return q.sink.Close()
}

// Name returns the underlying sink's name.
func (q *Queue) Name() string {
	return q.sink.Name()
}
