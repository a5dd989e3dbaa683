/*
Copyright 2024.

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
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/telekom/request-gatekeeper/pkg/metrics"
)

const (
	defaultKafkaBatchSize    = 100
	defaultKafkaBatchTimeout = time.Second
	defaultKafkaWriteTimeout = 10 * time.Second
)

// KafkaSinkConfig configures a KafkaSink. Zero values fall back to the
// defaults noted per field.
type KafkaSinkConfig struct {
	// Name labels the sink in logs and metrics. Default: kafka
	Name    string   `yaml:"name"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	TLS  *KafkaTLSConfig  `yaml:"tls"`
	SASL *KafkaSASLConfig `yaml:"sasl"`

	// Default: 100 messages
	BatchSize int `yaml:"batchSize"`
	// Default: 1s
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	// Default: 10s
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// RequiredAcks is -1 (all replicas) or 1 (leader). Default: -1
	RequiredAcks int `yaml:"requiredAcks"`
	// CompressionCodec is none, gzip, snappy, lz4 or zstd. Default: snappy
	CompressionCodec string `yaml:"compression"`
}

// KafkaTLSConfig points at PEM files for broker TLS.
type KafkaTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// KafkaSASLConfig selects PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
type KafkaSASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes security events to a Kafka topic as JSON. Messages are
// keyed so that every event about one rate-limited client lands on the same
// partition and keeps its order.
type KafkaSink struct {
	name   string
	writer messageWriter
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	written atomic.Int64
	failed  atomic.Int64
}

// NewKafkaSink validates cfg and builds a sink backed by a kafka.Writer.
func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	w, err := cfg.newWriter()
	if err != nil {
		return nil, err
	}
	sink := newKafkaSink(cfg.Name, w, logger)
	sink.logger.Info("Kafka audit sink ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("tls", cfg.TLS != nil && cfg.TLS.Enabled),
		zap.Bool("sasl", cfg.SASL != nil && cfg.SASL.Mechanism != ""))
	return sink, nil
}

func newKafkaSink(name string, w messageWriter, logger *zap.Logger) *KafkaSink {
	if name == "" {
		name = "kafka"
	}
	return &KafkaSink{name: name, writer: w, logger: logger.Named("kafka-audit").With(zap.String("sink", name))}
}

func (c KafkaSinkConfig) newWriter() (*kafka.Writer, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("audit kafka sink needs at least one broker")
	}
	if c.Topic == "" {
		return nil, errors.New("audit kafka sink needs a topic")
	}

	transport := &kafka.Transport{}
	if c.TLS != nil && c.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(c.TLS)
		if err != nil {
			return nil, fmt.Errorf("kafka TLS: %w", err)
		}
		transport.TLS = tlsConfig
	}
	if c.SASL != nil && c.SASL.Mechanism != "" {
		mechanism, err := buildSASLMechanism(c.SASL)
		if err != nil {
			return nil, fmt.Errorf("kafka SASL: %w", err)
		}
		transport.SASL = mechanism
	}
	compression, err := compressionCodec(c.CompressionCodec)
	if err != nil {
		return nil, err
	}

	acks := kafka.RequireAll
	if c.RequiredAcks != 0 {
		acks = kafka.RequiredAcks(c.RequiredAcks)
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        c.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    orDefault(c.BatchSize, defaultKafkaBatchSize),
		BatchTimeout: orDefault(c.BatchTimeout, defaultKafkaBatchTimeout),
		WriteTimeout: orDefault(c.WriteTimeout, defaultKafkaWriteTimeout),
		RequiredAcks: acks,
		Compression:  compression,
		Transport:    transport,
	}, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return kafka.Snappy, nil
	case "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unsupported kafka compression %q", name)
	}
}

// partitionKey prefers the limiter key, then the acting user, then the
// source address.
func partitionKey(e *Event) string {
	for _, k := range []string{e.Target.RateLimitKey, e.Actor.UserID, e.Actor.SourceIP} {
		if k != "" {
			return k
		}
	}
	return e.ID
}

func eventMessage(e *Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode audit event %s: %w", e.ID, err)
	}
	headers := []kafka.Header{
		{Key: "event-type", Value: []byte(e.Type)},
		{Key: "severity", Value: []byte(e.Severity)},
		{Key: "timestamp", Value: []byte(e.Timestamp.UTC().Format(time.RFC3339))},
	}
	for _, h := range []struct{ key, value string }{
		{"request-id", e.RequestID},
		{"tier", e.Actor.Tier},
	} {
		if h.value != "" {
			headers = append(headers, kafka.Header{Key: h.key, Value: []byte(h.value)})
		}
	}
	return kafka.Message{Key: []byte(partitionKey(e)), Value: value, Headers: headers}, nil
}

// Write publishes one event. It blocks until the writer acknowledges the
// batch or ctx expires, so callers normally sit behind a Queue.
func (s *KafkaSink) Write(ctx context.Context, event *Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("kafka audit sink is closed")
	}

	msg, err := eventMessage(event)
	if err != nil {
		s.failed.Add(1)
		return err
	}

	start := time.Now()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.failed.Add(1)
		class := classifyKafkaError(err)
		metrics.AuditKafkaErrors.WithLabelValues(class).Inc()

		log := s.logger.With(
			zap.Error(err),
			zap.String("error_type", class),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		if transientKafkaError(class) {
			log.Warn("Kafka unavailable, audit event not delivered")
		} else {
			log.Error("Failed to publish audit event")
		}
		return fmt.Errorf("publish audit event (%s): %w", class, err)
	}

	s.written.Add(1)
	return nil
}

// Close flushes pending batches. Subsequent calls are no-ops.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("Closing Kafka audit sink",
		zap.Int64("written", s.written.Load()),
		zap.Int64("failed", s.failed.Load()))
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

func (s *KafkaSink) Name() string {
	return s.name
}

// MessageStats reports how many events were published and how many failed.
func (s *KafkaSink) MessageStats() (written, failed int64) {
	return s.written.Load(), s.failed.Load()
}

var kafkaErrorMarkers = []struct {
	class   string
	markers []string
}{
	{"auth", []string{"SASL", "authentication"}},
	{"network", []string{"connection refused", "no such host"}},
	{"broker", []string{"broker", "leader"}},
	{"tls", []string{"TLS", "certificate"}},
}

// classifyKafkaError buckets err for logs and the error metric.
func classifyKafkaError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	msg := err.Error()
	for _, m := range kafkaErrorMarkers {
		for _, marker := range m.markers {
			if strings.Contains(msg, marker) {
				return m.class
			}
		}
	}
	return "other"
}

func transientKafkaError(class string) bool {
	return class == "network" || class == "timeout" || class == "cancelled"
}

func buildTLSConfig(cfg *KafkaTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func buildSASLMechanism(cfg *KafkaSASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.Mechanism)
	}
}
