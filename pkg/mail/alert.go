package mail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/metrics"
)

const defaultCooldown = 5 * time.Minute

var severityRank = map[audit.Severity]int{
	audit.SeverityInfo:     0,
	audit.SeverityWarning:  1,
	audit.SeverityCritical: 2,
}

// AlertSink is an audit.Sink that mails events at or above a severity
// threshold. At most one mail per event type is sent per cooldown; the next
// mail reports how many were suppressed in between.
type AlertSink struct {
	sender      Sender
	receivers   []string
	minSeverity audit.Severity
	cooldown    time.Duration
	clock       clock.PassiveClock
	log         *zap.SugaredLogger

	mu         sync.Mutex
	lastSent   map[audit.EventType]time.Time
	suppressed map[audit.EventType]int
}

// NewAlertSink returns a sink mailing cfg.Receivers through sender. A nil
// clock selects the real clock.
func NewAlertSink(sender Sender, cfg Config, clk clock.PassiveClock, logger *zap.Logger) (*AlertSink, error) {
	if len(cfg.Receivers) == 0 {
		return nil, fmt.Errorf("mail alert sink needs at least one receiver")
	}
	minSeverity := cfg.MinSeverity
	if minSeverity == "" {
		minSeverity = audit.SeverityCritical
	}
	if _, ok := severityRank[minSeverity]; !ok {
		return nil, fmt.Errorf("unknown severity %q", minSeverity)
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &AlertSink{
		sender:      sender,
		receivers:   cfg.Receivers,
		minSeverity: minSeverity,
		cooldown:    cooldown,
		clock:       clk,
		log:         logger.Sugar().Named("mail-alerts"),
		lastSent:    map[audit.EventType]time.Time{},
		suppressed:  map[audit.EventType]int{},
	}, nil
}

func (s *AlertSink) Write(_ context.Context, event *audit.Event) error {
	if severityRank[event.Severity] < severityRank[s.minSeverity] {
		return nil
	}

	now := s.clock.Now()
	s.mu.Lock()
	if last, ok := s.lastSent[event.Type]; ok && now.Sub(last) < s.cooldown {
		s.suppressed[event.Type]++
		s.mu.Unlock()
		metrics.MailAlertsSuppressed.WithLabelValues(string(event.Type)).Inc()
		return nil
	}
	s.lastSent[event.Type] = now
	suppressed := s.suppressed[event.Type]
	delete(s.suppressed, event.Type)
	s.mu.Unlock()

	body, err := RenderAlert(AlertParams{Event: event, Suppressed: suppressed})
	if err != nil {
		return fmt.Errorf("render alert for %s: %w", event.Type, err)
	}
	subject := fmt.Sprintf("[%s] gatekeeper %s", strings.ToUpper(string(event.Severity)), event.Type)
	if err := s.sender.Send(s.receivers, subject, body); err != nil {
		s.mu.Lock()
		delete(s.lastSent, event.Type)
		s.suppressed[event.Type] += suppressed
		s.mu.Unlock()
		return fmt.Errorf("send alert for %s via %s:%d: %w", event.Type, s.sender.GetHost(), s.sender.GetPort(), err)
	}
	s.log.Debugw("Alert mailed", "eventType", event.Type, "eventId", event.ID, "suppressed", suppressed)
	return nil
}

func (s *AlertSink) Close() error {
	return nil
}

func (s *AlertSink) Name() string {
	return "mail"
}
