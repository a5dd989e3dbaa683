package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/telekom/request-gatekeeper/pkg/audit"
)

type sentMail struct {
	receivers []string
	subject   string
	body      string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeSender) Send(receivers []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{receivers: receivers, subject: subject, body: body})
	return nil
}

func (f *fakeSender) GetHost() string { return "smtp.test" }
func (f *fakeSender) GetPort() int    { return 25 }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var epoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newAlertSink(t *testing.T, cfg Config) (*AlertSink, *fakeSender, *clocktesting.FakeClock) {
	t.Helper()
	if cfg.Receivers == nil {
		cfg.Receivers = []string{"soc@example.com"}
	}
	fs := &fakeSender{}
	fc := clocktesting.NewFakeClock(epoch)
	s, err := NewAlertSink(fs, cfg, fc, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, fs, fc
}

func blockedEvent() *audit.Event {
	e := audit.NewEvent(audit.EventKeyBlocked, epoch)
	e.Actor = audit.Actor{UserID: "ops", Tier: "admin", SourceIP: "10.0.0.7"}
	e.Target = audit.Target{Method: "POST", Path: "/admin/ratelimits/1.2.3.4/block", RateLimitKey: "api:1.2.3.4", Category: "api"}
	e.Details = map[string]interface{}{"duration": "1h0m0s"}
	e.RequestID = "req-123"
	return e
}

func TestNewAlertSinkValidation(t *testing.T) {
	log := zaptest.NewLogger(t)

	_, err := NewAlertSink(&fakeSender{}, Config{}, nil, log)
	require.Error(t, err)

	_, err = NewAlertSink(&fakeSender{}, Config{Receivers: []string{"a@b"}, MinSeverity: "urgent"}, nil, log)
	require.Error(t, err)

	s, err := NewAlertSink(&fakeSender{}, Config{Receivers: []string{"a@b"}}, nil, log)
	require.NoError(t, err)
	assert.Equal(t, audit.SeverityCritical, s.minSeverity)
	assert.Equal(t, defaultCooldown, s.cooldown)
	assert.Equal(t, "mail", s.Name())
	assert.NoError(t, s.Close())
}

func TestAlertSinkSeverityThreshold(t *testing.T) {
	s, fs, _ := newAlertSink(t, Config{})

	require.NoError(t, s.Write(context.Background(), audit.NewEvent(audit.EventRateLimited, epoch)))
	require.NoError(t, s.Write(context.Background(), audit.NewEvent(audit.EventSystemStartup, epoch)))
	assert.Equal(t, 0, fs.count())

	require.NoError(t, s.Write(context.Background(), blockedEvent()))
	require.Equal(t, 1, fs.count())

	m := fs.sent[0]
	assert.Equal(t, []string{"soc@example.com"}, m.receivers)
	assert.Equal(t, "[CRITICAL] gatekeeper ratelimit.blocked", m.subject)
	assert.Contains(t, m.body, "Security event: ratelimit.blocked")
	assert.Contains(t, m.body, "2026-03-02T09:00:00Z")
	assert.Contains(t, m.body, "api:1.2.3.4")
	assert.Contains(t, m.body, "req-123")
	assert.Contains(t, m.body, "1h0m0s")
}

func TestAlertSinkWarningThreshold(t *testing.T) {
	s, fs, _ := newAlertSink(t, Config{MinSeverity: audit.SeverityWarning})

	require.NoError(t, s.Write(context.Background(), audit.NewEvent(audit.EventRateLimited, epoch)))
	require.NoError(t, s.Write(context.Background(), audit.NewEvent(audit.EventSystemShutdown, epoch)))
	assert.Equal(t, 1, fs.count())
}

func TestAlertSinkCooldown(t *testing.T) {
	s, fs, fc := newAlertSink(t, Config{Cooldown: time.Minute})
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, blockedEvent()))
	require.NoError(t, s.Write(ctx, blockedEvent()))
	require.NoError(t, s.Write(ctx, blockedEvent()))
	assert.Equal(t, 1, fs.count())

	// Other event types have their own cooldown.
	require.NoError(t, s.Write(ctx, audit.NewEvent(audit.EventCSRFInvalid, epoch)))
	assert.Equal(t, 2, fs.count())

	fc.Step(time.Minute)
	require.NoError(t, s.Write(ctx, blockedEvent()))
	require.Equal(t, 3, fs.count())
	assert.Contains(t, fs.sent[2].body, "2 further ratelimit.blocked events were suppressed")
}

func TestAlertSinkSendFailureDoesNotStartCooldown(t *testing.T) {
	s, fs, _ := newAlertSink(t, Config{})
	fs.err = errors.New("smtp down")

	err := s.Write(context.Background(), blockedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp.test:25")

	fs.err = nil
	require.NoError(t, s.Write(context.Background(), blockedEvent()))
	assert.Equal(t, 1, fs.count())
}

func TestRenderAlertWithoutOptionalFields(t *testing.T) {
	body, err := RenderAlert(AlertParams{Event: audit.NewEvent(audit.EventCSRFInvalid, epoch)})
	require.NoError(t, err)
	assert.Contains(t, body, "anonymous")
	assert.NotContains(t, body, "Rate limit key")
	assert.NotContains(t, body, "suppressed")
}

func TestRenderAlertSingleSuppressed(t *testing.T) {
	body, err := RenderAlert(AlertParams{Event: blockedEvent(), Suppressed: 1})
	require.NoError(t, err)
	assert.Contains(t, body, "1 further ratelimit.blocked event was suppressed")
}
