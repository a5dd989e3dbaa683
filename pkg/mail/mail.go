package mail

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/metrics"
)

// Config configures SMTP delivery of security alerts.
type Config struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	// SenderAddress default: noreply@gatekeeper.local
	SenderAddress string `yaml:"senderAddress"`
	// SenderName default: Request Gatekeeper
	SenderName string   `yaml:"senderName"`
	Receivers  []string `yaml:"receivers"`

	// MinSeverity is the lowest event severity that triggers a mail. Default: critical
	MinSeverity audit.Severity `yaml:"minSeverity"`
	// Cooldown suppresses repeated mails for the same event type. Default: 5m
	Cooldown time.Duration `yaml:"cooldown"`

	// RetryCount default: 3
	RetryCount int `yaml:"retryCount"`
	// RetryBackoff is the initial backoff, doubled per attempt. Default: 100ms
	RetryBackoff time.Duration `yaml:"retryBackoff"`
}

const (
	defaultSenderAddress = "noreply@gatekeeper.local"
	defaultSenderName    = "Request Gatekeeper"
	maxRetryBackoff      = 32 * time.Second
)

type Sender interface {
	Send(receivers []string, subject, body string) error
	GetHost() string
	GetPort() int
}

type sender struct {
	dialer        *gomail.Dialer
	senderAddress string
	senderName    string
	retryCount    int
	retryBackoff  time.Duration
	log           *zap.SugaredLogger
}

func NewSender(cfg Config, log *zap.SugaredLogger) Sender {
	log = log.Named("mail")
	log.Infow("Initializing mail sender", "host", cfg.Host, "port", cfg.Port, "user", cfg.User)
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureSkipVerify {
		log.Warn("InsecureSkipVerify is enabled for the mail TLS connection")
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- explicit opt-in
	}

	s := &sender{
		dialer:        d,
		senderAddress: cfg.SenderAddress,
		senderName:    cfg.SenderName,
		retryCount:    cfg.RetryCount,
		retryBackoff:  cfg.RetryBackoff,
		log:           log,
	}
	if s.senderAddress == "" {
		s.senderAddress = defaultSenderAddress
	}
	if s.senderName == "" {
		s.senderName = defaultSenderName
	}
	if s.retryCount <= 0 {
		s.retryCount = 3
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = 100 * time.Millisecond
	}
	return s
}

func (s *sender) Send(receivers []string, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.senderAddress, s.senderName)
	msg.SetHeader("Bcc", receivers...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	var lastErr error
	backoff := s.retryBackoff
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		err := s.dialer.DialAndSend(msg)
		if err == nil {
			s.log.Debugw("Mail sent", "receivers", len(receivers), "attempt", attempt+1, "subject", subject)
			metrics.MailSendSuccess.WithLabelValues(s.GetHost()).Inc()
			return nil
		}
		lastErr = err
		if attempt < s.retryCount {
			s.log.Warnw("Mail send attempt failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxRetryBackoff)
		}
	}

	s.log.Errorw("Failed to send mail", "attempts", s.retryCount+1, "error", lastErr)
	metrics.MailSendFailure.WithLabelValues(s.GetHost()).Inc()
	return lastErr
}

func (s *sender) GetHost() string {
	return s.dialer.Host
}

func (s *sender) GetPort() int {
	return s.dialer.Port
}
