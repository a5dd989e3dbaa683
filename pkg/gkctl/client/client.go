package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/telekom/request-gatekeeper/pkg/apiresponses"
)

// APIKeyHeader carries the caller's key on every request.
const APIKeyHeader = "X-API-Key"

type Client struct {
	rest      *resty.Client
	server    string
	apiKey    string
	userAgent string
	timeout   time.Duration
	tlsConfig *tls.Config
}

type Option func(*Client) error

func New(opts ...Option) (*Client, error) {
	c := &Client{
		userAgent: "gkctl",
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.server == "" {
		return nil, errors.New("server is required")
	}

	c.rest = resty.New().
		SetBaseURL(c.server).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", c.userAgent).
		SetError(&apiresponses.Payload{})
	if c.apiKey != "" {
		c.rest.SetHeader(APIKeyHeader, c.apiKey)
	}
	if c.tlsConfig != nil {
		c.rest.SetTLSClientConfig(c.tlsConfig)
	}
	return c, nil
}

func WithServer(server string) Option {
	return func(c *Client) error {
		if server == "" {
			return errors.New("server is required")
		}
		parsed, err := url.Parse(server)
		if err != nil {
			return fmt.Errorf("invalid server: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("invalid server %q: scheme must be http or https", server)
		}
		c.server = strings.TrimRight(parsed.String(), "/")
		return nil
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) error {
		c.userAgent = userAgent
		return nil
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

func WithTLSConfig(caFile string, insecureSkipTLSVerify bool) Option {
	return func(c *Client) error {
		tlsConfig, err := loadTLSConfig(caFile, insecureSkipTLSVerify)
		if err != nil {
			return err
		}
		c.tlsConfig = tlsConfig
		return nil
	}
}

func loadTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure} //nolint:gosec // opt-in flag
	if caFile == "" {
		return tlsConfig, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(data); !ok {
		return nil, errors.New("failed to parse CA file")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx)
}

// check converts transport failures and error statuses into errors.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	httpErr := &HTTPError{StatusCode: resp.StatusCode()}
	if p, ok := resp.Error().(*apiresponses.Payload); ok && p.Error.Message != "" {
		httpErr.Code = p.Error.Code
		httpErr.Message = p.Error.Message
		httpErr.RequestID = p.Error.RequestID
	}
	if httpErr.Message == "" {
		httpErr.Message = strings.TrimSpace(string(resp.Body()))
	}
	if httpErr.Message == "" {
		httpErr.Message = resp.Status()
	}
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		httpErr.RetryAfter = ra
	}
	return httpErr
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	RetryAfter string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("request failed (%d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	msg += "): " + e.Message
	if e.RetryAfter != "" {
		msg += " (retry after " + e.RetryAfter + "s)"
	}
	if e.RequestID != "" {
		msg += " [request " + e.RequestID + "]"
	}
	return msg
}

// IsStatus reports whether err is an HTTPError with the given status code.
func IsStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}
