package policy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoCSRFSecret is returned when a token is requested without a configured secret.
var ErrNoCSRFSecret = errors.New("csrf secret is not configured")

// ValidateAPIKey reports whether key is acceptable. With validation disabled
// every key passes; otherwise only configured keys do.
func (g *Generator) ValidateAPIKey(key string) bool {
	if !g.cfg.APIKeys.Validate {
		return true
	}
	if key == "" {
		return false
	}
	ok := false
	for _, valid := range g.cfg.APIKeys.Keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			ok = true
		}
	}
	return ok
}

// GenerateCSRFToken returns an opaque token binding the current time, a random
// nonce and the configured secret.
func (g *Generator) GenerateCSRFToken() (string, error) {
	if g.cfg.CSRF.Secret == "" {
		return "", ErrNoCSRFSecret
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("reading random nonce: %w", err)
	}
	payload := strconv.FormatInt(g.clock.Now().UnixMilli(), 10) + ":" + hex.EncodeToString(nonce)
	raw := payload + ":" + g.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// ValidateCSRFToken checks token age and signature. When cookie is non-empty
// it must equal the token (double submit). Malformed input fails closed.
func (g *Generator) ValidateCSRFToken(token, cookie string) bool {
	if g.cfg.CSRF.Secret == "" || token == "" {
		return false
	}
	if cookie != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cookie)) != 1 {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 {
		return false
	}
	issued, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}

	age := g.clock.Now().Sub(time.UnixMilli(issued))
	ttl := g.cfg.CSRF.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if age < 0 || age > ttl {
		return false
	}

	expected := g.sign(parts[0] + ":" + parts[1])
	return hmac.Equal([]byte(parts[2]), []byte(expected))
}

func (g *Generator) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.CSRF.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// DefaultBotSignatures are matched case-insensitively against the user agent.
var DefaultBotSignatures = []string{
	`bot\b`, `crawler`, `spider`, `scraper`, `scrapy`, `curl/`, `wget/`,
	`python-requests`, `python-urllib`, `go-http-client`, `java/`, `libwww`,
	`httpclient`, `headlesschrome`, `phantomjs`, `selenium`, `puppeteer`,
}

func compileBotSignatures(signatures []string) (*regexp.Regexp, error) {
	if len(signatures) == 0 {
		signatures = DefaultBotSignatures
	}
	re, err := regexp.Compile(`(?i)(` + strings.Join(signatures, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("compiling bot signatures: %w", err)
	}
	return re, nil
}

// IsBot classifies a user agent. An empty user agent counts as a bot.
func (g *Generator) IsBot(userAgent string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return true
	}
	return g.bots.MatchString(userAgent)
}
