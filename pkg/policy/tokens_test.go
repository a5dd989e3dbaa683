package policy

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestValidateAPIKey(t *testing.T) {
	t.Run("validation disabled accepts anything", func(t *testing.T) {
		g := newGenerator(t, Config{})
		assert.True(t, g.ValidateAPIKey("whatever"))
		assert.True(t, g.ValidateAPIKey(""))
	})

	t.Run("validation enabled is fail closed", func(t *testing.T) {
		g := newGenerator(t, Config{APIKeys: APIKeyConfig{Validate: true, Keys: []string{"pro_abc", "admin_xyz"}}})
		assert.True(t, g.ValidateAPIKey("pro_abc"))
		assert.True(t, g.ValidateAPIKey("admin_xyz"))
		assert.False(t, g.ValidateAPIKey("pro_abd"))
		assert.False(t, g.ValidateAPIKey(""))
	})

	t.Run("no configured keys rejects everything", func(t *testing.T) {
		g := newGenerator(t, Config{APIKeys: APIKeyConfig{Validate: true}})
		assert.False(t, g.ValidateAPIKey("pro_abc"))
	})
}

func TestCSRFTokens(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{CSRF: CSRFConfig{Enabled: true, Secret: "s3cret", TTL: time.Hour}}

	t.Run("fresh token validates", func(t *testing.T) {
		fc := clocktesting.NewFakeClock(now)
		g := newGenerator(t, cfg, WithClock(fc))

		token, err := g.GenerateCSRFToken()
		require.NoError(t, err)
		assert.True(t, g.ValidateCSRFToken(token, ""))
		assert.True(t, g.ValidateCSRFToken(token, token))
	})

	t.Run("tokens are unique", func(t *testing.T) {
		g := newGenerator(t, cfg)
		a, _ := g.GenerateCSRFToken()
		b, _ := g.GenerateCSRFToken()
		assert.NotEqual(t, a, b)
	})

	t.Run("token older than an hour fails", func(t *testing.T) {
		fc := clocktesting.NewFakeClock(now)
		g := newGenerator(t, cfg, WithClock(fc))

		token, err := g.GenerateCSRFToken()
		require.NoError(t, err)
		fc.Step(59 * time.Minute)
		assert.True(t, g.ValidateCSRFToken(token, ""))
		fc.Step(2 * time.Minute)
		assert.False(t, g.ValidateCSRFToken(token, ""))
	})

	t.Run("token from the future fails", func(t *testing.T) {
		fc := clocktesting.NewFakeClock(now)
		g := newGenerator(t, cfg, WithClock(fc))
		token, _ := g.GenerateCSRFToken()

		fc.SetTime(now.Add(-time.Minute))
		assert.False(t, g.ValidateCSRFToken(token, ""))
	})

	t.Run("different secret fails", func(t *testing.T) {
		fc := clocktesting.NewFakeClock(now)
		token, _ := newGenerator(t, cfg, WithClock(fc)).GenerateCSRFToken()

		other := cfg
		other.CSRF.Secret = "other"
		assert.False(t, newGenerator(t, other, WithClock(fc)).ValidateCSRFToken(token, ""))
	})

	t.Run("cookie mismatch fails", func(t *testing.T) {
		g := newGenerator(t, cfg)
		a, _ := g.GenerateCSRFToken()
		b, _ := g.GenerateCSRFToken()
		assert.False(t, g.ValidateCSRFToken(a, b))
	})

	t.Run("malformed tokens fail closed", func(t *testing.T) {
		g := newGenerator(t, cfg)
		enc := base64.RawURLEncoding.EncodeToString
		for _, token := range []string{
			"",
			"%%%not-base64%%%",
			enc([]byte("only-one-part")),
			enc([]byte("a:b:c")),
			enc([]byte(strings.Repeat(":", 5))),
		} {
			assert.False(t, g.ValidateCSRFToken(token, ""), "token %q", token)
		}
	})

	t.Run("tampered timestamp fails", func(t *testing.T) {
		fc := clocktesting.NewFakeClock(now)
		g := newGenerator(t, cfg, WithClock(fc))
		token, _ := g.GenerateCSRFToken()

		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)
		parts := strings.Split(string(raw), ":")
		parts[0] = "1"
		forged := base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, ":")))
		fc.SetTime(time.UnixMilli(1))
		assert.False(t, g.ValidateCSRFToken(forged, ""))
	})

	t.Run("missing secret cannot issue or validate", func(t *testing.T) {
		g := newGenerator(t, Config{})
		_, err := g.GenerateCSRFToken()
		assert.ErrorIs(t, err, ErrNoCSRFSecret)
		assert.False(t, g.ValidateCSRFToken("anything", ""))
	})
}

func TestIsBot(t *testing.T) {
	g := newGenerator(t, Config{})

	bots := []string{
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		"curl/8.4.0",
		"python-requests/2.31.0",
		"Go-http-client/1.1",
		"Mozilla/5.0 HeadlessChrome/120.0",
		"",
	}
	for _, ua := range bots {
		assert.True(t, g.IsBot(ua), "%q should be a bot", ua)
	}

	humans := []string{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36",
		"RoboticsDashboard/1.0",
	}
	for _, ua := range humans {
		assert.False(t, g.IsBot(ua), "%q should not be a bot", ua)
	}

	t.Run("custom signatures", func(t *testing.T) {
		custom := newGenerator(t, Config{BotSignatures: []string{"acme-monitor"}})
		assert.True(t, custom.IsBot("ACME-Monitor/3"))
		assert.False(t, custom.IsBot("curl/8.4.0"))
	})

	t.Run("invalid signature rejected", func(t *testing.T) {
		_, err := NewGenerator(Config{BotSignatures: []string{"("}})
		assert.Error(t, err)
	})
}
