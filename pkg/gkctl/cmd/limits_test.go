package cmd

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/telekom/request-gatekeeper/pkg/api"
	"github.com/telekom/request-gatekeeper/pkg/config"
	"github.com/telekom/request-gatekeeper/pkg/gatekeeper"
	"github.com/telekom/request-gatekeeper/pkg/policy"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
	"github.com/telekom/request-gatekeeper/pkg/system"
)

const adminKey = "admin_ops"

// startGatekeeper serves the real admin API with CSRF and key validation on.
func startGatekeeper(t *testing.T) (string, *ratelimit.Limiter) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fc := clocktesting.NewFakeClock(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	pcfg := policy.DefaultConfig()
	pcfg.APIKeys = policy.APIKeyConfig{Validate: true, Keys: []string{adminKey, "free_user"}}
	pcfg.CSRF.Enabled = true
	pcfg.CSRF.Secret = "cmd-test-secret"
	gen, err := policy.NewGenerator(pcfg, policy.WithClock(fc))
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{Clock: fc, CleanupInterval: 1000 * time.Hour})
	t.Cleanup(limiter.Stop)

	gk, err := gatekeeper.New(gatekeeper.Options{
		Config:  gatekeeper.Config{RateLimiting: true},
		Policy:  gen,
		Limiter: limiter,
		Clock:   fc,
		Logger:  system.NewTestLogger(),
	})
	require.NoError(t, err)

	s := api.NewServer(zaptest.NewLogger(t), config.Config{}, true, api.ServerOptions{
		Gatekeeper:  gk,
		Limiter:     limiter,
		EnableAdmin: true,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv.URL, limiter
}

func TestLimitsEndToEnd(t *testing.T) {
	clearEnv(t)
	url, limiter := startGatekeeper(t)
	t.Setenv(EnvServer, url)
	t.Setenv(EnvAPIKey, adminKey)

	out, err := run(t, "limits", "block", "203.0.113.9", "--category", "search", "--duration", "30m", "-o", "json")
	require.NoError(t, err)
	var blocked api.ActionResult
	require.NoError(t, json.Unmarshal([]byte(out), &blocked))
	assert.Equal(t, "search:203.0.113.9", blocked.Key)
	assert.Equal(t, "blocked", blocked.Action)
	require.NotNil(t, blocked.Until)
	assert.True(t, blocked.Until.Equal(time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)))

	out, err = run(t, "limits", "status", "203.0.113.9", "--category", "search", "-o", "yaml")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &status))
	assert.Equal(t, true, status["blocked"])
	assert.Equal(t, "search", status["category"])
	assert.Equal(t, "free", status["tier"])

	out, err = run(t, "limits", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[0], "KEY")
	var row string
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "search:203.0.113.9") {
			row = l
		}
	}
	require.NotEmpty(t, row, "blocked key missing from list:\n%s", out)
	assert.Contains(t, row, "yes")

	// Without --category the key is taken verbatim, as printed by list.
	out, err = run(t, "limits", "unblock", "search:203.0.113.9")
	require.NoError(t, err)
	assert.Contains(t, out, "search:203.0.113.9")
	assert.Contains(t, out, "unblocked")

	res := limiter.GetStatus(t.Context(), "203.0.113.9", ratelimit.Config{Window: time.Minute, MaxRequests: 10}, "search")
	assert.False(t, res.Blocked)

	out, err = run(t, "limits", "reset", "203.0.113.9", "--category", "search")
	require.NoError(t, err)
	assert.Contains(t, out, "reset")

	entries, err := limiter.ActiveLimits(t.Context())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "search:203.0.113.9", e.Key)
	}
}

func TestLimitsRejectsNonAdmin(t *testing.T) {
	clearEnv(t)
	url, _ := startGatekeeper(t)

	_, err := run(t, "--server", url, "--api-key", "free_user", "limits", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestLimitsBlockRejectsNonPositiveDuration(t *testing.T) {
	clearEnv(t)
	url, _ := startGatekeeper(t)

	_, err := run(t, "--server", url, "--api-key", adminKey, "limits", "block", "1.2.3.4", "--duration", "0s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--duration must be positive")
}

func TestLimitsUnknownOutputFormat(t *testing.T) {
	clearEnv(t)
	url, _ := startGatekeeper(t)

	_, err := run(t, "--server", url, "--api-key", adminKey, "-o", "xml", "limits", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}
