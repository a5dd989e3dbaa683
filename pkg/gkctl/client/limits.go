package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/telekom/request-gatekeeper/pkg/api"
)

const limitsPath = "/admin/ratelimits"

// Target selects the limiter entry an admin call acts on. Category empty
// means Key is already a composite key as returned by ListLimits.
type Target struct {
	Key      string
	Category string
}

func (t Target) path(suffix string) string {
	return limitsPath + "/" + url.PathEscape(t.Key) + suffix
}

func (t Target) query() map[string]string {
	q := map[string]string{}
	if t.Category != "" {
		q["category"] = t.Category
	}
	return q
}

func (c *Client) ListLimits(ctx context.Context) ([]api.ActiveLimit, error) {
	var out []api.ActiveLimit
	resp, err := c.request(ctx).SetResult(&out).Get(limitsPath)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Status reports the limit state of key under category and tier. Empty
// values use the server defaults (api, free).
func (c *Client) Status(ctx context.Context, key, category, tier string) (*api.LimitStatus, error) {
	var out api.LimitStatus
	req := c.request(ctx).SetResult(&out)
	if category != "" {
		req.SetQueryParam("category", category)
	}
	if tier != "" {
		req.SetQueryParam("tier", tier)
	}
	resp, err := req.Get(Target{Key: key}.path(""))
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Block(ctx context.Context, t Target, duration time.Duration) (*api.ActionResult, error) {
	q := t.query()
	if duration > 0 {
		q["duration"] = duration.String()
	}
	return c.mutate(ctx, http.MethodPost, t.path("/block"), q)
}

func (c *Client) Unblock(ctx context.Context, t Target) (*api.ActionResult, error) {
	return c.mutate(ctx, http.MethodPost, t.path("/unblock"), t.query())
}

func (c *Client) Reset(ctx context.Context, t Target) (*api.ActionResult, error) {
	return c.mutate(ctx, http.MethodDelete, t.path(""), t.query())
}

// CSRFToken fetches a token for state-changing admin calls.
func (c *Client) CSRFToken(ctx context.Context) (*api.CSRFToken, error) {
	var out api.CSRFToken
	resp, err := c.request(ctx).SetResult(&out).Get("/admin/csrf-token")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// mutate sends a state-changing request. The server may run without CSRF
// protection, in which case the token endpoint answers 404 and no token is sent.
func (c *Client) mutate(ctx context.Context, method, path string, query map[string]string) (*api.ActionResult, error) {
	req := c.request(ctx).SetQueryParams(query)
	tok, err := c.CSRFToken(ctx)
	switch {
	case err == nil:
		req.SetHeader(tok.HeaderName, tok.Token)
	case IsStatus(err, http.StatusNotFound):
	default:
		return nil, err
	}

	var out api.ActionResult
	resp, err := req.SetResult(&out).Execute(method, path)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}
