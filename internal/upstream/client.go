// Package upstream is the HTTP client for the IPTV orchestrator that owns
// channels, streams, M3U accounts and profiles. The scheduler core reads
// entity lists and PATCHes stream stats, stream order and profile enablement.
//
// Locking discipline: callers must never invoke this client while holding a
// tracker/queue/registry mutex. Every request carries a bounded timeout.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sbeimel/streamflow-sub002/internal/logx"
	"github.com/sbeimel/streamflow-sub002/internal/metrics"
)

const (
	defaultTimeout      = 30 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 16
	maxRetries          = 4
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration // per-request cap; default 30s
	// RequestsPerSecond paces calls to the upstream API. 0 = unpaced.
	RequestsPerSecond float64
}

// Client talks to the upstream orchestrator. Safe for concurrent use; the
// pooled transport is shared across all workers.
type Client struct {
	base  string
	user  string
	pass  string
	httpc *http.Client
	pacer *rate.Limiter
	log   zerolog.Logger

	mu    sync.Mutex
	token string
}

// New builds a Client with a pooled transport and bounded timeouts.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var pacer *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		base: strings.TrimSuffix(opts.BaseURL, "/"),
		user: opts.Username,
		pass: opts.Password,
		httpc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
		pacer: pacer,
		log:   logx.WithComponent("upstream"),
	}
}

// login fetches a fresh bearer token.
func (c *Client) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": c.user, "password": c.pass})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/auth/login/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("upstream login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream login: status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("upstream login: decode: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("upstream login: empty token")
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do performs one request with auth, retrying transient failures (network
// errors and 5xx) with exponential backoff. 401 triggers a single re-login.
// out may be nil for requests whose body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("upstream %s %s: marshal: %w", method, path, err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	reloggedIn := false

	op := func() error {
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		if c.bearer() == "" {
			if err := c.login(ctx); err != nil {
				return err // transient: login hits the same upstream
			}
		}
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.bearer())
		req.Header.Set("Accept-Encoding", "br, gzip")

		resp, err := c.httpc.Do(req)
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues(method, "network_error").Inc()
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !reloggedIn:
			reloggedIn = true
			metrics.UpstreamRequests.WithLabelValues(method, "unauthorized").Inc()
			if err := c.login(ctx); err != nil {
				return err
			}
			return fmt.Errorf("upstream %s %s: token expired", method, path)
		case resp.StatusCode == http.StatusNotFound:
			metrics.UpstreamRequests.WithLabelValues(method, "not_found").Inc()
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode >= 500:
			metrics.UpstreamRequests.WithLabelValues(method, "server_error").Inc()
			return fmt.Errorf("upstream %s %s: status %d", method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			metrics.UpstreamRequests.WithLabelValues(method, "client_error").Inc()
			return backoff.Permanent(fmt.Errorf("upstream %s %s: status %d", method, path, resp.StatusCode))
		}

		metrics.UpstreamRequests.WithLabelValues(method, "ok").Inc()
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		dec, err := decodedBody(resp)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := json.NewDecoder(dec).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("upstream %s %s: decode: %w", method, path, err))
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		c.log.Warn().Str("method", method).Str("path", path).Err(err).Msg("request failed")
		return err
	}
	return nil
}

// decodedBody unwraps br/gzip content encodings the upstream may apply.
func decodedBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	default:
		return resp.Body, nil
	}
}

// Channels lists all channels.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	err := c.do(ctx, http.MethodGet, "/channels/", nil, &out)
	return out, err
}

// Channel fetches one channel by ID.
func (c *Client) Channel(ctx context.Context, id int) (Channel, error) {
	var out Channel
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%d/", id), nil, &out)
	return out, err
}

// ChannelGroups lists channel groups (carries group checking-mode defaults).
func (c *Client) ChannelGroups(ctx context.Context) ([]ChannelGroup, error) {
	var out []ChannelGroup
	err := c.do(ctx, http.MethodGet, "/channels/groups/", nil, &out)
	return out, err
}

// Streams lists all streams.
func (c *Client) Streams(ctx context.Context) ([]Stream, error) {
	var out []Stream
	err := c.do(ctx, http.MethodGet, "/streams/", nil, &out)
	return out, err
}

// M3UAccounts lists all M3U accounts.
func (c *Client) M3UAccounts(ctx context.Context) ([]M3UAccount, error) {
	var out []M3UAccount
	err := c.do(ctx, http.MethodGet, "/m3u/accounts/", nil, &out)
	return out, err
}

// Profiles lists channel profiles.
func (c *Client) Profiles(ctx context.Context) ([]ChannelProfile, error) {
	var out []ChannelProfile
	err := c.do(ctx, http.MethodGet, "/channels/profiles/", nil, &out)
	return out, err
}

// PatchStreamStats merges stats into a stream record. Unknown keys already
// stored upstream survive because StreamStats round-trips them via Extra.
func (c *Client) PatchStreamStats(ctx context.Context, streamID int, stats StreamStats) error {
	payload := map[string]StreamStats{"stream_stats": stats}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/streams/%d/", streamID), payload, nil)
}

// SetChannelStreams replaces a channel's stream association order.
func (c *Client) SetChannelStreams(ctx context.Context, channelID int, streamIDs []int) error {
	payload := map[string][]int{"streams": streamIDs}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/channels/%d/", channelID), payload, nil)
}

// SetProfileChannelEnabled toggles one channel inside a profile.
func (c *Client) SetProfileChannelEnabled(ctx context.Context, profileID, channelID int, enabled bool) error {
	payload := map[string]any{"channel_id": channelID, "enabled": enabled}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/channels/profiles/%d/", profileID), payload, nil)
}

// RefreshM3UAccount asks the upstream to re-fetch one account's playlist.
func (c *Client) RefreshM3UAccount(ctx context.Context, accountID int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/m3u/accounts/%d/refresh/", accountID), nil, nil)
}

// ProxyStatus returns the live proxy state keyed by channel ID. Entries
// lacking a channel_id are skipped.
func (c *Client) ProxyStatus(ctx context.Context) (map[int]ProxyChannelStatus, error) {
	var raw struct {
		Channels []json.RawMessage `json:"channels"`
		Count    int               `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/proxy/ts/status", nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[int]ProxyChannelStatus, len(raw.Channels))
	for _, item := range raw.Channels {
		var probe struct {
			ChannelID *int `json:"channel_id"`
		}
		if err := json.Unmarshal(item, &probe); err != nil || probe.ChannelID == nil {
			continue
		}
		var st ProxyChannelStatus
		if err := json.Unmarshal(item, &st); err != nil {
			continue
		}
		out[st.ChannelID] = st
	}
	return out, nil
}
