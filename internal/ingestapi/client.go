// Package ingestapi talks to the external ingest control endpoint: it owns
// the bearer credential (acquisition, refresh, on-disk cache) and answers the
// one question the queue asks, "is anything currently ingesting?".
package ingestapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"livebot/internal/observability/metrics"
)

// refreshMargin forces a new login this long before the cached credential
// expires.
const refreshMargin = 300 * time.Second

// StatusChecker is the queue's view of this package.
type StatusChecker interface {
	IsIngesting(ctx context.Context) bool
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Username      string
	Password      string
	ChannelID     int
	CredentialDir string
	LoginTimeout  time.Duration
	StatusTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	Now           func() time.Time
}

// Client obtains and refreshes the bearer credential and polls the ingest
// status endpoint. Safe for concurrent use.
type Client struct {
	baseURL       string
	username      string
	password      string
	channelID     int
	credentialDir string
	loginTimeout  time.Duration
	statusTimeout time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	metrics       *metrics.Recorder
	now           func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type cachedCredential struct {
	Token  string `json:"token"`
	Expiry int64  `json:"expiry"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User struct {
		Token string `json:"token"`
	} `json:"user"`
	AccessToken string `json:"access_token"`
}

type mediaCurrentResponse struct {
	Ingest bool `json:"ingest"`
}

// New builds a client and loads any previously cached credential so restarts
// reuse a still-valid token instead of logging in again.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		username:      opts.Username,
		password:      opts.Password,
		channelID:     opts.ChannelID,
		credentialDir: opts.CredentialDir,
		loginTimeout:  opts.LoginTimeout,
		statusTimeout: opts.StatusTimeout,
		httpClient:    opts.HTTPClient,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
	if err := c.loadCachedCredential(); err != nil {
		c.logger.Debug("no cached credential", "channel_id", c.channelID, "error", err)
	}
	return c
}

func (c *Client) credentialPath() string {
	return filepath.Join(c.credentialDir, fmt.Sprintf("token_channel_%d.json", c.channelID))
}

func (c *Client) loadCachedCredential() error {
	raw, err := os.ReadFile(c.credentialPath())
	if err != nil {
		return err
	}
	var cached cachedCredential
	if err := json.Unmarshal(raw, &cached); err != nil {
		return fmt.Errorf("parse credential cache: %w", err)
	}
	if cached.Token == "" {
		return fmt.Errorf("credential cache holds empty token")
	}
	c.mu.Lock()
	c.token = cached.Token
	c.expiry = time.Unix(cached.Expiry, 0)
	c.mu.Unlock()
	return nil
}

func (c *Client) saveCredential(token string, expiry time.Time) error {
	if err := os.MkdirAll(c.credentialDir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	payload, err := json.Marshal(cachedCredential{Token: token, Expiry: expiry.Unix()})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := os.WriteFile(c.credentialPath(), payload, 0o600); err != nil {
		return fmt.Errorf("write credential cache: %w", err)
	}
	return nil
}

// tokenExpiry decodes the exp claim without verifying the signature; the
// client only needs the timestamp, trust stays with the endpoint.
func tokenExpiry(token string) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}

// Token returns a valid bearer credential, logging in when the cached one is
// missing or inside the refresh margin.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Add(refreshMargin).Before(c.expiry) {
		return c.token, nil
	}
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) (string, error) {
	if c.loginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.loginTimeout)
		defer cancel()
	}
	body, err := json.Marshal(loginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return "", fmt.Errorf("encode login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login/", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}
	var decoded loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	token := decoded.User.Token
	if token == "" {
		token = decoded.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("login response carries no token")
	}

	expiry, err := tokenExpiry(token)
	if err != nil {
		// An opaque token still works until the endpoint rejects it; treat
		// it as valid for one refresh margin.
		c.logger.Warn("credential has no decodable expiry", "channel_id", c.channelID, "error", err)
		expiry = c.now().Add(refreshMargin)
	}

	c.token = token
	c.expiry = expiry
	if err := c.saveCredential(token, expiry); err != nil {
		c.logger.Warn("credential cache write failed", "channel_id", c.channelID, "error", err)
	}
	c.logger.Info("credential acquired", "channel_id", c.channelID, "expiry", expiry)
	return token, nil
}

// IsIngesting reports whether the wider system is already capturing. Any
// failure is conservative: log, count, report false so the caller proceeds.
func (c *Client) IsIngesting(ctx context.Context) bool {
	busy, err := c.checkStatus(ctx)
	if err != nil {
		c.metrics.ObserveStatusCheck("error")
		c.logger.Warn("ingest status check failed", "channel_id", c.channelID, "error", err)
		return false
	}
	if busy {
		c.metrics.ObserveStatusCheck("busy")
	} else {
		c.metrics.ObserveStatusCheck("free")
	}
	return busy
}

func (c *Client) checkStatus(ctx context.Context) (bool, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return false, err
	}
	if c.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.statusTimeout)
		defer cancel()
	}
	url := fmt.Sprintf("%s/api/control/%d/media/current", c.baseURL, c.channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("status check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("status check: unexpected status %d", resp.StatusCode)
	}
	var decoded mediaCurrentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("decode status response: %w", err)
	}
	return decoded.Ingest, nil
}
