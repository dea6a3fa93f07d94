package delicious

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robertmeta/tumblelog/logger"
	"github.com/robertmeta/tumblelog/model"
	"github.com/robertmeta/tumblelog/retry"
)

const (
	DefaultBaseURL   = "https://api.del.icio.us/v1"
	DefaultTimeout   = 10 * time.Second
	DefaultAttempts  = 3
	DefaultBackoff   = time.Second
	DefaultUserAgent = "tumblelog/0.1"

	maxBody = 16 << 20
)

// Config holds the account and transport settings of a Client.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Tag       string // only import bookmarks with this tag
	UserAgent string

	Timeout  time.Duration // per request
	Attempts int
	Backoff  time.Duration // doubled after every failed attempt; zero retries at once

	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
}

// Client is a bookmark API client. It implements importer.Source.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a Client. Zero config fields other than Backoff get
// defaults.
func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc}
}

// LastUpdate returns the time the account last changed.
func (c *Client) LastUpdate(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := c.get(ctx, "posts/update", nil, func(body io.Reader) error {
		var err error
		t, err = ParseUpdate(body)
		return err
	})
	return t, err
}

// PostsSince returns every bookmark with a timestamp at or after since,
// restricted to the configured tag.
func (c *Client) PostsSince(ctx context.Context, since time.Time) ([]model.Bookmark, error) {
	query := url.Values{}
	query.Set("fromdt", FormatTime(since))
	if c.cfg.Tag != "" {
		query.Set("tag", c.cfg.Tag)
	}

	var bookmarks []model.Bookmark
	err := c.get(ctx, "posts/all", query, func(body io.Reader) error {
		var err error
		_, bookmarks, err = Parse(body)
		return err
	})
	return bookmarks, err
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err      error
	protocol bool
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// get fetches path and hands the body to decode, retrying transport failures
// and 5xx/429 responses. Decode failures are protocol errors and are not
// retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, decode func(io.Reader) error) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	policy := retry.Policy{
		Attempts: c.cfg.Attempts,
		Backoff:  c.cfg.Backoff,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.WarnWithFields("bookmark request failed, retrying", logger.Fields{
				"op":      path,
				"url":     endpoint,
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		},
	}

	err := retry.Do(ctx, policy, func(attempt int) error {
		body, err := c.fetch(ctx, endpoint)
		if err == nil {
			if err := decode(bytes.NewReader(body)); err != nil {
				return retry.Permanent(&model.ExternalProtocolError{Op: path, URL: endpoint, Err: err})
			}
			return nil
		}

		var perm *permanentError
		if !errors.As(err, &perm) {
			return err
		}
		if perm.protocol {
			return retry.Permanent(&model.ExternalProtocolError{Op: path, URL: endpoint, Err: perm.err})
		}
		return retry.Permanent(&model.ExternalFetchError{Op: path, URL: endpoint, Attempts: attempt, Err: perm.err})
	})

	var gaveUp *retry.Error
	if errors.As(err, &gaveUp) {
		return &model.ExternalFetchError{Op: path, URL: endpoint, Attempts: gaveUp.Attempts, Err: gaveUp.Err}
	}
	return err
}

// fetch performs one bounded request and returns the body of a 200 response.
func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &permanentError{err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &permanentError{err: fmt.Errorf("authentication failed: %s", resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("server returned %s", resp.Status)
	default:
		return nil, &permanentError{err: fmt.Errorf("unexpected status %s", resp.Status), protocol: true}
	}
}
