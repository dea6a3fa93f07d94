// Package feed imports bookmarks from RSS and Atom feeds, such as the
// per-user feeds most bookmarking services publish.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/tumblelog/logger"
	"github.com/robertmeta/tumblelog/model"
	"github.com/robertmeta/tumblelog/retry"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

// Source reads bookmarks from a feed URL. It implements importer.Source.
type Source struct {
	URL      string
	Tag      string // only items carrying this category, when set
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration

	parser *gofeed.Parser
}

// NewSource creates a Source for url with default transport settings.
func NewSource(url string) *Source {
	return &Source{
		URL:      url,
		Timeout:  DefaultTimeout,
		Attempts: DefaultAttempts,
		Backoff:  DefaultBackoff,
		parser:   gofeed.NewParser(),
	}
}

// LastUpdate returns the feed's updated time, falling back to its published
// time and then to the newest item.
func (s *Source) LastUpdate(ctx context.Context) (time.Time, error) {
	gf, err := s.fetch(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return feedUpdated(gf), nil
}

// PostsSince returns the items timestamped at or after since, oldest first.
func (s *Source) PostsSince(ctx context.Context, since time.Time) ([]model.Bookmark, error) {
	gf, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var bookmarks []model.Bookmark
	for _, b := range Bookmarks(gf) {
		if b.Time.Before(since) {
			continue
		}
		if s.Tag != "" && !hasCategory(b.Tag, s.Tag) {
			continue
		}
		bookmarks = append(bookmarks, b)
	}
	return bookmarks, nil
}

// Parse parses feed content from a string.
func Parse(content string) (*gofeed.Feed, error) {
	if content == "" {
		return nil, fmt.Errorf("feed content is empty")
	}

	gf, err := gofeed.NewParser().ParseString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return gf, nil
}

// Bookmarks converts feed items to bookmarks. Items without a date are
// skipped since they cannot be placed against a watermark.
func Bookmarks(gf *gofeed.Feed) []model.Bookmark {
	var out []model.Bookmark
	for i := len(gf.Items) - 1; i >= 0; i-- {
		item := gf.Items[i]
		t := itemTime(item)
		if t.IsZero() {
			continue
		}
		out = append(out, model.Bookmark{
			URL:         strings.TrimSpace(item.Link),
			Description: strings.TrimSpace(item.Title),
			Extended:    strings.TrimSpace(item.Description),
			Tag:         strings.Join(item.Categories, " "),
			Time:        t.UTC().Truncate(time.Second),
		})
	}
	return out
}

func itemTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func feedUpdated(gf *gofeed.Feed) time.Time {
	var t time.Time
	switch {
	case gf.UpdatedParsed != nil:
		t = *gf.UpdatedParsed
	case gf.PublishedParsed != nil:
		t = *gf.PublishedParsed
	default:
		for _, item := range gf.Items {
			if it := itemTime(item); it.After(t) {
				t = it
			}
		}
	}
	return t.UTC().Truncate(time.Second)
}

func hasCategory(tags, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	for _, t := range model.ParseTags(tags) {
		if t == want {
			return true
		}
	}
	return false
}

// fetch downloads and parses the feed, retrying transport failures and
// 5xx/429 responses.
func (s *Source) fetch(ctx context.Context) (*gofeed.Feed, error) {
	if s.parser == nil {
		s.parser = gofeed.NewParser()
	}
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	policy := retry.Policy{
		Attempts: attempts,
		Backoff:  s.Backoff,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.WarnWithFields("feed request failed, retrying", logger.Fields{
				"url":     s.URL,
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		},
	}

	var gf *gofeed.Feed
	err := retry.Do(ctx, policy, func(attempt int) error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		if gf, err = s.parser.ParseURLWithContext(s.URL, reqCtx); err == nil {
			return nil
		}

		var httpErr gofeed.HTTPError
		switch {
		case errors.As(err, &httpErr):
			code := httpErr.StatusCode
			if code == http.StatusUnauthorized || code == http.StatusForbidden {
				return retry.Permanent(&model.ExternalFetchError{Op: "feed", URL: s.URL, Attempts: attempt, Err: err})
			}
			if code != http.StatusTooManyRequests && code < 500 {
				return retry.Permanent(&model.ExternalProtocolError{Op: "feed", URL: s.URL, Err: err})
			}
		case !isTransport(err):
			return retry.Permanent(&model.ExternalProtocolError{Op: "feed", URL: s.URL, Err: err})
		}
		return err
	})

	var gaveUp *retry.Error
	if errors.As(err, &gaveUp) {
		return nil, &model.ExternalFetchError{Op: "feed", URL: s.URL, Attempts: gaveUp.Attempts, Err: gaveUp.Err}
	}
	if err != nil {
		return nil, err
	}
	return gf, nil
}

// isTransport reports whether err came from the HTTP round trip rather than
// from decoding the document.
func isTransport(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
