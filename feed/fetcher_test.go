package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robertmeta/tumblelog/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>alice's bookmarks</title>
    <link>https://bookmarks.example/alice</link>
    <lastBuildDate>Thu, 15 Jun 2023 12:30:00 GMT</lastBuildDate>
    <item>
      <title>The Go site</title>
      <link>https://go.dev/</link>
      <description>Home of Go</description>
      <category>go</category>
      <category>lang</category>
      <pubDate>Thu, 15 Jun 2023 12:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Example</title>
      <link>https://example.com/</link>
      <pubDate>Wed, 14 Jun 2023 08:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Undated</title>
      <link>https://undated.example/</link>
    </item>
  </channel>
</rss>`

const testAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Links</title>
  <entry>
    <title>First</title>
    <link href="https://a.example/"/>
    <id>a</id>
    <updated>2023-01-01T00:00:00Z</updated>
  </entry>
  <entry>
    <title>Second</title>
    <link href="https://b.example/"/>
    <id>b</id>
    <updated>2023-03-01T00:00:00Z</updated>
  </entry>
</feed>`

func newTestSource(url string) *Source {
	s := NewSource(url)
	s.Backoff = 0
	s.Timeout = time.Second
	return s
}

func TestBookmarks_RSS(t *testing.T) {
	gf, err := Parse(testRSS)
	require.NoError(t, err)

	bookmarks := Bookmarks(gf)
	require.Len(t, bookmarks, 2, "undated items are skipped")

	// Oldest first
	assert.Equal(t, "https://example.com/", bookmarks[0].URL)
	assert.Equal(t, model.Bookmark{
		URL:         "https://go.dev/",
		Description: "The Go site",
		Extended:    "Home of Go",
		Tag:         "go lang",
		Time:        time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC),
	}, bookmarks[1])

	assert.Equal(t, time.Date(2023, 6, 15, 12, 30, 0, 0, time.UTC), feedUpdated(gf))
}

func TestFeedUpdated_FallsBackToItems(t *testing.T) {
	gf, err := Parse(testAtom)
	require.NoError(t, err)
	gf.UpdatedParsed = nil
	gf.PublishedParsed = nil

	assert.Equal(t, time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), feedUpdated(gf))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)

	_, err = Parse("<?xml version='1.0'?><root><item>not a feed</item></root>")
	assert.Error(t, err)
}

func TestSource_PostsSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	src := newTestSource(srv.URL)
	ctx := context.Background()

	update, err := src.LastUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 6, 15, 12, 30, 0, 0, time.UTC), update)

	recent, err := src.PostsSince(ctx, time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "https://go.dev/", recent[0].URL)

	src.Tag = "Lang"
	tagged, err := src.PostsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "https://go.dev/", tagged[0].URL)
}

func TestSource_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
		protocol  bool
	}{
		{name: "server error retried", status: http.StatusInternalServerError, wantCalls: 3},
		{name: "auth failure", status: http.StatusForbidden, wantCalls: 1},
		{name: "not found", status: http.StatusNotFound, wantCalls: 1, protocol: true},
		{name: "not a feed", status: http.StatusOK, body: "<html><body>hi</body></html>", wantCalls: 1, protocol: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestSource(srv.URL).PostsSince(context.Background(), time.Time{})
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls.Load())

			var protoErr *model.ExternalProtocolError
			var fetchErr *model.ExternalFetchError
			if tt.protocol {
				assert.True(t, errors.As(err, &protoErr), "got %v", err)
			} else {
				require.True(t, errors.As(err, &fetchErr), "got %v", err)
				assert.Equal(t, int(tt.wantCalls), fetchErr.Attempts)
			}
		})
	}
}
