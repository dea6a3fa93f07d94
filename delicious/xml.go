// Package delicious talks to del.icio.us v1 compatible bookmarking APIs and
// reads and writes their XML documents.
package delicious

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/robertmeta/tumblelog/model"
)

// TimeFormat is the request and response time format of the API.
const TimeFormat = "2006-01-02T15:04:05Z"

// Posts is the root of a posts/all document.
type Posts struct {
	XMLName xml.Name `xml:"posts"`
	User    string   `xml:"user,attr,omitempty"`
	Update  string   `xml:"update,attr,omitempty"`
	Tag     string   `xml:"tag,attr,omitempty"`
	Posts   []Post   `xml:"post"`
}

// Post is a single bookmark element.
type Post struct {
	Href        string `xml:"href,attr"`
	Description string `xml:"description,attr"`
	Extended    string `xml:"extended,attr,omitempty"`
	Hash        string `xml:"hash,attr,omitempty"`
	Tag         string `xml:"tag,attr,omitempty"`
	Time        string `xml:"time,attr"`
}

// Update is the posts/update document.
type Update struct {
	XMLName xml.Name `xml:"update"`
	Time    string   `xml:"time,attr"`
}

// FormatTime renders t in the API time format, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses an API timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, strings.TrimSpace(s))
}

// ParseUpdate reads a posts/update document and returns the last update time.
func ParseUpdate(r io.Reader) (time.Time, error) {
	var u Update
	if err := xml.NewDecoder(r).Decode(&u); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse update document: %w", err)
	}
	if u.Time == "" {
		return time.Time{}, errors.New("update document has no time attribute")
	}
	t, err := ParseTime(u.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid update time %q: %w", u.Time, err)
	}
	return t, nil
}

// Parse reads a posts/all document. The returned update time is zero when
// the document does not carry one.
func Parse(r io.Reader) (time.Time, []model.Bookmark, error) {
	var doc Posts
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return time.Time{}, nil, fmt.Errorf("failed to parse posts document: %w", err)
	}

	var update time.Time
	if doc.Update != "" {
		t, err := ParseTime(doc.Update)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("invalid update time %q: %w", doc.Update, err)
		}
		update = t
	}

	bookmarks := make([]model.Bookmark, 0, len(doc.Posts))
	for i, p := range doc.Posts {
		t, err := ParseTime(p.Time)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("post %d (%s): invalid time %q: %w", i+1, p.Href, p.Time, err)
		}
		bookmarks = append(bookmarks, model.Bookmark{
			URL:         p.Href,
			Description: p.Description,
			Extended:    p.Extended,
			Tag:         p.Tag,
			Time:        t,
		})
	}

	return update, bookmarks, nil
}

// Generate writes link posts as a posts/all document. Posts of other kinds
// and unpublished posts are skipped.
func Generate(w io.Writer, user string, posts []*model.Post) error {
	doc := Posts{User: user}

	var latest time.Time
	for _, p := range posts {
		if p.Kind != model.KindLink || p.Link == nil || p.PublishedAt == nil {
			continue
		}
		if p.PublishedAt.After(latest) {
			latest = *p.PublishedAt
		}
		doc.Posts = append(doc.Posts, Post{
			Href:        p.Link.URL,
			Description: p.Title,
			Extended:    p.Link.Description,
			Tag:         strings.Join(p.Tags, " "),
			Time:        FormatTime(*p.PublishedAt),
		})
	}
	if !latest.IsZero() {
		doc.Update = FormatTime(latest)
	}

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode posts: %w", err)
	}

	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}
	return nil
}
