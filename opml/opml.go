// Package opml reads and writes the feed subscriptions of rss importers as
// OPML, grouping them by blog.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a blog group or a feed.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	Category string    `xml:"category,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Subscription is one bookmark feed feeding a blog.
type Subscription struct {
	Blog  string `json:"blog"` // blog slug, empty when the feed is not grouped
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
	Tag   string `json:"tag,omitempty"` // import filter, from the category attribute
}

// Parse reads an OPML document. A feed nested under a group outline belongs
// to the blog named by the group's text.
func Parse(r io.Reader) ([]Subscription, error) {
	var doc OPML
	decoder := xml.NewDecoder(r)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	return extractSubscriptions(doc.Body.Outlines, ""), nil
}

func extractSubscriptions(outlines []Outline, blog string) []Subscription {
	var subs []Subscription

	for _, outline := range outlines {
		if outline.XMLUrl != "" {
			sub := Subscription{
				Blog:  blog,
				Title: outline.Title,
				URL:   strings.TrimSpace(outline.XMLUrl),
				Tag:   outline.Category,
			}
			if sub.Title == "" {
				sub.Title = outline.Text
			}
			subs = append(subs, sub)
		}

		if len(outline.Outlines) > 0 {
			group := outline.Text
			if group == "" {
				group = blog
			}
			subs = append(subs, extractSubscriptions(outline.Outlines, group)...)
		}
	}

	return subs
}

// Generate writes subscriptions as OPML, one group outline per blog in slug
// order.
func Generate(w io.Writer, subs []Subscription, created time.Time) error {
	groups := make(map[string][]Subscription)
	var ungrouped []Subscription
	for _, sub := range subs {
		if sub.Blog == "" {
			ungrouped = append(ungrouped, sub)
			continue
		}
		groups[sub.Blog] = append(groups[sub.Blog], sub)
	}

	blogs := make([]string, 0, len(groups))
	for blog := range groups {
		blogs = append(blogs, blog)
	}
	sort.Strings(blogs)

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "tumblelog bookmark feeds",
			DateCreated: created.UTC().Format(time.RFC1123),
		},
	}

	for _, blog := range blogs {
		group := Outline{Text: blog, Title: blog}
		for _, sub := range groups[blog] {
			group.Outlines = append(group.Outlines, feedOutline(sub))
		}
		doc.Body.Outlines = append(doc.Body.Outlines, group)
	}
	for _, sub := range ungrouped {
		doc.Body.Outlines = append(doc.Body.Outlines, feedOutline(sub))
	}

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}
	return nil
}

func feedOutline(sub Subscription) Outline {
	title := sub.Title
	if title == "" {
		title = sub.URL
	}
	return Outline{
		Type:     "rss",
		Text:     title,
		Title:    title,
		XMLUrl:   sub.URL,
		Category: sub.Tag,
	}
}
