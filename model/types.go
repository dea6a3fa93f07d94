// Package model defines the core data structures for tumblelog.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Blog is a tumblelog owning zero or more posts.
type Blog struct {
	ID          int64  `json:"id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Validate checks if the blog has required fields.
func (b *Blog) Validate() error {
	if b.Slug == "" {
		return fmt.Errorf("%w: blog slug is required", ErrInvalid)
	}
	if b.Title == "" {
		return fmt.Errorf("%w: blog title is required", ErrInvalid)
	}
	return nil
}

// Kind discriminates the concrete post variant.
type Kind string

const (
	KindText  Kind = "text"
	KindQuote Kind = "quote"
	KindLink  Kind = "link"
	KindPhoto Kind = "photo"
)

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindText, KindQuote, KindLink, KindPhoto:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown post kind %q", ErrInvalid, s)
}

// TextContent is the payload of a text post.
type TextContent struct {
	Body string `json:"body"`
}

// QuoteContent is the payload of a quote post.
type QuoteContent struct {
	Quote    string `json:"quote"`
	Citation string `json:"citation,omitempty"`
}

// LinkContent is the payload of a link post.
type LinkContent struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Photo is a single image inside a photo post.
type Photo struct {
	Caption   string `json:"caption,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Image     string `json:"image"`
}

// PhotoContent is the payload of a photo post. It can contain multiple photos.
type PhotoContent struct {
	Description string  `json:"description,omitempty"`
	Photos      []Photo `json:"photos"`
}

// Post is the common post record. Exactly one payload, the one matching
// Kind, is set.
type Post struct {
	ID          int64      `json:"id"`
	BlogID      int64      `json:"blog_id"`
	Title       string     `json:"title"`
	Slug        string     `json:"slug"`
	Author      string     `json:"author,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ModifiedAt  time.Time  `json:"modified_at"`
	Kind        Kind       `json:"kind"`
	SourceKey   string     `json:"source_key,omitempty"`

	Text  *TextContent  `json:"text,omitempty"`
	Quote *QuoteContent `json:"quote,omitempty"`
	Link  *LinkContent  `json:"link,omitempty"`
	Photo *PhotoContent `json:"photo,omitempty"`
}

// NewTextPost returns an unpublished text post.
func NewTextPost(blogID int64, title, body string) *Post {
	return &Post{BlogID: blogID, Title: title, Kind: KindText, Text: &TextContent{Body: body}}
}

// NewQuotePost returns an unpublished quote post.
func NewQuotePost(blogID int64, title, quote, citation string) *Post {
	return &Post{BlogID: blogID, Title: title, Kind: KindQuote, Quote: &QuoteContent{Quote: quote, Citation: citation}}
}

// NewLinkPost returns an unpublished link post.
func NewLinkPost(blogID int64, title, url, description string) *Post {
	return &Post{BlogID: blogID, Title: title, Kind: KindLink, Link: &LinkContent{URL: url, Description: description}}
}

// NewPhotoPost returns an unpublished photo post.
func NewPhotoPost(blogID int64, title, description string, photos ...Photo) *Post {
	return &Post{BlogID: blogID, Title: title, Kind: KindPhoto, Photo: &PhotoContent{Description: description, Photos: photos}}
}

// Validate checks the common fields and that the payload matches Kind.
func (p *Post) Validate() error {
	if p.BlogID == 0 {
		return fmt.Errorf("%w: post %q has no blog", ErrInvalid, p.Title)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: post title is required", ErrInvalid)
	}

	set := 0
	for _, ok := range []bool{p.Text != nil, p.Quote != nil, p.Link != nil, p.Photo != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: post %q must carry exactly one payload, has %d", ErrInvalid, p.Title, set)
	}

	switch p.Kind {
	case KindText:
		if p.Text == nil {
			return fmt.Errorf("%w: text post %q has no text payload", ErrInvalid, p.Title)
		}
	case KindQuote:
		if p.Quote == nil || p.Quote.Quote == "" {
			return fmt.Errorf("%w: quote post %q has no quote", ErrInvalid, p.Title)
		}
	case KindLink:
		if p.Link == nil || p.Link.URL == "" {
			return fmt.Errorf("%w: link post %q has no URL", ErrInvalid, p.Title)
		}
	case KindPhoto:
		if p.Photo == nil {
			return fmt.Errorf("%w: photo post %q has no photo payload", ErrInvalid, p.Title)
		}
		for i, ph := range p.Photo.Photos {
			if ph.Image == "" {
				return fmt.Errorf("%w: photo %d of post %q has no image", ErrInvalid, i+1, p.Title)
			}
		}
	default:
		return fmt.Errorf("%w: post %q has unknown kind %q", ErrInvalid, p.Title, p.Kind)
	}
	return nil
}

// HasTag checks if the post has the specified tag.
func (p *Post) HasTag(tag string) bool {
	tag = normalizeTag(tag)
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TemplateName is the template a renderer uses for this post's kind.
func (p *Post) TemplateName() string {
	return "tumblelog/post_" + string(p.Kind) + ".html"
}

// TagCount is a tag with the number of posts carrying it.
type TagCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Month identifies one archive month.
type Month struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func (m Month) String() string {
	return fmt.Sprintf("%04d/%02d", m.Year, int(m.Month))
}

// Importer is the watermark record for one external bookmark account feeding
// one blog.
type Importer struct {
	ID         int64  `json:"id"`
	BlogID     int64  `json:"blog_id"`
	Source     string `json:"source"`
	SourceURL  string `json:"source_url,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	Tags       string `json:"tags,omitempty"`
	LastUpdate int64  `json:"last_update"`
}

const (
	SourceAPI = "api"
	SourceRSS = "rss"
)

// Validate checks if the importer has required fields.
func (i *Importer) Validate() error {
	if i.BlogID == 0 {
		return fmt.Errorf("%w: importer has no blog", ErrInvalid)
	}
	switch i.Source {
	case SourceAPI:
		if i.Username == "" {
			return fmt.Errorf("%w: api importer requires a username", ErrInvalid)
		}
	case SourceRSS:
		if i.SourceURL == "" {
			return fmt.Errorf("%w: rss importer requires a source URL", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown importer source %q", ErrInvalid, i.Source)
	}
	return nil
}

// LastUpdateTime returns the watermark as a UTC time.
func (i *Importer) LastUpdateTime() time.Time {
	return time.Unix(i.LastUpdate, 0).UTC()
}

// Bookmark is one record fetched from an external bookmarking service.
type Bookmark struct {
	URL         string    `json:"href"`
	Description string    `json:"description"`
	Extended    string    `json:"extended,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	Time        time.Time `json:"time"`
}

// SourceKey is the dedup key for a post imported from this bookmark.
func (b Bookmark) SourceKey() string {
	return HashURL(b.URL)
}

// HashURL returns the hex SHA-256 of a URL.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}
