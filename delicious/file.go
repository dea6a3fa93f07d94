package delicious

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robertmeta/tumblelog/model"
)

// FileSource serves bookmarks from a saved posts/all document. It implements
// importer.Source and is used to replay exports without network access.
type FileSource struct {
	Path string
	Tag  string // only bookmarks carrying this tag, when set
}

func (f *FileSource) load() (time.Time, []model.Bookmark, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return time.Time{}, nil, &model.ExternalFetchError{Op: "open", URL: f.Path, Attempts: 1, Err: err}
	}
	defer file.Close()

	update, bookmarks, err := Parse(file)
	if err != nil {
		return time.Time{}, nil, &model.ExternalProtocolError{Op: "parse", URL: f.Path, Err: err}
	}
	return update, bookmarks, nil
}

// LastUpdate returns the document's update attribute, or the newest bookmark
// time when the attribute is missing.
func (f *FileSource) LastUpdate(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	update, bookmarks, err := f.load()
	if err != nil {
		return time.Time{}, err
	}
	if !update.IsZero() {
		return update, nil
	}
	for _, b := range bookmarks {
		if b.Time.After(update) {
			update = b.Time
		}
	}
	return update, nil
}

// PostsSince returns the bookmarks timestamped at or after since.
func (f *FileSource) PostsSince(ctx context.Context, since time.Time) ([]model.Bookmark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, bookmarks, err := f.load()
	if err != nil {
		return nil, err
	}

	var out []model.Bookmark
	for _, b := range bookmarks {
		if b.Time.Before(since) {
			continue
		}
		if f.Tag != "" && !hasTag(b.Tag, f.Tag) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func hasTag(tags, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	for _, t := range model.ParseTags(tags) {
		if t == want {
			return true
		}
	}
	return false
}

// String describes the source for logs.
func (f *FileSource) String() string {
	return fmt.Sprintf("file %s", f.Path)
}
