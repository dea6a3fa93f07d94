// Package store provides SQLite database operations for tumblelog.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robertmeta/tumblelog/model"
	_ "modernc.org/sqlite"
)

// DefaultPageSize is the number of posts on one archive page.
const DefaultPageSize = 10

// Store manages the SQLite database.
type Store struct {
	db       *sql.DB
	clock    model.Clock
	loc      *time.Location
	pageSize int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for publication checks and
// modification timestamps.
func WithClock(c model.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLocation sets the location archive date boundaries are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithPageSize sets the archive page size.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// QueryOptions specifies how to list posts on the unfiltered surface.
type QueryOptions struct {
	BlogID        int64
	Kind          model.Kind
	Limit         int
	Offset        int
	PublishedOnly bool
	SinceTime     *int64 // Unix timestamp, compared against modification time
}

// New creates a new Store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	store := &Store{
		db:       db,
		clock:    model.SystemClock,
		loc:      time.UTC,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PageSize returns the archive page size.
func (s *Store) PageSize() int {
	return s.pageSize
}

func (s *Store) now() time.Time {
	return s.clock.Now()
}

// createSchema creates the database tables and indexes.
func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blogs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT UNIQUE NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		blog_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		slug TEXT UNIQUE NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		published_at INTEGER,
		modified_at INTEGER NOT NULL,
		source_key TEXT,
		payload TEXT NOT NULL,
		FOREIGN KEY (blog_id) REFERENCES blogs(id) ON DELETE CASCADE,
		UNIQUE(blog_id, source_key)
	);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS post_tags (
		post_id INTEGER NOT NULL,
		tag_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (post_id, tag_id),
		FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE,
		FOREIGN KEY (tag_id) REFERENCES tags(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS importers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		blog_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		last_update INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT,
		lease_expires INTEGER,
		FOREIGN KEY (blog_id) REFERENCES blogs(id) ON DELETE CASCADE,
		UNIQUE(blog_id, source, source_url, username)
	);

	CREATE INDEX IF NOT EXISTS idx_posts_blog_published ON posts(blog_id, published_at DESC);
	CREATE INDEX IF NOT EXISTS idx_post_tags_tag_id ON post_tags(tag_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBlog saves a blog to the database.
// If the blog has an ID of 0, it will be inserted. Otherwise, it will be updated.
func (s *Store) SaveBlog(b *model.Blog) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.ID == 0 {
		result, err := s.db.Exec(
			"INSERT INTO blogs (slug, title, description) VALUES (?, ?, ?)",
			b.Slug, b.Title, b.Description,
		)
		if err != nil {
			return fmt.Errorf("failed to insert blog %q: %w", b.Slug, err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID: %w", err)
		}
		b.ID = id
		return nil
	}

	_, err := s.db.Exec(
		"UPDATE blogs SET slug = ?, title = ?, description = ? WHERE id = ?",
		b.Slug, b.Title, b.Description, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update blog %d: %w", b.ID, err)
	}
	return nil
}

// GetBlog retrieves a blog by ID.
func (s *Store) GetBlog(id int64) (*model.Blog, error) {
	return s.getBlog("get blog", "id = ?", id)
}

// GetBlogBySlug retrieves a blog by slug.
func (s *Store) GetBlogBySlug(slug string) (*model.Blog, error) {
	return s.getBlog("get blog", "slug = ?", slug)
}

func (s *Store) getBlog(op, where string, key any) (*model.Blog, error) {
	blog := &model.Blog{}
	err := s.db.QueryRow(
		"SELECT id, slug, title, description FROM blogs WHERE "+where,
		key,
	).Scan(&blog.ID, &blog.Slug, &blog.Title, &blog.Description)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound(op, "blog", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blog %v: %w", key, err)
	}

	return blog, nil
}

// GetAllBlogs retrieves all blogs ordered by slug.
func (s *Store) GetAllBlogs() ([]*model.Blog, error) {
	rows, err := s.db.Query("SELECT id, slug, title, description FROM blogs ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("failed to query blogs: %w", err)
	}
	defer rows.Close()

	var blogs []*model.Blog
	for rows.Next() {
		blog := &model.Blog{}
		if err := rows.Scan(&blog.ID, &blog.Slug, &blog.Title, &blog.Description); err != nil {
			return nil, fmt.Errorf("failed to scan blog: %w", err)
		}
		blogs = append(blogs, blog)
	}

	return blogs, rows.Err()
}

// SavePost saves a post and its tags. New posts get a unique slug derived
// from the title. The modification time is set from the store clock on every
// save. A new post whose source key already exists in the blog is rejected
// with model.ErrDuplicate.
func (s *Store) SavePost(p *model.Post) error {
	if err := p.Validate(); err != nil {
		return err
	}
	payload, err := encodePayload(p)
	if err != nil {
		return fmt.Errorf("failed to encode post %q: %w", p.Title, err)
	}
	p.Tags = model.NormalizeTags(p.Tags)
	modified := s.now().Truncate(time.Second)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.SourceKey != "" {
		var existing int64
		err := tx.QueryRow(
			"SELECT id FROM posts WHERE blog_id = ? AND source_key = ? AND id != ?",
			p.BlogID, p.SourceKey, p.ID,
		).Scan(&existing)
		if err == nil {
			return fmt.Errorf("post %q in blog %d: %w (existing post %d)", p.Title, p.BlogID, model.ErrDuplicate, existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check source key: %w", err)
		}
	}

	slug := p.Slug
	if slug == "" {
		slug = model.Slugify(p.Title)
	}
	slug, err = uniqueSlug(tx, slug, p.ID)
	if err != nil {
		return err
	}

	if p.ID == 0 {
		result, err := tx.Exec(
			`INSERT INTO posts (blog_id, kind, title, slug, author, published_at, modified_at, source_key, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.BlogID, string(p.Kind), p.Title, slug, p.Author, nullableUnix(p.PublishedAt), modified.Unix(), nullableString(p.SourceKey), payload,
		)
		if err != nil {
			return fmt.Errorf("failed to insert post %q: %w", p.Title, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID: %w", err)
		}
		p.ID = id
	} else {
		result, err := tx.Exec(
			`UPDATE posts SET blog_id = ?, kind = ?, title = ?, slug = ?, author = ?, published_at = ?, modified_at = ?, source_key = ?, payload = ?
			 WHERE id = ?`,
			p.BlogID, string(p.Kind), p.Title, slug, p.Author, nullableUnix(p.PublishedAt), modified.Unix(), nullableString(p.SourceKey), payload, p.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update post %d: %w", p.ID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return model.NotFound("save post", "post", p.ID)
		}
	}

	if err := replaceTags(tx, p.ID, p.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit post %q: %w", p.Title, err)
	}

	p.Slug = slug
	p.ModifiedAt = modified.In(s.loc)
	return nil
}

// PublishPost sets the publish time of a post and saves it. A nil at
// publishes immediately. Publishing again only moves the timestamp.
func (s *Store) PublishPost(id int64, at *time.Time) (*model.Post, error) {
	p, err := s.GetPost(id)
	if err != nil {
		return nil, err
	}
	var when time.Time
	if at != nil {
		when = *at
	}
	p.Publish(when, s.clock)
	if err := s.SavePost(p); err != nil {
		return nil, err
	}
	return p, nil
}

// UnpublishPost clears the publish time of a post.
func (s *Store) UnpublishPost(id int64) error {
	result, err := s.db.Exec(
		"UPDATE posts SET published_at = NULL, modified_at = ? WHERE id = ?",
		s.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to unpublish post %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.NotFound("unpublish post", "post", id)
	}
	return nil
}

// GetPost retrieves a post by ID regardless of publication state.
func (s *Store) GetPost(id int64) (*model.Post, error) {
	posts, err := s.queryPosts("SELECT "+postColumns+" FROM posts p WHERE p.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, model.NotFound("get post", "post", id)
	}
	return posts[0], nil
}

// ListPosts retrieves posts with optional filtering and pagination, newest
// publish time first. Unpublished posts are included unless
// opts.PublishedOnly is set.
func (s *Store) ListPosts(opts QueryOptions) ([]*model.Post, error) {
	query := "SELECT " + postColumns + " FROM posts p WHERE 1=1"
	args := []interface{}{}

	if opts.BlogID != 0 {
		query += " AND p.blog_id = ?"
		args = append(args, opts.BlogID)
	}
	if opts.Kind != "" {
		query += " AND p.kind = ?"
		args = append(args, string(opts.Kind))
	}
	if opts.PublishedOnly {
		query += " AND " + publishedClause
		args = append(args, s.now().Unix())
	}
	if opts.SinceTime != nil {
		query += " AND p.modified_at >= ?"
		args = append(args, *opts.SinceTime)
	}

	// unpublished posts sort first so drafts are visible at the top
	query += " ORDER BY p.published_at IS NOT NULL, p.published_at DESC, p.id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	return s.queryPosts(query, args...)
}

// PublishedPosts returns every published post of a blog, newest first.
// This is the default public surface.
func (s *Store) PublishedPosts(blogID int64) ([]*model.Post, error) {
	return s.ListPosts(QueryOptions{BlogID: blogID, PublishedOnly: true})
}

// DeletePost deletes a post and its tag associations.
func (s *Store) DeletePost(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM post_tags WHERE post_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete tags of post %d: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM posts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete post %d: %w", id, err)
	}
	return tx.Commit()
}

const postColumns = "p.id, p.blog_id, p.kind, p.title, p.slug, p.author, p.published_at, p.modified_at, p.source_key, p.payload"

const publishedClause = "p.published_at IS NOT NULL AND p.published_at <= ?"

// queryPosts runs a post query and attaches tags. Rows are drained before
// tags are loaded so the in-memory database can run on one connection.
func (s *Store) queryPosts(query string, args ...interface{}) ([]*model.Post, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}

	var posts []*model.Post
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.loadTags(posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (s *Store) scanPost(rows *sql.Rows) (*model.Post, error) {
	p := &model.Post{}
	var kind, payload string
	var published sql.NullInt64
	var modified int64
	var sourceKey sql.NullString

	err := rows.Scan(&p.ID, &p.BlogID, &kind, &p.Title, &p.Slug, &p.Author, &published, &modified, &sourceKey, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to scan post: %w", err)
	}

	p.Kind = model.Kind(kind)
	p.ModifiedAt = unixToTime(modified).In(s.loc)
	if published.Valid {
		t := unixToTime(published.Int64).In(s.loc)
		p.PublishedAt = &t
	}
	p.SourceKey = sourceKey.String
	if err := decodePayload(p, payload); err != nil {
		return nil, fmt.Errorf("failed to decode post %d: %w", p.ID, err)
	}
	return p, nil
}

func (s *Store) loadTags(posts []*model.Post) error {
	if len(posts) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Post, len(posts))
	args := make([]interface{}, 0, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
		args = append(args, p.ID)
	}

	rows, err := s.db.Query(
		`SELECT pt.post_id, t.name FROM post_tags pt JOIN tags t ON t.id = pt.tag_id
		 WHERE pt.post_id IN (`+placeholders(len(args))+`) ORDER BY pt.post_id, pt.position`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var postID int64
		var name string
		if err := rows.Scan(&postID, &name); err != nil {
			return fmt.Errorf("failed to scan tag: %w", err)
		}
		if p, ok := byID[postID]; ok {
			p.Tags = append(p.Tags, name)
		}
	}
	return rows.Err()
}

func replaceTags(tx *sql.Tx, postID int64, tags []string) error {
	if _, err := tx.Exec("DELETE FROM post_tags WHERE post_id = ?", postID); err != nil {
		return fmt.Errorf("failed to clear tags of post %d: %w", postID, err)
	}
	for i, name := range tags {
		if _, err := tx.Exec("INSERT OR IGNORE INTO tags (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to insert tag %q: %w", name, err)
		}
		var tagID int64
		if err := tx.QueryRow("SELECT id FROM tags WHERE name = ?", name).Scan(&tagID); err != nil {
			return fmt.Errorf("failed to look up tag %q: %w", name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO post_tags (post_id, tag_id, position) VALUES (?, ?, ?)",
			postID, tagID, i,
		); err != nil {
			return fmt.Errorf("failed to tag post %d with %q: %w", postID, name, err)
		}
	}
	return nil
}

func uniqueSlug(tx *sql.Tx, base string, postID int64) (string, error) {
	slug := base
	for n := 2; ; n++ {
		var exists int
		err := tx.QueryRow("SELECT COUNT(*) FROM posts WHERE slug = ? AND id != ?", slug, postID).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("failed to check slug %q: %w", slug, err)
		}
		if exists == 0 {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
}

func encodePayload(p *model.Post) (string, error) {
	var v any
	switch p.Kind {
	case model.KindText:
		v = p.Text
	case model.KindQuote:
		v = p.Quote
	case model.KindLink:
		v = p.Link
	case model.KindPhoto:
		v = p.Photo
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodePayload(p *model.Post, payload string) error {
	data := []byte(payload)
	switch p.Kind {
	case model.KindText:
		p.Text = &model.TextContent{}
		return json.Unmarshal(data, p.Text)
	case model.KindQuote:
		p.Quote = &model.QuoteContent{}
		return json.Unmarshal(data, p.Quote)
	case model.KindLink:
		p.Link = &model.LinkContent{}
		return json.Unmarshal(data, p.Link)
	case model.KindPhoto:
		p.Photo = &model.PhotoContent{}
		return json.Unmarshal(data, p.Photo)
	}
	return fmt.Errorf("unknown post kind %q", p.Kind)
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Helper to convert Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}
