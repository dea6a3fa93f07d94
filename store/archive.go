package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robertmeta/tumblelog/model"
)

// ArchiveQuery is one of the typed archive queries: IndexQuery, YearQuery,
// MonthQuery, DayQuery or TagQuery.
type ArchiveQuery interface {
	Validate() error
	BlogSlug() string
	// Describe returns a short human-readable label for the result set.
	Describe() string
	bounds(loc *time.Location) window
}

// window is the filter an archive query compiles to.
type window struct {
	from        *time.Time
	to          *time.Time
	toInclusive bool
	tags        []string
}

// IndexQuery selects every published post of a blog.
type IndexQuery struct {
	Blog string
}

func (q IndexQuery) Validate() error  { return validateBlog(q.Blog) }
func (q IndexQuery) BlogSlug() string { return q.Blog }
func (q IndexQuery) Describe() string { return "all posts" }

func (q IndexQuery) bounds(*time.Location) window { return window{} }

// YearQuery selects posts published in [Jan 1 Year, Jan 1 Year+1).
type YearQuery struct {
	Blog string
	Year int
}

func (q YearQuery) Validate() error {
	if err := validateBlog(q.Blog); err != nil {
		return err
	}
	return validateYear(q.Year)
}

func (q YearQuery) BlogSlug() string { return q.Blog }
func (q YearQuery) Describe() string { return fmt.Sprintf("posted during %d", q.Year) }

func (q YearQuery) bounds(loc *time.Location) window {
	from := time.Date(q.Year, time.January, 1, 0, 0, 0, 0, loc)
	to := time.Date(q.Year+1, time.January, 1, 0, 0, 0, 0, loc)
	return window{from: &from, to: &to}
}

// MonthQuery selects posts published in [first of Month, first of next month).
type MonthQuery struct {
	Blog  string
	Year  int
	Month int
}

func (q MonthQuery) Validate() error {
	if err := validateBlog(q.Blog); err != nil {
		return err
	}
	if err := validateYear(q.Year); err != nil {
		return err
	}
	return validateMonth(q.Month)
}

func (q MonthQuery) BlogSlug() string { return q.Blog }
func (q MonthQuery) Describe() string { return fmt.Sprintf("posted during %d/%d", q.Year, q.Month) }

func (q MonthQuery) bounds(loc *time.Location) window {
	nextYear, nextMonth := q.Year, q.Month+1
	if q.Month == 12 {
		nextYear, nextMonth = q.Year+1, 1
	}
	from := time.Date(q.Year, time.Month(q.Month), 1, 0, 0, 0, 0, loc)
	to := time.Date(nextYear, time.Month(nextMonth), 1, 0, 0, 0, 0, loc)
	return window{from: &from, to: &to}
}

// DayQuery selects posts published between 00:00 and 23:59 of one day, both
// ends inclusive. Posts in the last minute after 23:59:00 are not matched.
type DayQuery struct {
	Blog  string
	Year  int
	Month int
	Day   int
}

func (q DayQuery) Validate() error {
	if err := validateBlog(q.Blog); err != nil {
		return err
	}
	if err := validateYear(q.Year); err != nil {
		return err
	}
	if err := validateMonth(q.Month); err != nil {
		return err
	}
	d := time.Date(q.Year, time.Month(q.Month), q.Day, 0, 0, 0, 0, time.UTC)
	if q.Day < 1 || d.Day() != q.Day {
		return fmt.Errorf("%w: day %d out of range for %d/%d", model.ErrInvalid, q.Day, q.Year, q.Month)
	}
	return nil
}

func (q DayQuery) BlogSlug() string { return q.Blog }
func (q DayQuery) Describe() string {
	return fmt.Sprintf("posted on %d/%d/%d", q.Year, q.Month, q.Day)
}

func (q DayQuery) bounds(loc *time.Location) window {
	from := time.Date(q.Year, time.Month(q.Month), q.Day, 0, 0, 0, 0, loc)
	to := time.Date(q.Year, time.Month(q.Month), q.Day, 23, 59, 0, 0, loc)
	return window{from: &from, to: &to, toInclusive: true}
}

// TagQuery selects posts carrying any of Tags.
type TagQuery struct {
	Blog string
	Tags []string
}

func (q TagQuery) Validate() error {
	if err := validateBlog(q.Blog); err != nil {
		return err
	}
	if len(model.NormalizeTags(q.Tags)) == 0 {
		return fmt.Errorf("%w: at least one tag is required", model.ErrInvalid)
	}
	return nil
}

func (q TagQuery) BlogSlug() string { return q.Blog }
func (q TagQuery) Describe() string {
	return fmt.Sprintf("tagged: '%s'", strings.Join(model.NormalizeTags(q.Tags), " "))
}

func (q TagQuery) bounds(*time.Location) window {
	return window{tags: model.NormalizeTags(q.Tags)}
}

func validateBlog(slug string) error {
	if strings.TrimSpace(slug) == "" {
		return fmt.Errorf("%w: blog is required", model.ErrInvalid)
	}
	return nil
}

func validateYear(year int) error {
	if year < 1 || year > 9998 {
		return fmt.Errorf("%w: year %d out of range", model.ErrInvalid, year)
	}
	return nil
}

func validateMonth(month int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month %d out of range", model.ErrInvalid, month)
	}
	return nil
}

// Page is one page of an archive result set.
type Page struct {
	Blog     *model.Blog   `json:"blog"`
	View     string        `json:"view"`
	Number   int           `json:"page"`
	Size     int           `json:"page_size"`
	Total    int           `json:"total"`
	NumPages int           `json:"num_pages"`
	Posts    []*model.Post `json:"posts"`
}

// HasNext reports whether a later page exists.
func (p *Page) HasNext() bool { return p.Number < p.NumPages }

// HasPrevious reports whether an earlier page exists.
func (p *Page) HasPrevious() bool { return p.Number > 1 }

// Archive runs an archive query over the blog's published posts and returns
// the requested 1-based page, newest first. A page outside the result set
// yields a NotFoundError; page 1 of an empty result is valid.
func (s *Store) Archive(q ArchiveQuery, page int) (*Page, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	blog, err := s.GetBlogBySlug(q.BlogSlug())
	if err != nil {
		return nil, err
	}

	where, args := s.archiveWhere(blog.ID, q.bounds(s.loc))

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM posts p WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count archive %q: %w", q.Describe(), err)
	}

	numPages := (total + s.pageSize - 1) / s.pageSize
	if numPages == 0 {
		numPages = 1
	}
	if page < 1 || page > numPages {
		return nil, model.NotFound("archive "+blog.Slug+" "+q.Describe(), "page", page)
	}

	query := "SELECT " + postColumns + " FROM posts p WHERE " + where +
		" ORDER BY p.published_at DESC, p.id DESC LIMIT ? OFFSET ?"
	args = append(args, s.pageSize, (page-1)*s.pageSize)

	posts, err := s.queryPosts(query, args...)
	if err != nil {
		return nil, err
	}

	return &Page{
		Blog:     blog,
		View:     q.Describe(),
		Number:   page,
		Size:     s.pageSize,
		Total:    total,
		NumPages: numPages,
		Posts:    posts,
	}, nil
}

func (s *Store) archiveWhere(blogID int64, w window) (string, []interface{}) {
	where := "p.blog_id = ? AND " + publishedClause
	args := []interface{}{blogID, s.now().Unix()}

	if w.from != nil {
		where += " AND p.published_at >= ?"
		args = append(args, w.from.Unix())
	}
	if w.to != nil {
		if w.toInclusive {
			where += " AND p.published_at <= ?"
		} else {
			where += " AND p.published_at < ?"
		}
		args = append(args, w.to.Unix())
	}
	if len(w.tags) > 0 {
		where += ` AND EXISTS (SELECT 1 FROM post_tags pt JOIN tags t ON t.id = pt.tag_id
			WHERE pt.post_id = p.id AND t.name IN (` + placeholders(len(w.tags)) + `))`
		for _, tag := range w.tags {
			args = append(args, tag)
		}
	}
	return where, args
}

// GetPublishedPost finds a published post by its archive date and slug.
func (s *Store) GetPublishedPost(blogSlug string, year, month, day int, slug string) (*model.Post, error) {
	q := DayQuery{Blog: blogSlug, Year: year, Month: month, Day: day}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	blog, err := s.GetBlogBySlug(blogSlug)
	if err != nil {
		return nil, err
	}

	// The whole day, unlike the day archive's listing bounds.
	from := time.Date(year, time.Month(month), day, 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)
	where, args := s.archiveWhere(blog.ID, window{from: &from, to: &to})
	posts, err := s.queryPosts("SELECT "+postColumns+" FROM posts p WHERE "+where+" AND p.slug = ?", append(args, slug)...)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, model.NotFound("get published post", "post", fmt.Sprintf("%s/%04d/%02d/%02d/%s", blogSlug, year, month, day, slug))
	}
	return posts[0], nil
}

// TagCounts returns the tags of a blog's published posts with usage counts,
// most used first. Ties keep the order in which tags were first created.
func (s *Store) TagCounts(blogSlug string) ([]model.TagCount, error) {
	blog, err := s.GetBlogBySlug(blogSlug)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT t.name, COUNT(*) FROM post_tags pt
		 JOIN tags t ON t.id = pt.tag_id
		 JOIN posts p ON p.id = pt.post_id
		 WHERE p.blog_id = ? AND `+publishedClause+`
		 GROUP BY t.id, t.name ORDER BY t.id`,
		blog.ID, s.now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag counts for %q: %w", blogSlug, err)
	}
	defer rows.Close()

	var counts []model.TagCount
	for rows.Next() {
		var tc model.TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan tag count: %w", err)
		}
		counts = append(counts, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Count > counts[j].Count
	})
	return counts, nil
}

// ArchiveMonths returns the months that have published posts, newest first.
func (s *Store) ArchiveMonths(blogSlug string) ([]model.Month, error) {
	blog, err := s.GetBlogBySlug(blogSlug)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		"SELECT p.published_at FROM posts p WHERE p.blog_id = ? AND "+publishedClause+" ORDER BY p.published_at DESC",
		blog.ID, s.now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive months for %q: %w", blogSlug, err)
	}
	defer rows.Close()

	var months []model.Month
	for rows.Next() {
		var unix int64
		if err := rows.Scan(&unix); err != nil {
			return nil, fmt.Errorf("failed to scan publish time: %w", err)
		}
		t := unixToTime(unix).In(s.loc)
		m := model.Month{Year: t.Year(), Month: t.Month()}
		if len(months) == 0 || months[len(months)-1] != m {
			months = append(months, m)
		}
	}
	return months, rows.Err()
}
