package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robertmeta/tumblelog/model"
)

// archivePattern matches archive paths like "2023", "2023/06", "2023/06/15"
var archivePattern = regexp.MustCompile(`^(\d{4})(?:/(\d{1,2})(?:/(\d{1,2}))?)?/?$`)

// detailPattern matches post paths like "2023/06/15/hello-world"
var detailPattern = regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})/([a-z0-9-]+)/?$`)

// ageUnits are the suffixes accepted by ParseAge, in days. Months and years
// are calendar-free approximations.
var ageUnits = map[byte]int{
	'd': 1,
	'w': 7,
	'm': 30,
	'y': 365,
}

// ParseAge parses a relative age such as "7d", "2w", "3m" or "1y".
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: age is empty", model.ErrInvalid)
	}

	days, ok := ageUnits[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf("%w: age %q needs a d, w, m or y suffix", model.ErrInvalid, s)
	}
	n, err := strconv.ParseUint(s[:len(s)-1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: age %q needs a whole number before its unit", model.ErrInvalid, s)
	}
	return time.Duration(n) * time.Duration(days) * 24 * time.Hour, nil
}

// AgeCutoff returns the Unix time that lies age before now.
func AgeCutoff(age string, now time.Time) (int64, error) {
	d, err := ParseAge(age)
	if err != nil {
		return 0, err
	}
	return now.Add(-d).Unix(), nil
}

// BuildQueryOptions constructs QueryOptions from CLI flags.
func BuildQueryOptions(blogID int64, kind string, limit, offset int, published bool, since string, now time.Time) (QueryOptions, error) {
	opts := QueryOptions{
		BlogID:        blogID,
		Limit:         limit,
		Offset:        offset,
		PublishedOnly: published,
	}

	if kind != "" {
		k, err := model.ParseKind(kind)
		if err != nil {
			return opts, err
		}
		opts.Kind = k
	}

	if since != "" {
		sinceUnix, err := AgeCutoff(since, now)
		if err != nil {
			return opts, fmt.Errorf("failed to parse --since flag: %w", err)
		}
		opts.SinceTime = &sinceUnix
	}

	return opts, nil
}

// ParseArchivePath builds the archive query addressed by a date path and tag
// filter. An empty path selects the whole blog; a tag filter cannot be
// combined with a date path.
func ParseArchivePath(blog, path, tags string) (ArchiveQuery, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	tagList := model.ParseTags(tags)

	if len(tagList) > 0 {
		if path != "" {
			return nil, fmt.Errorf("%w: tag filter cannot be combined with date path %q", model.ErrInvalid, path)
		}
		q := TagQuery{Blog: blog, Tags: tagList}
		return q, q.Validate()
	}

	if path == "" {
		q := IndexQuery{Blog: blog}
		return q, q.Validate()
	}

	m := archivePattern.FindStringSubmatch(path)
	if m == nil {
		return nil, fmt.Errorf("%w: invalid archive path %q (expected YYYY, YYYY/MM or YYYY/MM/DD)", model.ErrInvalid, path)
	}

	year, _ := strconv.Atoi(m[1])
	var q ArchiveQuery
	switch {
	case m[2] == "":
		q = YearQuery{Blog: blog, Year: year}
	case m[3] == "":
		month, _ := strconv.Atoi(m[2])
		q = MonthQuery{Blog: blog, Year: year, Month: month}
	default:
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		q = DayQuery{Blog: blog, Year: year, Month: month, Day: day}
	}
	return q, q.Validate()
}

// ParseDetailPath splits a post path "YYYY/MM/DD/slug" into its parts.
func ParseDetailPath(path string) (year, month, day int, slug string, err error) {
	m := detailPattern.FindStringSubmatch(strings.Trim(strings.TrimSpace(path), "/"))
	if m == nil {
		return 0, 0, 0, "", fmt.Errorf("%w: invalid post path %q (expected YYYY/MM/DD/slug)", model.ErrInvalid, path)
	}
	year, _ = strconv.Atoi(m[1])
	month, _ = strconv.Atoi(m[2])
	day, _ = strconv.Atoi(m[3])
	return year, month, day, m[4], nil
}
