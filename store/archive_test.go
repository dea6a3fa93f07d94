package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/robertmeta/tumblelog/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var archiveNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// publishAt saves a text post published at the given time.
func publishAt(t *testing.T, s *Store, blog *model.Blog, title string, at time.Time, tags ...string) *model.Post {
	t.Helper()
	p := model.NewTextPost(blog.ID, title, "")
	p.Tags = tags
	p.PublishedAt = &at
	require.NoError(t, s.SavePost(p))
	return p
}

func titles(page *Page) []string {
	var out []string
	for _, p := range page.Posts {
		out = append(out, p.Title)
	}
	return out
}

func TestArchive_Year(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")

	publishAt(t, s, blog, "before", time.Date(2022, 12, 31, 23, 59, 59, 0, time.UTC))
	publishAt(t, s, blog, "first", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "last", time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC))
	publishAt(t, s, blog, "after", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	page, err := s.Archive(YearQuery{Blog: "b", Year: 2023}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"last", "first"}, titles(page))
	assert.Equal(t, "posted during 2023", page.View)
}

func TestArchive_MonthDecemberRollsOver(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")

	publishAt(t, s, blog, "jan 2023", time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "nov end", time.Date(2023, 11, 30, 23, 59, 59, 0, time.UTC))
	publishAt(t, s, blog, "dec start", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "dec end", time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC))
	publishAt(t, s, blog, "jan 2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	page, err := s.Archive(MonthQuery{Blog: "b", Year: 2023, Month: 12}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"dec end", "dec start"}, titles(page))

	page, err = s.Archive(MonthQuery{Blog: "b", Year: 2023, Month: 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"jan 2023"}, titles(page))
}

func TestArchive_DayInclusiveMinuteBoundary(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")

	publishAt(t, s, blog, "previous day", time.Date(2023, 6, 14, 23, 59, 59, 0, time.UTC))
	publishAt(t, s, blog, "midnight", time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "noon", time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "23:59:00", time.Date(2023, 6, 15, 23, 59, 0, 0, time.UTC))
	publishAt(t, s, blog, "23:59:30", time.Date(2023, 6, 15, 23, 59, 30, 0, time.UTC))
	publishAt(t, s, blog, "next day", time.Date(2023, 6, 16, 0, 0, 0, 0, time.UTC))

	page, err := s.Archive(DayQuery{Blog: "b", Year: 2023, Month: 6, Day: 15}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"23:59:00", "noon", "midnight"}, titles(page))
}

func TestArchive_Location(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := newTestStore(t, model.FixedClock(archiveNow), WithLocation(loc))
	blog := newTestBlog(t, s, "b")

	// 2023-06-14 22:30 UTC is already the 15th at UTC+2
	publishAt(t, s, blog, "late", time.Date(2023, 6, 14, 22, 30, 0, 0, time.UTC))

	page, err := s.Archive(DayQuery{Blog: "b", Year: 2023, Month: 6, Day: 15}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, titles(page))
}

func TestArchive_OnlyPublished(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")

	require.NoError(t, s.SavePost(model.NewTextPost(blog.ID, "draft", "")))
	publishAt(t, s, blog, "future", archiveNow.Add(time.Second))
	publishAt(t, s, blog, "now", archiveNow)
	publishAt(t, s, blog, "past", archiveNow.Add(-time.Hour))

	page, err := s.Archive(IndexQuery{Blog: "b"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"now", "past"}, titles(page))
	assert.Equal(t, 2, page.Total)
}

func TestArchive_OtherBlogsExcluded(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	mine := newTestBlog(t, s, "mine")
	theirs := newTestBlog(t, s, "theirs")

	publishAt(t, s, mine, "mine", archiveNow.Add(-time.Hour))
	publishAt(t, s, theirs, "theirs", archiveNow.Add(-time.Hour))

	page, err := s.Archive(IndexQuery{Blog: "mine"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, titles(page))
}

func TestArchive_Tag(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")

	publishAt(t, s, blog, "go", archiveNow.Add(-3*time.Hour), "go")
	publishAt(t, s, blog, "web", archiveNow.Add(-2*time.Hour), "web", "html")
	publishAt(t, s, blog, "both", archiveNow.Add(-1*time.Hour), "go", "web")
	publishAt(t, s, blog, "neither", archiveNow.Add(-4*time.Hour), "rust")
	draft := model.NewTextPost(blog.ID, "draft go", "")
	draft.Tags = []string{"go"}
	require.NoError(t, s.SavePost(draft))

	page, err := s.Archive(TagQuery{Blog: "b", Tags: []string{"Go"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"both", "go"}, titles(page))

	page, err = s.Archive(TagQuery{Blog: "b", Tags: []string{"go", "web"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"both", "web", "go"}, titles(page), "any of the tags matches")
	assert.Equal(t, "tagged: 'go web'", page.View)

	page, err = s.Archive(TagQuery{Blog: "b", Tags: []string{"unused"}}, 1)
	require.NoError(t, err)
	assert.Empty(t, page.Posts)
}

func TestArchive_Pagination(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow), WithPageSize(10))
	blog := newTestBlog(t, s, "b")

	for i := 0; i < 25; i++ {
		publishAt(t, s, blog, fmt.Sprintf("post %02d", i), archiveNow.Add(-time.Duration(i)*time.Hour))
	}

	first, err := s.Archive(IndexQuery{Blog: "b"}, 1)
	require.NoError(t, err)
	assert.Len(t, first.Posts, 10)
	assert.Equal(t, 25, first.Total)
	assert.Equal(t, 3, first.NumPages)
	assert.Equal(t, "post 00", first.Posts[0].Title, "newest first")
	assert.True(t, first.HasNext())
	assert.False(t, first.HasPrevious())

	second, err := s.Archive(IndexQuery{Blog: "b"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "post 10", second.Posts[0].Title)

	last, err := s.Archive(IndexQuery{Blog: "b"}, 3)
	require.NoError(t, err)
	assert.Len(t, last.Posts, 5)
	assert.False(t, last.HasNext())
	assert.True(t, last.HasPrevious())

	_, err = s.Archive(IndexQuery{Blog: "b"}, 4)
	assert.True(t, model.IsNotFound(err))

	_, err = s.Archive(IndexQuery{Blog: "b"}, 0)
	assert.True(t, model.IsNotFound(err))
}

func TestArchive_PageOutOfRange(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")
	publishAt(t, s, blog, "only", archiveNow.Add(-time.Hour))

	_, err := s.Archive(IndexQuery{Blog: "b"}, 99)
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "page", nf.Kind)
	assert.Equal(t, "99", nf.ID)
	assert.Contains(t, nf.Op, "archive b")
}

func TestArchive_EmptyFirstPage(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	newTestBlog(t, s, "b")

	page, err := s.Archive(YearQuery{Blog: "b", Year: 2001}, 1)
	require.NoError(t, err)
	assert.Empty(t, page.Posts)
	assert.Equal(t, 1, page.NumPages)

	_, err = s.Archive(YearQuery{Blog: "b", Year: 2001}, 2)
	assert.True(t, model.IsNotFound(err))
}

func TestArchive_UnknownBlogAndInvalidQuery(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))

	_, err := s.Archive(IndexQuery{Blog: "nope"}, 1)
	assert.True(t, model.IsNotFound(err))

	_, err = s.Archive(MonthQuery{Blog: "nope", Year: 2023, Month: 13}, 1)
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = s.Archive(TagQuery{Blog: "nope"}, 1)
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestStore_GetPublishedPost(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")
	p := publishAt(t, s, blog, "Hello World", time.Date(2023, 6, 15, 9, 0, 0, 0, time.UTC))

	got, err := s.GetPublishedPost("b", 2023, 6, 15, "hello-world")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = s.GetPublishedPost("b", 2023, 6, 16, "hello-world")
	assert.True(t, model.IsNotFound(err), "wrong day")

	draft := model.NewTextPost(blog.ID, "Draft", "")
	require.NoError(t, s.SavePost(draft))
	_, err = s.GetPublishedPost("b", 2023, 6, 15, "draft")
	assert.True(t, model.IsNotFound(err), "drafts are never public")
}

func TestStore_GetPublishedPost_LastMinuteOfDay(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")
	late := publishAt(t, s, blog, "Late Night", time.Date(2023, 6, 15, 23, 59, 30, 0, time.UTC))
	publishAt(t, s, blog, "Next Day", time.Date(2023, 6, 16, 0, 0, 0, 0, time.UTC))

	got, err := s.GetPublishedPost("b", 2023, 6, 15, "late-night")
	require.NoError(t, err)
	assert.Equal(t, late.ID, got.ID)

	_, err = s.GetPublishedPost("b", 2023, 6, 15, "next-day")
	assert.True(t, model.IsNotFound(err), "midnight belongs to the next day")

	got, err = s.GetPublishedPost("b", 2023, 6, 16, "next-day")
	require.NoError(t, err)
	assert.Equal(t, "Next Day", got.Title)
}

func TestStore_TagCounts(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")
	hour := time.Hour

	publishAt(t, s, blog, "1", archiveNow.Add(-1*hour), "alpha", "beta")
	publishAt(t, s, blog, "2", archiveNow.Add(-2*hour), "gamma", "beta")
	publishAt(t, s, blog, "3", archiveNow.Add(-3*hour), "gamma", "delta")
	publishAt(t, s, blog, "4", archiveNow.Add(-4*hour), "gamma")
	publishAt(t, s, blog, "future", archiveNow.Add(hour), "alpha", "alpha2")

	counts, err := s.TagCounts("b")
	require.NoError(t, err)
	assert.Equal(t, []model.TagCount{
		{Name: "gamma", Count: 3},
		{Name: "beta", Count: 2},
		{Name: "alpha", Count: 1},
		{Name: "delta", Count: 1},
	}, counts)

	_, err = s.TagCounts("nope")
	assert.True(t, model.IsNotFound(err))
}

func TestStore_ArchiveMonths(t *testing.T) {
	s := newTestStore(t, model.FixedClock(archiveNow))
	blog := newTestBlog(t, s, "b")

	publishAt(t, s, blog, "a", time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "b", time.Date(2023, 12, 1, 10, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "c", time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "d", time.Date(2023, 6, 3, 10, 0, 0, 0, time.UTC))
	publishAt(t, s, blog, "future", time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))

	months, err := s.ArchiveMonths("b")
	require.NoError(t, err)
	assert.Equal(t, []model.Month{
		{Year: 2024, Month: time.February},
		{Year: 2023, Month: time.December},
		{Year: 2023, Month: time.June},
	}, months)
	assert.Equal(t, "2024/02", months[0].String())
}
