package importer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/robertmeta/tumblelog/model"
	"github.com/robertmeta/tumblelog/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a fixed batch and records what it was asked for.
type fakeSource struct {
	update     time.Time
	records    []model.Bookmark
	updateErr  error
	fetchErr   error
	fetched    int
	fetchSince time.Time
}

func (f *fakeSource) LastUpdate(ctx context.Context) (time.Time, error) {
	return f.update, f.updateErr
}

func (f *fakeSource) PostsSince(ctx context.Context, since time.Time) ([]model.Bookmark, error) {
	f.fetched++
	f.fetchSince = since
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []model.Bookmark
	for _, r := range f.records {
		if !r.Time.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeStore keeps one importer in memory and can fail chosen saves.
type fakeStore struct {
	importer *model.Importer
	posts    []*model.Post
	keys     map[string]bool
	failURLs map[string]bool
	lease    string
	released bool

	// onAcquire runs once the lease is taken, standing in for a run that
	// finished just before this one.
	onAcquire func()
}

func newFakeStore(watermark int64) *fakeStore {
	return &fakeStore{
		importer: &model.Importer{ID: 1, BlogID: 7, Source: model.SourceAPI, Username: "alice", LastUpdate: watermark},
		keys:     map[string]bool{},
		failURLs: map[string]bool{},
	}
}

func (s *fakeStore) GetImporter(id int64) (*model.Importer, error) {
	if id != s.importer.ID {
		return nil, model.NotFound("get importer", "importer", id)
	}
	imp := *s.importer
	return &imp, nil
}

func (s *fakeStore) SavePost(p *model.Post) error {
	if s.failURLs[p.Link.URL] {
		return errors.New("disk full")
	}
	if s.keys[p.SourceKey] {
		return fmt.Errorf("post %q: %w", p.Title, model.ErrDuplicate)
	}
	s.keys[p.SourceKey] = true
	p.ID = int64(len(s.posts) + 1)
	s.posts = append(s.posts, p)
	return nil
}

func (s *fakeStore) UpdateWatermark(id int64, lastUpdate int64) error {
	s.importer.LastUpdate = lastUpdate
	return nil
}

func (s *fakeStore) AcquireLease(id int64, owner string, ttl time.Duration) error {
	if id != s.importer.ID {
		return model.NotFound("acquire lease", "importer", id)
	}
	if s.lease != "" && s.lease != owner {
		return fmt.Errorf("importer %d: %w", id, model.ErrLeaseHeld)
	}
	s.lease = owner
	if s.onAcquire != nil {
		s.onAcquire()
	}
	return nil
}

func (s *fakeStore) ReleaseLease(id int64, owner string) error {
	if s.lease == owner {
		s.lease = ""
		s.released = true
	}
	return nil
}

func at(unix int64) time.Time { return time.Unix(unix, 0).UTC() }

func record(unix int64) model.Bookmark {
	return model.Bookmark{
		URL:         fmt.Sprintf("https://example.com/%d", unix),
		Description: fmt.Sprintf("Bookmark %d", unix),
		Extended:    "notes",
		Tag:         "go web",
		Time:        at(unix),
	}
}

func newTestImporter(st Store, src Source) *Importer {
	return New(st, func(*model.Importer) (Source, error) { return src, nil })
}

func TestRun_AlreadyCurrent(t *testing.T) {
	st := newFakeStore(100)
	src := &fakeSource{update: at(100), records: []model.Bookmark{record(100)}}

	res, err := newTestImporter(st, src).Run(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, res.AlreadyCurrent)
	assert.Zero(t, src.fetched, "no fetch when the source is not newer")
	assert.Empty(t, st.posts)
	assert.Equal(t, int64(100), st.importer.LastUpdate)
	assert.True(t, st.released)
}

func TestRun_AllRecordsImported(t *testing.T) {
	st := newFakeStore(100)
	src := &fakeSource{update: at(150), records: []model.Bookmark{record(150), record(110), record(130)}}

	res, err := newTestImporter(st, src).Run(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, at(100), src.fetchSince)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, int64(151), res.NewWatermark)
	assert.Equal(t, int64(151), st.importer.LastUpdate)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, st.posts, 3)
	first := st.posts[0]
	assert.Equal(t, model.KindLink, first.Kind)
	assert.Equal(t, "Bookmark 110", first.Title)
	assert.Equal(t, "https://example.com/110", first.Link.URL)
	assert.Equal(t, "notes", first.Link.Description)
	assert.Equal(t, []string{"go", "web"}, first.Tags)
	assert.Equal(t, at(110), *first.PublishedAt)
	assert.Equal(t, model.HashURL("https://example.com/110"), first.SourceKey)
	assert.Equal(t, int64(7), first.BlogID)
}

func TestRun_PartialFailureHoldsWatermark(t *testing.T) {
	st := newFakeStore(100)
	st.failURLs["https://example.com/130"] = true
	src := &fakeSource{update: at(150), records: []model.Bookmark{record(110), record(130), record(150)}}
	imp := newTestImporter(st, src)

	res, err := imp.Run(context.Background(), 1)

	var partial *model.ImportPartialFailure
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, int64(1), partial.Importer)
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, "https://example.com/130", partial.Failures[0].URL)

	assert.Equal(t, 2, res.Created)
	assert.Equal(t, int64(129), st.importer.LastUpdate)

	// The retry picks up only the failed record
	delete(st.failURLs, "https://example.com/130")
	res, err = imp.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, at(129), src.fetchSince)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(151), st.importer.LastUpdate)
	assert.Len(t, st.posts, 3)
}

func TestRun_InvalidRecordIsAFailure(t *testing.T) {
	st := newFakeStore(100)
	bad := record(120)
	bad.Description = "  "
	src := &fakeSource{update: at(150), records: []model.Bookmark{record(110), bad}}

	res, err := newTestImporter(st, src).Run(context.Background(), 1)

	var partial *model.ImportPartialFailure
	require.True(t, errors.As(err, &partial))
	assert.ErrorIs(t, partial.Failures[0].Err, model.ErrInvalid)
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, int64(119), st.importer.LastUpdate)
}

func TestRun_WatermarkReadUnderLease(t *testing.T) {
	st := newFakeStore(100)
	st.onAcquire = func() { st.importer.LastUpdate = 151 }
	st.failURLs["https://example.com/130"] = true
	src := &fakeSource{update: at(150), records: []model.Bookmark{record(110), record(130), record(150)}}

	res, err := newTestImporter(st, src).Run(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, res.AlreadyCurrent)
	assert.Equal(t, int64(151), res.OldWatermark)
	assert.Equal(t, 0, src.fetched)
	assert.Equal(t, int64(151), st.importer.LastUpdate)
}

func TestRun_FailureAfterConcurrentAdvance(t *testing.T) {
	st := newFakeStore(100)
	st.onAcquire = func() { st.importer.LastUpdate = 151 }
	st.failURLs["https://example.com/170"] = true
	src := &fakeSource{update: at(200), records: []model.Bookmark{
		record(110), record(130), record(150), record(160), record(170),
	}}

	res, err := newTestImporter(st, src).Run(context.Background(), 1)

	var partial *model.ImportPartialFailure
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, at(151), src.fetchSince)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, int64(169), st.importer.LastUpdate)
	assert.GreaterOrEqual(t, st.importer.LastUpdate, res.OldWatermark)
}

func TestRun_EmptyBatchIsInconsistent(t *testing.T) {
	st := newFakeStore(100)
	src := &fakeSource{update: at(150)}

	res, err := newTestImporter(st, src).Run(context.Background(), 1)

	assert.ErrorIs(t, err, model.ErrInconsistentSource)
	assert.Equal(t, 1, src.fetched)
	assert.Equal(t, int64(100), res.NewWatermark)
	assert.Equal(t, int64(100), st.importer.LastUpdate)
}

func TestRun_FetchErrorLeavesWatermark(t *testing.T) {
	st := newFakeStore(100)
	fetchErr := &model.ExternalFetchError{Op: "posts/all", URL: "https://api.example/posts/all", Attempts: 3, Err: errors.New("timeout")}
	src := &fakeSource{update: at(150), fetchErr: fetchErr}

	_, err := newTestImporter(st, src).Run(context.Background(), 1)

	var got *model.ExternalFetchError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, int64(100), st.importer.LastUpdate)
	assert.True(t, st.released, "lease released after a failed run")
}

func TestRun_ProbeError(t *testing.T) {
	st := newFakeStore(100)
	src := &fakeSource{updateErr: &model.ExternalProtocolError{Op: "posts/update", Err: errors.New("bad xml")}}

	_, err := newTestImporter(st, src).Run(context.Background(), 1)

	var got *model.ExternalProtocolError
	assert.True(t, errors.As(err, &got))
	assert.Zero(t, src.fetched)
}

func TestRun_LeaseHeld(t *testing.T) {
	st := newFakeStore(100)
	st.lease = "other-run"
	src := &fakeSource{update: at(150), records: []model.Bookmark{record(110)}}

	_, err := newTestImporter(st, src).Run(context.Background(), 1)

	assert.ErrorIs(t, err, model.ErrLeaseHeld)
	assert.Empty(t, st.posts)
	assert.Equal(t, "other-run", st.lease)
}

func TestRun_UnknownImporter(t *testing.T) {
	st := newFakeStore(100)
	_, err := newTestImporter(st, &fakeSource{}).Run(context.Background(), 42)
	assert.True(t, model.IsNotFound(err))
}

func TestRun_SourceFactoryError(t *testing.T) {
	st := newFakeStore(100)
	imp := New(st, func(*model.Importer) (Source, error) { return nil, errors.New("no credentials") })

	_, err := imp.Run(context.Background(), 1)
	assert.ErrorContains(t, err, "no credentials")
	assert.Empty(t, st.lease)
}

func TestRunAll(t *testing.T) {
	st := newFakeStore(100)
	src := &fakeSource{update: at(150), records: []model.Bookmark{record(110)}}

	results, errs := newTestImporter(st, src).RunAll(context.Background(), []int64{1, 99}, 1)

	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.True(t, model.IsNotFound(errs[1]))
	require.Len(t, results, 2)
	require.NotNil(t, results[0])
	assert.Equal(t, 1, results[0].Created)
	assert.Nil(t, results[1])
}

func TestRunAll_Concurrent(t *testing.T) {
	s, err := store.New(":memory:", store.WithClock(model.FixedClock(at(200))))
	require.NoError(t, err)
	defer s.Close()

	var ids []int64
	sources := map[int64]Source{}
	for n := 0; n < 4; n++ {
		blog := &model.Blog{Slug: fmt.Sprintf("blog-%d", n), Title: "Blog"}
		require.NoError(t, s.SaveBlog(blog))
		rec := &model.Importer{BlogID: blog.ID, Source: model.SourceAPI, Username: "alice", LastUpdate: 100}
		require.NoError(t, s.SaveImporter(rec))
		ids = append(ids, rec.ID)
		sources[rec.ID] = &fakeSource{update: at(150), records: []model.Bookmark{record(110), record(130)}}
	}

	imp := New(s, func(m *model.Importer) (Source, error) { return sources[m.ID], nil })
	results, errs := imp.RunAll(context.Background(), ids, 2)
	for _, err := range errs {
		require.NoError(t, err)
	}

	for n, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, ids[n], res.Importer)
		assert.Equal(t, 2, res.Created)
		assert.Equal(t, int64(131), res.NewWatermark)
	}
}

func TestNextWatermark(t *testing.T) {
	records := []model.Bookmark{record(110), record(130), record(150)}

	tests := []struct {
		name     string
		old      int64
		failures []model.RecordFailure
		want     int64
	}{
		{name: "all ok", old: 100, want: 151},
		{name: "middle failed", old: 100, failures: []model.RecordFailure{{Time: at(130)}}, want: 129},
		{name: "oldest failure wins", old: 100, failures: []model.RecordFailure{{Time: at(150)}, {Time: at(110)}}, want: 109},
		{name: "never moves back", old: 140, failures: []model.RecordFailure{{Time: at(130)}}, want: 140},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextWatermark(tt.old, records, tt.failures))
		})
	}
}

func TestRun_WithStore(t *testing.T) {
	s, err := store.New(":memory:", store.WithClock(model.FixedClock(at(200))))
	require.NoError(t, err)
	defer s.Close()

	blog := &model.Blog{Slug: "links", Title: "Links"}
	require.NoError(t, s.SaveBlog(blog))
	rec := &model.Importer{BlogID: blog.ID, Source: model.SourceAPI, Username: "alice", LastUpdate: 100}
	require.NoError(t, s.SaveImporter(rec))

	src := &fakeSource{update: at(150), records: []model.Bookmark{record(110), record(130), record(150)}}
	imp := New(s, func(*model.Importer) (Source, error) { return src, nil }, WithLeaseTTL(time.Minute))

	res, err := imp.Run(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)

	// A forced refetch of the same data creates nothing new
	require.NoError(t, s.UpdateWatermark(rec.ID, 100))
	res, err = imp.Run(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 3, res.Skipped)

	page, err := s.Archive(store.TagQuery{Blog: "links", Tags: []string{"web"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "Bookmark 150", page.Posts[0].Title)

	// The lease was released, so another owner can take it
	assert.NoError(t, s.AcquireLease(rec.ID, "someone-else", time.Minute))
}
