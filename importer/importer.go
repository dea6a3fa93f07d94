// Package importer pulls bookmarks from an external source into link posts,
// tracking progress with a per-importer watermark.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertmeta/tumblelog/logger"
	"github.com/robertmeta/tumblelog/model"
)

// DefaultLeaseTTL bounds how long a crashed run blocks the next one.
const DefaultLeaseTTL = 10 * time.Minute

// Source is an external bookmark service.
type Source interface {
	// LastUpdate probes the time the account last changed.
	LastUpdate(ctx context.Context) (time.Time, error)
	// PostsSince returns the records timestamped at or after since.
	PostsSince(ctx context.Context, since time.Time) ([]model.Bookmark, error)
}

// SourceFactory builds the Source for an importer record.
type SourceFactory func(imp *model.Importer) (Source, error)

// Store is the persistence the importer needs.
type Store interface {
	GetImporter(id int64) (*model.Importer, error)
	SavePost(p *model.Post) error
	UpdateWatermark(id int64, lastUpdate int64) error
	AcquireLease(id int64, owner string, ttl time.Duration) error
	ReleaseLease(id int64, owner string) error
}

// Result summarizes one run.
type Result struct {
	RunID          string                `json:"run_id"`
	Importer       int64                 `json:"importer"`
	AlreadyCurrent bool                  `json:"already_current"`
	Fetched        int                   `json:"fetched"`
	Created        int                   `json:"created"`
	Skipped        int                   `json:"skipped"`
	Failures       []model.RecordFailure `json:"failures,omitempty"`
	OldWatermark   int64                 `json:"old_watermark"`
	NewWatermark   int64                 `json:"new_watermark"`
}

// Importer runs imports against a Store.
type Importer struct {
	store    Store
	sources  SourceFactory
	leaseTTL time.Duration
	newRunID func() string
}

// Option configures an Importer.
type Option func(*Importer)

// WithLeaseTTL sets how long a run holds the importer lease.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(i *Importer) {
		if ttl > 0 {
			i.leaseTTL = ttl
		}
	}
}

// New creates an Importer.
func New(store Store, sources SourceFactory, opts ...Option) *Importer {
	i := &Importer{
		store:    store,
		sources:  sources,
		leaseTTL: DefaultLeaseTTL,
		newRunID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run imports new records for one importer record. A run that processed its
// batch but had record failures returns both the Result and an
// *model.ImportPartialFailure.
func (i *Importer) Run(ctx context.Context, importerID int64) (*Result, error) {
	runID := i.newRunID()
	if err := i.store.AcquireLease(importerID, runID, i.leaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := i.store.ReleaseLease(importerID, runID); err != nil {
			logger.ErrorWithFields("failed to release importer lease", logger.Fields{
				"run_id":   runID,
				"importer": importerID,
				"error":    err.Error(),
			})
		}
	}()

	// The watermark must be read under the lease.
	imp, err := i.store.GetImporter(importerID)
	if err != nil {
		return nil, err
	}
	src, err := i.sources(imp)
	if err != nil {
		return nil, fmt.Errorf("importer %d: failed to build source: %w", importerID, err)
	}

	res := &Result{
		RunID:        runID,
		Importer:     importerID,
		OldWatermark: imp.LastUpdate,
		NewWatermark: imp.LastUpdate,
	}

	reported, err := src.LastUpdate(ctx)
	if err != nil {
		return res, err
	}
	if reported.Unix() <= imp.LastUpdate {
		res.AlreadyCurrent = true
		logger.DebugWithFields("importer already current", logger.Fields{
			"run_id":    runID,
			"importer":  importerID,
			"watermark": imp.LastUpdate,
			"reported":  reported.Unix(),
		})
		return res, nil
	}

	records, err := src.PostsSince(ctx, imp.LastUpdateTime())
	if err != nil {
		return res, err
	}
	res.Fetched = len(records)
	if len(records) == 0 {
		logger.WarnWithFields("source reported an update but returned no records", logger.Fields{
			"run_id":    runID,
			"importer":  importerID,
			"watermark": imp.LastUpdate,
			"reported":  reported.Unix(),
		})
		return res, fmt.Errorf("importer %d: reported update %s after watermark %d: %w",
			importerID, reported.UTC().Format(time.RFC3339), imp.LastUpdate, model.ErrInconsistentSource)
	}

	// Oldest first so imported posts get ids in publish order
	sort.SliceStable(records, func(a, b int) bool {
		return records[a].Time.Before(records[b].Time)
	})

	for _, rec := range records {
		err := i.save(imp, rec)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, model.ErrDuplicate):
			res.Skipped++
		default:
			res.Failures = append(res.Failures, model.RecordFailure{URL: rec.URL, Time: rec.Time, Err: err})
			logger.ErrorWithFields("failed to import record", logger.Fields{
				"run_id":   runID,
				"importer": importerID,
				"href":     rec.URL,
				"error":    err.Error(),
			})
		}
	}

	res.NewWatermark = nextWatermark(imp.LastUpdate, records, res.Failures)
	if res.NewWatermark != imp.LastUpdate {
		if err := i.store.UpdateWatermark(importerID, res.NewWatermark); err != nil {
			res.NewWatermark = imp.LastUpdate
			return res, fmt.Errorf("importer %d: failed to advance watermark: %w", importerID, err)
		}
	}

	logger.InfoWithFields("import finished", logger.Fields{
		"run_id":    runID,
		"importer":  importerID,
		"fetched":   res.Fetched,
		"created":   res.Created,
		"skipped":   res.Skipped,
		"failed":    len(res.Failures),
		"watermark": res.NewWatermark,
	})

	if len(res.Failures) > 0 {
		return res, &model.ImportPartialFailure{Importer: importerID, Failures: res.Failures}
	}
	return res, nil
}

// RunAll runs the given importers with at most concurrency runs in flight.
// Each importer holds its own lease, so runs for different importers do not
// contend. Failures of one importer do not stop the others. Results and
// errors are in the order of ids; a result is nil when its run failed before
// producing one.
func (i *Importer) RunAll(ctx context.Context, ids []int64, concurrency int) ([]*Result, []error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]*Result, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for n, id := range ids {
		wg.Add(1)
		go func(n int, id int64) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[n] = err
				return
			}
			results[n], errs[n] = i.Run(ctx, id)
		}(n, id)
	}

	wg.Wait()
	return results, errs
}

func (i *Importer) save(imp *model.Importer, rec model.Bookmark) error {
	p, err := MapBookmark(imp.BlogID, rec)
	if err != nil {
		return err
	}
	return i.store.SavePost(p)
}

// MapBookmark converts an external record to a published link post.
func MapBookmark(blogID int64, rec model.Bookmark) (*model.Post, error) {
	url := strings.TrimSpace(rec.URL)
	title := strings.TrimSpace(rec.Description)
	if url == "" {
		return nil, fmt.Errorf("%w: record has no URL", model.ErrInvalid)
	}
	if title == "" {
		return nil, fmt.Errorf("%w: record %s has no description", model.ErrInvalid, url)
	}
	if rec.Time.IsZero() {
		return nil, fmt.Errorf("%w: record %s has no time", model.ErrInvalid, url)
	}

	p := model.NewLinkPost(blogID, title, url, rec.Extended)
	p.Tags = model.ParseTags(rec.Tag)
	at := rec.Time.UTC().Truncate(time.Second)
	p.PublishedAt = &at
	p.SourceKey = rec.SourceKey()
	return p, nil
}

// nextWatermark computes the watermark after a processed batch. Without
// failures it moves one second past the newest record. With failures it
// stops one second before the oldest failed record so that record is fetched
// again; it never moves backwards.
func nextWatermark(old int64, records []model.Bookmark, failures []model.RecordFailure) int64 {
	next := old
	if len(failures) > 0 {
		minFailed := failures[0].Time.Unix()
		for _, f := range failures[1:] {
			if t := f.Time.Unix(); t < minFailed {
				minFailed = t
			}
		}
		if minFailed-1 > next {
			next = minFailed - 1
		}
		return next
	}

	for _, rec := range records {
		if t := rec.Time.Unix() + 1; t > next {
			next = t
		}
	}
	return next
}
