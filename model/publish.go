package model

import "time"

// Clock is the time source for publication and modification timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// IsPublished reports whether the post is visible at now. A post with no
// publish time, or one in the future, is unpublished. Equality counts as
// published.
func (p *Post) IsPublished(now time.Time) bool {
	return p.PublishedAt != nil && !p.PublishedAt.After(now)
}

// Publish sets the publish time. A zero at means now, read from clock.
// Persisting is up to the caller.
func (p *Post) Publish(at time.Time, clock Clock) {
	if at.IsZero() {
		at = clock.Now()
	}
	at = at.Truncate(time.Second)
	p.PublishedAt = &at
}
