package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counter is the slice of post accounting the limiter reads. Expired rows are
// excluded by the window predicate rather than deleted, so stale entries can
// exist in the table without ever inflating the count.
type Counter interface {
	CountSuccessfulPostsSince(ctx context.Context, since time.Time) (int64, error)
	OldestSuccessfulPostSince(ctx context.Context, since time.Time) (*time.Time, error)
}

// Status is a point-in-time view of the posting window.
type Status struct {
	Used      int64      `json:"used"`
	Max       int        `json:"max"`
	Remaining int64      `json:"remaining"`
	WindowEnd time.Time  `json:"window_end"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// Limiter answers posting quota questions over a trailing window. It is a
// pure query over persisted state: asking twice without an intervening
// recorded post yields the same answer.
type Limiter struct {
	store  Counter
	max    int
	window time.Duration
	now    func() time.Time
}

// New builds a limiter. maxPosts and window come from configuration.
func New(store Counter, maxPosts int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		max:    maxPosts,
		window: window,
		now:    time.Now,
	}
}

// CanPost reports whether another post fits in the current window. A store
// failure fails closed: the caller sees not-allowed plus the error.
func (l *Limiter) CanPost(ctx context.Context) (bool, error) {
	since := l.now().Add(-l.window)
	count, err := l.store.CountSuccessfulPostsSince(ctx, since)
	if err != nil {
		return false, fmt.Errorf("ratelimit: count posts: %w", err)
	}
	return count < int64(l.max), nil
}

// Status reports window usage and, when the window is full or partially used,
// the instant the oldest in-window post ages out.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	now := l.now()
	since := now.Add(-l.window)

	count, err := l.store.CountSuccessfulPostsSince(ctx, since)
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: count posts: %w", err)
	}

	st := Status{
		Used:      count,
		Max:       l.max,
		Remaining: int64(l.max) - count,
		WindowEnd: now,
	}
	if st.Remaining < 0 {
		st.Remaining = 0
	}

	if count > 0 {
		oldest, err := l.store.OldestSuccessfulPostSince(ctx, since)
		if err != nil {
			return Status{}, fmt.Errorf("ratelimit: oldest post: %w", err)
		}
		if oldest != nil {
			reset := oldest.Add(l.window)
			st.ResetAt = &reset
		}
	}
	return st, nil
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Max returns the configured window capacity.
func (l *Limiter) Max() int {
	return l.max
}
