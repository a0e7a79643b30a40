package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCounter struct {
	posts []time.Time
	err   error
}

func (f *fakeCounter) CountSuccessfulPostsSince(_ context.Context, since time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for _, ts := range f.posts {
		if !ts.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeCounter) OldestSuccessfulPostSince(_ context.Context, since time.Time) (*time.Time, error) {
	if f.err != nil {
		return nil, f.err
	}
	var oldest *time.Time
	for _, ts := range f.posts {
		if ts.Before(since) {
			continue
		}
		v := ts
		if oldest == nil || v.Before(*oldest) {
			oldest = &v
		}
	}
	return oldest, nil
}

func limiterAt(store Counter, max int, now time.Time) *Limiter {
	l := New(store, max, 24*time.Hour)
	l.now = func() time.Time { return now }
	return l
}

func TestCanPostEmptyWindow(t *testing.T) {
	l := limiterAt(&fakeCounter{}, 15, time.Now())

	ok, err := l.CanPost(context.Background())
	if err != nil {
		t.Fatalf("CanPost 报错: %v", err)
	}
	if !ok {
		t.Fatal("空窗口应允许发布")
	}
}

func TestCanPostWindowRollsOver(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCounter{}
	for i := 0; i < 15; i++ {
		store.posts = append(store.posts, base.Add(time.Duration(i)*time.Hour))
	}

	l := limiterAt(store, 15, base.Add(23*time.Hour))
	ok, err := l.CanPost(context.Background())
	if err != nil {
		t.Fatalf("CanPost 报错: %v", err)
	}
	if ok {
		t.Fatal("T+23h 时 15 条均在窗口内,应拒绝")
	}

	l.now = func() time.Time { return base.Add(25 * time.Hour) }
	ok, err = l.CanPost(context.Background())
	if err != nil {
		t.Fatalf("CanPost 报错: %v", err)
	}
	if !ok {
		t.Fatal("T+25h 时最早一条已过期,应允许")
	}
}

func TestCanPostPureQuery(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCounter{posts: []time.Time{base}}
	l := limiterAt(store, 1, base.Add(time.Hour))

	first, err := l.CanPost(context.Background())
	if err != nil {
		t.Fatalf("CanPost 报错: %v", err)
	}
	second, err := l.CanPost(context.Background())
	if err != nil {
		t.Fatalf("CanPost 报错: %v", err)
	}
	if first != second {
		t.Fatalf("连续两次查询结果不一致: %v vs %v", first, second)
	}
}

func TestCanPostFailsClosed(t *testing.T) {
	store := &fakeCounter{err: errors.New("connection refused")}
	l := limiterAt(store, 15, time.Now())

	ok, err := l.CanPost(context.Background())
	if err == nil {
		t.Fatal("存储故障应返回错误")
	}
	if ok {
		t.Fatal("存储故障时应视为已达上限")
	}
}

func TestStatusReportsWindow(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCounter{posts: []time.Time{
		base.Add(1 * time.Hour),
		base.Add(2 * time.Hour),
		base.Add(3 * time.Hour),
	}}
	l := limiterAt(store, 15, base.Add(4*time.Hour))

	st, err := l.Status(context.Background())
	if err != nil {
		t.Fatalf("Status 报错: %v", err)
	}
	if st.Used != 3 {
		t.Fatalf("used = %d, want 3", st.Used)
	}
	if st.Remaining != 12 {
		t.Fatalf("remaining = %d, want 12", st.Remaining)
	}
	if st.ResetAt == nil {
		t.Fatal("窗口非空时应给出重置时间")
	}
	wantReset := base.Add(1 * time.Hour).Add(24 * time.Hour)
	if !st.ResetAt.Equal(wantReset) {
		t.Fatalf("reset = %s, want %s", st.ResetAt, wantReset)
	}
}

func TestStatusClampsRemaining(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCounter{}
	for i := 0; i < 16; i++ {
		store.posts = append(store.posts, base.Add(time.Duration(i)*time.Minute))
	}
	l := limiterAt(store, 15, base.Add(time.Hour))

	st, err := l.Status(context.Background())
	if err != nil {
		t.Fatalf("Status 报错: %v", err)
	}
	if st.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", st.Remaining)
	}
}
