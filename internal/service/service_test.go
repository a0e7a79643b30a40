package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/config"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/publisher"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ratelimit"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/tiers"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/twitter"
)

type fakeStore struct {
	mu sync.Mutex

	sales []storage.SaleEvent
	bands []storage.TierBand
	posts []storage.PostRecord
	state storage.SchedulerState

	nextSaleID int64
	nextPostID int64

	replaceCalls int
}

func (f *fakeStore) InsertSaleEvents(_ context.Context, events []storage.SaleEvent) ([]storage.SaleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := make([]storage.SaleEvent, 0, len(events))
	for _, ev := range events {
		if f.hasTxLocked(ev.TxID) {
			continue
		}
		f.nextSaleID++
		ev.ID = f.nextSaleID
		f.sales = append(f.sales, ev)
		inserted = append(inserted, ev)
	}
	return inserted, nil
}

func (f *fakeStore) hasTxLocked(txID string) bool {
	for _, s := range f.sales {
		if s.TxID == txID {
			return true
		}
	}
	return false
}

func (f *fakeStore) ExistingTxIDs(_ context.Context, txIDs []string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	for _, id := range txIDs {
		if f.hasTxLocked(id) {
			seen[id] = struct{}{}
		}
	}
	return seen, nil
}

func (f *fakeStore) GetSaleByTxID(_ context.Context, txID string) (storage.SaleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sales {
		if s.TxID == txID {
			return s, nil
		}
	}
	return storage.SaleEvent{}, pgx.ErrNoRows
}

func (f *fakeStore) ListRecentSales(_ context.Context, limit int, posted *bool) ([]storage.SaleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.SaleEvent, 0, limit)
	for i := len(f.sales) - 1; i >= 0 && len(out) < limit; i-- {
		if posted != nil && f.sales[i].Posted != *posted {
			continue
		}
		out = append(out, f.sales[i])
	}
	return out, nil
}

func (f *fakeStore) ListSalesBetween(_ context.Context, from, to time.Time) ([]storage.SaleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.SaleEvent
	for _, s := range f.sales {
		if !s.OccurredAt.Before(from) && s.OccurredAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkSalePosted(_ context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.sales {
		if f.sales[i].TxID == txID {
			f.sales[i].Posted = true
			return nil
		}
	}
	return nil
}

func (f *fakeStore) CountSalesSince(_ context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sales {
		if !s.IngestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListTierBands(_ context.Context) ([]storage.TierBand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.TierBand, len(f.bands))
	copy(out, f.bands)
	return out, nil
}

func (f *fakeStore) ReplaceTierBands(_ context.Context, category string, bands []storage.TierBand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceCalls++
	kept := f.bands[:0:0]
	for _, b := range f.bands {
		if b.Category != category {
			kept = append(kept, b)
		}
	}
	f.bands = append(kept, bands...)
	return nil
}

func (f *fakeStore) InsertPostRecord(_ context.Context, rec storage.PostRecord) (storage.PostRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPostID++
	rec.ID = f.nextPostID
	f.posts = append(f.posts, rec)
	return rec, nil
}

func (f *fakeStore) CountSuccessfulPostsSince(_ context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, p := range f.posts {
		if p.Success && !p.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountFailedPostsSince(_ context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, p := range f.posts {
		if !p.Success && !p.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) OldestSuccessfulPostSince(_ context.Context, since time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *time.Time
	for _, p := range f.posts {
		if !p.Success || p.AttemptedAt.Before(since) {
			continue
		}
		at := p.AttemptedAt
		if oldest == nil || at.Before(*oldest) {
			oldest = &at
		}
	}
	return oldest, nil
}

func (f *fakeStore) ListRecentPosts(_ context.Context, limit int) ([]storage.PostRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.PostRecord, 0, limit)
	for i := len(f.posts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.posts[i])
	}
	return out, nil
}

func (f *fakeStore) GetSchedulerState(_ context.Context) (storage.SchedulerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeStore) SaveSchedulerTick(_ context.Context, cursorHeight int64, errorCount int, tickAt time.Time, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cursorHeight > f.state.CursorHeight {
		f.state.CursorHeight = cursorHeight
	}
	f.state.ErrorCount = errorCount
	f.state.LastTickAt = &tickAt
	f.state.LastError = lastError
	return nil
}

func (f *fakeStore) SetSchedulerRunState(_ context.Context, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.State = state
	return nil
}

func (f *fakeStore) ResetSchedulerErrors(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ErrorCount = 0
	f.state.LastError = nil
	return nil
}

func (f *fakeStore) ResetScheduler(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.State = storage.StateStopped
	f.state.ErrorCount = 0
	f.state.LastError = nil
	return nil
}

func (f *fakeStore) seedPosts(n int, at time.Time) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("seed-%d", i)
		f.posts = append(f.posts, storage.PostRecord{
			ID: int64(i + 1), TxID: id, Success: true, ExternalID: &id,
			Origin: storage.OriginAuto, AttemptedAt: at,
		})
	}
	f.nextPostID = int64(n)
}

type fakeFetcher struct {
	events []storage.SaleEvent
	cursor int64
	err    error
	calls  int
}

func (f *fakeFetcher) FetchSalesSince(_ context.Context, cursor int64) ([]storage.SaleEvent, int64, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	next := f.cursor
	if next == 0 {
		next = cursor
	}
	return f.events, next, nil
}

type fakePoster struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakePoster) Post(_ context.Context, _ twitter.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("tweet-%d", n), nil
}

func bandOf(category string, idx int, name, min, max, native string) storage.TierBand {
	band := storage.TierBand{
		Category:  category,
		Index:     idx,
		Name:      name,
		MinUSD:    decimal.RequireFromString(min),
		MinNative: decimal.RequireFromString(native),
	}
	if max != "" {
		m := decimal.RequireFromString(max)
		band.MaxUSD = &m
	}
	return band
}

func saleLadder() []storage.TierBand {
	return []storage.TierBand{
		bandOf(storage.CategorySale, 0, "standard", "0", "10000", "0.1"),
		bandOf(storage.CategorySale, 1, "notable", "10000", "40000", "0.3"),
		bandOf(storage.CategorySale, 2, "premium", "40000", "100000", "0.5"),
		bandOf(storage.CategorySale, 3, "legendary", "100000", "", "1"),
	}
}

func saleAt(tx string, height int64, eth, usd string) storage.SaleEvent {
	return storage.SaleEvent{
		TxID:        tx,
		BlockHeight: height,
		Category:    storage.CategorySale,
		AssetName:   tx + ".eth",
		Buyer:       "0xbuyer",
		Seller:      "0xseller",
		PriceETH:    decimal.RequireFromString(eth),
		PriceUSD:    decimal.RequireFromString(usd),
		OccurredAt:  time.Now().UTC(),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Ingest: config.IngestConfig{MinPriceETH: 0.1},
	}
}

type harness struct {
	store   *fakeStore
	fetcher *fakeFetcher
	poster  *fakePoster
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &fakeStore{
		state: storage.SchedulerState{State: storage.StateRunning},
		bands: saleLadder(),
	}
	fetch := &fakeFetcher{}
	poster := &fakePoster{}
	limiter := ratelimit.New(store, 15, 24*time.Hour)
	pub := publisher.New(limiter, poster, store, store, zerolog.Nop())
	svc := New(testConfig(), nil, fetch, nil, store, nil, pub, limiter, zerolog.Nop())
	if err := svc.ReloadTiers(context.Background()); err != nil {
		t.Fatalf("加载梯度失败: %v", err)
	}
	return &harness{store: store, fetcher: fetch, poster: poster, svc: svc}
}

func TestTickIngestsClassifiesAndPosts(t *testing.T) {
	h := newHarness(t)
	h.fetcher.events = []storage.SaleEvent{
		saleAt("0xa", 101, "2.5", "7500"),
		saleAt("0xb", 102, "0.05", "150"),
	}
	h.fetcher.cursor = 102

	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick 应成功: %v", err)
	}

	if len(h.store.sales) != 1 {
		t.Fatalf("低于 0.1 ETH 的事件应被过滤, 实际入库 %d 条", len(h.store.sales))
	}
	sale := h.store.sales[0]
	if sale.TxID != "0xa" || sale.TierName != "standard" {
		t.Fatalf("分层不正确: %#v", sale)
	}
	if !sale.Posted {
		t.Fatal("达标销售应被自动发布")
	}
	if h.store.state.CursorHeight != 102 {
		t.Fatalf("游标应推进到 102, 实际 %d", h.store.state.CursorHeight)
	}
	if h.store.state.ErrorCount != 0 {
		t.Fatalf("成功 tick 后错误计数应为 0: %d", h.store.state.ErrorCount)
	}
}

func TestTickCursorAdvancesWithZeroAccepts(t *testing.T) {
	h := newHarness(t)
	h.fetcher.events = nil
	h.fetcher.cursor = 500

	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick 应成功: %v", err)
	}
	if h.store.state.CursorHeight != 500 {
		t.Fatalf("零接受时游标仍应推进: %d", h.store.state.CursorHeight)
	}
	if h.poster.calls != 0 {
		t.Fatal("无事件时不应发布")
	}
}

func TestTickCursorNeverDecreases(t *testing.T) {
	h := newHarness(t)
	h.store.state.CursorHeight = 1000
	h.fetcher.cursor = 900

	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick 应成功: %v", err)
	}
	if h.store.state.CursorHeight != 1000 {
		t.Fatalf("游标不应回退: %d", h.store.state.CursorHeight)
	}
}

func TestTickFetchErrorIncrementsCounterAndKeepsCursor(t *testing.T) {
	h := newHarness(t)
	h.store.state.CursorHeight = 42
	h.store.state.ErrorCount = 2
	h.fetcher.err = errors.New("api down")

	err := h.svc.ProcessTick(context.Background(), time.Now())
	if err == nil {
		t.Fatal("抓取失败应返回错误")
	}
	if h.store.state.ErrorCount != 3 {
		t.Fatalf("错误计数应为 3: %d", h.store.state.ErrorCount)
	}
	if h.store.state.CursorHeight != 42 {
		t.Fatalf("抓取失败时游标不应移动: %d", h.store.state.CursorHeight)
	}
	if h.store.state.LastError == nil {
		t.Fatal("应记录最近错误")
	}
}

func TestTickSuccessResetsErrorCounter(t *testing.T) {
	h := newHarness(t)
	h.store.state.ErrorCount = 5
	h.fetcher.cursor = 10

	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick 应成功: %v", err)
	}
	if h.store.state.ErrorCount != 0 {
		t.Fatalf("成功后错误计数应归零: %d", h.store.state.ErrorCount)
	}
}

func TestTickSkippedUnlessRunning(t *testing.T) {
	for _, state := range []string{storage.StateStopped, storage.StateForceStopped} {
		h := newHarness(t)
		h.store.state.State = state

		if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
			t.Fatalf("%s 状态下 tick 应无动作: %v", state, err)
		}
		if h.fetcher.calls != 0 {
			t.Fatalf("%s 状态下不应抓取", state)
		}
	}
}

func TestTickPublishFailureStillAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	h.poster.err = errors.New("twitter down")
	h.fetcher.events = []storage.SaleEvent{saleAt("0xa", 101, "2.5", "7500")}
	h.fetcher.cursor = 101

	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("发布失败不应让 tick 失败: %v", err)
	}
	if h.store.state.CursorHeight != 101 {
		t.Fatalf("发布失败时游标仍应推进: %d", h.store.state.CursorHeight)
	}
	if len(h.store.posts) != 1 || h.store.posts[0].Success {
		t.Fatalf("应记录一条失败发布: %#v", h.store.posts)
	}
	if h.store.sales[0].Posted {
		t.Fatal("发布失败的销售不应标记为已发布")
	}
}

func TestTickRateLimitedSalesStayUnposted(t *testing.T) {
	h := newHarness(t)
	h.store.seedPosts(15, time.Now().UTC())
	h.fetcher.events = []storage.SaleEvent{saleAt("0xa", 101, "2.5", "7500")}
	h.fetcher.cursor = 101

	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick 应成功: %v", err)
	}
	if h.poster.calls != 0 {
		t.Fatal("窗口耗尽时不应调用发布接口")
	}
	if len(h.store.sales) != 1 || h.store.sales[0].Posted {
		t.Fatalf("销售应入库但保持未发布: %#v", h.store.sales)
	}
	if h.store.state.CursorHeight != 101 {
		t.Fatalf("限流跳过后游标仍应推进: %d", h.store.state.CursorHeight)
	}
}

func TestTickHighTierBelowFloorNotAutoPosted(t *testing.T) {
	h := newHarness(t)
	// 150000 USD lands in the legendary band, whose floor is 1 ETH.
	h.fetcher.events = []storage.SaleEvent{saleAt("0xa", 101, "0.8", "150000")}
	h.fetcher.cursor = 101

	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick 应成功: %v", err)
	}
	if len(h.store.sales) != 1 {
		t.Fatalf("销售应入库: %d", len(h.store.sales))
	}
	if h.store.sales[0].TierName != "legendary" {
		t.Fatalf("分层应为 legendary: %s", h.store.sales[0].TierName)
	}
	if h.store.sales[0].Posted || h.poster.calls != 0 {
		t.Fatal("低于本币下限的销售不应自动发布")
	}
}

func TestBackfillRespectsRangeAndDryRun(t *testing.T) {
	h := newHarness(t)
	h.fetcher.events = []storage.SaleEvent{
		saleAt("0xa", 100, "1", "3000"),
		saleAt("0xb", 150, "2", "6000"),
		saleAt("0xc", 200, "3", "9000"),
	}

	res, err := h.svc.Backfill(context.Background(), 100, 200, true)
	if err != nil {
		t.Fatalf("dry-run 回填应成功: %v", err)
	}
	if res.Fetched != 2 || res.Inserted != 2 {
		t.Fatalf("dry-run 统计不正确: %#v", res)
	}
	if len(h.store.sales) != 0 {
		t.Fatal("dry-run 不应写入数据库")
	}

	res, err = h.svc.Backfill(context.Background(), 100, 200, false)
	if err != nil {
		t.Fatalf("回填应成功: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("应入库 2 条: %#v", res)
	}
	if h.store.state.CursorHeight != 0 {
		t.Fatalf("回填不应移动游标: %d", h.store.state.CursorHeight)
	}
	if h.poster.calls != 0 {
		t.Fatal("回填不应触发发布")
	}

	res, err = h.svc.Backfill(context.Background(), 100, 200, false)
	if err != nil {
		t.Fatalf("重复回填应成功: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("重复回填应被去重: %#v", res)
	}
}

func TestStartRejectedWhenForceStopped(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.ForceStop(context.Background()); err != nil {
		t.Fatalf("ForceStop 应成功: %v", err)
	}

	if err := h.svc.Start(context.Background()); !errors.Is(err, ErrForceStopped) {
		t.Fatalf("强停状态下 Start 应被拒绝: %v", err)
	}
	if err := h.svc.Stop(context.Background()); !errors.Is(err, ErrForceStopped) {
		t.Fatalf("强停状态下 Stop 应被拒绝: %v", err)
	}

	if err := h.svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset 应成功: %v", err)
	}
	if h.store.state.State != storage.StateStopped || h.store.state.ErrorCount != 0 {
		t.Fatalf("Reset 后状态不正确: %#v", h.store.state)
	}

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Reset 后 Start 应成功: %v", err)
	}
	if h.store.state.State != storage.StateRunning {
		t.Fatalf("Start 后应为 running: %s", h.store.state.State)
	}
}

func TestResetErrorsClearsCounterOnly(t *testing.T) {
	h := newHarness(t)
	h.store.state.ErrorCount = 7
	h.store.state.State = storage.StateRunning

	if err := h.svc.ResetErrors(context.Background()); err != nil {
		t.Fatalf("ResetErrors 应成功: %v", err)
	}
	if h.store.state.ErrorCount != 0 {
		t.Fatalf("错误计数应归零: %d", h.store.state.ErrorCount)
	}
	if h.store.state.State != storage.StateRunning {
		t.Fatalf("ResetErrors 不应改变运行状态: %s", h.store.state.State)
	}
}

func TestManualPostNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.PostSale(context.Background(), "0xmissing")
	if !errors.Is(err, ErrSaleNotFound) {
		t.Fatalf("未知交易应返回 ErrSaleNotFound: %v", err)
	}
}

func TestManualPostPublishesStoredSale(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.InsertSaleEvents(context.Background(), []storage.SaleEvent{saleAt("0xa", 101, "0.05", "150")}); err != nil {
		t.Fatalf("预置销售失败: %v", err)
	}

	res, err := h.svc.PostSale(context.Background(), "0xa")
	if err != nil {
		t.Fatalf("手动发布应成功: %v", err)
	}
	if !res.Posted {
		t.Fatalf("结果不正确: %#v", res)
	}
	if len(h.store.posts) != 1 || h.store.posts[0].Origin != storage.OriginManual {
		t.Fatalf("应记录一条 manual 来源的发布: %#v", h.store.posts)
	}
}

func TestUpdateTiersRejectsBrokenLadder(t *testing.T) {
	h := newHarness(t)
	broken := []storage.TierBand{
		bandOf(storage.CategorySale, 0, "a", "0", "10000", "0.1"),
		bandOf(storage.CategorySale, 1, "b", "20000", "40000", "0.3"), // gap
		bandOf(storage.CategorySale, 2, "c", "40000", "100000", "0.5"),
		bandOf(storage.CategorySale, 3, "d", "100000", "", "1"),
	}

	err := h.svc.UpdateTiers(context.Background(), storage.CategorySale, broken)
	var confErr *tiers.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("断档梯度应返回配置错误: %v", err)
	}
	if h.store.replaceCalls != 0 {
		t.Fatal("无效梯度不应写入存储")
	}
}

func TestUpdateTiersRebuildsClassifier(t *testing.T) {
	h := newHarness(t)
	renamed := []storage.TierBand{
		bandOf(storage.CategorySale, 0, "bronze", "0", "10000", "0.1"),
		bandOf(storage.CategorySale, 1, "silver", "10000", "40000", "0.3"),
		bandOf(storage.CategorySale, 2, "gold", "40000", "100000", "0.5"),
		bandOf(storage.CategorySale, 3, "mythic", "100000", "", "1"),
	}

	if err := h.svc.UpdateTiers(context.Background(), storage.CategorySale, renamed); err != nil {
		t.Fatalf("UpdateTiers 应成功: %v", err)
	}

	h.fetcher.events = []storage.SaleEvent{saleAt("0xa", 101, "2.5", "7500")}
	h.fetcher.cursor = 101
	if err := h.svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick 应成功: %v", err)
	}
	if h.store.sales[0].TierName != "bronze" {
		t.Fatalf("更新后的梯度应生效: %s", h.store.sales[0].TierName)
	}
}

func TestActivityStatsCounts(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	h.store.sales = []storage.SaleEvent{
		{TxID: "0xa", IngestedAt: now.Add(-time.Hour)},
		{TxID: "0xb", IngestedAt: now.Add(-48 * time.Hour)},
	}
	failText := "boom"
	h.store.posts = []storage.PostRecord{
		{TxID: "0xa", Success: true, AttemptedAt: now.Add(-time.Hour)},
		{TxID: "0xa", Success: false, ErrorText: &failText, AttemptedAt: now.Add(-2 * time.Hour)},
		{TxID: "0xold", Success: true, AttemptedAt: now.Add(-30 * time.Hour)},
	}

	stats, err := h.svc.ActivityStats(context.Background())
	if err != nil {
		t.Fatalf("ActivityStats 应成功: %v", err)
	}
	if stats.SalesIngested != 1 || stats.PostsSucceeded != 1 || stats.PostsFailed != 1 {
		t.Fatalf("统计不正确: %#v", stats)
	}
}
