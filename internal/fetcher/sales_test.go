package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func salesOptions(baseURL string) SalesOptions {
	return SalesOptions{
		BaseURL:   baseURL,
		APIKey:    "test-key",
		Chain:     "eth",
		Contract:  "0x57f1887a8bf19b14fc0df6fd9b2acc9af147ea85",
		PageSize:  100,
		Timeout:   time.Second,
		UserAgent: "test",
		RPS:       1000,
		Burst:     1000,
	}
}

func TestFetchSalesMissingAPIKey(t *testing.T) {
	opts := salesOptions("http://localhost")
	opts.APIKey = ""
	s := NewSales(opts, noopLogger())

	if _, _, err := s.FetchSalesSince(context.Background(), 0); err == nil {
		t.Fatal("缺少 API key 时应返回错误")
	}
}

func TestFetchSalesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid key"})
	}))
	defer srv.Close()

	s := NewSales(salesOptions(srv.URL), noopLogger())
	if _, _, err := s.FetchSalesSince(context.Background(), 0); err == nil {
		t.Fatal("HTTP 401 应返回错误")
	}
}

func TestFetchSalesServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSales(salesOptions(srv.URL), noopLogger())
	_, _, err := s.FetchSalesSince(context.Background(), 0)
	if err == nil {
		t.Fatal("HTTP 502 应返回错误")
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("5xx 应包装为 TransientError, got %v", err)
	}
}

func TestFetchSalesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("X-API-Key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]string{
				{
					"transaction_hash": "0xaaa",
					"block_number":     "19000010",
					"block_timestamp":  "2024-03-01T12:00:00Z",
					"buyer_address":    "0xb1",
					"seller_address":   "0xs1",
					"token_name":       "vault.eth",
					"event_type":       "sale",
					"price":            "2500000000000000000",
					"price_usd":        "7500.00",
				},
				{
					"transaction_hash": "0xbbb",
					"block_number":     "19000005",
					"block_timestamp":  "2024-03-01T11:00:00Z",
					"buyer_address":    "0xb2",
					"seller_address":   "0xs2",
					"token_name":       "rare.eth",
					"event_type":       "registration",
					"price":            "500000000000000000",
				},
			},
			"cursor": "",
		})
	}))
	defer srv.Close()

	s := NewSales(salesOptions(srv.URL), noopLogger())
	events, cursor, err := s.FetchSalesSince(context.Background(), 19000000)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if cursor != 19000010 {
		t.Fatalf("cursor = %d, want 19000010", cursor)
	}

	first := events[0]
	if first.TxID != "0xaaa" || first.AssetName != "vault.eth" {
		t.Fatalf("首条交易解析不正确: %+v", first)
	}
	if first.PriceETH.Cmp(decimal.RequireFromString("2.5")) != 0 {
		t.Fatalf("price eth = %s, want 2.5", first.PriceETH)
	}
	if first.PriceUSD.Cmp(decimal.RequireFromString("7500")) != 0 {
		t.Fatalf("price usd = %s, want 7500", first.PriceUSD)
	}

	second := events[1]
	if second.Category != "registration" {
		t.Fatalf("category = %s, want registration", second.Category)
	}
	if !second.PriceUSD.IsZero() {
		t.Fatalf("缺失 usd 字段应解析为零, got %s", second.PriceUSD)
	}
}

func TestFetchSalesSkipsAtOrBelowCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]string{
				{
					"transaction_hash": "0xold",
					"block_number":     "100",
					"block_timestamp":  "2024-03-01T10:00:00Z",
					"price":            "1000000000000000000",
				},
				{
					"transaction_hash": "0xnew",
					"block_number":     "101",
					"block_timestamp":  "2024-03-01T10:01:00Z",
					"price":            "1000000000000000000",
				},
			},
			"cursor": "",
		})
	}))
	defer srv.Close()

	s := NewSales(salesOptions(srv.URL), noopLogger())
	events, cursor, err := s.FetchSalesSince(context.Background(), 100)
	if err != nil {
		t.Fatalf("FetchSalesSince 报错: %v", err)
	}
	if len(events) != 1 || events[0].TxID != "0xnew" {
		t.Fatalf("游标之前的区块应被跳过, got %d 条", len(events))
	}
	if cursor != 101 {
		t.Fatalf("cursor = %d, want 101", cursor)
	}
}

func TestFetchSalesFollowsPagination(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": []map[string]string{{
					"transaction_hash": "0x1",
					"block_number":     "11",
					"block_timestamp":  "2024-03-01T10:00:00Z",
					"price":            "1000000000000000000",
				}},
				"cursor": "next-page",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]string{{
				"transaction_hash": "0x2",
				"block_number":     "12",
				"block_timestamp":  "2024-03-01T10:01:00Z",
				"price":            "1000000000000000000",
			}},
			"cursor": "",
		})
	}))
	defer srv.Close()

	s := NewSales(salesOptions(srv.URL), noopLogger())
	events, cursor, err := s.FetchSalesSince(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchSalesSince 报错: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if len(events) != 2 || cursor != 12 {
		t.Fatalf("分页聚合不正确: %d 条, cursor %d", len(events), cursor)
	}
}

func TestFetchSalesSkipsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]string{
				{
					"transaction_hash": "0xbad",
					"block_number":     "not-a-number",
					"price":            "1000000000000000000",
				},
				{
					"transaction_hash": "0xgood",
					"block_number":     "50",
					"block_timestamp":  "2024-03-01T10:00:00Z",
					"price":            "1000000000000000000",
				},
			},
			"cursor": "",
		})
	}))
	defer srv.Close()

	s := NewSales(salesOptions(srv.URL), noopLogger())
	events, _, err := s.FetchSalesSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchSalesSince 报错: %v", err)
	}
	if len(events) != 1 || events[0].TxID != "0xgood" {
		t.Fatalf("坏记录应被跳过而非中断, got %d 条", len(events))
	}
}
