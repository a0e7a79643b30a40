package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/publisher"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ratelimit"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/service"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/tiers"
)

const defaultListLimit = 50

// Bot is the slice of the service the admin surface drives.
type Bot interface {
	SchedulerStatus(ctx context.Context) (storage.SchedulerState, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ForceStop(ctx context.Context) error
	Reset(ctx context.Context) error
	ResetErrors(ctx context.Context) error
	TierBands(ctx context.Context, category string) ([]storage.TierBand, error)
	UpdateTiers(ctx context.Context, category string, bands []storage.TierBand) error
	RateLimitStatus(ctx context.Context) (ratelimit.Status, error)
	RecentSales(ctx context.Context, limit int, posted *bool) ([]storage.SaleEvent, error)
	RecentPosts(ctx context.Context, limit int) ([]storage.PostRecord, error)
	PostSale(ctx context.Context, txID string) (publisher.Result, error)
	ActivityStats(ctx context.Context) (service.Stats, error)
}

type adminHandler struct {
	bot Bot
}

func (h *adminHandler) register(r *gin.Engine, secret string) {
	g := r.Group("/api/v1", jwtAuth(secret))
	g.GET("/scheduler", h.getScheduler)
	g.POST("/scheduler/start", h.startScheduler)
	g.POST("/scheduler/stop", h.stopScheduler)
	g.POST("/scheduler/force-stop", h.forceStopScheduler)
	g.POST("/scheduler/reset", h.resetScheduler)
	g.POST("/scheduler/reset-errors", h.resetSchedulerErrors)
	g.GET("/tiers", h.getTiers)
	g.PUT("/tiers", h.putTiers)
	g.GET("/rate-limit", h.getRateLimit)
	g.GET("/sales", h.getSales)
	g.POST("/sales/:txid/post", h.postSale)
	g.GET("/posts", h.getPosts)
	g.GET("/stats", h.getStats)
}

func (h *adminHandler) getScheduler(c *gin.Context) {
	state, err := h.bot.SchedulerStatus(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, state)
}

// transition runs one administrative state change and maps the latched
// force-stop rejection to 409.
func (h *adminHandler) transition(c *gin.Context, op func(ctx context.Context) error) {
	if err := op(c.Request.Context()); err != nil {
		if errors.Is(err, service.ErrForceStopped) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	state, err := h.bot.SchedulerStatus(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, state)
}

func (h *adminHandler) startScheduler(c *gin.Context)       { h.transition(c, h.bot.Start) }
func (h *adminHandler) stopScheduler(c *gin.Context)        { h.transition(c, h.bot.Stop) }
func (h *adminHandler) forceStopScheduler(c *gin.Context)   { h.transition(c, h.bot.ForceStop) }
func (h *adminHandler) resetScheduler(c *gin.Context)       { h.transition(c, h.bot.Reset) }
func (h *adminHandler) resetSchedulerErrors(c *gin.Context) { h.transition(c, h.bot.ResetErrors) }

func (h *adminHandler) getTiers(c *gin.Context) {
	category := strings.TrimSpace(c.Query("category"))
	bands, err := h.bot.TierBands(c.Request.Context(), category)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, bands)
}

type tierBandPayload struct {
	Name      string           `json:"name"`
	MinUSD    decimal.Decimal  `json:"min_usd"`
	MaxUSD    *decimal.Decimal `json:"max_usd"`
	MinNative decimal.Decimal  `json:"min_native"`
}

type putTiersRequest struct {
	Category string            `json:"category"`
	Bands    []tierBandPayload `json:"bands"`
}

func (h *adminHandler) putTiers(c *gin.Context) {
	var req putTiersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		fail(c, http.StatusBadRequest, "category is required")
		return
	}

	bands := make([]storage.TierBand, 0, len(req.Bands))
	for i, b := range req.Bands {
		bands = append(bands, storage.TierBand{
			Category:  category,
			Index:     i,
			Name:      b.Name,
			MinUSD:    b.MinUSD,
			MaxUSD:    b.MaxUSD,
			MinNative: b.MinNative,
		})
	}

	if err := h.bot.UpdateTiers(c.Request.Context(), category, bands); err != nil {
		var confErr *tiers.ConfigurationError
		if errors.As(err, &confErr) {
			fail(c, http.StatusBadRequest, confErr.Error())
			return
		}
		fail(c, http.StatusBadGateway, err.Error())
		return
	}

	next, err := h.bot.TierBands(c.Request.Context(), category)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, next)
}

func (h *adminHandler) getRateLimit(c *gin.Context) {
	status, err := h.bot.RateLimitStatus(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, status)
}

func (h *adminHandler) getSales(c *gin.Context) {
	limit := intQuery(c, "limit", defaultListLimit)
	sales, err := h.bot.RecentSales(c.Request.Context(), limit, boolQueryPtr(c, "posted"))
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, sales)
}

func (h *adminHandler) postSale(c *gin.Context) {
	txID := strings.TrimSpace(c.Param("txid"))
	if txID == "" {
		fail(c, http.StatusBadRequest, "invalid tx id")
		return
	}

	result, err := h.bot.PostSale(c.Request.Context(), txID)
	if err != nil {
		if errors.Is(err, service.ErrSaleNotFound) {
			fail(c, http.StatusNotFound, "sale not found")
			return
		}
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, result)
}

func (h *adminHandler) getPosts(c *gin.Context) {
	limit := intQuery(c, "limit", defaultListLimit)
	posts, err := h.bot.RecentPosts(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, posts)
}

func (h *adminHandler) getStats(c *gin.Context) {
	stats, err := h.bot.ActivityStats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, stats)
}

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func boolQueryPtr(c *gin.Context, key string) *bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return &b
		}
	}
	return nil
}
