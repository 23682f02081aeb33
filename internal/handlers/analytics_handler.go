package handlers

import (
	"net/http"
	"strconv"

	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
)

// AnalyticsHandler 统计查询
type AnalyticsHandler struct {
	analytics *services.AnalyticsService
}

func NewAnalyticsHandler(analytics *services.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics}
}

// Summary 区间汇总，默认最近 7 天
func (h *AnalyticsHandler) Summary(c *gin.Context) {
	from, to, ok := dateRange(c, 7)
	if !ok {
		return
	}
	sum, err := h.analytics.Summary(c.Request.Context(), from, to, c.Query("channel"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, sum)
}

// Daily 按日明细
func (h *AnalyticsHandler) Daily(c *gin.Context) {
	from, to, ok := dateRange(c, 7)
	if !ok {
		return
	}
	records, err := h.analytics.Daily(c.Request.Context(), from, to, c.Query("channel"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, records)
}

// TopQueries 热门查询，limit 默认 10
func (h *AnalyticsHandler) TopQueries(c *gin.Context) {
	from, to, ok := dateRange(c, 7)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit < 1 || limit > 100 {
		respondFail(c, http.StatusBadRequest, "limit must be 1-100")
		return
	}
	top, err := h.analytics.TopQueries(c.Request.Context(), from, to, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, top)
}
