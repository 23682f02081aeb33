package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"chatdesk/internal/jobs"
	"chatdesk/internal/models"
	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
)

// IndexHandler 站点内容索引
type IndexHandler struct {
	indexer   *services.ContentIndexer
	scheduler *jobs.Scheduler
	reindex   *jobs.ContentReindexJob
}

// NewIndexHandler 创建索引处理器；reindex 为 nil 时只支持单条目推送
func NewIndexHandler(indexer *services.ContentIndexer, scheduler *jobs.Scheduler, reindex *jobs.ContentReindexJob) *IndexHandler {
	return &IndexHandler{indexer: indexer, scheduler: scheduler, reindex: reindex}
}

// Run 立即执行一次索引，?full=true 时全量
func (h *IndexHandler) Run(c *gin.Context) {
	if h.reindex == nil || h.scheduler == nil || !h.indexer.Enabled() {
		respondFail(c, http.StatusServiceUnavailable, "content indexing is not configured")
		return
	}
	if full, _ := strconv.ParseBool(c.Query("full")); full {
		h.reindex.ResetWatermark()
	}
	err := h.scheduler.RunNow(c.Request.Context(), h.reindex.Name())
	report := h.reindex.LastReport()
	if errors.Is(err, jobs.ErrJobRunning) || (err != nil && report == nil) {
		respondError(c, err)
		return
	}
	data := gin.H{"report": report}
	if err != nil {
		data["error"] = err.Error()
	}
	respondOK(c, http.StatusOK, data)
}

// Status 任务状态与最近一次索引结果
func (h *IndexHandler) Status(c *gin.Context) {
	data := gin.H{"enabled": h.indexer.Enabled()}
	if h.scheduler != nil {
		data["jobs"] = h.scheduler.Statuses()
	}
	if h.reindex != nil {
		data["last_report"] = h.reindex.LastReport()
	}
	respondOK(c, http.StatusOK, data)
}

// IndexItem 推送单个文章或商品，非发布状态时移除其条目
func (h *IndexHandler) IndexItem(c *gin.Context) {
	var item services.ContentItem
	if err := c.ShouldBindJSON(&item); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	if item.ID <= 0 {
		respondFail(c, http.StatusBadRequest, "id is required")
		return
	}
	n, err := h.indexer.IndexItem(c.Request.Context(), item)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"id": item.ID, "entries": n})
}

// RemoveItem 删除实体的全部条目，source 为 post 或 product
func (h *IndexHandler) RemoveItem(c *gin.Context) {
	source := models.SourceWPContent
	switch c.Param("source") {
	case "post":
	case "product":
		source = models.SourceWooProduct
	default:
		respondFail(c, http.StatusBadRequest, "source must be post or product")
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondFail(c, http.StatusBadRequest, "invalid id")
		return
	}
	n, err := h.indexer.Remove(c.Request.Context(), source, id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"removed": n})
}
