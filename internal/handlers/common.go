package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatdesk/internal/jobs"
	"chatdesk/internal/models"
	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, APIResponse{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func respondFail(c *gin.Context, status int, msg string) {
	c.JSON(status, APIResponse{Success: false, Error: msg, Timestamp: time.Now().UTC()})
}

// respondError 按错误类型映射状态码
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, services.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, services.ErrUnknownProvider), errors.Is(err, jobs.ErrUnknownJob):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrSessionBusy), errors.Is(err, jobs.ErrJobRunning):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, services.ErrProviderNotConfigured):
		status, msg = http.StatusServiceUnavailable, err.Error()
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	respondFail(c, status, msg)
}

func paginated(items interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int(math.Ceil(float64(total) / float64(pageSize)))
	}
	return PaginatedResponse{Items: items, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return page, size
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		respondFail(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

// optionalBool 解析可选布尔查询参数
func optionalBool(c *gin.Context, key string) (*bool, bool) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return nil, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		respondFail(c, http.StatusBadRequest, "invalid "+key)
		return nil, false
	}
	return &v, true
}

// dateRange 解析 from/to（YYYY-MM-DD），默认最近 days 天
func dateRange(c *gin.Context, days int) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	to := now
	from := now.AddDate(0, 0, -(days - 1))
	var err error
	if v := strings.TrimSpace(c.Query("from")); v != "" {
		if from, err = time.Parse(models.DateLayout, v); err != nil {
			respondFail(c, http.StatusBadRequest, "invalid from date")
			return time.Time{}, time.Time{}, false
		}
	}
	if v := strings.TrimSpace(c.Query("to")); v != "" {
		if to, err = time.Parse(models.DateLayout, v); err != nil {
			respondFail(c, http.StatusBadRequest, "invalid to date")
			return time.Time{}, time.Time{}, false
		}
	}
	if to.Before(from) {
		respondFail(c, http.StatusBadRequest, "to must not be before from")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}
