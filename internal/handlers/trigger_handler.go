package handlers

import (
	"bytes"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
)

const maxImportSize = 5 << 20

// TriggerHandler 触发词管理
type TriggerHandler struct {
	service *services.TriggerWordService
}

func NewTriggerHandler(service *services.TriggerWordService) *TriggerHandler {
	return &TriggerHandler{service: service}
}

func (h *TriggerHandler) List(c *gin.Context) {
	active, ok := optionalBool(c, "active")
	if !ok {
		return
	}
	words, err := h.service.List(c.Request.Context(), &services.TriggerWordFilter{
		Category: c.Query("category"),
		Active:   active,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, words)
}

func (h *TriggerHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	tw, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, tw)
}

func (h *TriggerHandler) Create(c *gin.Context) {
	var req services.TriggerWordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	tw, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, tw)
}

func (h *TriggerHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.TriggerWordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	tw, err := h.service.Update(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, tw)
}

func (h *TriggerHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": id})
}

type triggerTestRequest struct {
	Message string `json:"message" binding:"required"`
}

// Test 用当前规则测试一条消息，未命中时 matched=false
func (h *TriggerHandler) Test(c *gin.Context) {
	var req triggerTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	match, err := h.service.Test(c.Request.Context(), req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"matched": match != nil, "match": match})
}

// Export 下载 csv 或 json
func (h *TriggerHandler) Export(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", services.FormatCSV))
	var buf bytes.Buffer
	if err := h.service.Export(c.Request.Context(), &buf, format); err != nil {
		respondError(c, err)
		return
	}
	contentType := "text/csv; charset=utf-8"
	if format == services.FormatJSON {
		contentType = "application/json; charset=utf-8"
	}
	filename := "trigger-words-" + time.Now().UTC().Format("20060102") + "." + format
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

// Import 接受 multipart 字段 file 或原始请求体；format 缺省时按文件扩展名推断
func (h *TriggerHandler) Import(c *gin.Context) {
	format := strings.ToLower(c.Query("format"))
	mode := c.DefaultQuery("mode", services.ImportMerge)

	var reader io.Reader
	if fh, err := c.FormFile("file"); err == nil {
		if fh.Size > maxImportSize {
			respondFail(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		f, err := fh.Open()
		if err != nil {
			respondFail(c, http.StatusBadRequest, "cannot read upload: "+err.Error())
			return
		}
		defer f.Close()
		reader = f
		if format == "" {
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(fh.Filename)), ".")
		}
	} else {
		reader = io.LimitReader(c.Request.Body, maxImportSize)
		if format == "" && strings.Contains(c.ContentType(), "json") {
			format = services.FormatJSON
		}
	}
	if format == "" {
		format = services.FormatCSV
	}

	result, err := h.service.Import(c.Request.Context(), reader, format, mode)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, result)
}
