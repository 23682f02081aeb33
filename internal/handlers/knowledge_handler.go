package handlers

import (
	"net/http"
	"strings"
	"time"

	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
)

// KnowledgeHandler 知识库管理
type KnowledgeHandler struct {
	kb       *services.KnowledgeBaseService
	learning *services.LearningEngine
}

// NewKnowledgeHandler 创建知识库处理器
func NewKnowledgeHandler(kb *services.KnowledgeBaseService, learning *services.LearningEngine) *KnowledgeHandler {
	return &KnowledgeHandler{kb: kb, learning: learning}
}

// List 分页列出条目
func (h *KnowledgeHandler) List(c *gin.Context) {
	var f services.KnowledgeEntryFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid query: "+err.Error())
		return
	}
	f.Page, f.PageSize = pageParams(c)

	entries, err := h.kb.GetEntries(c.Request.Context(), &f)
	if err != nil {
		respondError(c, err)
		return
	}
	total, err := h.kb.GetEntriesCount(c.Request.Context(), &f)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, paginated(entries, total, f.Page, f.PageSize))
}

func (h *KnowledgeHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	entry, err := h.kb.GetEntry(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, entry)
}

func (h *KnowledgeHandler) Create(c *gin.Context) {
	var req services.KnowledgeEntryCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	entry, err := h.kb.AddEntry(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, entry)
}

func (h *KnowledgeHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.KnowledgeEntryUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	entry, err := h.kb.UpdateEntry(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, entry)
}

func (h *KnowledgeHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.kb.DeleteEntry(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": id})
}

// Search 知识库检索，未命中时 data.result 为 null
func (h *KnowledgeHandler) Search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		respondFail(c, http.StatusBadRequest, "q is required")
		return
	}
	res, err := h.kb.Search(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"query": q, "result": res})
}

// Topics 全部主题
func (h *KnowledgeHandler) Topics(c *gin.Context) {
	topics, err := h.kb.ListTopics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, topics)
}

type reviewRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Approve 审核通过
func (h *KnowledgeHandler) Approve(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req reviewRequest
	_ = c.ShouldBindJSON(&req)
	entry, err := h.learning.ApproveEntry(c.Request.Context(), id, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, entry)
}

// Reject 审核拒绝
func (h *KnowledgeHandler) Reject(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req reviewRequest
	_ = c.ShouldBindJSON(&req)
	entry, err := h.learning.RejectEntry(c.Request.Context(), id, req.UserID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, entry)
}

// Pending 待审核条目
func (h *KnowledgeHandler) Pending(c *gin.Context) {
	page, size := pageParams(c)
	list, total, err := h.learning.PendingEntries(c.Request.Context(), page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, paginated(list, total, page, size))
}

type extractRequest struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force"`
	Since     string `json:"since"`
}

// Extract 指定 session_id 时提取单个会话，否则处理 since（RFC3339，默认 24 小时前）之后的会话
func (h *KnowledgeHandler) Extract(c *gin.Context) {
	var req extractRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
			return
		}
	}

	if req.SessionID != "" {
		res, err := h.learning.ExtractKnowledgeFromConversation(c.Request.Context(), req.SessionID, req.Force)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, http.StatusOK, res)
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			respondFail(c, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = t
	}
	batch, err := h.learning.ProcessRecent(c.Request.Context(), since)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, batch)
}
