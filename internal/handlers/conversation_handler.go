package handlers

import (
	"net/http"
	"time"

	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 会话管理
type ConversationHandler struct {
	conversations *services.ConversationManager
}

func NewConversationHandler(conversations *services.ConversationManager) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// List 支持 channel、archived、flagged、search、from、to 筛选
func (h *ConversationHandler) List(c *gin.Context) {
	archived, ok := optionalBool(c, "archived")
	if !ok {
		return
	}
	flagged, ok := optionalBool(c, "flagged")
	if !ok {
		return
	}
	f := &services.ConversationFilter{
		Channel:  c.Query("channel"),
		Archived: archived,
		Flagged:  flagged,
		Search:   c.Query("search"),
	}
	if c.Query("from") != "" || c.Query("to") != "" {
		from, to, ok := dateRange(c, 30)
		if !ok {
			return
		}
		f.From, f.To = from, to.Add(24*time.Hour-time.Nanosecond)
	}
	f.Page, f.PageSize = pageParams(c)

	list, total, err := h.conversations.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, paginated(list, total, f.Page, f.PageSize))
}

func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.conversations.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conv)
}

type bulkDeleteRequest struct {
	SessionIDs []string `json:"session_ids" binding:"required"`
}

// BulkDelete 批量删除会话
// @Summary 批量删除会话
// @Tags 会话管理
// @Accept json
// @Produce json
// @Param request body bulkDeleteRequest true "会话ID列表"
// @Success 200 {object} APIResponse
// @Failure 400 {object} APIResponse
// @Router /api/v1/conversations/bulk-delete [post]
func (h *ConversationHandler) BulkDelete(c *gin.Context) {
	var req bulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	n, err := h.conversations.BulkDelete(c.Request.Context(), req.SessionIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": n})
}

type toggleRequest struct {
	Value *bool `json:"value"`
}

func (r toggleRequest) value() bool {
	return r.Value == nil || *r.Value
}

// Archive 归档或取消归档，请求体 {"value": false} 取消
func (h *ConversationHandler) Archive(c *gin.Context) {
	var req toggleRequest
	_ = c.ShouldBindJSON(&req)
	conv, err := h.conversations.SetArchived(c.Request.Context(), c.Param("session_id"), req.value())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conv)
}

// Flag 标记或取消标记
func (h *ConversationHandler) Flag(c *gin.Context) {
	var req toggleRequest
	_ = c.ShouldBindJSON(&req)
	conv, err := h.conversations.SetFlagged(c.Request.Context(), c.Param("session_id"), req.value())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conv)
}

type scoreRequest struct {
	Score *float64 `json:"score" binding:"required"`
}

// Score 设置会话成功度评分（0-1）
func (h *ConversationHandler) Score(c *gin.Context) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	conv, err := h.conversations.SetSuccessScore(c.Request.Context(), c.Param("session_id"), *req.Score)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conv)
}
