package handlers

import (
	"context"
	"net/http"
	"time"

	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ChatHandler 聊天接口
type ChatHandler struct {
	chat   *services.ChatService
	logger *logrus.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(chat *services.ChatService, logger *logrus.Logger) *ChatHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatHandler{chat: chat, logger: logger}
}

// Send 处理一条用户消息
// @Summary 发送聊天消息
// @Description 路由到知识库、触发词、站点内容或 AI 并返回回复
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body services.ChatRequest true "聊天请求"
// @Success 200 {object} APIResponse{data=services.ChatReply}
// @Failure 400 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /api/v1/chat [post]
func (h *ChatHandler) Send(c *gin.Context) {
	var req services.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	if req.Channel == "" {
		req.Channel = "web"
	}
	req.IP = c.ClientIP()
	req.Referrer = c.Request.Referer()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	reply, err := h.chat.HandleMessage(ctx, &req)
	if err != nil {
		h.logger.WithError(err).Warn("chat request failed")
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, reply)
}

// History 返回会话消息
// @Summary 会话历史
// @Tags 聊天
// @Produce json
// @Param session_id path string true "会话ID"
// @Success 200 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Router /api/v1/chat/{session_id}/history [get]
func (h *ChatHandler) History(c *gin.Context) {
	messages, err := h.chat.History(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"session_id": c.Param("session_id"),
		"messages":   messages,
	})
}
