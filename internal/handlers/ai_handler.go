package handlers

import (
	"context"
	"net/http"
	"time"

	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// BreakerReporter 熔断器状态来源
type BreakerReporter interface {
	BreakerStats() []services.BreakerStats
}

// AIHandler AI 提供方管理
type AIHandler struct {
	registry *services.ProviderRegistry
	breakers BreakerReporter
	logger   *logrus.Logger
}

// NewAIHandler 创建 AI 处理器，breakers 可为 nil
func NewAIHandler(registry *services.ProviderRegistry, breakers BreakerReporter) *AIHandler {
	return &AIHandler{
		registry: registry,
		breakers: breakers,
		logger:   logrus.StandardLogger(),
	}
}

// QueryRequest 直接询问当前提供方
type QueryRequest struct {
	Query string `json:"query" binding:"required"`
}

// Providers 列出提供方及可用状态
func (h *AIHandler) Providers(c *gin.Context) {
	respondOK(c, http.StatusOK, h.registry.Status())
}

// Status 当前提供方与熔断器状态
func (h *AIHandler) Status(c *gin.Context) {
	data := gin.H{"providers": h.registry.Status()}
	if p, err := h.registry.Active(); err == nil {
		data["active"] = p.Name()
	} else {
		data["active_error"] = err.Error()
	}
	if h.breakers != nil {
		data["breakers"] = h.breakers.BreakerStats()
	}
	respondOK(c, http.StatusOK, data)
}

// Models 查询提供方的可用模型
func (h *AIHandler) Models(c *gin.Context) {
	name := c.Param("name")
	p, ok := h.registry.Get(name)
	if !ok {
		respondFail(c, http.StatusNotFound, "unknown ai provider: "+name)
		return
	}
	if !p.IsAvailable() {
		respondFail(c, http.StatusServiceUnavailable, "ai provider not configured: "+name)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	list, err := p.GetAvailableModels(ctx)
	if err != nil {
		h.logger.WithError(err).WithField("provider", name).Warn("list models failed")
		respondFail(c, http.StatusBadGateway, err.Error())
		return
	}
	respondOK(c, http.StatusOK, gin.H{"provider": p.Name(), "models": list})
}

type setActiveRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// SetActive 切换当前提供方
func (h *AIHandler) SetActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	if err := h.registry.SetActive(req.Provider); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, h.registry.Status())
}

// Query 绕过路由直接询问当前提供方，用于检查提供方配置
func (h *AIHandler) Query(c *gin.Context) {
	start := time.Now()
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "invalid request format: "+err.Error())
		return
	}
	p, err := h.registry.Active()
	if err != nil {
		respondError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()
	resp, err := p.ProcessQuery(ctx, req.Query, nil)
	if err != nil {
		h.logger.Errorf("AI query failed: %v", err)
		respondFail(c, http.StatusBadGateway, "AI processing failed: "+err.Error())
		return
	}
	respondOK(c, http.StatusOK, gin.H{"response": resp, "duration": time.Since(start).String()})
}
