package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"chatdesk/internal/database"
	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db        *gorm.DB
	redis     *redis.Client
	providers *services.ProviderRegistry
	hub       *services.WebSocketHub
	version   string
	logger    *logrus.Logger
}

// HealthDeps 健康检查依赖，redis、providers、hub 可为 nil
type HealthDeps struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Providers *services.ProviderRegistry
	Hub       *services.WebSocketHub
	Version   string
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(deps HealthDeps) *HealthHandler {
	return &HealthHandler{
		db:        deps.DB,
		redis:     deps.Redis,
		providers: deps.Providers,
		hub:       deps.Hub,
		version:   deps.Version,
		logger:    logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

var startTime = time.Now()

// Health 数据库不可用时返回 503，其余依赖异常时状态为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	dbInfo := h.checkDatabase(ctx)
	response.Services["database"] = dbInfo
	if dbInfo.Status != "healthy" {
		response.Status = "unhealthy"
	}

	if h.redis != nil {
		info := h.checkRedis(ctx)
		response.Services["redis"] = info
		if info.Status != "healthy" && response.Status == "healthy" {
			response.Status = "degraded"
		}
	}

	if h.providers != nil {
		response.Services["ai"] = h.checkAI()
	}

	if h.hub != nil {
		response.Services["websocket"] = ServiceInfo{
			Status:  "healthy",
			Details: gin.H{"clients": h.hub.GetClientCount()},
		}
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
		h.logger.WithField("services", response.Services).Warn("health check failed")
	}
	c.JSON(statusCode, response)
}

// Ready 只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	info := h.checkDatabase(ctx)
	ready := info.Status == "healthy"
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  gin.H{"database": info.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{
		Status:  "healthy",
		Latency: time.Since(start).String(),
		Details: gin.H{"driver": h.db.Dialector.Name()},
	}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	return info
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{Status: "healthy", Details: gin.H{"addr": h.redis.Options().Addr}}
	if err := database.PingRedis(ctx, h.redis); err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	info.Latency = time.Since(start).String()
	return info
}

// checkAI AI 不可用时仍可由知识库和触发词回答，不影响整体状态
func (h *HealthHandler) checkAI() ServiceInfo {
	p, err := h.providers.Active()
	if err != nil {
		return ServiceInfo{Status: "unavailable", Error: err.Error(), Details: h.providers.Status()}
	}
	return ServiceInfo{Status: "healthy", Details: gin.H{"active": p.Name()}}
}
