package handlers

import (
	"chatdesk/internal/config"
	"chatdesk/internal/jobs"
	"chatdesk/internal/metrics"
	"chatdesk/internal/middleware"
	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// Dependencies 路由所需的服务
type Dependencies struct {
	Config        *config.Config
	DB            *gorm.DB
	Redis         *redis.Client
	Logger        *logrus.Logger
	Chat          *services.ChatService
	Knowledge     *services.KnowledgeBaseService
	Triggers      *services.TriggerWordService
	Conversations *services.ConversationManager
	Learning      *services.LearningEngine
	Analytics     *services.AnalyticsService
	Providers     *services.ProviderRegistry
	Router        *services.QueryRouter
	Indexer       *services.ContentIndexer
	Scheduler     *jobs.Scheduler
	ReindexJob    *jobs.ContentReindexJob
	Hub           *services.WebSocketHub
	Version       string
}

// SetupRouter 注册全部路由
func SetupRouter(d *Dependencies) *gin.Engine {
	cfg := d.Config
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(d.Logger))
	router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	router.Use(middleware.CORS(cfg.Security.CORS))
	router.Use(middleware.RateLimit(cfg.Security.RateLimiting))

	health := NewHealthHandler(HealthDeps{
		DB:        d.DB,
		Redis:     d.Redis,
		Providers: d.Providers,
		Hub:       d.Hub,
		Version:   d.Version,
	})
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)

	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, metrics.Handler())
	}

	api := router.Group("/api/v1")
	{
		chat := NewChatHandler(d.Chat, d.Logger)
		api.POST("/chat", chat.Send)
		api.GET("/chat/:session_id/history", chat.History)

		if d.Hub != nil {
			api.GET("/ws", d.Hub.HandleWebSocket)
		}

		kb := NewKnowledgeHandler(d.Knowledge, d.Learning)
		api.GET("/knowledge", kb.List)
		api.POST("/knowledge", kb.Create)
		api.GET("/knowledge/search", kb.Search)
		api.GET("/knowledge/topics", kb.Topics)
		api.GET("/knowledge/:id", kb.Get)
		api.PUT("/knowledge/:id", kb.Update)
		api.DELETE("/knowledge/:id", kb.Delete)
		api.POST("/knowledge/:id/approve", kb.Approve)
		api.POST("/knowledge/:id/reject", kb.Reject)

		api.POST("/learning/extract", kb.Extract)
		api.GET("/learning/pending", kb.Pending)

		triggers := NewTriggerHandler(d.Triggers)
		api.GET("/triggers", triggers.List)
		api.POST("/triggers", triggers.Create)
		api.POST("/triggers/test", triggers.Test)
		api.GET("/triggers/export", triggers.Export)
		api.POST("/triggers/import", triggers.Import)
		api.GET("/triggers/:id", triggers.Get)
		api.PUT("/triggers/:id", triggers.Update)
		api.DELETE("/triggers/:id", triggers.Delete)

		conv := NewConversationHandler(d.Conversations)
		api.GET("/conversations", conv.List)
		api.POST("/conversations/bulk-delete", conv.BulkDelete)
		api.GET("/conversations/:session_id", conv.Get)
		api.POST("/conversations/:session_id/archive", conv.Archive)
		api.POST("/conversations/:session_id/flag", conv.Flag)
		api.POST("/conversations/:session_id/score", conv.Score)

		analytics := NewAnalyticsHandler(d.Analytics)
		api.GET("/analytics/summary", analytics.Summary)
		api.GET("/analytics/daily", analytics.Daily)
		api.GET("/analytics/top-queries", analytics.TopQueries)

		var breakers BreakerReporter
		if d.Router != nil {
			breakers = d.Router
		}
		ai := NewAIHandler(d.Providers, breakers)
		api.GET("/ai/providers", ai.Providers)
		api.PUT("/ai/providers/active", ai.SetActive)
		api.GET("/ai/providers/:name/models", ai.Models)
		api.GET("/ai/status", ai.Status)
		api.POST("/ai/query", ai.Query)

		index := NewIndexHandler(d.Indexer, d.Scheduler, d.ReindexJob)
		api.POST("/index/run", index.Run)
		api.GET("/index/status", index.Status)
		api.POST("/index/items", index.IndexItem)
		api.DELETE("/index/items/:source/:id", index.RemoveItem)
	}

	return router
}
