package cli

import (
	"context"
	"fmt"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/database"
	"chatdesk/internal/jobs"
	"chatdesk/internal/services"
	"chatdesk/pkg/wordpress"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// application 命令之间共享的服务集合
type application struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *gorm.DB
	redis  *redis.Client

	knowledge     *services.KnowledgeBaseService
	triggers      *services.TriggerWordService
	conversations *services.ConversationManager
	analytics     *services.AnalyticsService
	learning      *services.LearningEngine
	providers     *services.ProviderRegistry
	indexer       *services.ContentIndexer
	router        *services.QueryRouter
	chat          *services.ChatService
}

// loadConfig 读取配置并初始化全局日志
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logrus.StandardLogger(), nil
}

// newApplication 连接存储并构建全部服务
func newApplication(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*application, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}

	app := &application{cfg: cfg, logger: logger, db: db}

	if cfg.Conversation.SessionLock == "redis" {
		app.redis = database.NewRedisClient(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := database.PingRedis(pingCtx, app.redis)
		cancel()
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}
	locker, err := services.NewSessionLocker(cfg.Conversation, app.redis)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.knowledge = services.NewKnowledgeBaseService(db, logger)
	app.triggers = services.NewTriggerWordService(db, logger)
	app.conversations = services.NewConversationManager(db, cfg.Conversation, locker, logger)
	app.analytics = services.NewAnalyticsService(db, cfg.Analytics, logger)
	app.learning = services.NewLearningEngine(app.knowledge, app.conversations, cfg.Learning, logger)
	app.providers = services.NewProviderRegistry(cfg.AI, logger)

	var source services.ContentSource
	if cfg.Indexer.Enabled {
		client := wordpress.NewClient(&wordpress.Config{
			BaseURL:        cfg.Indexer.BaseURL,
			Username:       cfg.Indexer.Username,
			AppPassword:    cfg.Indexer.AppPassword,
			ConsumerKey:    cfg.Indexer.ConsumerKey,
			ConsumerSecret: cfg.Indexer.ConsumerSecret,
			Timeout:        cfg.Indexer.Timeout,
			MaxRetries:     cfg.Indexer.MaxRetries,
			RetryDelay:     time.Second,
		}, logger)
		source = services.NewWordPressSource(client)
	}
	app.indexer = services.NewContentIndexer(app.knowledge, source, services.ContentIndexerOptions{
		PostTypes:     cfg.Indexer.PostTypes,
		Products:      cfg.Indexer.WooCommerce,
		ExcerptLength: cfg.Indexer.ExcerptLength,
	}, logger)

	app.router = services.NewQueryRouter(cfg.Router, app.knowledge, app.triggers, app.indexer, app.providers, logger)
	app.chat = services.NewChatService(app.conversations, app.router, app.analytics, logger)
	return app, nil
}

// newScheduler 注册后台任务；未开启定时的任务仍可手动触发
func (a *application) newScheduler() (*jobs.Scheduler, *jobs.ContentReindexJob, error) {
	var locker services.SessionLocker
	if a.redis != nil {
		locker = services.NewRedisSessionLocker(a.redis, 10*time.Minute)
	}
	scheduler, err := jobs.NewScheduler(locker, a.logger)
	if err != nil {
		return nil, nil, err
	}

	reindex := jobs.NewContentReindexJob(a.indexer, a.logger)
	if a.indexer.Enabled() && a.cfg.Indexer.Schedule != "" {
		if err := scheduler.AddCron(reindex, a.cfg.Indexer.Schedule); err != nil {
			return nil, nil, err
		}
	} else {
		scheduler.Register(reindex)
	}

	extract := jobs.NewKnowledgeExtractionJob(a.learning, 24*time.Hour, a.logger)
	if a.cfg.Learning.ScheduleEnabled && a.cfg.Learning.Interval > 0 {
		if err := scheduler.AddInterval(extract, a.cfg.Learning.Interval); err != nil {
			return nil, nil, err
		}
	} else {
		scheduler.Register(extract)
	}
	return scheduler, reindex, nil
}

// Close 释放数据库与 redis 连接
func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnf("close redis: %v", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
