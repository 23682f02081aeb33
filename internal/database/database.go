package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatdesk/internal/config"
	"chatdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Dialector 根据配置构建 gorm 方言
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
		return postgres.Open(dsn), nil
	case "sqlite":
		if cfg.Path != ":memory:" && !strings.HasPrefix(cfg.Path, "file:") {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return sqlite.Open(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Open 连接数据库并设置连接池
func Open(cfg *config.Config) (*gorm.DB, error) {
	dialector, err := Dialector(cfg.Database)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	// GORM OTel 插件
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("enable gorm tracing: %v", err)
		}
	}

	return db, nil
}

// Migrate 自动迁移全部模型，MySQL 下额外创建全文索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	switch db.Dialector.Name() {
	case "mysql":
		if !db.Migrator().HasIndex(&models.KnowledgeEntry{}, "ft_knowledge_qa") {
			if err := db.Exec("CREATE FULLTEXT INDEX ft_knowledge_qa ON knowledge_entries(question, answer)").Error; err != nil {
				logrus.Warnf("create fulltext index: %v", err)
			}
		}
	case "postgres":
		db.Exec("CREATE INDEX IF NOT EXISTS idx_knowledge_fts ON knowledge_entries USING GIN (to_tsvector('simple', question || ' ' || answer))")
	}

	db.Exec("CREATE INDEX IF NOT EXISTS idx_conversations_channel_updated ON conversations(channel, updated_at)")
	return nil
}
