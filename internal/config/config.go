package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	AI           AIConfig           `mapstructure:"ai" yaml:"ai"`
	Router       RouterConfig       `mapstructure:"router" yaml:"router"`
	Conversation ConversationConfig `mapstructure:"conversation" yaml:"conversation"`
	Learning     LearningConfig     `mapstructure:"learning" yaml:"learning"`
	Indexer      IndexerConfig      `mapstructure:"indexer" yaml:"indexer"`
	Analytics    AnalyticsConfig    `mapstructure:"analytics" yaml:"analytics"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring" yaml:"monitoring"`
	Security     SecurityConfig     `mapstructure:"security" yaml:"security"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // mysql, postgres, sqlite
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	Path            string        `mapstructure:"path" yaml:"path"` // sqlite 文件路径
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// AIConfig AI 提供方配置，Provider 为当前启用的提供方名称
type AIConfig struct {
	Provider   string         `mapstructure:"provider" yaml:"provider"`
	OpenAI     ProviderConfig `mapstructure:"openai" yaml:"openai"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek" yaml:"deepseek"`
	OpenRouter ProviderConfig `mapstructure:"openrouter" yaml:"openrouter"`
}

type ProviderConfig struct {
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Temperature  float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SystemPrompt string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	SiteURL      string        `mapstructure:"site_url" yaml:"site_url"`   // OpenRouter HTTP-Referer
	SiteName     string        `mapstructure:"site_name" yaml:"site_name"` // OpenRouter X-Title
}

// Get 按名称获取提供方配置
func (c AIConfig) Get(name string) (ProviderConfig, bool) {
	switch strings.ToLower(name) {
	case "openai":
		return c.OpenAI, true
	case "deepseek":
		return c.DeepSeek, true
	case "openrouter":
		return c.OpenRouter, true
	}
	return ProviderConfig{}, false
}

type RouterConfig struct {
	ConfidenceThreshold  float64              `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	PrioritizeLocalKB    bool                 `mapstructure:"prioritize_local_kb" yaml:"prioritize_local_kb"`
	TriggerWordsEnabled  bool                 `mapstructure:"trigger_words_enabled" yaml:"trigger_words_enabled"`
	ContentSearchEnabled bool                 `mapstructure:"content_search_enabled" yaml:"content_search_enabled"`
	AIEnabled            bool                 `mapstructure:"ai_enabled" yaml:"ai_enabled"`
	FallbackMessage      string               `mapstructure:"fallback_message" yaml:"fallback_message"`
	CircuitBreaker       CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

type ConversationConfig struct {
	MaxHistory     int           `mapstructure:"max_history" yaml:"max_history"`
	WelcomeMessage string        `mapstructure:"welcome_message" yaml:"welcome_message"`
	SessionLock    string        `mapstructure:"session_lock" yaml:"session_lock"` // none, local, redis
	LockTTL        time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

type LearningConfig struct {
	AutoApprove       bool          `mapstructure:"auto_approve" yaml:"auto_approve"`
	MinConfidence     float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	MinQuestionLength int           `mapstructure:"min_question_length" yaml:"min_question_length"`
	MinAnswerLength   int           `mapstructure:"min_answer_length" yaml:"min_answer_length"`
	ScheduleEnabled   bool          `mapstructure:"schedule_enabled" yaml:"schedule_enabled"`
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
}

type IndexerConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Username       string        `mapstructure:"username" yaml:"username"`
	AppPassword    string        `mapstructure:"app_password" yaml:"app_password"`
	PostTypes      []string      `mapstructure:"post_types" yaml:"post_types"`
	WooCommerce    bool          `mapstructure:"woocommerce" yaml:"woocommerce"`
	ConsumerKey    string        `mapstructure:"consumer_key" yaml:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret" yaml:"consumer_secret"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	Schedule       string        `mapstructure:"schedule" yaml:"schedule"` // cron 表达式
	ExcerptLength  int           `mapstructure:"excerpt_length" yaml:"excerpt_length"`
}

type AnalyticsConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	MaxRecentQueries int  `mapstructure:"max_recent_queries" yaml:"max_recent_queries"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"` // OTLP gRPC 端点
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst" yaml:"burst"`
	Paths             []PathRateLimitConfig `mapstructure:"paths" yaml:"paths"`
	WhitelistIPs      []string              `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
}

// PathRateLimitConfig 按路径前缀覆盖的限流配置
type PathRateLimitConfig struct {
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
}

// 未出现在配置文件中也需要读取环境变量的键
var envKeys = []string{
	"database.driver", "database.host", "database.port", "database.user", "database.password", "database.name", "database.path",
	"redis.host", "redis.port", "redis.password",
	"ai.provider", "ai.openai.api_key", "ai.deepseek.api_key", "ai.openrouter.api_key",
	"indexer.enabled", "indexer.base_url", "indexer.username", "indexer.app_password",
	"indexer.consumer_key", "indexer.consumer_secret",
	"conversation.session_lock", "log.level",
}

// Load 在默认配置基础上解析 viper 中的配置
func Load() (*Config, error) {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize 修正明显不合理的配置值
func (c *Config) Normalize() {
	c.Router.ConfidenceThreshold = clamp01(c.Router.ConfidenceThreshold)
	c.Learning.MinConfidence = clamp01(c.Learning.MinConfidence)
	if c.Conversation.MaxHistory < 2 {
		c.Conversation.MaxHistory = 2
	}
	if c.Conversation.LockTTL <= 0 {
		c.Conversation.LockTTL = 30 * time.Second
	}
	if c.Analytics.MaxRecentQueries <= 0 {
		c.Analytics.MaxRecentQueries = 100
	}
	if c.Indexer.Timeout <= 0 {
		c.Indexer.Timeout = 30 * time.Second
	}
	if c.Indexer.ExcerptLength <= 0 {
		c.Indexer.ExcerptLength = 300
	}
	if c.Learning.MinQuestionLength <= 0 {
		c.Learning.MinQuestionLength = 10
	}
	if c.Learning.MinAnswerLength <= 0 {
		c.Learning.MinAnswerLength = 20
	}
	for _, p := range []*ProviderConfig{&c.AI.OpenAI, &c.AI.DeepSeek, &c.AI.OpenRouter} {
		if p.Timeout <= 0 {
			p.Timeout = 45 * time.Second
		}
	}
	c.Conversation.SessionLock = strings.ToLower(strings.TrimSpace(c.Conversation.SessionLock))
	if c.Conversation.SessionLock == "" {
		c.Conversation.SessionLock = "none"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "mysql",
			Host:            "localhost",
			Port:            3306,
			User:            "chatdesk",
			Password:        "password",
			Name:            "chatdesk",
			Path:            "./data/chatdesk.db",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			DB:       0,
			PoolSize: 10,
		},
		AI: AIConfig{
			Provider: "openai",
			OpenAI: ProviderConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-3.5-turbo",
				Temperature: 0.7,
				MaxTokens:   1000,
				Timeout:     45 * time.Second,
			},
			DeepSeek: ProviderConfig{
				BaseURL:     "https://api.deepseek.com/v1",
				Model:       "deepseek-chat",
				Temperature: 0.7,
				MaxTokens:   1000,
				Timeout:     60 * time.Second,
			},
			OpenRouter: ProviderConfig{
				BaseURL:     "https://openrouter.ai/api/v1",
				Model:       "openai/gpt-3.5-turbo",
				Temperature: 0.7,
				MaxTokens:   1000,
				Timeout:     60 * time.Second,
				SiteName:    "chatdesk",
			},
		},
		Router: RouterConfig{
			ConfidenceThreshold:  0.7,
			PrioritizeLocalKB:    true,
			TriggerWordsEnabled:  true,
			ContentSearchEnabled: true,
			AIEnabled:            true,
			FallbackMessage:      "I'm sorry, I couldn't find an answer to that right now. Please try rephrasing your question or contact our support team.",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		Conversation: ConversationConfig{
			MaxHistory:     50,
			WelcomeMessage: "Hi! How can I help you today?",
			SessionLock:    "none",
			LockTTL:        30 * time.Second,
		},
		Learning: LearningConfig{
			AutoApprove:       false,
			MinConfidence:     0.8,
			MinQuestionLength: 10,
			MinAnswerLength:   20,
			ScheduleEnabled:   false,
			Interval:          6 * time.Hour,
		},
		Indexer: IndexerConfig{
			Enabled:       false,
			BaseURL:       "http://localhost",
			PostTypes:     []string{"posts", "pages"},
			WooCommerce:   false,
			Timeout:       30 * time.Second,
			MaxRetries:    2,
			Schedule:      "0 3 * * *",
			ExcerptLength: 300,
		},
		Analytics: AnalyticsConfig{
			Enabled:          true,
			MaxRecentQueries: 100,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/chatdesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "chatdesk",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
				Paths: []PathRateLimitConfig{
					{Prefix: "/api/v1/chat", RequestsPerMinute: 30, Burst: 5},
				},
			},
		},
	}
}
