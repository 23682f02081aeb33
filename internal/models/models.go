package models

import (
	"time"

	"gorm.io/datatypes"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// 知识条目来源
const (
	SourceManual       = "manual"
	SourceConversation = "conversation"
	SourceWPContent    = "wp_content"
	SourceWooProduct   = "woocommerce_product"
)

// ContentSources 由内容索引器写入的来源
var ContentSources = []string{SourceWPContent, SourceWooProduct}

// IsContentSource 判断来源是否属于站点内容索引
func IsContentSource(source string) bool {
	return source == SourceWPContent || source == SourceWooProduct
}

// ChatMessage 会话中的单条消息
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation 会话记录，消息与元数据以 JSON 列保存；归档与标记同时写入独立列便于筛选
type Conversation struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	SessionID string            `gorm:"size:64;uniqueIndex;not null" json:"session_id"`
	Channel   string            `gorm:"size:32;index;default:'web'" json:"channel"`
	Messages  []ChatMessage     `gorm:"serializer:json;type:text" json:"messages"`
	Metadata  datatypes.JSONMap `json:"metadata"`
	Archived  bool              `gorm:"index" json:"archived"`
	Flagged   bool              `gorm:"index" json:"flagged"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt time.Time         `gorm:"index" json:"updated_at"`
}

// KnowledgeEntry 知识库问答条目
type KnowledgeEntry struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	Question   string            `gorm:"type:text;not null" json:"question"`
	Answer     string            `gorm:"type:text;not null" json:"answer"`
	Topic      string            `gorm:"size:191;index" json:"topic"`
	Confidence float64           `json:"confidence"`
	Approved   bool              `gorm:"index" json:"approved"`
	Rejected   bool              `gorm:"index" json:"rejected"`
	UsageCount int64             `gorm:"default:0" json:"usage_count"`
	Source     string            `gorm:"size:32;index;default:'manual'" json:"source"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// 触发词匹配方式
const (
	MatchExact      = "exact"
	MatchContains   = "contains"
	MatchStartsWith = "starts_with"
	MatchEndsWith   = "ends_with"
	MatchRegex      = "regex"
)

// ValidMatchType 判断匹配方式是否合法
func ValidMatchType(t string) bool {
	switch t {
	case MatchExact, MatchContains, MatchStartsWith, MatchEndsWith, MatchRegex:
		return true
	}
	return false
}

// TriggerWord 触发词规则
type TriggerWord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Word      string    `gorm:"size:191;index;not null" json:"word"`
	MatchType string    `gorm:"size:16;default:'contains'" json:"match_type"`
	Priority  int       `gorm:"default:0;index" json:"priority"`
	Active    bool      `json:"active"`
	Responses []string  `gorm:"serializer:json;type:text" json:"responses"`
	FollowUps []string  `gorm:"serializer:json;type:text" json:"follow_ups"`
	Category  string    `gorm:"size:64;index" json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrendingQuery 近期热门查询
type TrendingQuery struct {
	Query    string    `json:"query"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// AnalyticsMeta 统计记录的元数据
type AnalyticsMeta struct {
	RecentQueries []TrendingQuery `json:"recent_queries"`
}

// DateLayout 统计记录使用的日期格式
const DateLayout = "2006-01-02"

// AnalyticsRecord 按 (日期, 渠道) 聚合的计数
type AnalyticsRecord struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	Date              string        `gorm:"size:10;uniqueIndex:idx_analytics_date_channel" json:"date"` // YYYY-MM-DD
	Channel           string        `gorm:"size:32;uniqueIndex:idx_analytics_date_channel" json:"channel"`
	ConversationCount int64         `gorm:"default:0" json:"conversation_count"`
	MessageCount      int64         `gorm:"default:0" json:"message_count"`
	AICount           int64         `gorm:"default:0" json:"ai_count"`
	KBCount           int64         `gorm:"default:0" json:"kb_count"`
	TriggerCount      int64         `gorm:"default:0" json:"trigger_count"`
	ContentCount      int64         `gorm:"default:0" json:"content_count"`
	FallbackCount     int64         `gorm:"default:0" json:"fallback_count"`
	Metadata          AnalyticsMeta `gorm:"serializer:json;type:text" json:"metadata"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// AllModels 需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&Conversation{},
		&KnowledgeEntry{},
		&TriggerWord{},
		&AnalyticsRecord{},
	}
}
