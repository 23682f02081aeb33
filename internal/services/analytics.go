package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalyticsSummary 时间区间内的计数汇总
type AnalyticsSummary struct {
	From          string             `json:"from"`
	To            string             `json:"to"`
	Channel       string             `json:"channel,omitempty"`
	Conversations int64              `json:"conversations"`
	Messages      int64              `json:"messages"`
	AI            int64              `json:"ai"`
	KnowledgeBase int64              `json:"knowledge_base"`
	Trigger       int64              `json:"trigger_word"`
	Content       int64              `json:"wp_content"`
	Fallback      int64              `json:"fallback"`
	SourceShare   map[string]float64 `json:"source_share"`
}

// AnalyticsService 按 (日期, 渠道) 聚合计数
type AnalyticsService struct {
	db     *gorm.DB
	cfg    config.AnalyticsConfig
	logger *logrus.Logger
	now    func() time.Time
}

// NewAnalyticsService 创建统计服务
func NewAnalyticsService(db *gorm.DB, cfg config.AnalyticsConfig, logger *logrus.Logger) *AnalyticsService {
	if cfg.MaxRecentQueries <= 0 {
		cfg.MaxRecentQueries = 100
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &AnalyticsService{db: db, cfg: cfg, logger: logger, now: time.Now}
}

func (a *AnalyticsService) today() string {
	return a.now().UTC().Format(models.DateLayout)
}

func channelOrDefault(channel string) string {
	if channel == "" {
		return DefaultChannel
	}
	return channel
}

func (a *AnalyticsService) ensureRecord(tx *gorm.DB, date, channel string) error {
	rec := &models.AnalyticsRecord{Date: date, Channel: channel}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

func (a *AnalyticsService) increment(ctx context.Context, channel, column string) error {
	if !a.cfg.Enabled {
		return nil
	}
	date, channel := a.today(), channelOrDefault(channel)
	db := a.db.WithContext(ctx)
	if err := a.ensureRecord(db, date, channel); err != nil {
		return fmt.Errorf("ensure analytics record: %w", err)
	}
	err := db.Model(&models.AnalyticsRecord{}).
		Where("date = ? AND channel = ?", date, channel).
		Update(column, gorm.Expr(column+" + ?", 1)).Error
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// RecordConversation 新会话计数
func (a *AnalyticsService) RecordConversation(ctx context.Context, channel string) error {
	return a.increment(ctx, channel, "conversation_count")
}

// RecordMessage 用户消息计数
func (a *AnalyticsService) RecordMessage(ctx context.Context, channel string) error {
	return a.increment(ctx, channel, "message_count")
}

// RecordResponse 按回答来源计数
func (a *AnalyticsService) RecordResponse(ctx context.Context, channel, source string) error {
	column := responseColumn(source)
	if column == "" {
		return validationError("unknown response source: %s", source)
	}
	return a.increment(ctx, channel, column)
}

func responseColumn(source string) string {
	switch source {
	case RouteAI:
		return "ai_count"
	case RouteKnowledgeBase, RouteKnowledgeBaseFallback:
		return "kb_count"
	case RouteTriggerWord:
		return "trigger_count"
	case RouteContent, RouteContentFallback:
		return "content_count"
	case RouteFallback:
		return "fallback_count"
	}
	return ""
}

// RecordQuery 更新当日热门查询列表
func (a *AnalyticsService) RecordQuery(ctx context.Context, channel, query string) error {
	if !a.cfg.Enabled {
		return nil
	}
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if q == "" {
		return nil
	}
	date, channel := a.today(), channelOrDefault(channel)
	now := a.now().UTC()

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := a.ensureRecord(tx, date, channel); err != nil {
			return err
		}
		var rec models.AnalyticsRecord
		if err := tx.Where("date = ? AND channel = ?", date, channel).First(&rec).Error; err != nil {
			return err
		}
		rec.Metadata.RecentQueries = addTrendingQuery(rec.Metadata.RecentQueries, q, now, a.cfg.MaxRecentQueries)
		// 只写 metadata，计数列由单条 UPDATE 自增维护
		return tx.Model(&rec).Select("metadata", "updated_at").Updates(&rec).Error
	})
}

// addTrendingQuery 累加计数，超出上限时淘汰频次最低且最久未出现的查询，结果按频次降序
func addTrendingQuery(list []models.TrendingQuery, query string, now time.Time, max int) []models.TrendingQuery {
	found := false
	for i := range list {
		if list[i].Query == query {
			list[i].Count++
			list[i].LastSeen = now
			found = true
			break
		}
	}
	if !found {
		list = append(list, models.TrendingQuery{Query: query, Count: 1, LastSeen: now})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		return list[i].LastSeen.After(list[j].LastSeen)
	})
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	return list
}

// Daily 按日期列出记录
func (a *AnalyticsService) Daily(ctx context.Context, from, to time.Time, channel string) ([]models.AnalyticsRecord, error) {
	q := a.db.WithContext(ctx).
		Where("date >= ? AND date <= ?", from.UTC().Format(models.DateLayout), to.UTC().Format(models.DateLayout))
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var list []models.AnalyticsRecord
	if err := q.Order("date ASC, channel ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list analytics: %w", err)
	}
	return list, nil
}

// Summary 汇总区间内各计数及回答来源占比
func (a *AnalyticsService) Summary(ctx context.Context, from, to time.Time, channel string) (*AnalyticsSummary, error) {
	records, err := a.Daily(ctx, from, to, channel)
	if err != nil {
		return nil, err
	}
	s := &AnalyticsSummary{
		From:        from.UTC().Format(models.DateLayout),
		To:          to.UTC().Format(models.DateLayout),
		Channel:     channel,
		SourceShare: map[string]float64{},
	}
	for _, r := range records {
		s.Conversations += r.ConversationCount
		s.Messages += r.MessageCount
		s.AI += r.AICount
		s.KnowledgeBase += r.KBCount
		s.Trigger += r.TriggerCount
		s.Content += r.ContentCount
		s.Fallback += r.FallbackCount
	}
	total := s.AI + s.KnowledgeBase + s.Trigger + s.Content + s.Fallback
	if total > 0 {
		s.SourceShare[RouteAI] = float64(s.AI) / float64(total)
		s.SourceShare[RouteKnowledgeBase] = float64(s.KnowledgeBase) / float64(total)
		s.SourceShare[RouteTriggerWord] = float64(s.Trigger) / float64(total)
		s.SourceShare[RouteContent] = float64(s.Content) / float64(total)
		s.SourceShare[RouteFallback] = float64(s.Fallback) / float64(total)
	}
	return s, nil
}

// TopQueries 合并区间内各日热门查询
func (a *AnalyticsService) TopQueries(ctx context.Context, from, to time.Time, limit int) ([]models.TrendingQuery, error) {
	records, err := a.Daily(ctx, from, to, "")
	if err != nil {
		return nil, err
	}
	merged := map[string]*models.TrendingQuery{}
	for _, r := range records {
		for _, tq := range r.Metadata.RecentQueries {
			m, ok := merged[tq.Query]
			if !ok {
				cp := tq
				merged[tq.Query] = &cp
				continue
			}
			m.Count += tq.Count
			if tq.LastSeen.After(m.LastSeen) {
				m.LastSeen = tq.LastSeen
			}
		}
	}
	out := make([]models.TrendingQuery, 0, len(merged))
	for _, m := range merged {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Query < out[j].Query
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
