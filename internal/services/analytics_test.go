package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestAnalytics(t *testing.T, maxRecent int) (*AnalyticsService, *time.Time) {
	t.Helper()
	svc := NewAnalyticsService(newServiceTestDB(t, "analytics"), config.AnalyticsConfig{Enabled: true, MaxRecentQueries: maxRecent}, quietLogger())
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestAnalytics_Counters(t *testing.T) {
	svc, now := newTestAnalytics(t, 100)
	ctx := context.Background()

	require.NoError(t, svc.RecordConversation(ctx, ""))
	require.NoError(t, svc.RecordMessage(ctx, "web"))
	require.NoError(t, svc.RecordMessage(ctx, "web"))
	require.NoError(t, svc.RecordResponse(ctx, "web", RouteAI))
	require.NoError(t, svc.RecordResponse(ctx, "web", RouteKnowledgeBaseFallback))
	require.NoError(t, svc.RecordResponse(ctx, "web", RouteTriggerWord))
	require.NoError(t, svc.RecordResponse(ctx, "api", RouteFallback))
	assert.True(t, errors.Is(svc.RecordResponse(ctx, "web", "carrier_pigeon"), ErrValidation))

	*now = now.Add(24 * time.Hour)
	require.NoError(t, svc.RecordResponse(ctx, "web", RouteContent))

	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	daily, err := svc.Daily(ctx, from, to, "web")
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, "2024-06-01", daily[0].Date)
	assert.Equal(t, int64(1), daily[0].ConversationCount)
	assert.Equal(t, int64(2), daily[0].MessageCount)
	assert.Equal(t, int64(1), daily[0].AICount)
	assert.Equal(t, int64(1), daily[0].KBCount)
	assert.Equal(t, int64(1), daily[1].ContentCount)

	sum, err := svc.Summary(ctx, from, to, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.AI)
	assert.Equal(t, int64(1), sum.Fallback)
	assert.Equal(t, int64(1), sum.Content)
	assert.InDelta(t, 0.2, sum.SourceShare[RouteAI], 1e-9)
}

func TestAnalytics_Disabled(t *testing.T) {
	svc := NewAnalyticsService(newServiceTestDB(t, "analytics"), config.AnalyticsConfig{Enabled: false}, quietLogger())
	ctx := context.Background()
	require.NoError(t, svc.RecordMessage(ctx, "web"))
	require.NoError(t, svc.RecordQuery(ctx, "web", "hello"))

	daily, err := svc.Daily(ctx, time.Now().Add(-48*time.Hour), time.Now().Add(48*time.Hour), "")
	require.NoError(t, err)
	assert.Empty(t, daily)
}

func TestAnalytics_RecordQueryTrending(t *testing.T) {
	svc, now := newTestAnalytics(t, 3)
	ctx := context.Background()

	record := func(q string) {
		require.NoError(t, svc.RecordQuery(ctx, "web", q))
		*now = now.Add(time.Second)
	}
	record("Refund   Policy")
	record("refund policy")
	record("shipping")
	record("hours")
	record("hours")
	record("gift cards")

	daily, err := svc.Daily(ctx, *now, *now, "web")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	list := daily[0].Metadata.RecentQueries
	require.Len(t, list, 3)
	// 频次相同时最近出现的排在前面
	assert.Equal(t, "hours", list[0].Query)
	assert.Equal(t, int64(2), list[0].Count)
	assert.Equal(t, "refund policy", list[1].Query)
	assert.Equal(t, "gift cards", list[2].Query)

	top, err := svc.TopQueries(ctx, *now, *now, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "hours", top[0].Query)
}

func TestAnalytics_RecordQueryWritesOnlyMetadata(t *testing.T) {
	svc, _ := newTestAnalytics(t, 10)
	ctx := context.Background()
	require.NoError(t, svc.RecordMessage(ctx, "web"))

	var updates []string
	err := svc.db.Callback().Update().After("gorm:update").Register("test:capture_analytics_update", func(db *gorm.DB) {
		if db.Statement.Table == "analytics_records" {
			updates = append(updates, db.Statement.SQL.String())
		}
	})
	require.NoError(t, err)
	require.NoError(t, svc.RecordQuery(ctx, "web", "refund policy"))

	require.Len(t, updates, 1)
	assert.Contains(t, updates[0], "metadata")
	assert.NotContains(t, updates[0], "message_count")
	assert.NotContains(t, updates[0], "ai_count")

	// 计数与查询均保留
	require.NoError(t, svc.RecordMessage(ctx, "web"))
	var rec models.AnalyticsRecord
	require.NoError(t, svc.db.Where("channel = ?", "web").First(&rec).Error)
	assert.Equal(t, int64(2), rec.MessageCount)
	require.Len(t, rec.Metadata.RecentQueries, 1)
	assert.Equal(t, "refund policy", rec.Metadata.RecentQueries[0].Query)
}

func TestAddTrendingQuery_CapAndOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var list []models.TrendingQuery
	for i := 0; i < 105; i++ {
		list = addTrendingQuery(list, fmt.Sprintf("q%d", i), base.Add(time.Duration(i)*time.Second), 100)
	}
	list = addTrendingQuery(list, "q104", base.Add(time.Hour), 100)

	require.Len(t, list, 100)
	assert.Equal(t, "q104", list[0].Query)
	assert.Equal(t, int64(2), list[0].Count)
	for _, q := range list {
		assert.NotEqual(t, "q0", q.Query)
	}
}
