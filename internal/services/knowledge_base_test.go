package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatdesk/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newServiceTestDB(t *testing.T, prefix string) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := "file:" + prefix + "_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func boolPtr(b bool) *bool { return &b }
func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string { return &s }

func seedEntry(t *testing.T, svc *KnowledgeBaseService, q, a string, meta map[string]interface{}) *models.KnowledgeEntry {
	t.Helper()
	e, err := svc.AddEntry(context.Background(), &KnowledgeEntryCreateRequest{Question: q, Answer: a, Metadata: meta})
	require.NoError(t, err)
	return e
}

func TestKnowledgeBase_AddEntryValidation(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	ctx := context.Background()

	_, err := svc.AddEntry(ctx, &KnowledgeEntryCreateRequest{Question: "  ", Answer: "x"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = svc.AddEntry(ctx, &KnowledgeEntryCreateRequest{Question: "q", Answer: ""})
	assert.True(t, errors.Is(err, ErrValidation))

	e, err := svc.AddEntry(ctx, &KnowledgeEntryCreateRequest{Question: " What is your refund policy? ", Answer: "30 days."})
	require.NoError(t, err)
	assert.Equal(t, "What is your refund policy?", e.Question)
	assert.True(t, e.Approved)
	assert.Equal(t, 1.0, e.Confidence)
	assert.Equal(t, models.SourceManual, e.Source)
	assert.Equal(t, models.SourceManual, e.Metadata["source"])
}

func TestKnowledgeBase_SearchExactIsFullConfidence(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	e := seedEntry(t, svc, "Refund Policy", "You can return items within 30 days.", nil)

	res, err := svc.Search(context.Background(), "refund policy")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, e.ID, res.ID)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, MatchMethodExact, res.Method)
}

func TestKnowledgeBase_SearchLikeUsesSimilarity(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	seedEntry(t, svc, "What are your shipping times?", "Orders ship in 2 business days.", nil)
	seedEntry(t, svc, "Do you ship abroad?", "Yes, we ship to most countries.", nil)

	res, err := svc.Search(context.Background(), "ship")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, MatchMethodLike, res.Method)
	assert.Greater(t, res.Confidence, 0.0)
	assert.Less(t, res.Confidence, 1.0)
	assert.Equal(t, "Do you ship abroad?", res.Question)
}

func TestKnowledgeBase_SearchSkipsUnapprovedAndContent(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	ctx := context.Background()

	_, err := svc.AddEntry(ctx, &KnowledgeEntryCreateRequest{Question: "pending question", Answer: "pending answer", Approved: boolPtr(false)})
	require.NoError(t, err)
	seedEntry(t, svc, "What is Blue Widget?", "A widget.", map[string]interface{}{"source": models.SourceWPContent, "post_id": 7})

	res, err := svc.Search(ctx, "pending question")
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = svc.Search(ctx, "What is Blue Widget?")
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = svc.search(ctx, "What is Blue Widget?", searchScope{content: true})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.SourceWPContent, res.Source)
}

func TestKnowledgeBase_SearchEmptyQuery(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	res, err := svc.Search(context.Background(), "   ")
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestKnowledgeBase_UpdateDeleteAndUsage(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	ctx := context.Background()
	e := seedEntry(t, svc, "Opening hours?", "9 to 5 on weekdays.", nil)

	updated, err := svc.UpdateEntry(ctx, e.ID, &KnowledgeEntryUpdateRequest{
		Topic:      strPtr("store"),
		Confidence: floatPtr(3),
		Metadata:   map[string]interface{}{"note": "seasonal"},
	})
	require.NoError(t, err)
	assert.Equal(t, "store", updated.Topic)
	assert.Equal(t, 1.0, updated.Confidence)
	assert.Equal(t, "seasonal", updated.Metadata["note"])
	assert.Equal(t, "Opening hours?", updated.Question)

	_, err = svc.UpdateEntry(ctx, e.ID, &KnowledgeEntryUpdateRequest{Answer: strPtr(" ")})
	assert.True(t, errors.Is(err, ErrValidation))

	require.NoError(t, svc.IncrementUsageCount(ctx, e.ID))
	require.NoError(t, svc.IncrementUsageCount(ctx, e.ID))
	got, err := svc.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)

	require.NoError(t, svc.DeleteEntry(ctx, e.ID))
	assert.True(t, errors.Is(svc.DeleteEntry(ctx, e.ID), gorm.ErrRecordNotFound))
	_, err = svc.GetEntry(ctx, e.ID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestKnowledgeBase_LikeWildcardsAreLiteral(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	ctx := context.Background()
	seedEntry(t, svc, "What are your shipping times?", "Orders ship in 2 business days.", nil)
	seedEntry(t, svc, "Is there a 10% discount?", "Yes, use code SAVE10 at checkout.", nil)

	for _, q := range []string{"_", "s_ipping", "ship%days"} {
		res, err := svc.Search(ctx, q)
		require.NoError(t, err, q)
		assert.Nil(t, res, q)
	}

	res, err := svc.Search(ctx, "10%")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "Is there a 10% discount?", res.Question)

	total, err := svc.GetEntriesCount(ctx, &KnowledgeEntryFilter{Search: "_"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	total, err = svc.GetEntriesCount(ctx, &KnowledgeEntryFilter{Search: "%"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestKnowledgeBase_GetEntriesFilters(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	ctx := context.Background()
	for _, q := range []string{"alpha question", "beta question", "gamma question"} {
		_, err := svc.AddEntry(ctx, &KnowledgeEntryCreateRequest{Question: q, Answer: "answer for " + q, Topic: "greek"})
		require.NoError(t, err)
	}
	_, err := svc.AddEntry(ctx, &KnowledgeEntryCreateRequest{Question: "unapproved", Answer: "nope", Approved: boolPtr(false)})
	require.NoError(t, err)

	total, err := svc.GetEntriesCount(ctx, &KnowledgeEntryFilter{Topic: "greek"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	total, err = svc.GetEntriesCount(ctx, &KnowledgeEntryFilter{Approved: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	list, err := svc.GetEntries(ctx, &KnowledgeEntryFilter{Topic: "greek", OrderBy: "question", Order: "asc", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha question", list[0].Question)

	list, err = svc.GetEntries(ctx, &KnowledgeEntryFilter{Topic: "greek", OrderBy: "question", Order: "asc", PageSize: 2, Page: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "gamma question", list[0].Question)

	list, err = svc.GetEntries(ctx, &KnowledgeEntryFilter{Search: "beta", OrderBy: "bogus; DROP TABLE"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	topics, err := svc.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"greek"}, topics)
}

func TestKnowledgeBase_FindAndDeleteByMetadata(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	ctx := context.Background()
	seedEntry(t, svc, "What is A?", "A is the first product.", map[string]interface{}{"source": models.SourceWPContent, "post_id": 1, "entry_type": "summary"})
	seedEntry(t, svc, "Tell me more about A", "Details about A.", map[string]interface{}{"source": models.SourceWPContent, "post_id": 1, "entry_type": "details"})
	seedEntry(t, svc, "What is B?", "B is the second product.", map[string]interface{}{"source": models.SourceWPContent, "post_id": 2, "entry_type": "summary"})

	found, err := svc.FindByMetadata(ctx, map[string]interface{}{"source": models.SourceWPContent, "post_id": 1})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = svc.FindByMetadata(ctx, map[string]interface{}{"post_id": 1, "entry_type": "details"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Tell me more about A", found[0].Question)

	_, err = svc.FindByMetadata(ctx, nil)
	assert.True(t, errors.Is(err, ErrValidation))

	n, err := svc.DeleteByMetadata(ctx, map[string]interface{}{"post_id": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := svc.GetEntriesCount(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestKnowledgeBase_MetadataFallbackFilter(t *testing.T) {
	svc := NewKnowledgeBaseService(newServiceTestDB(t, "kb"), quietLogger())
	ctx := context.Background()
	seedEntry(t, svc, "What is A?", "A is a product.", map[string]interface{}{"post_id": 10, "entry_type": "summary"})
	seedEntry(t, svc, "What is B?", "B is a product.", map[string]interface{}{"post_id": 100, "entry_type": "summary"})

	found, err := svc.findByMetadataFallback(ctx, map[string]interface{}{"post_id": 10})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "What is A?", found[0].Question)
}

func TestNormalizeMetaValue(t *testing.T) {
	assert.Equal(t, "5", normalizeMetaValue(float64(5)))
	assert.Equal(t, "5", normalizeMetaValue(5))
	assert.Equal(t, "2.5", normalizeMetaValue(2.5))
	assert.Equal(t, "abc", normalizeMetaValue("abc"))
}
