package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatdesk/internal/models"
	"chatdesk/pkg/wordpress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContentSource struct {
	items map[string][]ContentItem
	fail  map[string]error
	since []time.Time
}

func (f *fakeContentSource) ListPublished(_ context.Context, itemType string, since time.Time) ([]ContentItem, error) {
	f.since = append(f.since, since)
	if err := f.fail[itemType]; err != nil {
		return nil, err
	}
	return f.items[itemType], nil
}

func intPtr(i int) *int { return &i }

func TestStripHTMLAndExcerpt(t *testing.T) {
	html := `<h2>Intro</h2><p>Hello&nbsp;<b>world</b></p><script>alert(1)</script><style>p{}</style><p>Second   line</p>`
	assert.Equal(t, "Intro Hello world Second line", StripHTML(html))
	assert.Equal(t, "plain text", StripHTML("  plain \n text "))

	text := "The quick brown fox jumps over the lazy dog"
	assert.Equal(t, text, Excerpt(text, 100))
	assert.Equal(t, "The quick brown fox...", Excerpt(text, 20))
}

func TestContentIndexer_PostUpsertIsIdempotent(t *testing.T) {
	kb := NewKnowledgeBaseService(newServiceTestDB(t, "content"), quietLogger())
	src := &fakeContentSource{items: map[string][]ContentItem{
		"posts": {{ID: 42, Type: "post", Status: "publish", Title: "Returns Guide", Content: "<p>Items can be returned within <b>30 days</b>.</p>", URL: "https://shop.example/returns"}},
	}}
	ci := NewContentIndexer(kb, src, ContentIndexerOptions{PostTypes: []string{"posts"}}, quietLogger())
	ctx := context.Background()

	report, err := ci.Reindex(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 2, report.Entries)

	// 再次索引不产生重复
	src.items["posts"][0].Content = "<p>Items can be returned within 60 days.</p>"
	_, err = ci.Reindex(ctx, time.Time{})
	require.NoError(t, err)

	entries, err := kb.FindByMetadata(ctx, map[string]interface{}{"source": models.SourceWPContent, "post_id": 42})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byType := map[string]models.KnowledgeEntry{}
	for _, e := range entries {
		byType[metaString(e.Metadata, "entry_type")] = e
	}
	assert.Equal(t, "What is Returns Guide?", byType[EntryTypeSummary].Question)
	assert.Equal(t, "Tell me more about Returns Guide", byType[EntryTypeDetails].Question)
	assert.Contains(t, byType[EntryTypeDetails].Answer, "60 days")
	assert.Contains(t, byType[EntryTypeDetails].Answer, "Read more: https://shop.example/returns")
	assert.True(t, byType[EntryTypeSummary].Approved)
	assert.Equal(t, postConfidence, byType[EntryTypeSummary].Confidence)

	// 内容检索只命中站点内容
	res, err := ci.Search(ctx, "What is Returns Guide?")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, models.SourceWPContent, res.Source)

	kbRes, err := kb.Search(ctx, "What is Returns Guide?")
	require.NoError(t, err)
	assert.Nil(t, kbRes)
}

func TestContentIndexer_ProductEntriesAndStaleTypes(t *testing.T) {
	kb := NewKnowledgeBaseService(newServiceTestDB(t, "content"), quietLogger())
	product := ContentItem{
		ID: 7, Status: "publish", Title: "Blue Widget", Excerpt: "<p>A sturdy widget.</p>",
		URL: "https://shop.example/blue-widget", Price: "15.00", RegularPrice: "20.00", OnSale: true,
		StockStatus: "instock", StockQuantity: intPtr(3), Categories: []string{"Widgets"},
	}
	src := &fakeContentSource{items: map[string][]ContentItem{ItemTypeProduct: {product}}}
	ci := NewContentIndexer(kb, src, ContentIndexerOptions{Products: true}, quietLogger())
	ctx := context.Background()

	report, err := ci.Reindex(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Entries)

	entries, err := kb.FindByMetadata(ctx, map[string]interface{}{"product_id": 7})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, models.SourceWooProduct, e.Source)
		assert.Equal(t, "Widgets", e.Topic)
		switch metaString(e.Metadata, "entry_type") {
		case EntryTypePrice:
			assert.Equal(t, "How much does Blue Widget cost?", e.Question)
			assert.Contains(t, e.Answer, "on sale for 15.00")
		case EntryTypeAvailability:
			assert.Equal(t, "Is Blue Widget in stock?", e.Question)
			assert.Contains(t, e.Answer, "3 available")
		}
	}

	// 价格与库存信息消失后，对应条目被删除
	product.Price = ""
	product.StockStatus = ""
	src.items[ItemTypeProduct] = []ContentItem{product}
	_, err = ci.Reindex(ctx, time.Time{})
	require.NoError(t, err)
	entries, err = kb.FindByMetadata(ctx, map[string]interface{}{"product_id": 7})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryTypeOverview, metaString(entries[0].Metadata, "entry_type"))
}

func TestContentIndexer_UnpublishedItemsAreRemoved(t *testing.T) {
	kb := NewKnowledgeBaseService(newServiceTestDB(t, "content"), quietLogger())
	item := ContentItem{ID: 5, Type: "page", Status: "publish", Title: "About", Content: "About us page."}
	src := &fakeContentSource{items: map[string][]ContentItem{"pages": {item}}, fail: map[string]error{}}
	ci := NewContentIndexer(kb, src, ContentIndexerOptions{PostTypes: []string{"pages", "docs"}}, quietLogger())
	ctx := context.Background()
	src.fail["docs"] = errors.New("rest_no_route")

	report, err := ci.Reindex(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Entries)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "docs")

	item.Status = "trash"
	src.items["pages"] = []ContentItem{item}
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	report, err = ci.Reindex(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Removed)
	assert.Equal(t, since, src.since[len(src.since)-1])

	total, err := kb.GetEntriesCount(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestContentIndexer_NoSource(t *testing.T) {
	kb := NewKnowledgeBaseService(newServiceTestDB(t, "content"), quietLogger())
	ci := NewContentIndexer(kb, nil, ContentIndexerOptions{}, quietLogger())
	assert.False(t, ci.Enabled())
	_, err := ci.Reindex(context.Background(), time.Time{})
	assert.Error(t, err)
}

func TestWordPressSource_ListPublished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-WP-TotalPages", "1")
		if strings.HasSuffix(r.URL.Path, "/products") {
			fmt.Fprint(w, `[{"id":3,"name":"Mug","status":"publish","short_description":"","description":"<p>Ceramic mug</p>","price":"9.00","categories":[{"id":1,"name":"Kitchen"}]}]`)
			return
		}
		fmt.Fprint(w, `[{"id":1,"type":"post","status":"publish","title":{"rendered":"Hello &amp; welcome"},"content":{"rendered":"<p>Body</p>"},"link":"https://x/hello"}]`)
	}))
	defer srv.Close()

	client := wordpress.NewClient(&wordpress.Config{BaseURL: srv.URL, MaxRetries: 0}, quietLogger())
	src := NewWordPressSource(client)

	posts, err := src.ListPublished(context.Background(), "posts", time.Time{})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "Hello & welcome", posts[0].Title)

	products, err := src.ListPublished(context.Background(), ItemTypeProduct, time.Time{})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, ItemTypeProduct, products[0].Type)
	assert.Equal(t, "<p>Ceramic mug</p>", products[0].Excerpt)
	assert.Equal(t, []string{"Kitchen"}, products[0].Categories)
}
