package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatdesk/internal/models"
	"chatdesk/pkg/wordpress"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// 内容条目类型
const (
	EntryTypeSummary      = "summary"
	EntryTypeDetails      = "details"
	EntryTypeOverview     = "overview"
	EntryTypePrice        = "price"
	EntryTypeAvailability = "availability"

	ItemTypeProduct = "product"
	StatusPublish   = "publish"
)

const (
	postConfidence    = 0.9
	productConfidence = 0.95
)

// ContentItem 内容源返回的统一条目
type ContentItem struct {
	ID            int64     `json:"id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Excerpt       string    `json:"excerpt"`
	URL           string    `json:"url"`
	Price         string    `json:"price,omitempty"`
	RegularPrice  string    `json:"regular_price,omitempty"`
	SalePrice     string    `json:"sale_price,omitempty"`
	OnSale        bool      `json:"on_sale,omitempty"`
	StockStatus   string    `json:"stock_status,omitempty"`
	StockQuantity *int      `json:"stock_quantity,omitempty"`
	Categories    []string  `json:"categories,omitempty"`
	Modified      time.Time `json:"modified"`
}

// ContentSource 站点内容来源
type ContentSource interface {
	ListPublished(ctx context.Context, itemType string, modifiedSince time.Time) ([]ContentItem, error)
}

// WordPressSource 基于 WordPress / WooCommerce REST API 的内容来源
type WordPressSource struct {
	client *wordpress.Client
}

// NewWordPressSource 创建内容来源
func NewWordPressSource(client *wordpress.Client) *WordPressSource {
	return &WordPressSource{client: client}
}

// ListPublished 拉取修改时间晚于 modifiedSince 的条目。配置了凭据时同时返回非发布状态的条目，
// 以便索引器清理已下线的内容
func (s *WordPressSource) ListPublished(ctx context.Context, itemType string, modifiedSince time.Time) ([]ContentItem, error) {
	if itemType == ItemTypeProduct {
		opts := wordpress.ListOptions{ModifiedAfter: modifiedSince}
		if s.client.HasWooCredentials() {
			opts.Statuses = []string{"any"}
		}
		products, err := s.client.ListProducts(ctx, opts)
		if err != nil {
			return nil, err
		}
		items := make([]ContentItem, 0, len(products))
		for _, p := range products {
			cats := make([]string, 0, len(p.Categories))
			for _, c := range p.Categories {
				cats = append(cats, c.Name)
			}
			desc := p.ShortDescription
			if strings.TrimSpace(StripHTML(desc)) == "" {
				desc = p.Description
			}
			items = append(items, ContentItem{
				ID: p.ID, Type: ItemTypeProduct, Status: p.Status, Title: p.Name,
				Content: p.Description, Excerpt: desc, URL: p.Permalink,
				Price: p.Price, RegularPrice: p.RegularPrice, SalePrice: p.SalePrice, OnSale: p.OnSale,
				StockStatus: p.StockStatus, StockQuantity: p.StockQuantity,
				Categories: cats, Modified: p.Modified(),
			})
		}
		return items, nil
	}

	opts := wordpress.ListOptions{ModifiedAfter: modifiedSince}
	if s.client.HasCredentials() {
		opts.Statuses = []string{"publish", "draft", "pending", "private", "trash"}
	}
	posts, err := s.client.ListPosts(ctx, itemType, opts)
	if err != nil {
		return nil, err
	}
	items := make([]ContentItem, 0, len(posts))
	for _, p := range posts {
		items = append(items, ContentItem{
			ID: p.ID, Type: p.Type, Status: p.Status, Title: StripHTML(p.Title.Rendered),
			Content: p.Content.Rendered, Excerpt: p.Excerpt.Rendered, URL: p.Link,
			Modified: p.Modified(),
		})
	}
	return items, nil
}

// StripHTML 去除标签、脚本和样式，并折叠空白
func StripHTML(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return collapseSpaces(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseSpaces(html)
	}
	doc.Find("script, style").Remove()
	doc.Find("p, br, li, div, h1, h2, h3, h4, h5, h6, tr, td").Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" ")
	})
	return collapseSpaces(doc.Text())
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Excerpt 在单词边界截断文本
func Excerpt(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i > limit/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}

// indexedEntry 索引器生成的一条问答
type indexedEntry struct {
	entryType string
	question  string
	answer    string
}

// contentWriter 按元数据幂等写入知识条目
type contentWriter struct {
	kb     *KnowledgeBaseService
	logger *logrus.Logger
}

// sync 写入一个实体的全部条目，并删除该实体已不再生成的条目类型
func (w *contentWriter) sync(ctx context.Context, source, idKey string, id int64, topic string, confidence float64, entries []indexedEntry) (int, error) {
	keep := make(map[string]bool, len(entries))
	written := 0
	for _, e := range entries {
		keep[e.entryType] = true
		meta := map[string]interface{}{"source": source, idKey: id, "entry_type": e.entryType}
		if err := w.upsert(ctx, meta, e, topic, confidence); err != nil {
			return written, err
		}
		written++
	}

	existing, err := w.kb.FindByMetadata(ctx, map[string]interface{}{"source": source, idKey: id})
	if err != nil {
		return written, err
	}
	var stale []uint
	for _, e := range existing {
		if !keep[metaString(e.Metadata, "entry_type")] {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) > 0 {
		if err := w.kb.db.WithContext(ctx).Delete(&models.KnowledgeEntry{}, stale).Error; err != nil {
			return written, fmt.Errorf("delete stale entries: %w", err)
		}
	}
	return written, nil
}

func (w *contentWriter) upsert(ctx context.Context, meta map[string]interface{}, e indexedEntry, topic string, confidence float64) error {
	matches, err := w.kb.FindByMetadata(ctx, meta)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		approved := true
		_, err := w.kb.AddEntry(ctx, &KnowledgeEntryCreateRequest{
			Question:   e.question,
			Answer:     e.answer,
			Topic:      topic,
			Confidence: &confidence,
			Approved:   &approved,
			Metadata:   withIndexedAt(meta),
		})
		return err
	}

	entry := matches[0]
	entry.Question = e.question
	entry.Answer = e.answer
	entry.Topic = topic
	entry.Confidence = confidence
	entry.Approved = true
	entry.Rejected = false
	entry.Source = metaString(meta, "source")
	if entry.Metadata == nil {
		entry.Metadata = datatypes.JSONMap{}
	}
	for k, v := range withIndexedAt(meta) {
		entry.Metadata[k] = v
	}
	if err := w.kb.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return fmt.Errorf("update indexed entry: %w", err)
	}

	// 重复行只保留一条
	if len(matches) > 1 {
		ids := make([]uint, 0, len(matches)-1)
		for _, m := range matches[1:] {
			ids = append(ids, m.ID)
		}
		if err := w.kb.db.WithContext(ctx).Delete(&models.KnowledgeEntry{}, ids).Error; err != nil {
			return fmt.Errorf("delete duplicate entries: %w", err)
		}
		w.logger.WithField("entry_id", entry.ID).Warnf("removed %d duplicate indexed entries", len(ids))
	}
	return nil
}

func withIndexedAt(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["indexed_at"] = nowRFC3339()
	return out
}

// PostIndexer 文章与页面索引
type PostIndexer struct {
	writer        *contentWriter
	excerptLength int
}

// Index 为一篇文章生成 summary 与 details 两条问答
func (p *PostIndexer) Index(ctx context.Context, item ContentItem) (int, error) {
	title := collapseSpaces(item.Title)
	if title == "" {
		return 0, validationError("post %d has no title", item.ID)
	}
	body := StripHTML(item.Content)
	summary := StripHTML(item.Excerpt)
	if summary == "" {
		summary = body
	}
	if summary == "" {
		summary = title
	}

	entries := []indexedEntry{{
		entryType: EntryTypeSummary,
		question:  fmt.Sprintf("What is %s?", title),
		answer:    withLink(Excerpt(summary, p.excerptLength), item.URL),
	}}
	if body != "" {
		entries = append(entries, indexedEntry{
			entryType: EntryTypeDetails,
			question:  fmt.Sprintf("Tell me more about %s", title),
			answer:    withLink(Excerpt(body, p.excerptLength*3), item.URL),
		})
	}

	topic := item.Type
	if topic == "" {
		topic = "post"
	}
	return p.writer.sync(ctx, models.SourceWPContent, "post_id", item.ID, topic, postConfidence, entries)
}

// ProductIndexer 商品索引
type ProductIndexer struct {
	writer        *contentWriter
	excerptLength int
}

// Index 为商品生成 overview、price、availability 问答；缺少价格或库存信息时跳过对应条目
func (p *ProductIndexer) Index(ctx context.Context, item ContentItem) (int, error) {
	name := collapseSpaces(item.Title)
	if name == "" {
		return 0, validationError("product %d has no name", item.ID)
	}
	desc := StripHTML(item.Excerpt)
	if desc == "" {
		desc = StripHTML(item.Content)
	}
	if desc == "" {
		desc = name
	}

	entries := []indexedEntry{{
		entryType: EntryTypeOverview,
		question:  fmt.Sprintf("What is %s?", name),
		answer:    withLink(Excerpt(desc, p.excerptLength), item.URL),
	}}
	if price := priceAnswer(name, item); price != "" {
		entries = append(entries, indexedEntry{
			entryType: EntryTypePrice,
			question:  fmt.Sprintf("How much does %s cost?", name),
			answer:    withLink(price, item.URL),
		})
	}
	if stock := availabilityAnswer(name, item); stock != "" {
		entries = append(entries, indexedEntry{
			entryType: EntryTypeAvailability,
			question:  fmt.Sprintf("Is %s in stock?", name),
			answer:    withLink(stock, item.URL),
		})
	}

	topic := "product"
	if len(item.Categories) > 0 {
		topic = item.Categories[0]
	}
	return p.writer.sync(ctx, models.SourceWooProduct, "product_id", item.ID, topic, productConfidence, entries)
}

func priceAnswer(name string, item ContentItem) string {
	price := strings.TrimSpace(item.Price)
	if price == "" {
		return ""
	}
	regular := strings.TrimSpace(item.RegularPrice)
	if item.OnSale && regular != "" && regular != price {
		return fmt.Sprintf("%s is on sale for %s (regular price %s).", name, price, regular)
	}
	return fmt.Sprintf("%s costs %s.", name, price)
}

func availabilityAnswer(name string, item ContentItem) string {
	switch item.StockStatus {
	case "instock":
		if item.StockQuantity != nil && *item.StockQuantity > 0 {
			return fmt.Sprintf("Yes, %s is in stock (%d available).", name, *item.StockQuantity)
		}
		return fmt.Sprintf("Yes, %s is in stock.", name)
	case "outofstock":
		return fmt.Sprintf("Sorry, %s is currently out of stock.", name)
	case "onbackorder":
		return fmt.Sprintf("%s is currently available on backorder.", name)
	}
	return ""
}

func withLink(answer, url string) string {
	if url == "" {
		return answer
	}
	return answer + "\n\nRead more: " + url
}

// ReindexReport 一次重建索引的结果
type ReindexReport struct {
	Indexed  int           `json:"indexed"`
	Entries  int           `json:"entries"`
	Removed  int           `json:"removed"`
	Errors   []string      `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// ContentResult 站点内容检索结果
type ContentResult struct {
	ID         uint    `json:"id"`
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Method     string  `json:"method"`
}

// ContentIndexer 调度文章与商品索引，并提供内容检索
type ContentIndexer struct {
	kb        *KnowledgeBaseService
	source    ContentSource
	postTypes []string
	products  bool
	posts     *PostIndexer
	product   *ProductIndexer
	logger    *logrus.Logger
}

// ContentIndexerOptions 索引器参数
type ContentIndexerOptions struct {
	PostTypes     []string
	Products      bool
	ExcerptLength int
}

// NewContentIndexer 创建内容索引器，source 为 nil 时只提供检索
func NewContentIndexer(kb *KnowledgeBaseService, source ContentSource, opts ContentIndexerOptions, logger *logrus.Logger) *ContentIndexer {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ExcerptLength <= 0 {
		opts.ExcerptLength = 300
	}
	w := &contentWriter{kb: kb, logger: logger}
	return &ContentIndexer{
		kb:        kb,
		source:    source,
		postTypes: opts.PostTypes,
		products:  opts.Products,
		posts:     &PostIndexer{writer: w, excerptLength: opts.ExcerptLength},
		product:   &ProductIndexer{writer: w, excerptLength: opts.ExcerptLength},
		logger:    logger,
	}
}

// Enabled 是否配置了内容来源
func (ci *ContentIndexer) Enabled() bool {
	return ci != nil && ci.source != nil
}

// IndexItem 索引单个条目；非发布状态的条目会被移除
func (ci *ContentIndexer) IndexItem(ctx context.Context, item ContentItem) (int, error) {
	source := models.SourceWPContent
	if item.Type == ItemTypeProduct {
		source = models.SourceWooProduct
	}
	if item.Status != "" && item.Status != StatusPublish {
		_, err := ci.Remove(ctx, source, item.ID)
		return 0, err
	}
	if source == models.SourceWooProduct {
		return ci.product.Index(ctx, item)
	}
	return ci.posts.Index(ctx, item)
}

// Remove 删除某个实体的全部条目
func (ci *ContentIndexer) Remove(ctx context.Context, source string, id int64) (int, error) {
	idKey := "post_id"
	if source == models.SourceWooProduct {
		idKey = "product_id"
	}
	return ci.kb.DeleteByMetadata(ctx, map[string]interface{}{"source": source, idKey: id})
}

// Reindex 拉取 since 之后修改过的内容并写入知识库
func (ci *ContentIndexer) Reindex(ctx context.Context, since time.Time) (*ReindexReport, error) {
	if !ci.Enabled() {
		return nil, fmt.Errorf("content indexing is not configured")
	}
	start := time.Now()
	report := &ReindexReport{Errors: []string{}}

	types := append([]string(nil), ci.postTypes...)
	if ci.products {
		types = append(types, ItemTypeProduct)
	}

	for _, itemType := range types {
		items, err := ci.source.ListPublished(ctx, itemType, since)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			ci.logger.WithField("type", itemType).WithError(err).Error("list content failed")
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", itemType, err))
			continue
		}
		for _, item := range items {
			if item.Type == "" || itemType == ItemTypeProduct {
				item.Type = itemType
			}
			if item.Status != "" && item.Status != StatusPublish {
				source := models.SourceWPContent
				if itemType == ItemTypeProduct {
					source = models.SourceWooProduct
				}
				n, err := ci.Remove(ctx, source, item.ID)
				if err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("%s %d: %v", itemType, item.ID, err))
					continue
				}
				report.Removed += n
				continue
			}
			n, err := ci.IndexItem(ctx, item)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s %d: %v", itemType, item.ID, err))
				continue
			}
			report.Indexed++
			report.Entries += n
		}
	}

	report.Duration = time.Since(start)
	ci.logger.WithFields(logrus.Fields{
		"indexed": report.Indexed,
		"entries": report.Entries,
		"removed": report.Removed,
		"errors":  len(report.Errors),
	}).Info("content reindex finished")
	return report, nil
}

// Search 在站点内容条目中检索
func (ci *ContentIndexer) Search(ctx context.Context, query string) (*ContentResult, error) {
	res, err := ci.kb.search(ctx, query, searchScope{content: true})
	if err != nil || res == nil {
		return nil, err
	}
	return &ContentResult{
		ID:         res.ID,
		Question:   res.Question,
		Answer:     res.Answer,
		Confidence: res.Confidence,
		Source:     res.Source,
		Method:     res.Method,
	}, nil
}
