package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"chatdesk/internal/models"
	"chatdesk/pkg/similarity"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 知识检索方式
const (
	MatchMethodExact    = "exact"
	MatchMethodFullText = "fulltext"
	MatchMethodLike     = "like"
)

const likeCandidateLimit = 20

// KnowledgeBaseService 知识库服务
type KnowledgeBaseService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewKnowledgeBaseService 创建知识库服务
func NewKnowledgeBaseService(db *gorm.DB, logger *logrus.Logger) *KnowledgeBaseService {
	if logger == nil {
		logger = logrus.New()
	}
	return &KnowledgeBaseService{db: db, logger: logger}
}

// SearchResult 知识库检索结果
type SearchResult struct {
	ID         uint    `json:"id"`
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	Source     string  `json:"source,omitempty"`
}

type KnowledgeEntryCreateRequest struct {
	Question   string                 `json:"question" binding:"required"`
	Answer     string                 `json:"answer" binding:"required"`
	Topic      string                 `json:"topic"`
	Confidence *float64               `json:"confidence"`
	Approved   *bool                  `json:"approved"`
	Metadata   map[string]interface{} `json:"metadata"`
}

type KnowledgeEntryUpdateRequest struct {
	Question   *string                `json:"question"`
	Answer     *string                `json:"answer"`
	Topic      *string                `json:"topic"`
	Confidence *float64               `json:"confidence"`
	Approved   *bool                  `json:"approved"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// KnowledgeEntryFilter 列表过滤条件
type KnowledgeEntryFilter struct {
	Topic    string `form:"topic"`
	Approved *bool  `form:"approved"`
	Source   string `form:"source"`
	Search   string `form:"search"`
	OrderBy  string `form:"order_by"`
	Order    string `form:"order"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

var knowledgeOrderColumns = map[string]bool{
	"id": true, "question": true, "topic": true, "confidence": true,
	"usage_count": true, "created_at": true, "updated_at": true,
}

// searchScope 限定检索范围：content=true 时只查站点内容，否则排除站点内容
type searchScope struct {
	content bool
}

func (sc searchScope) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("approved = ? AND rejected = ?", true, false)
	if sc.content {
		return q.Where("source IN ?", models.ContentSources)
	}
	return q.Where("source NOT IN ?", models.ContentSources)
}

// Search 依次尝试精确匹配、全文检索、LIKE 匹配，返回第一个命中的结果；未命中返回 nil
func (s *KnowledgeBaseService) Search(ctx context.Context, query string) (*SearchResult, error) {
	return s.search(ctx, query, searchScope{})
}

func (s *KnowledgeBaseService) search(ctx context.Context, query string, scope searchScope) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	// 1. 精确匹配
	var exact models.KnowledgeEntry
	err := scope.apply(s.db.WithContext(ctx).Model(&models.KnowledgeEntry{})).
		Where("LOWER(question) = ?", strings.ToLower(query)).
		Order("id ASC").
		First(&exact).Error
	if err == nil {
		return resultFromEntry(&exact, 1.0, MatchMethodExact), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("exact search: %w", err)
	}

	// 2. 全文检索
	res, err := s.fullTextSearch(ctx, query, scope)
	switch {
	case err == nil && res != nil:
		return res, nil
	case err != nil && !errors.Is(err, ErrFullTextUnsupported):
		s.logger.WithError(err).Debug("full-text search failed, falling back to LIKE")
	}

	// 3. LIKE 匹配，置信度取问题与查询的相似度
	return s.likeSearch(ctx, query, scope)
}

type fullTextRow struct {
	ID       uint
	Question string
	Answer   string
	Source   string
	Score    float64
}

func (s *KnowledgeBaseService) fullTextSearch(ctx context.Context, query string, scope searchScope) (*SearchResult, error) {
	var expr string
	switch s.db.Dialector.Name() {
	case "mysql":
		expr = "MATCH(question, answer) AGAINST(? IN NATURAL LANGUAGE MODE)"
	case "postgres":
		expr = "ts_rank(to_tsvector('simple', question || ' ' || answer), plainto_tsquery('simple', ?))"
	default:
		return nil, ErrFullTextUnsupported
	}

	var row fullTextRow
	q := scope.apply(s.db.WithContext(ctx).Model(&models.KnowledgeEntry{})).
		Select("id, question, answer, source, "+expr+" AS score", query).
		Where(expr+" > 0", query).
		Order("score DESC").
		Limit(1)
	result := q.Scan(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || row.ID == 0 {
		return nil, nil
	}

	return &SearchResult{
		ID:         row.ID,
		Question:   row.Question,
		Answer:     row.Answer,
		Confidence: math.Min(1, row.Score/10),
		Method:     MatchMethodFullText,
		Source:     row.Source,
	}, nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// containsPattern 转义 LIKE 通配符后拼成 %term%，配合 ESCAPE '!' 使用
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

func (s *KnowledgeBaseService) likeSearch(ctx context.Context, query string, scope searchScope) (*SearchResult, error) {
	like := containsPattern(query)
	var candidates []models.KnowledgeEntry
	err := scope.apply(s.db.WithContext(ctx).Model(&models.KnowledgeEntry{})).
		Where("question LIKE ? ESCAPE '!' OR answer LIKE ? ESCAPE '!'", like, like).
		Order("usage_count DESC, id ASC").
		Limit(likeCandidateLimit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	best := 0
	bestScore := -1.0
	for i := range candidates {
		if score := similarity.Ratio(query, candidates[i].Question); score > bestScore {
			best, bestScore = i, score
		}
	}
	return resultFromEntry(&candidates[best], bestScore, MatchMethodLike), nil
}

func resultFromEntry(e *models.KnowledgeEntry, confidence float64, method string) *SearchResult {
	return &SearchResult{
		ID:         e.ID,
		Question:   e.Question,
		Answer:     e.Answer,
		Confidence: confidence,
		Method:     method,
		Source:     e.Source,
	}
}

// AddEntry 新增知识条目
func (s *KnowledgeBaseService) AddEntry(ctx context.Context, req *KnowledgeEntryCreateRequest) (*models.KnowledgeEntry, error) {
	if req == nil {
		return nil, validationError("request required")
	}
	question := strings.TrimSpace(req.Question)
	answer := strings.TrimSpace(req.Answer)
	if question == "" {
		return nil, validationError("question required")
	}
	if answer == "" {
		return nil, validationError("answer required")
	}

	entry := &models.KnowledgeEntry{
		Question:   question,
		Answer:     answer,
		Topic:      strings.TrimSpace(req.Topic),
		Confidence: 1.0,
		Approved:   true,
		Metadata:   datatypes.JSONMap{},
	}
	if req.Confidence != nil {
		entry.Confidence = clampUnit(*req.Confidence)
	}
	if req.Approved != nil {
		entry.Approved = *req.Approved
	}
	for k, v := range req.Metadata {
		entry.Metadata[k] = v
	}
	entry.Source = metaString(entry.Metadata, "source")
	if entry.Source == "" {
		entry.Source = models.SourceManual
		entry.Metadata["source"] = models.SourceManual
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// GetEntry 获取单个条目
func (s *KnowledgeBaseService) GetEntry(ctx context.Context, id uint) (*models.KnowledgeEntry, error) {
	var entry models.KnowledgeEntry
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpdateEntry 部分更新条目
func (s *KnowledgeBaseService) UpdateEntry(ctx context.Context, id uint, req *KnowledgeEntryUpdateRequest) (*models.KnowledgeEntry, error) {
	if req == nil {
		return nil, validationError("request required")
	}
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Question != nil {
		entry.Question = strings.TrimSpace(*req.Question)
	}
	if req.Answer != nil {
		entry.Answer = strings.TrimSpace(*req.Answer)
	}
	if req.Topic != nil {
		entry.Topic = strings.TrimSpace(*req.Topic)
	}
	if req.Confidence != nil {
		entry.Confidence = clampUnit(*req.Confidence)
	}
	if req.Approved != nil {
		entry.Approved = *req.Approved
		if entry.Approved {
			entry.Rejected = false
		}
	}
	if req.Metadata != nil {
		if entry.Metadata == nil {
			entry.Metadata = datatypes.JSONMap{}
		}
		for k, v := range req.Metadata {
			entry.Metadata[k] = v
		}
		if src := metaString(entry.Metadata, "source"); src != "" {
			entry.Source = src
		}
	}
	if entry.Question == "" {
		return nil, validationError("question required")
	}
	if entry.Answer == "" {
		return nil, validationError("answer required")
	}

	if err := s.db.WithContext(ctx).Save(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteEntry 删除条目
func (s *KnowledgeBaseService) DeleteEntry(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.KnowledgeEntry{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IncrementUsageCount 使用次数 +1
func (s *KnowledgeBaseService) IncrementUsageCount(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.KnowledgeEntry{}).
		Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1)).Error
}

func (s *KnowledgeBaseService) filtered(ctx context.Context, f *KnowledgeEntryFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.KnowledgeEntry{})
	if f == nil {
		return q
	}
	if t := strings.TrimSpace(f.Topic); t != "" {
		q = q.Where("topic = ?", t)
	}
	if f.Approved != nil {
		q = q.Where("approved = ?", *f.Approved)
	}
	if src := strings.TrimSpace(f.Source); src != "" {
		q = q.Where("source = ?", src)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := containsPattern(term)
		q = q.Where("question LIKE ? ESCAPE '!' OR answer LIKE ? ESCAPE '!'", like, like)
	}
	return q
}

// GetEntries 分页查询条目
func (s *KnowledgeBaseService) GetEntries(ctx context.Context, f *KnowledgeEntryFilter) ([]models.KnowledgeEntry, error) {
	page, pageSize := 1, 20
	orderBy, order := "created_at", "DESC"
	if f != nil {
		if f.Page > 0 {
			page = f.Page
		}
		if f.PageSize > 0 {
			pageSize = f.PageSize
		}
		if knowledgeOrderColumns[f.OrderBy] {
			orderBy = f.OrderBy
		}
		if strings.EqualFold(f.Order, "asc") {
			order = "ASC"
		}
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var entries []models.KnowledgeEntry
	err := s.filtered(ctx, f).
		Order(orderBy + " " + order).
		Order("id " + order).
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&entries).Error
	return entries, err
}

// GetEntriesCount 统计满足条件的条目数
func (s *KnowledgeBaseService) GetEntriesCount(ctx context.Context, f *KnowledgeEntryFilter) (int64, error) {
	var total int64
	err := s.filtered(ctx, f).Count(&total).Error
	return total, err
}

// ListTopics 返回全部非空主题
func (s *KnowledgeBaseService) ListTopics(ctx context.Context) ([]string, error) {
	var topics []string
	err := s.db.WithContext(ctx).Model(&models.KnowledgeEntry{}).
		Where("topic <> ''").
		Distinct().
		Order("topic ASC").
		Pluck("topic", &topics).Error
	return topics, err
}

// FindByMetadata 按元数据键值查找条目。优先使用数据库 JSON 运算符，
// 不可用时退化为 LIKE 预筛选 + 内存过滤
func (s *KnowledgeBaseService) FindByMetadata(ctx context.Context, match map[string]interface{}) ([]models.KnowledgeEntry, error) {
	if len(match) == 0 {
		return nil, validationError("metadata match required")
	}

	q := s.db.WithContext(ctx).Model(&models.KnowledgeEntry{})
	for k, v := range match {
		q = q.Where(datatypes.JSONQuery("metadata").Equals(v, k))
	}
	var entries []models.KnowledgeEntry
	if err := q.Order("id ASC").Find(&entries).Error; err == nil {
		return entries, nil
	} else {
		s.logger.WithError(err).Debug("JSON query unavailable, using fallback metadata filter")
	}

	return s.findByMetadataFallback(ctx, match)
}

func (s *KnowledgeBaseService) findByMetadataFallback(ctx context.Context, match map[string]interface{}) ([]models.KnowledgeEntry, error) {
	q := s.db.WithContext(ctx).Model(&models.KnowledgeEntry{})
	for k := range match {
		q = q.Where("metadata LIKE ? ESCAPE '!'", containsPattern(`"`+k+`"`))
	}
	var candidates []models.KnowledgeEntry
	if err := q.Order("id ASC").Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("metadata fallback query: %w", err)
	}

	out := candidates[:0]
	for _, e := range candidates {
		if metadataMatches(e.Metadata, match) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteByMetadata 删除元数据匹配的全部条目，返回删除数量
func (s *KnowledgeBaseService) DeleteByMetadata(ctx context.Context, match map[string]interface{}) (int, error) {
	entries, err := s.FindByMetadata(ctx, match)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	ids := make([]uint, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	result := s.db.WithContext(ctx).Delete(&models.KnowledgeEntry{}, ids)
	return int(result.RowsAffected), result.Error
}

// questionExists 判断是否已存在相同问题（忽略大小写）
func (s *KnowledgeBaseService) questionExists(ctx context.Context, question string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.KnowledgeEntry{}).
		Where("LOWER(question) = ?", strings.ToLower(strings.TrimSpace(question))).
		Count(&n).Error
	return n > 0, err
}

// setReview 记录审核状态及审计信息
func (s *KnowledgeBaseService) setReview(ctx context.Context, id uint, approved bool, meta map[string]interface{}) (*models.KnowledgeEntry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	entry.Approved = approved
	entry.Rejected = !approved
	if entry.Metadata == nil {
		entry.Metadata = datatypes.JSONMap{}
	}
	for k, v := range meta {
		entry.Metadata[k] = v
	}
	if err := s.db.WithContext(ctx).Save(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func metadataMatches(meta datatypes.JSONMap, match map[string]interface{}) bool {
	for k, want := range match {
		got, ok := meta[k]
		if !ok || normalizeMetaValue(got) != normalizeMetaValue(want) {
			return false
		}
	}
	return true
}

// normalizeMetaValue 统一 JSON 反序列化后的数字与原始整型的字符串表示
func normalizeMetaValue(v interface{}) string {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return normalizeMetaValue(float64(n))
	default:
		return fmt.Sprint(v)
	}
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
