package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TriggerMatch 触发词命中结果
type TriggerMatch struct {
	TriggerID uint     `json:"trigger_id"`
	Word      string   `json:"word"`
	Category  string   `json:"category,omitempty"`
	Response  string   `json:"response"`
	FollowUps []string `json:"follow_ups"`
}

// TriggerMatcher 按优先级匹配触发词，每次请求构建一次
type TriggerMatcher struct {
	rules  []models.TriggerWord
	mu     sync.Mutex
	rng    *rand.Rand
	logger *logrus.Logger
}

// NewTriggerMatcher 创建匹配器，规则按优先级降序稳定排序；rng 为 nil 时使用当前时间作为种子
func NewTriggerMatcher(words []models.TriggerWord, rng *rand.Rand, logger *logrus.Logger) *TriggerMatcher {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = logrus.New()
	}
	rules := make([]models.TriggerWord, len(words))
	copy(rules, words)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return &TriggerMatcher{rules: rules, rng: rng, logger: logger}
}

// Rules 返回排序后的规则
func (m *TriggerMatcher) Rules() []models.TriggerWord {
	return m.rules
}

// ProcessMessage 返回第一个命中的规则，未命中返回 nil
func (m *TriggerMatcher) ProcessMessage(text string) *TriggerMatch {
	msg := normalizeText(text)
	if msg == "" {
		return nil
	}
	for i := range m.rules {
		rule := &m.rules[i]
		if !rule.Active {
			continue
		}
		if m.matches(rule, msg) {
			return &TriggerMatch{
				TriggerID: rule.ID,
				Word:      rule.Word,
				Category:  rule.Category,
				Response:  m.pickResponse(rule.Responses),
				FollowUps: nonEmpty(rule.FollowUps),
			}
		}
	}
	return nil
}

func (m *TriggerMatcher) matches(rule *models.TriggerWord, msg string) bool {
	if rule.MatchType == models.MatchRegex {
		pattern := strings.ReplaceAll(rule.Word, "/", `\/`)
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			m.logger.WithFields(logrus.Fields{"trigger_id": rule.ID, "pattern": rule.Word}).
				WithError(err).Debug("invalid trigger regex")
			return false
		}
		return re.MatchString(msg)
	}

	word := normalizeText(rule.Word)
	if word == "" {
		return false
	}
	switch rule.MatchType {
	case models.MatchExact:
		return msg == word
	case models.MatchStartsWith:
		return strings.HasPrefix(msg, word)
	case models.MatchEndsWith:
		return strings.HasSuffix(msg, word)
	default:
		return strings.Contains(msg, word)
	}
}

func (m *TriggerMatcher) pickResponse(responses []string) string {
	candidates := nonEmpty(responses)
	if len(candidates) == 0 {
		return ""
	}
	m.mu.Lock()
	idx := m.rng.Intn(len(candidates))
	m.mu.Unlock()
	return candidates[idx]
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TriggerWordService 触发词管理
type TriggerWordService struct {
	db     *gorm.DB
	logger *logrus.Logger
	// newRand 为测试注入的随机源
	newRand func() *rand.Rand
}

// NewTriggerWordService 创建触发词服务
func NewTriggerWordService(db *gorm.DB, logger *logrus.Logger) *TriggerWordService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerWordService{db: db, logger: logger}
}

type TriggerWordRequest struct {
	Word      string   `json:"word"`
	MatchType string   `json:"match_type"`
	Priority  *int     `json:"priority"`
	Active    *bool    `json:"active"`
	Responses []string `json:"responses"`
	FollowUps []string `json:"follow_ups"`
	Category  *string  `json:"category"`
}

// TriggerWordFilter 列表过滤
type TriggerWordFilter struct {
	Category string `form:"category"`
	Active   *bool  `form:"active"`
}

func (s *TriggerWordService) apply(tw *models.TriggerWord, req *TriggerWordRequest, creating bool) error {
	if creating || req.Word != "" {
		tw.Word = strings.TrimSpace(req.Word)
	}
	if tw.Word == "" {
		return validationError("word required")
	}
	if req.MatchType != "" {
		tw.MatchType = strings.ToLower(strings.TrimSpace(req.MatchType))
	}
	if tw.MatchType == "" {
		tw.MatchType = models.MatchContains
	}
	if !models.ValidMatchType(tw.MatchType) {
		return validationError("invalid match_type %q", tw.MatchType)
	}
	if tw.MatchType == models.MatchRegex {
		if _, err := regexp.Compile("(?i)" + strings.ReplaceAll(tw.Word, "/", `\/`)); err != nil {
			return validationError("invalid regex: %v", err)
		}
	}
	if req.Priority != nil {
		tw.Priority = *req.Priority
	}
	if req.Active != nil {
		tw.Active = *req.Active
	} else if creating {
		tw.Active = true
	}
	if req.Responses != nil || creating {
		tw.Responses = nonEmpty(req.Responses)
	}
	if len(tw.Responses) == 0 {
		return validationError("at least one response required")
	}
	if req.FollowUps != nil || creating {
		tw.FollowUps = nonEmpty(req.FollowUps)
	}
	if req.Category != nil {
		tw.Category = strings.TrimSpace(*req.Category)
	}
	return nil
}

// Create 新建触发词
func (s *TriggerWordService) Create(ctx context.Context, req *TriggerWordRequest) (*models.TriggerWord, error) {
	if req == nil {
		return nil, validationError("request required")
	}
	tw := &models.TriggerWord{}
	if err := s.apply(tw, req, true); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(tw).Error; err != nil {
		return nil, err
	}
	return tw, nil
}

// Get 获取单个触发词
func (s *TriggerWordService) Get(ctx context.Context, id uint) (*models.TriggerWord, error) {
	var tw models.TriggerWord
	if err := s.db.WithContext(ctx).First(&tw, id).Error; err != nil {
		return nil, err
	}
	return &tw, nil
}

// Update 更新触发词
func (s *TriggerWordService) Update(ctx context.Context, id uint, req *TriggerWordRequest) (*models.TriggerWord, error) {
	if req == nil {
		return nil, validationError("request required")
	}
	tw, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(tw, req, false); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(tw).Error; err != nil {
		return nil, err
	}
	return tw, nil
}

// Delete 删除触发词
func (s *TriggerWordService) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.TriggerWord{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// List 按插入顺序列出触发词
func (s *TriggerWordService) List(ctx context.Context, f *TriggerWordFilter) ([]models.TriggerWord, error) {
	q := s.db.WithContext(ctx).Model(&models.TriggerWord{})
	if f != nil {
		if c := strings.TrimSpace(f.Category); c != "" {
			q = q.Where("category = ?", c)
		}
		if f.Active != nil {
			q = q.Where("active = ?", *f.Active)
		}
	}
	var words []models.TriggerWord
	err := q.Order("id ASC").Find(&words).Error
	return words, err
}

// Matcher 加载全部规则并构建匹配器
func (s *TriggerWordService) Matcher(ctx context.Context) (*TriggerMatcher, error) {
	words, err := s.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load trigger words: %w", err)
	}
	var rng *rand.Rand
	if s.newRand != nil {
		rng = s.newRand()
	}
	return NewTriggerMatcher(words, rng, s.logger), nil
}

// Test 用当前规则测试一条消息
func (s *TriggerWordService) Test(ctx context.Context, message string) (*TriggerMatch, error) {
	m, err := s.Matcher(ctx)
	if err != nil {
		return nil, err
	}
	return m.ProcessMessage(message), nil
}

// 导入导出格式与模式
const (
	FormatCSV  = "csv"
	FormatJSON = "json"

	ImportMerge   = "merge"
	ImportReplace = "replace"
	ImportAdd     = "add"
)

var triggerCSVHeader = []string{"word", "match_type", "priority", "active", "responses", "follow_ups", "category"}

const listSeparator = "|"

// ImportResult 导入统计
type ImportResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

type triggerRecord struct {
	Word      string   `json:"word"`
	MatchType string   `json:"match_type"`
	Priority  int      `json:"priority"`
	Active    *bool    `json:"active"`
	Responses []string `json:"responses"`
	FollowUps []string `json:"follow_ups"`
	Category  string   `json:"category"`
}

// Export 以 csv 或 json 导出全部触发词
func (s *TriggerWordService) Export(ctx context.Context, w io.Writer, format string) error {
	words, err := s.List(ctx, nil)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case FormatJSON:
		records := make([]triggerRecord, 0, len(words))
		for _, tw := range words {
			active := tw.Active
			records = append(records, triggerRecord{
				Word: tw.Word, MatchType: tw.MatchType, Priority: tw.Priority, Active: &active,
				Responses: nonEmpty(tw.Responses), FollowUps: nonEmpty(tw.FollowUps), Category: tw.Category,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(triggerCSVHeader); err != nil {
			return err
		}
		for _, tw := range words {
			row := []string{
				tw.Word,
				tw.MatchType,
				strconv.Itoa(tw.Priority),
				strconv.FormatBool(tw.Active),
				strings.Join(nonEmpty(tw.Responses), listSeparator),
				strings.Join(nonEmpty(tw.FollowUps), listSeparator),
				tw.Category,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return validationError("unsupported format %q", format)
	}
}

// Import 导入触发词；同一批次内重复的词以最后一次出现为准
func (s *TriggerWordService) Import(ctx context.Context, r io.Reader, format, mode string) (*ImportResult, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ImportMerge
	}
	if mode != ImportMerge && mode != ImportReplace && mode != ImportAdd {
		return nil, validationError("invalid import mode %q", mode)
	}

	result := &ImportResult{Errors: []string{}}
	var records []triggerRecord
	var err error
	switch strings.ToLower(format) {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&records)
		if err != nil {
			return nil, validationError("decode json: %v", err)
		}
	case FormatCSV:
		records, err = parseTriggerCSV(r, result)
		if err != nil {
			return nil, err
		}
	default:
		return nil, validationError("unsupported format %q", format)
	}

	// 同词去重，保留最后一次出现的位置顺序
	order := make([]string, 0, len(records))
	byKey := make(map[string]triggerRecord, len(records))
	for _, rec := range records {
		key := strings.ToLower(strings.TrimSpace(rec.Word))
		if key == "" {
			result.Skipped++
			result.Errors = append(result.Errors, "empty word skipped")
			continue
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		} else {
			result.Skipped++
		}
		byKey[key] = rec
	}

	db := s.db.WithContext(ctx)
	if mode == ImportReplace {
		if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.TriggerWord{}).Error; err != nil {
			return nil, fmt.Errorf("clear trigger words: %w", err)
		}
	}

	existing, err := s.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	current := make(map[string]*models.TriggerWord, len(existing))
	for i := range existing {
		current[strings.ToLower(strings.TrimSpace(existing[i].Word))] = &existing[i]
	}

	for _, key := range order {
		rec := byKey[key]
		req := rec.toRequest()
		if tw, ok := current[key]; ok {
			if mode == ImportAdd {
				result.Skipped++
				continue
			}
			if err := s.apply(tw, req, false); err != nil {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.Word, err))
				continue
			}
			if err := db.Save(tw).Error; err != nil {
				return result, err
			}
			result.Updated++
			continue
		}

		tw := &models.TriggerWord{}
		if err := s.apply(tw, req, true); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.Word, err))
			continue
		}
		if err := db.Create(tw).Error; err != nil {
			return result, err
		}
		current[key] = tw
		result.Created++
	}

	s.logger.WithFields(logrus.Fields{
		"mode":    mode,
		"created": result.Created,
		"updated": result.Updated,
		"skipped": result.Skipped,
	}).Info("trigger words imported")
	return result, nil
}

func (rec triggerRecord) toRequest() *TriggerWordRequest {
	priority := rec.Priority
	category := rec.Category
	return &TriggerWordRequest{
		Word:      rec.Word,
		MatchType: rec.MatchType,
		Priority:  &priority,
		Active:    rec.Active,
		Responses: rec.Responses,
		FollowUps: rec.FollowUps,
		Category:  &category,
	}
}

func parseTriggerCSV(r io.Reader, result *ImportResult) ([]triggerRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, validationError("read csv header: %v", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := cols["word"]; !ok {
		return nil, validationError("csv header missing word column")
	}
	cell := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var records []triggerRecord
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		rec := triggerRecord{
			Word:      cell(row, "word"),
			MatchType: cell(row, "match_type"),
			Responses: splitList(cell(row, "responses")),
			FollowUps: splitList(cell(row, "follow_ups")),
			Category:  cell(row, "category"),
		}
		if p := cell(row, "priority"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid priority %q", line, p))
			}
			rec.Priority = n
		}
		if a := cell(row, "active"); a != "" {
			active := parseBoolCell(a)
			rec.Active = &active
		}
		records = append(records, rec)
	}
	return records, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return nonEmpty(strings.Split(s, listSeparator))
}

func parseBoolCell(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
