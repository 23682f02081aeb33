package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/models"
	"chatdesk/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 会话加载状态
const (
	SessionStateNew      = "new"
	SessionStateLoaded   = "loaded"
	SessionStateNotFound = "not_found"
)

// 会话元数据键
const (
	MetaUserID             = "user_id"
	MetaIP                 = "ip"
	MetaReferrer           = "referrer"
	MetaSuccessScore       = "success_score"
	MetaArchived           = "archived"
	MetaFlagged            = "flagged"
	MetaKnowledgeExtracted = "knowledge_extracted"
	MetaStartedAt          = "started_at"
)

// DefaultChannel 未指定渠道时使用
const DefaultChannel = "web"

// OpenOptions 打开会话时的上下文信息
type OpenOptions struct {
	Channel  string
	UserID   string
	IP       string
	Referrer string
}

// ConversationManager 会话存储，每次变更立即写库
type ConversationManager struct {
	db     *gorm.DB
	cfg    config.ConversationConfig
	locker SessionLocker
	logger *logrus.Logger
}

// NewConversationManager 创建会话管理器，locker 为 nil 时不加锁
func NewConversationManager(db *gorm.DB, cfg config.ConversationConfig, locker SessionLocker, logger *logrus.Logger) *ConversationManager {
	if locker == nil {
		locker = NoopSessionLocker{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxHistory < 2 {
		cfg.MaxHistory = 2
	}
	return &ConversationManager{db: db, cfg: cfg, locker: locker, logger: logger}
}

// Lock 获取会话锁
func (m *ConversationManager) Lock(ctx context.Context, sessionID string) (func(), error) {
	return m.locker.Lock(ctx, sessionID)
}

// Session 单个会话的读写句柄
type Session struct {
	m     *ConversationManager
	conv  *models.Conversation
	state string
}

// Open 加载或创建会话。sessionID 为空时新建；找不到时按新会话处理并沿用该 ID
func (m *ConversationManager) Open(ctx context.Context, sessionID string, opts OpenOptions) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		var conv models.Conversation
		err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&conv).Error
		switch {
		case err == nil:
			if conv.Metadata == nil {
				conv.Metadata = datatypes.JSONMap{}
			}
			return &Session{m: m, conv: &conv, state: SessionStateLoaded}, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			m.logger.WithField("session_id", sessionID).Warn("conversation not found, starting a new one")
		default:
			return nil, fmt.Errorf("load conversation: %w", err)
		}
	}

	state := SessionStateNew
	if sessionID == "" {
		sessionID = utils.GenerateSessionID()
	} else {
		state = SessionStateNotFound
	}

	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	meta := datatypes.JSONMap{MetaStartedAt: nowRFC3339()}
	for k, v := range map[string]string{MetaUserID: opts.UserID, MetaIP: opts.IP, MetaReferrer: opts.Referrer} {
		if v != "" {
			meta[k] = v
		}
	}

	s := &Session{
		m:     m,
		state: state,
		conv: &models.Conversation{
			SessionID: sessionID,
			Channel:   channel,
			Messages:  []models.ChatMessage{},
			Metadata:  meta,
		},
	}
	if m.cfg.WelcomeMessage != "" {
		s.conv.Messages = append(s.conv.Messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   m.cfg.WelcomeMessage,
			Timestamp: time.Now().UTC(),
		})
	}
	if err := s.Save(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ID 会话 ID
func (s *Session) ID() string { return s.conv.SessionID }

// Channel 会话渠道
func (s *Session) Channel() string { return s.conv.Channel }

// State 打开会话时的状态
func (s *Session) State() string { return s.state }

// IsNew 本次请求是否创建了会话
func (s *Session) IsNew() bool { return s.state != SessionStateLoaded }

// Conversation 底层记录
func (s *Session) Conversation() *models.Conversation { return s.conv }

// AddMessage 追加消息并立即保存，超出上限时丢弃最早的非首条消息
func (s *Session) AddMessage(ctx context.Context, msg models.ChatMessage) error {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	case "":
		return validationError("message role required")
	default:
		return validationError("invalid message role: %s", msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return validationError("message content required")
	}
	// 长度上限只约束用户输入，回复内容不截断
	if msg.Role == models.RoleUser && !utils.ValidateMessage(msg.Content) {
		return validationError("message content must be 1-%d characters", utils.MaxMessageLength)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.conv.Messages = append(s.conv.Messages, msg)
	s.conv.Messages = trimHistory(s.conv.Messages, s.m.cfg.MaxHistory)
	return s.Save(ctx)
}

// trimHistory 保留第一条消息的位置，从第二条开始删除
func trimHistory(msgs []models.ChatMessage, max int) []models.ChatMessage {
	if max < 2 || len(msgs) <= max {
		return msgs
	}
	drop := len(msgs) - max
	out := make([]models.ChatMessage, 0, max)
	out = append(out, msgs[0])
	out = append(out, msgs[1+drop:]...)
	return out
}

// History 返回最近 limit 条消息，limit <= 0 返回全部
func (s *Session) History(limit int) []models.ChatMessage {
	msgs := s.conv.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

// SetMeta 设置元数据，需调用 Save 持久化
func (s *Session) SetMeta(key string, value interface{}) {
	if s.conv.Metadata == nil {
		s.conv.Metadata = datatypes.JSONMap{}
	}
	s.conv.Metadata[key] = value
}

// GetMeta 读取元数据
func (s *Session) GetMeta(key string) (interface{}, bool) {
	v, ok := s.conv.Metadata[key]
	return v, ok
}

// Save 按 session_id 写入
func (s *Session) Save(ctx context.Context) error {
	db := s.m.db.WithContext(ctx)
	if s.conv.ID != 0 {
		if err := db.Save(s.conv).Error; err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
		return nil
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"channel", "messages", "metadata", "updated_at"}),
	}).Create(s.conv).Error
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// ConversationFilter 会话列表筛选
type ConversationFilter struct {
	Channel  string
	Archived *bool
	Flagged  *bool
	Search   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// List 分页列出会话，按更新时间倒序
func (m *ConversationManager) List(ctx context.Context, f *ConversationFilter) ([]models.Conversation, int64, error) {
	if f == nil {
		f = &ConversationFilter{}
	}
	q := m.db.WithContext(ctx).Model(&models.Conversation{})
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	if f.Archived != nil {
		q = q.Where("archived = ?", *f.Archived)
	}
	if f.Flagged != nil {
		q = q.Where("flagged = ?", *f.Flagged)
	}
	if f.Search != "" {
		q = q.Where("session_id LIKE ? ESCAPE '!'", containsPattern(f.Search))
	}
	if !f.From.IsZero() {
		q = q.Where("updated_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("updated_at < ?", f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	var list []models.Conversation
	err := q.Order("updated_at DESC").Offset((page - 1) * size).Limit(size).Find(&list).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	return list, total, nil
}

// UpdatedSince 按 id 升序分页列出 since 之后有更新的会话，afterID 为上一页最后一条的 id
func (m *ConversationManager) UpdatedSince(ctx context.Context, since time.Time, afterID uint, limit int) ([]models.Conversation, error) {
	q := m.db.WithContext(ctx).Where("updated_at >= ? AND id > ?", since, afterID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var list []models.Conversation
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return list, nil
}

// Get 按 session_id 获取会话
func (m *ConversationManager) Get(ctx context.Context, sessionID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// BulkDelete 批量删除会话，返回删除条数
func (m *ConversationManager) BulkDelete(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, validationError("session ids required")
	}
	res := m.db.WithContext(ctx).Where("session_id IN ?", sessionIDs).Delete(&models.Conversation{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete conversations: %w", res.Error)
	}
	m.logger.WithField("count", res.RowsAffected).Info("conversations deleted")
	return res.RowsAffected, nil
}

// MergeMetadata 合并元数据并写库，columns 为需要同步更新的列
func (m *ConversationManager) MergeMetadata(ctx context.Context, sessionID string, kv map[string]interface{}, columns map[string]interface{}) (*models.Conversation, error) {
	conv, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if conv.Metadata == nil {
		conv.Metadata = datatypes.JSONMap{}
	}
	for k, v := range kv {
		conv.Metadata[k] = v
	}
	updates := map[string]interface{}{"metadata": conv.Metadata}
	for k, v := range columns {
		updates[k] = v
	}
	if err := m.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	return conv, nil
}

// SetArchived 设置归档标记
func (m *ConversationManager) SetArchived(ctx context.Context, sessionID string, archived bool) (*models.Conversation, error) {
	return m.MergeMetadata(ctx, sessionID, map[string]interface{}{MetaArchived: archived}, map[string]interface{}{"archived": archived})
}

// SetFlagged 设置人工关注标记
func (m *ConversationManager) SetFlagged(ctx context.Context, sessionID string, flagged bool) (*models.Conversation, error) {
	return m.MergeMetadata(ctx, sessionID, map[string]interface{}{MetaFlagged: flagged}, map[string]interface{}{"flagged": flagged})
}

// SetSuccessScore 记录会话评分，范围 0~1
func (m *ConversationManager) SetSuccessScore(ctx context.Context, sessionID string, score float64) (*models.Conversation, error) {
	if score < 0 || score > 1 {
		return nil, validationError("success score must be between 0 and 1")
	}
	return m.MergeMetadata(ctx, sessionID, map[string]interface{}{MetaSuccessScore: score}, nil)
}
