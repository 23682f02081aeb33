package services

import (
	"context"
	"strings"
	"time"

	"chatdesk/internal/models"
	"chatdesk/pkg/utils"

	"github.com/sirupsen/logrus"
)

// QueryProcessor 为一条消息选择回答
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, query string, history []models.ChatMessage) (*RouteResult, error)
}

// ChatRequest 聊天请求
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
	Channel   string `json:"channel"`
	UserID    string `json:"user_id"`
	IP        string `json:"-"`
	Referrer  string `json:"-"`
}

// ChatReply 聊天回复
type ChatReply struct {
	SessionID  string    `json:"session_id"`
	Reply      string    `json:"reply"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	FollowUps  []string  `json:"follow_ups,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatService 串联会话、路由与统计
type ChatService struct {
	conversations *ConversationManager
	router        QueryProcessor
	analytics     *AnalyticsService
	logger        *logrus.Logger
}

// NewChatService 创建聊天服务，analytics 可为 nil
func NewChatService(conversations *ConversationManager, router QueryProcessor, analytics *AnalyticsService, logger *logrus.Logger) *ChatService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ChatService{conversations: conversations, router: router, analytics: analytics, logger: logger}
}

// HandleMessage 处理一条用户消息并返回回复
func (s *ChatService) HandleMessage(ctx context.Context, req *ChatRequest) (*ChatReply, error) {
	if req == nil {
		return nil, validationError("request required")
	}
	message := strings.TrimSpace(req.Message)
	if !utils.ValidateMessage(message) {
		return nil, validationError("message must be 1-%d characters", utils.MaxMessageLength)
	}

	if req.SessionID != "" {
		unlock, err := s.conversations.Lock(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	session, err := s.conversations.Open(ctx, req.SessionID, OpenOptions{
		Channel:  req.Channel,
		UserID:   req.UserID,
		IP:       req.IP,
		Referrer: req.Referrer,
	})
	if err != nil {
		return nil, err
	}
	channel := session.Channel()
	if session.IsNew() {
		s.record("conversation", func() error { return s.analytics.RecordConversation(ctx, channel) })
	}

	history := session.History(0)
	if err := session.AddMessage(ctx, models.ChatMessage{Role: models.RoleUser, Content: message}); err != nil {
		return nil, err
	}

	res, err := s.router.ProcessQuery(ctx, message, history)
	if err != nil {
		return nil, err
	}

	reply := &ChatReply{
		SessionID:  session.ID(),
		Reply:      res.Answer,
		Source:     res.Source,
		Confidence: res.Confidence,
		FollowUps:  res.FollowUps,
		Provider:   res.Provider,
		Model:      res.Model,
		Timestamp:  time.Now().UTC(),
	}
	session.SetMeta("last_source", res.Source)
	if err := session.AddMessage(ctx, models.ChatMessage{Role: models.RoleAssistant, Content: res.Answer, Timestamp: reply.Timestamp}); err != nil {
		return nil, err
	}

	s.record("message", func() error { return s.analytics.RecordMessage(ctx, channel) })
	s.record("response", func() error { return s.analytics.RecordResponse(ctx, channel, res.Source) })
	s.record("query", func() error { return s.analytics.RecordQuery(ctx, channel, message) })

	s.logger.WithFields(logrus.Fields{
		"session_id": reply.SessionID,
		"source":     reply.Source,
		"confidence": reply.Confidence,
	}).Info("chat message handled")
	return reply, nil
}

// History 返回会话消息
func (s *ChatService) History(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	conv, err := s.conversations.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *ChatService) record(kind string, fn func() error) {
	if s.analytics == nil {
		return
	}
	if err := fn(); err != nil {
		s.logger.WithError(err).WithField("kind", kind).Warn("record analytics failed")
	}
}
