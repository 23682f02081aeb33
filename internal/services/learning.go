package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatdesk/internal/config"
	"chatdesk/internal/metrics"
	"chatdesk/internal/models"

	"github.com/sirupsen/logrus"
)

// 批量提取时每页读取的会话数
const extractionBatchSize = 500

const (
	metaExtractedAt       = "knowledge_extracted_at"
	metaExtractedMessages = "knowledge_extracted_messages"
	metaKnowledgeAdded    = "knowledge_added"
)

var interrogatives = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "can": true, "could": true, "do": true,
	"does": true, "is": true, "are": true, "will": true, "would": true,
	"should": true,
}

// CandidateEntry 从会话中提取的问答候选
type CandidateEntry struct {
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	SessionID  string  `json:"session_id"`
}

// ExtractionResult 单个会话的提取结果
type ExtractionResult struct {
	SessionID        string `json:"session_id"`
	AlreadyProcessed bool   `json:"already_processed"`
	Found            int    `json:"found"`
	Added            int    `json:"added"`
}

// BatchResult 批量提取汇总
type BatchResult struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Found     int      `json:"found"`
	Added     int      `json:"added"`
	Errors    []string `json:"errors,omitempty"`
}

// LearningEngine 从历史会话中学习问答
type LearningEngine struct {
	kb            *KnowledgeBaseService
	conversations *ConversationManager
	cfg           config.LearningConfig
	logger        *logrus.Logger
	batchSize     int
}

// NewLearningEngine 创建学习引擎
func NewLearningEngine(kb *KnowledgeBaseService, conversations *ConversationManager, cfg config.LearningConfig, logger *logrus.Logger) *LearningEngine {
	if cfg.MinQuestionLength <= 0 {
		cfg.MinQuestionLength = 10
	}
	if cfg.MinAnswerLength <= 0 {
		cfg.MinAnswerLength = 20
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &LearningEngine{kb: kb, conversations: conversations, cfg: cfg, logger: logger, batchSize: extractionBatchSize}
}

// AnalyzeConversation 将用户消息与随后的助手回复配对
func (l *LearningEngine) AnalyzeConversation(ctx context.Context, sessionID string) ([]CandidateEntry, error) {
	conv, err := l.conversations.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return l.pairMessages(conv.SessionID, conv.Messages), nil
}

func (l *LearningEngine) pairMessages(sessionID string, msgs []models.ChatMessage) []CandidateEntry {
	var out []CandidateEntry
	question := ""
	for _, msg := range msgs {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case models.RoleUser:
			question = content
		case models.RoleAssistant:
			if question == "" {
				continue
			}
			if utf8.RuneCountInString(question) >= l.cfg.MinQuestionLength &&
				utf8.RuneCountInString(content) >= l.cfg.MinAnswerLength {
				out = append(out, CandidateEntry{
					Question:   question,
					Answer:     content,
					Confidence: CalculateEntryConfidence(question, content),
					SessionID:  sessionID,
				})
			}
			question = ""
		}
	}
	return out
}

// CalculateEntryConfidence 按问题与回答的形态估算置信度
func CalculateEntryConfidence(question, answer string) float64 {
	score := 0.5
	qLen := utf8.RuneCountInString(question)
	aLen := utf8.RuneCountInString(answer)

	if qLen > 20 {
		score += 0.1
	}
	if qLen > 50 {
		score += 0.05
	}
	if aLen < 50 {
		score -= 0.2
	}
	if aLen > 200 {
		score += 0.1
	}
	if strings.Contains(question, "?") {
		score += 0.1
	}
	if fields := strings.Fields(strings.ToLower(question)); len(fields) > 0 {
		if interrogatives[strings.Trim(fields[0], "?,.!")] {
			score += 0.1
		}
	}
	return clampUnit(score)
}

// AddPotentialEntries 写入候选条目；问题已存在的跳过
func (l *LearningEngine) AddPotentialEntries(ctx context.Context, entries []CandidateEntry, autoApprove bool, minConfidence float64) (int, error) {
	added := 0
	for _, c := range entries {
		exists, err := l.kb.questionExists(ctx, c.Question)
		if err != nil {
			return added, fmt.Errorf("check question: %w", err)
		}
		if exists {
			metrics.KnowledgeCandidates.WithLabelValues("duplicate").Inc()
			continue
		}

		approved := autoApprove && c.Confidence >= minConfidence
		meta := map[string]interface{}{
			"source":        models.SourceConversation,
			"session_id":    c.SessionID,
			"extracted_at":  nowRFC3339(),
			"auto_approved": approved,
		}
		if approved {
			meta["approved_at"] = nowRFC3339()
			meta["approved_by"] = "auto"
		}
		conf := c.Confidence
		if _, err := l.kb.AddEntry(ctx, &KnowledgeEntryCreateRequest{
			Question:   c.Question,
			Answer:     c.Answer,
			Confidence: &conf,
			Approved:   &approved,
			Metadata:   meta,
		}); err != nil {
			return added, err
		}
		added++
		if approved {
			metrics.KnowledgeCandidates.WithLabelValues("approved").Inc()
		} else {
			metrics.KnowledgeCandidates.WithLabelValues("pending").Inc()
		}
	}
	return added, nil
}

// ExtractKnowledgeFromConversation 提取单个会话；已处理且消息数未变化时跳过，force 强制重新处理
func (l *LearningEngine) ExtractKnowledgeFromConversation(ctx context.Context, sessionID string, force bool) (*ExtractionResult, error) {
	conv, err := l.conversations.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result := &ExtractionResult{SessionID: sessionID}

	if !force && extractedFlag(conv) && normalizeMetaValue(conv.Metadata[metaExtractedMessages]) == fmt.Sprint(len(conv.Messages)) {
		result.AlreadyProcessed = true
		return result, nil
	}

	candidates := l.pairMessages(conv.SessionID, conv.Messages)
	result.Found = len(candidates)
	added, err := l.AddPotentialEntries(ctx, candidates, l.cfg.AutoApprove, l.cfg.MinConfidence)
	result.Added = added
	if err != nil {
		return result, err
	}

	_, err = l.conversations.MergeMetadata(ctx, sessionID, map[string]interface{}{
		MetaKnowledgeExtracted: true,
		metaExtractedAt:        nowRFC3339(),
		metaExtractedMessages:  len(conv.Messages),
		metaKnowledgeAdded:     added,
	}, nil)
	if err != nil {
		return result, err
	}

	l.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"found":      result.Found,
		"added":      added,
	}).Info("knowledge extracted from conversation")
	return result, nil
}

func extractedFlag(conv *models.Conversation) bool {
	v, _ := conv.Metadata[MetaKnowledgeExtracted].(bool)
	return v
}

// ProcessRecent 分页处理 since 之后更新过的全部会话
func (l *LearningEngine) ProcessRecent(ctx context.Context, since time.Time) (*BatchResult, error) {
	batch := &BatchResult{}
	var afterID uint
	for {
		convs, err := l.conversations.UpdatedSince(ctx, since, afterID, l.batchSize)
		if err != nil {
			return batch, err
		}
		for _, conv := range convs {
			if err := ctx.Err(); err != nil {
				return batch, err
			}
			afterID = conv.ID
			res, err := l.ExtractKnowledgeFromConversation(ctx, conv.SessionID, false)
			if err != nil {
				batch.Errors = append(batch.Errors, fmt.Sprintf("%s: %v", conv.SessionID, err))
				continue
			}
			if res.AlreadyProcessed {
				batch.Skipped++
				continue
			}
			batch.Processed++
			batch.Found += res.Found
			batch.Added += res.Added
		}
		if len(convs) < l.batchSize {
			return batch, nil
		}
	}
}

// ApproveEntry 审核通过
func (l *LearningEngine) ApproveEntry(ctx context.Context, id uint, userID string) (*models.KnowledgeEntry, error) {
	return l.kb.setReview(ctx, id, true, map[string]interface{}{
		"approved_at": nowRFC3339(),
		"approved_by": userID,
	})
}

// RejectEntry 审核拒绝
func (l *LearningEngine) RejectEntry(ctx context.Context, id uint, userID, reason string) (*models.KnowledgeEntry, error) {
	return l.kb.setReview(ctx, id, false, map[string]interface{}{
		"rejected_at":      nowRFC3339(),
		"rejected_by":      userID,
		"rejection_reason": reason,
	})
}

// PendingEntries 待审核条目
func (l *LearningEngine) PendingEntries(ctx context.Context, page, pageSize int) ([]models.KnowledgeEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	q := l.kb.db.WithContext(ctx).Model(&models.KnowledgeEntry{}).
		Where("approved = ? AND rejected = ?", false, false)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.KnowledgeEntry
	err := q.Order("confidence DESC, created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&list).Error
	return list, total, err
}
