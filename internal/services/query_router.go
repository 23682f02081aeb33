package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/metrics"
	"chatdesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// 回复来源
const (
	RouteKnowledgeBase         = "knowledge_base"
	RouteTriggerWord           = "trigger_word"
	RouteContent               = "wp_content"
	RouteAI                    = "ai"
	RouteKnowledgeBaseFallback = "knowledge_base_fallback"
	RouteContentFallback       = "wp_content_fallback"
	RouteFallback              = "fallback"
)

// KnowledgeSearcher 知识库检索
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string) (*SearchResult, error)
	IncrementUsageCount(ctx context.Context, id uint) error
}

// ContentSearcher 站点内容检索
type ContentSearcher interface {
	Search(ctx context.Context, query string) (*ContentResult, error)
}

// TriggerSource 提供本次请求使用的触发词匹配器
type TriggerSource interface {
	Matcher(ctx context.Context) (*TriggerMatcher, error)
}

// ProviderSource 提供当前 AI 提供方
type ProviderSource interface {
	Active() (Provider, error)
}

// RouteResult 路由结果
type RouteResult struct {
	Source     string   `json:"source"`
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	EntryID    uint     `json:"entry_id,omitempty"`
	TriggerID  uint     `json:"trigger_id,omitempty"`
	FollowUps  []string `json:"follow_ups,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	TokensUsed int      `json:"tokens_used,omitempty"`
}

// QueryRouter 按固定优先级选择回答来源
type QueryRouter struct {
	cfg       config.RouterConfig
	kb        KnowledgeSearcher
	triggers  TriggerSource
	content   ContentSearcher
	providers ProviderSource
	logger    *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*ProviderBreaker
}

// NewQueryRouter 创建路由器，content、triggers、providers 可为 nil
func NewQueryRouter(cfg config.RouterConfig, kb KnowledgeSearcher, triggers TriggerSource, content ContentSearcher, providers ProviderSource, logger *logrus.Logger) *QueryRouter {
	if logger == nil {
		logger = logrus.New()
	}
	return &QueryRouter{
		cfg:       cfg,
		kb:        kb,
		triggers:  triggers,
		content:   content,
		providers: providers,
		logger:    logger,
		breakers:  make(map[string]*ProviderBreaker),
	}
}

// ProcessQuery 依次尝试知识库、触发词、站点内容、AI，最后退回低置信度结果或固定致歉语
func (r *QueryRouter) ProcessQuery(ctx context.Context, query string, history []models.ChatMessage) (*RouteResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, validationError("query required")
	}
	start := time.Now()
	ctx, span := otel.Tracer("chatdesk/router").Start(ctx, "QueryRouter.ProcessQuery")
	defer span.End()

	res := r.route(ctx, query, history)

	span.SetAttributes(
		attribute.String("route.source", res.Source),
		attribute.Float64("route.confidence", res.Confidence),
	)
	metrics.RouteTotal.WithLabelValues(res.Source).Inc()
	metrics.RouteDuration.WithLabelValues(res.Source).Observe(time.Since(start).Seconds())
	metrics.RouteConfidence.Observe(res.Confidence)
	r.logger.WithFields(logrus.Fields{
		"source":     res.Source,
		"confidence": res.Confidence,
		"duration":   time.Since(start).String(),
	}).Debug("query routed")
	return res, nil
}

func (r *QueryRouter) route(ctx context.Context, query string, history []models.ChatMessage) *RouteResult {
	threshold := r.cfg.ConfidenceThreshold

	// 1. 知识库
	var kbHit *SearchResult
	if r.kb != nil {
		hit, err := r.kb.Search(ctx, query)
		if err != nil {
			r.logger.WithError(err).Warn("knowledge base search failed")
		}
		kbHit = hit
	}
	if kbHit != nil && kbHit.Confidence >= threshold && r.cfg.PrioritizeLocalKB {
		r.touch(ctx, kbHit.ID)
		return &RouteResult{Source: RouteKnowledgeBase, Answer: kbHit.Answer, Confidence: kbHit.Confidence, EntryID: kbHit.ID}
	}

	// 2. 触发词
	if r.cfg.TriggerWordsEnabled && r.triggers != nil {
		matcher, err := r.triggers.Matcher(ctx)
		if err != nil {
			r.logger.WithError(err).Warn("trigger words unavailable")
		} else if m := matcher.ProcessMessage(query); m != nil {
			return &RouteResult{Source: RouteTriggerWord, Answer: m.Response, Confidence: 1.0, TriggerID: m.TriggerID, FollowUps: m.FollowUps}
		}
	}

	// 3. 站点内容
	var contentHit *ContentResult
	if r.cfg.ContentSearchEnabled && r.content != nil {
		hit, err := r.content.Search(ctx, query)
		if err != nil {
			r.logger.WithError(err).Warn("content search failed")
		}
		contentHit = hit
	}
	if contentHit != nil && contentHit.Confidence >= threshold {
		r.touch(ctx, contentHit.ID)
		return &RouteResult{Source: RouteContent, Answer: contentHit.Answer, Confidence: contentHit.Confidence, EntryID: contentHit.ID}
	}

	// 4. AI
	if r.cfg.AIEnabled && r.providers != nil {
		if res := r.askAI(ctx, query, history); res != nil {
			return res
		}
	}

	// 5. 低置信度结果
	switch {
	case kbHit != nil && (contentHit == nil || kbHit.Confidence >= contentHit.Confidence):
		r.touch(ctx, kbHit.ID)
		return &RouteResult{Source: RouteKnowledgeBaseFallback, Answer: kbHit.Answer, Confidence: kbHit.Confidence, EntryID: kbHit.ID}
	case contentHit != nil:
		r.touch(ctx, contentHit.ID)
		return &RouteResult{Source: RouteContentFallback, Answer: contentHit.Answer, Confidence: contentHit.Confidence, EntryID: contentHit.ID}
	}

	// 6. 固定致歉语
	return &RouteResult{Source: RouteFallback, Answer: r.cfg.FallbackMessage}
}

func (r *QueryRouter) askAI(ctx context.Context, query string, history []models.ChatMessage) (res *RouteResult) {
	provider, err := r.providers.Active()
	if err != nil {
		r.logger.WithError(err).Warn("AI provider unavailable")
		return nil
	}
	name := provider.Name()
	breaker := r.breaker(name)
	if !breaker.Allow() {
		metrics.AIRequests.WithLabelValues(name, "breaker_open").Inc()
		r.logger.WithField("provider", name).Debug("AI skipped, circuit open")
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			breaker.OnFailure()
			metrics.AIRequests.WithLabelValues(name, "panic").Inc()
			r.logger.WithField("provider", name).Errorf("AI provider panicked: %v", p)
			res = nil
		}
	}()

	resp, err := provider.ProcessQuery(ctx, query, history)
	if err != nil {
		breaker.OnFailure()
		metrics.AIRequests.WithLabelValues(name, "error").Inc()
		r.logger.WithField("provider", name).WithError(err).Warn("AI request failed, falling through")
		return nil
	}
	if resp == nil || resp.Message == "" {
		breaker.OnFailure()
		metrics.AIRequests.WithLabelValues(name, "empty").Inc()
		return nil
	}

	breaker.OnSuccess()
	metrics.AIRequests.WithLabelValues(name, "success").Inc()
	metrics.AITokensUsed.WithLabelValues(name).Add(float64(resp.TokensUsed))
	return &RouteResult{
		Source:     RouteAI,
		Answer:     resp.Message,
		Provider:   name,
		Model:      resp.Model,
		TokensUsed: resp.TokensUsed,
	}
}

func (r *QueryRouter) breaker(name string) *ProviderBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewProviderBreaker(name, r.cfg.CircuitBreaker)
		b.OnStateChange(func(provider string, from, to BreakerState) {
			metrics.BreakerState.WithLabelValues(provider).Set(float64(to))
			r.logger.WithField("provider", provider).Warnf("AI circuit breaker %s -> %s", from, to)
		})
		r.breakers[name] = b
	}
	return b
}

// BreakerStats 全部提供方熔断器状态
func (r *QueryRouter) BreakerStats() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}

func (r *QueryRouter) touch(ctx context.Context, id uint) {
	if id == 0 || r.kb == nil {
		return
	}
	if err := r.kb.IncrementUsageCount(ctx, id); err != nil {
		r.logger.WithField("entry_id", id).WithError(err).Warn("increment usage count failed")
	}
}
