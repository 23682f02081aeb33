package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKB struct {
	hit     *SearchResult
	err     error
	touched []uint
}

func (f *fakeKB) Search(context.Context, string) (*SearchResult, error) { return f.hit, f.err }

func (f *fakeKB) IncrementUsageCount(_ context.Context, id uint) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakeContent struct {
	hit *ContentResult
}

func (f *fakeContent) Search(context.Context, string) (*ContentResult, error) { return f.hit, nil }

type fakeTriggers struct {
	words []models.TriggerWord
}

func (f *fakeTriggers) Matcher(context.Context) (*TriggerMatcher, error) {
	return NewTriggerMatcher(f.words, nil, quietLogger()), nil
}

type fakeProvider struct {
	name  string
	resp  *ProviderResponse
	err   error
	panic bool
	calls int
}

func (p *fakeProvider) Initialize(ProviderSettings) error { return nil }
func (p *fakeProvider) GetAvailableModels(context.Context) ([]string, error) { return nil, nil }
func (p *fakeProvider) IsAvailable() bool { return true }
func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ProcessQuery(context.Context, string, []models.ChatMessage) (*ProviderResponse, error) {
	p.calls++
	if p.panic {
		panic("boom")
	}
	return p.resp, p.err
}

type fakeProviders struct {
	p   Provider
	err error
}

func (f *fakeProviders) Active() (Provider, error) { return f.p, f.err }

func routerConfig() config.RouterConfig {
	return config.RouterConfig{
		ConfidenceThreshold:  0.7,
		PrioritizeLocalKB:    true,
		TriggerWordsEnabled:  true,
		ContentSearchEnabled: true,
		AIEnabled:            true,
		FallbackMessage:      "sorry",
		CircuitBreaker:       config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2, ResetTimeout: time.Hour},
	}
}

func TestQueryRouter_EmptyQuery(t *testing.T) {
	r := NewQueryRouter(routerConfig(), &fakeKB{}, nil, nil, nil, quietLogger())
	_, err := r.ProcessQuery(context.Background(), "   ", nil)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestQueryRouter_KnowledgeBaseAboveThreshold(t *testing.T) {
	kb := &fakeKB{hit: &SearchResult{ID: 3, Answer: "30 days", Confidence: 1.0}}
	provider := &fakeProvider{name: "openai", resp: &ProviderResponse{Message: "ai"}}
	r := NewQueryRouter(routerConfig(), kb, nil, nil, &fakeProviders{p: provider}, quietLogger())

	res, err := r.ProcessQuery(context.Background(), "refund policy", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteKnowledgeBase, res.Source)
	assert.Equal(t, "30 days", res.Answer)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, []uint{3}, kb.touched)
	assert.Equal(t, 0, provider.calls)
}

func TestQueryRouter_BelowThresholdNeverReturnsLocalSource(t *testing.T) {
	kb := &fakeKB{hit: &SearchResult{ID: 3, Answer: "maybe", Confidence: 0.5}}
	content := &fakeContent{hit: &ContentResult{ID: 9, Answer: "page", Confidence: 0.4}}
	cfg := routerConfig()
	cfg.AIEnabled = false
	r := NewQueryRouter(cfg, kb, nil, content, nil, quietLogger())

	res, err := r.ProcessQuery(context.Background(), "refund", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteKnowledgeBaseFallback, res.Source)
	assert.Equal(t, 0.5, res.Confidence)
	assert.Equal(t, []uint{3}, kb.touched)

	// 内容得分更高时使用内容
	content.hit.Confidence = 0.6
	kb.touched = nil
	res, err = r.ProcessQuery(context.Background(), "refund", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteContentFallback, res.Source)
	assert.Equal(t, uint(9), res.EntryID)
	assert.Equal(t, []uint{9}, kb.touched)
}

func TestQueryRouter_PrioritizeOffDefersKnowledgeBase(t *testing.T) {
	kb := &fakeKB{hit: &SearchResult{ID: 3, Answer: "kb answer", Confidence: 0.95}}
	triggers := &fakeTriggers{words: []models.TriggerWord{
		{ID: 1, Word: "refund", MatchType: models.MatchContains, Active: true, Responses: []string{"trigger answer"}, FollowUps: []string{"More?"}},
	}}
	cfg := routerConfig()
	cfg.PrioritizeLocalKB = false
	r := NewQueryRouter(cfg, kb, triggers, nil, nil, quietLogger())

	res, err := r.ProcessQuery(context.Background(), "refund please", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteTriggerWord, res.Source)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, uint(1), res.TriggerID)
	assert.Equal(t, []string{"More?"}, res.FollowUps)
	assert.Empty(t, kb.touched)

	// 没有其他来源时退回到知识库结果
	res, err = r.ProcessQuery(context.Background(), "something else", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteKnowledgeBaseFallback, res.Source)
}

func TestQueryRouter_TriggerIgnoresThreshold(t *testing.T) {
	triggers := &fakeTriggers{words: []models.TriggerWord{
		{ID: 2, Word: "hours", MatchType: models.MatchContains, Active: true, Responses: []string{"9 to 5"}},
	}}
	cfg := routerConfig()
	cfg.ConfidenceThreshold = 1
	r := NewQueryRouter(cfg, &fakeKB{}, triggers, nil, nil, quietLogger())

	res, err := r.ProcessQuery(context.Background(), "what are your hours today", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteTriggerWord, res.Source)
	assert.Equal(t, "9 to 5", res.Answer)
}

func TestQueryRouter_ContentAboveThreshold(t *testing.T) {
	kb := &fakeKB{}
	content := &fakeContent{hit: &ContentResult{ID: 11, Answer: "Blue Widget costs 15.00", Confidence: 0.95}}
	r := NewQueryRouter(routerConfig(), kb, nil, content, nil, quietLogger())

	res, err := r.ProcessQuery(context.Background(), "how much is blue widget", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteContent, res.Source)
	assert.Equal(t, []uint{11}, kb.touched)
}

func TestQueryRouter_AIAnswer(t *testing.T) {
	provider := &fakeProvider{name: "deepseek", resp: &ProviderResponse{Message: "hello", Model: "deepseek-chat", TokensUsed: 12}}
	r := NewQueryRouter(routerConfig(), &fakeKB{}, nil, nil, &fakeProviders{p: provider}, quietLogger())

	res, err := r.ProcessQuery(context.Background(), "hi there", []models.ChatMessage{{Role: models.RoleUser, Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, RouteAI, res.Source)
	assert.Equal(t, "hello", res.Answer)
	assert.Equal(t, "deepseek", res.Provider)
	assert.Equal(t, "deepseek-chat", res.Model)
	assert.Equal(t, 12, res.TokensUsed)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestQueryRouter_AIFailuresFallThrough(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		sources  *fakeProviders
	}{
		{"error", &fakeProvider{name: "openai", err: &ProviderError{Provider: "openai", Kind: ProviderErrTimeout}}, nil},
		{"empty", &fakeProvider{name: "openai", resp: &ProviderResponse{}}, nil},
		{"panic", &fakeProvider{name: "openai", panic: true}, nil},
		{"not configured", nil, &fakeProviders{err: ErrProviderNotConfigured}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.sources
			if src == nil {
				src = &fakeProviders{p: tt.provider}
			}
			r := NewQueryRouter(routerConfig(), &fakeKB{}, nil, nil, src, quietLogger())
			res, err := r.ProcessQuery(context.Background(), "hi", nil)
			require.NoError(t, err)
			assert.Equal(t, RouteFallback, res.Source)
			assert.Equal(t, "sorry", res.Answer)
		})
	}
}

func TestQueryRouter_OpenBreakerSkipsAI(t *testing.T) {
	provider := &fakeProvider{name: "openai", err: errors.New("down")}
	r := NewQueryRouter(routerConfig(), &fakeKB{}, nil, nil, &fakeProviders{p: provider}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.ProcessQuery(ctx, "hi", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, provider.calls)

	res, err := r.ProcessQuery(ctx, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteFallback, res.Source)
	assert.Equal(t, 2, provider.calls)

	stats := r.BreakerStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "open", stats[0].State)
}

func TestQueryRouter_KnowledgeSearchErrorDegrades(t *testing.T) {
	kb := &fakeKB{err: errors.New("db gone")}
	r := NewQueryRouter(routerConfig(), kb, nil, nil, nil, quietLogger())
	res, err := r.ProcessQuery(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, RouteFallback, res.Source)
}
