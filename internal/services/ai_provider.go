package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/models"

	cache "github.com/patrickmn/go-cache"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrProviderNotConfigured 提供方缺少 API Key 等必要配置
	ErrProviderNotConfigured = errors.New("ai provider not configured")
	// ErrUnknownProvider 注册表中不存在该提供方
	ErrUnknownProvider = errors.New("unknown ai provider")
)

const (
	genericSystemPrompt = "You are a helpful customer support assistant for this website. Answer clearly and concisely. If you are not sure about something, say so and suggest contacting the support team."
	modelsCacheTTL      = 10 * time.Minute
)

// ProviderSettings 提供方初始化参数
type ProviderSettings struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
	SiteURL      string
	SiteName     string
}

// SettingsFromConfig 从配置构建提供方参数
func SettingsFromConfig(pc config.ProviderConfig) ProviderSettings {
	return ProviderSettings{
		APIKey:       pc.APIKey,
		BaseURL:      pc.BaseURL,
		Model:        pc.Model,
		Temperature:  pc.Temperature,
		MaxTokens:    pc.MaxTokens,
		Timeout:      pc.Timeout,
		SystemPrompt: pc.SystemPrompt,
		SiteURL:      pc.SiteURL,
		SiteName:     pc.SiteName,
	}
}

// ProviderResponse AI 回复
type ProviderResponse struct {
	Message    string `json:"message"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// Provider 统一的 AI 提供方接口
type Provider interface {
	Initialize(settings ProviderSettings) error
	ProcessQuery(ctx context.Context, query string, history []models.ChatMessage) (*ProviderResponse, error)
	GetAvailableModels(ctx context.Context) ([]string, error)
	IsAvailable() bool
	Name() string
}

// ProviderErrorKind 错误分类
type ProviderErrorKind string

const (
	ProviderErrTimeout   ProviderErrorKind = "timeout"
	ProviderErrNetwork   ProviderErrorKind = "network"
	ProviderErrRateLimit ProviderErrorKind = "rate_limit"
	ProviderErrAPI       ProviderErrorKind = "api"
)

// ProviderError 分类后的提供方错误
type ProviderError struct {
	Provider    string            `json:"provider"`
	Kind        ProviderErrorKind `json:"kind"`
	StatusCode  int               `json:"status_code,omitempty"`
	Message     string            `json:"message"`
	UserMessage string            `json:"user_message"`
	Err         error             `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classifyProviderError 将 go-openai 与传输层错误归类
func classifyProviderError(provider string, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, Err: err, Message: err.Error()}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		pe.Kind = ProviderErrTimeout
		pe.UserMessage = "The AI service is responding slowly. Please check your connection and try again in a moment."
		return pe
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Message = apiErr.Message
	case errors.As(err, &reqErr):
		pe.StatusCode = reqErr.HTTPStatusCode
		if reqErr.Err != nil {
			pe.Message = reqErr.Err.Error()
		}
	}

	switch {
	case pe.StatusCode == http.StatusTooManyRequests:
		pe.Kind = ProviderErrRateLimit
		pe.UserMessage = "The AI service is receiving too many requests right now. Please try again shortly."
	case pe.StatusCode >= http.StatusBadRequest:
		pe.Kind = ProviderErrAPI
		pe.UserMessage = fmt.Sprintf("The AI service returned an error: %s", pe.Message)
	default:
		pe.Kind = ProviderErrNetwork
		pe.UserMessage = "Could not reach the AI service. Please try again later."
	}
	return pe
}

// providerDefaults 内置提供方的默认值
type providerDefaults struct {
	name          string
	baseURL       string
	model         string
	systemPrompt  string
	fallbackModel []string
}

var builtinProviders = []providerDefaults{
	{
		name:          "openai",
		baseURL:       "https://api.openai.com/v1",
		model:         "gpt-3.5-turbo",
		systemPrompt:  "You are a friendly support assistant for this website powered by OpenAI. Keep answers short, accurate and polite.",
		fallbackModel: []string{"gpt-3.5-turbo", "gpt-4", "gpt-4o-mini"},
	},
	{
		name:          "deepseek",
		baseURL:       "https://api.deepseek.com/v1",
		model:         "deepseek-chat",
		systemPrompt:  "You are a helpful website support assistant. Answer customer questions concisely and say when you don't know.",
		fallbackModel: []string{"deepseek-chat", "deepseek-coder"},
	},
	{
		name:          "openrouter",
		baseURL:       "https://openrouter.ai/api/v1",
		model:         "openai/gpt-3.5-turbo",
		systemPrompt:  "You are a helpful website support assistant. Be concise, friendly and accurate.",
		fallbackModel: []string{"openai/gpt-3.5-turbo", "anthropic/claude-3-haiku", "meta-llama/llama-3-8b-instruct"},
	},
}

// headerTransport 为每个请求追加固定请求头
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			r.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(r)
}

// OpenAICompatibleProvider 兼容 OpenAI Chat Completions 协议的提供方
type OpenAICompatibleProvider struct {
	defaults providerDefaults
	models   *cache.Cache
	logger   *logrus.Logger

	mu       sync.RWMutex
	settings ProviderSettings
	client   *openai.Client
}

// NewOpenAICompatibleProvider 创建提供方，调用 Initialize 后可用
func NewOpenAICompatibleProvider(defaults providerDefaults, modelCache *cache.Cache, logger *logrus.Logger) *OpenAICompatibleProvider {
	if logger == nil {
		logger = logrus.New()
	}
	if modelCache == nil {
		modelCache = cache.New(modelsCacheTTL, 2*modelsCacheTTL)
	}
	return &OpenAICompatibleProvider{defaults: defaults, models: modelCache, logger: logger}
}

func (p *OpenAICompatibleProvider) Name() string { return p.defaults.name }

// Initialize 根据参数构建 go-openai 客户端
func (p *OpenAICompatibleProvider) Initialize(settings ProviderSettings) error {
	settings.APIKey = strings.TrimSpace(settings.APIKey)
	if settings.BaseURL == "" {
		settings.BaseURL = p.defaults.baseURL
	}
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	if settings.Model == "" {
		settings.Model = p.defaults.model
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 45 * time.Second
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = 1000
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = settings
	p.client = nil

	if settings.APIKey == "" {
		return fmt.Errorf("%w: %s api key missing", ErrProviderNotConfigured, p.defaults.name)
	}

	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if p.defaults.name == "openrouter" {
		transport = &headerTransport{base: transport, headers: map[string]string{
			"HTTP-Referer": settings.SiteURL,
			"X-Title":      settings.SiteName,
		}}
	}

	cfg := openai.DefaultConfig(settings.APIKey)
	cfg.BaseURL = settings.BaseURL
	cfg.HTTPClient = &http.Client{Timeout: settings.Timeout, Transport: transport}
	p.client = openai.NewClientWithConfig(cfg)
	return nil
}

// IsAvailable 是否已完成配置
func (p *OpenAICompatibleProvider) IsAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil
}

// Model 当前使用的模型
func (p *OpenAICompatibleProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.settings.Model == "" {
		return p.defaults.model
	}
	return p.settings.Model
}

func (p *OpenAICompatibleProvider) snapshot() (ProviderSettings, *openai.Client) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings, p.client
}

// ProcessQuery 发送对话请求，不做重试
func (p *OpenAICompatibleProvider) ProcessQuery(ctx context.Context, query string, history []models.ChatMessage) (*ProviderResponse, error) {
	settings, client := p.snapshot()
	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, p.defaults.name)
	}

	tracer := otel.Tracer("chatdesk/ai")
	ctx, span := tracer.Start(ctx, "Provider.ProcessQuery")
	span.SetAttributes(
		attribute.String("ai.provider", p.defaults.name),
		attribute.String("ai.model", settings.Model),
	)
	defer span.End()

	systemPrompt := settings.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = p.defaults.systemPrompt
	}
	messages := BuildChatMessages(query, history, systemPrompt)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       settings.Model,
		Messages:    messages,
		Temperature: float32(settings.Temperature),
		MaxTokens:   settings.MaxTokens,
	})
	if err != nil {
		pe := classifyProviderError(p.defaults.name, err)
		span.SetStatus(codes.Error, pe.Error())
		p.logger.WithFields(logrus.Fields{
			"provider": p.defaults.name,
			"kind":     pe.Kind,
			"status":   pe.StatusCode,
		}).WithError(err).Error("AI provider request failed")
		return nil, pe
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, &ProviderError{
			Provider:    p.defaults.name,
			Kind:        ProviderErrAPI,
			Message:     "empty response",
			UserMessage: "The AI service returned an empty response.",
		}
	}

	model := resp.Model
	if model == "" {
		model = settings.Model
	}
	span.SetAttributes(attribute.Int("ai.tokens", resp.Usage.TotalTokens))
	return &ProviderResponse{
		Message:    strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:      model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// GetAvailableModels 获取模型列表，结果缓存 10 分钟；未配置时返回内置列表
func (p *OpenAICompatibleProvider) GetAvailableModels(ctx context.Context) ([]string, error) {
	if v, ok := p.models.Get(p.defaults.name); ok {
		return v.([]string), nil
	}
	_, client := p.snapshot()
	if client == nil {
		return append([]string(nil), p.defaults.fallbackModel...), nil
	}

	list, err := client.ListModels(ctx)
	if err != nil {
		pe := classifyProviderError(p.defaults.name, err)
		p.logger.WithField("provider", p.defaults.name).WithError(err).Warn("list models failed")
		return nil, pe
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	p.models.Set(p.defaults.name, ids, cache.DefaultExpiration)
	return ids, nil
}

// BuildChatMessages 组装消息：一条 system 消息，之后是过滤后的历史，最后是本次问题
func BuildChatMessages(query string, history []models.ChatMessage, providerPrompt string) []openai.ChatCompletionMessage {
	system := ""
	consumed := -1
	for i, m := range history {
		if m.Role == models.RoleSystem && strings.TrimSpace(m.Content) != "" {
			system, consumed = m.Content, i
			break
		}
	}
	if system == "" {
		system = providerPrompt
	}
	if strings.TrimSpace(system) == "" {
		system = genericSystemPrompt
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for i, m := range history {
		if i == consumed || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case models.RoleSystem:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case models.RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case models.RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		}
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query})
	return messages
}

// ProviderStatus 提供方状态
type ProviderStatus struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
	Active    bool   `json:"active"`
}

// ProviderRegistry 启动时构建的静态提供方注册表
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	active    string
	logger    *logrus.Logger
}

// NewProviderRegistry 创建内置提供方并按配置初始化
func NewProviderRegistry(cfg config.AIConfig, logger *logrus.Logger) *ProviderRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	r := &ProviderRegistry{
		providers: make(map[string]Provider),
		active:    strings.ToLower(strings.TrimSpace(cfg.Provider)),
		logger:    logger,
	}
	modelCache := cache.New(modelsCacheTTL, 2*modelsCacheTTL)
	for _, d := range builtinProviders {
		p := NewOpenAICompatibleProvider(d, modelCache, logger)
		pc, _ := cfg.Get(d.name)
		if err := p.Initialize(SettingsFromConfig(pc)); err != nil {
			logger.WithField("provider", d.name).Debugf("provider not initialized: %v", err)
		}
		r.Register(p)
	}
	return r
}

// Register 注册或替换提供方
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(p.Name())
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

// Get 按名称获取提供方
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// SetActive 切换当前提供方
func (r *ProviderRegistry) SetActive(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := r.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	r.mu.Lock()
	r.active = name
	r.mu.Unlock()
	return nil
}

// Active 返回当前启用的提供方
func (r *ProviderRegistry) Active() (Provider, error) {
	r.mu.RLock()
	name := r.active
	r.mu.RUnlock()
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// Names 按注册顺序返回提供方名称
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Status 全部提供方状态
func (r *ProviderRegistry) Status() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(r.order))
	for _, name := range r.order {
		p := r.providers[name]
		st := ProviderStatus{Name: name, Available: p.IsAvailable(), Active: name == r.active}
		if m, ok := p.(interface{ Model() string }); ok {
			st.Model = m.Model()
		}
		out = append(out, st)
	}
	return out
}
