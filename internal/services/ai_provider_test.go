package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/models"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providerDefaultsFor(t *testing.T, name string) providerDefaults {
	t.Helper()
	for _, d := range builtinProviders {
		if d.name == name {
			return d
		}
	}
	t.Fatalf("no builtin provider %s", name)
	return providerDefaults{}
}

func TestBuildChatMessages_SystemPrecedence(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleAssistant, Content: "Hi! How can I help?"},
		{Role: models.RoleSystem, Content: "You are the store bot."},
		{Role: models.RoleUser, Content: "Do you ship?"},
		{Role: "tool", Content: "ignored"},
		{Role: models.RoleAssistant, Content: "Yes."},
	}
	msgs := BuildChatMessages("How long?", history, "provider prompt")
	require.Len(t, msgs, 5)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "You are the store bot.", msgs[0].Content)
	assert.Equal(t, "Hi! How can I help?", msgs[1].Content)
	assert.Equal(t, "Do you ship?", msgs[2].Content)
	assert.Equal(t, "Yes.", msgs[3].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[4].Role)
	assert.Equal(t, "How long?", msgs[4].Content)

	msgs = BuildChatMessages("q", nil, "provider prompt")
	require.Len(t, msgs, 2)
	assert.Equal(t, "provider prompt", msgs[0].Content)

	msgs = BuildChatMessages("q", nil, "")
	assert.Equal(t, genericSystemPrompt, msgs[0].Content)
}

func TestProvider_InitializeRequiresKey(t *testing.T) {
	p := NewOpenAICompatibleProvider(providerDefaultsFor(t, "deepseek"), nil, quietLogger())
	err := p.Initialize(ProviderSettings{})
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))
	assert.False(t, p.IsAvailable())
	assert.Equal(t, "deepseek-chat", p.Model())

	_, err = p.ProcessQuery(context.Background(), "hi", nil)
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))

	list, err := p.GetAvailableModels(context.Background())
	require.NoError(t, err)
	assert.Contains(t, list, "deepseek-chat")
}

func TestProvider_ProcessQuerySuccess(t *testing.T) {
	var gotBody openai.ChatCompletionRequest
	var gotReferer, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"openai/gpt-3.5-turbo","choices":[{"index":0,"message":{"role":"assistant","content":" We ship worldwide. "},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatibleProvider(providerDefaultsFor(t, "openrouter"), nil, quietLogger())
	require.NoError(t, p.Initialize(ProviderSettings{APIKey: "sk-test", BaseURL: srv.URL + "/", SiteURL: "https://shop.example", SiteName: "Shop"}))
	require.True(t, p.IsAvailable())

	resp, err := p.ProcessQuery(context.Background(), "Do you ship?", []models.ChatMessage{{Role: models.RoleUser, Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "We ship worldwide.", resp.Message)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Equal(t, "openai/gpt-3.5-turbo", resp.Model)

	assert.Equal(t, "https://shop.example", gotReferer)
	assert.Equal(t, "Shop", gotTitle)
	require.Len(t, gotBody.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, gotBody.Messages[0].Role)
	assert.Equal(t, "Do you ship?", gotBody.Messages[2].Content)
}

func TestProvider_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   ProviderErrorKind
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, ProviderErrRateLimit},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"invalid model","type":"invalid_request_error"}}`, ProviderErrAPI},
		{"server error", http.StatusInternalServerError, `oops`, ProviderErrAPI},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewOpenAICompatibleProvider(providerDefaultsFor(t, "openai"), nil, quietLogger())
			require.NoError(t, p.Initialize(ProviderSettings{APIKey: "k", BaseURL: srv.URL}))
			_, err := p.ProcessQuery(context.Background(), "q", nil)
			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tc.kind, pe.Kind)
			assert.Equal(t, tc.status, pe.StatusCode)
			assert.NotEmpty(t, pe.UserMessage)
		})
	}
}

func TestProvider_TimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewOpenAICompatibleProvider(providerDefaultsFor(t, "openai"), nil, quietLogger())
	require.NoError(t, p.Initialize(ProviderSettings{APIKey: "k", BaseURL: srv.URL, Timeout: 20 * time.Millisecond}))
	_, err := p.ProcessQuery(context.Background(), "q", nil)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProviderErrTimeout, pe.Kind)
	assert.Contains(t, pe.UserMessage, "slow")
}

func TestProvider_NetworkClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewOpenAICompatibleProvider(providerDefaultsFor(t, "openai"), nil, quietLogger())
	require.NoError(t, p.Initialize(ProviderSettings{APIKey: "k", BaseURL: url}))
	_, err := p.ProcessQuery(context.Background(), "q", nil)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProviderErrNetwork, pe.Kind)
}

func TestProvider_ModelsAreCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4","object":"model"},{"id":"gpt-3.5-turbo","object":"model"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatibleProvider(providerDefaultsFor(t, "openai"), nil, quietLogger())
	require.NoError(t, p.Initialize(ProviderSettings{APIKey: "k", BaseURL: srv.URL}))

	for i := 0; i < 3; i++ {
		list, err := p.GetAvailableModels(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"gpt-3.5-turbo", "gpt-4"}, list)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProviderRegistry(t *testing.T) {
	cfg := config.GetDefaultConfig().AI
	cfg.Provider = "deepseek"
	cfg.DeepSeek.APIKey = "sk-ds"

	r := NewProviderRegistry(cfg, quietLogger())
	assert.Equal(t, []string{"openai", "deepseek", "openrouter"}, r.Names())

	p, err := r.Active()
	require.NoError(t, err)
	assert.Equal(t, "deepseek", p.Name())

	require.NoError(t, r.SetActive("OpenAI"))
	_, err = r.Active()
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))

	assert.True(t, errors.Is(r.SetActive("claude"), ErrUnknownProvider))

	status := r.Status()
	require.Len(t, status, 3)
	assert.True(t, status[0].Active)
	assert.False(t, status[0].Available)
	assert.True(t, status[1].Available)
	assert.Equal(t, "deepseek-chat", status[1].Model)
}
