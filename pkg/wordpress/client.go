package wordpress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("API error [%d]: %s", e.StatusCode, e.Message)
}

// Client WordPress / WooCommerce REST 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// ListOptions 列表查询参数
type ListOptions struct {
	ModifiedAfter time.Time
	Statuses      []string
}

// NewClient 创建客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.PerPage <= 0 || config.PerPage > 100 {
		config.PerPage = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

// HasCredentials 是否配置了 WordPress 应用密码
func (c *Client) HasCredentials() bool {
	return c.config.Username != "" && c.config.AppPassword != ""
}

// HasWooCredentials 是否配置了 WooCommerce 密钥
func (c *Client) HasWooCredentials() bool {
	return c.config.ConsumerKey != "" && c.config.ConsumerSecret != ""
}

func (c *Client) createRequest(ctx context.Context, endpoint string, query url.Values, woo bool) (*http.Request, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chatdesk-indexer/1.0")
	switch {
	case woo && c.HasWooCredentials():
		req.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)
	case c.HasCredentials():
		req.SetBasicAuth(c.config.Username, c.config.AppPassword)
	}
	return req, nil
}

// doRequest 执行请求并返回总页数
func (c *Client) doRequest(req *http.Request, result interface{}) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("WordPress API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Message
		}
		return 0, apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return 0, fmt.Errorf("decode response: %w", err)
		}
	}

	pages, _ := strconv.Atoi(resp.Header.Get("X-WP-TotalPages"))
	return pages, nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, endpoint string, query url.Values, woo bool, result interface{}) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("WordPress API retry attempt %d/%d: %v", attempt, c.config.MaxRetries, lastErr)
		}

		req, err := c.createRequest(ctx, endpoint, query, woo)
		if err != nil {
			return 0, err
		}
		pages, err := c.doRequest(req, result)
		if err == nil {
			return pages, nil
		}
		lastErr = err
		if !shouldRetry(err) {
			break
		}
	}
	return 0, lastErr
}

// shouldRetry 网络错误与 5xx 可重试
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

func (c *Client) listQuery(page int, opts ListOptions) url.Values {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.config.PerPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("orderby", "modified")
	q.Set("order", "asc")
	if !opts.ModifiedAfter.IsZero() {
		q.Set("modified_after", opts.ModifiedAfter.UTC().Format(time.RFC3339))
	}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	return q
}

// ListPosts 拉取指定类型（posts、pages 或自定义类型）的全部文章
func (c *Client) ListPosts(ctx context.Context, postType string, opts ListOptions) ([]Post, error) {
	postType = strings.Trim(strings.TrimSpace(postType), "/")
	if postType == "" {
		return nil, fmt.Errorf("post type is required")
	}
	endpoint := "/wp-json/wp/v2/" + url.PathEscape(postType)

	var all []Post
	for page := 1; ; page++ {
		var batch []Post
		pages, err := c.doRequestWithRetry(ctx, endpoint, c.listQuery(page, opts), false, &batch)
		if err != nil {
			return nil, fmt.Errorf("list %s page %d: %w", postType, page, err)
		}
		all = append(all, batch...)
		if len(batch) == 0 || page >= pages {
			break
		}
	}
	return all, nil
}

// ListProducts 拉取 WooCommerce 商品
func (c *Client) ListProducts(ctx context.Context, opts ListOptions) ([]Product, error) {
	var all []Product
	for page := 1; ; page++ {
		var batch []Product
		q := c.listQuery(page, opts)
		// WooCommerce 只接受单个 status
		if len(opts.Statuses) > 1 {
			q.Set("status", "any")
		}
		pages, err := c.doRequestWithRetry(ctx, "/wp-json/wc/v3/products", q, true, &batch)
		if err != nil {
			return nil, fmt.Errorf("list products page %d: %w", page, err)
		}
		all = append(all, batch...)
		if len(batch) == 0 || page >= pages {
			break
		}
	}
	return all, nil
}

// HealthCheck 检查 REST API 是否可访问
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.createRequest(ctx, "/wp-json/", nil, false)
	if err != nil {
		return err
	}
	_, err = c.doRequest(req, nil)
	return err
}
