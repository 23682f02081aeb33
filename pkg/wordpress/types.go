package wordpress

import (
	"strings"
	"time"
)

// Rendered WordPress REST 返回的渲染字段
type Rendered struct {
	Rendered string `json:"rendered"`
}

// Post 文章或页面
type Post struct {
	ID          int64    `json:"id"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	Slug        string   `json:"slug"`
	Link        string   `json:"link"`
	Title       Rendered `json:"title"`
	Content     Rendered `json:"content"`
	Excerpt     Rendered `json:"excerpt"`
	ModifiedGMT string   `json:"modified_gmt"`
}

// Modified 解析修改时间
func (p Post) Modified() time.Time {
	return parseGMT(p.ModifiedGMT)
}

// Category 商品分类
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Product WooCommerce 商品
type Product struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Slug             string     `json:"slug"`
	Permalink        string     `json:"permalink"`
	Status           string     `json:"status"`
	Description      string     `json:"description"`
	ShortDescription string     `json:"short_description"`
	SKU              string     `json:"sku"`
	Price            string     `json:"price"`
	RegularPrice     string     `json:"regular_price"`
	SalePrice        string     `json:"sale_price"`
	OnSale           bool       `json:"on_sale"`
	ManageStock      bool       `json:"manage_stock"`
	StockQuantity    *int       `json:"stock_quantity"`
	StockStatus      string     `json:"stock_status"`
	Categories       []Category `json:"categories"`
	DateModifiedGMT  string     `json:"date_modified_gmt"`
}

// Modified 解析修改时间
func (p Product) Modified() time.Time {
	return parseGMT(p.DateModifiedGMT)
}

// ErrorResponse WordPress REST 错误体
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Config 客户端配置
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	Username       string        `yaml:"username"`
	AppPassword    string        `yaml:"app_password"`
	ConsumerKey    string        `yaml:"consumer_key"`
	ConsumerSecret string        `yaml:"consumer_secret"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	PerPage        int           `yaml:"per_page"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost",
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
		PerPage:    100,
	}
}

const gmtLayout = "2006-01-02T15:04:05"

func parseGMT(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(gmtLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
