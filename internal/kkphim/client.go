// Package kkphim KKPhim 片库 API 客户端
package kkphim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/smysle/kkphim-sync-go/internal/metrics"
	"github.com/smysle/kkphim-sync-go/pkg/logger"
)

// MaxPageSize 上游接受的最大分页大小
const MaxPageSize = 24

var (
	// ErrUpstreamUnavailable 网络错误、超时或非 2xx 响应
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedResponse 响应缺少 items / pagination 或无法解析
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrInvalidPage 页码小于 1
	ErrInvalidPage = errors.New("invalid page number")
	// ErrNotFound 上游不存在该影片
	ErrNotFound = errors.New("movie not found upstream")
)

// IsRetryable 是否属于可重试的上游错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrMalformedResponse)
}

// Options 客户端选项
type Options struct {
	BaseURL          string
	ListPath         string
	DetailPath       string
	Timeout          time.Duration
	CacheTTL         time.Duration
	RateLimit        float64 // 每秒请求数，0 表示不限速
	RateBurst        int
	BreakerThreshold int // 连续失败次数，0 表示不熔断
}

// Client KKPhim API 客户端
type Client struct {
	listPath   string
	detailPath string
	httpClient *resty.Client
	cache      *cache.Cache
	cacheTTL   time.Duration
	group      singleflight.Group
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*resty.Response]
}

// NewClient 创建 KKPhim 客户端
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.ListPath == "" {
		opts.ListPath = "/danh-sach/phim-moi-cap-nhat-v3"
	}
	if opts.DetailPath == "" {
		opts.DetailPath = "/phim"
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/"))
	client.SetTimeout(opts.Timeout)
	client.SetHeaders(map[string]string{
		"Accept":     "application/json",
		"User-Agent": "KKPhimSync/1.0 Go",
	})

	c := &Client{
		listPath:   opts.ListPath,
		detailPath: strings.TrimSuffix(opts.DetailPath, "/"),
		httpClient: client,
		cache:      cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		cacheTTL:   opts.CacheTTL,
	}

	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	if opts.BreakerThreshold > 0 {
		threshold := uint32(opts.BreakerThreshold)
		c.breaker = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
			Name:        "kkphim-api",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("上游熔断器状态变化")
			},
		})
	}

	return c
}

// ClampPageSize 将分页大小限制在 [1, MaxPageSize]
func ClampPageSize(limit int) int {
	if limit < 1 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// FetchPage 获取最新更新列表的一页；返回值来自缓存时被多个调用方共享，不可修改
func (c *Client) FetchPage(ctx context.Context, page, limit int) (*ListResponse, error) {
	return c.listPage(ctx, page, limit, true)
}

// RefreshPage 跳过缓存直接请求上游，并用结果刷新缓存。
// 同步引擎以本次开始时间作为下一次的截止时间，只能使用本次运行内取得的数据
func (c *Client) RefreshPage(ctx context.Context, page, limit int) (*ListResponse, error) {
	return c.listPage(ctx, page, limit, false)
}

func (c *Client) listPage(ctx context.Context, page, limit int, useCache bool) (*ListResponse, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	limit = ClampPageSize(limit)

	key := fmt.Sprintf("list:%s:%d:%d", c.listPath, page, limit)
	flight := key
	if useCache {
		if v, found := c.cache.Get(key); found {
			metrics.UpstreamCacheHits.Inc()
			return v.(*ListResponse), nil
		}
	} else {
		// 不与普通读取合并，避免拿到本次运行开始前发出的请求结果
		flight = "refresh:" + key
	}

	// 合并同一时刻的重复请求
	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		resp, err := c.get(ctx, "list", c.listPath, map[string]string{
			"page":  strconv.Itoa(page),
			"limit": strconv.Itoa(limit),
		})
		if err != nil {
			return nil, err
		}

		out, err := decodeList(resp.Body())
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues("list", "malformed").Inc()
			return nil, err
		}

		c.cache.Set(key, out, c.cacheTTL)
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("获取第 %d 页失败: %w", page, err)
	}

	return v.(*ListResponse), nil
}

// GetMovie 获取影片详情与剧集
func (c *Client) GetMovie(ctx context.Context, slug string) (*DetailResponse, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, ErrNotFound
	}

	resp, err := c.get(ctx, "detail", c.detailPath+"/"+url.PathEscape(slug), nil)
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
		}
		return nil, err
	}

	var out DetailResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !out.Status || out.Movie == nil || out.Movie.Slug == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}

	return &out, nil
}

// FlushCache 清空响应缓存
func (c *Client) FlushCache() {
	c.cache.Flush()
}

// get 发送 GET 请求，非 2xx 视为上游不可用
func (c *Client) get(ctx context.Context, endpoint, path string, query map[string]string) (*resty.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	do := func() (*resty.Response, error) {
		req := c.httpClient.R().SetContext(ctx)
		if len(query) > 0 {
			req.SetQueryParams(query)
		}

		resp, err := req.Get(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		if !resp.IsSuccess() {
			return resp, fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode())
		}
		return resp, nil
	}

	var resp *resty.Response
	var err error
	if c.breaker != nil {
		resp, err = c.breaker.Execute(do)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
	} else {
		resp, err = do()
	}

	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		logger.Debug().Err(err).Str("path", path).Msg("上游请求失败")
		return resp, err
	}

	metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
	return resp, nil
}

// decodeList 解析列表响应并校验结构
func decodeList(body []byte) (*ListResponse, error) {
	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Status != nil && !*env.Status {
		return nil, fmt.Errorf("%w: status=false %s", ErrMalformedResponse, env.Msg)
	}
	if env.Items == nil || env.Pagination == nil {
		return nil, fmt.Errorf("%w: 缺少 items 或 pagination", ErrMalformedResponse)
	}

	var items []Item
	if err := json.Unmarshal(env.Items, &items); err != nil {
		return nil, fmt.Errorf("%w: items: %v", ErrMalformedResponse, err)
	}

	return &ListResponse{
		Status:     true,
		Items:      items,
		Pagination: *env.Pagination,
	}, nil
}
