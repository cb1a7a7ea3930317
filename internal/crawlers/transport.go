package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/publicsuffix"

	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// FetchResponse 一次接口请求的结果
type FetchResponse struct {
	Status int
	Body   []byte
}

// Fetcher 携带登录态发出接口请求
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*FetchResponse, error)
}

// PageFetcher 在页面内用 fetch(credentials: include) 发出请求
type PageFetcher struct {
	bridge BridgeCaller
}

// NewPageFetcher 创建页内请求器
func NewPageFetcher(bridge BridgeCaller) *PageFetcher {
	return &PageFetcher{bridge: bridge}
}

// Fetch 发出请求
func (f *PageFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResponse, error) {
	var res struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	if err := f.bridge.Call(ctx, "fetch", map[string]string{"url": rawURL}, &res); err != nil {
		return nil, err
	}
	return &FetchResponse{Status: res.Status, Body: []byte(res.Body)}, nil
}

// HTTPFetcherConfig Go侧HTTP请求配置
type HTTPFetcherConfig struct {
	UserAgent string
	Referer   string
	Timeout   time.Duration
	Headers   http.Header // 已校验的附加请求头
}

// HTTPFetcher 使用从浏览器同步的Cookie直接发出请求
type HTTPFetcher struct {
	client *http.Client
	jar    http.CookieJar
	config HTTPFetcherConfig
}

// NewHTTPFetcher 创建HTTP请求器
func NewHTTPFetcher(config HTTPFetcherConfig, transport http.RoundTripper) (*HTTPFetcher, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("创建Cookie容器失败: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPFetcher{
		client: &http.Client{Transport: transport, Jar: jar, Timeout: config.Timeout},
		jar:    jar,
		config: config,
	}, nil
}

// SetCookies 同步浏览器Cookie
func (f *HTTPFetcher) SetCookies(origin string, cookies []*http.Cookie) error {
	u, err := url.Parse(origin)
	if err != nil {
		return err
	}
	f.jar.SetCookies(u, cookies)
	utils.Debugf("同步 %d 个Cookie到HTTP请求器 (%s)", len(cookies), u.Host)
	return nil
}

// Fetch 发出请求并按Content-Encoding解压
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range f.config.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}
	if f.config.Referer != "" {
		req.Header.Set("Referer", f.config.Referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	body, err := decompressResponse(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, err
	}
	return &FetchResponse{Status: resp.StatusCode, Body: body}, nil
}

// decompressResponse 根据Content-Encoding头部解压响应体
// 支持 gzip, deflate, br (Brotli) 三种压缩格式
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		return io.ReadAll(reader)

	case "br":
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return decompressed, nil

	case "", "identity":
		return body, nil

	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}
}
