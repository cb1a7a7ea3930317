package crawlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// StaticMetaConfig 静态元数据抓取配置
type StaticMetaConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// StaticMetaFetcher 不启动浏览器,直接读取视频页的OpenGraph标签
type StaticMetaFetcher struct {
	config    StaticMetaConfig
	transport http.RoundTripper
}

// NewStaticMetaFetcher 创建静态元数据抓取器,transport为nil时使用默认传输
func NewStaticMetaFetcher(config StaticMetaConfig, transport http.RoundTripper) *StaticMetaFetcher {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &StaticMetaFetcher{config: config, transport: transport}
}

// Fetch 抓取单个视频页的元数据
func (f *StaticMetaFetcher) Fetch(ctx context.Context, itemURL string) (*models.ItemMeta, error) {
	if err := models.ValidateURL(itemURL); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, models.ErrCancelled
	}

	c := colly.NewCollector(colly.AllowURLRevisit())
	if f.config.UserAgent != "" {
		c.UserAgent = f.config.UserAgent
	}
	if f.transport != nil {
		c.WithTransport(f.transport)
	}
	c.SetRequestTimeout(f.config.Timeout)

	meta := &models.ItemMeta{URL: itemURL}
	c.OnHTML("meta[property], meta[name]", func(e *colly.HTMLElement) {
		key := e.Attr("property")
		if key == "" {
			key = e.Attr("name")
		}
		content := strings.TrimSpace(e.Attr("content"))
		if content == "" {
			return
		}
		switch strings.ToLower(key) {
		case "og:title":
			meta.Title = content
		case "og:image":
			meta.ThumbnailURL = content
		case "og:url":
			meta.URL = content
		case "author", "og:video:author", "twitter:creator":
			if meta.Author == "" {
				meta.Author = content
			}
		}
	})

	var fetchErr error
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = &models.HTTPError{Status: r.StatusCode, Message: err.Error(), Retryable: r.StatusCode >= 500}
	})

	if err := c.Visit(itemURL); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("抓取 %s 失败: %w", utils.RedactURL(itemURL), err)
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	if id, err := models.NormalizeItemID(meta.URL); err == nil {
		meta.ItemID = id
	} else if id, err := models.NormalizeItemID(itemURL); err == nil {
		meta.ItemID = id
	}
	return meta, nil
}
