package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"有效的HTTP URL", "http://example.com", false},
		{"有效的HTTPS URL", "https://example.com", false},
		{"带路径的URL", "https://example.com/path/to/resource", false},
		{"无效的协议", "ftp://example.com", true},
		{"无效的URL", "not a url", true},
		{"空URL", "", true},
		{"无协议", "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeItemID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"纯数字ID", "7301234567890123456", "7301234567890123456", false},
		{"带空白", "  7301234567890123456\n", "7301234567890123456", false},
		{"视频URL", "https://www.example.com/@user/video/7301234567890123456?lang=en", "7301234567890123456", false},
		{"图文URL", "https://www.example.com/@user/photo/7301234567890123456", "7301234567890123456", false},
		{"无ID的URL", "https://www.example.com/@user", "", true},
		{"过短", "123", "", true},
		{"空", "", "", true},
		{"非法字符", "abc123456789", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeItemID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeItemID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeItemID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollectConfig_Validate(t *testing.T) {
	valid := DefaultCollectConfig()

	tests := []struct {
		name    string
		mutate  func(c *CollectConfig)
		wantErr bool
	}{
		{"默认配置", func(c *CollectConfig) {}, false},
		{"关闭接近末尾判断", func(c *CollectConfig) { c.NearEndThreshold = 0 }, false},
		{"每页数量过小", func(c *CollectConfig) { c.PageSize = 0 }, true},
		{"每页数量过大", func(c *CollectConfig) { c.PageSize = 101 }, true},
		{"退避倍数无效", func(c *CollectConfig) { c.BackoffMultiplier = 0.5 }, true},
		{"退避上限过小", func(c *CollectConfig) { c.MaxBackoff = time.Second }, true},
		{"轮询间隔为0", func(c *CollectConfig) { c.PollInterval = 0 }, true},
		{"无效点击上限为0", func(c *CollectConfig) { c.MaxUnproductive = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRawComment_IsTopLevel(t *testing.T) {
	top := RawComment{ExternalID: "1", ParentItemID: "v1"}
	if !top.IsTopLevel() {
		t.Error("无父评论应为顶级评论")
	}

	reply := RawComment{ExternalID: "2", ParentItemID: "v1", ParentCommentID: StringPtr("1")}
	if reply.IsTopLevel() {
		t.Error("有父评论的不应为顶级评论")
	}

	if StringPtr("") != nil {
		t.Error("空串应返回nil")
	}
}

func TestRawComment_Validate(t *testing.T) {
	if err := (&RawComment{ParentItemID: "v1"}).Validate(); err == nil {
		t.Error("缺少externalId应报错")
	}
	if err := (&RawComment{ExternalID: "1"}).Validate(); err == nil {
		t.Error("缺少parentItemId应报错")
	}
	if err := (&RawComment{ExternalID: "1", ParentItemID: "v1"}).Validate(); err != nil {
		t.Errorf("有效评论不应报错: %v", err)
	}
}

func TestScrapeStats_Monotonic(t *testing.T) {
	var stats ScrapeStats
	prev := stats

	results := []*StoreResult{
		{Stored: 10},
		{Stored: 3, Duplicates: 7},
		nil,
		{Stored: -5, Duplicates: -1, Ignored: 2},
		{Ignored: 1},
	}
	for i, r := range results {
		stats.AddResult(10-i*3, r)
		if !stats.NotLess(prev) {
			t.Fatalf("第%d次累加后统计减少: %+v -> %+v", i, prev, stats)
		}
		prev = stats
	}

	if stats.Stored != 13 || stats.Duplicates != 7 || stats.Ignored != 3 {
		t.Errorf("累加结果不正确: %+v", stats)
	}
}

func TestScrapeStats_Merge(t *testing.T) {
	a := ScrapeStats{Found: 5, Stored: 4, Duplicates: 1}
	a.Merge(ScrapeStats{Found: 3, Stored: 2, Ignored: 1})
	want := ScrapeStats{Found: 8, Stored: 6, Duplicates: 1, Ignored: 1}
	if a != want {
		t.Errorf("Merge() = %+v, want %+v", a, want)
	}
}

func TestNewBaselineParams(t *testing.T) {
	raw := "https://www.example.com/api/comment/list/?aid=1988&aweme_id=123&cursor=20&count=20" +
		"&device_platform=webapp&msToken=abc&X-Bogus=xyz&webid=42"
	b, err := NewBaselineParams(raw, "https://www.example.com/@u/video/123")
	if err != nil {
		t.Fatalf("NewBaselineParams() error = %v", err)
	}

	if b.Endpoint != "https://www.example.com/api/comment/list/" {
		t.Errorf("Endpoint = %q", b.Endpoint)
	}
	if b.Origin() != "https://www.example.com" {
		t.Errorf("Origin() = %q", b.Origin())
	}
	for _, key := range PerRequestParams {
		if b.Values.Has(key) {
			t.Errorf("每请求参数 %s 应被剔除", key)
		}
	}
	for _, key := range []string{"aid", "device_platform", "webid"} {
		if !b.Values.Has(key) {
			t.Errorf("基线参数 %s 应被保留", key)
		}
	}

	clone := b.Clone()
	clone.Set("aid", "0")
	if b.Values.Get("aid") != "1988" {
		t.Error("Clone() 修改影响了原参数")
	}
}

func TestPaginationCursor_Key(t *testing.T) {
	top := PaginationCursor{ItemID: "v1"}
	reply := PaginationCursor{ItemID: "v1", ParentCommentID: "c1"}
	if top.Key() == reply.Key() {
		t.Error("视频游标与回复游标的键不应相同")
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgScrapeStart, ScrapeStartPayload{ItemID: "123", MaxComments: 50})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	var p ScrapeStartPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.ItemID != "123" || p.MaxComments != 50 {
		t.Errorf("解析结果不正确: %+v", p)
	}

	empty := Envelope{Type: MsgScrapeStop}
	if err := empty.Decode(&p); err == nil {
		t.Error("空payload应返回错误")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		fallback     bool
		tabLifecycle bool
		errType      string
	}{
		{"签名未找到", fmt.Errorf("发现: %w", ErrSigningNotFound), true, false, "signing_not_found"},
		{"基线超时", ErrParamsCaptureTimeout, true, false, "params_timeout"},
		{"重试耗尽", fmt.Errorf("第3页: %w", ErrRetriesExhausted), true, false, "retries_exhausted"},
		{"不可重试HTTP", &HTTPError{Status: 403, Message: "forbidden"}, true, false, "http"},
		{"取消", ErrCancelled, false, false, "cancelled"},
		{"配额", &LimitReachedError{Result: StoreResult{Stored: 3}}, false, false, "limit_reached"},
		{"标签页", &TabError{Op: "导航", Err: errors.New("timeout")}, false, true, "tab_lifecycle"},
		{"nil", nil, false, false, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFallback(tt.err); got != tt.fallback {
				t.Errorf("IsFallback() = %v, want %v", got, tt.fallback)
			}
			if got := IsTabLifecycle(tt.err); got != tt.tabLifecycle {
				t.Errorf("IsTabLifecycle() = %v, want %v", got, tt.tabLifecycle)
			}
			if got := ErrorType(tt.err); got != tt.errType {
				t.Errorf("ErrorType() = %q, want %q", got, tt.errType)
			}
		})
	}
}

func TestBatchSummary_Record(t *testing.T) {
	s := NewBatchSummary(3)
	s.Record(ItemResult{ItemID: "1", Status: TaskStatusCompleted, Stats: ScrapeStats{Found: 10, Stored: 10}})
	s.Record(ItemResult{ItemID: "2", Status: TaskStatusSkipped, Stats: ScrapeStats{Found: 99, Stored: 99}})
	s.Record(ItemResult{ItemID: "3", Status: TaskStatusCompleted, Stats: ScrapeStats{Found: 5, Stored: 4, Duplicates: 1}})

	if s.CompletedVideos != 2 || s.SkippedVideos != 1 {
		t.Errorf("计数不正确: completed=%d skipped=%d", s.CompletedVideos, s.SkippedVideos)
	}
	want := ScrapeStats{Found: 15, Stored: 14, Duplicates: 1}
	if s.Stats != want {
		t.Errorf("汇总统计 = %+v, want %+v", s.Stats, want)
	}
	if len(s.Items) != 3 {
		t.Errorf("明细数量 = %d, want 3", len(s.Items))
	}
}

func TestSessionCheckpoint_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.json")

	cp, err := LoadCheckpointFromFile(path)
	if err != nil || cp != nil {
		t.Fatalf("不存在的文件应返回 (nil, nil), got (%v, %v)", cp, err)
	}

	itemID := "7301234567890123456"
	tabID := "TAB-1"
	orig := &SessionCheckpoint{
		Session: SessionState{
			IsActive:      true,
			ItemID:        &itemID,
			TabID:         &tabID,
			CommentsFound: 42,
			Status:        StatusScraping,
		},
		SavedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := orig.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadCheckpointFromFile(path)
	if err != nil {
		t.Fatalf("LoadCheckpointFromFile() error = %v", err)
	}
	if loaded.Session.ActiveTab() != tabID || loaded.Session.CommentsFound != 42 || loaded.Session.Status != StatusScraping {
		t.Errorf("加载内容不一致: %+v", loaded.Session)
	}

	if err := RemoveCheckpoint(path); err != nil {
		t.Fatalf("RemoveCheckpoint() error = %v", err)
	}
	if err := RemoveCheckpoint(path); err != nil {
		t.Errorf("重复删除不应报错: %v", err)
	}
}
