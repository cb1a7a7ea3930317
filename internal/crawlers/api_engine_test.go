package crawlers

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
)

type fakeBaseline struct {
	params *models.BaselineParams
	err    error
}

func (f fakeBaseline) Wait(ctx context.Context, timeout time.Duration) (*models.BaselineParams, error) {
	return f.params, f.err
}

type fakeSigner struct {
	discoverErr error
	signErr     error
}

func (f *fakeSigner) Discover(ctx context.Context) (bool, error) {
	return f.discoverErr == nil, f.discoverErr
}

func (f *fakeSigner) Token(ctx context.Context) (string, error) { return "tok", nil }

func (f *fakeSigner) Sign(ctx context.Context, rawURL string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return rawURL + "&X-Bogus=test", nil
}

// funcFetcher 按请求参数返回响应
type funcFetcher struct {
	mu    sync.Mutex
	calls []url.Values
	fn    func(q url.Values, call int) (*FetchResponse, error)
}

func (f *funcFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, u.Query())
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(u.Query(), n)
}

func body(s string) *FetchResponse {
	return &FetchResponse{Status: 200, Body: []byte(s)}
}

// memorySink 记录写入的批次
type memorySink struct {
	mu       sync.Mutex
	batches  [][]models.RawComment
	limitAt  int // 累计写入达到该数量后返回配额错误,0表示不限
	stored   int
	failWith error
}

func (s *memorySink) AddComments(ctx context.Context, batch []models.RawComment) (*models.StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.batches = append(s.batches, batch)
	res := &models.StoreResult{}
	for range batch {
		if s.limitAt > 0 && s.stored >= s.limitAt {
			res.LimitReached = true
			res.MonthlyLimit = s.limitAt
			res.CurrentCount = s.stored
			return res, &models.LimitReachedError{Result: *res}
		}
		s.stored++
		res.Stored++
	}
	return res, nil
}

func (s *memorySink) all() []models.RawComment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RawComment
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func testBaseline(t *testing.T) *models.BaselineParams {
	t.Helper()
	b, err := models.NewBaselineParams("https://www.example.com/api/comment/list/?aid=6383&device_platform=webapp&cursor=0&count=20&aweme_id=1", "https://www.example.com/video/1")
	if err != nil {
		t.Fatalf("构造基线参数失败: %v", err)
	}
	return b
}

func testCollectConfig() models.CollectConfig {
	cfg := models.DefaultCollectConfig()
	cfg.PageDelay = 0
	return cfg
}

func newTestEngine(t *testing.T, fetcher Fetcher, signer Signer) (*APIEngine, *[]time.Duration) {
	t.Helper()
	e := NewAPIEngine(testCollectConfig(), fakeBaseline{params: testBaseline(t)}, signer, fetcher)
	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return e, &sleeps
}

func TestFetchAllCommentsTwoPages(t *testing.T) {
	fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
		if q.Get("cursor") == "0" {
			return body(`{"status_code":0,"comments":[{"cid":"1","text":"hello"}],"cursor":20,"has_more":1}`), nil
		}
		return body(`{"status_code":0,"comments":[],"has_more":0}`), nil
	}}
	e, _ := newTestEngine(t, fetcher, &fakeSigner{})
	sink := &memorySink{}

	summary, err := e.FetchAllComments(context.Background(), "1", sink)
	if err != nil {
		t.Fatalf("FetchAllComments() error = %v", err)
	}
	if summary.TopLevel != 1 || summary.HasMore {
		t.Errorf("summary = %+v, want topLevel=1 hasMore=false", summary)
	}
	if summary.Pages != 2 {
		t.Errorf("Pages = %d, want 2", summary.Pages)
	}
	if got := fetcher.calls[1].Get("cursor"); got != "20" {
		t.Errorf("第二页cursor = %q, want 20", got)
	}
	for _, q := range fetcher.calls {
		if q.Get("aid") != "6383" || q.Get("aweme_id") != "1" || q.Get("msToken") != "tok" || q.Get("X-Bogus") != "test" {
			t.Errorf("请求参数不完整: %v", q)
		}
	}
	if got := sink.all(); len(got) != 1 || got[0].ExternalID != "1" || !got[0].IsTopLevel() {
		t.Errorf("写入评论 = %+v", got)
	}
}

func TestFetchAllCommentsDeduplicates(t *testing.T) {
	fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
		switch q.Get("cursor") {
		case "0":
			return body(`{"comments":[{"cid":"1"},{"cid":"2"}],"cursor":2,"has_more":true}`), nil
		default:
			return body(`{"comments":[{"cid":"2"},{"cid":"3"}],"cursor":4,"has_more":false}`), nil
		}
	}}
	e, _ := newTestEngine(t, fetcher, &fakeSigner{})
	sink := &memorySink{}

	summary, err := e.FetchAllComments(context.Background(), "1", sink)
	if err != nil {
		t.Fatalf("FetchAllComments() error = %v", err)
	}
	if summary.TopLevel != 3 {
		t.Errorf("TopLevel = %d, want 3", summary.TopLevel)
	}
	seen := map[string]int{}
	for _, c := range sink.all() {
		seen[c.ExternalID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("评论 %s 写入 %d 次", id, n)
		}
	}
	if len(summary.SeenIDs) != 3 {
		t.Errorf("SeenIDs = %v", summary.SeenIDs)
	}
}

func TestFetchAllCommentsReplies(t *testing.T) {
	fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
		if q.Get("comment_id") == "" {
			return body(`{"comments":[{"cid":"10","reply_comment_total":3,"reply_comment":[{"cid":"11","reply_id":"10"}]}],"cursor":1,"has_more":0}`), nil
		}
		if q.Get("item_id") != "7" || q.Get("comment_id") != "10" {
			t.Errorf("回复请求参数错误: %v", q)
		}
		if q.Get("cursor") == "0" {
			return body(`{"comments":[{"cid":"11","reply_id":"10"},{"cid":"12","reply_id":"10"}],"cursor":2,"has_more":1}`), nil
		}
		return body(`{"comments":[{"cid":"13","reply_id":"10","reply_to_reply_id":"12"}],"cursor":3,"has_more":0}`), nil
	}}
	e, _ := newTestEngine(t, fetcher, &fakeSigner{})
	sink := &memorySink{}

	summary, err := e.FetchAllComments(context.Background(), "7", sink)
	if err != nil {
		t.Fatalf("FetchAllComments() error = %v", err)
	}
	if summary.TopLevel != 1 || summary.Replies != 3 {
		t.Errorf("summary = %+v, want topLevel=1 replies=3", summary)
	}
	for _, c := range sink.all() {
		if c.ExternalID == "10" {
			continue
		}
		if c.ParentCommentID == nil || *c.ParentCommentID != "10" {
			t.Errorf("回复 %s 的父评论 = %v, want 10", c.ExternalID, c.ParentCommentID)
		}
		if c.ExternalID == "13" && (c.ReplyToReplyID == nil || *c.ReplyToReplyID != "12") {
			t.Errorf("回复13应指向12")
		}
	}
}

func TestFetchAllCommentsBatchSize(t *testing.T) {
	fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
		return body(`{"comments":[{"cid":"1"},{"cid":"2"},{"cid":"3"},{"cid":"4"},{"cid":"5"}],"has_more":0}`), nil
	}}
	e, _ := newTestEngine(t, fetcher, &fakeSigner{})
	e.cfg.BatchSize = 2
	sink := &memorySink{}

	if _, err := e.FetchAllComments(context.Background(), "1", sink); err != nil {
		t.Fatalf("FetchAllComments() error = %v", err)
	}
	if len(sink.batches) != 3 {
		t.Fatalf("批次数 = %d, want 3", len(sink.batches))
	}
	for _, b := range sink.batches {
		if len(b) > 2 {
			t.Errorf("批次大小 %d 超过上限", len(b))
		}
	}
}

func TestFetchAllCommentsRetryBackoff(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantFirst  time.Duration
		wantErr    error
		wantSleeps int
	}{
		{"429使用限流退避", 429, 5 * time.Second, models.ErrRetriesExhausted, 3},
		{"5xx使用普通退避", 503, time.Second, models.ErrRetriesExhausted, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
				return &FetchResponse{Status: tt.status}, nil
			}}
			e, sleeps := newTestEngine(t, fetcher, &fakeSigner{})

			_, err := e.FetchAllComments(context.Background(), "1", &memorySink{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if !models.IsFallback(err) {
				t.Errorf("重试耗尽应回退DOM")
			}
			if len(fetcher.calls) != tt.wantSleeps+1 {
				t.Errorf("请求次数 = %d, want %d", len(fetcher.calls), tt.wantSleeps+1)
			}
			if len(*sleeps) != tt.wantSleeps {
				t.Fatalf("退避次数 = %d, want %d", len(*sleeps), tt.wantSleeps)
			}
			if (*sleeps)[0] != tt.wantFirst {
				t.Errorf("首次退避 = %v, want %v", (*sleeps)[0], tt.wantFirst)
			}
			for i, d := range *sleeps {
				if d > e.cfg.MaxBackoff {
					t.Errorf("第%d次退避 %v 超过上限", i, d)
				}
				if i > 0 && d < (*sleeps)[i-1] {
					t.Errorf("退避应单调不减: %v", *sleeps)
				}
			}
		})
	}
}

func TestFetchAllCommentsRecoversAfterTransientErrors(t *testing.T) {
	fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
		switch call {
		case 1:
			return body(""), nil
		case 2:
			return body("<html>"), nil
		default:
			return body(`{"comments":[{"cid":"1"}],"has_more":0}`), nil
		}
	}}
	e, sleeps := newTestEngine(t, fetcher, &fakeSigner{})

	summary, err := e.FetchAllComments(context.Background(), "1", &memorySink{})
	if err != nil {
		t.Fatalf("FetchAllComments() error = %v", err)
	}
	if summary.TopLevel != 1 || len(*sleeps) != 2 {
		t.Errorf("TopLevel=%d sleeps=%v", summary.TopLevel, *sleeps)
	}
}

func TestFetchAllCommentsFallbackErrors(t *testing.T) {
	tests := []struct {
		name     string
		baseline fakeBaseline
		signer   *fakeSigner
		resp     *FetchResponse
		wantErr  error
	}{
		{
			name:     "签名函数未找到",
			baseline: fakeBaseline{},
			signer:   &fakeSigner{discoverErr: models.ErrSigningNotFound},
			wantErr:  models.ErrSigningNotFound,
		},
		{
			name:     "基线捕获超时",
			baseline: fakeBaseline{err: models.ErrParamsCaptureTimeout},
			signer:   &fakeSigner{},
			wantErr:  models.ErrParamsCaptureTimeout,
		},
		{
			name:   "403不重试",
			signer: &fakeSigner{},
			resp:   &FetchResponse{Status: 403},
		},
		{
			name:   "响应体status_code非0",
			signer: &fakeSigner{},
			resp:   body(`{"status_code":8,"status_msg":"blocked"}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseline := tt.baseline
			if baseline.params == nil && baseline.err == nil {
				baseline.params = testBaseline(t)
			}
			fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
				return tt.resp, nil
			}}
			e := NewAPIEngine(testCollectConfig(), baseline, tt.signer, fetcher)
			e.sleep = func(ctx context.Context, d time.Duration) error {
				t.Errorf("不应重试")
				return nil
			}

			_, err := e.FetchAllComments(context.Background(), "1", &memorySink{})
			if err == nil {
				t.Fatal("期望返回错误")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if !models.IsFallback(err) {
				t.Errorf("IsFallback(%v) = false", err)
			}
			if tt.resp != nil && len(fetcher.calls) != 1 {
				t.Errorf("请求次数 = %d, want 1", len(fetcher.calls))
			}
		})
	}
}

func TestFetchAllCommentsStopsWhenCursorStalls(t *testing.T) {
	tests := []struct {
		name      string
		fn        func(q url.Values, call int) (*FetchResponse, error)
		wantCalls int
	}{
		{
			name: "顶级评论游标不变",
			fn: func(q url.Values, call int) (*FetchResponse, error) {
				return body(`{"comments":[{"cid":"1"}],"cursor":20,"has_more":1}`), nil
			},
			wantCalls: 2,
		},
		{
			name: "顶级评论游标回退",
			fn: func(q url.Values, call int) (*FetchResponse, error) {
				if q.Get("cursor") == "0" {
					return body(`{"comments":[{"cid":"1"}],"cursor":20,"has_more":1}`), nil
				}
				return body(`{"comments":[{"cid":"2"}],"cursor":5,"has_more":1}`), nil
			},
			wantCalls: 2,
		},
		{
			name: "回复游标不变",
			fn: func(q url.Values, call int) (*FetchResponse, error) {
				if q.Get("comment_id") == "" {
					return body(`{"comments":[{"cid":"10","reply_comment_total":5}],"cursor":1,"has_more":0}`), nil
				}
				return body(`{"comments":[{"cid":"11","reply_id":"10"}],"cursor":0,"has_more":1}`), nil
			},
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &funcFetcher{fn: tt.fn}
			e, _ := newTestEngine(t, fetcher, &fakeSigner{})
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			summary, err := e.FetchAllComments(ctx, "1", &memorySink{})
			if err != nil {
				t.Fatalf("FetchAllComments() error = %v", err)
			}
			if len(fetcher.calls) != tt.wantCalls {
				t.Errorf("请求次数 = %d, want %d", len(fetcher.calls), tt.wantCalls)
			}
			if summary.HasMore {
				t.Errorf("游标停滞后 HasMore 应为 false")
			}
		})
	}
}

func TestFetchAllCommentsLimitReached(t *testing.T) {
	fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
		return body(`{"comments":[{"cid":"1"},{"cid":"2"},{"cid":"3"}],"cursor":3,"has_more":1}`), nil
	}}
	e, _ := newTestEngine(t, fetcher, &fakeSigner{})
	e.cfg.BatchSize = 3
	sink := &memorySink{limitAt: 2}

	_, err := e.FetchAllComments(context.Background(), "1", sink)
	if !models.IsLimitReached(err) {
		t.Fatalf("error = %v, want LimitReachedError", err)
	}
	if models.IsFallback(err) {
		t.Errorf("配额错误不应回退DOM")
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("配额已满后不应继续请求, calls=%d", len(fetcher.calls))
	}
	if len(sink.batches) != 1 {
		t.Errorf("配额已满后不应再次写入, batches=%d", len(sink.batches))
	}
}

func TestFetchAllCommentsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &funcFetcher{fn: func(q url.Values, call int) (*FetchResponse, error) {
		if call == 1 {
			cancel()
		}
		return body(`{"comments":[{"cid":"1"}],"cursor":1,"has_more":1}`), nil
	}}
	e, _ := newTestEngine(t, fetcher, &fakeSigner{})
	sink := &memorySink{}

	_, err := e.FetchAllComments(ctx, "1", sink)
	if !errors.Is(err, models.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("取消后不应继续请求, calls=%d", len(fetcher.calls))
	}
	// 取消前已解析的评论仍被写入
	if got := sink.all(); len(got) != 1 {
		t.Errorf("写入评论 = %d, want 1", len(got))
	}
}

func TestCalculateBackoff(t *testing.T) {
	p := NewRetryPolicy(models.DefaultCollectConfig())
	tests := []struct {
		attempt     int
		rateLimited bool
		want        time.Duration
	}{
		{0, false, time.Second},
		{1, false, 2 * time.Second},
		{3, false, 8 * time.Second},
		{10, false, 30 * time.Second},
		{0, true, 5 * time.Second},
		{1, true, 10 * time.Second},
		{3, true, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.CalculateBackoff(tt.attempt, tt.rateLimited); got != tt.want {
			t.Errorf("CalculateBackoff(%d, %v) = %v, want %v", tt.attempt, tt.rateLimited, got, tt.want)
		}
	}
}

func TestReplyEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.example.com/api/comment/list/", "https://www.example.com/api/comment/list/reply/"},
		{"https://www.example.com/api/comment/list", "https://www.example.com/api/comment/list/reply/"},
		{"https://www.example.com/api/comment/list/reply/", "https://www.example.com/api/comment/list/reply/"},
	}
	for _, tt := range tests {
		if got := replyEndpoint(tt.in); got != tt.want {
			t.Errorf("replyEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
