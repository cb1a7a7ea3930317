package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/CommentHarvest/internal/crawlers"
	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

type memStore struct {
	mu    sync.Mutex
	items []models.ItemMeta
}

func (s *memStore) AddComments(ctx context.Context, batch []models.RawComment) (*models.StoreResult, error) {
	return &models.StoreResult{Stored: len(batch)}, nil
}

func (s *memStore) SaveItems(ctx context.Context, items []models.ItemMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	return nil
}

func (s *memStore) Close() error { return nil }

type fakeGrid struct {
	items []models.ItemMeta
}

func (g *fakeGrid) GridItems(ctx context.Context) ([]models.ItemMeta, error) { return g.items, nil }
func (g *fakeGrid) ScrollToBottom(ctx context.Context) error                  { return nil }
func (g *fakeGrid) Metrics(ctx context.Context) (crawlers.ScrollMetrics, error) {
	return crawlers.ScrollMetrics{}, nil
}
func (g *fakeGrid) OpenItem(ctx context.Context, itemID string) (crawlers.CommentSurface, error) {
	return nil, errors.New("未实现")
}

type gridWorkTab struct {
	*fakeWorkTab
	grid crawlers.GridSurface
}

func (t *gridWorkTab) Grid() crawlers.GridSurface { return t.grid }

// serviceOpener 每次打开一个新标签页,hold不为nil时第一次打开阻塞到hold关闭
type serviceOpener struct {
	mu      sync.Mutex
	tabs    []*fakeWorkTab
	hold    chan struct{}
	grid    crawlers.GridSurface
	onClose func(tabID string)
}

func (o *serviceOpener) Open(ctx context.Context, url string) (WorkTab, error) {
	o.mu.Lock()
	tab := &fakeWorkTab{id: fmt.Sprintf("tab-%d", len(o.tabs)+1), onClose: o.onClose}
	o.tabs = append(o.tabs, tab)
	first := len(o.tabs) == 1
	hold := o.hold
	o.mu.Unlock()

	if first && hold != nil {
		<-hold
	}
	if o.grid != nil {
		return &gridWorkTab{fakeWorkTab: tab, grid: o.grid}, nil
	}
	return tab, nil
}

func (o *serviceOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tabs)
}

func (o *serviceOpener) tab(i int) *fakeWorkTab {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tabs[i]
}

type funcCollector func(ctx context.Context, tab WorkTab, itemID string) (*ItemOutcome, error)

func (f funcCollector) Collect(ctx context.Context, tab WorkTab, itemID string, maxComments int) (*ItemOutcome, error) {
	return f(ctx, tab, itemID)
}

func (l *envelopeLog) progress(t *testing.T, msgType string) []models.ProgressPayload {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ProgressPayload
	for _, env := range l.envs {
		if env.Type != msgType {
			continue
		}
		var p models.ProgressPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		out = append(out, p)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *serviceOpener, *envelopeLog, *memStore) {
	t.Helper()
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	dir := t.TempDir()
	cfg.Session.StateFile = filepath.Join(dir, "session.json")
	cfg.Output.BaseDir = dir

	st := &memStore{}
	s, err := NewService(cfg, st, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	log := &envelopeLog{}
	s.AddListener(log.emit)

	opener := &serviceOpener{onClose: s.session.OnTabClosed}
	s.opener = opener
	return s, opener, log, st
}

func TestServiceScrapeItem(t *testing.T) {
	tests := []struct {
		name       string
		collect    func(s *Service) funcCollector
		wantErr    error
		wantType   string
		wantStatus models.SessionStatus
	}{
		{
			name: "完成",
			collect: func(s *Service) funcCollector {
				return func(ctx context.Context, tab WorkTab, itemID string) (*ItemOutcome, error) {
					return &ItemOutcome{ItemID: itemID, Source: "api", Stats: models.ScrapeStats{Found: 3, Stored: 3}}, nil
				}
			},
			wantType:   models.MsgScrapeComplete,
			wantStatus: models.StatusComplete,
		},
		{
			name: "用户停止",
			collect: func(s *Service) funcCollector {
				return func(ctx context.Context, tab WorkTab, itemID string) (*ItemOutcome, error) {
					if !s.Stop() {
						t.Error("Stop() = false")
					}
					if ctx.Err() == nil {
						t.Error("停止后运行ctx应被取消")
					}
					return &ItemOutcome{ItemID: itemID, Source: "dom", Stats: models.ScrapeStats{Found: 3, Stored: 2}}, models.ErrCancelled
				}
			},
			wantErr:    models.ErrCancelled,
			wantType:   models.MsgScrapeComplete,
			wantStatus: models.StatusCancelled,
		},
		{
			name: "失败",
			collect: func(s *Service) funcCollector {
				return func(ctx context.Context, tab WorkTab, itemID string) (*ItemOutcome, error) {
					return &ItemOutcome{ItemID: itemID, Source: "dom", Stats: models.ScrapeStats{Found: 3, Stored: 3}}, models.ErrContentNotLoaded
				}
			},
			wantErr:    models.ErrContentNotLoaded,
			wantType:   models.MsgScrapeError,
			wantStatus: models.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, opener, log, _ := newTestService(t)
			s.collector = tt.collect(s)

			out, err := s.ScrapeItem(context.Background(), "https://www.example.com/video/7301234567890123456", 0)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ScrapeItem() error = %v, want %v", err, tt.wantErr)
			}
			if out == nil || out.ItemID != "7301234567890123456" {
				t.Fatalf("out = %+v", out)
			}

			payloads := log.progress(t, tt.wantType)
			if len(payloads) != 1 {
				t.Fatalf("%s 数量 = %d, want 1", tt.wantType, len(payloads))
			}
			if payloads[0].Status != tt.wantStatus || payloads[0].Stats.Found != 3 {
				t.Errorf("payload = %+v", payloads[0])
			}
			if n := log.count(models.MsgScrapeComplete) + log.count(models.MsgScrapeError); n != 1 {
				t.Errorf("结束消息 = %d, want 1", n)
			}
			if log.count(models.MsgFocusOrigin) != 1 {
				t.Error("结束后应回到发起页面")
			}
			if s.SessionState().IsActive {
				t.Error("结束后会话应被清除")
			}
			if opener.tab(0).closed != 1 {
				t.Errorf("标签页关闭 %d 次, want 1", opener.tab(0).closed)
			}
		})
	}
}

func TestServiceConcurrentStartRejected(t *testing.T) {
	s, opener, log, _ := newTestService(t)
	hold := make(chan struct{})
	opener.hold = hold

	running := make(chan struct{})
	s.collector = funcCollector(func(ctx context.Context, tab WorkTab, itemID string) (*ItemOutcome, error) {
		if itemID != "1000002" {
			t.Errorf("被拒绝的请求不应开始采集: %s", itemID)
			return nil, nil
		}
		close(running)
		<-ctx.Done()
		return &ItemOutcome{ItemID: itemID, Stats: models.ScrapeStats{Found: 1}}, models.ErrCancelled
	})

	// 第一个请求停在打开标签页,第二个请求趁机启动会话
	first := make(chan error, 1)
	go func() {
		_, err := s.ScrapeItem(context.Background(), "1000001", 0)
		first <- err
	}()
	err := utils.WaitUntil(context.Background(), 2*time.Second, time.Millisecond, func() (bool, error) {
		return opener.opened() == 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	second := make(chan error, 1)
	go func() {
		_, err := s.ScrapeItem(context.Background(), "1000002", 0)
		second <- err
	}()
	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("第二个请求未开始采集")
	}

	close(hold)
	select {
	case err := <-first:
		if !errors.Is(err, models.ErrSessionActive) {
			t.Fatalf("first error = %v, want ErrSessionActive", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("第一个请求未返回")
	}

	state := s.SessionState()
	if !state.IsActive || state.ActiveTab() != "tab-2" {
		t.Fatalf("进行中的会话被修改: %+v", state)
	}
	if opener.tab(0).closed != 1 {
		t.Error("被拒绝的请求应关闭自己的标签页")
	}
	if log.count(models.MsgFocusOrigin) != 0 {
		t.Error("被拒绝的请求不应切回发起页面")
	}

	if !s.Stop() {
		t.Fatal("进行中的会话应仍可停止")
	}
	select {
	case err := <-second:
		if !errors.Is(err, models.ErrCancelled) {
			t.Errorf("second error = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("停止后第二个请求未返回")
	}
	if s.SessionState().IsActive {
		t.Error("停止后会话应被清除")
	}
}

func TestServiceTabClosedReportsOnce(t *testing.T) {
	s, _, log, _ := newTestService(t)
	s.collector = funcCollector(func(ctx context.Context, tab WorkTab, itemID string) (*ItemOutcome, error) {
		s.session.OnTabClosed(tab.TabID())
		<-ctx.Done()
		return &ItemOutcome{ItemID: itemID, Stats: models.ScrapeStats{Found: 2}}, models.ErrCancelled
	})

	if _, err := s.ScrapeItem(context.Background(), "1000001", 0); !errors.Is(err, models.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if n := log.count(models.MsgScrapeError); n != 1 {
		t.Errorf("scrape_error = %d, want 1", n)
	}
	if n := log.count(models.MsgScrapeComplete); n != 0 {
		t.Errorf("已报告关闭后不应再发送 scrape_complete, got %d", n)
	}
	if s.SessionState().IsActive {
		t.Error("会话应被清除")
	}
}

func TestServiceTabActivatedResumes(t *testing.T) {
	s, _, _, _ := newTestService(t)
	s.collector = funcCollector(func(ctx context.Context, tab WorkTab, itemID string) (*ItemOutcome, error) {
		s.session.Pause(tab.TabID(), "限流")
		if !s.SessionState().IsPaused {
			t.Fatal("应处于暂停")
		}
		s.TabActivated("tab-other")
		if !s.SessionState().IsPaused {
			t.Error("激活其他标签页不应恢复")
		}
		s.TabActivated(tab.TabID())
		if s.SessionState().IsPaused {
			t.Error("激活会话标签页应恢复")
		}
		return &ItemOutcome{ItemID: itemID}, nil
	})

	if _, err := s.ScrapeItem(context.Background(), "1000001", 0); err != nil {
		t.Fatal(err)
	}
}

func TestServiceRejectsWhenNotReady(t *testing.T) {
	t.Run("浏览器未启动", func(t *testing.T) {
		s, _, log, _ := newTestService(t)
		s.opener = nil
		if _, err := s.ScrapeItem(context.Background(), "1000001", 0); !errors.Is(err, ErrBrowserNotStarted) {
			t.Errorf("error = %v, want ErrBrowserNotStarted", err)
		}
		if log.count(models.MsgScrapeError) != 1 {
			t.Error("应发送 scrape_error")
		}
	})

	t.Run("无效视频ID", func(t *testing.T) {
		s, opener, _, _ := newTestService(t)
		if _, err := s.ScrapeItem(context.Background(), "abc", 0); err == nil {
			t.Error("无效ID应返回错误")
		}
		if opener.opened() != 0 {
			t.Error("无效ID不应打开标签页")
		}
	})

	t.Run("无会话时停止", func(t *testing.T) {
		s, _, _, _ := newTestService(t)
		if s.Stop() {
			t.Error("Stop() = true")
		}
	})
}

func TestServiceProfileMetadata(t *testing.T) {
	s, opener, log, st := newTestService(t)
	opener.grid = &fakeGrid{items: []models.ItemMeta{
		{ItemID: "1000001"}, {ItemID: "1000002"}, {ItemID: "1000003"},
	}}

	res, err := s.ProfileMetadata(context.Background(), "https://www.example.com/user/abc", 2)
	if err != nil {
		t.Fatalf("ProfileMetadata() error = %v", err)
	}
	if len(res.Items) != 2 || !res.LimitReached {
		t.Errorf("res = %+v", res)
	}
	if len(st.items) != 2 {
		t.Errorf("保存的视频 = %d, want 2", len(st.items))
	}
	if s.SessionState().IsActive || log.count(models.MsgFocusOrigin) != 1 {
		t.Error("结束后应清除会话并回到发起页面")
	}
	if opener.tab(0).closed != 1 {
		t.Error("标签页应被关闭")
	}
}

func TestServiceProfileRequiresGridTab(t *testing.T) {
	s, opener, log, _ := newTestService(t)

	if _, err := s.ProfileMetadata(context.Background(), "https://www.example.com/user/abc", 2); err == nil {
		t.Fatal("不支持网格的标签页应返回错误")
	}
	if opener.tab(0).closed != 1 {
		t.Error("标签页应被关闭")
	}
	if s.SessionState().IsActive || log.count(models.MsgFocusOrigin) != 0 {
		t.Error("未启动会话时不应切回发起页面")
	}
}
