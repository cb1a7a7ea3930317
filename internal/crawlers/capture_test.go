package crawlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
)

func TestMatchPatterns(t *testing.T) {
	comments, err := CompilePatterns(DefaultCommentPatterns)
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}
	baseline, err := CompilePatterns(DefaultBaselinePatterns)
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}

	tests := []struct {
		name         string
		url          string
		wantComment  bool
		wantBaseline bool
	}{
		{"评论列表", "https://www.example.com/api/comment/list/?aweme_id=1&cursor=0", true, true},
		{"回复列表", "https://www.example.com/api/comment/list/reply/?item_id=1&comment_id=2", true, false},
		{"其他接口", "https://www.example.com/api/aweme/detail/?aweme_id=1", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchAny(comments, tt.url); got != tt.wantComment {
				t.Errorf("评论模式匹配 = %v, want %v", got, tt.wantComment)
			}
			if got := MatchAny(baseline, tt.url); got != tt.wantBaseline {
				t.Errorf("基线模式匹配 = %v, want %v", got, tt.wantBaseline)
			}
		})
	}
}

func TestParamCaptureFirstMatchOnly(t *testing.T) {
	c, err := NewParamCapture(nil)
	if err != nil {
		t.Fatalf("NewParamCapture() error = %v", err)
	}

	c.ObserveRequest("https://www.example.com/api/aweme/detail/?aid=1", "https://www.example.com/video/1")
	if c.Current() != nil {
		t.Fatal("不匹配的请求不应被捕获")
	}

	c.ObserveRequest("https://www.example.com/api/comment/list/?aid=6383&aweme_id=1&cursor=0&count=20&msToken=x&X-Bogus=y", "https://www.example.com/video/1")
	c.ObserveRequest("https://www.example.com/api/comment/list/?aid=9999&aweme_id=1", "https://www.example.com/video/1")

	b, err := c.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if b.Values.Get("aid") != "6383" {
		t.Errorf("应保留第一次捕获, aid = %s", b.Values.Get("aid"))
	}
	for _, key := range models.PerRequestParams {
		if b.Values.Has(key) {
			t.Errorf("每请求字段 %s 应被剔除", key)
		}
	}
	if b.Endpoint != "https://www.example.com/api/comment/list/" {
		t.Errorf("Endpoint = %s", b.Endpoint)
	}
}

func TestParamCaptureWait(t *testing.T) {
	t.Run("超时", func(t *testing.T) {
		c, _ := NewParamCapture(nil)
		_, err := c.Wait(context.Background(), 10*time.Millisecond)
		if !errors.Is(err, models.ErrParamsCaptureTimeout) {
			t.Errorf("error = %v, want ErrParamsCaptureTimeout", err)
		}
	})

	t.Run("取消", func(t *testing.T) {
		c, _ := NewParamCapture(nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Wait(ctx, time.Second)
		if !errors.Is(err, models.ErrCancelled) {
			t.Errorf("error = %v, want ErrCancelled", err)
		}
	})

	t.Run("等待期间捕获", func(t *testing.T) {
		c, _ := NewParamCapture(nil)
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.ObserveRequest("https://www.example.com/api/comment/list/?aid=1", "")
		}()
		if _, err := c.Wait(context.Background(), time.Second); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})

	t.Run("导航后重置", func(t *testing.T) {
		c, _ := NewParamCapture(nil)
		c.ObserveRequest("https://www.example.com/api/comment/list/?aid=1", "")
		c.Reset()
		if c.Current() != nil {
			t.Fatal("Reset后基线应为空")
		}
		_, err := c.Wait(context.Background(), 10*time.Millisecond)
		if !errors.Is(err, models.ErrParamsCaptureTimeout) {
			t.Errorf("error = %v, want ErrParamsCaptureTimeout", err)
		}
	})
}

func TestPageSignerDiscover(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		found   bool
	}{
		{"找到签名函数", `{"found":true,"path":"byted_acrawler.frontierSign"}`, nil, true},
		{"未找到", `{"found":false}`, models.ErrSigningNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBridge{handler: func(kind string, args interface{}) (string, error) {
				return tt.data, nil
			}}
			s := NewPageSigner(b)
			found, err := s.Discover(context.Background())
			if found != tt.found || !errors.Is(err, tt.wantErr) {
				t.Fatalf("Discover() = %v, %v", found, err)
			}
			if tt.found {
				// 缓存后不再调用页面
				s.Discover(context.Background())
				if len(b.calls) != 1 {
					t.Errorf("calls = %v", b.calls)
				}
				if s.Path() != "byted_acrawler.frontierSign" {
					t.Errorf("Path() = %s", s.Path())
				}
			}
		})
	}
}

func TestPageSignerSignInvalidatesOnBridgeError(t *testing.T) {
	fail := false
	b := &fakeBridge{handler: func(kind string, args interface{}) (string, error) {
		switch kind {
		case "discover_signer":
			return `{"found":true,"path":"__chSigner"}`, nil
		case "sign":
			if fail {
				return "", &BridgeError{Kind: kind, Message: "signer missing"}
			}
			u := args.(map[string]string)["url"]
			return `{"url":"` + u + `&X-Bogus=abc"}`, nil
		}
		return "null", nil
	}}
	s := NewPageSigner(b)
	if _, err := s.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	signed, err := s.Sign(context.Background(), "https://www.example.com/api/comment/list/?a=1")
	if err != nil || signed != "https://www.example.com/api/comment/list/?a=1&X-Bogus=abc" {
		t.Fatalf("Sign() = %q, %v", signed, err)
	}

	fail = true
	if _, err := s.Sign(context.Background(), "https://www.example.com/x?a=1"); err == nil {
		t.Fatal("期望签名失败")
	}
	if s.Path() != "" {
		t.Error("签名失败后应清除缓存")
	}
}

func TestDecodeBridgeResponse(t *testing.T) {
	var out struct {
		Found bool `json:"found"`
	}
	if err := decodeBridgeResponse("discover_signer", `{"ok":true,"data":{"found":true}}`, &out); err != nil || !out.Found {
		t.Errorf("decode = %+v, %v", out, err)
	}

	err := decodeBridgeResponse("sign", `{"ok":false,"error":"boom"}`, nil)
	var bridgeErr *BridgeError
	if !errors.As(err, &bridgeErr) || bridgeErr.Message != "boom" {
		t.Errorf("error = %v, want BridgeError", err)
	}

	if err := decodeBridgeResponse("scroll", "not json", nil); err == nil {
		t.Error("期望解析错误")
	}
	if err := decodeBridgeResponse("scroll", `{"ok":true}`, &out); err != nil {
		t.Errorf("无数据时不应报错: %v", err)
	}
}
