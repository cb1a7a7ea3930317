package crawlers

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/ysmood/gson"
)

//go:embed scripts/bridge.js
var bridgeJS string

// 控制端一侧: 写入请求属性并派发请求事件,等待对应ID的响应事件
const bridgeCallJS = `(id, payload, timeoutMs) => new Promise((resolve, reject) => {
	const root = document.documentElement;
	const resAttr = 'data-ch-res-' + id;
	const onRes = (ev) => {
		if (ev.detail !== id) return;
		document.removeEventListener('__ch_response', onRes);
		clearTimeout(timer);
		const raw = root.getAttribute(resAttr);
		root.removeAttribute(resAttr);
		resolve(raw);
	};
	const timer = setTimeout(() => {
		document.removeEventListener('__ch_response', onRes);
		root.removeAttribute('data-ch-req-' + id);
		reject(new Error('bridge timeout'));
	}, timeoutMs);
	document.addEventListener('__ch_response', onRes);
	root.setAttribute('data-ch-req-' + id, payload);
	document.dispatchEvent(new CustomEvent('__ch_request', { detail: id }));
})`

// BridgeCaller 与页面上下文脚本交换序列化消息
type BridgeCaller interface {
	Call(ctx context.Context, kind string, args interface{}, out interface{}) error
}

// BridgeError 页面脚本返回的错误
type BridgeError struct {
	Kind    string
	Message string
}

// Error 实现error接口
func (e *BridgeError) Error() string {
	return fmt.Sprintf("页面脚本 %s 返回错误: %s", e.Kind, e.Message)
}

type bridgeRequest struct {
	Kind string      `json:"kind"`
	Args interface{} `json:"args,omitempty"`
}

type bridgeResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// PageBridge 基于rod页面的消息通道
type PageBridge struct {
	page    *rod.Page
	timeout time.Duration
}

// NewPageBridge 创建页面消息通道
func NewPageBridge(page *rod.Page, timeout time.Duration) *PageBridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PageBridge{page: page, timeout: timeout}
}

// Install 注册新文档脚本,并在当前文档中立即安装
func (b *PageBridge) Install() error {
	if _, err := b.page.EvalOnNewDocument(bridgeJS); err != nil {
		return fmt.Errorf("注册页面脚本失败: %w", err)
	}
	if _, err := (proto.RuntimeEvaluate{Expression: bridgeJS}).Call(b.page); err != nil {
		return fmt.Errorf("安装页面脚本失败: %w", err)
	}
	return nil
}

// Call 发送一次请求并等待响应
func (b *PageBridge) Call(ctx context.Context, kind string, args interface{}, out interface{}) error {
	payload, err := json.Marshal(bridgeRequest{Kind: kind, Args: args})
	if err != nil {
		return fmt.Errorf("序列化桥接请求失败: %w", err)
	}

	id := uuid.NewString()
	res, err := b.page.Context(ctx).Evaluate(
		rod.Eval(bridgeCallJS, id, string(payload), b.timeout.Milliseconds()).ByPromise(),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("桥接调用 %s 失败: %w", kind, err)
	}

	raw, err := responseString(res.Value)
	if err != nil {
		return fmt.Errorf("桥接调用 %s: %w", kind, err)
	}
	return decodeBridgeResponse(kind, raw, out)
}

func responseString(v gson.JSON) (string, error) {
	if v.Nil() {
		return "", errors.New("页面未返回响应")
	}
	return v.Str(), nil
}

// decodeBridgeResponse 解析页面脚本响应
func decodeBridgeResponse(kind, raw string, out interface{}) error {
	var resp bridgeResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return fmt.Errorf("解析桥接响应 %s 失败: %w", kind, err)
	}
	if !resp.OK {
		return &BridgeError{Kind: kind, Message: resp.Error}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("解析桥接数据 %s 失败: %w", kind, err)
	}
	return nil
}
