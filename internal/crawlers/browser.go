package crawlers

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// BrowserConfig 浏览器启动配置
type BrowserConfig struct {
	Headless  bool
	Stealth   bool
	RemoteURL string // 已运行浏览器的DevTools地址,为空时本地启动
	BinPath   string
	UserDir   string // 用户数据目录,保留登录态
}

// LaunchBrowser 启动(或连接)浏览器
func LaunchBrowser(cfg BrowserConfig) (*rod.Browser, error) {
	controlURL := cfg.RemoteURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.BinPath != "" {
			l = l.Bin(cfg.BinPath)
		}
		if cfg.UserDir != "" {
			l = l.UserDataDir(cfg.UserDir)
		}

		// 允许访问自签名、过期或主机名不匹配的HTTPS站点
		l = l.Set("ignore-certificate-errors")
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("启动浏览器失败: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	utils.Debugf("浏览器已启动: %s", controlURL)
	return browser, nil
}
