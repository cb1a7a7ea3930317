package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/RecoveryAshes/CommentHarvest/internal/core"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  CommentHarvest 环境验证")
	fmt.Println("==============================================")
	fmt.Println()

	allOK := true

	fmt.Printf("✅ Go版本: %s\n", runtime.Version())
	fmt.Printf("✅ 操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	// 检查浏览器
	if path, has := launcher.LookPath(); has {
		fmt.Printf("✅ 已找到Chromium: %s\n", path)
	} else {
		fmt.Println("⚠️  未找到本机Chromium - 首次启动时将自动下载")
		fmt.Println("   也可在配置中指定 browser.bin_path 或 browser.remote_url")
	}

	// 检查配置
	fmt.Println()
	fmt.Println("检查配置...")
	config, err := core.LoadConfig("")
	if err != nil {
		fmt.Printf("❌ 配置无效: %v\n", err)
		allOK = false
	} else {
		fmt.Printf("✅ 目标站点: %s\n", config.Target.BaseURL)
		fmt.Printf("✅ 接口请求方式: %s\n", config.API.Transport)

		for _, p := range []string{config.Storage.Path, config.Session.StateFile} {
			dir := filepath.Dir(p)
			if err := os.MkdirAll(dir, 0755); err != nil {
				fmt.Printf("❌ 无法创建目录 %s: %v\n", dir, err)
				allOK = false
				continue
			}
			fmt.Printf("✅ %s/ 可写\n", dir)
		}
	}

	// 检查项目结构
	fmt.Println()
	fmt.Println("检查项目结构...")
	requiredDirs := []string{
		"cmd/commentharvest",
		"internal/core",
		"internal/crawlers",
		"internal/session",
		"internal/server",
		"internal/store",
		"configs",
	}

	for _, dir := range requiredDirs {
		if _, err := os.Stat(dir); err == nil {
			fmt.Printf("✅ %s/\n", dir)
		} else {
			fmt.Printf("❌ %s/ 不存在\n", dir)
			allOK = false
		}
	}

	fmt.Println()
	fmt.Println("==============================================")
	if allOK {
		fmt.Println("✅ 环境验证通过!")
		fmt.Println()
		fmt.Println("下一步:")
		fmt.Println("  1. 运行 'go build ./cmd/commentharvest' 构建项目")
		fmt.Println("  2. 运行 './commentharvest --help' 查看帮助")
		os.Exit(0)
	}
	fmt.Println("❌ 环境验证失败,请解决上述问题。")
	os.Exit(1)
}
