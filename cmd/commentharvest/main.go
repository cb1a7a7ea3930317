package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RecoveryAshes/CommentHarvest/internal/core"
	"github.com/RecoveryAshes/CommentHarvest/internal/crawlers"
	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/server"
	"github.com/RecoveryAshes/CommentHarvest/internal/store"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string

	// 采集参数
	headless    bool
	transport   string
	pageDelay   time.Duration
	itemDelay   time.Duration
	maxComments int

	// 子命令参数
	itemFile     string
	maxItems     int
	withComments bool
	listLimit    int
	serveAddr    string
)

var (
	appConfig     *core.Config
	sharedMetrics = utils.NewMetrics()
)

var rootCmd = &cobra.Command{
	Use:   "commentharvest",
	Short: "短视频评论与视频元数据采集工具",
	Long: `CommentHarvest - 基于浏览器会话的评论采集工具

支持:
  • 页内签名调用评论接口,失败时回退到页面滚动提取
  • 单视频、批量视频、作者主页三种采集方式
  • 429限流自动暂停与恢复,会话状态断点恢复
  • 本地WebSocket控制服务,供扩展页面下发指令

示例:
  commentharvest scrape 7301234567890123456
  commentharvest batch -f items.txt --item-delay 3s
  commentharvest profile https://www.douyin.com/user/xxx --max-items 50
  commentharvest serve --addr 127.0.0.1:8765

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		if err := ValidateFlags(transport, pageDelay, itemDelay, maxComments); err != nil {
			return err
		}
		config.MergeCLIFlags(cmd.Flags().Changed("headless") && headless, transport, pageDelay, itemDelay, maxComments)

		logConfig := config.LogConfig()
		if logLevel != "" {
			logConfig.Level = logLevel
		}
		// 批量模式由进度条占用终端
		if cmd.Name() == "batch" && !verbose {
			logConfig.NoConsole = true
		}
		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		if verbose {
			utils.Info("详细模式已启用")
		}

		appConfig = config
		return nil
	},
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape <视频ID或URL>",
	Short: "采集单个视频的评论",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *core.Service) error {
			out, err := svc.ScrapeItem(ctx, args[0], appConfig.DOM.MaxComments)
			if out != nil {
				printItemStats(out)
			}
			if err != nil {
				return fmt.Errorf("采集失败: %w", err)
			}
			utils.Info("✨ 采集任务完成!")
			return nil
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch [视频ID或URL...]",
	Short: "批量采集多个视频(同一标签页依次处理)",
	RunE: func(cmd *cobra.Command, args []string) error {
		items := append([]string(nil), args...)
		if itemFile != "" {
			if err := ValidateItemFile(itemFile); err != nil {
				return err
			}
			fromFile, err := utils.ReadItemIDsFromFile(itemFile)
			if err != nil {
				return err
			}
			items = append(items, fromFile...)
		}
		if len(items) == 0 {
			return cmd.Help()
		}

		return withService(func(ctx context.Context, svc *core.Service) error {
			bar := utils.NewProgressBar(len(items), "批量采集")
			svc.AddListener(func(env models.Envelope) {
				if env.Type != models.MsgBatchProgress {
					return
				}
				var p models.BatchProgressPayload
				if err := env.Decode(&p); err == nil {
					bar.Set(p.ItemIndex + 1)
				}
			})

			summary, err := svc.ProcessBatch(ctx, items)
			bar.Finish()
			fmt.Println()
			if summary != nil {
				printBatchSummary(summary)
			}
			if err != nil {
				return fmt.Errorf("批量采集失败: %w", err)
			}
			return nil
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <主页URL>",
	Short: "采集作者主页的视频元数据(可选逐个采集评论)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := models.ValidateURL(args[0]); err != nil {
			return fmt.Errorf("无效的主页URL: %w", err)
		}

		return withService(func(ctx context.Context, svc *core.Service) error {
			if withComments {
				comments, err := svc.ProfileComments(ctx, args[0], maxItems, appConfig.Batch.MaxCommentsPerItem)
				fmt.Printf("💬 主页评论: %d 条\n", len(comments))
				return err
			}

			res, err := svc.ProfileMetadata(ctx, args[0], maxItems)
			if res != nil {
				fmt.Printf("🎬 视频元数据: %d 个", len(res.Items))
				if res.LimitReached {
					fmt.Print(" (已达上限)")
				}
				fmt.Println()
			}
			return err
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动本地控制服务(WebSocket + HTTP)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			appConfig.Server.Addr = serveAddr
		}

		return withService(func(ctx context.Context, svc *core.Service) error {
			srv := server.New(server.Config{
				Addr:         appConfig.Server.Addr,
				SendBuffer:   appConfig.Server.SendBuffer,
				PingInterval: appConfig.Server.PingInterval,
			}, svc, sharedMetrics)
			svc.AddListener(srv.Broadcast)
			return srv.Run(ctx)
		})
	},
}

var metaCmd = &cobra.Command{
	Use:   "meta <视频ID或URL...>",
	Short: "不启动浏览器,从视频页静态标记读取元数据",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		fetcher := crawlers.NewStaticMetaFetcher(crawlers.StaticMetaConfig{
			UserAgent: appConfig.Target.UserAgent,
			Timeout:   appConfig.Batch.MetaTimeout,
		}, nil)

		ctx, cancel := signalContext()
		defer cancel()

		var metas []models.ItemMeta
		for _, raw := range args {
			itemID, err := models.NormalizeItemID(raw)
			if err != nil {
				utils.Warnf("跳过无效视频 %s: %v", raw, err)
				continue
			}
			meta, err := fetcher.Fetch(ctx, models.ItemURL(appConfig.Target.BaseURL, itemID))
			if err != nil {
				utils.Warnf("视频 %s 元数据获取失败: %v", itemID, err)
				continue
			}
			metas = append(metas, *meta)
		}

		if len(metas) > 0 {
			if err := st.SaveItems(ctx, metas); err != nil {
				return fmt.Errorf("保存元数据失败: %w", err)
			}
		}
		return printJSON(metas)
	},
}

var commentsCmd = &cobra.Command{
	Use:   "comments <视频ID或URL>",
	Short: "查看已存储的评论",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID, err := models.NormalizeItemID(args[0])
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		total, err := st.CountComments(ctx, itemID)
		if err != nil {
			return err
		}
		comments, err := st.ListComments(ctx, itemID)
		if err != nil {
			return err
		}
		if meta, err := st.GetItem(ctx, itemID); err == nil && meta != nil && meta.Title != "" {
			fmt.Printf("🎬 %s\n", meta.Title)
		}
		fmt.Printf("💬 共 %d 条评论\n", total)

		for i, c := range comments {
			if listLimit > 0 && i >= listLimit {
				fmt.Printf("... 其余 %d 条省略\n", len(comments)-i)
				break
			}
			indent := ""
			if !c.IsTopLevel() {
				indent = "    ↳ "
			}
			fmt.Printf("%s[%s] %s\n", indent, c.AuthorDisplayName, utils.Truncate(c.Text, 80))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("CommentHarvest %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// signalContext Ctrl+C 取消当前采集,由采集方完成收尾
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			utils.Warnf("\n收到中断信号: %v, 正在优雅关闭...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func openStore() (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(store.SQLiteConfig{
		Path:         appConfig.Storage.Path,
		MonthlyLimit: appConfig.Storage.MonthlyLimit,
		CacheSize:    appConfig.Storage.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return st, nil
}

// withService 打开存储、启动浏览器,结束后按相反顺序释放
func withService(run func(ctx context.Context, svc *core.Service) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := core.NewService(appConfig, st, sharedMetrics)
	if err != nil {
		return fmt.Errorf("创建采集服务失败: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("启动浏览器失败: %w", err)
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return run(ctx, svc)
}

func printItemStats(out *core.ItemOutcome) {
	fmt.Println("\n==================================================")
	fmt.Printf("📊 视频 %s 采集统计 (来源: %s)\n", out.ItemID, out.Source)
	fmt.Println("==================================================")
	fmt.Printf("✅ 发现评论: %d\n", out.Stats.Found)
	fmt.Printf("✅ 新增写入: %d\n", out.Stats.Stored)
	fmt.Printf("🔁 重复评论: %d\n", out.Stats.Duplicates)
	fmt.Printf("⚠️  忽略评论: %d\n", out.Stats.Ignored)
	fmt.Println("==================================================")
}

func printBatchSummary(s *models.BatchSummary) {
	fmt.Println("==================================================")
	fmt.Printf("📊 批量采集 %s: %s\n", s.BatchID, s.Status)
	fmt.Println("==================================================")
	fmt.Printf("✅ 完成: %d / %d\n", s.CompletedVideos, s.TotalItems)
	fmt.Printf("⏭️  跳过: %d\n", s.SkippedVideos)
	fmt.Printf("❌ 失败: %d\n", s.FailedVideos)
	fmt.Printf("💬 发现评论: %d, 新增: %d\n", s.Stats.Found, s.Stats.Stored)
	if s.LimitReached {
		fmt.Println("⚠️  已达到本月存储上限")
	}
	fmt.Printf("⏱️  总耗时: %.2f秒\n", s.Duration().Seconds())
	fmt.Println("==================================================")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")

	// 采集参数
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "无头浏览器模式")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "接口请求方式 (page|http)")
	rootCmd.PersistentFlags().DurationVar(&pageDelay, "page-delay", 0, "接口翻页间隔")
	rootCmd.PersistentFlags().DurationVar(&itemDelay, "item-delay", 0, "批量模式视频间隔")
	rootCmd.PersistentFlags().IntVar(&maxComments, "max-comments", 0, "每个视频最多采集的评论数(滚动提取)")

	batchCmd.Flags().StringVarP(&itemFile, "file", "f", "", "包含视频ID或URL的文件(每行一个)")
	profileCmd.Flags().IntVar(&maxItems, "max-items", 30, "最多采集的视频数")
	profileCmd.Flags().BoolVar(&withComments, "comments", false, "逐个进入视频采集评论")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "监听地址(默认读取 server.addr)")
	commentsCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "最多显示的评论条数,0表示全部")

	rootCmd.AddCommand(scrapeCmd, batchCmd, profileCmd, serveCmd, metaCmd, commentsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
