package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/RecoveryAshes/CommentHarvest/internal/crawlers"
	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/session"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// Config 应用程序配置
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	API       APIConfig       `mapstructure:"api"`
	DOM       DOMConfig       `mapstructure:"dom"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Resource  ResourceConfig  `mapstructure:"resource"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Output    OutputConfig    `mapstructure:"output"`
}

// TargetConfig 目标站点
type TargetConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

// BrowserConfig 浏览器配置
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless"`
	Stealth         bool          `mapstructure:"stealth"`
	RemoteURL       string        `mapstructure:"remote_url"`
	BinPath         string        `mapstructure:"bin_path"`
	UserDataDir     string        `mapstructure:"user_data_dir"`
	BridgeTimeout   time.Duration `mapstructure:"bridge_timeout"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout"`
}

// APIConfig 接口分页配置
type APIConfig struct {
	PageSize          int               `mapstructure:"page_size"`
	BatchSize         int               `mapstructure:"batch_size"`
	PageDelay         time.Duration     `mapstructure:"page_delay"`
	MaxRetries        int               `mapstructure:"max_retries"`
	InitialBackoff    time.Duration     `mapstructure:"initial_backoff"`
	RateLimitBackoff  time.Duration     `mapstructure:"rate_limit_backoff"`
	MaxBackoff        time.Duration     `mapstructure:"max_backoff"`
	BackoffMultiplier float64           `mapstructure:"backoff_multiplier"`
	BaselineTimeout   time.Duration     `mapstructure:"baseline_timeout"`
	FetchReplies      bool              `mapstructure:"fetch_replies"`
	Transport         string            `mapstructure:"transport"` // page | http
	Headers           map[string]string `mapstructure:"headers"`
}

// DOMConfig 滚动提取配置
type DOMConfig struct {
	ContentTimeout    time.Duration `mapstructure:"content_timeout"`
	ClickTimeout      time.Duration `mapstructure:"click_timeout"`
	ScrollWait        time.Duration `mapstructure:"scroll_wait"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PausePoll         time.Duration `mapstructure:"pause_poll"`
	MaxUnproductive   int           `mapstructure:"max_unproductive"`
	NearEndThreshold  int           `mapstructure:"near_end_threshold"`
	StableIterations  int           `mapstructure:"stable_iterations"`
	MetadataSaveEvery int           `mapstructure:"metadata_save_every"`
	MaxIterations     int           `mapstructure:"max_iterations"`
	MaxComments       int           `mapstructure:"max_comments"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	StateFile string `mapstructure:"state_file"`
}

// RateLimitConfig 限流监视配置
type RateLimitConfig struct {
	Patterns    []string      `mapstructure:"patterns"`
	ResumeDelay time.Duration `mapstructure:"resume_delay"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

// BatchConfig 批量采集配置
type BatchConfig struct {
	ItemDelay          time.Duration `mapstructure:"item_delay"`
	MaxCommentsPerItem int           `mapstructure:"max_comments_per_item"`
	EnrichMetadata     bool          `mapstructure:"enrich_metadata"`
	MetaTimeout        time.Duration `mapstructure:"meta_timeout"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Path         string `mapstructure:"path"`
	MonthlyLimit int    `mapstructure:"monthly_limit"`
	CacheSize    int    `mapstructure:"cache_size"`
}

// ResourceConfig 资源监控配置
type ResourceConfig struct {
	SafetyReserveMB  int64         `mapstructure:"safety_reserve_mb"`
	SafetyThreshold  int64         `mapstructure:"safety_threshold_mb"`
	CPULoadThreshold int           `mapstructure:"cpu_load_threshold"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
}

// ServerConfig 控制服务配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".commentharvest"))
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("COMMENTHARVEST")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	collect := config.CollectConfig()
	if err := collect.Validate(); err != nil {
		return nil, fmt.Errorf("采集参数无效: %w", err)
	}
	if err := models.ValidateURL(config.Target.BaseURL); err != nil {
		return nil, fmt.Errorf("target.base_url 无效: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	def := models.DefaultCollectConfig()

	v.SetDefault("target.base_url", "https://www.douyin.com")
	v.SetDefault("target.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.user_data_dir", "browser_data")
	v.SetDefault("browser.bridge_timeout", 20*time.Second)
	v.SetDefault("browser.navigate_timeout", 30*time.Second)

	v.SetDefault("api.page_size", def.PageSize)
	v.SetDefault("api.batch_size", def.BatchSize)
	v.SetDefault("api.page_delay", def.PageDelay)
	v.SetDefault("api.max_retries", def.MaxRetries)
	v.SetDefault("api.initial_backoff", def.InitialBackoff)
	v.SetDefault("api.rate_limit_backoff", def.RateLimitBackoff)
	v.SetDefault("api.max_backoff", def.MaxBackoff)
	v.SetDefault("api.backoff_multiplier", def.BackoffMultiplier)
	v.SetDefault("api.baseline_timeout", def.BaselineTimeout)
	v.SetDefault("api.fetch_replies", def.FetchReplies)
	v.SetDefault("api.transport", "page")

	v.SetDefault("dom.content_timeout", def.ContentTimeout)
	v.SetDefault("dom.click_timeout", def.ClickTimeout)
	v.SetDefault("dom.scroll_wait", def.ScrollWait)
	v.SetDefault("dom.poll_interval", def.PollInterval)
	v.SetDefault("dom.pause_poll", def.PausePoll)
	v.SetDefault("dom.max_unproductive", def.MaxUnproductive)
	v.SetDefault("dom.near_end_threshold", def.NearEndThreshold)
	v.SetDefault("dom.stable_iterations", def.StableIterations)
	v.SetDefault("dom.metadata_save_every", def.MetadataSaveEvery)
	v.SetDefault("dom.max_iterations", def.MaxIterations)
	v.SetDefault("dom.max_comments", 0)

	v.SetDefault("session.state_file", "data/session.json")

	mon := session.DefaultMonitorConfig()
	v.SetDefault("rate_limit.patterns", mon.Patterns)
	v.SetDefault("rate_limit.resume_delay", mon.ResumeDelay)
	v.SetDefault("rate_limit.stale_after", mon.StaleAfter)

	v.SetDefault("batch.item_delay", 2*time.Second)
	v.SetDefault("batch.max_comments_per_item", 0)
	v.SetDefault("batch.enrich_metadata", false)
	v.SetDefault("batch.meta_timeout", 10*time.Second)

	v.SetDefault("storage.path", "data/comments.db")
	v.SetDefault("storage.monthly_limit", 0)
	v.SetDefault("storage.cache_size", 4096)

	v.SetDefault("resource.safety_reserve_mb", 300)
	v.SetDefault("resource.safety_threshold_mb", 500)
	v.SetDefault("resource.cpu_load_threshold", 200)
	v.SetDefault("resource.sample_interval", 5*time.Second)

	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.ping_interval", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("output.base_dir", "output")
}

// CollectConfig 合并api与dom两节为引擎参数
func (c *Config) CollectConfig() models.CollectConfig {
	return models.CollectConfig{
		PageSize:          c.API.PageSize,
		BatchSize:         c.API.BatchSize,
		PageDelay:         c.API.PageDelay,
		MaxRetries:        c.API.MaxRetries,
		InitialBackoff:    c.API.InitialBackoff,
		RateLimitBackoff:  c.API.RateLimitBackoff,
		MaxBackoff:        c.API.MaxBackoff,
		BackoffMultiplier: c.API.BackoffMultiplier,
		BaselineTimeout:   c.API.BaselineTimeout,
		FetchReplies:      c.API.FetchReplies,
		UseHTTPTransport:  c.API.Transport == "http",
		ContentTimeout:    c.DOM.ContentTimeout,
		ClickTimeout:      c.DOM.ClickTimeout,
		ScrollWait:        c.DOM.ScrollWait,
		PollInterval:      c.DOM.PollInterval,
		PausePoll:         c.DOM.PausePoll,
		MaxUnproductive:   c.DOM.MaxUnproductive,
		NearEndThreshold:  c.DOM.NearEndThreshold,
		StableIterations:  c.DOM.StableIterations,
		MetadataSaveEvery: c.DOM.MetadataSaveEvery,
		MaxIterations:     c.DOM.MaxIterations,
	}
}

// BrowserOptions 浏览器启动参数
func (c *Config) BrowserOptions() crawlers.BrowserConfig {
	return crawlers.BrowserConfig{
		Headless:  c.Browser.Headless,
		Stealth:   c.Browser.Stealth,
		RemoteURL: c.Browser.RemoteURL,
		BinPath:   c.Browser.BinPath,
		UserDir:   c.Browser.UserDataDir,
	}
}

// MonitorConfig 限流监视参数
func (c *Config) MonitorConfig() session.MonitorConfig {
	return session.MonitorConfig{
		Patterns:    c.RateLimit.Patterns,
		ResumeDelay: c.RateLimit.ResumeDelay,
		StaleAfter:  c.RateLimit.StaleAfter,
	}
}

// ResourceMonitorConfig 资源监控参数
func (c *Config) ResourceMonitorConfig() crawlers.ResourceMonitorConfig {
	return crawlers.ResourceMonitorConfig{
		SafetyReserveMemory: c.Resource.SafetyReserveMB * 1024 * 1024,
		SafetyThreshold:     c.Resource.SafetyThreshold * 1024 * 1024,
		CPULoadThreshold:    c.Resource.CPULoadThreshold,
	}
}

// LogConfig 日志参数
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// MergeCLIFlags 合并命令行参数到配置,零值表示未指定
func (c *Config) MergeCLIFlags(headless bool, transport string, pageDelay, itemDelay time.Duration, maxComments int) {
	if headless {
		c.Browser.Headless = true
	}
	if transport != "" {
		c.API.Transport = transport
	}
	if pageDelay > 0 {
		c.API.PageDelay = pageDelay
	}
	if itemDelay > 0 {
		c.Batch.ItemDelay = itemDelay
	}
	if maxComments > 0 {
		c.DOM.MaxComments = maxComments
		c.Batch.MaxCommentsPerItem = maxComments
	}
}
