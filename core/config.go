package core

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/ini.v1"
)

// Config 代理池配置，所有字段在构造时经过 Validate 校验，
// 运行期间不允许绕过校验直接修改。
type Config struct {
	// 代理池配置
	Enabled       bool          `ini:"enabled"`        // 是否启用代理池
	MaxPoolSize   int           `ini:"max_pool_size"`  // 池内最大代理数量
	FailThreshold int           `ini:"fail_threshold"` // 连续失败淘汰阈值
	StaleTTL      time.Duration `ini:"stale_ttl"`      // 记录过期时间，合并时清理

	// 验证配置
	ProbeTimeout        time.Duration `ini:"probe_timeout"`        // 单个代理验证超时时间
	ValidateConcurrency int           `ini:"validate_concurrency"` // 最大并发验证数
	TestTargets         []string      `ini:"test_targets"`         // 测试网站列表

	// 刷新配置
	RefreshInterval   time.Duration `ini:"refresh_interval"`   // 自动刷新间隔
	DegradedThreshold int           `ini:"degraded_threshold"` // 连续空周期达到该值后标记为降级

	// 频率限制(需要Redis)
	ShortTermLimit int           `ini:"short_term_limit"` // 单个代理短期分发上限
	ShortTermTTL   time.Duration `ini:"short_term_ttl"`   // 短期窗口时间

	// 服务配置
	ListenAddr string `ini:"listen_addr"` // HTTP服务监听地址
	MySQLDSN   string `ini:"mysql_dsn"`   // 使用记录数据库，留空则不记录
	RedisAddr  string `ini:"redis_addr"`  // Redis地址，留空则不启用频率限制
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MaxPoolSize:   50,
		FailThreshold: 3,
		StaleTTL:      1 * time.Hour,

		ProbeTimeout:        10 * time.Second,
		ValidateConcurrency: 10,
		TestTargets: []string{
			"http://httpbin.org/ip",
			"https://httpbin.org/ip",
			"http://ip-api.com/json",
		},

		RefreshInterval:   30 * time.Minute,
		DegradedThreshold: 3,

		ShortTermLimit: 3,
		ShortTermTTL:   time.Second,

		ListenAddr: ":8080",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxPoolSize <= 0 {
		return errors.New("max pool size must be positive")
	}
	if c.FailThreshold <= 0 {
		return errors.New("fail threshold must be positive")
	}
	if c.StaleTTL <= 0 {
		return errors.New("stale ttl must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.ValidateConcurrency <= 0 {
		return errors.New("validate concurrency must be positive")
	}
	if len(c.TestTargets) == 0 {
		return errors.New("at least one test target is required")
	}
	for _, target := range c.TestTargets {
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid test target: %q", target)
		}
	}
	if c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive")
	}
	if c.DegradedThreshold <= 0 {
		return errors.New("degraded threshold must be positive")
	}
	if c.ShortTermLimit <= 0 {
		return errors.New("short term limit must be positive")
	}
	if c.ShortTermTTL <= 0 {
		return errors.New("short term ttl must be positive")
	}
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	return nil
}

// Clone 克隆配置
func (c *Config) Clone() *Config {
	clone := *c
	clone.TestTargets = append([]string(nil), c.TestTargets...)
	return &clone
}

// LoadConfig 从ini文件加载配置，文件不存在时返回默认配置
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	file, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := file.Section("proxy_pool").MapTo(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
