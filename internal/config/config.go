// Package config 配置管理模块
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/smysle/kkphim-sync-go/pkg/utils"
)

// Config 全局配置结构
type Config struct {
	Timezone string `json:"timezone"`
	Debug    bool   `json:"debug"`

	Database  DatabaseConfig  `json:"database"`
	KKPhim    KKPhimConfig    `json:"kkphim"`
	Sync      SyncConfig      `json:"sync"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Backup    BackupConfig    `json:"backup"`
	API       APIConfig       `json:"api"`
	Telegram  TelegramConfig  `json:"telegram"`
}

// DatabaseConfig MySQL 配置
type DatabaseConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	User                   string `json:"user"`
	Password               string `json:"password"`
	Name                   string `json:"name"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	MaxOpenConns           int    `json:"max_open_conns"`
	ConnMaxLifetimeMinutes int    `json:"conn_max_lifetime_minutes"`
}

// KKPhimConfig 上游片库 API 配置
type KKPhimConfig struct {
	BaseURL          string  `json:"base_url"`
	ListPath         string  `json:"list_path"`
	DetailPath       string  `json:"detail_path"`
	TimeoutSeconds   int     `json:"timeout_seconds"`
	PageSize         int     `json:"page_size"`
	CacheMinutes     int     `json:"cache_minutes"`
	RateLimit        float64 `json:"rate_limit"`        // 每秒请求数
	RateBurst        int     `json:"rate_burst"`
	BreakerThreshold int     `json:"breaker_threshold"` // 连续失败多少次后熔断，0 表示关闭
}

// SyncConfig 同步引擎配置
type SyncConfig struct {
	BatchSize             int  `json:"batch_size"`
	BatchDelayMS          int  `json:"batch_delay_ms"`
	MaxAttempts           int  `json:"max_attempts"`
	RetryBaseMS           int  `json:"retry_base_ms"`
	IncrementalEmptyPages int  `json:"incremental_empty_pages"`
	IncrementalMaxPages   int  `json:"incremental_max_pages"`
	FullMaxPages          int  `json:"full_max_pages"` // 0 表示不限制
	AllowConcurrentRuns   bool `json:"allow_concurrent_runs"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	AutoStart bool `json:"auto_start"`

	IncrementalSync bool   `json:"incremental_sync"`
	IncrementalCron string `json:"incremental_cron"`
	FullSync        bool   `json:"full_sync"`
	FullCron        string `json:"full_cron"`
	Backup          bool   `json:"backup"`
	BackupCron      string `json:"backup_cron"`
	HealthCheck     bool   `json:"health_check"`
	HealthCron      string `json:"health_cron"`
}

// BackupConfig 备份配置
type BackupConfig struct {
	Dir           string `json:"dir"`
	RetentionDays int    `json:"retention_days"`
	Compress      bool   `json:"compress"`
	NativeDump    bool   `json:"native_dump"`
	MysqldumpPath string `json:"mysqldump_path"`
}

// APIConfig Web API 配置
type APIConfig struct {
	Enabled      bool     `json:"enabled"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AllowOrigins []string `json:"allow_origins"`
}

// TelegramConfig 同步报告推送配置
type TelegramConfig struct {
	Token   string `json:"token"`
	OwnerID int64  `json:"owner_id"`
	APIURL  string `json:"api_url"` // 自建 Bot API 服务地址，留空使用官方
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Timezone == "" {
		c.Timezone = "Asia/Ho_Chi_Minh"
	}

	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.ConnMaxLifetimeMinutes == 0 {
		c.Database.ConnMaxLifetimeMinutes = 30
	}

	if c.KKPhim.BaseURL == "" {
		c.KKPhim.BaseURL = "https://phimapi.com"
	}
	if c.KKPhim.ListPath == "" {
		c.KKPhim.ListPath = "/danh-sach/phim-moi-cap-nhat-v3"
	}
	if c.KKPhim.DetailPath == "" {
		c.KKPhim.DetailPath = "/phim"
	}
	if c.KKPhim.TimeoutSeconds == 0 {
		c.KKPhim.TimeoutSeconds = 15
	}
	if c.KKPhim.PageSize == 0 {
		c.KKPhim.PageSize = 24
	}
	if c.KKPhim.CacheMinutes == 0 {
		c.KKPhim.CacheMinutes = 5
	}
	if c.KKPhim.RateLimit == 0 {
		c.KKPhim.RateLimit = 5
	}
	if c.KKPhim.RateBurst == 0 {
		c.KKPhim.RateBurst = 5
	}
	if c.KKPhim.BreakerThreshold == 0 {
		c.KKPhim.BreakerThreshold = 20
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 4
	}
	if c.Sync.BatchDelayMS == 0 {
		c.Sync.BatchDelayMS = 500
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 3
	}
	if c.Sync.RetryBaseMS == 0 {
		c.Sync.RetryBaseMS = 1000
	}
	if c.Sync.IncrementalEmptyPages == 0 {
		c.Sync.IncrementalEmptyPages = 2
	}
	if c.Sync.IncrementalMaxPages == 0 {
		c.Sync.IncrementalMaxPages = 50
	}

	if c.Scheduler.IncrementalCron == "" {
		c.Scheduler.IncrementalCron = "0 * * * *"
	}
	if c.Scheduler.FullCron == "" {
		c.Scheduler.FullCron = "0 3 * * *"
	}
	if c.Scheduler.BackupCron == "" {
		c.Scheduler.BackupCron = "30 4 * * *"
	}
	if c.Scheduler.HealthCron == "" {
		c.Scheduler.HealthCron = "*/10 * * * *"
	}

	if c.Backup.Dir == "" {
		c.Backup.Dir = "./backups"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.Backup.MysqldumpPath == "" {
		c.Backup.MysqldumpPath = "mysqldump"
	}

	if c.API.Port == 0 {
		c.API.Port = 5000
	}
	if len(c.API.AllowOrigins) == 0 {
		c.API.AllowOrigins = []string{"*"}
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Database.Name == "" {
		return fmt.Errorf("database.name 不能为空")
	}
	if c.KKPhim.PageSize < 1 || c.KKPhim.PageSize > 24 {
		return fmt.Errorf("kkphim.page_size 必须在 1-24 之间，当前为 %d", c.KKPhim.PageSize)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size 必须大于 0")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts 必须大于 0")
	}
	if c.Sync.IncrementalEmptyPages < 1 {
		return fmt.Errorf("sync.incremental_empty_pages 必须大于 0")
	}
	return nil
}

// Location 配置的时区
func (c *Config) Location() *time.Location {
	return utils.LoadLocation(c.Timezone)
}

// Timeout 上游请求超时
func (k KKPhimConfig) Timeout() time.Duration {
	return time.Duration(k.TimeoutSeconds) * time.Second
}

// CacheTTL 上游响应缓存时长
func (k KKPhimConfig) CacheTTL() time.Duration {
	return time.Duration(k.CacheMinutes) * time.Minute
}

// BatchDelay 批次间隔
func (s SyncConfig) BatchDelay() time.Duration {
	return time.Duration(s.BatchDelayMS) * time.Millisecond
}

// RetryBase 重试基础间隔
func (s SyncConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseMS) * time.Millisecond
}

// ConnMaxLifetime 连接最大存活时间
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeMinutes) * time.Minute
}
