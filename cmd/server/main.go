// KKPhim Sync - Go Version
// 片库同步与缓存服务
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smysle/kkphim-sync-go/internal/config"
	"github.com/smysle/kkphim-sync-go/internal/database"
	"github.com/smysle/kkphim-sync-go/internal/database/repository"
	"github.com/smysle/kkphim-sync-go/internal/kkphim"
	"github.com/smysle/kkphim-sync-go/internal/notify"
	"github.com/smysle/kkphim-sync-go/internal/scheduler"
	"github.com/smysle/kkphim-sync-go/internal/service"
	"github.com/smysle/kkphim-sync-go/internal/status"
	"github.com/smysle/kkphim-sync-go/internal/syncer"
	"github.com/smysle/kkphim-sync-go/internal/web"
	"github.com/smysle/kkphim-sync-go/pkg/logger"
	"github.com/smysle/kkphim-sync-go/pkg/utils"
)

const (
	taskQueueSize   = 16
	taskHistorySize = 50
	catalogCacheTTL = 5 * time.Minute
	shutdownTimeout = 30 * time.Second
)

var (
	configPath = flag.String("config", "config.json", "配置文件路径")
	debug      = flag.Bool("debug", false, "调试模式")
)

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init(*debug, utils.LoadLocation(""))
		logger.Fatal().Err(err).Msg("加载配置失败")
	}

	// 初始化日志
	logger.Init(*debug || cfg.Debug, cfg.Location())
	logger.Info().Msg("🎬 KKPhim Sync 启动中...")
	logger.Info().Msg("✅ 配置加载完成")

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化数据库失败")
	}
	logger.Info().Msg("✅ 数据库连接成功")

	movies := repository.NewMovieRepository(db)
	users := repository.NewUserRepository(db)
	states := repository.NewSyncStateRepository(db)
	restorer := repository.NewRestoreRepository(db)

	// 上游客户端与同步引擎
	client := kkphim.NewClient(kkphim.Options{
		BaseURL:          cfg.KKPhim.BaseURL,
		ListPath:         cfg.KKPhim.ListPath,
		DetailPath:       cfg.KKPhim.DetailPath,
		Timeout:          cfg.KKPhim.Timeout(),
		CacheTTL:         cfg.KKPhim.CacheTTL(),
		RateLimit:        cfg.KKPhim.RateLimit,
		RateBurst:        cfg.KKPhim.RateBurst,
		BreakerThreshold: cfg.KKPhim.BreakerThreshold,
	})

	engine := syncer.NewEngine(client, movies, states, syncer.Options{
		PageSize:   cfg.KKPhim.PageSize,
		BatchSize:  cfg.Sync.BatchSize,
		BatchDelay: cfg.Sync.BatchDelay(),
		Retry: syncer.Retrier{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BaseDelay:   cfg.Sync.RetryBase(),
			Retryable:   kkphim.IsRetryable,
		},
		IncrementalEmptyPages: cfg.Sync.IncrementalEmptyPages,
		IncrementalMaxPages:   cfg.Sync.IncrementalMaxPages,
		FullMaxPages:          cfg.Sync.FullMaxPages,
		AllowConcurrentRuns:   cfg.Sync.AllowConcurrentRuns,
	})

	// 备份与片库查询
	var dumper service.Dumper
	if cfg.Backup.NativeDump {
		dumper = service.NewMysqlDumper(cfg.Backup.MysqldumpPath, cfg.Database)
	}
	backup := service.NewBackupService(movies, users, restorer, dumper, service.BackupOptions{
		Dir:           cfg.Backup.Dir,
		Compress:      cfg.Backup.Compress,
		NativeDump:    cfg.Backup.NativeDump,
		RetentionDays: cfg.Backup.RetentionDays,
	})
	catalog := service.NewCatalogService(movies, client, catalogCacheTTL)

	notifier, err := notify.New(cfg.Telegram)
	if err != nil {
		logger.Warn().Err(err).Msg("Telegram 通知初始化失败，已禁用")
		notifier = notify.Nop{}
	}

	// 初始化任务队列与调度器
	queue := scheduler.NewTaskQueue(taskQueueSize, taskHistorySize)
	queue.Start()

	sched := scheduler.New(cfg.Scheduler, cfg.Location(), queue, scheduler.Deps{
		Engine:        engine,
		Backup:        backup,
		Movies:        movies,
		State:         states,
		Notifier:      notifier,
		RetentionDays: cfg.Backup.RetentionDays,
		AfterSync: func(run *syncer.SyncRun) {
			if run.MoviesInserted+run.MoviesUpdated > 0 {
				catalog.Invalidate()
			}
		},
	})
	if cfg.Scheduler.AutoStart {
		if err := sched.Start(); err != nil {
			logger.Fatal().Err(err).Msg("启动定时任务调度器失败")
		}
		logger.Info().Msg("✅ 定时任务调度器启动")
	}

	// 初始化 Web API 服务
	webServer := web.New(&cfg.API, web.Deps{
		Sync:    sched,
		Tasks:   queue,
		Status:  status.NewService(movies, users, states, engine, sched),
		Backups: backup,
		Catalog: catalog,
		Ping: func(ctx context.Context) error {
			return database.Ping(ctx, db)
		},
	})
	go func() {
		if err := webServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Web API 服务启动失败")
		}
	}()

	// 监听系统信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Msg("🚀 KKPhim Sync 启动成功!")
	logger.Info().Msg("按 Ctrl+C 停止...")

	// 等待退出信号
	<-quit

	logger.Info().Msg("正在关闭服务...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := webServer.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("关闭 Web API 服务失败")
	}
	sched.Stop()
	queue.Close()
	if err := database.Close(db); err != nil {
		logger.Warn().Err(err).Msg("关闭数据库失败")
	}
	logger.Info().Msg("👋 再见!")
}
