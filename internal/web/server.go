// Package web Web API 服务
package web

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smysle/kkphim-sync-go/internal/config"
	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/scheduler"
	"github.com/smysle/kkphim-sync-go/internal/service"
	"github.com/smysle/kkphim-sync-go/internal/status"
	"github.com/smysle/kkphim-sync-go/internal/syncer"
	pkglogger "github.com/smysle/kkphim-sync-go/pkg/logger"
)

// SyncController 同步调度控制
type SyncController interface {
	Start() error
	Stop()
	IsRunning() bool
	RunManualSync(ctx context.Context, t syncer.SyncType) (*syncer.SyncRun, error)
	SubmitSync(t syncer.SyncType) (scheduler.Task, error)
	SubmitBackup() (scheduler.Task, error)
}

// TaskReader 后台任务查询
type TaskReader interface {
	Get(id string) (scheduler.Task, error)
	Tasks() []scheduler.Task
}

// StatusReporter 状态汇总
type StatusReporter interface {
	Status(ctx context.Context) (*status.Report, error)
	Stats(ctx context.Context) (*status.StatsReport, error)
}

// BackupManager 备份文件管理
type BackupManager interface {
	ListBackups() ([]service.BackupArtifact, error)
	RestoreFromBackup(ctx context.Context, filename string) (*service.RestoreResult, error)
}

// Catalog 片库查询
type Catalog interface {
	Search(ctx context.Context, keyword string, limit int) ([]models.Movie, error)
	GetBySlug(ctx context.Context, slug string) (*service.CatalogEntry, error)
}

// Deps Web 服务依赖
type Deps struct {
	Sync    SyncController
	Tasks   TaskReader
	Status  StatusReporter
	Backups BackupManager
	Catalog Catalog
	Ping    func(ctx context.Context) error // 数据库连通性检查，可为 nil
}

// Server Web 服务器
type Server struct {
	app       *fiber.App
	cfg       *config.APIConfig
	deps      Deps
	startTime time.Time
}

// New 创建 Web 服务器
func New(cfg *config.APIConfig, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	origins := "*"
	if len(cfg.AllowOrigins) > 0 {
		origins = strings.Join(cfg.AllowOrigins, ",")
	}

	// 中间件
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	server := &Server{
		app:       app,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	// 注册路由
	server.registerRoutes()

	return server
}

// registerRoutes 注册路由
func (s *Server) registerRoutes() {
	// 健康检查
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/", s.healthCheck)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.app.Group("/api")

	// 同步控制
	sync := api.Group("/sync")
	sync.Get("/status", s.syncStatus)
	sync.Get("/stats", s.syncStats)
	sync.Post("/full", s.submitSync(syncer.SyncTypeFull))
	sync.Post("/incremental", s.submitSync(syncer.SyncTypeIncremental))
	sync.Post("/start-scheduler", s.startScheduler)
	sync.Post("/stop-scheduler", s.stopScheduler)
	sync.Post("/force-hourly", s.forceHourly)
	sync.Get("/tasks", s.listTasks)
	sync.Get("/tasks/:id", s.getTask)
	sync.Get("/backups", s.listBackups)
	sync.Post("/backup", s.submitBackup)
	sync.Post("/backups/:filename/restore", s.restoreBackup)

	// 片库查询
	movies := api.Group("/movies")
	movies.Get("/search", s.searchMovies)
	movies.Get("/:slug", s.getMovie)
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		pkglogger.Info().Msg("【API服务】未启用，跳过...")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	pkglogger.Info().Str("addr", addr).Msg("【API服务】启动中...")

	return s.app.Listen(addr)
}

// Stop 停止服务器，等待进行中的请求结束
func (s *Server) Stop(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.app.ShutdownWithContext(ctx)
}

const healthPingTimeout = 2 * time.Second

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status       string `json:"status"`
	Database     string `json:"database,omitempty"`
	Timestamp    string `json:"timestamp"`
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
}

// healthCheck 健康检查，数据库不可达时返回 503
func (s *Server) healthCheck(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:       "ok",
		Timestamp:    time.Now().Format(time.RFC3339),
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthPingTimeout)
		defer cancel()

		resp.Database = "ok"
		if err := s.deps.Ping(ctx); err != nil {
			pkglogger.Warn().Err(err).Msg("健康检查: 数据库不可达")
			resp.Status = "degraded"
			resp.Database = "unavailable"
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
	}

	return c.JSON(resp)
}

func errorJSON(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(fiber.Map{
		"error": msg,
	})
}
