package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/smysle/kkphim-sync-go/internal/scheduler"
	"github.com/smysle/kkphim-sync-go/internal/service"
	"github.com/smysle/kkphim-sync-go/internal/syncer"
	pkglogger "github.com/smysle/kkphim-sync-go/pkg/logger"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// syncStatus GET /api/sync/status
func (s *Server) syncStatus(c *fiber.Ctx) error {
	report, err := s.deps.Status.Status(c.UserContext())
	if err != nil {
		pkglogger.Error().Err(err).Msg("获取同步状态失败")
		return errorJSON(c, fiber.StatusInternalServerError, "获取同步状态失败")
	}
	return c.JSON(report)
}

// syncStats GET /api/sync/stats
func (s *Server) syncStats(c *fiber.Ctx) error {
	report, err := s.deps.Status.Stats(c.UserContext())
	if err != nil {
		pkglogger.Error().Err(err).Msg("获取同步统计失败")
		return errorJSON(c, fiber.StatusInternalServerError, "获取同步统计失败")
	}
	return c.JSON(report)
}

// submitSync POST /api/sync/full 与 /api/sync/incremental，提交后立即返回
func (s *Server) submitSync(t syncer.SyncType) fiber.Handler {
	return func(c *fiber.Ctx) error {
		task, err := s.deps.Sync.SubmitSync(t)
		if err != nil {
			return submitError(c, err)
		}

		msg := "增量同步已提交"
		if t == syncer.SyncTypeFull {
			msg = "全量同步已提交"
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"message": msg,
			"task":    task,
		})
	}
}

// submitBackup POST /api/sync/backup
func (s *Server) submitBackup(c *fiber.Ctx) error {
	task, err := s.deps.Sync.SubmitBackup()
	if err != nil {
		return submitError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "备份已提交",
		"task":    task,
	})
}

func submitError(c *fiber.Ctx, err error) error {
	if errors.Is(err, scheduler.ErrQueueFull) || errors.Is(err, scheduler.ErrQueueClosed) {
		return errorJSON(c, fiber.StatusServiceUnavailable, err.Error())
	}
	pkglogger.Error().Err(err).Msg("提交后台任务失败")
	return errorJSON(c, fiber.StatusInternalServerError, err.Error())
}

// startScheduler POST /api/sync/start-scheduler
func (s *Server) startScheduler(c *fiber.Ctx) error {
	if err := s.deps.Sync.Start(); err != nil {
		pkglogger.Error().Err(err).Msg("启动调度器失败")
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"message": "调度器已启动",
		"running": s.deps.Sync.IsRunning(),
	})
}

// stopScheduler POST /api/sync/stop-scheduler
func (s *Server) stopScheduler(c *fiber.Ctx) error {
	s.deps.Sync.Stop()
	return c.JSON(fiber.Map{
		"message": "调度器已停止",
		"running": s.deps.Sync.IsRunning(),
	})
}

// forceHourly POST /api/sync/force-hourly，同步执行一次增量同步
func (s *Server) forceHourly(c *fiber.Ctx) error {
	run, err := s.deps.Sync.RunManualSync(c.UserContext(), syncer.SyncTypeIncremental)
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		return errorJSON(c, fiber.StatusConflict, "已有同步正在进行")
	case err != nil && run == nil:
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	case err != nil:
		// 同步完成但状态保存失败
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
			"run":   run,
		})
	}

	return c.JSON(fiber.Map{
		"message": run.Summary(),
		"run":     run,
	})
}

// listTasks GET /api/sync/tasks
func (s *Server) listTasks(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"tasks": s.deps.Tasks.Tasks(),
	})
}

// getTask GET /api/sync/tasks/:id
func (s *Server) getTask(c *fiber.Ctx) error {
	task, err := s.deps.Tasks.Get(c.Params("id"))
	if errors.Is(err, scheduler.ErrUnknownTask) {
		return errorJSON(c, fiber.StatusNotFound, "任务不存在")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(task)
}

// listBackups GET /api/sync/backups
func (s *Server) listBackups(c *fiber.Ctx) error {
	backups, err := s.deps.Backups.ListBackups()
	if err != nil {
		pkglogger.Error().Err(err).Msg("列出备份失败")
		return errorJSON(c, fiber.StatusInternalServerError, "列出备份失败")
	}
	return c.JSON(fiber.Map{
		"backups": backups,
	})
}

// restoreBackup POST /api/sync/backups/:filename/restore，覆盖当前数据
func (s *Server) restoreBackup(c *fiber.Ctx) error {
	filename := c.Params("filename")
	result, err := s.deps.Backups.RestoreFromBackup(c.UserContext(), filename)
	if err != nil {
		pkglogger.Error().Err(err).Str("file", filename).Msg("恢复备份失败")
		switch {
		case errors.Is(err, service.ErrInvalidBackup):
			return errorJSON(c, fiber.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrBackupIO):
			return errorJSON(c, fiber.StatusNotFound, err.Error())
		}
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(result)
}

// searchMovies GET /api/movies/search?keyword=&limit=
func (s *Server) searchMovies(c *fiber.Ctx) error {
	keyword := strings.TrimSpace(c.Query("keyword"))
	if keyword == "" {
		return errorJSON(c, fiber.StatusBadRequest, "keyword 不能为空")
	}

	limit := c.QueryInt("limit", defaultSearchLimit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	movies, err := s.deps.Catalog.Search(c.UserContext(), keyword, limit)
	if err != nil {
		pkglogger.Error().Err(err).Str("keyword", keyword).Msg("搜索影片失败")
		return errorJSON(c, fiber.StatusInternalServerError, "搜索失败")
	}
	return c.JSON(fiber.Map{
		"keyword": keyword,
		"total":   len(movies),
		"items":   movies,
	})
}

// getMovie GET /api/movies/:slug
func (s *Server) getMovie(c *fiber.Ctx) error {
	entry, err := s.deps.Catalog.GetBySlug(c.UserContext(), c.Params("slug"))
	if errors.Is(err, service.ErrMovieNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "影片不存在")
	}
	if err != nil {
		pkglogger.Error().Err(err).Str("slug", c.Params("slug")).Msg("获取影片失败")
		return errorJSON(c, fiber.StatusBadGateway, "获取影片失败")
	}
	return c.JSON(entry)
}
