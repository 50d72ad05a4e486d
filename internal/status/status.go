// Package status 同步状态与统计汇总（只读）
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/metrics"
	"github.com/smysle/kkphim-sync-go/internal/scheduler"
	"github.com/smysle/kkphim-sync-go/internal/syncer"
)

// Counter 记录计数
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// WriteClock 最近一次写入影片的时间，影片仓库可选实现
type WriteClock interface {
	LatestSyncedAt(ctx context.Context) (*time.Time, error)
}

// StateReader 同步状态读取
type StateReader interface {
	Get(ctx context.Context, scope string) (*models.SyncState, error)
}

// EngineStats 同步引擎累计统计
type EngineStats interface {
	Stats() syncer.Stats
}

// SchedulerView 调度器状态
type SchedulerView interface {
	IsRunning() bool
	JobStates() []scheduler.JobState
	NextSchedules() map[string]*time.Time
}

// SyncStatus 同步状态
type SyncStatus struct {
	Running               bool            `json:"running"`
	RunningType           syncer.SyncType `json:"running_type,omitempty"`
	RunningSince          *time.Time      `json:"running_since,omitempty"`
	TotalMovies           int64           `json:"total_movies"`
	LastSyncAt            *time.Time      `json:"last_sync_at,omitempty"`
	LastSuccessAt         *time.Time      `json:"last_success_at,omitempty"`
	LastFullSyncAt        *time.Time      `json:"last_full_sync_at,omitempty"`
	LastIncrementalSyncAt *time.Time      `json:"last_incremental_sync_at,omitempty"`
	LastMovieSyncedAt     *time.Time      `json:"last_movie_synced_at,omitempty"`
	LastError             string          `json:"last_error,omitempty"`
	LastRun               *syncer.SyncRun `json:"last_run,omitempty"`
}

// SchedulerStatus 调度器状态
type SchedulerStatus struct {
	Running bool                 `json:"running"`
	Jobs    []scheduler.JobState `json:"jobs"`
}

// Report GET /api/sync/status 的响应
type Report struct {
	Sync          SyncStatus            `json:"sync"`
	Scheduler     SchedulerStatus       `json:"scheduler"`
	NextSchedules map[string]*time.Time `json:"nextSchedules"`
}

// StatsReport GET /api/sync/stats 的响应
type StatsReport struct {
	TotalMovies     int64           `json:"total_movies"`
	TotalUsers      int64           `json:"total_users"`
	LastSyncAt      *time.Time      `json:"last_sync_at,omitempty"`
	LastSuccessAt   *time.Time      `json:"last_success_at,omitempty"`
	Cumulative      syncer.Stats    `json:"cumulative"`
	LastFull        *syncer.SyncRun `json:"last_full,omitempty"`
	LastIncremental *syncer.SyncRun `json:"last_incremental,omitempty"`
}

// Service 状态汇总服务
type Service struct {
	movies    Counter
	users     Counter
	state     StateReader
	engine    EngineStats
	scheduler SchedulerView
}

// NewService 创建状态服务
func NewService(movies, users Counter, state StateReader, engine EngineStats, sched SchedulerView) *Service {
	return &Service{
		movies:    movies,
		users:     users,
		state:     state,
		engine:    engine,
		scheduler: sched,
	}
}

// Status 同步与调度器状态
func (s *Service) Status(ctx context.Context) (*Report, error) {
	count, state, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	stats := s.engine.Stats()

	report := &Report{
		Sync: SyncStatus{
			Running:               stats.Running,
			RunningType:           stats.RunningType,
			RunningSince:          stats.RunningSince,
			TotalMovies:           count,
			LastSyncAt:            state.LatestSyncAt(),
			LastSuccessAt:         state.LastSuccessAt,
			LastFullSyncAt:        state.LastFullSyncAt,
			LastIncrementalSyncAt: state.LastIncrementalSyncAt,
			LastError:             state.LastError,
			LastRun:               lastRun(state),
		},
		Scheduler: SchedulerStatus{
			Running: s.scheduler.IsRunning(),
			Jobs:    s.scheduler.JobStates(),
		},
		NextSchedules: s.scheduler.NextSchedules(),
	}

	if clock, ok := s.movies.(WriteClock); ok {
		at, err := clock.LatestSyncedAt(ctx)
		if err != nil {
			return nil, fmt.Errorf("读取最近写入时间失败: %w", err)
		}
		report.Sync.LastMovieSyncedAt = at
	}
	return report, nil
}

// Stats 总数、最近同步时间与累计计数
func (s *Service) Stats(ctx context.Context) (*StatsReport, error) {
	count, state, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	var users int64
	if s.users != nil {
		if users, err = s.users.Count(ctx); err != nil {
			return nil, fmt.Errorf("统计用户失败: %w", err)
		}
	}

	stats := s.engine.Stats()
	report := &StatsReport{
		TotalMovies:     count,
		TotalUsers:      users,
		LastSyncAt:      state.LatestSyncAt(),
		LastSuccessAt:   state.LastSuccessAt,
		Cumulative:      stats,
		LastFull:        stats.LastFull,
		LastIncremental: stats.LastIncremental,
	}

	// 进程重启后内存统计为空，用持久化的最近一次运行补齐
	if run := lastRun(state); run != nil {
		switch {
		case run.Type == syncer.SyncTypeFull && report.LastFull == nil:
			report.LastFull = run
		case run.Type == syncer.SyncTypeIncremental && report.LastIncremental == nil:
			report.LastIncremental = run
		}
	}

	return report, nil
}

func (s *Service) load(ctx context.Context) (int64, *models.SyncState, error) {
	count, err := s.movies.Count(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("统计影片失败: %w", err)
	}
	metrics.CatalogMovies.Set(float64(count))

	state, err := s.state.Get(ctx, models.SyncScopeCatalog)
	if err != nil {
		return 0, nil, fmt.Errorf("读取同步状态失败: %w", err)
	}
	return count, state, nil
}

func lastRun(state *models.SyncState) *syncer.SyncRun {
	if len(state.StatsJSON) == 0 {
		return nil
	}
	var run syncer.SyncRun
	if err := json.Unmarshal(state.StatsJSON, &run); err != nil || run.Type == "" {
		return nil
	}
	return &run
}
