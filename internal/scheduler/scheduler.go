// Package scheduler 定时同步调度与后台任务队列
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/smysle/kkphim-sync-go/internal/config"
	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/metrics"
	"github.com/smysle/kkphim-sync-go/internal/notify"
	"github.com/smysle/kkphim-sync-go/internal/service"
	"github.com/smysle/kkphim-sync-go/internal/syncer"
	"github.com/smysle/kkphim-sync-go/pkg/logger"
	"github.com/smysle/kkphim-sync-go/pkg/utils"
)

// 定时任务名称
const (
	JobIncrementalSync = "incremental_sync"
	JobFullSync        = "full_sync"
	JobBackup          = "backup"
	JobHealthCheck     = "health_check"
)

// SyncRunner 同步引擎
type SyncRunner interface {
	Run(ctx context.Context, t syncer.SyncType) (*syncer.SyncRun, error)
}

// BackupRunner 备份服务
type BackupRunner interface {
	CreateBackup(ctx context.Context, format service.BackupFormat) (*service.BackupReport, error)
	CleanOldBackups(keepDays int) (int, error)
}

// MovieCounter 影片计数
type MovieCounter interface {
	Count(ctx context.Context) (int64, error)
}

// StateReader 同步状态读取
type StateReader interface {
	Get(ctx context.Context, scope string) (*models.SyncState, error)
}

// Deps 调度器依赖
type Deps struct {
	Engine   SyncRunner
	Backup   BackupRunner
	Movies   MovieCounter
	State    StateReader
	Notifier notify.Notifier

	BackupFormat  service.BackupFormat
	RetentionDays int
	// AfterSync 每次同步结束后调用（如清除目录缓存）
	AfterSync func(run *syncer.SyncRun)
}

// JobState 定时任务状态
type JobState struct {
	Name           string     `json:"name"`
	Enabled        bool       `json:"enabled"`
	IsScheduled    bool       `json:"is_scheduled"`
	IsRunning      bool       `json:"is_running"`
	CronExpression string     `json:"cron_expression"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

type jobEntry struct {
	name    string
	expr    string
	enabled bool
	fire    func()

	job     *gocron.Job
	running bool
	lastRun *time.Time
	lastErr string
}

// Scheduler 定时任务调度器，只有 Stopped / Running 两种状态
type Scheduler struct {
	mu    sync.Mutex
	cron  *gocron.Scheduler
	loc   *time.Location
	deps  Deps
	queue *TaskQueue
	jobs  []*jobEntry
	now   func() time.Time
}

// New 创建调度器并把同步 / 备份任务注册到队列
func New(cfg config.SchedulerConfig, loc *time.Location, queue *TaskQueue, deps Deps) *Scheduler {
	if loc == nil {
		loc = utils.LoadLocation("")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.BackupFormat == "" {
		deps.BackupFormat = service.FormatAll
	}

	s := &Scheduler{
		loc:   loc,
		deps:  deps,
		queue: queue,
		now:   time.Now,
	}

	s.jobs = []*jobEntry{
		{name: JobIncrementalSync, expr: cfg.IncrementalCron, enabled: cfg.IncrementalSync,
			fire: func() { s.submit(TaskIncrementalSync) }},
		{name: JobFullSync, expr: cfg.FullCron, enabled: cfg.FullSync,
			fire: func() { s.submit(TaskFullSync) }},
		{name: JobBackup, expr: cfg.BackupCron, enabled: cfg.Backup,
			fire: func() { s.submit(TaskBackup) }},
		{name: JobHealthCheck, expr: cfg.HealthCron, enabled: cfg.HealthCheck,
			fire: s.healthCheck},
	}

	queue.Register(TaskIncrementalSync, s.syncTask(syncer.SyncTypeIncremental, JobIncrementalSync))
	queue.Register(TaskFullSync, s.syncTask(syncer.SyncTypeFull, JobFullSync))
	queue.Register(TaskBackup, s.backupTask)

	return s
}

// Start 启动调度器；已在运行时不做任何事
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		logger.Debug().Msg("定时任务调度器已在运行")
		return nil
	}

	cron := gocron.NewScheduler(s.loc)
	cron.SingletonModeAll()

	for _, e := range s.jobs {
		if !e.enabled {
			continue
		}
		job, err := cron.Cron(e.expr).Tag(e.name).Do(e.fire)
		if err != nil {
			cron.Clear()
			for _, e := range s.jobs {
				e.job = nil
			}
			return fmt.Errorf("注册定时任务 %s 失败: %w", e.name, err)
		}
		e.job = job
		logger.Info().Str("job", e.name).Str("cron", e.expr).Msg("已注册定时任务")
	}

	cron.StartAsync()
	s.cron = cron

	logger.Info().Int("jobs", len(cron.Jobs())).Msg("启动定时任务调度器")
	return nil
}

// Stop 停止调度器；已开始的同步会继续执行完
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cron := s.cron
	s.cron = nil
	for _, e := range s.jobs {
		e.job = nil
	}
	s.mu.Unlock()

	if cron == nil {
		return
	}

	cron.Clear()
	cron.Stop()
	logger.Info().Msg("停止定时任务调度器")
}

// IsRunning 调度器是否在运行
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// RegisteredJobs 当前注册的定时器数量
func (s *Scheduler) RegisteredJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Jobs())
}

// JobStates 所有定时任务状态
func (s *Scheduler) JobStates() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := JobState{
			Name:           e.name,
			Enabled:        e.enabled,
			IsScheduled:    e.job != nil,
			IsRunning:      e.running,
			CronExpression: e.expr,
			LastRun:        e.lastRun,
			LastError:      e.lastErr,
		}
		if e.job != nil {
			if next := e.job.NextRun(); !next.IsZero() {
				st.NextRun = &next
			}
		}
		states = append(states, st)
	}
	return states
}

// NextSchedules 已调度任务的下次执行时间
func (s *Scheduler) NextSchedules() map[string]*time.Time {
	out := make(map[string]*time.Time)
	for _, st := range s.JobStates() {
		if st.IsScheduled {
			out[st.Name] = st.NextRun
		}
	}
	return out
}

// RunManualSync 同步执行一次同步，不受调度器状态影响
func (s *Scheduler) RunManualSync(ctx context.Context, t syncer.SyncType) (*syncer.SyncRun, error) {
	logger.Info().Str("type", string(t)).Msg("手动触发同步")
	return s.runSync(ctx, t, jobName(t))
}

// SubmitSync 提交后台同步任务，立即返回
func (s *Scheduler) SubmitSync(t syncer.SyncType) (Task, error) {
	kind := TaskIncrementalSync
	if t == syncer.SyncTypeFull {
		kind = TaskFullSync
	}
	return s.queue.Submit(kind, SourceAPI)
}

// SubmitBackup 提交后台备份任务
func (s *Scheduler) SubmitBackup() (Task, error) {
	return s.queue.Submit(TaskBackup, SourceAPI)
}

// Queue 任务队列
func (s *Scheduler) Queue() *TaskQueue {
	return s.queue
}

func jobName(t syncer.SyncType) string {
	if t == syncer.SyncTypeFull {
		return JobFullSync
	}
	return JobIncrementalSync
}

func (s *Scheduler) submit(kind TaskKind) {
	task, err := s.queue.Submit(kind, SourceScheduler)
	if err != nil {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("提交定时任务失败")
		return
	}
	logger.Info().Str("task", task.ID).Str("kind", string(kind)).Msg("执行定时任务")
}

func (s *Scheduler) entry(name string) *jobEntry {
	for _, e := range s.jobs {
		if e.name == name {
			return e
		}
	}
	return nil
}

// begin / end 记录任务运行状态
func (s *Scheduler) begin(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entry(name); e != nil {
		now := s.now()
		e.running = true
		e.lastRun = &now
	}
}

func (s *Scheduler) end(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entry(name); e != nil {
		e.running = false
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context, t syncer.SyncType, name string) (*syncer.SyncRun, error) {
	s.begin(name)
	run, err := s.deps.Engine.Run(ctx, t)
	s.end(name, err)

	if run != nil && s.deps.AfterSync != nil {
		s.deps.AfterSync(run)
	}
	return run, err
}

func (s *Scheduler) syncTask(t syncer.SyncType, name string) TaskHandler {
	return func(ctx context.Context, task Task) (interface{}, error) {
		run, err := s.runSync(ctx, t, name)
		if run == nil {
			return nil, err
		}

		// 全量同步总是推送，增量同步只在截止时间未推进时推送
		if t == syncer.SyncTypeFull || !run.AdvancesCutoff() {
			notify.Send(ctx, s.deps.Notifier, run.Summary())
		}
		return run, err
	}
}

func (s *Scheduler) backupTask(ctx context.Context, task Task) (interface{}, error) {
	if s.deps.Backup == nil {
		return nil, fmt.Errorf("备份服务未配置")
	}

	s.begin(JobBackup)
	report, err := s.deps.Backup.CreateBackup(ctx, s.deps.BackupFormat)
	if report != nil {
		deleted, cerr := s.deps.Backup.CleanOldBackups(s.deps.RetentionDays)
		if cerr != nil {
			logger.Warn().Err(cerr).Msg("清理旧备份失败")
		}
		report.Deleted = deleted
		notify.Send(ctx, s.deps.Notifier, report.Summary())
	}
	s.end(JobBackup, err)

	if report == nil {
		return nil, err
	}
	return report, err
}

// healthCheck 记录影片总数与最近同步时间，只写日志
func (s *Scheduler) healthCheck() {
	s.begin(JobHealthCheck)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	defer func() { s.end(JobHealthCheck, err) }()

	if s.deps.Movies == nil || s.deps.State == nil {
		return
	}

	count, err := s.deps.Movies.Count(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("健康检查: 统计影片失败")
		return
	}
	metrics.CatalogMovies.Set(float64(count))

	state, err := s.deps.State.Get(ctx, models.SyncScopeCatalog)
	if err != nil {
		logger.Error().Err(err).Msg("健康检查: 读取同步状态失败")
		return
	}

	event := logger.Info().Int64("movies", count)
	if last := state.LatestSyncAt(); last != nil {
		event = event.Time("last_sync", *last).Str("since", utils.FormatDuration(s.now().Sub(*last)))
	} else {
		event = event.Str("last_sync", "never")
	}
	if state.LastError != "" {
		event = event.Str("last_error", state.LastError)
	}
	event.Msg("健康检查")
}
