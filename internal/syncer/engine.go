package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/database/repository"
	"github.com/smysle/kkphim-sync-go/internal/kkphim"
	"github.com/smysle/kkphim-sync-go/internal/metrics"
	"github.com/smysle/kkphim-sync-go/pkg/logger"
)

// ErrSyncInProgress 已有同步在运行
var ErrSyncInProgress = errors.New("another sync run is in progress")

// PageFetcher 上游分页数据源，每次调用都须请求上游而不是读取缓存
type PageFetcher interface {
	RefreshPage(ctx context.Context, page, limit int) (*kkphim.ListResponse, error)
}

// MovieSink 影片写入目标
type MovieSink interface {
	UpsertBySlug(ctx context.Context, movie *models.Movie) (repository.UpsertOutcome, error)
}

// StateStore 同步状态存储
type StateStore interface {
	Get(ctx context.Context, scope string) (*models.SyncState, error)
	Save(ctx context.Context, state *models.SyncState) error
}

// Options 引擎参数
type Options struct {
	PageSize   int
	BatchSize  int
	BatchDelay time.Duration
	Retry      Retrier

	IncrementalEmptyPages int // 连续多少页没有新条目后停止
	IncrementalMaxPages   int
	FullMaxPages          int // 0 表示不限制

	AllowConcurrentRuns bool

	Now func() time.Time
}

func (o *Options) setDefaults() {
	o.PageSize = kkphim.ClampPageSize(o.PageSize)
	if o.BatchSize < 1 {
		o.BatchSize = 4
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 3
	}
	if o.IncrementalEmptyPages < 1 {
		o.IncrementalEmptyPages = 2
	}
	if o.IncrementalMaxPages < 1 {
		o.IncrementalMaxPages = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine 同步引擎
type Engine struct {
	fetcher PageFetcher
	sink    MovieSink
	state   StateStore
	opts    Options

	runMu sync.Mutex // 运行锁

	mu    sync.RWMutex
	stats Stats
}

// NewEngine 创建同步引擎
func NewEngine(fetcher PageFetcher, sink MovieSink, state StateStore, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		fetcher: fetcher,
		sink:    sink,
		state:   state,
		opts:    opts,
	}
}

// Run 按类型执行同步
func (e *Engine) Run(ctx context.Context, t SyncType) (*SyncRun, error) {
	switch t {
	case SyncTypeFull:
		return e.FullSync(ctx)
	case SyncTypeIncremental:
		return e.IncrementalSync(ctx)
	default:
		return nil, fmt.Errorf("未知的同步类型: %q", t)
	}
}

// Stats 返回累计统计快照
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// FullSync 全量同步：先取第 1 页得到总页数，其余页分批并发抓取
func (e *Engine) FullSync(ctx context.Context) (*SyncRun, error) {
	release, err := e.acquire(SyncTypeFull)
	if err != nil {
		return nil, err
	}
	defer release()

	run := newRun(SyncTypeFull, e.opts.Now())
	state, err := e.state.Get(ctx, models.SyncScopeCatalog)
	if err != nil {
		return nil, fmt.Errorf("读取同步状态失败: %w", err)
	}

	logger.Info().Int("batch_size", e.opts.BatchSize).Msg("开始全量同步")

	first := e.fetch(ctx, 1)
	if !first.Success {
		e.failPage(run, 1, first)
		return e.finish(ctx, run, state)
	}
	run.pageSucceeded()
	totalPages := e.grow(run, 0, first.Value)
	e.apply(ctx, run, first.Value.Items, nil)

	next := 2
	for next <= e.fullBound(totalPages) {
		if ctx.Err() != nil {
			run.StoppedReason = StopContextCancelled
			break
		}

		end := next + e.opts.BatchSize - 1
		if bound := e.fullBound(totalPages); end > bound {
			end = bound
		}

		// 批内并发抓取，整批完成后按页码顺序写入
		results := make([]Result[*kkphim.ListResponse], end-next+1)
		var g errgroup.Group
		for i := range results {
			i, page := i, next+i
			g.Go(func() error {
				results[i] = e.fetch(ctx, page)
				return nil
			})
		}
		_ = g.Wait()

		for i, res := range results {
			page := next + i
			if !res.Success {
				e.failPage(run, page, res)
				continue
			}
			run.pageSucceeded()
			totalPages = e.grow(run, totalPages, res.Value)
			e.apply(ctx, run, res.Value.Items, nil)
		}

		logger.Debug().
			Int("from", next).
			Int("to", end).
			Int("total_pages", totalPages).
			Msg("全量同步批次完成")

		next = end + 1
		if next <= e.fullBound(totalPages) && e.opts.BatchDelay > 0 {
			if err := sleepContext(ctx, e.opts.BatchDelay); err != nil {
				run.StoppedReason = StopContextCancelled
				break
			}
		}
	}

	if e.opts.FullMaxPages > 0 && totalPages > e.opts.FullMaxPages && run.StoppedReason == "" {
		run.StoppedReason = StopMaxPages
	}

	return e.finish(ctx, run, state)
}

// IncrementalSync 增量同步：从第 1 页顺序扫描，连续若干页没有晚于截止时间的条目后停止
func (e *Engine) IncrementalSync(ctx context.Context) (*SyncRun, error) {
	release, err := e.acquire(SyncTypeIncremental)
	if err != nil {
		return nil, err
	}
	defer release()

	run := newRun(SyncTypeIncremental, e.opts.Now())
	state, err := e.state.Get(ctx, models.SyncScopeCatalog)
	if err != nil {
		return nil, fmt.Errorf("读取同步状态失败: %w", err)
	}
	cutoff := state.LastSuccessAt

	event := logger.Info().Int("empty_pages", e.opts.IncrementalEmptyPages)
	if cutoff != nil {
		event = event.Time("cutoff", *cutoff)
	}
	event.Msg("开始增量同步")

	totalPages := 0
	emptyPages := 0
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			run.StoppedReason = StopContextCancelled
			break
		}
		if page > e.opts.IncrementalMaxPages {
			run.StoppedReason = StopMaxPages
			break
		}
		if totalPages > 0 && page > totalPages {
			run.StoppedReason = StopEndOfCatalog
			break
		}

		res := e.fetch(ctx, page)
		if !res.Success {
			e.failPage(run, page, res)
			if totalPages == 0 {
				run.StoppedReason = StopFirstPageFailed
				break
			}
			// 失败页不影响连续空页计数
			continue
		}
		run.pageSucceeded()
		totalPages = e.grow(run, totalPages, res.Value)

		fresh := e.apply(ctx, run, res.Value.Items, cutoff)
		if fresh > 0 {
			emptyPages = 0
			continue
		}

		emptyPages++
		if emptyPages >= e.opts.IncrementalEmptyPages {
			run.StoppedReason = StopCaughtUp
			break
		}
	}

	return e.finish(ctx, run, state)
}

// acquire 获取运行锁并登记运行状态
func (e *Engine) acquire(t SyncType) (func(), error) {
	if !e.opts.AllowConcurrentRuns && !e.runMu.TryLock() {
		return nil, ErrSyncInProgress
	}

	now := e.opts.Now()
	e.mu.Lock()
	e.stats.Running = true
	e.stats.RunningType = t
	e.stats.RunningSince = &now
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		e.stats.Running = false
		e.stats.RunningType = ""
		e.stats.RunningSince = nil
		e.mu.Unlock()

		if !e.opts.AllowConcurrentRuns {
			e.runMu.Unlock()
		}
	}, nil
}

func (e *Engine) fetch(ctx context.Context, page int) Result[*kkphim.ListResponse] {
	return WithRetry(ctx, e.opts.Retry, func(ctx context.Context) (*kkphim.ListResponse, error) {
		return e.fetcher.RefreshPage(ctx, page, e.opts.PageSize)
	})
}

func (e *Engine) failPage(run *SyncRun, page int, res Result[*kkphim.ListResponse]) {
	run.pageFailed(page)
	metrics.SyncPages.WithLabelValues(string(run.Type), "failed").Inc()
	logger.Warn().
		Err(res.Err).
		Str("type", string(run.Type)).
		Int("page", page).
		Int("attempts", res.Attempts).
		Msg("页面抓取失败，已跳过")
}

// grow 总页数只增不减
func (e *Engine) grow(run *SyncRun, totalPages int, resp *kkphim.ListResponse) int {
	metrics.SyncPages.WithLabelValues(string(run.Type), "succeeded").Inc()
	if resp.Pagination.TotalPages > totalPages {
		if totalPages > 0 {
			logger.Info().Int("from", totalPages).Int("to", resp.Pagination.TotalPages).Msg("上游总页数增加")
		}
		totalPages = resp.Pagination.TotalPages
	}
	if totalPages < 1 {
		totalPages = 1
	}
	if resp.Pagination.TotalItems > run.TotalItems {
		run.TotalItems = resp.Pagination.TotalItems
	}
	run.TotalPages = totalPages
	return totalPages
}

func (e *Engine) fullBound(totalPages int) int {
	if e.opts.FullMaxPages > 0 && totalPages > e.opts.FullMaxPages {
		return e.opts.FullMaxPages
	}
	return totalPages
}

// apply 逐条写入，cutoff 非 nil 时跳过不晚于截止时间的条目；返回晚于截止时间的条目数
func (e *Engine) apply(ctx context.Context, run *SyncRun, items []kkphim.Item, cutoff *time.Time) int {
	syncedAt := e.opts.Now()
	fresh := 0
	for i := range items {
		movie := items[i].ToModel(syncedAt)
		if cutoff != nil && !movie.ModifiedAfter(*cutoff) {
			run.MoviesSkipped++
			continue
		}
		fresh++

		outcome, err := e.sink.UpsertBySlug(ctx, movie)
		if err != nil {
			run.MoviesErrored++
			metrics.SyncMovies.WithLabelValues(string(run.Type), "errored").Inc()
			logger.Error().Err(err).Str("slug", movie.Slug).Msg("写入影片失败")
			continue
		}
		run.record(outcome)
		metrics.SyncMovies.WithLabelValues(string(run.Type), outcome.String()).Inc()
	}
	return fresh
}

// finish 汇总统计并持久化同步状态
func (e *Engine) finish(ctx context.Context, run *SyncRun, state *models.SyncState) (*SyncRun, error) {
	run.FinishedAt = e.opts.Now()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)

	e.mu.Lock()
	e.stats.add(run)
	e.mu.Unlock()

	status := "success"
	if !run.Clean() {
		status = "partial"
	}
	metrics.SyncRuns.WithLabelValues(string(run.Type), status).Inc()
	metrics.SyncDuration.WithLabelValues(string(run.Type)).Observe(run.Duration.Seconds())

	started := run.StartedAt
	finished := run.FinishedAt
	state.Scope = models.SyncScopeCatalog
	state.LastAttemptAt = &started
	if run.PagesSucceeded > 0 {
		if run.Type == SyncTypeFull {
			state.LastFullSyncAt = &finished
		} else {
			state.LastIncrementalSyncAt = &finished
		}
	}
	switch {
	case run.AdvancesCutoff():
		// 截止时间取本次开始时间
		state.LastSuccessAt = &started
		state.LastError = ""
		metrics.SyncLastSuccess.WithLabelValues(string(run.Type)).Set(float64(finished.Unix()))
	case run.PagesFailed > 0:
		state.LastError = fmt.Sprintf("%d 页失败: %s", run.PagesFailed, joinInts(run.FailedPages, 20))
	case run.StoppedReason == StopMaxPages:
		// 上限之后的页可能还有晚于截止时间的条目
		state.LastError = fmt.Sprintf("达到页数上限 (%d 页)，截止时间未推进", run.PagesAttempted)
		logger.Warn().Str("type", string(run.Type)).Int("pages", run.PagesAttempted).Msg("同步达到页数上限，截止时间保持不变")
	default:
		state.LastError = "同步被取消"
	}
	if data, err := json.Marshal(run); err == nil {
		state.StatsJSON = data
	}

	logger.Info().
		Str("type", string(run.Type)).
		Int("pages_succeeded", run.PagesSucceeded).
		Int("pages_failed", run.PagesFailed).
		Int("inserted", run.MoviesInserted).
		Int("updated", run.MoviesUpdated).
		Int("unchanged", run.MoviesUnchanged).
		Int("errored", run.MoviesErrored).
		Str("stopped", run.StoppedReason).
		Dur("elapsed", run.Duration).
		Msg("同步完成")

	if err := e.state.Save(context.WithoutCancel(ctx), state); err != nil {
		return run, fmt.Errorf("保存同步状态失败: %w", err)
	}
	return run, nil
}
