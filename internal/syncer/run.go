// Package syncer 片库全量 / 增量同步引擎
package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/smysle/kkphim-sync-go/internal/database/repository"
	"github.com/smysle/kkphim-sync-go/pkg/utils"
)

// SyncType 同步类型
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// ParseSyncType 解析同步类型
func ParseSyncType(s string) (SyncType, error) {
	switch SyncType(strings.ToLower(strings.TrimSpace(s))) {
	case SyncTypeFull:
		return SyncTypeFull, nil
	case SyncTypeIncremental:
		return SyncTypeIncremental, nil
	default:
		return "", fmt.Errorf("未知的同步类型: %q", s)
	}
}

// 增量同步停止原因
const (
	StopCaughtUp         = "caught_up"         // 连续空页达到阈值
	StopEndOfCatalog     = "end_of_catalog"    // 超过 totalPages
	StopMaxPages         = "max_pages"         // 达到页数上限
	StopFirstPageFailed  = "first_page_failed" // 第一页重试耗尽，无法得知总页数
	StopContextCancelled = "cancelled"
)

// SyncRun 单次同步的统计，仅在内存中存在
type SyncRun struct {
	Type       SyncType      `json:"type"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	TotalPages     int   `json:"total_pages"`
	TotalItems     int   `json:"total_items"`
	PagesAttempted int   `json:"pages_attempted"`
	PagesSucceeded int   `json:"pages_succeeded"`
	PagesFailed    int   `json:"pages_failed"`
	FailedPages    []int `json:"failed_pages,omitempty"`

	MoviesInserted  int `json:"movies_inserted"`
	MoviesUpdated   int `json:"movies_updated"`
	MoviesUnchanged int `json:"movies_unchanged"`
	MoviesSkipped   int `json:"movies_skipped"` // 增量同步中早于截止时间的条目
	MoviesErrored   int `json:"movies_errored"`

	StoppedReason string `json:"stopped_reason,omitempty"`
}

func newRun(t SyncType, now time.Time) *SyncRun {
	return &SyncRun{Type: t, StartedAt: now}
}

func (r *SyncRun) pageSucceeded() {
	r.PagesAttempted++
	r.PagesSucceeded++
}

func (r *SyncRun) pageFailed(page int) {
	r.PagesAttempted++
	r.PagesFailed++
	r.FailedPages = append(r.FailedPages, page)
}

func (r *SyncRun) record(outcome repository.UpsertOutcome) {
	switch outcome {
	case repository.OutcomeInserted:
		r.MoviesInserted++
	case repository.OutcomeUpdated:
		r.MoviesUpdated++
	default:
		r.MoviesUnchanged++
	}
}

// MoviesProcessed 写入过的影片数（含未变化）
func (r *SyncRun) MoviesProcessed() int {
	return r.MoviesInserted + r.MoviesUpdated + r.MoviesUnchanged
}

// Clean 没有失败页且未被中途取消
func (r *SyncRun) Clean() bool {
	return r.PagesFailed == 0 && r.StoppedReason != StopContextCancelled
}

// AdvancesCutoff 运行干净且没有因页数上限提前结束，才能推进增量截止时间
func (r *SyncRun) AdvancesCutoff() bool {
	return r.Clean() && r.StoppedReason != StopMaxPages
}

// Summary 格式化同步报告
func (r *SyncRun) Summary() string {
	title := "全量同步"
	if r.Type == SyncTypeIncremental {
		title = "增量同步"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📥 %s完成\n\n", title)
	fmt.Fprintf(&b, "页面: 成功 %d / 失败 %d (共 %d 页)\n", r.PagesSucceeded, r.PagesFailed, r.TotalPages)
	fmt.Fprintf(&b, "影片: 新增 %d / 更新 %d / 未变 %d / 错误 %d\n",
		r.MoviesInserted, r.MoviesUpdated, r.MoviesUnchanged, r.MoviesErrored)
	if r.MoviesSkipped > 0 {
		fmt.Fprintf(&b, "跳过旧条目: %d\n", r.MoviesSkipped)
	}
	if len(r.FailedPages) > 0 {
		fmt.Fprintf(&b, "失败页码: %s\n", joinInts(r.FailedPages, 20))
	}
	if r.StoppedReason != "" {
		fmt.Fprintf(&b, "停止原因: %s\n", r.StoppedReason)
	}
	fmt.Fprintf(&b, "耗时: %s", utils.FormatDuration(r.Duration))
	return b.String()
}

func joinInts(values []int, limit int) string {
	parts := make([]string, 0, len(values))
	for i, v := range values {
		if i == limit {
			parts = append(parts, fmt.Sprintf("... (+%d)", len(values)-limit))
			break
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, ", ")
}

// Stats 引擎启动以来的累计统计
type Stats struct {
	TotalRuns       int `json:"total_runs"`
	FullRuns        int `json:"full_runs"`
	IncrementalRuns int `json:"incremental_runs"`
	FailedRuns      int `json:"failed_runs"` // 存在失败页的运行
	PagesSucceeded  int `json:"pages_succeeded"`
	PagesFailed     int `json:"pages_failed"`
	MoviesInserted  int `json:"movies_inserted"`
	MoviesUpdated   int `json:"movies_updated"`
	MoviesUnchanged int `json:"movies_unchanged"`
	MoviesErrored   int `json:"movies_errored"`

	Running         bool       `json:"running"`
	RunningType     SyncType   `json:"running_type,omitempty"`
	RunningSince    *time.Time `json:"running_since,omitempty"`
	LastFull        *SyncRun   `json:"last_full,omitempty"`
	LastIncremental *SyncRun   `json:"last_incremental,omitempty"`
}

func (s *Stats) add(run *SyncRun) {
	s.TotalRuns++
	if run.Type == SyncTypeFull {
		s.FullRuns++
	} else {
		s.IncrementalRuns++
	}
	if !run.Clean() {
		s.FailedRuns++
	}
	s.PagesSucceeded += run.PagesSucceeded
	s.PagesFailed += run.PagesFailed
	s.MoviesInserted += run.MoviesInserted
	s.MoviesUpdated += run.MoviesUpdated
	s.MoviesUnchanged += run.MoviesUnchanged
	s.MoviesErrored += run.MoviesErrored

	snapshot := *run
	snapshot.FailedPages = append([]int(nil), run.FailedPages...)
	if run.Type == SyncTypeFull {
		s.LastFull = &snapshot
	} else {
		s.LastIncremental = &snapshot
	}
}
