// Package metrics Prometheus 指标
//
// 指标在 /metrics 暴露：
//   - kkphim_sync_runs_total{type,status}
//   - kkphim_sync_pages_total{type,outcome}
//   - kkphim_sync_movies_total{type,outcome}
//   - kkphim_sync_duration_seconds{type}
//   - kkphim_sync_last_success_timestamp{type}
//   - kkphim_upstream_requests_total{endpoint,status}
//   - kkphim_upstream_cache_hits_total
//   - kkphim_backup_runs_total{format,status}
//   - kkphim_backups_deleted_total
//   - kkphim_catalog_movies
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kkphim"

var (
	// SyncRuns 同步执行次数
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Sync runs by type and final status.",
	}, []string{"type", "status"})

	// SyncPages 页面处理结果
	SyncPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_pages_total",
		Help:      "Upstream pages processed by sync runs.",
	}, []string{"type", "outcome"})

	// SyncMovies 影片写入结果
	SyncMovies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_movies_total",
		Help:      "Movies processed by sync runs, by upsert outcome.",
	}, []string{"type", "outcome"})

	// SyncDuration 同步耗时
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Wall-clock duration of sync runs.",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
	}, []string{"type"})

	// SyncLastSuccess 最近一次无失败页的同步时间
	SyncLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp",
		Help:      "Unix timestamp of the last sync run without failed pages.",
	}, []string{"type"})

	// UpstreamRequests 上游请求结果
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Requests sent to the KKPhim API.",
	}, []string{"endpoint", "status"})

	// UpstreamCacheHits 上游响应缓存命中
	UpstreamCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_cache_hits_total",
		Help:      "List requests served from the response cache.",
	})

	// BackupRuns 备份结果
	BackupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_runs_total",
		Help:      "Backup attempts by format and status.",
	}, []string{"format", "status"})

	// BackupsDeleted 清理的过期备份
	BackupsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_deleted_total",
		Help:      "Backup artifacts removed by retention cleanup.",
	})

	// CatalogMovies 本地镜像影片数
	CatalogMovies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_movies",
		Help:      "Movies currently stored in the local mirror.",
	})
)

// StatusLabel 将错误转换为 status 标签
func StatusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
