// Package models 数据模型 - 同步状态
package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/smysle/kkphim-sync-go/pkg/utils"
)

// SyncScopeCatalog 片库同步的状态范围
const SyncScopeCatalog = "catalog"

// SyncState 同步状态表，增量同步的截止时间持久化在这里
type SyncState struct {
	Scope                 string         `gorm:"column:scope;primaryKey;size:64" json:"scope"`
	LastSuccessAt         *time.Time     `gorm:"column:last_success_at" json:"last_success_at,omitempty"` // 增量截止时间
	LastFullSyncAt        *time.Time     `gorm:"column:last_full_sync_at" json:"last_full_sync_at,omitempty"`
	LastIncrementalSyncAt *time.Time     `gorm:"column:last_incremental_sync_at" json:"last_incremental_sync_at,omitempty"`
	LastAttemptAt         *time.Time     `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError             string         `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	StatsJSON             datatypes.JSON `gorm:"column:stats_json" json:"stats,omitempty"`
	UpdatedAt             time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (SyncState) TableName() string {
	return "sync_states"
}

// LatestSyncAt 全量与增量中较晚的一次完成时间
func (s *SyncState) LatestSyncAt() *time.Time {
	if s == nil {
		return nil
	}
	return utils.LaterOf(s.LastFullSyncAt, s.LastIncrementalSyncAt)
}
