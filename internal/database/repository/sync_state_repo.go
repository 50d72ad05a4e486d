// Package repository 同步状态仓库
package repository

import (
	"context"
	"errors"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncStateRepository 同步状态仓库
type SyncStateRepository struct {
	db *gorm.DB
}

// NewSyncStateRepository 创建同步状态仓库
func NewSyncStateRepository(db *gorm.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Get 获取同步状态，不存在时返回空状态
func (r *SyncStateRepository) Get(ctx context.Context, scope string) (*models.SyncState, error) {
	var state models.SyncState
	err := r.db.WithContext(ctx).Where("scope = ?", scope).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.SyncState{Scope: scope}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Save 保存同步状态
func (r *SyncStateRepository) Save(ctx context.Context, state *models.SyncState) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(state).Error
}
