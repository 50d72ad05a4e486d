// Package repository 备份恢复
package repository

import (
	"context"
	"fmt"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"gorm.io/gorm"
)

// RestoreRepository 跨表恢复，影片与用户在同一事务内替换
type RestoreRepository struct {
	db *gorm.DB
}

// NewRestoreRepository 创建恢复仓库
func NewRestoreRepository(db *gorm.DB) *RestoreRepository {
	return &RestoreRepository{db: db}
}

// RestoreCatalog 清空影片与用户后批量写入；任一步失败则全部回滚
func (r *RestoreRepository) RestoreCatalog(ctx context.Context, movies []models.Movie, users []models.User) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := replaceTable(tx, &models.Movie{}, movies, 500); err != nil {
			return fmt.Errorf("恢复影片失败: %w", err)
		}
		if err := replaceTable(tx, &models.User{}, users, 100); err != nil {
			return fmt.Errorf("恢复用户失败: %w", err)
		}
		return nil
	})
}

func replaceTable[T any](tx *gorm.DB, model *T, rows []T, batch int) error {
	if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(rows, batch).Error
}
