// Package repository 用户数据仓库
package repository

import (
	"context"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"gorm.io/gorm"
)

// UserRepository 用户仓库，仅提供统计与备份所需的只读操作
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Count 用户总数
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.User{}).Count(&count).Error
	return count, err
}

// All 获取所有用户
func (r *UserRepository) All(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).Order("id ASC").Find(&users).Error
	return users, err
}
