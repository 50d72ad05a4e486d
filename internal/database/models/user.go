// Package models 数据模型 - 用户
package models

import (
	"time"

	"gorm.io/datatypes"
)

// User 用户账户表（收藏 / 待看 / 观看历史以 slug 列表保存）
type User struct {
	ID           uint                        `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string                      `gorm:"column:username;size:100;uniqueIndex" json:"username"`
	Email        string                      `gorm:"column:email;size:255;uniqueIndex" json:"email"`
	PasswordHash string                      `gorm:"column:password_hash;size:255" json:"password_hash"`
	Favorites    datatypes.JSONSlice[string] `gorm:"column:favorites" json:"favorites"`
	Watchlist    datatypes.JSONSlice[string] `gorm:"column:watchlist" json:"watchlist"`
	History      datatypes.JSONSlice[string] `gorm:"column:history" json:"history"`
	CreatedAt    time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time                   `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (User) TableName() string {
	return "users"
}
