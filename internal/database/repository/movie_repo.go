// Package repository 影片数据仓库
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSinkWrite 影片写入失败
var ErrSinkWrite = errors.New("movie sink write failed")

// UpsertOutcome 按 slug 写入的结果
type UpsertOutcome int

const (
	OutcomeUnchanged UpsertOutcome = iota // 内容未变，未写入
	OutcomeInserted                       // 新建
	OutcomeUpdated                        // 覆盖更新
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// MovieRepository 影片仓库
type MovieRepository struct {
	db *gorm.DB
}

// NewMovieRepository 创建影片仓库
func NewMovieRepository(db *gorm.DB) *MovieRepository {
	return &MovieRepository{db: db}
}

// UpsertBySlug 按 slug 写入影片，同步过程中唯一的写入路径
func (r *MovieRepository) UpsertBySlug(ctx context.Context, movie *models.Movie) (UpsertOutcome, error) {
	if movie == nil || movie.Slug == "" {
		return OutcomeUnchanged, fmt.Errorf("%w: slug 为空", ErrSinkWrite)
	}

	outcome := OutcomeUnchanged
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Movie
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("slug = ?", movie.Slug).
			Take(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = OutcomeInserted
			// 并发插入同一 slug 时退化为更新
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "slug"}},
				UpdateAll: true,
			}).Create(movie).Error
		}
		if err != nil {
			return err
		}

		movie.ID = existing.ID
		movie.CreatedAt = existing.CreatedAt
		if existing.SameContent(movie) {
			movie.LastSyncedAt = existing.LastSyncedAt
			outcome = OutcomeUnchanged
			return nil
		}

		outcome = OutcomeUpdated
		return tx.Save(movie).Error
	})
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("%w: %s: %v", ErrSinkWrite, movie.Slug, err)
	}

	return outcome, nil
}

// Count 影片总数
func (r *MovieRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Movie{}).Count(&count).Error
	return count, err
}

// LatestSyncedAt 最近一次写入时间
func (r *MovieRepository) LatestSyncedAt(ctx context.Context) (*time.Time, error) {
	var movie models.Movie
	err := r.db.WithContext(ctx).Order("last_synced_at DESC").Take(&movie).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &movie.LastSyncedAt, nil
}

// GetBySlug 根据 slug 获取影片
func (r *MovieRepository) GetBySlug(ctx context.Context, slug string) (*models.Movie, error) {
	var movie models.Movie
	err := r.db.WithContext(ctx).Where("slug = ?", slug).Take(&movie).Error
	if err != nil {
		return nil, err
	}
	return &movie, nil
}

// Search 按名称 / 原名模糊搜索，按上游修改时间倒序
func (r *MovieRepository) Search(ctx context.Context, keyword string, limit int) ([]models.Movie, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	pattern := "%" + escapeLike(keyword) + "%"
	var movies []models.Movie
	err := r.db.WithContext(ctx).
		Where("name LIKE ? OR original_name LIKE ? OR slug LIKE ?", pattern, pattern, pattern).
		Order("upstream_modified_at DESC").
		Limit(limit).
		Find(&movies).Error
	return movies, err
}

// All 获取所有影片（用于备份）
func (r *MovieRepository) All(ctx context.Context) ([]models.Movie, error) {
	var movies []models.Movie
	var batch []models.Movie
	err := r.db.WithContext(ctx).FindInBatches(&batch, 1000, func(tx *gorm.DB, _ int) error {
		movies = append(movies, batch...)
		return nil
	}).Error
	return movies, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
