package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/database/repository"
	"github.com/smysle/kkphim-sync-go/internal/kkphim"
	"github.com/smysle/kkphim-sync-go/pkg/logger"
	"github.com/smysle/kkphim-sync-go/pkg/utils"
)

// ErrMovieNotFound 本地与上游都不存在
var ErrMovieNotFound = errors.New("movie not found")

// 查询结果来源
const (
	SourceCache    = "cache"
	SourceDatabase = "database"
	SourceUpstream = "upstream"
)

// CatalogStore 目录查询所需的存储
type CatalogStore interface {
	GetBySlug(ctx context.Context, slug string) (*models.Movie, error)
	Search(ctx context.Context, keyword string, limit int) ([]models.Movie, error)
	UpsertBySlug(ctx context.Context, movie *models.Movie) (repository.UpsertOutcome, error)
}

// MovieDetailer 上游详情接口
type MovieDetailer interface {
	GetMovie(ctx context.Context, slug string) (*kkphim.DetailResponse, error)
}

// CatalogEntry 单部影片查询结果
type CatalogEntry struct {
	Movie    *models.Movie          `json:"movie"`
	Episodes []kkphim.EpisodeServer `json:"episodes,omitempty"` // 仅上游回源时返回
	Source   string                 `json:"source"`
}

// CatalogService 目录读穿查询：进程缓存 -> 本地库 -> 上游
type CatalogService struct {
	store    CatalogStore
	upstream MovieDetailer
	ttl      time.Duration
	now      func() time.Time
}

// NewCatalogService 创建目录查询服务
func NewCatalogService(store CatalogStore, upstream MovieDetailer, ttl time.Duration) *CatalogService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CatalogService{
		store:    store,
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Search 按关键词搜索本地镜像，结果缓存
func (s *CatalogService) Search(ctx context.Context, keyword string, limit int) ([]models.Movie, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return []models.Movie{}, nil
	}

	key := fmt.Sprintf("catalog:search:%s:%d", strings.ToLower(keyword), limit)
	val, err := utils.CacheGetOrSet(key, s.ttl, func() (interface{}, error) {
		movies, err := s.store.Search(ctx, keyword, limit)
		if err != nil {
			return nil, err
		}
		if movies == nil {
			movies = []models.Movie{}
		}
		return movies, nil
	})
	if err != nil {
		return nil, fmt.Errorf("搜索失败: %w", err)
	}

	return val.([]models.Movie), nil
}

// GetBySlug 获取单部影片，本地不存在时从上游回源并写入
func (s *CatalogService) GetBySlug(ctx context.Context, slug string) (*CatalogEntry, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, ErrMovieNotFound
	}

	key := "catalog:movie:" + slug
	if val, found := utils.CacheGet(key); found {
		entry := *val.(*CatalogEntry)
		entry.Source = SourceCache
		return &entry, nil
	}

	movie, err := s.store.GetBySlug(ctx, slug)
	if err == nil {
		entry := &CatalogEntry{Movie: movie, Source: SourceDatabase}
		utils.CacheSet(key, entry, s.ttl)
		return entry, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询影片失败: %w", err)
	}

	if s.upstream == nil {
		return nil, ErrMovieNotFound
	}

	detail, err := s.upstream.GetMovie(ctx, slug)
	if errors.Is(err, kkphim.ErrNotFound) {
		return nil, ErrMovieNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("上游查询失败: %w", err)
	}

	movie = detail.Movie.ToModel(s.now())
	if _, err := s.store.UpsertBySlug(ctx, movie); err != nil {
		// 写入失败不影响本次返回
		logger.Warn().Err(err).Str("slug", slug).Msg("回源影片写入失败")
	}

	entry := &CatalogEntry{Movie: movie, Episodes: detail.Episodes, Source: SourceUpstream}
	utils.CacheSet(key, entry, s.ttl)
	return entry, nil
}

// Invalidate 清除目录缓存，同步写入后调用
func (s *CatalogService) Invalidate() {
	utils.CacheFlush()
}
