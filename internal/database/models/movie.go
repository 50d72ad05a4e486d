// Package models 数据模型 - 影片镜像
package models

import (
	"reflect"
	"time"

	"gorm.io/datatypes"
)

// MovieType 影片类型
type MovieType string

const (
	MovieTypeUnknown   MovieType = ""
	MovieTypeSingle    MovieType = "single"    // 电影
	MovieTypeSeries    MovieType = "series"    // 剧集
	MovieTypeAnimation MovieType = "animation" // 动画
	MovieTypeTVShow    MovieType = "tvshow"    // 综艺
)

// Taxonomy 分类 / 国家
type Taxonomy struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Movie 影片表，slug 唯一
type Movie struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug           string    `gorm:"column:slug;size:255;not null;uniqueIndex" json:"slug"`
	UpstreamID     string    `gorm:"column:upstream_id;size:64;index" json:"upstream_id"`
	Name           string    `gorm:"column:name;size:500;index" json:"name"`
	OriginalName   string    `gorm:"column:original_name;size:500" json:"original_name"`
	Year           *int      `gorm:"column:year;index" json:"year,omitempty"`
	Type           MovieType `gorm:"column:type;size:20;index" json:"type"`
	PosterURL      string    `gorm:"column:poster_url;size:1000" json:"poster_url"`
	ThumbURL       string    `gorm:"column:thumb_url;size:1000" json:"thumb_url"`
	BannerURL      string    `gorm:"column:banner_url;size:1000" json:"banner_url"`
	EpisodeCurrent string    `gorm:"column:episode_current;size:100" json:"episode_current"`
	EpisodeTotal   string    `gorm:"column:episode_total;size:100" json:"episode_total"`
	Quality        string    `gorm:"column:quality;size:50" json:"quality"`
	Language       string    `gorm:"column:language;size:100" json:"language"`

	Categories datatypes.JSONSlice[Taxonomy] `gorm:"column:categories" json:"categories"`
	Countries  datatypes.JSONSlice[Taxonomy] `gorm:"column:countries" json:"countries"`
	Extensions datatypes.JSONMap             `gorm:"column:extensions" json:"extensions,omitempty"` // 上游尚未建模的字段

	UpstreamModifiedAt *time.Time `gorm:"column:upstream_modified_at;index" json:"upstream_modified_at,omitempty"`
	LastSyncedAt       time.Time  `gorm:"column:last_synced_at;index" json:"last_synced_at"`
	CreatedAt          time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (Movie) TableName() string {
	return "movies"
}

// ParseMovieType 将上游类型映射为本地类型
func ParseMovieType(upstream string) MovieType {
	switch upstream {
	case "single":
		return MovieTypeSingle
	case "series":
		return MovieTypeSeries
	case "hoathinh":
		return MovieTypeAnimation
	case "tvshows":
		return MovieTypeTVShow
	default:
		return MovieTypeUnknown
	}
}

// ModifiedAfter 上游修改时间是否晚于 t；缺少修改时间视为已修改
func (m *Movie) ModifiedAfter(t time.Time) bool {
	if m.UpstreamModifiedAt == nil {
		return true
	}
	return m.UpstreamModifiedAt.After(t)
}

// SameContent 上游修改时间与所有描述字段均相同时返回 true
func (m *Movie) SameContent(o *Movie) bool {
	if m == nil || o == nil {
		return m == o
	}
	if !sameTime(m.UpstreamModifiedAt, o.UpstreamModifiedAt) || !sameInt(m.Year, o.Year) {
		return false
	}
	if m.Slug != o.Slug ||
		m.UpstreamID != o.UpstreamID ||
		m.Name != o.Name ||
		m.OriginalName != o.OriginalName ||
		m.Type != o.Type ||
		m.PosterURL != o.PosterURL ||
		m.ThumbURL != o.ThumbURL ||
		m.BannerURL != o.BannerURL ||
		m.EpisodeCurrent != o.EpisodeCurrent ||
		m.EpisodeTotal != o.EpisodeTotal ||
		m.Quality != o.Quality ||
		m.Language != o.Language {
		return false
	}
	if !sameTaxonomies(m.Categories, o.Categories) || !sameTaxonomies(m.Countries, o.Countries) {
		return false
	}
	if len(m.Extensions) == 0 && len(o.Extensions) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]interface{}(m.Extensions), map[string]interface{}(o.Extensions))
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameTaxonomies(a, b []Taxonomy) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
