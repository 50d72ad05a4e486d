package kkphim

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/smysle/kkphim-sync-go/internal/database/models"
)

var modifiedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseModified 解析上游修改时间，统一为 UTC 毫秒精度
func ParseModified(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range modifiedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC().Truncate(time.Millisecond)
			return &t
		}
	}
	return nil
}

// ToModel 转换为本地影片记录
func (it *Item) ToModel(syncedAt time.Time) *models.Movie {
	movie := &models.Movie{
		Slug:               strings.TrimSpace(it.Slug),
		UpstreamID:         it.ID,
		Name:               it.Name,
		OriginalName:       it.OriginName,
		Type:               models.ParseMovieType(it.Type),
		PosterURL:          it.PosterURL,
		ThumbURL:           it.ThumbURL,
		BannerURL:          it.BannerURL,
		EpisodeCurrent:     it.EpisodeCurrent,
		EpisodeTotal:       it.EpisodeTotal,
		Quality:            it.Quality,
		Language:           it.Lang,
		Categories:         toTaxonomies(it.Category),
		Countries:          toTaxonomies(it.Country),
		UpstreamModifiedAt: ParseModified(it.Modified.Time),
		LastSyncedAt:       syncedAt,
	}

	if it.Year.Valid {
		year := it.Year.Value
		movie.Year = &year
	}

	if len(it.Extra) > 0 {
		ext := make(map[string]interface{}, len(it.Extra))
		for key, raw := range it.Extra {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err == nil {
				ext[key] = v
			}
		}
		if len(ext) > 0 {
			movie.Extensions = ext
		}
	}

	return movie
}

func toTaxonomies(in []Taxonomy) []models.Taxonomy {
	out := make([]models.Taxonomy, 0, len(in))
	for _, t := range in {
		out = append(out, models.Taxonomy{Name: t.Name, Slug: t.Slug})
	}
	return out
}
