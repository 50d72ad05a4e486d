package kkphim

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Pagination 分页信息
type Pagination struct {
	TotalItems        int `json:"totalItems"`
	TotalItemsPerPage int `json:"totalItemsPerPage"`
	CurrentPage       int `json:"currentPage"`
	TotalPages        int `json:"totalPages"`
}

// Taxonomy 上游分类 / 国家
type Taxonomy struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Modified 上游修改时间
type Modified struct {
	Time string `json:"time"`
}

// FlexInt 兼容数字、数字字符串与 null 的整数
type FlexInt struct {
	Value int
	Valid bool
}

// UnmarshalJSON 解析数字或字符串
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = FlexInt{}
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*f = FlexInt{}
		return nil
	}
	*f = FlexInt{Value: n, Valid: n > 0}
	return nil
}

// Item 列表 / 详情中的影片条目
type Item struct {
	ID             string     `json:"_id"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	OriginName     string     `json:"origin_name"`
	Type           string     `json:"type"`
	PosterURL      string     `json:"poster_url"`
	ThumbURL       string     `json:"thumb_url"`
	BannerURL      string     `json:"banner_url"`
	Year           FlexInt    `json:"year"`
	EpisodeCurrent string     `json:"episode_current"`
	EpisodeTotal   string     `json:"episode_total"`
	Quality        string     `json:"quality"`
	Lang           string     `json:"lang"`
	Category       []Taxonomy `json:"category"`
	Country        []Taxonomy `json:"country"`
	Modified       Modified   `json:"modified"`

	// Extra 未建模的上游字段
	Extra map[string]json.RawMessage `json:"-"`
}

var knownItemKeys = []string{
	"_id", "name", "slug", "origin_name", "type", "poster_url", "thumb_url", "banner_url",
	"year", "episode_current", "episode_total", "quality", "lang", "category", "country", "modified",
}

// UnmarshalJSON 解析已知字段，其余字段保留到 Extra
func (it *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range knownItemKeys {
		delete(raw, key)
	}

	*it = Item(p)
	if len(raw) > 0 {
		it.Extra = raw
	}
	return nil
}

// ListResponse 列表接口响应
type ListResponse struct {
	Status     bool       `json:"status"`
	Items      []Item     `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// listEnvelope 用于检查必需字段是否存在
type listEnvelope struct {
	Status     *bool           `json:"status"`
	Msg        string          `json:"msg"`
	Items      json.RawMessage `json:"items"`
	Pagination *Pagination     `json:"pagination"`
}

// Episode 单集
type Episode struct {
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Filename  string `json:"filename"`
	LinkEmbed string `json:"link_embed"`
	LinkM3U8  string `json:"link_m3u8"`
}

// EpisodeServer 播放线路
type EpisodeServer struct {
	ServerName string    `json:"server_name"`
	ServerData []Episode `json:"server_data"`
}

// DetailResponse 详情接口响应
type DetailResponse struct {
	Status   bool            `json:"status"`
	Msg      string          `json:"msg"`
	Movie    *Item           `json:"movie"`
	Episodes []EpisodeServer `json:"episodes"`
}
