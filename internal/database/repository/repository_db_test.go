package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
)

// newTestDB 每个测试一个独立的 SQLite 文件库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kkphim.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&models.Movie{}, &models.SyncState{}, &models.User{}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	return db
}

func testMovie(slug, episode string, syncedAt time.Time) *models.Movie {
	year := 2017
	modified := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	return &models.Movie{
		Slug:               slug,
		UpstreamID:         "id-" + slug,
		Name:               "Người Phán Xử",
		OriginalName:       "The Arbitrator",
		Year:               &year,
		Type:               models.MovieTypeSeries,
		EpisodeCurrent:     episode,
		Quality:            "HD",
		Language:           "Vietsub",
		Categories:         datatypes.JSONSlice[models.Taxonomy]{{Name: "Hình Sự", Slug: "hinh-su"}},
		Countries:          datatypes.JSONSlice[models.Taxonomy]{{Name: "Việt Nam", Slug: "viet-nam"}},
		Extensions:         datatypes.JSONMap{"tmdb_id": "71234"},
		UpstreamModifiedAt: &modified,
		LastSyncedAt:       syncedAt,
	}
}

func TestMovieRepository_UpsertBySlugDB(t *testing.T) {
	repo := NewMovieRepository(newTestDB(t))
	ctx := context.Background()
	synced := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	if latest, err := repo.LatestSyncedAt(ctx); err != nil || latest != nil {
		t.Fatalf("空表 LatestSyncedAt() = %v, %v", latest, err)
	}

	steps := []struct {
		name       string
		movie      *models.Movie
		want       UpsertOutcome
		wantLatest time.Time
	}{
		{"首次写入", testMovie("nguoi-phan-xu", "Tập 48", synced), OutcomeInserted, synced},
		{"内容相同不写入", testMovie("nguoi-phan-xu", "Tập 48", synced.Add(time.Hour)), OutcomeUnchanged, synced},
		{"字段变化覆盖", testMovie("nguoi-phan-xu", "Hoàn Tất (49/49)", synced.Add(2*time.Hour)), OutcomeUpdated, synced.Add(2 * time.Hour)},
	}

	var firstID uint
	for _, st := range steps {
		got, err := repo.UpsertBySlug(ctx, st.movie)
		if err != nil {
			t.Fatalf("%s: UpsertBySlug() error = %v", st.name, err)
		}
		if got != st.want {
			t.Errorf("%s: outcome = %s, want %s", st.name, got, st.want)
		}
		if firstID == 0 {
			firstID = st.movie.ID
		}
		if st.movie.ID != firstID {
			t.Errorf("%s: ID = %d, want %d", st.name, st.movie.ID, firstID)
		}

		latest, err := repo.LatestSyncedAt(ctx)
		if err != nil || latest == nil || !latest.Equal(st.wantLatest) {
			t.Errorf("%s: LatestSyncedAt() = %v, %v, want %v", st.name, latest, err, st.wantLatest)
		}
	}

	count, err := repo.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Count() = %d, %v, want 1", count, err)
	}

	stored, err := repo.GetBySlug(ctx, "nguoi-phan-xu")
	if err != nil {
		t.Fatal(err)
	}
	if stored.EpisodeCurrent != "Hoàn Tất (49/49)" || stored.ID != firstID {
		t.Errorf("stored = %+v", stored)
	}
	if len(stored.Categories) != 1 || stored.Categories[0].Slug != "hinh-su" {
		t.Errorf("Categories = %+v", stored.Categories)
	}
	if stored.Extensions["tmdb_id"] != "71234" {
		t.Errorf("Extensions = %+v", stored.Extensions)
	}

	// 读回的记录与同样内容再次写入时仍判定为未变化
	again, err := repo.UpsertBySlug(ctx, testMovie("nguoi-phan-xu", "Hoàn Tất (49/49)", synced.Add(3*time.Hour)))
	if err != nil || again != OutcomeUnchanged {
		t.Errorf("重复写入 = %s, %v, want unchanged", again, err)
	}
}

func TestRestoreRepository_RestoreCatalogDB(t *testing.T) {
	db := newTestDB(t)
	movies := NewMovieRepository(db)
	users := NewUserRepository(db)
	restore := NewRestoreRepository(db)
	ctx := context.Background()
	synced := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	if _, err := movies.UpsertBySlug(ctx, testMovie("phim-cu", "Tập 1", synced)); err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&models.User{Username: "an", Email: "an@example.vn"}).Error; err != nil {
		t.Fatal(err)
	}

	// 用户名重复，写入用户时失败，影片表也必须回滚
	err := restore.RestoreCatalog(ctx,
		[]models.Movie{*testMovie("phim-moi", "Tập 2", synced)},
		[]models.User{
			{Username: "binh", Email: "binh@example.vn"},
			{Username: "binh", Email: "binh2@example.vn"},
		})
	if err == nil {
		t.Fatal("用户名重复时应返回错误")
	}

	if _, err := movies.GetBySlug(ctx, "phim-cu"); err != nil {
		t.Errorf("恢复失败后原有影片应保留: %v", err)
	}
	if count, _ := movies.Count(ctx); count != 1 {
		t.Errorf("恢复失败后影片数 = %d, want 1", count)
	}
	if all, _ := users.All(ctx); len(all) != 1 || all[0].Username != "an" {
		t.Errorf("恢复失败后用户 = %+v", all)
	}

	err = restore.RestoreCatalog(ctx,
		[]models.Movie{*testMovie("phim-moi", "Tập 2", synced)},
		[]models.User{{Username: "binh", Email: "binh@example.vn", Favorites: []string{"phim-moi"}}})
	if err != nil {
		t.Fatalf("RestoreCatalog() error = %v", err)
	}
	if _, err := movies.GetBySlug(ctx, "phim-cu"); err == nil {
		t.Error("恢复成功后旧影片应被清除")
	}
	if _, err := movies.GetBySlug(ctx, "phim-moi"); err != nil {
		t.Errorf("恢复后缺少影片: %v", err)
	}
	all, err := users.All(ctx)
	if err != nil || len(all) != 1 || all[0].Username != "binh" || len(all[0].Favorites) != 1 {
		t.Errorf("恢复后用户 = %+v, %v", all, err)
	}
}

func TestSyncStateRepository_DB(t *testing.T) {
	repo := NewSyncStateRepository(newTestDB(t))
	ctx := context.Background()

	state, err := repo.Get(ctx, models.SyncScopeCatalog)
	if err != nil || state.LastSuccessAt != nil || state.Scope != models.SyncScopeCatalog {
		t.Fatalf("初始状态 = %+v, %v", state, err)
	}

	for _, at := range []time.Time{
		time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
	} {
		at := at
		state.LastSuccessAt = &at
		state.LastError = ""
		if err := repo.Save(ctx, state); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		loaded, err := repo.Get(ctx, models.SyncScopeCatalog)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.LastSuccessAt == nil || !loaded.LastSuccessAt.Equal(at) {
			t.Errorf("LastSuccessAt = %v, want %v", loaded.LastSuccessAt, at)
		}
	}
}
