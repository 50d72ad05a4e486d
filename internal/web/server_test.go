package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/smysle/kkphim-sync-go/internal/config"
	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/scheduler"
	"github.com/smysle/kkphim-sync-go/internal/service"
	"github.com/smysle/kkphim-sync-go/internal/status"
	"github.com/smysle/kkphim-sync-go/internal/syncer"
)

type fakeSync struct {
	running   bool
	startErr  error
	manualErr error
	manualRun *syncer.SyncRun
	submitErr error
	submitted []syncer.SyncType
}

func (f *fakeSync) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeSync) Stop() { f.running = false }
func (f *fakeSync) IsRunning() bool { return f.running }

func (f *fakeSync) RunManualSync(ctx context.Context, t syncer.SyncType) (*syncer.SyncRun, error) {
	return f.manualRun, f.manualErr
}

func (f *fakeSync) SubmitSync(t syncer.SyncType) (scheduler.Task, error) {
	if f.submitErr != nil {
		return scheduler.Task{}, f.submitErr
	}
	f.submitted = append(f.submitted, t)
	kind := scheduler.TaskIncrementalSync
	if t == syncer.SyncTypeFull {
		kind = scheduler.TaskFullSync
	}
	return scheduler.Task{ID: "task-1", Kind: kind, Status: scheduler.TaskQueued}, nil
}

func (f *fakeSync) SubmitBackup() (scheduler.Task, error) {
	return scheduler.Task{ID: "task-b", Kind: scheduler.TaskBackup, Status: scheduler.TaskQueued}, nil
}

type fakeTasks struct{}

func (fakeTasks) Get(id string) (scheduler.Task, error) {
	if id != "task-1" {
		return scheduler.Task{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownTask, id)
	}
	return scheduler.Task{ID: id, Kind: scheduler.TaskFullSync, Status: scheduler.TaskSucceeded}, nil
}

func (fakeTasks) Tasks() []scheduler.Task {
	return []scheduler.Task{{ID: "task-1"}}
}

type fakeStatus struct{ err error }

func (f fakeStatus) Status(ctx context.Context) (*status.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &status.Report{
		Sync:          status.SyncStatus{TotalMovies: 120},
		Scheduler:     status.SchedulerStatus{Running: true},
		NextSchedules: map[string]*time.Time{},
	}, nil
}

func (f fakeStatus) Stats(ctx context.Context) (*status.StatsReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &status.StatsReport{TotalMovies: 120, TotalUsers: 3}, nil
}

type fakeBackups struct{}

func (fakeBackups) ListBackups() ([]service.BackupArtifact, error) {
	return []service.BackupArtifact{{Filename: "backup_20261017T043000Z.json.gz", Format: service.FormatExport}}, nil
}

func (fakeBackups) RestoreFromBackup(ctx context.Context, filename string) (*service.RestoreResult, error) {
	switch filename {
	case "backup_20261017T043000Z.json.gz":
		return &service.RestoreResult{Filename: filename, Movies: 2, Users: 1}, nil
	case "dump_20261017T043000Z.sql":
		return nil, fmt.Errorf("%w: dump", service.ErrInvalidBackup)
	default:
		return nil, fmt.Errorf("%w: missing", service.ErrBackupIO)
	}
}

type fakeCatalog struct {
	lastLimit int
}

func (f *fakeCatalog) Search(ctx context.Context, keyword string, limit int) ([]models.Movie, error) {
	f.lastLimit = limit
	return []models.Movie{{Slug: "phim-a", Name: "Phim A"}}, nil
}

func (f *fakeCatalog) GetBySlug(ctx context.Context, slug string) (*service.CatalogEntry, error) {
	switch slug {
	case "phim-a":
		return &service.CatalogEntry{Movie: &models.Movie{Slug: slug}, Source: service.SourceDatabase}, nil
	case "upstream-down":
		return nil, errors.New("upstream unavailable")
	default:
		return nil, service.ErrMovieNotFound
	}
}

func newTestServer(sync *fakeSync, catalog *fakeCatalog) *Server {
	return New(&config.APIConfig{Enabled: true, Host: "127.0.0.1", Port: 5000}, Deps{
		Sync:    sync,
		Tasks:   fakeTasks{},
		Status:  fakeStatus{},
		Backups: fakeBackups{},
		Catalog: catalog,
	})
}

func doRequest(t *testing.T, s *Server, method, target string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest(method, target, nil), -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("解析响应失败: %v (%s)", err, raw)
		}
	}
	return resp.StatusCode, body
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(&fakeSync{manualRun: &syncer.SyncRun{Type: syncer.SyncTypeIncremental}}, &fakeCatalog{})

	tests := []struct {
		name     string
		method   string
		target   string
		wantCode int
		wantKey  string
	}{
		{"健康检查", http.MethodGet, "/health", http.StatusOK, "uptime"},
		{"同步状态", http.MethodGet, "/api/sync/status", http.StatusOK, "nextSchedules"},
		{"同步统计", http.MethodGet, "/api/sync/stats", http.StatusOK, "total_users"},
		{"全量同步", http.MethodPost, "/api/sync/full", http.StatusAccepted, "task"},
		{"增量同步", http.MethodPost, "/api/sync/incremental", http.StatusAccepted, "task"},
		{"手动增量", http.MethodPost, "/api/sync/force-hourly", http.StatusOK, "run"},
		{"任务列表", http.MethodGet, "/api/sync/tasks", http.StatusOK, "tasks"},
		{"任务详情", http.MethodGet, "/api/sync/tasks/task-1", http.StatusOK, "status"},
		{"任务不存在", http.MethodGet, "/api/sync/tasks/nope", http.StatusNotFound, "error"},
		{"备份列表", http.MethodGet, "/api/sync/backups", http.StatusOK, "backups"},
		{"提交备份", http.MethodPost, "/api/sync/backup", http.StatusAccepted, "task"},
		{"恢复备份", http.MethodPost, "/api/sync/backups/backup_20261017T043000Z.json.gz/restore", http.StatusOK, "movies"},
		{"恢复原生 dump", http.MethodPost, "/api/sync/backups/dump_20261017T043000Z.sql/restore", http.StatusBadRequest, "error"},
		{"恢复不存在的备份", http.MethodPost, "/api/sync/backups/backup_19700101T000000Z.json/restore", http.StatusNotFound, "error"},
		{"搜索影片", http.MethodGet, "/api/movies/search?keyword=phim", http.StatusOK, "items"},
		{"搜索缺少关键词", http.MethodGet, "/api/movies/search", http.StatusBadRequest, "error"},
		{"影片详情", http.MethodGet, "/api/movies/phim-a", http.StatusOK, "movie"},
		{"影片不存在", http.MethodGet, "/api/movies/missing", http.StatusNotFound, "error"},
		{"上游不可用", http.MethodGet, "/api/movies/upstream-down", http.StatusBadGateway, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doRequest(t, s, tt.method, tt.target)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d (%v)", code, tt.wantCode, body)
			}
			if _, ok := body[tt.wantKey]; !ok {
				t.Errorf("响应缺少 %q: %v", tt.wantKey, body)
			}
		})
	}
}

func TestServer_SubmitSync(t *testing.T) {
	sync := &fakeSync{}
	s := newTestServer(sync, &fakeCatalog{})

	_, body := doRequest(t, s, http.MethodPost, "/api/sync/full")
	task, _ := body["task"].(map[string]interface{})
	if task["id"] != "task-1" || task["kind"] != string(scheduler.TaskFullSync) {
		t.Errorf("task = %v", task)
	}
	if len(sync.submitted) != 1 || sync.submitted[0] != syncer.SyncTypeFull {
		t.Errorf("submitted = %v", sync.submitted)
	}

	sync.submitErr = scheduler.ErrQueueFull
	if code, _ := doRequest(t, s, http.MethodPost, "/api/sync/incremental"); code != http.StatusServiceUnavailable {
		t.Errorf("队列已满 status = %d, want 503", code)
	}
}

func TestServer_ForceHourly(t *testing.T) {
	tests := []struct {
		name     string
		run      *syncer.SyncRun
		err      error
		wantCode int
	}{
		{"成功", &syncer.SyncRun{Type: syncer.SyncTypeIncremental, MoviesInserted: 5}, nil, http.StatusOK},
		{"已有同步在进行", nil, syncer.ErrSyncInProgress, http.StatusConflict},
		{"状态库不可用", nil, errors.New("state store down"), http.StatusInternalServerError},
		{"状态保存失败", &syncer.SyncRun{Type: syncer.SyncTypeIncremental}, errors.New("save failed"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeSync{manualRun: tt.run, manualErr: tt.err}, &fakeCatalog{})
			code, body := doRequest(t, s, http.MethodPost, "/api/sync/force-hourly")
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d (%v)", code, tt.wantCode, body)
			}
		})
	}
}

func TestServer_SchedulerControl(t *testing.T) {
	sync := &fakeSync{}
	s := newTestServer(sync, &fakeCatalog{})

	_, body := doRequest(t, s, http.MethodPost, "/api/sync/start-scheduler")
	if body["running"] != true || !sync.running {
		t.Errorf("启动后 running = %v", body["running"])
	}
	_, body = doRequest(t, s, http.MethodPost, "/api/sync/stop-scheduler")
	if body["running"] != false || sync.running {
		t.Errorf("停止后 running = %v", body["running"])
	}

	sync.startErr = errors.New("bad cron")
	if code, _ := doRequest(t, s, http.MethodPost, "/api/sync/start-scheduler"); code != http.StatusInternalServerError {
		t.Errorf("启动失败 status = %d", code)
	}
}

func TestServer_SearchLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"keyword=a", defaultSearchLimit},
		{"keyword=a&limit=5", 5},
		{"keyword=a&limit=0", defaultSearchLimit},
		{"keyword=a&limit=1000", maxSearchLimit},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			catalog := &fakeCatalog{}
			s := newTestServer(&fakeSync{}, catalog)
			doRequest(t, s, http.MethodGet, "/api/movies/search?"+tt.query)
			if catalog.lastLimit != tt.want {
				t.Errorf("limit = %d, want %d", catalog.lastLimit, tt.want)
			}
		})
	}
}

func TestServer_StatusError(t *testing.T) {
	s := newTestServer(&fakeSync{}, &fakeCatalog{})
	s.deps.Status = fakeStatus{err: errors.New("db down")}

	for _, target := range []string{"/api/sync/status", "/api/sync/stats"} {
		if code, _ := doRequest(t, s, http.MethodGet, target); code != http.StatusInternalServerError {
			t.Errorf("%s status = %d, want 500", target, code)
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(&fakeSync{}, &fakeCatalog{})
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "kkphim_catalog_movies") {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

func TestServer_HealthDatabase(t *testing.T) {
	tests := []struct {
		name         string
		ping         func(ctx context.Context) error
		wantCode     int
		wantStatus   string
		wantDatabase interface{}
	}{
		{"未配置检查", nil, http.StatusOK, "ok", nil},
		{"数据库正常", func(ctx context.Context) error { return nil }, http.StatusOK, "ok", "ok"},
		{"数据库不可达", func(ctx context.Context) error { return errors.New("dial tcp 127.0.0.1:3306: connect: connection refused") },
			http.StatusServiceUnavailable, "degraded", "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeSync{}, &fakeCatalog{})
			s.deps.Ping = tt.ping

			code, body := doRequest(t, s, http.MethodGet, "/health")
			if code != tt.wantCode || body["status"] != tt.wantStatus {
				t.Errorf("status = %d / %v, want %d / %s", code, body["status"], tt.wantCode, tt.wantStatus)
			}
			if body["database"] != tt.wantDatabase {
				t.Errorf("database = %v, want %v", body["database"], tt.wantDatabase)
			}
		})
	}
}
