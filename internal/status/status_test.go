package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/scheduler"
	"github.com/smysle/kkphim-sync-go/internal/syncer"
)

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) Count(ctx context.Context) (int64, error) { return f.n, f.err }

// fakeMovies 同时提供最近写入时间
type fakeMovies struct {
	fakeCounter
	latest *time.Time
	err    error
}

func (f fakeMovies) LatestSyncedAt(ctx context.Context) (*time.Time, error) { return f.latest, f.err }

type fakeState struct {
	state *models.SyncState
	err   error
}

func (f fakeState) Get(ctx context.Context, scope string) (*models.SyncState, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.state == nil {
		return &models.SyncState{Scope: scope}, nil
	}
	return f.state, nil
}

type fakeEngine struct{ stats syncer.Stats }

func (f fakeEngine) Stats() syncer.Stats { return f.stats }

type fakeScheduler struct {
	running bool
	next    time.Time
}

func (f fakeScheduler) IsRunning() bool { return f.running }

func (f fakeScheduler) JobStates() []scheduler.JobState {
	return []scheduler.JobState{
		{Name: scheduler.JobIncrementalSync, Enabled: true, IsScheduled: f.running, CronExpression: "0 * * * *"},
		{Name: scheduler.JobFullSync, Enabled: false, CronExpression: "0 3 * * *"},
	}
}

func (f fakeScheduler) NextSchedules() map[string]*time.Time {
	if !f.running {
		return map[string]*time.Time{}
	}
	next := f.next
	return map[string]*time.Time{scheduler.JobIncrementalSync: &next}
}

func TestService_Status(t *testing.T) {
	full := time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC)
	incr := time.Date(2026, 10, 2, 10, 0, 0, 0, time.UTC)
	since := time.Date(2026, 10, 2, 11, 0, 0, 0, time.UTC)

	persisted, _ := json.Marshal(syncer.SyncRun{Type: syncer.SyncTypeIncremental, PagesSucceeded: 2, MoviesInserted: 5})

	svc := NewService(
		fakeCounter{n: 120},
		fakeCounter{n: 3},
		fakeState{state: &models.SyncState{
			Scope:                 models.SyncScopeCatalog,
			LastSuccessAt:         &full,
			LastFullSyncAt:        &full,
			LastIncrementalSyncAt: &incr,
			LastError:             "pages failed: 4",
			StatsJSON:             persisted,
		}},
		fakeEngine{stats: syncer.Stats{Running: true, RunningType: syncer.SyncTypeFull, RunningSince: &since}},
		fakeScheduler{running: true, next: since.Add(time.Hour)},
	)

	report, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if !report.Sync.Running || report.Sync.RunningType != syncer.SyncTypeFull {
		t.Errorf("running = %v / %s", report.Sync.Running, report.Sync.RunningType)
	}
	if report.Sync.TotalMovies != 120 {
		t.Errorf("TotalMovies = %d", report.Sync.TotalMovies)
	}
	if report.Sync.LastSyncAt == nil || !report.Sync.LastSyncAt.Equal(incr) {
		t.Errorf("LastSyncAt 应取较晚的增量时间, got %v", report.Sync.LastSyncAt)
	}
	if report.Sync.LastError == "" {
		t.Error("应返回 LastError")
	}
	if report.Sync.LastRun == nil || report.Sync.LastRun.MoviesInserted != 5 {
		t.Errorf("LastRun = %+v", report.Sync.LastRun)
	}
	if !report.Scheduler.Running || len(report.Scheduler.Jobs) != 2 {
		t.Errorf("Scheduler = %+v", report.Scheduler)
	}
	if at := report.NextSchedules[scheduler.JobIncrementalSync]; at == nil || !at.Equal(since.Add(time.Hour)) {
		t.Errorf("NextSchedules = %v", report.NextSchedules)
	}
}

func TestService_StatusNeverSynced(t *testing.T) {
	svc := NewService(fakeCounter{}, nil, fakeState{}, fakeEngine{}, fakeScheduler{})

	report, err := svc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Sync.LastSyncAt != nil || report.Sync.LastRun != nil {
		t.Errorf("从未同步时不应有时间和运行记录: %+v", report.Sync)
	}
	if report.Scheduler.Running || len(report.NextSchedules) != 0 {
		t.Error("调度器停止时不应有下次执行时间")
	}

	// 序列化后保留 nextSchedules 键
	raw, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"sync", "scheduler", "nextSchedules"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("响应缺少 %s", key)
		}
	}
}

func TestService_StatusLastMovieSyncedAt(t *testing.T) {
	latest := time.Date(2026, 10, 17, 9, 15, 0, 0, time.UTC)
	boom := errors.New("db down")

	tests := []struct {
		name    string
		movies  Counter
		want    *time.Time
		wantErr bool
	}{
		{"仓库提供写入时间", fakeMovies{fakeCounter: fakeCounter{n: 2}, latest: &latest}, &latest, false},
		{"空片库", fakeMovies{}, nil, false},
		{"仅计数", fakeCounter{n: 2}, nil, false},
		{"读取失败", fakeMovies{err: boom}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.movies, nil, fakeState{}, fakeEngine{}, fakeScheduler{})
			report, err := svc.Status(context.Background())
			if tt.wantErr {
				if !errors.Is(err, boom) {
					t.Errorf("error = %v, want wrapped db down", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			got := report.Sync.LastMovieSyncedAt
			if (got == nil) != (tt.want == nil) || (got != nil && !got.Equal(*tt.want)) {
				t.Errorf("LastMovieSyncedAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestService_Stats(t *testing.T) {
	memFull := &syncer.SyncRun{Type: syncer.SyncTypeFull, MoviesInserted: 53}
	persisted, _ := json.Marshal(syncer.SyncRun{Type: syncer.SyncTypeIncremental, MoviesUpdated: 4})

	tests := []struct {
		name            string
		stats           syncer.Stats
		statsJSON       []byte
		wantFull        int
		wantIncremental int
	}{
		{"内存统计优先", syncer.Stats{LastFull: memFull}, persisted, 53, 4},
		{"重启后从持久化补齐", syncer.Stats{}, persisted, -1, 4},
		{"损坏的持久化数据被忽略", syncer.Stats{}, []byte("{oops"), -1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(
				fakeCounter{n: 120},
				fakeCounter{n: 7},
				fakeState{state: &models.SyncState{Scope: models.SyncScopeCatalog, StatsJSON: tt.statsJSON}},
				fakeEngine{stats: tt.stats},
				fakeScheduler{},
			)

			report, err := svc.Stats(context.Background())
			if err != nil {
				t.Fatalf("Stats() error = %v", err)
			}
			if report.TotalMovies != 120 || report.TotalUsers != 7 {
				t.Errorf("totals = %d / %d", report.TotalMovies, report.TotalUsers)
			}

			gotFull := -1
			if report.LastFull != nil {
				gotFull = report.LastFull.MoviesInserted
			}
			gotIncr := -1
			if report.LastIncremental != nil {
				gotIncr = report.LastIncremental.MoviesUpdated
			}
			if gotFull != tt.wantFull || gotIncr != tt.wantIncremental {
				t.Errorf("LastFull = %d, LastIncremental = %d, want %d / %d", gotFull, gotIncr, tt.wantFull, tt.wantIncremental)
			}
		})
	}
}

func TestService_Errors(t *testing.T) {
	boom := errors.New("db down")

	tests := []struct {
		name  string
		svc   *Service
		stats bool
	}{
		{"影片统计失败", NewService(fakeCounter{err: boom}, nil, fakeState{}, fakeEngine{}, fakeScheduler{}), false},
		{"状态读取失败", NewService(fakeCounter{}, nil, fakeState{err: boom}, fakeEngine{}, fakeScheduler{}), false},
		{"用户统计失败", NewService(fakeCounter{}, fakeCounter{err: boom}, fakeState{}, fakeEngine{}, fakeScheduler{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.stats {
				_, err = tt.svc.Stats(context.Background())
			} else {
				_, err = tt.svc.Status(context.Background())
			}
			if !errors.Is(err, boom) {
				t.Errorf("error = %v, want wrapped db down", err)
			}
		})
	}
}
