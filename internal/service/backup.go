// Package service 片库备份 / 查询服务
package service

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/smysle/kkphim-sync-go/internal/config"
	"github.com/smysle/kkphim-sync-go/internal/database/models"
	"github.com/smysle/kkphim-sync-go/internal/metrics"
	"github.com/smysle/kkphim-sync-go/pkg/logger"
	"github.com/smysle/kkphim-sync-go/pkg/utils"
)

var (
	// ErrBackupIO 文件系统或 dump 工具失败
	ErrBackupIO = errors.New("backup io error")
	// ErrInvalidBackup 备份文件名非法或不可用于恢复
	ErrInvalidBackup = errors.New("invalid backup file")
)

// BackupFormat 备份格式
type BackupFormat string

const (
	FormatExport BackupFormat = "export" // JSON 导出，可恢复
	FormatNative BackupFormat = "native" // mysqldump 输出
	FormatAll    BackupFormat = "all"
)

// ParseBackupFormat 解析备份格式，空字符串视为 all
func ParseBackupFormat(s string) (BackupFormat, error) {
	switch f := BackupFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAll, nil
	case FormatExport, FormatNative, FormatAll:
		return f, nil
	default:
		return "", fmt.Errorf("未知的备份格式: %q", s)
	}
}

const (
	exportPrefix = "backup_"
	nativePrefix = "dump_"
)

// MovieStore 备份所需的影片存储
type MovieStore interface {
	All(ctx context.Context) ([]models.Movie, error)
}

// UserStore 备份所需的用户存储
type UserStore interface {
	All(ctx context.Context) ([]models.User, error)
}

// Restorer 在同一事务内替换影片与用户，失败时不留下部分恢复的数据
type Restorer interface {
	RestoreCatalog(ctx context.Context, movies []models.Movie, users []models.User) error
}

// Dumper 数据库原生导出
type Dumper interface {
	Dump(ctx context.Context, w io.Writer) error
}

// BackupOptions 备份参数
type BackupOptions struct {
	Dir           string
	Compress      bool
	NativeDump    bool // 为 false 时 all 只做 JSON 导出
	RetentionDays int
	Now           func() time.Time
}

// BackupService 备份服务
type BackupService struct {
	movies   MovieStore
	users    UserStore
	restorer Restorer
	dumper   Dumper
	opts     BackupOptions
}

// ExportData JSON 导出文件结构
type ExportData struct {
	Version   string         `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Movies    []models.Movie `json:"movies"`
	Users     []models.User  `json:"users"`
}

// BackupArtifact 备份文件
type BackupArtifact struct {
	Filename  string       `json:"filename"`
	Path      string       `json:"path"`
	Format    BackupFormat `json:"format"`
	SizeBytes int64        `json:"size_bytes"`
	Size      string       `json:"size"`
	Records   int          `json:"records,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// BackupReport 一次备份的结果，导出与原生 dump 互不影响
type BackupReport struct {
	Export      *BackupArtifact `json:"export,omitempty"`
	ExportError string          `json:"export_error,omitempty"`
	Native      *BackupArtifact `json:"native,omitempty"`
	NativeError string          `json:"native_error,omitempty"`
	Deleted     int             `json:"deleted"`
	Duration    time.Duration   `json:"duration"`

	exportErr error
	nativeErr error
}

// Err 合并两种备份的错误
func (r *BackupReport) Err() error {
	return errors.Join(r.exportErr, r.nativeErr)
}

// Summary 格式化备份报告
func (r *BackupReport) Summary() string {
	var b strings.Builder
	b.WriteString("💾 片库备份\n\n")
	if r.Export != nil {
		fmt.Fprintf(&b, "导出: %s (%s, %d 条)\n", r.Export.Filename, r.Export.Size, r.Export.Records)
	}
	if r.ExportError != "" {
		fmt.Fprintf(&b, "导出失败: %s\n", r.ExportError)
	}
	if r.Native != nil {
		fmt.Fprintf(&b, "dump: %s (%s)\n", r.Native.Filename, r.Native.Size)
	}
	if r.NativeError != "" {
		fmt.Fprintf(&b, "dump 失败: %s\n", r.NativeError)
	}
	if r.Deleted > 0 {
		fmt.Fprintf(&b, "清理旧备份: %d 个\n", r.Deleted)
	}
	fmt.Fprintf(&b, "耗时: %s", utils.FormatDuration(r.Duration))
	return b.String()
}

// RestoreResult 恢复结果
type RestoreResult struct {
	Filename string `json:"filename"`
	Movies   int    `json:"movies"`
	Users    int    `json:"users"`
}

// NewBackupService 创建备份服务，dumper 为 nil 时原生 dump 不可用
func NewBackupService(movies MovieStore, users UserStore, restorer Restorer, dumper Dumper, opts BackupOptions) *BackupService {
	if opts.Dir == "" {
		opts.Dir = "./backups"
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &BackupService{
		movies:   movies,
		users:    users,
		restorer: restorer,
		dumper:   dumper,
		opts:     opts,
	}
}

// Dir 备份目录
func (s *BackupService) Dir() string {
	return s.opts.Dir
}

// RetentionDays 保留天数
func (s *BackupService) RetentionDays() int {
	return s.opts.RetentionDays
}

// CreateBackup 执行备份；两种格式分别尝试，全部失败时才返回错误
func (s *BackupService) CreateBackup(ctx context.Context, format BackupFormat) (*BackupReport, error) {
	if format == "" {
		format = FormatAll
	}
	if _, err := ParseBackupFormat(string(format)); err != nil {
		return nil, err
	}

	startTime := s.opts.Now()
	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: 创建备份目录失败: %v", ErrBackupIO, err)
	}

	report := &BackupReport{}
	timestamp := utils.FormatBackupTime(startTime)

	if format == FormatExport || format == FormatAll {
		report.Export, report.exportErr = s.export(ctx, timestamp, startTime)
		s.observe(FormatExport, report.exportErr)
		if report.exportErr != nil {
			report.ExportError = report.exportErr.Error()
		}
	}

	if format == FormatNative || (format == FormatAll && s.opts.NativeDump) {
		report.Native, report.nativeErr = s.nativeDump(ctx, timestamp, startTime)
		s.observe(FormatNative, report.nativeErr)
		if report.nativeErr != nil {
			report.NativeError = report.nativeErr.Error()
		}
	}

	report.Duration = s.opts.Now().Sub(startTime)

	if report.Export == nil && report.Native == nil {
		return report, report.Err()
	}
	return report, nil
}

func (s *BackupService) observe(format BackupFormat, err error) {
	metrics.BackupRuns.WithLabelValues(string(format), metrics.StatusLabel(err)).Inc()
	if err != nil {
		logger.Error().Err(err).Str("format", string(format)).Msg("备份失败")
	}
}

// export 读取影片与用户并写入 JSON
func (s *BackupService) export(ctx context.Context, timestamp string, now time.Time) (*BackupArtifact, error) {
	movies, err := s.movies.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取影片失败: %w", err)
	}
	users, err := s.users.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取用户失败: %w", err)
	}

	data := ExportData{
		Version:   "1",
		CreatedAt: now,
		Movies:    movies,
		Users:     users,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化失败: %w", err)
	}

	filename := exportPrefix + timestamp + ".json"
	if s.opts.Compress {
		filename += ".gz"
	}
	filePath := filepath.Join(s.opts.Dir, filename)

	size, err := s.writeFile(filePath, func(w io.Writer) error {
		_, err := w.Write(jsonData)
		return err
	})
	if err != nil {
		return nil, err
	}

	records := len(movies) + len(users)
	logger.Info().
		Str("file", filename).
		Int64("size", size).
		Int("movies", len(movies)).
		Int("users", len(users)).
		Msg("JSON 导出完成")

	return &BackupArtifact{
		Filename:  filename,
		Path:      filePath,
		Format:    FormatExport,
		SizeBytes: size,
		Size:      utils.FormatSize(size),
		Records:   records,
		CreatedAt: now,
	}, nil
}

// nativeDump 调用数据库自带的导出工具
func (s *BackupService) nativeDump(ctx context.Context, timestamp string, now time.Time) (*BackupArtifact, error) {
	if s.dumper == nil {
		return nil, fmt.Errorf("%w: 未配置原生导出工具", ErrBackupIO)
	}

	filename := nativePrefix + timestamp + ".sql"
	if s.opts.Compress {
		filename += ".gz"
	}
	filePath := filepath.Join(s.opts.Dir, filename)

	size, err := s.writeFile(filePath, func(w io.Writer) error {
		return s.dumper.Dump(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Str("file", filename).Int64("size", size).Msg("原生 dump 完成")

	return &BackupArtifact{
		Filename:  filename,
		Path:      filePath,
		Format:    FormatNative,
		SizeBytes: size,
		Size:      utils.FormatSize(size),
		CreatedAt: now,
	}, nil
}

// writeFile 写入文件，按配置 gzip 压缩，返回文件大小；失败时删除写了一半的文件
func (s *BackupService) writeFile(path string, write func(w io.Writer) error) (size int64, err error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("%w: 创建文件失败: %v", ErrBackupIO, err)
	}
	defer func() {
		file.Close()
		if err != nil {
			if rmErr := os.Remove(path); rmErr != nil {
				logger.Warn().Err(rmErr).Str("file", path).Msg("删除不完整的备份文件失败")
			}
		}
	}()

	var w io.Writer = file
	var gz *gzip.Writer
	if s.opts.Compress {
		gz = gzip.NewWriter(file)
		w = gz
	}

	if err := write(w); err != nil {
		return 0, fmt.Errorf("%w: 写入失败: %v", ErrBackupIO, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return 0, fmt.Errorf("%w: 压缩写入失败: %v", ErrBackupIO, err)
		}
	}
	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	return info.Size(), nil
}

// ListBackups 列出所有备份，按时间倒序
func (s *BackupService) ListBackups() ([]BackupArtifact, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []BackupArtifact{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}

	backups := make([]BackupArtifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		format, ok := artifactFormat(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupArtifact{
			Filename:  entry.Name(),
			Path:      filepath.Join(s.opts.Dir, entry.Name()),
			Format:    format,
			SizeBytes: info.Size(),
			Size:      utils.FormatSize(info.Size()),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

func artifactFormat(name string) (BackupFormat, bool) {
	switch {
	case strings.HasPrefix(name, exportPrefix) &&
		(strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz")):
		return FormatExport, true
	case strings.HasPrefix(name, nativePrefix) &&
		(strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, ".sql.gz")):
		return FormatNative, true
	default:
		return "", false
	}
}

// CleanOldBackups 删除超过保留天数的备份，返回删除数量
func (s *BackupService) CleanOldBackups(keepDays int) (int, error) {
	if keepDays <= 0 {
		keepDays = s.opts.RetentionDays
	}

	backups, err := s.ListBackups()
	if err != nil {
		return 0, err
	}

	cutoff := s.opts.Now().AddDate(0, 0, -keepDays)
	deleted := 0

	for _, backup := range backups {
		if !backup.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(backup.Path); err != nil {
			logger.Warn().Err(err).Str("file", backup.Filename).Msg("删除旧备份失败")
			continue
		}
		deleted++
		logger.Debug().Str("file", backup.Filename).Msg("已删除旧备份")
	}

	if deleted > 0 {
		metrics.BackupsDeleted.Add(float64(deleted))
		logger.Info().Int("deleted", deleted).Int("keep_days", keepDays).Msg("已清理旧备份")
	}
	return deleted, nil
}

// RestoreFromBackup 从 JSON 导出恢复；在一个事务内清空后批量写入，仅供手动调用
func (s *BackupService) RestoreFromBackup(ctx context.Context, filename string) (*RestoreResult, error) {
	if filename == "" || filepath.Base(filename) != filename {
		return nil, fmt.Errorf("%w: 非法的文件名 %q", ErrInvalidBackup, filename)
	}
	if format, ok := artifactFormat(filename); !ok || format != FormatExport {
		return nil, fmt.Errorf("%w: 只能从 JSON 导出恢复 %s", ErrInvalidBackup, filename)
	}

	filePath := filepath.Join(s.opts.Dir, filename)
	raw, err := readBackup(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取备份文件失败: %v", ErrBackupIO, err)
	}

	var data ExportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("解析备份数据失败: %w", err)
	}

	if err := s.restorer.RestoreCatalog(ctx, data.Movies, data.Users); err != nil {
		return nil, fmt.Errorf("恢复失败，数据未改动: %w", err)
	}

	logger.Warn().
		Str("file", filename).
		Int("movies", len(data.Movies)).
		Int("users", len(data.Users)).
		Msg("已从备份恢复片库")

	return &RestoreResult{
		Filename: filename,
		Movies:   len(data.Movies),
		Users:    len(data.Users),
	}, nil
}

func readBackup(path string) ([]byte, error) {
	if !strings.HasSuffix(path, ".gz") {
		return os.ReadFile(path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// MysqlDumper 通过 mysqldump 导出
type MysqlDumper struct {
	Path string
	DB   config.DatabaseConfig
}

// NewMysqlDumper 创建 mysqldump 导出器
func NewMysqlDumper(path string, db config.DatabaseConfig) *MysqlDumper {
	if path == "" {
		path = "mysqldump"
	}
	return &MysqlDumper{Path: path, DB: db}
}

// Args mysqldump 参数，密码通过环境变量传递
func (d *MysqlDumper) Args() []string {
	return []string{
		"--single-transaction",
		"--quick",
		"--skip-lock-tables",
		"--default-character-set=utf8mb4",
		"-h", d.DB.Host,
		"-P", strconv.Itoa(d.DB.Port),
		"-u", d.DB.User,
		d.DB.Name,
	}
}

// Dump 执行 mysqldump 并写入 w
func (d *MysqlDumper) Dump(ctx context.Context, w io.Writer) error {
	cmd := exec.CommandContext(ctx, d.Path, d.Args()...)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+d.DB.Password)
	cmd.Stdout = w

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: mysqldump: %s", ErrBackupIO, msg)
	}
	return nil
}
