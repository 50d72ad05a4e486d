// Package utils 工具函数
package utils

import (
	"fmt"
	"strings"
	"time"
)

// BackupTimeLayout 备份文件名中的 ISO-8601 基本格式时间戳（UTC）
const BackupTimeLayout = "20060102T150405Z"

// FormatBackupTime 生成备份文件名时间戳
func FormatBackupTime(t time.Time) string {
	return t.UTC().Format(BackupTimeLayout)
}

// LoadLocation 加载时区，失败时回退到 UTC+7
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = "Asia/Ho_Chi_Minh"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("ICT", 7*3600)
	}
	return loc
}

// FormatSize 格式化文件大小
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration 格式化时长显示
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%d毫秒", d.Milliseconds())
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var b strings.Builder
	if hours > 0 {
		fmt.Fprintf(&b, "%d小时", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%d分钟", minutes)
	}
	if seconds > 0 || b.Len() == 0 {
		fmt.Fprintf(&b, "%d秒", seconds)
	}
	return b.String()
}

// LaterOf 返回两个时间中较晚的一个，nil 视为最早
func LaterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
