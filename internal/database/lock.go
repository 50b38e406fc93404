package database

import (
	"os"
	"time"

	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockSuffix       = ".migration.lock"
	lockStaleAfter   = 5 * time.Minute
	lockPollInterval = time.Second
	lockMaxWait      = 30 * time.Second
)

// migrationLock 基于独占创建文件的跨进程迁移锁，仅用于 SQLite 文件库
type migrationLock struct {
	path string
	file *os.File
}

// lockFor 返回数据库对应的迁移锁，非文件库返回 nil
func lockFor(db *gorm.DB) *migrationLock {
	dbPath := sqliteFile(db)
	if dbPath == "" {
		return nil
	}
	return &migrationLock{path: dbPath + lockSuffix}
}

// Acquire 等待至多 lockMaxWait，过期锁会被移除
func (l *migrationLock) Acquire() error {
	deadline := time.Now().Add(lockMaxWait)
	for attempt := 1; ; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			l.file = f
			logger.Debug("获取迁移锁成功", zap.String("lock", l.path))
			return nil
		}
		if l.removeIfStale() {
			continue
		}
		if time.Now().After(deadline) {
			return apperrors.Newf(apperrors.ErrDatabaseConnect, "等待迁移锁 %s 超时", l.path)
		}
		logger.Debug("等待迁移锁...", zap.String("lock", l.path), zap.Int("attempt", attempt))
		time.Sleep(lockPollInterval)
	}
}

// Release 关闭并删除锁文件
func (l *migrationLock) Release() {
	if l.file == nil {
		return
	}
	l.file.Close()
	os.Remove(l.path)
	l.file = nil
	logger.Debug("释放迁移锁", zap.String("lock", l.path))
}

func (l *migrationLock) removeIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil || time.Since(info.ModTime()) <= lockStaleAfter {
		return false
	}
	logger.Warn("迁移锁已过期，删除", zap.String("lock", l.path), zap.Time("mod_time", info.ModTime()))
	return os.Remove(l.path) == nil
}

// sqliteFile SQLite 主库文件路径，其它驱动和内存库返回空
func sqliteFile(db *gorm.DB) string {
	if db.Dialector.Name() != "sqlite" {
		return ""
	}
	sqlDB, err := db.DB()
	if err != nil {
		return ""
	}
	var (
		seq        int
		name, file string
	)
	if err := sqlDB.QueryRow("PRAGMA database_list").Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}
