package database

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wfunc/phstat/internal/config"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	mu     sync.RWMutex
	shared *gorm.DB
)

// Init 打开进程共用的连接
func Init(cfg *config.DatabaseConfig) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	shared = db
	mu.Unlock()
	return nil
}

// GetDB 未 Init 时为 nil
func GetDB() *gorm.DB {
	mu.RLock()
	defer mu.RUnlock()
	return shared
}

// dialectorFor sqlite 会先创建数据文件所在目录
func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "sqlite", "sqlite3", "":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "创建数据目录失败")
		}
		return sqlite.Open(cfg.DSN), nil
	}
	return nil, apperrors.Newf(apperrors.ErrDatabaseConnect, "不支持的数据库驱动: %s", cfg.Driver)
}

// Open 按配置打开数据库并校验连通性，不修改全局连接
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLog(logger.Module("database"), cfg.LogLevel),
		// 样本按批写入，单条语句无需隐式事务
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "连接数据库失败")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "获取连接池失败")
	}
	if n := cfg.MaxIdleConns; n > 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	if n := cfg.MaxOpenConns; n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if d := cfg.ConnMaxLifetime; d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "数据库不可达")
	}

	if db.Dialector.Name() == "sqlite" {
		// 轮询写入与接口读取同时进行
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if err := db.Exec(pragma).Error; err != nil {
				logger.Warn("设置 SQLite 参数失败", zap.String("pragma", pragma), zap.Error(err))
			}
		}
	}

	logger.Info("数据库已连接",
		zap.String("driver", db.Dialector.Name()),
		zap.Int("max_open", cfg.MaxOpenConns),
	)
	return db, nil
}

func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path, _, _ := strings.Cut(dsn, "?")
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close 关闭全局连接，可重复调用
func Close() error {
	mu.Lock()
	db := shared
	shared = nil
	mu.Unlock()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsConnected 全局连接存在且能 ping 通
func IsConnected() bool {
	db := GetDB()
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	return err == nil && sqlDB.Ping() == nil
}
