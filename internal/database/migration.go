package database

import (
	"fmt"

	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"github.com/wfunc/phstat/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migrationModels 需要迁移的模型
var migrationModels = []interface{}{
	&models.Experiment{},
	&models.Sample{},
	&models.DeviceStatus{},
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return apperrors.New(apperrors.ErrDatabaseConnect, "数据库未初始化")
	}

	// 获取迁移锁，避免多个进程同时迁移同一个 SQLite 文件
	if lock := lockFor(db); lock != nil {
		if err := lock.Acquire(); err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return err
		}
		defer lock.Release()
	}

	logger.Info("开始数据库迁移...")
	for _, model := range migrationModels {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "迁移失败")
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	createIndexes(db)
	logger.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建查询用的额外索引
func createIndexes(db *gorm.DB) {
	indexes := map[string]string{
		"idx_experiments_status_started": "CREATE INDEX IF NOT EXISTS idx_experiments_status_started ON experiments(status, started_at)",
		"idx_samples_created_at":         "CREATE INDEX IF NOT EXISTS idx_samples_created_at ON samples(created_at)",
	}
	for name, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			logger.Warn("创建索引失败", zap.String("index", name), zap.Error(err))
		}
	}
}

// DropAllTables 删除全部表（测试和重置用）
func DropAllTables(db *gorm.DB) error {
	return db.Migrator().DropTable(migrationModels...)
}
