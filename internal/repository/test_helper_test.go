package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 每个测试一个内存数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库只在单个连接内可见
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Experiment{},
		&models.Sample{},
		&models.DeviceStatus{},
	)
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// SeedTestData 创建测试数据
func SeedTestData(t *testing.T, db *gorm.DB) {
	t.Helper()
	devices := []*models.DeviceStatus{
		CreateTestDeviceStatus("ph", "pH 探头", "ph", models.DeviceOnline),
		CreateTestDeviceStatus("temperature", "温度探头", "temperature", models.DeviceOnline),
	}
	require.NoError(t, db.Create(&devices).Error)
}

// CreateTestDeviceStatus 构造设备状态
func CreateTestDeviceStatus(deviceID, name, kind, status string) *models.DeviceStatus {
	return &models.DeviceStatus{
		DeviceID:   deviceID,
		DeviceName: name,
		Kind:       kind,
		Status:     status,
		LastSeenAt: time.Now(),
	}
}

// CreateTestExperiment 构造实验
func CreateTestExperiment(uuid string) *models.Experiment {
	return &models.Experiment{
		UUID:     uuid,
		Mode:     0,
		TargetPH: 7.0,
		Settings: models.JSONMap{"ml_per_injection": 0.1},
	}
}

// AssertDeviceStatus 比较设备状态
func AssertDeviceStatus(t *testing.T, expected, actual *models.DeviceStatus) {
	t.Helper()
	assert.Equal(t, expected.DeviceID, actual.DeviceID)
	assert.Equal(t, expected.DeviceName, actual.DeviceName)
	assert.Equal(t, expected.Kind, actual.Kind)
	assert.Equal(t, expected.Status, actual.Status)
}
