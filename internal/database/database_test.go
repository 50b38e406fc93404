package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/config"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func TestOpenAndMigrate_SQLiteFile(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "nested", "phstat.db")

	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn, LogLevel: "silent", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	require.NoError(t, AutoMigrate(db))
	for _, table := range []string{"experiments", "samples", "device_statuses"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}

	// 迁移锁已释放
	_, err = os.Stat(dsn + ".migration.lock")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, DropAllTables(db))
	assert.False(t, db.Migrator().HasTable("samples"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabaseConnect))
}

func TestInitAndClose_Global(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "phstat.db")
	require.NoError(t, Init(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn, LogLevel: "silent"}))
	assert.NotNil(t, GetDB())
	assert.True(t, IsConnected())

	require.NoError(t, Close())
	assert.Nil(t, GetDB())
	assert.False(t, IsConnected())
	require.NoError(t, Close())
}

func TestGormLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, gormLevel("silent"))
	assert.Equal(t, gormlogger.Info, gormLevel("info"))
	assert.Equal(t, gormlogger.Warn, gormLevel(""))

	l := newGormLog(zap.NewNop(), "warn")
	quiet := l.LogMode(gormlogger.Silent).(*gormLog)
	assert.Equal(t, gormlogger.Silent, quiet.level)
	assert.Equal(t, gormlogger.Warn, l.level)
}
