package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/models"
)

func TestDeviceStatusRepository_Register(t *testing.T) {
	db := newTestDB(t)
	repo := NewDeviceStatusRepository(db)
	ctx := context.Background()

	device := CreateTestDeviceStatus("pps", "电源", "voltage", models.DeviceOnline)
	require.NoError(t, repo.RegisterDevice(ctx, device))

	found, err := repo.FindByDeviceID(ctx, "pps")
	require.NoError(t, err)
	AssertDeviceStatus(t, device, found)

	// 重复注册走更新
	again := CreateTestDeviceStatus("pps", "电源 PPS", "voltage", models.DeviceOffline)
	require.NoError(t, repo.RegisterDevice(ctx, again))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "电源 PPS", all[0].DeviceName)
	assert.Equal(t, models.DeviceOffline, all[0].Status)
}

func TestDeviceStatusRepository_ReadingAndFailures(t *testing.T) {
	db := newTestDB(t)
	SeedTestData(t, db)
	repo := NewDeviceStatusRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.RecordFailures(ctx, "ph", 2))
	require.NoError(t, repo.UpdateStatus(ctx, "ph", models.DeviceOffline, map[string]interface{}{"reason": "threshold"}))

	found, err := repo.FindByDeviceID(ctx, "ph")
	require.NoError(t, err)
	assert.Equal(t, 2, found.Failures)
	assert.Equal(t, models.DeviceOffline, found.Status)
	assert.Equal(t, "threshold", found.Extra["reason"])

	at := time.Now()
	require.NoError(t, repo.RecordReading(ctx, "ph", 7.12, at))
	found, err = repo.FindByDeviceID(ctx, "ph")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOnline, found.Status)
	assert.Equal(t, 0, found.Failures)
	assert.Equal(t, 7.12, found.LastValue)

	online, err := repo.FindByStatus(ctx, models.DeviceOnline)
	require.NoError(t, err)
	assert.Len(t, online, 2)
}

func TestDeviceStatusRepository_HealthReport(t *testing.T) {
	db := newTestDB(t)
	SeedTestData(t, db)
	repo := NewDeviceStatusRepository(db)
	ctx := context.Background()

	stale := CreateTestDeviceStatus("current", "电流", "current", models.DeviceOnline)
	stale.LastSeenAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.RegisterDevice(ctx, stale))
	require.NoError(t, repo.RegisterDevice(ctx, CreateTestDeviceStatus("voltage", "电压", "voltage", models.DeviceOffline)))

	report, err := repo.GetHealthReport(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.ByStatus[models.DeviceOnline])
	assert.Equal(t, 1, report.ByStatus[models.DeviceOffline])
	require.Len(t, report.Alerts, 2)

	severity := map[string]string{}
	for _, a := range report.Alerts {
		severity[a.DeviceID] = a.Severity
	}
	assert.Equal(t, SeverityWarning, severity["current"])
	assert.Equal(t, SeverityCritical, severity["voltage"])

	// 不检查停滞时只剩断开的设备
	report, err = repo.GetHealthReport(ctx, 0)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, "voltage", report.Alerts[0].DeviceID)
}
