package repository

import (
	"context"
	"time"

	"github.com/wfunc/phstat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceStatusRepository 轮询器状态的持久化视图
type DeviceStatusRepository interface {
	RegisterDevice(ctx context.Context, device *models.DeviceStatus) error
	UpdateStatus(ctx context.Context, deviceID string, status string, extra map[string]interface{}) error
	RecordReading(ctx context.Context, deviceID string, value float64, at time.Time) error
	RecordFailures(ctx context.Context, deviceID string, failures int) error
	FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceStatus, error)
	FindByStatus(ctx context.Context, status string) ([]*models.DeviceStatus, error)
	List(ctx context.Context) ([]*models.DeviceStatus, error)
	GetHealthReport(ctx context.Context, staleAfter time.Duration) (*HealthReport, error)
}

// HealthReport 按状态汇总的设备健康度
type HealthReport struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Alerts   []DeviceAlert  `json:"alerts"`
}

// DeviceAlert 断开、异常或读数停滞的设备
type DeviceAlert struct {
	DeviceID string    `json:"device_id"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"` // warning, critical
	LastSeen time.Time `json:"last_seen"`
	Reason   string    `json:"reason"`
}

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type deviceStatusRepo struct {
	handle
}

func NewDeviceStatusRepository(db *gorm.DB) DeviceStatusRepository {
	return &deviceStatusRepo{handle{db: db}}
}

func (r *deviceStatusRepo) byID(ctx context.Context, deviceID string) *gorm.DB {
	return r.with(ctx).Model(&models.DeviceStatus{}).Where("device_id = ?", deviceID)
}

// RegisterDevice 启动时登记，device_id 冲突则覆盖描述信息
func (r *deviceStatusRepo) RegisterDevice(ctx context.Context, device *models.DeviceStatus) error {
	upsert := clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"device_name", "kind", "status", "address", "last_seen_at", "failures", "updated_at",
		}),
	}
	return r.with(ctx).Clauses(upsert).Create(device).Error
}

func (r *deviceStatusRepo) UpdateStatus(ctx context.Context, deviceID string, status string, extra map[string]interface{}) error {
	changes := map[string]interface{}{"status": status}
	if extra != nil {
		changes["extra"] = models.JSONMap(extra)
	}
	return r.byID(ctx, deviceID).Updates(changes).Error
}

// RecordReading 有读数即视为在线并清零失败计数
func (r *deviceStatusRepo) RecordReading(ctx context.Context, deviceID string, value float64, at time.Time) error {
	return r.byID(ctx, deviceID).Updates(map[string]interface{}{
		"status":       models.DeviceOnline,
		"last_value":   value,
		"last_seen_at": at,
		"failures":     0,
	}).Error
}

func (r *deviceStatusRepo) RecordFailures(ctx context.Context, deviceID string, failures int) error {
	return r.byID(ctx, deviceID).Update("failures", failures).Error
}

func (r *deviceStatusRepo) FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	var d models.DeviceStatus
	if err := r.with(ctx).Where("device_id = ?", deviceID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *deviceStatusRepo) FindByStatus(ctx context.Context, status string) ([]*models.DeviceStatus, error) {
	var out []*models.DeviceStatus
	err := r.with(ctx).Where("status = ?", status).Order("last_seen_at desc").Find(&out).Error
	return out, err
}

func (r *deviceStatusRepo) List(ctx context.Context) ([]*models.DeviceStatus, error) {
	var out []*models.DeviceStatus
	err := r.with(ctx).Order("device_id").Find(&out).Error
	return out, err
}

// GetHealthReport staleAfter 为 0 时不检查在线设备的读数停滞
func (r *deviceStatusRepo) GetHealthReport(ctx context.Context, staleAfter time.Duration) (*HealthReport, error) {
	devices, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{
		Total:    len(devices),
		ByStatus: make(map[string]int, 3),
		Alerts:   []DeviceAlert{},
	}
	cutoff := time.Now().Add(-staleAfter)
	for _, d := range devices {
		report.ByStatus[d.Status]++
		if severity, reason := assess(d, staleAfter, cutoff); severity != "" {
			report.Alerts = append(report.Alerts, DeviceAlert{
				DeviceID: d.DeviceID,
				Kind:     d.Kind,
				Severity: severity,
				LastSeen: d.LastSeenAt,
				Reason:   reason,
			})
		}
	}
	return report, nil
}

func assess(d *models.DeviceStatus, staleAfter time.Duration, cutoff time.Time) (string, string) {
	switch d.Status {
	case models.DeviceOffline:
		return SeverityCritical, "设备已断开"
	case models.DeviceError:
		return SeverityCritical, "设备状态异常"
	case models.DeviceOnline:
		if staleAfter > 0 && d.LastSeenAt.Before(cutoff) {
			return SeverityWarning, "设备长时间没有读数"
		}
	}
	return "", ""
}
