package repository

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Manager 仓储管理器，提供所有仓储的统一访问接口
type Manager struct {
	db *gorm.DB

	experimentOnce sync.Once
	experiment     ExperimentRepository

	sampleOnce sync.Once
	sample     *SampleRepository

	deviceStatusOnce sync.Once
	deviceStatus     DeviceStatusRepository
}

// NewManager 创建仓储管理器
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// GetDB 获取数据库实例
func (m *Manager) GetDB() *gorm.DB {
	return m.db
}

// Experiment 实验仓储
func (m *Manager) Experiment() ExperimentRepository {
	m.experimentOnce.Do(func() {
		m.experiment = NewExperimentRepository(m.db)
	})
	return m.experiment
}

// Sample 采样仓储
func (m *Manager) Sample() *SampleRepository {
	m.sampleOnce.Do(func() {
		m.sample = NewSampleRepository(m.db)
	})
	return m.sample
}

// DeviceStatus 设备状态仓储
func (m *Manager) DeviceStatus() DeviceStatusRepository {
	m.deviceStatusOnce.Do(func() {
		m.deviceStatus = NewDeviceStatusRepository(m.db)
	})
	return m.deviceStatus
}

// WithTransaction 在事务中执行，fn 收到绑定事务的管理器
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *Manager) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewManager(tx))
	})
}
