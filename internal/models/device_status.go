package models

import "time"

// 设备状态
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
	DeviceError   = "error"
)

// DeviceStatus 设备状态表
type DeviceStatus struct {
	BaseModel
	DeviceID   string    `gorm:"uniqueIndex;size:100;not null" json:"device_id"`
	DeviceName string    `gorm:"size:100" json:"device_name"`
	Kind       string    `gorm:"size:50" json:"kind"` // ph, temperature, voltage, current, pump
	Status     string    `gorm:"size:20;default:'online'" json:"status"`
	Address    int       `json:"address"`
	LastValue  float64   `json:"last_value"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Failures   int       `json:"failures"`
	Extra      JSONMap   `gorm:"type:json" json:"extra"`
}

// TableName 指定表名
func (DeviceStatus) TableName() string {
	return "device_statuses"
}
