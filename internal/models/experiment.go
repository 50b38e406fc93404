package models

import (
	"time"

	"gorm.io/gorm"
)

// 实验状态
const (
	ExperimentRunning = "running"
	ExperimentStopped = "stopped"
)

// Experiment 一次实验（start 到 stop）
type Experiment struct {
	BaseModel
	UUID       string     `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Status     string     `gorm:"size:20;default:'running';index" json:"status"`
	StartedAt  time.Time  `gorm:"index" json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Mode       int        `json:"mode"` // 0 高于目标加液，1 低于目标加液
	TargetPH   float64    `json:"target_ph"`
	TotalML    float64    `json:"total_ml"`
	Injections int        `json:"injections"`
	ChargeC    float64    `json:"charge_c"`
	Notes      string     `gorm:"size:500" json:"notes"`
	Settings   JSONMap    `gorm:"type:json" json:"settings"`
}

// TableName 指定表名
func (Experiment) TableName() string {
	return "experiments"
}

// BeforeCreate 创建前的钩子
func (e *Experiment) BeforeCreate(tx *gorm.DB) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = ExperimentRunning
	}
	return nil
}

// Duration 实验时长，运行中按当前时间计算
func (e *Experiment) Duration() time.Duration {
	if e.StoppedAt != nil {
		return e.StoppedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}
