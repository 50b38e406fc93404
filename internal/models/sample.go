package models

import (
	"time"
)

// 采样字段名
const (
	FieldPH          = "ph"
	FieldTemperature = "temperature"
	FieldVoltage     = "voltage"
	FieldCurrent     = "current"
	FieldCharge      = "charge_c"
	FieldDoseML      = "dose_ml"
	FieldTotalML     = "total_ml"
)

// Sample 实验记录的一行 (elapsed, field, value)
type Sample struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	ExperimentID string    `gorm:"size:36;index:idx_samples_exp_field;not null" json:"experiment_id"`
	Field        string    `gorm:"size:32;index:idx_samples_exp_field;not null" json:"field"`
	ElapsedS     float64   `gorm:"index" json:"elapsed_s"`
	Value        float64   `json:"value"`
}

// TableName 指定表名
func (Sample) TableName() string {
	return "samples"
}

// SampleQuery 查询参数
type SampleQuery struct {
	ExperimentID string   `form:"-" json:"experiment_id"`
	Field        string   `form:"field" json:"field,omitempty"`
	SinceS       *float64 `form:"since" json:"since,omitempty"`
	UntilS       *float64 `form:"until" json:"until,omitempty"`
	Limit        int      `form:"limit" json:"limit,omitempty"`
	Offset       int      `form:"offset" json:"offset,omitempty"`
}

// FieldStats 单个字段的统计
type FieldStats struct {
	Field string  `json:"field"`
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}
