// Package control 加液判定
package control

import (
	"fmt"
	"math"
	"sync"

	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
)

// Mode 加液模式，数值与持久化字段 select 一致
type Mode int

const (
	DoseWhenAbove Mode = 0
	DoseWhenBelow Mode = 1
)

// String 模式名
func (m Mode) String() string {
	switch m {
	case DoseWhenAbove:
		return "dose_when_above"
	case DoseWhenBelow:
		return "dose_when_below"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode 从 select 字段解析
func ParseMode(sel int) (Mode, error) {
	switch Mode(sel) {
	case DoseWhenAbove, DoseWhenBelow:
		return Mode(sel), nil
	}
	return 0, apperrors.Newf(apperrors.ErrInvalidParam, "select 必须为 0 或 1, 当前 %d", sel)
}

// OverridePolicy 自动加液时判定转为 false 的处理方式
type OverridePolicy int

const (
	// OverrideLegacy 判定转为 false 不会提前关泵，本次加液按定时结束
	OverrideLegacy OverridePolicy = iota
	// OverrideStopOnClear 判定转为 false 时立即关泵进入冷却
	OverrideStopOnClear
)

// String 策略名
func (p OverridePolicy) String() string {
	if p == OverrideStopOnClear {
		return "stop_on_clear"
	}
	return "legacy"
}

// ParseOverridePolicy 解析策略名
func ParseOverridePolicy(s string) (OverridePolicy, error) {
	switch s {
	case "", "legacy":
		return OverrideLegacy, nil
	case "stop_on_clear":
		return OverrideStopOnClear, nil
	}
	return 0, apperrors.Newf(apperrors.ErrInvalidParam, "未知的 override_policy %q", s)
}

// Settings 控制配置快照
type Settings struct {
	Mode       Mode    `json:"mode"`
	Target     float64 `json:"target"`
	Hysteresis float64 `json:"hysteresis"`
}

// ControlConfig 控制配置，仅通过 setter 修改
type ControlConfig struct {
	mu         sync.RWMutex
	mode       Mode
	target     float64
	hysteresis float64
}

// NewControlConfig 创建控制配置
func NewControlConfig(mode Mode, target float64) *ControlConfig {
	return &ControlConfig{mode: mode, target: target}
}

// SetMode 设置模式
func (c *ControlConfig) SetMode(m Mode) error {
	if m != DoseWhenAbove && m != DoseWhenBelow {
		return apperrors.Newf(apperrors.ErrInvalidParam, "未知模式 %d", int(m))
	}
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	return nil
}

// SetTarget 设置目标 pH
func (c *ControlConfig) SetTarget(target float64) error {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return apperrors.New(apperrors.ErrInvalidParam, "目标值无效")
	}
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
	return nil
}

// SetHysteresis 设置回差带宽，0 表示不启用
func (c *ControlConfig) SetHysteresis(band float64) error {
	if math.IsNaN(band) || band < 0 {
		return apperrors.New(apperrors.ErrInvalidParam, "回差必须为非负数")
	}
	c.mu.Lock()
	c.hysteresis = band
	c.mu.Unlock()
	return nil
}

// Snapshot 读取快照
func (c *ControlConfig) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Settings{Mode: c.mode, Target: c.target, Hysteresis: c.hysteresis}
}

// DoseDecision 单次判定结果
type DoseDecision struct {
	ConditionMet bool `json:"condition_met"`
}

// WarningReporter 接收无效测量的告警
type WarningReporter interface {
	Warn(msg string, value float64)
}

type zapReporter struct {
	logger *zap.Logger
}

func (r zapReporter) Warn(msg string, value float64) {
	r.logger.Warn(msg, zap.Float64("value", value))
}

// ControlLoop 无状态判定
type ControlLoop struct {
	warnings WarningReporter
}

// NewControlLoop 创建判定器，reporter 为 nil 时写日志
func NewControlLoop(reporter WarningReporter) *ControlLoop {
	if reporter == nil {
		reporter = zapReporter{logger: logger.Module("control")}
	}
	return &ControlLoop{warnings: reporter}
}

// Process 基础判定：等于目标值时不加液
func (l *ControlLoop) Process(measurement float64, cfg *ControlConfig) DoseDecision {
	if !l.valid(measurement) {
		return DoseDecision{}
	}
	s := cfg.Snapshot()
	return DoseDecision{ConditionMet: compare(measurement, s.Mode, s.Target)}
}

// ProcessWithHysteresis 回差扩展：加液进行中时判定保持到越过目标值，
// 空闲时需越过 target ± hysteresis 才开始。hysteresis 为 0 时等同 Process。
// active 由调用方提供，判定器本身不保存状态。
func (l *ControlLoop) ProcessWithHysteresis(measurement float64, cfg *ControlConfig, active bool) DoseDecision {
	if !l.valid(measurement) {
		return DoseDecision{}
	}
	s := cfg.Snapshot()
	if s.Hysteresis == 0 || active {
		return DoseDecision{ConditionMet: compare(measurement, s.Mode, s.Target)}
	}
	threshold := s.Target + s.Hysteresis
	if s.Mode == DoseWhenBelow {
		threshold = s.Target - s.Hysteresis
	}
	return DoseDecision{ConditionMet: compare(measurement, s.Mode, threshold)}
}

func (l *ControlLoop) valid(measurement float64) bool {
	if math.IsNaN(measurement) || math.IsInf(measurement, 0) {
		l.warnings.Warn("无效的 pH 读数，不加液", measurement)
		return false
	}
	return true
}

func compare(measurement float64, mode Mode, threshold float64) bool {
	if mode == DoseWhenBelow {
		return measurement < threshold
	}
	return measurement > threshold
}
