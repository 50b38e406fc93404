package pump

import (
	"math"
	"sync"

	apperrors "github.com/wfunc/phstat/internal/errors"
)

// Calibration 泵校准参数
type Calibration struct {
	VolumePerInjectionML float64 `json:"ml_per_injection" mapstructure:"ml_per_injection"`
	InjectionDurationS   float64 `json:"injection_duration_s" mapstructure:"injection_duration_s"`
	CooldownS            float64 `json:"cooldown_s" mapstructure:"cooldown_s"`
}

// Validate 校验参数
func (c Calibration) Validate() error {
	for _, v := range []float64{c.VolumePerInjectionML, c.InjectionDurationS, c.CooldownS} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperrors.New(apperrors.ErrInvalidCalibration, "校准参数必须为有限数")
		}
	}
	if c.VolumePerInjectionML < 0 {
		return apperrors.New(apperrors.ErrInvalidCalibration, "单次注射体积不能为负")
	}
	if c.InjectionDurationS <= 0 {
		return apperrors.New(apperrors.ErrInvalidCalibration, "注射时长必须大于 0")
	}
	if c.CooldownS < 0 {
		return apperrors.New(apperrors.ErrInvalidCalibration, "冷却时间不能为负")
	}
	return nil
}

// RateMLPerSecond 每秒注射体积
func (c Calibration) RateMLPerSecond() float64 {
	return c.VolumePerInjectionML / c.InjectionDurationS
}

// CalibrationStore 并发安全的校准参数
type CalibrationStore struct {
	mu  sync.RWMutex
	cal Calibration
}

// NewCalibrationStore 创建
func NewCalibrationStore(cal Calibration) (*CalibrationStore, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &CalibrationStore{cal: cal}, nil
}

// Get 当前校准
func (s *CalibrationStore) Get() Calibration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cal
}

// Set 更新校准，进行中的注射按开始时的参数完成
func (s *CalibrationStore) Set(cal Calibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cal = cal
	s.mu.Unlock()
	return nil
}
