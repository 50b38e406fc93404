package accumulator

import (
	"math"
	"sync"

	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/pump"
)

// DoseSnapshot 加液累计快照
type DoseSnapshot struct {
	TotalML    float64 `json:"total_ml"`
	Injections int     `json:"injections"`
}

// DoseAccumulator 按实际时长折算加液体积
type DoseAccumulator struct {
	mu         sync.Mutex
	totalML    float64
	injections int
}

// NewDoseAccumulator 创建
func NewDoseAccumulator() *DoseAccumulator {
	return &DoseAccumulator{}
}

// Record 记录一次注射：体积 = 单次体积 / 注射时长 * 实际时长
func (d *DoseAccumulator) Record(elapsedS float64, cal pump.Calibration) error {
	if math.IsNaN(elapsedS) || math.IsInf(elapsedS, 0) || elapsedS < 0 {
		return apperrors.Newf(apperrors.ErrInvalidParam, "无效的注射时长 %v", elapsedS)
	}
	if cal.InjectionDurationS <= 0 {
		return apperrors.New(apperrors.ErrInvalidCalibration, "注射时长必须大于 0")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.injections++
	d.totalML += cal.RateMLPerSecond() * elapsedS
	return nil
}

// Reset 清零
func (d *DoseAccumulator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalML = 0
	d.injections = 0
}

// Snapshot 当前累计
func (d *DoseAccumulator) Snapshot() DoseSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DoseSnapshot{TotalML: d.totalML, Injections: d.injections}
}
