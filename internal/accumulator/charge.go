// Package accumulator 累计电荷与加液体积
package accumulator

import (
	"math"
	"sync"
	"time"
)

// Clock 单调时钟
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ChargeOption 积分器选项
type ChargeOption func(*ChargeIntegrator)

// WithClock 替换时钟
func WithClock(c Clock) ChargeOption {
	return func(ci *ChargeIntegrator) {
		ci.clock = c
	}
}

// ChargeIntegrator 对电流做矩形积分得到电荷（库仑）
type ChargeIntegrator struct {
	mu      sync.Mutex
	clock   Clock
	total   float64
	last    time.Time
	hasLast bool
	running bool
}

// NewChargeIntegrator 创建积分器，初始为运行状态
func NewChargeIntegrator(opts ...ChargeOption) *ChargeIntegrator {
	ci := &ChargeIntegrator{clock: realClock{}, running: true}
	for _, opt := range opts {
		opt(ci)
	}
	return ci
}

// Tick 记录一次电流采样，返回新的累计值。首次采样没有基准，贡献为 0
func (ci *ChargeIntegrator) Tick(currentAmps float64) float64 {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if !ci.running || math.IsNaN(currentAmps) || math.IsInf(currentAmps, 0) {
		return ci.total
	}
	now := ci.clock.Now()
	if ci.hasLast {
		// time.Time 带单调读数，Sub 不受墙钟调整影响
		if dt := now.Sub(ci.last).Seconds(); dt > 0 {
			ci.total += currentAmps * dt
		}
	}
	ci.last = now
	ci.hasLast = true
	return ci.total
}

// Start 重新锚定时间基准，不清除累计值
func (ci *ChargeIntegrator) Start() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.running = true
	ci.last = ci.clock.Now()
	ci.hasLast = true
}

// Stop 暂停积分
func (ci *ChargeIntegrator) Stop() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.running = false
}

// Reset 清零并清除时间基准
func (ci *ChargeIntegrator) Reset() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.total = 0
	ci.hasLast = false
	ci.last = time.Time{}
}

// Total 当前累计电荷
func (ci *ChargeIntegrator) Total() float64 {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.total
}

// Running 是否在积分
func (ci *ChargeIntegrator) Running() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.running
}
