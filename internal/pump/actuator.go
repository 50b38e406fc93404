// Package pump 定时加液泵状态机
package pump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/phstat/internal/control"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
)

// State 泵状态
type State int

const (
	StateIdle State = iota
	StateActive
	StateCooldown
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status 状态快照
type Status struct {
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at,omitempty"`
	IsTest    bool      `json:"is_test"`
}

// DoseRecorder 接收一次成功注射的实际时长
type DoseRecorder interface {
	Record(elapsedS float64, cal Calibration) error
}

// DoseRecorderFunc 函数适配
type DoseRecorderFunc func(elapsedS float64, cal Calibration) error

// Record 实现 DoseRecorder
func (f DoseRecorderFunc) Record(elapsedS float64, cal Calibration) error { return f(elapsedS, cal) }

// Option 执行器选项
type Option func(*Actuator)

// WithOverridePolicy 设置判定转为 false 时的处理方式
func WithOverridePolicy(p control.OverridePolicy) Option {
	return func(a *Actuator) {
		a.policy = p
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(a *Actuator) {
		a.now = now
	}
}

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(a *Actuator) {
		a.logger = l
	}
}

// Actuator 把加液判定转换为定时的物理动作
type Actuator struct {
	line     hardware.ActuationLine
	channel  int
	cal      *CalibrationStore
	recorder DoseRecorder
	pub      events.Publisher
	policy   control.OverridePolicy
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	active    Calibration // 本次注射开始时的校准
	isTest    bool
	lineOn    bool // 开泵是否成功
	gen       uint64
	timer     *time.Timer
}

// NewActuator 创建执行器
func NewActuator(line hardware.ActuationLine, channel int, cal *CalibrationStore, recorder DoseRecorder, pub events.Publisher, opts ...Option) *Actuator {
	a := &Actuator{
		line:     line,
		channel:  channel,
		cal:      cal,
		recorder: recorder,
		pub:      pub,
		now:      time.Now,
		logger:   logger.Module("pump"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// pending 解锁后执行的副作用
type pending struct {
	events []events.Event
	dose   *float64
	cal    Calibration
}

func (a *Actuator) flush(p *pending) {
	if p.dose != nil && a.recorder != nil {
		if err := a.recorder.Record(*p.dose, p.cal); err != nil {
			a.logger.Error("记录加液量失败", zap.Float64("elapsed_s", *p.dose), zap.Error(err))
		}
	}
	for _, e := range p.events {
		a.pub.Publish(e)
	}
}

// HandleDecision 处理一次判定。Active 或 Cooldown 期间的 true 判定直接忽略
func (a *Actuator) HandleDecision(ctx context.Context, d control.DoseDecision) {
	p := &pending{}

	a.mu.Lock()
	switch {
	case d.ConditionMet && a.state == StateIdle:
		a.activate(ctx, false, p)
	case !d.ConditionMet && a.state == StateActive && !a.isTest && a.policy == control.OverrideStopOnClear:
		a.logger.Info("判定解除，提前结束注射")
		a.deactivate(ctx, p)
	}
	a.mu.Unlock()

	a.flush(p)
}

// TestInjection 手动测试注射，不计入加液量，冷却为 0
func (a *Actuator) TestInjection(ctx context.Context) error {
	p := &pending{}

	a.mu.Lock()
	if a.state != StateIdle {
		state := a.state
		a.mu.Unlock()
		return apperrors.Newf(apperrors.ErrDeviceBusy, "泵当前状态 %s", state)
	}
	a.activate(ctx, true, p)
	a.mu.Unlock()

	a.flush(p)
	return nil
}

// Stop 强制回到 Idle 并取消定时器，注射中会关泵。
// 关泵不受 ctx 取消影响，只受重试次数约束
func (a *Actuator) Stop(ctx context.Context) {
	p := &pending{}

	a.mu.Lock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.state == StateActive {
		a.finish(a.switchOff(ctx), p)
	}
	a.state = StateIdle
	a.mu.Unlock()

	a.flush(p)
}

// SetOverridePolicy 热加载时切换策略，从下一次判定起生效
func (a *Actuator) SetOverridePolicy(policy control.OverridePolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.policy != policy {
		a.logger.Info("判定解除策略已切换", zap.String("from", a.policy.String()), zap.String("to", policy.String()))
	}
	a.policy = policy
}

func (a *Actuator) OverridePolicy() control.OverridePolicy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// State 当前状态
func (a *Actuator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status 状态快照
func (a *Actuator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Status{State: a.state, IsTest: a.isTest}
	if a.state == StateActive {
		s.StartedAt = a.startedAt
	}
	return s
}

// activate 需持有 mu，state 为 Idle
func (a *Actuator) activate(ctx context.Context, isTest bool, p *pending) {
	cal := a.cal.Get()
	err := a.line.Set(ctx, a.channel, true)

	a.state = StateActive
	a.startedAt = a.now()
	a.active = cal
	a.isTest = isTest
	a.lineOn = err == nil

	if err != nil {
		a.logger.Error("开泵失败", zap.Bool("is_test", isTest), zap.Error(err))
		p.events = append(p.events, events.HardwareFault("pump_on", err))
	} else {
		logger.LogPumpEvent(a.logger, "activated", isTest, zap.Float64("duration_s", cal.InjectionDurationS))
		p.events = append(p.events, events.PumpActivated(isTest))
	}

	a.schedule(seconds(cal.InjectionDurationS), a.onDurationElapsed)
}

// deactivate 需持有 mu，state 为 Active
func (a *Actuator) deactivate(ctx context.Context, p *pending) {
	a.finish(a.switchOff(ctx), p)

	cooldown := a.active.CooldownS
	if a.isTest {
		cooldown = 0
	}
	a.state = StateCooldown
	a.schedule(seconds(cooldown), a.onCooldownElapsed)
}

// switchOff 调用方断开或关机超时都不能让泵停留在开启状态
func (a *Actuator) switchOff(ctx context.Context) error {
	return a.line.Set(context.WithoutCancel(ctx), a.channel, false)
}

// finish 关泵后的结算，需持有 mu。开泵失败的周期不发 PumpDeactivated
func (a *Actuator) finish(offErr error, p *pending) {
	elapsed := a.now().Sub(a.startedAt).Seconds()
	if offErr != nil {
		a.logger.Error("关泵失败", zap.Bool("is_test", a.isTest), zap.Error(offErr))
		p.events = append(p.events, events.HardwareFault("pump_off", offErr))
		return
	}
	if !a.lineOn {
		a.logger.Debug("开泵失败的周期结束", zap.Bool("is_test", a.isTest))
		return
	}
	logger.LogPumpEvent(a.logger, "deactivated", a.isTest, zap.Float64("elapsed_s", elapsed))
	p.events = append(p.events, events.PumpDeactivated(a.isTest))
	if !a.isTest {
		p.dose = &elapsed
		p.cal = a.active
	}
}

// schedule 需持有 mu，旧定时器通过 gen 失效
func (a *Actuator) schedule(d time.Duration, fn func(gen uint64)) {
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, func() { fn(gen) })
}

func (a *Actuator) onDurationElapsed(gen uint64) {
	p := &pending{}

	a.mu.Lock()
	if gen != a.gen || a.state != StateActive {
		a.mu.Unlock()
		return
	}
	a.deactivate(context.Background(), p)
	a.mu.Unlock()

	a.flush(p)
}

func (a *Actuator) onCooldownElapsed(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.state != StateCooldown {
		return
	}
	a.state = StateIdle
	a.timer = nil
	a.logger.Debug("冷却结束")
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
