// Package poller 周期性设备轮询
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
)

// ReadFunc 一次读数周期。返回空切片且无错误表示本周期无读数（例如预热）
type ReadFunc func(ctx context.Context) ([]hardware.Measurement, error)

// State 轮询器状态
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateDisconnected
	StateStopped
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config 轮询配置
type Config struct {
	Name             string
	Kind             hardware.DeviceKind // 断连事件中报告的设备
	Interval         time.Duration
	FailureThreshold int
}

// FailureCounter 连续失败计数
type FailureCounter struct {
	Count     int `json:"count"`
	Threshold int `json:"threshold"`
}

// Fail 记录一次失败，返回是否达到阈值
func (c *FailureCounter) Fail() bool {
	c.Count++
	return c.Count >= c.Threshold
}

// Reset 清零
func (c *FailureCounter) Reset() {
	c.Count = 0
}

// Observer 轮询指标观察者
type Observer interface {
	ObservePoll(device string, err error, failures int)
}

// Option 轮询器选项
type Option func(*DevicePoller)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(p *DevicePoller) {
		p.logger = l
	}
}

// WithObserver 设置指标观察者
func WithObserver(o Observer) Option {
	return func(p *DevicePoller) {
		p.observer = o
	}
}

// DevicePoller 单个设备的轮询循环
type DevicePoller struct {
	cfg      Config
	read     ReadFunc
	pub      events.Publisher
	logger   *zap.Logger
	observer Observer

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	paused  bool
	inCycle bool
	counter FailureCounter
	done    chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New 创建轮询器
func New(cfg Config, read ReadFunc, pub events.Publisher, opts ...Option) *DevicePoller {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	p := &DevicePoller{
		cfg:     cfg,
		read:    read,
		pub:     pub,
		logger:  logger.Module("poller").With(zap.String("device", cfg.Name)),
		counter: FailureCounter{Threshold: cfg.FailureThreshold},
		stopCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 轮询器名称
func (p *DevicePoller) Name() string { return p.cfg.Name }

// Kind 设备类型
func (p *DevicePoller) Kind() hardware.DeviceKind { return p.cfg.Kind }

// Start 启动轮询循环；已断连时等同 Restart
func (p *DevicePoller) Start(ctx context.Context) error {
	return p.start(ctx, false)
}

// Restart 从断连状态重新开始，失败计数清零
func (p *DevicePoller) Restart(ctx context.Context) error {
	return p.start(ctx, true)
}

func (p *DevicePoller) start(ctx context.Context, restart bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateStopped:
		return fmt.Errorf("poller %s 已停止", p.cfg.Name)
	case StateRunning, StatePaused:
		return nil
	case StateDisconnected:
		restart = true
	}
	p.counter.Reset()
	p.launch(ctx)
	if restart {
		p.logger.Info("轮询已重启")
	}
	return nil
}

// launch 需持有 mu
func (p *DevicePoller) launch(ctx context.Context) {
	p.state = StateRunning
	if p.paused {
		p.state = StatePaused
	}
	done := make(chan struct{})
	p.done = done
	// 上下文取消时唤醒暂停中的循环
	release := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	go func() {
		p.loop(ctx, done)
		release()
	}()
}

// Pause 暂停轮询，返回时没有进行中的读操作
func (p *DevicePoller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.paused = true
	if p.state == StateRunning {
		p.state = StatePaused
	}
	for p.inCycle {
		p.cond.Wait()
	}
	p.logger.Debug("轮询已暂停")
}

// Resume 恢复轮询
func (p *DevicePoller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.paused = false
	if p.state == StatePaused {
		p.state = StateRunning
	}
	p.cond.Broadcast()
	p.logger.Debug("轮询已恢复")
}

// Stop 永久停止，可重复调用
func (p *DevicePoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.state = StateStopped
		p.cond.Broadcast()
		p.mu.Unlock()
		p.logger.Info("轮询已停止")
	})
}

// Wait 等待当前循环退出
func (p *DevicePoller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State 当前状态
func (p *DevicePoller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Failures 当前连续失败次数
func (p *DevicePoller) Failures() FailureCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counter
}

func (p *DevicePoller) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *DevicePoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		// 安全点：暂停时在此等待
		p.mu.Lock()
		for p.paused && !p.stopped() && ctx.Err() == nil {
			p.cond.Wait()
		}
		if p.stopped() || ctx.Err() != nil {
			p.state = StateStopped
			p.mu.Unlock()
			return
		}
		p.inCycle = true
		p.mu.Unlock()

		measurements, err := p.read(ctx)

		p.mu.Lock()
		p.inCycle = false
		reached := false
		if err != nil {
			reached = p.counter.Fail()
		} else {
			p.counter.Reset()
		}
		failures := p.counter.Count
		p.cond.Broadcast()
		p.mu.Unlock()

		if p.observer != nil {
			p.observer.ObservePoll(p.cfg.Name, err, failures)
		}

		if err != nil {
			p.logger.Warn("读取失败",
				zap.Int("failures", failures),
				zap.Int("threshold", p.cfg.FailureThreshold),
				zap.Error(err))
			if reached {
				p.logger.Error("设备断开连接，轮询终止", zap.String("kind", p.cfg.Kind.String()))
				// 断连处理完成后才对外呈现 Disconnected，Restart 不会早于它
				p.pub.Publish(events.Disconnected(p.cfg.Kind))
				p.mu.Lock()
				if p.state != StateStopped {
					p.state = StateDisconnected
				}
				p.mu.Unlock()
				return
			}
		} else {
			for _, m := range measurements {
				logger.LogMeasurement(p.logger, m.Kind.String(), m.Value, m.Timestamp)
				p.pub.Publish(events.Measurement(m))
			}
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-p.stopCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}
