package hardware

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
)

// BusObserver 总线操作观察者（指标采集）
type BusObserver interface {
	ObserveBusOperation(op string, attempts int, hold time.Duration, err error)
}

// ArbiterStats 仲裁器统计
type ArbiterStats struct {
	Operations uint64 `json:"operations"`
	Failures   uint64 `json:"failures"`
	Attempts   uint64 `json:"attempts"`
}

type busRequest struct {
	op    Operation
	reply chan busResult
}

type busResult struct {
	data []byte
	err  error
	hold time.Duration
}

// TransportArbiter 唯一持有物理总线的协程，所有调用方通过消息排队访问
type TransportArbiter struct {
	transport      Transport
	policy         RetryPolicy
	acquireTimeout time.Duration
	logger         *zap.Logger
	observer       BusObserver

	requests chan *busRequest
	stopCh   chan struct{}
	doneCh   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	operations atomic.Uint64
	failures   atomic.Uint64
	attempts   atomic.Uint64
}

// ArbiterOption 仲裁器选项
type ArbiterOption func(*TransportArbiter)

// WithRetryPolicy 设置重试策略
func WithRetryPolicy(p RetryPolicy) ArbiterOption {
	return func(a *TransportArbiter) {
		a.policy = p
	}
}

// WithAcquireTimeout 设置单次获取总线的最长等待
func WithAcquireTimeout(d time.Duration) ArbiterOption {
	return func(a *TransportArbiter) {
		if d > 0 {
			a.acquireTimeout = d
		}
	}
}

// WithArbiterLogger 设置日志器
func WithArbiterLogger(l *zap.Logger) ArbiterOption {
	return func(a *TransportArbiter) {
		a.logger = l
	}
}

// WithBusObserver 设置指标观察者
func WithBusObserver(o BusObserver) ArbiterOption {
	return func(a *TransportArbiter) {
		a.observer = o
	}
}

// NewTransportArbiter 创建总线仲裁器
func NewTransportArbiter(t Transport, opts ...ArbiterOption) *TransportArbiter {
	a := &TransportArbiter{
		transport:      t,
		policy:         DefaultRetryPolicy,
		acquireTimeout: 2 * time.Second,
		logger:         logger.Module("bus"),
		requests:       make(chan *busRequest),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start 启动总线协程
func (a *TransportArbiter) Start() {
	a.startOnce.Do(func() {
		go a.loop()
		a.logger.Info("总线仲裁器已启动",
			zap.Int("attempts", a.policy.Attempts),
			zap.Duration("delay", a.policy.Delay))
	})
}

// Stop 停止总线协程，正在执行的操作会先完成
func (a *TransportArbiter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.startOnce.Do(func() { close(a.doneCh) })
		<-a.doneCh
		a.logger.Info("总线仲裁器已停止")
	})
}

// Stats 获取统计信息
func (a *TransportArbiter) Stats() ArbiterStats {
	return ArbiterStats{
		Operations: a.operations.Load(),
		Failures:   a.failures.Load(),
		Attempts:   a.attempts.Load(),
	}
}

// Execute 排队执行操作，返回时总线已释放
func (a *TransportArbiter) Execute(ctx context.Context, op Operation) ([]byte, error) {
	var (
		data []byte
		hold time.Duration
	)
	attempts, err := Retry(ctx, a.policy, func(int) error {
		a.attempts.Add(1)
		res := a.attempt(ctx, op)
		hold += res.hold
		if res.err != nil {
			return res.err
		}
		data = res.data
		return nil
	})

	a.operations.Add(1)
	if err != nil {
		a.failures.Add(1)
	}
	logger.LogBusOperation(a.logger, op.Name, attempts, hold, err)
	if a.observer != nil {
		a.observer.ObserveBusOperation(op.Name, attempts, hold, err)
	}
	return data, err
}

// attempt 一次获取总线并执行。请求被接受后必然等到结果，不会留下未完成的占用
func (a *TransportArbiter) attempt(ctx context.Context, op Operation) busResult {
	req := &busRequest{op: op, reply: make(chan busResult, 1)}

	timer := time.NewTimer(a.acquireTimeout)
	defer timer.Stop()

	select {
	case a.requests <- req:
	case <-timer.C:
		return busResult{err: apperrors.Newf(apperrors.ErrBusBusy, "%s 等待总线超过 %s", op.Name, a.acquireTimeout)}
	case <-ctx.Done():
		return busResult{err: ctx.Err()}
	case <-a.stopCh:
		return busResult{err: apperrors.New(apperrors.ErrArbiterStopped, op.Name)}
	}

	return <-req.reply
}

func (a *TransportArbiter) loop() {
	defer close(a.doneCh)
	for {
		select {
		case <-a.stopCh:
			return
		case req := <-a.requests:
			start := time.Now()
			data, err := a.run(req.op)
			req.reply <- busResult{data: data, err: err, hold: time.Since(start)}
		}
	}
}

func (a *TransportArbiter) run(op Operation) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Newf(apperrors.ErrCommandFailed, "%s panic: %v", op.Name, r)
			a.logger.Error("总线操作崩溃", zap.String("op", op.Name), zap.Any("panic", r))
		}
	}()
	if op.Run == nil {
		return nil, apperrors.New(apperrors.ErrInvalidParam, fmt.Sprintf("%s 未定义执行函数", op.Name))
	}
	return op.Run(a.transport)
}
