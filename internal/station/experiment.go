package station

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/models"
	"github.com/wfunc/phstat/internal/poller"
	"github.com/wfunc/phstat/internal/repository"
	"go.uber.org/zap"
)

// ExperimentInfo 当前实验
type ExperimentInfo struct {
	ID        string    `json:"id,omitempty"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ElapsedS  float64   `json:"elapsed_s"`
}

// Running 是否有实验在运行
func (s *Station) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Experiment 当前实验信息
func (s *Station) Experiment() ExperimentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := ExperimentInfo{ID: s.experiment, Running: s.running}
	if s.running {
		info.StartedAt = s.startedAt
		info.ElapsedS = s.now().Sub(s.startedAt).Seconds()
	}
	return info
}

// StartExperiment 开始实验：记录新实验、锚定计时零点、开始电量积分并启用自动加液
func (s *Station) StartExperiment(ctx context.Context) (*models.Experiment, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Running() {
		return nil, apperrors.New(apperrors.ErrExperimentRunning)
	}

	settings := s.controlCfg.Snapshot()
	cal := s.calibration.Get()
	exp, err := s.experiments.Begin(ctx, int(settings.Mode), settings.Target, map[string]interface{}{
		"hysteresis":           settings.Hysteresis,
		"override_policy":      s.actuator.OverridePolicy().String(),
		"ml_per_injection":     cal.VolumePerInjectionML,
		"injection_duration_s": cal.InjectionDurationS,
		"cooldown_s":           cal.CooldownS,
	})
	if err != nil {
		return nil, err
	}

	if s.sink != nil {
		s.sink.SetExperiment(exp.UUID)
	}
	s.mu.Lock()
	s.running = true
	s.experiment = exp.UUID
	s.startedAt = s.now()
	s.mu.Unlock()

	// 电源断连时等待重连后再积分
	if p, ok := s.pollers[DevicePPS]; ok && p.State() != poller.StateDisconnected {
		s.charge.Start()
	}

	s.dosing.Lock()
	s.autoDose = true
	s.dosing.Unlock()

	s.logger.Info("实验开始",
		zap.String("experiment", exp.UUID),
		zap.String("mode", settings.Mode.String()),
		zap.Float64("target_ph", settings.Target))
	s.bus.Publish(events.Event{Type: events.TypeExperiment, Operation: "start", Message: exp.UUID, Timestamp: s.now()})
	return exp, nil
}

// StopExperiment 停止实验：关闭自动加液、停泵、停止积分并保存累计值
func (s *Station) StopExperiment(ctx context.Context) (*models.Experiment, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.Running() {
		return nil, apperrors.New(apperrors.ErrExperimentNotRunning)
	}

	s.dosing.Lock()
	s.autoDose = false
	s.dosing.Unlock()

	// 请求被取消也要把结果落盘
	ctx = context.WithoutCancel(ctx)

	// 进行中的注射在此记录，仍计入本次实验
	s.actuator.Stop(ctx)
	s.charge.Stop()
	totals := s.totals()

	s.mu.Lock()
	id := s.experiment
	s.running = false
	s.experiment = ""
	s.mu.Unlock()

	exp, err := s.experiments.Finish(ctx, id, totals)
	if err != nil {
		s.logger.Error("保存实验结果失败", zap.String("experiment", id), zap.Error(err))
	}
	if s.sink != nil {
		if f, ok := s.sink.(interface{ Flush(context.Context) error }); ok {
			if ferr := f.Flush(ctx); ferr != nil {
				s.logger.Warn("刷新采样日志失败", zap.Error(ferr))
			}
		}
		s.sink.SetExperiment("")
	}

	s.logger.Info("实验结束",
		zap.String("experiment", id),
		zap.Float64("total_ml", totals.TotalML),
		zap.Int("injections", totals.Injections),
		zap.Float64("charge_c", totals.ChargeC))
	s.bus.Publish(events.Event{Type: events.TypeExperiment, Operation: "stop", Message: id, Timestamp: s.now()})
	return exp, err
}

// ResetExperiment 清零加液与电量累计，实验运行中拒绝
func (s *Station) ResetExperiment(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Running() {
		return apperrors.New(apperrors.ErrExperimentRunning)
	}
	s.dose.Reset()
	s.charge.Reset()
	s.updateTotals()

	s.logger.Info("累计值已清零")
	s.bus.Publish(events.Event{Type: events.TypeExperiment, Operation: "reset", Timestamp: s.now()})
	return nil
}

// memoryExperiments 未配置数据库时的实验记录
type memoryExperiments struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]*models.Experiment
}

func newMemoryExperiments(now func() time.Time) *memoryExperiments {
	return &memoryExperiments{now: now, items: make(map[string]*models.Experiment)}
}

func (m *memoryExperiments) Begin(_ context.Context, mode int, targetPH float64, settings map[string]interface{}) (*models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := &models.Experiment{
		UUID:      uuid.New().String(),
		Status:    models.ExperimentRunning,
		StartedAt: m.now(),
		Mode:      mode,
		TargetPH:  targetPH,
		Settings:  models.JSONMap(settings),
	}
	m.items[exp.UUID] = exp
	return exp, nil
}

func (m *memoryExperiments) Checkpoint(_ context.Context, id string, totals repository.ExperimentTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.items[id]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, id)
	}
	exp.TotalML, exp.Injections, exp.ChargeC = totals.TotalML, totals.Injections, totals.ChargeC
	return nil
}

func (m *memoryExperiments) Finish(ctx context.Context, id string, totals repository.ExperimentTotals) (*models.Experiment, error) {
	if err := m.Checkpoint(ctx, id, totals); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := m.items[id]
	at := m.now()
	exp.Status = models.ExperimentStopped
	exp.StoppedAt = &at
	return exp, nil
}
