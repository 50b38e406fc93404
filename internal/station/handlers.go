package station

import (
	"context"
	"time"

	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/models"
	"github.com/wfunc/phstat/internal/pump"
	"github.com/wfunc/phstat/internal/repository"
	"go.uber.org/zap"
)

// handleEvent 在发布方协程中同步执行
func (s *Station) handleEvent(e events.Event) {
	if s.metrics != nil {
		s.metrics.HandleEvent(e)
	}

	switch e.Type {
	case events.TypeMeasurement:
		s.onMeasurement(e)
	case events.TypeDisconnected:
		s.onDisconnected(e)
	case events.TypeHardwareFault:
		if e.Operation == "pump_on" || e.Operation == "pump_off" {
			s.markDevice(s.runContext(), DeviceRelay, models.DeviceError)
		}
	}
}

func (s *Station) onMeasurement(e events.Event) {
	m := hardware.Measurement{Value: e.Value, Kind: e.Device, Timestamp: e.Timestamp}
	id := deviceID(m.Kind)

	s.mu.Lock()
	s.last[m.Kind] = m
	first := !s.seen[id]
	s.seen[id] = true
	s.mu.Unlock()

	if first {
		s.recordReading(s.runContext(), id, m)
	}

	switch m.Kind {
	case hardware.DevicePH:
		s.dosePH(m)
	case hardware.DeviceTemperature:
		s.logSample(m.Timestamp, models.FieldTemperature, m.Value)
	case hardware.DeviceVoltage:
		s.logSample(m.Timestamp, models.FieldVoltage, m.Value)
	case hardware.DeviceCurrent:
		s.integrateCurrent(m)
	}
}

// dosePH 实验运行期间把 pH 读数交给控制回路，判定结果驱动加液泵
func (s *Station) dosePH(m hardware.Measurement) {
	s.dosing.Lock()
	defer s.dosing.Unlock()

	if !s.autoDose {
		return
	}
	s.logSample(m.Timestamp, models.FieldPH, m.Value)

	active := s.actuator.State() == pump.StateActive
	decision := s.loop.ProcessWithHysteresis(m.Value, s.controlCfg, active)
	s.actuator.HandleDecision(s.runContext(), decision)
}

func (s *Station) integrateCurrent(m hardware.Measurement) {
	if !s.Running() {
		return
	}
	total := s.charge.Tick(m.Value)
	s.logSample(m.Timestamp, models.FieldCurrent, m.Value)
	s.logSample(m.Timestamp, models.FieldCharge, total)
	s.updateTotals()
	s.bus.Publish(events.Event{
		Type:      events.TypeChargeUpdated,
		Device:    hardware.DeviceCurrent,
		Value:     total,
		Timestamp: m.Timestamp,
	})
}

func (s *Station) onDisconnected(e events.Event) {
	id := deviceID(e.Device)

	s.mu.Lock()
	delete(s.seen, id)
	s.mu.Unlock()

	if id == DevicePPS {
		// 恢复连接前不积分
		s.charge.Stop()
	}
	s.logger.Warn("设备断开连接", zap.String("device", id))
	s.markDevice(s.runContext(), id, models.DeviceOffline)
}

// recordDose 作为加液泵的剂量记录器，在泵的锁外调用
func (s *Station) recordDose(elapsedS float64, cal pump.Calibration) error {
	before := s.dose.Snapshot().TotalML
	if err := s.dose.Record(elapsedS, cal); err != nil {
		s.logger.Error("记录加液失败", zap.Float64("elapsed_s", elapsedS), zap.Error(err))
		return err
	}
	snap := s.dose.Snapshot()
	now := s.now()

	s.logSample(now, models.FieldDoseML, snap.TotalML-before)
	s.logSample(now, models.FieldTotalML, snap.TotalML)
	s.updateTotals()

	s.logger.Info("加液已记录",
		zap.Float64("elapsed_s", elapsedS),
		zap.Float64("total_ml", snap.TotalML),
		zap.Int("injections", snap.Injections))
	s.bus.Publish(events.Event{
		Type:      events.TypeDoseRecorded,
		Value:     snap.TotalML,
		Timestamp: now,
	})
	return nil
}

// snapshot 定时任务：把累计值写入采样日志并更新实验记录
func (s *Station) snapshot() {
	s.mu.RLock()
	running := s.running
	id := s.experiment
	online := make(map[string]hardware.Measurement, len(s.last))
	for kind, m := range s.last {
		// 已断连设备不刷新
		if s.seen[deviceID(kind)] {
			online[deviceID(kind)] = m
		}
	}
	s.mu.RUnlock()

	ctx := s.runContext()
	for dev, m := range online {
		s.recordReading(ctx, dev, m)
	}

	if !running {
		return
	}
	totals := s.totals()
	now := s.now()
	s.logSample(now, models.FieldTotalML, totals.TotalML)
	s.logSample(now, models.FieldCharge, totals.ChargeC)
	if err := s.experiments.Checkpoint(ctx, id, totals); err != nil {
		s.logger.Warn("保存实验快照失败", zap.String("experiment", id), zap.Error(err))
	}
}

func (s *Station) totals() repository.ExperimentTotals {
	dose := s.dose.Snapshot()
	return repository.ExperimentTotals{
		TotalML:    dose.TotalML,
		Injections: dose.Injections,
		ChargeC:    s.charge.Total(),
	}
}

func (s *Station) updateTotals() {
	if s.metrics == nil {
		return
	}
	t := s.totals()
	s.metrics.SetTotals(t.TotalML, t.Injections, t.ChargeC)
}

// logSample 以实验开始时刻为零点记录
func (s *Station) logSample(at time.Time, field string, value float64) {
	if s.sink == nil {
		return
	}
	s.mu.RLock()
	running := s.running
	elapsed := at.Sub(s.startedAt).Seconds()
	s.mu.RUnlock()
	if !running {
		return
	}
	s.sink.Log(elapsed, field, value)
}

func (s *Station) recordReading(ctx context.Context, id string, m hardware.Measurement) {
	if s.devices == nil {
		return
	}
	if err := s.devices.RecordReading(ctx, id, m.Value, m.Timestamp); err != nil {
		s.logger.Warn("更新设备读数失败", zap.String("device", id), zap.Error(err))
	}
}

func (s *Station) markDevice(ctx context.Context, id, status string) {
	if s.devices == nil {
		return
	}
	if err := s.devices.UpdateStatus(ctx, id, status, nil); err != nil {
		s.logger.Warn("更新设备状态失败", zap.String("device", id), zap.String("status", status), zap.Error(err))
	}
}
