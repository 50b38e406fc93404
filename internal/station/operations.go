package station

import (
	"context"

	"github.com/wfunc/phstat/internal/config"
	"github.com/wfunc/phstat/internal/control"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/poller"
	"github.com/wfunc/phstat/internal/pump"
	"go.uber.org/zap"
)

// ControlUpdate 控制参数修改，nil 字段保持不变
type ControlUpdate struct {
	Select     *int     `json:"select"`
	TargetPH   *float64 `json:"target_ph"`
	Hysteresis *float64 `json:"hysteresis"`
}

// withPaused 暂停指定轮询器后执行 fn，结束后恢复
func (s *Station) withPaused(name string, fn func() error) error {
	p, ok := s.pollers[name]
	if !ok {
		return apperrors.Newf(apperrors.ErrDeviceOffline, "设备 %s 未启用", name)
	}
	p.Pause()
	defer p.Resume()
	return fn()
}

// CalibratePH 单点校准 pH 探头
func (s *Station) CalibratePH(ctx context.Context, point string, value float64) error {
	cp, err := hardware.ParseCalPoint(point)
	if err != nil {
		return err
	}
	err = s.withPaused(DevicePH, func() error {
		return s.ph.Calibrate(ctx, cp, value)
	})
	if err != nil {
		s.logger.Error("pH 校准失败", zap.String("point", string(cp)), zap.Float64("value", value), zap.Error(err))
		return err
	}
	s.logger.Info("pH 校准完成", zap.String("point", string(cp)), zap.Float64("value", value))
	return nil
}

// ClearPHCalibration 清除 pH 探头校准
func (s *Station) ClearPHCalibration(ctx context.Context) error {
	err := s.withPaused(DevicePH, func() error {
		return s.ph.ClearCalibration(ctx)
	})
	if err == nil {
		s.logger.Info("pH 校准已清除")
	}
	return err
}

// PHCalibrationPoints 已校准点数
func (s *Station) PHCalibrationPoints(ctx context.Context) (int, error) {
	var n int
	err := s.withPaused(DevicePH, func() error {
		var err error
		n, err = s.ph.CalibrationPoints(ctx)
		return err
	})
	return n, err
}

// ReadPH 暂停轮询后单次完整读数
func (s *Station) ReadPH(ctx context.Context) (float64, error) {
	var v float64
	err := s.withPaused(DevicePH, func() error {
		var err error
		v, err = s.ph.Read(ctx)
		return err
	})
	return v, err
}

// SetTemperatureCompensation 手动设置 pH 探头温度补偿
func (s *Station) SetTemperatureCompensation(ctx context.Context, celsius float64) error {
	return s.withPaused(DevicePH, func() error {
		return s.ph.SetTemperatureCompensation(ctx, celsius)
	})
}

func (s *Station) powerSupply() (*hardware.PowerSupply, error) {
	if s.pps == nil {
		return nil, apperrors.New(apperrors.ErrDeviceOffline, "电源未启用")
	}
	return s.pps, nil
}

// SetPPSSetpoint 设置电源电压、限流，nil 表示不修改
func (s *Station) SetPPSSetpoint(ctx context.Context, volts, amps *float64) error {
	pps, err := s.powerSupply()
	if err != nil {
		return err
	}
	if volts != nil {
		if err := pps.SetVoltage(ctx, *volts); err != nil {
			return err
		}
	}
	if amps != nil {
		if err := pps.SetCurrent(ctx, *amps); err != nil {
			return err
		}
	}
	sp := pps.Setpoint()
	s.logger.Info("电源设定已更新", zap.Float64("voltage", sp.Voltage), zap.Float64("current", sp.Current))
	return nil
}

// SetPPSOutput 开关电源输出
func (s *Station) SetPPSOutput(ctx context.Context, on bool) error {
	pps, err := s.powerSupply()
	if err != nil {
		return err
	}
	if err := pps.SetOutput(ctx, on); err != nil {
		return err
	}
	s.logger.Info("电源输出已切换", zap.Bool("on", on))
	return nil
}

// Reconnect 重启断连的轮询器；voltage 与 current 均指电源
func (s *Station) Reconnect(device string) error {
	name := device
	switch device {
	case hardware.DeviceVoltage.String(), hardware.DeviceCurrent.String():
		name = DevicePPS
	}
	p, ok := s.pollers[name]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "未知设备 %s", device)
	}
	if p.State() != poller.StateDisconnected {
		return nil
	}
	if err := p.Restart(s.runContext()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDeviceOffline, name)
	}
	if name == DevicePPS && s.Running() {
		// 重新锚定时间，断连期间不计入
		s.charge.Start()
	}

	s.logger.Info("设备已重连", zap.String("device", name))
	s.bus.Publish(events.Event{Type: events.TypeReconnected, Device: p.Kind(), Timestamp: s.now()})
	return nil
}

// TestInjection 手动测试注射
func (s *Station) TestInjection(ctx context.Context) error {
	return s.actuator.TestInjection(ctx)
}

// SetControl 修改控制参数并持久化
func (s *Station) SetControl(u ControlUpdate) (control.Settings, error) {
	// 先在副本上校验，避免部分生效
	cur := s.controlCfg.Snapshot()
	next := control.NewControlConfig(cur.Mode, cur.Target)
	if err := next.SetHysteresis(cur.Hysteresis); err != nil {
		return cur, err
	}
	if err := applyControl(next, u); err != nil {
		return cur, err
	}
	if err := applyControl(s.controlCfg, u); err != nil {
		return cur, err
	}
	settings := s.controlCfg.Snapshot()

	s.logger.Info("控制参数已更新",
		zap.String("mode", settings.Mode.String()),
		zap.Float64("target_ph", settings.Target),
		zap.Float64("hysteresis", settings.Hysteresis))

	return settings, s.persist(map[string]interface{}{
		"control.select":     int(settings.Mode),
		"control.target_ph":  settings.Target,
		"control.hysteresis": settings.Hysteresis,
	})
}

func applyControl(c *control.ControlConfig, u ControlUpdate) error {
	if u.Select != nil {
		mode, err := control.ParseMode(*u.Select)
		if err != nil {
			return err
		}
		if err := c.SetMode(mode); err != nil {
			return err
		}
	}
	if u.TargetPH != nil {
		if err := c.SetTarget(*u.TargetPH); err != nil {
			return err
		}
	}
	if u.Hysteresis != nil {
		if err := c.SetHysteresis(*u.Hysteresis); err != nil {
			return err
		}
	}
	return nil
}

// SetPumpCalibration 修改泵校准并持久化，下一次注射生效
func (s *Station) SetPumpCalibration(cal pump.Calibration) error {
	if err := s.calibration.Set(cal); err != nil {
		return err
	}
	s.logger.Info("泵校准已更新",
		zap.Float64("ml_per_injection", cal.VolumePerInjectionML),
		zap.Float64("injection_duration_s", cal.InjectionDurationS),
		zap.Float64("cooldown_s", cal.CooldownS))

	return s.persist(map[string]interface{}{
		"pump.ml_per_injection":     cal.VolumePerInjectionML,
		"pump.injection_duration_s": cal.InjectionDurationS,
		"pump.cooldown_s":           cal.CooldownS,
	})
}

func (s *Station) persist(values map[string]interface{}) error {
	if s.saveSetting == nil {
		return nil
	}
	for key, value := range values {
		if err := s.saveSetting(key, value); err != nil {
			s.logger.Error("保存配置失败", zap.String("key", key), zap.Error(err))
			return apperrors.Wrap(err, apperrors.ErrConfigSave, key)
		}
	}
	return nil
}

// ApplyConfig 配置文件热加载后同步控制参数、泵校准与判定解除策略，不回写文件
func (s *Station) ApplyConfig(cfg *config.Config) {
	mode, err := control.ParseMode(cfg.Control.Select)
	if err == nil {
		err = applyControl(s.controlCfg, ControlUpdate{
			Select:     &cfg.Control.Select,
			TargetPH:   &cfg.Control.TargetPH,
			Hysteresis: &cfg.Control.Hysteresis,
		})
	}
	if err != nil {
		s.logger.Warn("热加载控制参数失败", zap.Error(err))
	}
	if err := s.calibration.Set(calibrationFromConfig(cfg.Pump)); err != nil {
		s.logger.Warn("热加载泵校准失败", zap.Error(err))
	}
	policy, err := control.ParseOverridePolicy(cfg.Control.OverridePolicy)
	if err != nil {
		s.logger.Warn("热加载判定解除策略失败", zap.Error(err))
	} else {
		s.actuator.SetOverridePolicy(policy)
	}
	s.logger.Info("配置已热加载",
		zap.String("mode", mode.String()),
		zap.Float64("target_ph", cfg.Control.TargetPH),
		zap.String("override_policy", s.actuator.OverridePolicy().String()))
}
