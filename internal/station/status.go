package station

import (
	"sort"
	"time"

	"github.com/wfunc/phstat/internal/accumulator"
	"github.com/wfunc/phstat/internal/control"
	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/pump"
)

// DeviceInfo 轮询器状态
type DeviceInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Threshold int    `json:"threshold"`
}

// Reading 最近一次读数
type Reading struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// PumpInfo 泵状态
type PumpInfo struct {
	State       string           `json:"state"`
	IsTest      bool             `json:"is_test"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	Calibration pump.Calibration `json:"calibration"`
}

// PPSInfo 电源状态
type PPSInfo struct {
	Limits   hardware.PPSLimits   `json:"limits"`
	Setpoint hardware.PPSSetpoint `json:"setpoint"`
}

// Status 工作站状态快照
type Status struct {
	Experiment     ExperimentInfo           `json:"experiment"`
	Control        control.Settings         `json:"control"`
	ModeName       string                   `json:"mode_name"`
	OverridePolicy string                   `json:"override_policy"`
	Pump           PumpInfo                 `json:"pump"`
	Dose           accumulator.DoseSnapshot `json:"dose"`
	ChargeC        float64                  `json:"charge_c"`
	Readings       map[string]Reading       `json:"readings"`
	Devices        []DeviceInfo             `json:"devices"`
	PPS            *PPSInfo                 `json:"pps,omitempty"`
	Bus            hardware.ArbiterStats    `json:"bus"`
	Mock           bool                     `json:"mock"`
}

// Status 当前状态
func (s *Station) Status() Status {
	settings := s.controlCfg.Snapshot()
	ps := s.actuator.Status()

	st := Status{
		Experiment:     s.Experiment(),
		Control:        settings,
		ModeName:       settings.Mode.String(),
		OverridePolicy: s.actuator.OverridePolicy().String(),
		Pump: PumpInfo{
			State:       ps.State.String(),
			IsTest:      ps.IsTest,
			Calibration: s.calibration.Get(),
		},
		Dose:     s.dose.Snapshot(),
		ChargeC:  s.charge.Total(),
		Readings: make(map[string]Reading),
		Devices:  s.Devices(),
		Bus:      s.arbiter.Stats(),
		Mock:     s.sim != nil,
	}
	if ps.State == pump.StateActive {
		at := ps.StartedAt
		st.Pump.StartedAt = &at
	}

	s.mu.RLock()
	for kind, m := range s.last {
		st.Readings[kind.String()] = Reading{Value: m.Value, Timestamp: m.Timestamp}
	}
	s.mu.RUnlock()

	if s.pps != nil {
		st.PPS = &PPSInfo{Limits: s.pps.Limits(), Setpoint: s.pps.Setpoint()}
	}
	return st
}

// Devices 各轮询器状态，按名称排序
func (s *Station) Devices() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(s.pollers))
	for name, p := range s.pollers {
		fc := p.Failures()
		out = append(out, DeviceInfo{
			Name:      name,
			Kind:      p.Kind().String(),
			State:     p.State().String(),
			Failures:  fc.Count,
			Threshold: fc.Threshold,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
