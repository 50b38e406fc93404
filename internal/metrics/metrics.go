// Package metrics Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/phstat/internal/events"
)

// Metrics 站点指标集合，使用独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	busOps      *prometheus.CounterVec
	busAttempts prometheus.Counter
	busHold     prometheus.Histogram
	polls       *prometheus.CounterVec
	pollFails   *prometheus.GaugeVec
	measurement *prometheus.GaugeVec
	pumpActive  prometheus.Gauge
	pumpRuns    *prometheus.CounterVec
	faults      *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	doseML      prometheus.Gauge
	injections  prometheus.Gauge
	chargeC     prometheus.Gauge
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		busOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phstat_bus_operations_total",
			Help: "Bus operations executed by the arbiter.",
		}, []string{"op", "result"}),
		busAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phstat_bus_attempts_total",
			Help: "Bus attempts including retries.",
		}),
		busHold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phstat_bus_hold_seconds",
			Help:    "Time an operation held the bus.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phstat_poll_cycles_total",
			Help: "Poll cycles per device.",
		}, []string{"device", "result"}),
		pollFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "phstat_poll_consecutive_failures",
			Help: "Consecutive failed reads per device.",
		}, []string{"device"}),
		measurement: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "phstat_measurement",
			Help: "Last measured value per device kind.",
		}, []string{"kind"}),
		pumpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phstat_pump_active",
			Help: "1 while the dosing pump line is on.",
		}),
		pumpRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phstat_pump_activations_total",
			Help: "Pump activations.",
		}, []string{"test"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phstat_hardware_faults_total",
			Help: "Hardware faults by operation.",
		}, []string{"operation"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phstat_device_disconnects_total",
			Help: "Devices declared disconnected.",
		}, []string{"kind"}),
		doseML: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phstat_dose_total_ml",
			Help: "Dosed volume in the current experiment.",
		}),
		injections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phstat_dose_injections",
			Help: "Injections in the current experiment.",
		}),
		chargeC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phstat_charge_coulombs",
			Help: "Integrated charge in the current experiment.",
		}),
	}

	m.registry.MustRegister(
		m.busOps, m.busAttempts, m.busHold,
		m.polls, m.pollFails, m.measurement,
		m.pumpActive, m.pumpRuns, m.faults, m.disconnects,
		m.doseML, m.injections, m.chargeC,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBusOperation 实现 hardware.BusObserver
func (m *Metrics) ObserveBusOperation(op string, attempts int, hold time.Duration, err error) {
	m.busOps.WithLabelValues(op, result(err)).Inc()
	m.busAttempts.Add(float64(attempts))
	m.busHold.Observe(hold.Seconds())
}

// ObservePoll 实现 poller.Observer
func (m *Metrics) ObservePoll(device string, err error, failures int) {
	m.polls.WithLabelValues(device, result(err)).Inc()
	m.pollFails.WithLabelValues(device).Set(float64(failures))
}

// SetTotals 更新实验累计值
func (m *Metrics) SetTotals(doseML float64, injections int, chargeC float64) {
	m.doseML.Set(doseML)
	m.injections.Set(float64(injections))
	m.chargeC.Set(chargeC)
}

// HandleEvent 从事件总线更新指标
func (m *Metrics) HandleEvent(e events.Event) {
	switch e.Type {
	case events.TypeMeasurement:
		m.measurement.WithLabelValues(e.Device.String()).Set(e.Value)
	case events.TypePumpActivated:
		m.pumpActive.Set(1)
		m.pumpRuns.WithLabelValues(boolLabel(e.IsTest)).Inc()
	case events.TypePumpDeactivated:
		m.pumpActive.Set(0)
	case events.TypeHardwareFault:
		m.faults.WithLabelValues(e.Operation).Inc()
		if e.Operation == "pump_off" {
			m.pumpActive.Set(0)
		}
	case events.TypeDisconnected:
		m.disconnects.WithLabelValues(e.Device.String()).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
