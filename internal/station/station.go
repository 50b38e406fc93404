// Package station 将总线仲裁、轮询、控制、加液与累计器组装为一台 pH-stat 工作站
package station

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wfunc/phstat/internal/accumulator"
	"github.com/wfunc/phstat/internal/config"
	"github.com/wfunc/phstat/internal/control"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/logger"
	"github.com/wfunc/phstat/internal/metrics"
	"github.com/wfunc/phstat/internal/models"
	"github.com/wfunc/phstat/internal/poller"
	"github.com/wfunc/phstat/internal/pump"
	"github.com/wfunc/phstat/internal/repository"
	"go.uber.org/zap"
)

// 设备标识，同时用作 device_status 表的 device_id
const (
	DevicePH          = "ph"
	DeviceTemperature = "temperature"
	DevicePPS         = "pps"
	DeviceRelay       = "relay"
)

// ExperimentStore 实验记录持久化
type ExperimentStore interface {
	Begin(ctx context.Context, mode int, targetPH float64, settings map[string]interface{}) (*models.Experiment, error)
	Checkpoint(ctx context.Context, id string, totals repository.ExperimentTotals) error
	Finish(ctx context.Context, id string, totals repository.ExperimentTotals) (*models.Experiment, error)
}

// SampleSink 按实验记录的时间序列
type SampleSink interface {
	SetExperiment(id string)
	Log(elapsed float64, field string, value float64)
}

// DeviceStore 设备在线状态持久化
type DeviceStore interface {
	RegisterDevice(ctx context.Context, device *models.DeviceStatus) error
	UpdateStatus(ctx context.Context, deviceID string, status string, extra map[string]interface{}) error
	RecordReading(ctx context.Context, deviceID string, value float64, at time.Time) error
}

// SettingsSaver 持久化单个配置项
type SettingsSaver func(key string, value interface{}) error

// Option 工作站选项
type Option func(*Station)

// WithTransport 使用指定的物理传输（测试或外部模拟器）
func WithTransport(t hardware.Transport) Option {
	return func(s *Station) {
		s.transport = t
	}
}

// WithEventBus 使用外部事件总线
func WithEventBus(b *events.Bus) Option {
	return func(s *Station) {
		s.bus = b
	}
}

// WithMetrics 启用指标采集
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Station) {
		s.metrics = m
	}
}

// WithExperimentStore 设置实验记录存储
func WithExperimentStore(es ExperimentStore) Option {
	return func(s *Station) {
		s.experiments = es
	}
}

// WithSampleSink 设置采样日志
func WithSampleSink(sink SampleSink) Option {
	return func(s *Station) {
		s.sink = sink
	}
}

// WithDeviceStore 设置设备状态存储
func WithDeviceStore(ds DeviceStore) Option {
	return func(s *Station) {
		s.devices = ds
	}
}

// WithSettingsSaver 设置参数持久化方式，默认写回配置文件
func WithSettingsSaver(fn SettingsSaver) Option {
	return func(s *Station) {
		s.saveSetting = fn
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Station) {
		s.now = now
	}
}

// Station pH-stat 工作站
type Station struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	transport   hardware.Transport
	sim         *hardware.SimulatedBus
	closers     []io.Closer
	bus         *events.Bus
	metrics     *metrics.Metrics
	experiments ExperimentStore
	sink        SampleSink
	devices     DeviceStore
	saveSetting SettingsSaver

	arbiter *hardware.TransportArbiter
	ph      *hardware.AtlasSensor
	rtd     *hardware.AtlasSensor
	pps     *hardware.PowerSupply
	relay   *hardware.MosfetBoard
	pollers map[string]*poller.DevicePoller

	controlCfg  *control.ControlConfig
	loop        *control.ControlLoop
	calibration *pump.CalibrationStore
	actuator    *pump.Actuator
	charge      *accumulator.ChargeIntegrator
	dose        *accumulator.DoseAccumulator

	cron *cron.Cron

	// lifecycle 串行化实验开始、停止与清零
	lifecycle sync.Mutex
	// dosing 保护 autoDose，控制判定与关闭自动加液互斥
	dosing   sync.Mutex
	autoDose bool

	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	running    bool
	experiment string
	startedAt  time.Time
	last       map[hardware.DeviceKind]hardware.Measurement
	seen       map[string]bool
}

// New 按配置组装工作站，不启动任何协程
func New(cfg *config.Config, opts ...Option) (*Station, error) {
	s := &Station{
		cfg:         cfg,
		logger:      logger.Module("station"),
		now:         time.Now,
		saveSetting: config.Save,
		pollers:     make(map[string]*poller.DevicePoller),
		last:        make(map[hardware.DeviceKind]hardware.Measurement),
		seen:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus()
	}
	if s.experiments == nil {
		s.experiments = newMemoryExperiments(s.now)
	}

	if err := s.buildTransport(); err != nil {
		return nil, err
	}
	if err := s.buildControl(); err != nil {
		return nil, err
	}
	s.buildDevices()

	s.bus.Handle(s.handleEvent)
	return s, nil
}

func (s *Station) buildTransport() error {
	hw := s.cfg.Hardware
	if s.transport == nil {
		if hw.MockMode {
			sim := hardware.NewSimulatedBus(time.Now().UnixNano())
			sim.AddAtlas(hardware.Address(hw.PH.Address), hardware.DevicePH, 7.0)
			sim.AddAtlas(hardware.Address(hw.RTD.Address), hardware.DeviceTemperature, 25.0)
			sim.AddRelay(hardware.Address(hw.Relay.Address+hw.Relay.Stack), hw.Relay.Channel)
			sim.AddPowerSupply(hardware.Address(hw.PPS.Address))
			s.sim = sim
			s.transport = sim
			s.logger.Info("调试模式：使用模拟总线")
		} else {
			i2c, err := hardware.NewI2CTransport()
			if err != nil {
				return err
			}
			s.closers = append(s.closers, i2c)
			router := hardware.NewBusRouter(i2c)
			if hw.PPS.Enabled {
				serial := hardware.NewSerialTransport(hw.PPS.Port, hw.PPS.BaudRate, hw.PPS.ReadTimeout)
				s.closers = append(s.closers, serial)
				router.Route(hardware.Address(hw.PPS.Address), serial)
			}
			s.transport = router
		}
	} else if sim, ok := s.transport.(*hardware.SimulatedBus); ok {
		s.sim = sim
	}

	opts := []hardware.ArbiterOption{
		hardware.WithRetryPolicy(hardware.RetryPolicy{Attempts: hw.Retry.Attempts, Delay: hw.Retry.Delay}),
		hardware.WithAcquireTimeout(hw.AcquireTimeout),
	}
	if s.metrics != nil {
		opts = append(opts, hardware.WithBusObserver(s.metrics))
	}
	s.arbiter = hardware.NewTransportArbiter(s.transport, opts...)
	return nil
}

func (s *Station) buildControl() error {
	mode, err := control.ParseMode(s.cfg.Control.Select)
	if err != nil {
		return err
	}
	policy, err := control.ParseOverridePolicy(s.cfg.Control.OverridePolicy)
	if err != nil {
		return err
	}
	s.controlCfg = control.NewControlConfig(mode, s.cfg.Control.TargetPH)
	if err := s.controlCfg.SetHysteresis(s.cfg.Control.Hysteresis); err != nil {
		return err
	}
	s.loop = control.NewControlLoop(warningPublisher{bus: s.bus, logger: s.logger})

	s.calibration, err = pump.NewCalibrationStore(calibrationFromConfig(s.cfg.Pump))
	if err != nil {
		return err
	}

	hw := s.cfg.Hardware
	s.relay = hardware.NewMosfetBoard(s.arbiter, hardware.Address(hw.Relay.Address), hw.Relay.Stack)
	s.actuator = pump.NewActuator(s.relay, hw.Relay.Channel, s.calibration,
		pump.DoseRecorderFunc(s.recordDose), s.bus,
		pump.WithOverridePolicy(policy),
		pump.WithClock(s.now))

	s.charge = accumulator.NewChargeIntegrator(accumulator.WithClock(clockFunc(s.now)))
	// 实验开始前不积分
	s.charge.Stop()
	s.dose = accumulator.NewDoseAccumulator()
	return nil
}

func (s *Station) buildDevices() {
	hw := s.cfg.Hardware
	popts := []poller.Option{}
	if s.metrics != nil {
		popts = append(popts, poller.WithObserver(s.metrics))
	}

	if hw.PH.Enabled {
		s.ph = hardware.NewAtlasSensor(s.arbiter, hardware.Address(hw.PH.Address), hardware.DevicePH, hw.ShortTimeout, hw.LongTimeout)
		s.pollers[DevicePH] = poller.New(poller.Config{
			Name:             DevicePH,
			Kind:             hardware.DevicePH,
			Interval:         hw.PH.Interval,
			FailureThreshold: hw.FailureThreshold,
		}, s.atlasReader(s.ph), s.bus, popts...)
	}
	if hw.RTD.Enabled {
		s.rtd = hardware.NewAtlasSensor(s.arbiter, hardware.Address(hw.RTD.Address), hardware.DeviceTemperature, hw.ShortTimeout, hw.LongTimeout)
		s.pollers[DeviceTemperature] = poller.New(poller.Config{
			Name:             DeviceTemperature,
			Kind:             hardware.DeviceTemperature,
			Interval:         hw.RTD.Interval,
			FailureThreshold: hw.FailureThreshold,
		}, s.atlasReader(s.rtd), s.bus, popts...)
	}
	if hw.PPS.Enabled {
		s.pps = hardware.NewPowerSupply(s.arbiter, hardware.Address(hw.PPS.Address), hardware.PPSLimits{
			Model: hw.PPS.Model,
			VMin:  hw.PPS.VMin,
			VMax:  hw.PPS.VMax,
			IMax:  hw.PPS.IMax,
		}, hw.ShortTimeout)
		s.pollers[DevicePPS] = poller.New(poller.Config{
			Name:             DevicePPS,
			Kind:             hardware.DeviceCurrent,
			Interval:         hw.PPS.Interval,
			FailureThreshold: hw.FailureThreshold,
		}, s.ppsReader(), s.bus, popts...)
	}
}

func (s *Station) atlasReader(sensor *hardware.AtlasSensor) poller.ReadFunc {
	return func(ctx context.Context) ([]hardware.Measurement, error) {
		v, ok, err := sensor.Sample(ctx)
		if err != nil || !ok {
			return nil, err
		}
		return []hardware.Measurement{{Value: v, Kind: sensor.Kind(), Timestamp: s.now()}}, nil
	}
}

func (s *Station) ppsReader() poller.ReadFunc {
	return func(ctx context.Context) ([]hardware.Measurement, error) {
		out, err := s.pps.ReadOutput(ctx)
		if err != nil {
			return nil, err
		}
		now := s.now()
		return []hardware.Measurement{
			{Value: out.Voltage, Kind: hardware.DeviceVoltage, Timestamp: now},
			{Value: out.Current, Kind: hardware.DeviceCurrent, Timestamp: now},
		}, nil
	}
}

// Events 事件总线
func (s *Station) Events() *events.Bus { return s.bus }

// Simulator 调试模式下的模拟总线，真实硬件时为 nil
func (s *Station) Simulator() *hardware.SimulatedBus { return s.sim }

// Start 启动仲裁器、初始化继电器板并开始轮询
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	runCtx := s.ctx
	s.mu.Unlock()

	s.arbiter.Start()

	s.registerDevices(runCtx)
	if err := s.relay.Init(runCtx); err != nil {
		s.logger.Error("继电器板初始化失败", zap.Error(err))
		s.markDevice(runCtx, DeviceRelay, models.DeviceError)
		s.bus.Publish(events.HardwareFault("relay_init", err))
	} else {
		s.markDevice(runCtx, DeviceRelay, models.DeviceOnline)
	}

	for name, p := range s.pollers {
		if err := p.Start(runCtx); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrDeviceOffline, "启动轮询 %s 失败", name)
		}
	}

	if spec := s.cfg.Station.SnapshotCron; spec != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(spec, s.snapshot); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrInvalidParam, "快照计划 %q 无效", spec)
		}
		s.cron.Start()
	}

	s.logger.Info("工作站已启动",
		zap.Int("pollers", len(s.pollers)),
		zap.Bool("mock", s.sim != nil))
	return nil
}

// Stop 停止实验、轮询与仲裁器，可重复调用
func (s *Station) Stop(ctx context.Context) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return
	}

	if _, err := s.StopExperiment(ctx); err != nil && !apperrors.Is(err, apperrors.ErrExperimentNotRunning) {
		s.logger.Warn("停止实验失败", zap.Error(err))
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	for _, p := range s.pollers {
		p.Stop()
	}
	for _, p := range s.pollers {
		p.Wait()
	}
	// 确保泵线路关闭后再释放总线
	s.actuator.Stop(ctx)
	s.arbiter.Stop()

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("关闭传输失败", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("工作站已停止")
}

func (s *Station) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Station) registerDevices(ctx context.Context) {
	if s.devices == nil {
		return
	}
	hw := s.cfg.Hardware
	register := func(id, name, kind string, addr int) {
		err := s.devices.RegisterDevice(ctx, &models.DeviceStatus{
			DeviceID:   id,
			DeviceName: name,
			Kind:       kind,
			Status:     models.DeviceOffline,
			Address:    addr,
		})
		if err != nil {
			s.logger.Warn("注册设备失败", zap.String("device", id), zap.Error(err))
		}
	}
	if s.ph != nil {
		register(DevicePH, "Atlas pH", hardware.DevicePH.String(), hw.PH.Address)
	}
	if s.rtd != nil {
		register(DeviceTemperature, "Atlas RTD", hardware.DeviceTemperature.String(), hw.RTD.Address)
	}
	if s.pps != nil {
		register(DevicePPS, hw.PPS.Model, hardware.DeviceCurrent.String(), hw.PPS.Address)
	}
	register(DeviceRelay, "8-MOSFET", "pump", int(s.relay.Address()))
}

// deviceID 事件中的测量类型对应的设备
func deviceID(kind hardware.DeviceKind) string {
	switch kind {
	case hardware.DevicePH:
		return DevicePH
	case hardware.DeviceTemperature:
		return DeviceTemperature
	default:
		return DevicePPS
	}
}

func calibrationFromConfig(p config.PumpConfig) pump.Calibration {
	return pump.Calibration{
		VolumePerInjectionML: p.MLPerInjection,
		InjectionDurationS:   p.InjectionDurationS,
		CooldownS:            p.CooldownS,
	}
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// warningPublisher 控制回路告警写日志并广播
type warningPublisher struct {
	bus    *events.Bus
	logger *zap.Logger
}

func (w warningPublisher) Warn(msg string, value float64) {
	w.logger.Warn(msg, zap.Float64("value", value))
	w.bus.Publish(events.Event{Type: events.TypeWarning, Message: msg, Value: value, Timestamp: time.Now()})
}
