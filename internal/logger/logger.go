package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wfunc/phstat/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// faultFile 断连、硬件故障等 error 级别日志单独落盘
const faultFile = "fault.log"

// sink 一个输出目标及其最低级别
type sink struct {
	out   zapcore.WriteSyncer
	floor zapcore.Level
}

var (
	mu       sync.RWMutex
	root     *zap.Logger
	encoder  zapcore.Encoder
	sinks    []sink
	initOnce sync.Once

	// 全局级别，配置热更新时调整
	level = zap.NewAtomicLevel()

	// 模块级别覆盖，与全局共用输出目标
	moduleLevels = map[string]zap.AtomicLevel{}

	fallbackOnce sync.Once
	fallback     *zap.Logger
)

// Init 按配置构建日志器，只生效一次
func Init(cfg *config.LogConfig) error {
	var err error
	initOnce.Do(func() {
		err = build(cfg)
	})
	return err
}

func build(cfg *config.LogConfig) error {
	mu.Lock()
	defer mu.Unlock()

	level.SetLevel(parseLevel(cfg.Level))
	encoder = newEncoder(cfg.Format)
	sinks = sinks[:0]

	if cfg.Output == "stdout" || cfg.Output == "both" {
		sinks = append(sinks, sink{out: zapcore.Lock(os.Stdout), floor: zapcore.DebugLevel})
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		if err := os.MkdirAll(cfg.File.Path, 0o755); err != nil {
			return fmt.Errorf("创建日志目录 %s: %w", cfg.File.Path, err)
		}
		sinks = append(sinks,
			sink{out: rotating(cfg.File, cfg.File.Filename), floor: zapcore.DebugLevel},
			sink{out: rotating(cfg.File, faultFile), floor: zapcore.ErrorLevel},
		)
	}

	root = zap.New(teeAt(level), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	for name, lv := range cfg.Modules {
		moduleLevels[name] = zap.NewAtomicLevelAt(parseLevel(lv))
	}
	return nil
}

// newEncoder json 用于采集，其它格式走带颜色的控制台输出
func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// rotating 连续采样时日志量大，交给 lumberjack 轮转
func rotating(fc config.LogFileConfig, name string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(fc.Path, name),
		MaxSize:    fc.MaxSize,
		MaxAge:     fc.MaxAge,
		MaxBackups: fc.MaxBackups,
		Compress:   fc.Compress,
	})
}

// teeAt 所有输出目标按 enabler 与各自下限共同过滤
func teeAt(enabler zapcore.LevelEnabler) zapcore.Core {
	cores := make([]zapcore.Core, 0, len(sinks))
	for _, s := range sinks {
		floor := s.floor
		cores = append(cores, zapcore.NewCore(encoder, s.out, zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= floor && enabler.Enabled(l)
		})))
	}
	return zapcore.NewTee(cores...)
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// GetLogger 未初始化时返回一个开发模式日志器，测试里直接可用
func GetLogger() *zap.Logger {
	mu.RLock()
	l := root
	mu.RUnlock()
	if l != nil {
		return l
	}
	fallbackOnce.Do(func() {
		fallback, _ = zap.NewDevelopment()
		if fallback == nil {
			fallback = zap.NewNop()
		}
	})
	return fallback
}

// Module 带 module 字段的子日志器；配置了模块级别时按该级别过滤
func Module(name string) *zap.Logger {
	mu.RLock()
	lv, ok := moduleLevels[name]
	mu.RUnlock()
	if !ok {
		return GetLogger().With(zap.String("module", name))
	}
	mu.RLock()
	core := teeAt(lv)
	mu.RUnlock()
	return zap.New(core, zap.AddCaller()).With(zap.String("module", name))
}

func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return nil
	}
	return root.Sync()
}

func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }

// LogRequest HTTP 访问日志
func LogRequest(method, path string, status int, latency time.Duration, clientIP string) {
	Module("api").Info("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("latency", latency),
		zap.String("client_ip", clientIP),
	)
}

// LogMeasurement 单次读数，debug 级别
func LogMeasurement(l *zap.Logger, device string, value float64, at time.Time) {
	l.Debug("measurement",
		zap.String("device", device),
		zap.Float64("value", value),
		zap.Time("at", at),
	)
}

// LogPumpEvent 泵开关、周期结束等动作
func LogPumpEvent(l *zap.Logger, event string, isTest bool, fields ...zap.Field) {
	l.Info("pump_event", append(fields, zap.String("event", event), zap.Bool("is_test", isTest))...)
}

// LogBusOperation 成功记 debug，重试耗尽记 warn
func LogBusOperation(l *zap.Logger, op string, attempts int, hold time.Duration, err error) {
	fields := []zap.Field{zap.String("op", op), zap.Int("attempts", attempts), zap.Duration("hold", hold)}
	if err != nil {
		l.Warn("bus_operation_failed", append(fields, zap.Error(err))...)
		return
	}
	l.Debug("bus_operation", fields...)
}

// LogDatabaseOperation 样本落盘、实验记录等数据库操作
func LogDatabaseOperation(operation, table string, took time.Duration, err error) {
	l := Module("database")
	fields := []zap.Field{zap.String("operation", operation), zap.String("table", table), zap.Duration("took", took)}
	if err != nil {
		l.Error("database_operation_failed", append(fields, zap.Error(err))...)
		return
	}
	l.Debug("database_operation", fields...)
}

// SetLevel 调整全局级别，模块覆盖不受影响
func SetLevel(s string) {
	level.SetLevel(parseLevel(s))
}

// Cleanup 退出前刷盘
func Cleanup() {
	if err := Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "日志刷盘失败: %v\n", err)
	}
}
