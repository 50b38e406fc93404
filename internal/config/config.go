package config

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	apperrors "github.com/wfunc/phstat/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Hardware HardwareConfig `mapstructure:"hardware"`
	Control  ControlConfig  `mapstructure:"control"`
	Pump     PumpConfig     `mapstructure:"pump"`
	Station  StationConfig  `mapstructure:"station"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Log      LogConfig      `mapstructure:"log"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIToken        string        `mapstructure:"api_token"` // 为空时修改类接口不校验令牌
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// HardwareConfig 硬件配置
type HardwareConfig struct {
	MockMode         bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟总线）
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ShortTimeout     time.Duration `mapstructure:"short_timeout"`
	LongTimeout      time.Duration `mapstructure:"long_timeout"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout"`
	Retry            RetryConfig   `mapstructure:"retry"`
	PH               SensorConfig  `mapstructure:"ph"`
	RTD              SensorConfig  `mapstructure:"rtd"`
	Relay            RelayConfig   `mapstructure:"relay"`
	PPS              PPSConfig     `mapstructure:"pps"`
}

// RetryConfig 总线重试配置
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// SensorConfig Atlas 传感器配置
type SensorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  int           `mapstructure:"address"`
	Interval time.Duration `mapstructure:"interval"`
}

// RelayConfig MOSFET 继电器板配置
type RelayConfig struct {
	Address int `mapstructure:"address"` // 基地址，实际地址为 address + stack
	Stack   int `mapstructure:"stack"`
	Channel int `mapstructure:"channel"` // 泵所在通道（从1开始）
}

// PPSConfig 程控电源配置
type PPSConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	Address     int           `mapstructure:"address"` // 总线路由用的逻辑地址
	Interval    time.Duration `mapstructure:"interval"`
	Model       string        `mapstructure:"model"`
	VMin        float64       `mapstructure:"vmin"`
	VMax        float64       `mapstructure:"vmax"`
	IMax        float64       `mapstructure:"imax"`
}

// ControlConfig 控制配置
type ControlConfig struct {
	Select         int     `mapstructure:"select"` // 0: 高于目标时加液, 1: 低于目标时加液
	TargetPH       float64 `mapstructure:"target_ph"`
	Hysteresis     float64 `mapstructure:"hysteresis"`
	OverridePolicy string  `mapstructure:"override_policy"` // legacy | stop_on_clear
}

// PumpConfig 泵校准配置
type PumpConfig struct {
	MLPerInjection     float64 `mapstructure:"ml_per_injection"`
	InjectionDurationS float64 `mapstructure:"injection_duration_s"`
	CooldownS          float64 `mapstructure:"cooldown_s"`
}

// StationConfig 工作站配置
type StationConfig struct {
	SnapshotCron   string        `mapstructure:"snapshot_cron"`
	SampleBuffer   int           `mapstructure:"sample_buffer"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	FlushBatchSize int           `mapstructure:"flush_batch_size"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	Retained       bool          `mapstructure:"retained"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		var loaded *Config
		v, loaded, err = load(configPath)
		if err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 读取配置但不修改全局实例
func Load(configPath string) (*Config, error) {
	_, c, err := load(configPath)
	return c, err
}

func load(configPath string) (*viper.Viper, *Config, error) {
	vp := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		vp.SetConfigFile(configPath)
	} else {
		vp.SetConfigName("config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath("./config")
		vp.AddConfigPath(".")
	}

	// 设置环境变量前缀
	vp.SetEnvPrefix("PHSTAT")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	// 设置默认值
	setDefaults(vp)

	// 读取配置文件，不存在时使用默认配置
	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, apperrors.Wrap(err, apperrors.ErrConfigLoad, vp.ConfigFileUsed())
		}
	}

	c, err := decode(vp)
	if err != nil {
		return nil, nil, err
	}
	return vp, c, nil
}

func decode(vp *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := vp.Unmarshal(c); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigParse)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.api_token", "")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/phstat.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// 硬件默认配置
	v.SetDefault("hardware.mock_mode", false)
	v.SetDefault("hardware.failure_threshold", 3)
	v.SetDefault("hardware.short_timeout", "300ms")
	v.SetDefault("hardware.long_timeout", "1500ms")
	v.SetDefault("hardware.acquire_timeout", "2s")
	v.SetDefault("hardware.retry.attempts", 5)
	v.SetDefault("hardware.retry.delay", "10ms")
	v.SetDefault("hardware.ph.enabled", true)
	v.SetDefault("hardware.ph.address", 0x63)
	v.SetDefault("hardware.ph.interval", "900ms")
	v.SetDefault("hardware.rtd.enabled", true)
	v.SetDefault("hardware.rtd.address", 0x66)
	v.SetDefault("hardware.rtd.interval", "700ms")
	v.SetDefault("hardware.relay.address", 0x20)
	v.SetDefault("hardware.relay.stack", 0)
	v.SetDefault("hardware.relay.channel", 1)
	v.SetDefault("hardware.pps.enabled", true)
	v.SetDefault("hardware.pps.port", "/dev/ttyUSB0")
	v.SetDefault("hardware.pps.baud_rate", 9600)
	v.SetDefault("hardware.pps.read_timeout", "300ms")
	v.SetDefault("hardware.pps.address", 0x70)
	v.SetDefault("hardware.pps.interval", "1s")
	v.SetDefault("hardware.pps.model", "PPS11360")
	v.SetDefault("hardware.pps.vmin", 1.0)
	v.SetDefault("hardware.pps.vmax", 36.0)
	v.SetDefault("hardware.pps.imax", 7.0)

	// 控制默认配置
	v.SetDefault("control.select", 0)
	v.SetDefault("control.target_ph", 7.0)
	v.SetDefault("control.hysteresis", 0.0)
	v.SetDefault("control.override_policy", "legacy")

	// 泵默认配置
	v.SetDefault("pump.ml_per_injection", 0.1)
	v.SetDefault("pump.injection_duration_s", 1.0)
	v.SetDefault("pump.cooldown_s", 10.0)

	// 工作站默认配置
	v.SetDefault("station.snapshot_cron", "@every 1m")
	v.SetDefault("station.sample_buffer", 1000)
	v.SetDefault("station.flush_interval", "5s")
	v.SetDefault("station.flush_batch_size", 100)

	// MQTT默认配置
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "phstat")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "5s")
	v.SetDefault("mqtt.topic_prefix", "phstat")

	// 监控默认配置
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.metrics_path", "/metrics")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "phstat.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Control.Select != 0 && c.Control.Select != 1 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "control.select 必须为 0 或 1, 当前 %d", c.Control.Select)
	}
	if c.Pump.InjectionDurationS <= 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "pump.injection_duration_s 必须大于 0")
	}
	if c.Pump.CooldownS < 0 || c.Pump.MLPerInjection < 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "pump 配置不能为负数")
	}
	if c.Hardware.Retry.Attempts < 1 {
		return apperrors.New(apperrors.ErrConfigValidate, "hardware.retry.attempts 至少为 1")
	}
	if c.Hardware.FailureThreshold < 1 {
		return apperrors.New(apperrors.ErrConfigValidate, "hardware.failure_threshold 至少为 1")
	}
	switch c.Control.OverridePolicy {
	case "legacy", "stop_on_clear":
	default:
		return apperrors.Newf(apperrors.ErrConfigValidate, "未知的 control.override_policy: %s", c.Control.OverridePolicy)
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 配置文件变化时重新解码并校验，成功后替换全局配置并调用 apply；
// 失败时保留旧配置并把错误交给 onErr
func Watch(apply func(*Config), onErr func(error)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		mu.Lock()
		cfg = next
		mu.Unlock()
		if apply != nil {
			apply(next)
		}
	})
	v.WatchConfig()
}

// Save 更新配置项并写回配置文件（未使用配置文件时仅更新内存）
func Save(key string, value interface{}) error {
	if v == nil {
		return nil
	}
	v.Set(key, value)
	if v.ConfigFileUsed() == "" {
		return nil
	}
	return v.WriteConfig()
}
