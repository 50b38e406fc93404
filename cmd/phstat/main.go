package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/phstat/internal/api"
	"github.com/wfunc/phstat/internal/config"
	"github.com/wfunc/phstat/internal/database"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"github.com/wfunc/phstat/internal/metrics"
	"github.com/wfunc/phstat/internal/mqtt"
	"github.com/wfunc/phstat/internal/service"
	"github.com/wfunc/phstat/internal/station"
	"github.com/wfunc/phstat/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 进程内的全部组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	services  *service.Services
	metrics   *metrics.Metrics
	station   *station.Station
	hub       *websocket.Hub
	publisher *mqtt.Publisher
	http      *http.Server

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		mockHW      = flag.Bool("mock", false, "使用模拟总线（覆盖 hardware.mock_mode）")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	if *mockHW {
		cfg.Hardware.MockMode = true
	}

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Error("服务器启动失败", zap.Error(err))
		server.Shutdown()
		os.Exit(1)
	}

	server.WaitForShutdown()
	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 初始化并启动全部组件
func (s *Server) Start() error {
	s.logger.Info("正在启动 pH 控制工作站...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
		zap.Bool("mock", s.cfg.Hardware.MockMode),
	)

	if err := s.initDatabase(); err != nil {
		return err
	}
	if err := s.initStation(); err != nil {
		return err
	}
	s.startWebSocket()
	s.startMQTT()
	s.startHTTP()

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置文件已变更，重新应用")
		logger.SetLevel(newCfg.Log.Level)
		s.station.ApplyConfig(newCfg)
	}, func(err error) {
		s.logger.Warn("配置重载失败，保留当前配置", zap.Error(err))
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)))
	return nil
}

// initDatabase 初始化数据库与服务层
func (s *Server) initDatabase() error {
	s.logger.Info("初始化数据库...")

	if err := database.Init(&s.cfg.Database); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(database.GetDB()); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}
	if !database.IsConnected() {
		return apperrors.New(apperrors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	s.services = service.NewServices(database.GetDB(), s.cfg.Station)
	// 上次异常退出遗留的运行中实验
	if err := s.services.Experiments.RecoverDangling(s.ctx); err != nil {
		s.logger.Warn("恢复遗留实验失败", zap.Error(err))
	}
	return nil
}

// initStation 创建并启动工作站
func (s *Server) initStation() error {
	s.metrics = metrics.New()

	st, err := station.New(s.cfg,
		station.WithMetrics(s.metrics),
		station.WithExperimentStore(s.services.Experiments),
		station.WithSampleSink(s.services.Samples),
		station.WithDeviceStore(s.services.Devices),
	)
	if err != nil {
		return err
	}
	s.station = st
	return st.Start(s.ctx)
}

// startWebSocket 启动实时推送
func (s *Server) startWebSocket() {
	s.hub = websocket.NewHub(logger.Module("websocket"), websocket.WithSnapshot(func() interface{} {
		return s.station.Status()
	}))
	ch, unsubscribe := s.station.Events().Subscribe(256)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.hub.Forward(s.ctx, ch)
	}()
}

// startMQTT 连接 broker 并转发事件
func (s *Server) startMQTT() {
	if !s.cfg.MQTT.Enabled {
		return
	}
	s.publisher = mqtt.New(s.cfg.MQTT)
	if err := s.publisher.Connect(); err != nil {
		// 客户端自带重连，连接失败不影响主流程
		s.logger.Warn("MQTT 连接失败", zap.String("broker", s.cfg.MQTT.Broker), zap.Error(err))
	}
	ch, unsubscribe := s.station.Events().Subscribe(256)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.publisher.Run(s.ctx, ch)
	}()
}

// startHTTP 启动 REST 接口
func (s *Server) startHTTP() {
	if s.cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := api.Deps{
		Station:     s.station,
		Experiments: s.services.Experiments,
		Devices:     s.services.Devices,
		DB:          database.GetDB(),
		WebSocket:   s.hub.ServeWS,
		APIToken:    s.cfg.Server.APIToken,
		Logger:      logger.Module("api"),
	}
	if s.cfg.Monitor.Enabled {
		deps.Metrics = s.metrics.Handler()
		deps.MetricsPath = s.cfg.Monitor.MetricsPath
	}
	router := api.NewRouter(deps)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP 服务异常退出", zap.Error(err))
			s.cancel()
		}
	}()
}

// WaitForShutdown 等待退出信号或服务异常
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
	)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.ctx.Done():
	}
}

// Shutdown 优雅关闭：先停 HTTP，再停工作站（含泵与实验），最后落盘
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.http != nil {
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭失败", zap.Error(err))
		}
	}
	if s.station != nil {
		s.station.Stop(shutdownCtx)
	}

	// 取消主上下文，触发推送协程退出
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return apperrors.New(apperrors.ErrTimeout, "关闭超时")
	}

	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.services != nil {
		s.services.Close()
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}
	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("pH 控制工作站\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
