package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/phstat/internal/control"
	"github.com/wfunc/phstat/internal/middleware"
	"github.com/wfunc/phstat/internal/models"
	"github.com/wfunc/phstat/internal/pump"
	"github.com/wfunc/phstat/internal/repository"
	"github.com/wfunc/phstat/internal/service"
	"github.com/wfunc/phstat/internal/station"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Station 路由用到的工作站操作
type Station interface {
	Status() station.Status
	Devices() []station.DeviceInfo
	StartExperiment(ctx context.Context) (*models.Experiment, error)
	StopExperiment(ctx context.Context) (*models.Experiment, error)
	ResetExperiment(ctx context.Context) error
	SetControl(u station.ControlUpdate) (control.Settings, error)
	SetPumpCalibration(cal pump.Calibration) error
	TestInjection(ctx context.Context) error
	CalibratePH(ctx context.Context, point string, value float64) error
	ClearPHCalibration(ctx context.Context) error
	PHCalibrationPoints(ctx context.Context) (int, error)
	ReadPH(ctx context.Context) (float64, error)
	SetTemperatureCompensation(ctx context.Context, celsius float64) error
	SetPPSSetpoint(ctx context.Context, volts, amps *float64) error
	SetPPSOutput(ctx context.Context, on bool) error
	Reconnect(device string) error
}

// Deps 路由依赖，除 Station 外均可为空
type Deps struct {
	Station     Station
	Experiments service.ExperimentService
	Devices     repository.DeviceStatusRepository
	DB          *gorm.DB
	WebSocket   gin.HandlerFunc
	Metrics     http.Handler
	MetricsPath string
	APIToken    string
	Logger      *zap.Logger
}

// Router API路由器
type Router struct {
	engine *gin.Engine
	deps   Deps
	log    *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(deps Deps) *Router {
	// 创建Gin引擎
	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger())

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}

	router := &Router{
		engine: engine,
		deps:   deps,
		log:    log,
	}

	// 设置路由
	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	if r.deps.Metrics != nil {
		r.engine.GET(r.deps.MetricsPath, gin.WrapH(r.deps.Metrics))
	}
	if r.deps.WebSocket != nil {
		r.engine.GET("/ws", r.deps.WebSocket)
	}

	h := &Handler{station: r.deps.Station, experiments: r.deps.Experiments, devices: r.deps.Devices, log: r.log}

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	v1.Use(middleware.RequireToken(r.deps.APIToken))
	{
		v1.GET("/status", h.GetStatus)

		experiment := v1.Group("/experiment")
		{
			experiment.POST("/start", h.StartExperiment)
			experiment.POST("/stop", h.StopExperiment)
			experiment.POST("/reset", h.ResetExperiment)
		}

		v1.PUT("/control", h.UpdateControl)

		pumpGroup := v1.Group("/pump")
		{
			pumpGroup.PUT("/calibration", h.UpdatePumpCalibration)
			pumpGroup.POST("/test", h.TestInjection)
		}

		ph := v1.Group("/ph")
		{
			ph.POST("/calibrate", h.CalibratePH)
			ph.POST("/calibrate/clear", h.ClearPHCalibration)
			ph.GET("/calibrate", h.GetPHCalibration)
			ph.GET("/read", h.ReadPH)
			ph.PUT("/temperature", h.SetTemperatureCompensation)
		}

		pps := v1.Group("/pps")
		{
			pps.PUT("/setpoint", h.UpdatePPSSetpoint)
			pps.POST("/output", h.SetPPSOutput)
		}

		devices := v1.Group("/devices")
		{
			devices.GET("", h.ListDevices)
			devices.POST("/:device/reconnect", h.ReconnectDevice)
		}

		experiments := v1.Group("/experiments")
		{
			experiments.GET("", h.ListExperiments)
			experiments.GET("/:id", h.GetExperiment)
			experiments.GET("/:id/samples", h.GetSamples)
			experiments.GET("/:id/stats", h.GetStats)
		}
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	if r.deps.DB != nil {
		sqlDB, err := r.deps.DB.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"message": "数据库连接失败",
			})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"message": "数据库ping失败",
			})
			return
		}
	}

	st := r.deps.Station.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"message":    "服务运行正常",
		"running":    st.Experiment.Running,
		"devices":    st.Devices,
		"mock":       st.Mock,
		"bus_failed": st.Bus.Failures,
	})
}

// Handler 返回 http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
