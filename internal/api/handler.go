package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/models"
	"github.com/wfunc/phstat/internal/pump"
	"github.com/wfunc/phstat/internal/repository"
	"github.com/wfunc/phstat/internal/service"
	"github.com/wfunc/phstat/internal/station"
	"go.uber.org/zap"
)

// deviceStaleAfter 在线设备超过该时长没有读数即告警
const deviceStaleAfter = time.Minute

// Handler 工作站接口处理器
type Handler struct {
	station     Station
	experiments service.ExperimentService
	devices     repository.DeviceStatusRepository
	log         *zap.Logger
}

// CalibrateRequest pH 校准请求
type CalibrateRequest struct {
	Point string   `json:"point" binding:"required,oneof=low mid high"`
	Value *float64 `json:"value" binding:"required"`
}

// TemperatureRequest 温度补偿请求
type TemperatureRequest struct {
	Celsius *float64 `json:"celsius" binding:"required"`
}

// SetpointRequest 电源设定请求
type SetpointRequest struct {
	Voltage *float64 `json:"voltage"`
	Current *float64 `json:"current"`
}

// OutputRequest 电源输出请求
type OutputRequest struct {
	On *bool `json:"on" binding:"required"`
}

// GetStatus 工作站状态
func (h *Handler) GetStatus(c *gin.Context) {
	ok(c, h.station.Status())
}

// StartExperiment 开始实验
func (h *Handler) StartExperiment(c *gin.Context) {
	exp, err := h.station.StartExperiment(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, exp)
}

// StopExperiment 停止实验
func (h *Handler) StopExperiment(c *gin.Context) {
	exp, err := h.station.StopExperiment(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, exp)
}

// ResetExperiment 清零累计值
func (h *Handler) ResetExperiment(c *gin.Context) {
	if err := h.station.ResetExperiment(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, h.station.Status())
}

// UpdateControl 修改控制参数
func (h *Handler) UpdateControl(c *gin.Context) {
	var req station.ControlUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	settings, err := h.station.SetControl(req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, settings)
}

// UpdatePumpCalibration 修改泵校准
func (h *Handler) UpdatePumpCalibration(c *gin.Context) {
	var req pump.Calibration
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.station.SetPumpCalibration(req); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, req)
}

// TestInjection 手动测试注射
func (h *Handler) TestInjection(c *gin.Context) {
	if err := h.station.TestInjection(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, nil)
}

// CalibratePH pH 单点校准
func (h *Handler) CalibratePH(c *gin.Context) {
	var req CalibrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.station.CalibratePH(c.Request.Context(), req.Point, *req.Value); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, req)
}

// ClearPHCalibration 清除 pH 校准
func (h *Handler) ClearPHCalibration(c *gin.Context) {
	if err := h.station.ClearPHCalibration(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, nil)
}

// GetPHCalibration 已校准点数
func (h *Handler) GetPHCalibration(c *gin.Context) {
	n, err := h.station.PHCalibrationPoints(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, gin.H{"points": n})
}

// ReadPH 单次读数
func (h *Handler) ReadPH(c *gin.Context) {
	v, err := h.station.ReadPH(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, gin.H{"ph": v})
}

// SetTemperatureCompensation 设置温度补偿
func (h *Handler) SetTemperatureCompensation(c *gin.Context) {
	var req TemperatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.station.SetTemperatureCompensation(c.Request.Context(), *req.Celsius); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, req)
}

// UpdatePPSSetpoint 修改电源设定
func (h *Handler) UpdatePPSSetpoint(c *gin.Context) {
	var req SetpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Voltage == nil && req.Current == nil {
		badRequest(c, apperrors.New(apperrors.ErrInvalidParam, "voltage 与 current 至少提供一个"))
		return
	}
	if err := h.station.SetPPSSetpoint(c.Request.Context(), req.Voltage, req.Current); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, h.station.Status().PPS)
}

// SetPPSOutput 开关电源输出
func (h *Handler) SetPPSOutput(c *gin.Context) {
	var req OutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.station.SetPPSOutput(c.Request.Context(), *req.On); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, h.station.Status().PPS)
}

// ListDevices 轮询器状态与持久化的设备记录
func (h *Handler) ListDevices(c *gin.Context) {
	resp := gin.H{"pollers": h.station.Devices()}
	if h.devices != nil {
		ctx := c.Request.Context()
		records, err := h.devices.List(ctx)
		if err != nil {
			respondError(c, h.log, apperrors.Wrap(err, apperrors.ErrDatabaseQuery))
			return
		}
		health, err := h.devices.GetHealthReport(ctx, deviceStaleAfter)
		if err != nil {
			respondError(c, h.log, apperrors.Wrap(err, apperrors.ErrDatabaseQuery))
			return
		}
		resp["records"] = records
		resp["health"] = health
	}
	ok(c, resp)
}

// ReconnectDevice 重连断开的设备
func (h *Handler) ReconnectDevice(c *gin.Context) {
	if err := h.station.Reconnect(c.Param("device")); err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, h.station.Devices())
}

func (h *Handler) requireExperiments(c *gin.Context) bool {
	if h.experiments == nil {
		respondError(c, h.log, apperrors.New(apperrors.ErrNotImplemented, "未配置数据库"))
		return false
	}
	return true
}

// ListExperiments 实验列表
func (h *Handler) ListExperiments(c *gin.Context) {
	if !h.requireExperiments(c) {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	exps, total, err := h.experiments.List(c.Request.Context(), page, pageSize)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(200, PageResponse{Success: true, Data: exps, Total: total, Page: page, PageSize: pageSize})
}

// GetExperiment 实验详情
func (h *Handler) GetExperiment(c *gin.Context) {
	if !h.requireExperiments(c) {
		return
	}
	exp, err := h.experiments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, exp)
}

// GetSamples 实验采样
func (h *Handler) GetSamples(c *gin.Context) {
	if !h.requireExperiments(c) {
		return
	}
	var query models.SampleQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err)
		return
	}
	query.ExperimentID = c.Param("id")

	samples, total, err := h.experiments.Samples(c.Request.Context(), &query)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(200, PageResponse{Success: true, Data: samples, Total: total})
}

// GetStats 采样统计
func (h *Handler) GetStats(c *gin.Context) {
	if !h.requireExperiments(c) {
		return
	}
	stats, err := h.experiments.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, stats)
}
