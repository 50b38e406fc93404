// Package errors 带错误码的应用错误，错误码决定 HTTP 状态与总线层是否重试
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ErrorCode int

const (
	// 通用 1xxx
	ErrUnknown        ErrorCode = 1000
	ErrInvalidParam   ErrorCode = 1001
	ErrNotFound       ErrorCode = 1002
	ErrTimeout        ErrorCode = 1005
	ErrNotImplemented ErrorCode = 1007

	// 实验与控制 2xxx
	ErrExperimentNotRunning ErrorCode = 2000
	ErrExperimentRunning    ErrorCode = 2001
	ErrInvalidMeasurement   ErrorCode = 2002
	ErrInvalidCalibration   ErrorCode = 2003
	ErrInvalidSetpoint      ErrorCode = 2004

	// 串口、I2C 与设备 3xxx
	ErrSerialPortOpen     ErrorCode = 3000
	ErrSerialPortWrite    ErrorCode = 3001
	ErrSerialPortRead     ErrorCode = 3002
	ErrSerialTimeout      ErrorCode = 3003
	ErrDeviceOffline      ErrorCode = 3004
	ErrDeviceBusy         ErrorCode = 3005
	ErrCommandFailed      ErrorCode = 3006
	ErrInvalidResponse    ErrorCode = 3007
	ErrBusBusy            ErrorCode = 3008
	ErrTransportExhausted ErrorCode = 3009
	ErrCommandRejected    ErrorCode = 3010
	ErrActuationFailed    ErrorCode = 3011
	ErrBusOpen            ErrorCode = 3013
	ErrArbiterStopped     ErrorCode = 3014

	// 推送 4xxx
	ErrMQTTConnect   ErrorCode = 4004
	ErrMQTTPublish   ErrorCode = 4005
	ErrMessageFormat ErrorCode = 4007

	// 存储 5xxx
	ErrDatabaseConnect ErrorCode = 5000
	ErrDatabaseQuery   ErrorCode = 5001
	ErrDatabaseInsert  ErrorCode = 5002
	ErrDatabaseUpdate  ErrorCode = 5003

	// 配置 6xxx
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002
	ErrConfigSave     ErrorCode = 6004
)

// codeInfo permanent 表示总线层重试没有意义
type codeInfo struct {
	message   string
	status    int
	permanent bool
}

var codes = map[ErrorCode]codeInfo{
	ErrUnknown:        {"未知错误", http.StatusInternalServerError, false},
	ErrInvalidParam:   {"无效的参数", http.StatusBadRequest, true},
	ErrNotFound:       {"资源未找到", http.StatusNotFound, false},
	ErrTimeout:        {"操作超时", http.StatusRequestTimeout, false},
	ErrNotImplemented: {"功能未启用", http.StatusNotImplemented, false},

	ErrExperimentNotRunning: {"实验未运行", http.StatusConflict, false},
	ErrExperimentRunning:    {"实验正在运行", http.StatusConflict, false},
	ErrInvalidMeasurement:   {"无效的测量值", http.StatusBadRequest, false},
	ErrInvalidCalibration:   {"无效的校准参数", http.StatusBadRequest, false},
	ErrInvalidSetpoint:      {"设定值超出范围", http.StatusBadRequest, true},

	ErrSerialPortOpen:     {"串口打开失败", http.StatusBadGateway, false},
	ErrSerialPortWrite:    {"串口写入失败", http.StatusBadGateway, false},
	ErrSerialPortRead:     {"串口读取失败", http.StatusBadGateway, false},
	ErrSerialTimeout:      {"串口通信超时", http.StatusBadGateway, false},
	ErrDeviceOffline:      {"设备离线", http.StatusBadGateway, false},
	ErrDeviceBusy:         {"设备忙", http.StatusBadGateway, false},
	ErrCommandFailed:      {"命令执行失败", http.StatusBadGateway, false},
	ErrInvalidResponse:    {"无效的设备响应", http.StatusBadGateway, false},
	ErrBusBusy:            {"总线被占用", http.StatusBadGateway, false},
	ErrTransportExhausted: {"总线重试次数耗尽", http.StatusBadGateway, false},
	ErrCommandRejected:    {"设备拒绝命令", http.StatusBadGateway, true},
	ErrActuationFailed:    {"执行器动作失败", http.StatusBadGateway, false},
	ErrBusOpen:            {"总线打开失败", http.StatusBadGateway, false},
	ErrArbiterStopped:     {"总线仲裁器已停止", http.StatusServiceUnavailable, true},

	ErrMQTTConnect:   {"MQTT 连接失败", http.StatusInternalServerError, false},
	ErrMQTTPublish:   {"MQTT 发布失败", http.StatusInternalServerError, false},
	ErrMessageFormat: {"消息格式错误", http.StatusBadRequest, false},

	ErrDatabaseConnect: {"数据库连接失败", http.StatusServiceUnavailable, false},
	ErrDatabaseQuery:   {"数据库查询失败", http.StatusServiceUnavailable, false},
	ErrDatabaseInsert:  {"数据库插入失败", http.StatusServiceUnavailable, false},
	ErrDatabaseUpdate:  {"数据库更新失败", http.StatusServiceUnavailable, false},

	ErrConfigLoad:     {"配置加载失败", http.StatusInternalServerError, false},
	ErrConfigParse:    {"配置解析失败", http.StatusInternalServerError, false},
	ErrConfigValidate: {"配置校验失败", http.StatusBadRequest, false},
	ErrConfigSave:     {"配置保存失败", http.StatusInternalServerError, false},
}

func lookup(code ErrorCode) codeInfo {
	if info, ok := codes[code]; ok {
		return info
	}
	return codes[ErrUnknown]
}

// AppError 序列化后即接口的 error 字段
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("[%d] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithCause 挂上底层错误；Details 为空时用底层错误文本补上
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

func (e *AppError) HTTPStatus() int {
	return lookup(e.Code).status
}

// New 多段详情以 "; " 连接
func New(code ErrorCode, details ...string) *AppError {
	return &AppError{
		Code:    code,
		Message: lookup(code).message,
		Details: strings.Join(details, "; "),
	}
}

func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 错误链上已有 AppError 时沿用其错误码，只在前面补充详情
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	var inner *AppError
	if stderrors.As(err, &inner) {
		out := &AppError{Code: inner.Code, Message: inner.Message, Details: inner.Details, Cause: err}
		if extra := strings.Join(details, "; "); extra != "" {
			out.Details = strings.TrimSuffix(extra+"; "+inner.Details, "; ")
		}
		return out
	}
	return New(code, details...).WithCause(err)
}

func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is 沿整条错误链查找错误码，包括 fmt.Errorf 的 %w
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// GetCode 最外层 AppError 的错误码；普通错误为 ErrUnknown，nil 为 0
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrUnknown
}

// IsPermanent 参数错误、设备明确拒绝、仲裁器已停止与上下文结束都不应重试
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if lookup(appErr.Code).permanent {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// ErrorResponse 接口失败时的响应体
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{Error: err, RequestID: requestID, Timestamp: time.Now().Unix()}
}
