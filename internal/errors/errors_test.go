package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrInvalidParam)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("无效的参数", err.Message)
	suite.Empty(err.Details)

	// 多个详情
	err = New(ErrBusBusy, "地址: 0x63", "尝试: 3")
	suite.Equal("地址: 0x63; 尝试: 3", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrInvalidSetpoint, "电压 %.1f 超过上限 %.1f", 40.0, 36.0)
	suite.Equal(ErrInvalidSetpoint, err.Code)
	suite.Equal("电压 40.0 超过上限 36.0", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("i2c: remote I/O error")
	wrappedErr := Wrap(originalErr, ErrCommandFailed)
	suite.Equal(ErrCommandFailed, wrappedErr.Code)
	suite.Equal("i2c: remote I/O error", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	suite.Nil(Wrap(nil, ErrUnknown))

	// 包装已有的AppError保留原始错误码
	appErr := New(ErrDeviceBusy, "pH 探头")
	wrappedAppErr := Wrap(appErr, ErrCommandFailed, "读取")
	suite.Equal(ErrDeviceBusy, wrappedAppErr.Code)
	suite.Equal("读取; pH 探头", wrappedAppErr.Details)
	suite.Equal("pH 探头", appErr.Details, "原错误不应被修改")
	suite.True(Is(wrappedAppErr, ErrDeviceBusy))
}

// 测试错误码判断（包括错误链）
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrBusBusy)
	suite.True(Is(err, ErrBusBusy))
	suite.False(Is(err, ErrNotFound))
	suite.False(Is(nil, ErrBusBusy))
	suite.False(Is(errors.New("标准错误"), ErrUnknown))

	// 重试耗尽错误包装了最后一次的忙错误
	exhausted := New(ErrTransportExhausted).WithCause(New(ErrBusBusy))
	suite.True(Is(exhausted, ErrTransportExhausted))
	suite.True(Is(exhausted, ErrBusBusy))

	// fmt.Errorf 包装也能识别
	suite.True(Is(fmt.Errorf("poll: %w", exhausted), ErrTransportExhausted))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrTransportExhausted, GetCode(New(ErrTransportExhausted)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
	suite.Equal(ErrorCode(0), GetCode(nil))
}

// 测试错误消息
func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{
		Code:    ErrDeviceOffline,
		Message: "设备离线",
	}
	suite.Equal("[3004] 设备离线", err.Error())

	err.Details = "RTD"
	suite.Equal("[3004] 设备离线: RTD", err.Error())
}

// 测试WithCause
func (suite *ErrorsTestSuite) TestWithCause() {
	cause := errors.New("serial: timeout")
	err := New(ErrSerialTimeout).WithCause(cause)
	suite.Equal(cause, err.Cause)
	suite.Equal("serial: timeout", err.Details)
	suite.Equal(cause, err.Unwrap())

	// 已有Details的情况
	err2 := New(ErrSerialTimeout, "MEAS:SCAL?").WithCause(cause)
	suite.Equal("MEAS:SCAL?", err2.Details)
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidParam, 400},
		{ErrTimeout, 408},
		{ErrExperimentRunning, 409},
		{ErrInvalidCalibration, 400},
		{ErrTransportExhausted, 502},
		{ErrDatabaseConnect, 503},
		{ErrArbiterStopped, 503},
		{ErrNotImplemented, 501},
		{ErrUnknown, 500},
		{ErrorCode(99999), 500},
	}

	for _, tc := range testCases {
		err := New(tc.code)
		suite.Equal(tc.expected, err.HTTPStatus(), "错误码 %d 应该返回HTTP状态码 %d", tc.code, tc.expected)
	}
}

// 测试永久错误判断
func (suite *ErrorsTestSuite) TestIsPermanent() {
	suite.True(IsPermanent(New(ErrCommandRejected)))
	suite.True(IsPermanent(New(ErrArbiterStopped)))
	suite.True(IsPermanent(context.Canceled))
	suite.True(IsPermanent(fmt.Errorf("wait: %w", context.DeadlineExceeded)))

	suite.False(IsPermanent(New(ErrBusBusy)))
	suite.False(IsPermanent(New(ErrDeviceBusy)))
	suite.False(IsPermanent(errors.New("i2c: remote I/O error")))
	suite.True(IsPermanent(Wrap(New(ErrInvalidSetpoint), ErrCommandFailed, "PPS")))
	suite.False(IsPermanent(nil))
}

// 测试错误响应
func (suite *ErrorsTestSuite) TestErrorResponse() {
	err := New(ErrExperimentRunning)
	response := NewErrorResponse(err, "req-123")

	suite.False(response.Success)
	suite.Equal(err, response.Error)
	suite.Equal("req-123", response.RequestID)
	suite.Greater(response.Timestamp, int64(0))
}

// 测试未知错误码
func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
