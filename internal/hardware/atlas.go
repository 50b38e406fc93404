package hardware

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/wfunc/phstat/internal/errors"
)

// Atlas EZO 响应状态码
const (
	atlasStatusSuccess    byte = 1
	atlasStatusSyntax     byte = 2
	atlasStatusProcessing byte = 254
	atlasStatusNoData     byte = 255

	atlasReplyLen = 31

	// 设备仍在处理时最多再读几次
	atlasBusyPolls = 3
)

// CalPoint 校准点
type CalPoint string

const (
	CalLow  CalPoint = "low"
	CalMid  CalPoint = "mid"
	CalHigh CalPoint = "high"
)

// ParseCalPoint 解析校准点
func ParseCalPoint(s string) (CalPoint, error) {
	switch CalPoint(strings.ToLower(s)) {
	case CalLow, CalMid, CalHigh:
		return CalPoint(strings.ToLower(s)), nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalidCalibration, "未知校准点 %q", s)
}

// AtlasSensor Atlas Scientific EZO 电路（pH / RTD）
type AtlasSensor struct {
	exec  Executor
	addr  Address
	kind  DeviceKind
	short time.Duration
	long  time.Duration

	mu      sync.Mutex
	pending bool      // 已发出 R，结果待取
	lastR   time.Time // 最近一次发出 R 的时间
}

// NewAtlasSensor 创建 Atlas 传感器驱动
func NewAtlasSensor(exec Executor, addr Address, kind DeviceKind, short, long time.Duration) *AtlasSensor {
	return &AtlasSensor{
		exec:  exec,
		addr:  addr,
		kind:  kind,
		short: short,
		long:  long,
	}
}

// Kind 返回测量类型
func (s *AtlasSensor) Kind() DeviceKind { return s.kind }

// Address 返回设备地址
func (s *AtlasSensor) Address() Address { return s.addr }

func atlasCommand(cmd string) []byte {
	return append([]byte(cmd), 0)
}

// parseAtlasReply 解析响应：首字节为状态码，其后为以 \0 填充的 ASCII
func parseAtlasReply(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", apperrors.New(apperrors.ErrInvalidResponse, "空响应")
	}
	switch raw[0] {
	case atlasStatusSuccess:
	case atlasStatusProcessing:
		return "", apperrors.New(apperrors.ErrDeviceBusy, "设备仍在处理")
	case atlasStatusNoData:
		return "", apperrors.New(apperrors.ErrInvalidResponse, "无数据")
	case atlasStatusSyntax:
		return "", apperrors.New(apperrors.ErrCommandRejected, "命令语法错误")
	default:
		return "", apperrors.Newf(apperrors.ErrInvalidResponse, "未知状态码 %d", raw[0])
	}
	body := raw[1:]
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(string(body)), nil
}

func parseAtlasValue(text string) (float64, error) {
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrInvalidResponse, "无法解析读数 %q", text)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, apperrors.Newf(apperrors.ErrInvalidMeasurement, "读数 %q", text)
	}
	return v, nil
}

// Sample 流水线读数：取上一次 R 的结果并立即发出下一次 R，整个过程不在总线上等待设备处理。
// 首次调用只发出 R，ok 为 false。
func (s *AtlasSensor) Sample(ctx context.Context) (value float64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.addr
	primed := s.pending
	op := Operation{
		Name: fmt.Sprintf("%s.sample", s.kind),
		Run: func(t Transport) ([]byte, error) {
			var raw []byte
			if primed {
				var err error
				raw, err = t.Read(addr, atlasReplyLen)
				if err != nil {
					return nil, err
				}
			}
			if err := t.Write(addr, atlasCommand("R")); err != nil {
				return nil, err
			}
			return raw, nil
		},
	}

	raw, err := s.exec.Execute(ctx, op)
	if err != nil {
		// 无法确认 R 是否已发出，下一周期重新开始
		s.pending = false
		return 0, false, err
	}
	s.pending = true
	s.lastR = time.Now()
	if !primed {
		return 0, false, nil
	}

	text, err := parseAtlasReply(raw)
	if err != nil {
		return 0, false, err
	}
	v, err := parseAtlasValue(text)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Query 发送命令并等待设备处理后读取响应，整个序列持有总线。
// 有未取回的 R 时先等它处理完并读走，否则新命令会与之冲突而被设备丢弃
func (s *AtlasSensor) Query(ctx context.Context, cmd string, long bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := s.short
	if long {
		wait = s.long
	}
	drain := s.pending
	if drain {
		if err := sleepCtx(ctx, time.Until(s.lastR.Add(s.long))); err != nil {
			return "", err
		}
	}

	addr, poll := s.addr, s.short
	op := Operation{
		Name: fmt.Sprintf("%s.query", s.kind),
		Run: func(t Transport) ([]byte, error) {
			if drain {
				if _, err := readSettled(t, addr, poll); err != nil {
					return nil, err
				}
			}
			if err := t.Write(addr, atlasCommand(cmd)); err != nil {
				return nil, err
			}
			if wait > 0 {
				time.Sleep(wait)
			}
			return readSettled(t, addr, poll)
		},
	}
	raw, err := s.exec.Execute(ctx, op)
	// 任何命令都会覆盖待取的 R 结果
	s.pending = false
	if err != nil {
		return "", err
	}
	return parseAtlasReply(raw)
}

// readSettled 状态码为 254 时间隔 poll 重读，次数用尽后原样返回最后一次响应
func readSettled(t Transport, addr Address, poll time.Duration) ([]byte, error) {
	var raw []byte
	for i := 0; i < atlasBusyPolls; i++ {
		var err error
		raw, err = t.Read(addr, atlasReplyLen)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 || raw[0] != atlasStatusProcessing {
			break
		}
		time.Sleep(poll)
	}
	return raw, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Read 单次完整读数（R + 长等待）
func (s *AtlasSensor) Read(ctx context.Context) (float64, error) {
	text, err := s.Query(ctx, "R", true)
	if err != nil {
		return 0, err
	}
	return parseAtlasValue(text)
}

// Calibrate 单点校准，例如 Cal,mid,7.00
func (s *AtlasSensor) Calibrate(ctx context.Context, point CalPoint, value float64) error {
	if math.IsNaN(value) || value <= 0 || value >= 14 {
		return apperrors.Newf(apperrors.ErrInvalidCalibration, "校准值 %.2f 超出 pH 范围", value)
	}
	_, err := s.Query(ctx, fmt.Sprintf("Cal,%s,%.2f", point, value), true)
	return err
}

// ClearCalibration 清除校准数据
func (s *AtlasSensor) ClearCalibration(ctx context.Context) error {
	_, err := s.Query(ctx, "Cal,clear", false)
	return err
}

// CalibrationPoints 查询已校准点数（Cal,? → ?CAL,n）
func (s *AtlasSensor) CalibrationPoints(ctx context.Context) (int, error) {
	text, err := s.Query(ctx, "Cal,?", false)
	if err != nil {
		return 0, err
	}
	idx := strings.LastIndexByte(text, ',')
	n, err := strconv.Atoi(strings.TrimSpace(text[idx+1:]))
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrInvalidResponse, "无法解析 %q", text)
	}
	return n, nil
}

// SetTemperatureCompensation 设置温度补偿
func (s *AtlasSensor) SetTemperatureCompensation(ctx context.Context, celsius float64) error {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return apperrors.New(apperrors.ErrInvalidParam, "温度无效")
	}
	_, err := s.Query(ctx, fmt.Sprintf("T,%.2f", celsius), false)
	return err
}
