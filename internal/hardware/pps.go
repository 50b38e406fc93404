package hardware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/wfunc/phstat/internal/errors"
)

const ppsReplyLen = 64

// PPSLimits 电源型号限值
type PPSLimits struct {
	Model string  `json:"model"`
	VMin  float64 `json:"vmin"`
	VMax  float64 `json:"vmax"`
	IMax  float64 `json:"imax"`
}

// PPSOutput 电源实际输出
type PPSOutput struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// PPSSetpoint 电源设定值
type PPSSetpoint struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Enabled bool    `json:"enabled"`
}

// PowerSupply 程控电源（行协议：VOLT/CURR/OUTP/MEAS:SCAL?）
type PowerSupply struct {
	exec   Executor
	addr   Address
	limits PPSLimits
	wait   time.Duration

	mu       sync.RWMutex
	setpoint PPSSetpoint
}

// NewPowerSupply 创建电源驱动
func NewPowerSupply(exec Executor, addr Address, limits PPSLimits, wait time.Duration) *PowerSupply {
	return &PowerSupply{
		exec:   exec,
		addr:   addr,
		limits: limits,
		wait:   wait,
	}
}

// Limits 型号限值
func (p *PowerSupply) Limits() PPSLimits { return p.limits }

// Setpoint 当前设定值
func (p *PowerSupply) Setpoint() PPSSetpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.setpoint
}

func (p *PowerSupply) send(ctx context.Context, name, line string) error {
	_, err := p.exec.Execute(ctx, WriteOp("pps."+name, p.addr, []byte(line+"\n")))
	return err
}

// SetVoltage 设置输出电压
func (p *PowerSupply) SetVoltage(ctx context.Context, volts float64) error {
	if math.IsNaN(volts) || volts < p.limits.VMin || volts > p.limits.VMax {
		return apperrors.Newf(apperrors.ErrInvalidSetpoint, "电压 %.3f 超出 [%.1f, %.1f]", volts, p.limits.VMin, p.limits.VMax)
	}
	if err := p.send(ctx, "volt", fmt.Sprintf("VOLT %.3f", volts)); err != nil {
		return err
	}
	p.mu.Lock()
	p.setpoint.Voltage = volts
	p.mu.Unlock()
	return nil
}

// SetCurrent 设置限流
func (p *PowerSupply) SetCurrent(ctx context.Context, amps float64) error {
	if math.IsNaN(amps) || amps < 0 || amps > p.limits.IMax {
		return apperrors.Newf(apperrors.ErrInvalidSetpoint, "电流 %.3f 超出 [0, %.1f]", amps, p.limits.IMax)
	}
	if err := p.send(ctx, "curr", fmt.Sprintf("CURR %.3f", amps)); err != nil {
		return err
	}
	p.mu.Lock()
	p.setpoint.Current = amps
	p.mu.Unlock()
	return nil
}

// SetOutput 开关输出
func (p *PowerSupply) SetOutput(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := p.send(ctx, "outp", fmt.Sprintf("OUTP %d", v)); err != nil {
		return err
	}
	p.mu.Lock()
	p.setpoint.Enabled = on
	p.mu.Unlock()
	return nil
}

// ReadOutput 查询实际电压电流
func (p *PowerSupply) ReadOutput(ctx context.Context) (PPSOutput, error) {
	raw, err := p.exec.Execute(ctx, QueryOp("pps.meas", p.addr, []byte("MEAS:SCAL?\n"), p.wait, ppsReplyLen))
	if err != nil {
		return PPSOutput{}, err
	}
	return parsePPSMeasurement(string(raw))
}

// parsePPSMeasurement 解析 "12.000,0.320"
func parsePPSMeasurement(reply string) (PPSOutput, error) {
	parts := strings.Split(strings.TrimSpace(reply), ",")
	if len(parts) != 2 {
		return PPSOutput{}, apperrors.Newf(apperrors.ErrInvalidResponse, "电源响应格式错误 %q", reply)
	}
	volts, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return PPSOutput{}, apperrors.Wrapf(err, apperrors.ErrInvalidResponse, "电压 %q", parts[0])
	}
	amps, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return PPSOutput{}, apperrors.Wrapf(err, apperrors.ErrInvalidResponse, "电流 %q", parts[1])
	}
	return PPSOutput{Voltage: volts, Current: amps}, nil
}
