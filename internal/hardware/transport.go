package hardware

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/reef-pi/rpi/i2c"
	"github.com/tarm/serial"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
)

// I2CTransport 基于 reef-pi i2c 总线的传输
type I2CTransport struct {
	bus i2c.Bus
}

// NewI2CTransport 打开系统 I2C 总线
func NewI2CTransport() (*I2CTransport, error) {
	bus, err := i2c.New()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrBusOpen, "i2c")
	}
	return &I2CTransport{bus: bus}, nil
}

// NewI2CTransportWithBus 使用已打开的总线
func NewI2CTransportWithBus(bus i2c.Bus) *I2CTransport {
	return &I2CTransport{bus: bus}
}

// Write 写入字节
func (t *I2CTransport) Write(addr Address, data []byte) error {
	return t.bus.WriteBytes(byte(addr), data)
}

// Read 读取最多 maxLen 字节
func (t *I2CTransport) Read(addr Address, maxLen int) ([]byte, error) {
	return t.bus.ReadBytes(byte(addr), maxLen)
}

// Close 关闭总线
func (t *I2CTransport) Close() error {
	return t.bus.Close()
}

// SerialTransport 串口传输，出错后下次访问自动重新打开端口
type SerialTransport struct {
	config *serial.Config
	logger *zap.Logger

	mu   sync.Mutex
	port *serial.Port
}

// NewSerialTransport 创建串口传输（延迟打开）
func NewSerialTransport(port string, baud int, readTimeout time.Duration) *SerialTransport {
	return &SerialTransport{
		config: &serial.Config{
			Name:        port,
			Baud:        baud,
			ReadTimeout: readTimeout,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
		},
		logger: logger.Module("serial"),
	}
}

func (t *SerialTransport) ensureOpen() (*serial.Port, error) {
	if t.port != nil {
		return t.port, nil
	}
	port, err := serial.OpenPort(t.config)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrSerialPortOpen, "端口 %s", t.config.Name)
	}
	t.logger.Info("串口连接成功",
		zap.String("port", t.config.Name),
		zap.Int("baud", t.config.Baud))
	t.port = port
	return port, nil
}

func (t *SerialTransport) reset() {
	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
		t.logger.Warn("串口已断开，下次访问时重连", zap.String("port", t.config.Name))
	}
}

// Write 写入一行命令，地址被忽略
func (t *SerialTransport) Write(_ Address, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.ensureOpen()
	if err != nil {
		return err
	}
	if _, err := port.Write(data); err != nil {
		t.reset()
		return apperrors.Wrap(err, apperrors.ErrSerialPortWrite)
	}
	return nil
}

// Read 读取到换行或 maxLen 字节为止
func (t *SerialTransport) Read(_ Address, maxLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.ensureOpen()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, maxLen)
	buf := make([]byte, maxLen)
	for len(out) < maxLen {
		n, err := port.Read(buf[:maxLen-len(out)])
		if err != nil {
			t.reset()
			return nil, apperrors.Wrap(err, apperrors.ErrSerialPortRead)
		}
		if n == 0 {
			// tarm/serial 在读超时时返回 0
			break
		}
		out = append(out, buf[:n]...)
		if bytes.IndexByte(out, '\n') >= 0 {
			break
		}
	}
	if len(out) == 0 {
		return nil, apperrors.New(apperrors.ErrSerialTimeout, t.config.Name)
	}
	return out, nil
}

// Close 关闭串口
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// BusRouter 按地址把操作路由到不同物理链路，对仲裁器而言仍是一条总线
type BusRouter struct {
	routes   map[Address]Transport
	fallback Transport
}

// NewBusRouter 创建路由，fallback 处理未登记的地址
func NewBusRouter(fallback Transport) *BusRouter {
	return &BusRouter{
		routes:   make(map[Address]Transport),
		fallback: fallback,
	}
}

// Route 登记地址路由
func (r *BusRouter) Route(addr Address, t Transport) {
	r.routes[addr] = t
}

func (r *BusRouter) target(addr Address) (Transport, error) {
	if t, ok := r.routes[addr]; ok {
		return t, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, apperrors.New(apperrors.ErrDeviceOffline, fmt.Sprintf("地址 0x%02x 无可用链路", uint8(addr)))
}

// Write 写入
func (r *BusRouter) Write(addr Address, data []byte) error {
	t, err := r.target(addr)
	if err != nil {
		return err
	}
	return t.Write(addr, data)
}

// Read 读取
func (r *BusRouter) Read(addr Address, maxLen int) ([]byte, error) {
	t, err := r.target(addr)
	if err != nil {
		return nil, err
	}
	return t.Read(addr, maxLen)
}
