package hardware

import (
	"context"
	"fmt"
	"time"
)

// DeviceKind 测量量类型
type DeviceKind int

const (
	DevicePH DeviceKind = iota
	DeviceTemperature
	DeviceVoltage
	DeviceCurrent
)

// String 返回设备类型名
func (k DeviceKind) String() string {
	switch k {
	case DevicePH:
		return "ph"
	case DeviceTemperature:
		return "temperature"
	case DeviceVoltage:
		return "voltage"
	case DeviceCurrent:
		return "current"
	default:
		return fmt.Sprintf("device(%d)", int(k))
	}
}

// ParseDeviceKind 解析设备类型名
func ParseDeviceKind(s string) (DeviceKind, bool) {
	for _, k := range []DeviceKind{DevicePH, DeviceTemperature, DeviceVoltage, DeviceCurrent} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Measurement 一次成功读数，产生后不可修改
type Measurement struct {
	Value     float64    `json:"value"`
	Kind      DeviceKind `json:"device_kind"`
	Timestamp time.Time  `json:"timestamp"`
}

// Address 总线上的设备地址
type Address uint8

// Transport 物理总线原语
type Transport interface {
	Write(addr Address, data []byte) error
	Read(addr Address, maxLen int) ([]byte, error)
}

// Operation 在总线锁内整体执行的操作，写-等待-读序列必须放在同一个 Run 中
type Operation struct {
	Name string
	Run  func(t Transport) ([]byte, error)
}

// Executor 通过仲裁器执行总线操作
type Executor interface {
	Execute(ctx context.Context, op Operation) ([]byte, error)
}

// ActuationLine 物理执行线路（泵开关）
type ActuationLine interface {
	Set(ctx context.Context, channel int, on bool) error
}

// WriteOp 单次写操作
func WriteOp(name string, addr Address, data []byte) Operation {
	return Operation{
		Name: name,
		Run: func(t Transport) ([]byte, error) {
			return nil, t.Write(addr, data)
		},
	}
}

// ReadOp 单次读操作
func ReadOp(name string, addr Address, maxLen int) Operation {
	return Operation{
		Name: name,
		Run: func(t Transport) ([]byte, error) {
			return t.Read(addr, maxLen)
		},
	}
}

// QueryOp 写命令后等待 wait 再读取，整个序列持有总线
func QueryOp(name string, addr Address, cmd []byte, wait time.Duration, maxLen int) Operation {
	return Operation{
		Name: name,
		Run: func(t Transport) ([]byte, error) {
			if err := t.Write(addr, cmd); err != nil {
				return nil, err
			}
			if wait > 0 {
				time.Sleep(wait)
			}
			return t.Read(addr, maxLen)
		},
	}
}
