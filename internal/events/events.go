// Package events 组件之间的单向事件流
package events

import (
	"sync"
	"time"

	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
)

// Type 事件类型
type Type string

const (
	TypeMeasurement     Type = "measurement"
	TypeDisconnected    Type = "disconnected"
	TypeReconnected     Type = "reconnected"
	TypePumpActivated   Type = "pump_activated"
	TypePumpDeactivated Type = "pump_deactivated"
	TypeHardwareFault   Type = "hardware_fault"
	TypeDoseRecorded    Type = "dose_recorded"
	TypeChargeUpdated   Type = "charge_updated"
	TypeWarning         Type = "warning"
	TypeExperiment      Type = "experiment"
)

// Event 事件
type Event struct {
	Type      Type                `json:"type"`
	Device    hardware.DeviceKind `json:"device"`
	Value     float64             `json:"value"`
	IsTest    bool                `json:"is_test,omitempty"`
	Operation string              `json:"operation,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Measurement 测量事件
func Measurement(m hardware.Measurement) Event {
	return Event{Type: TypeMeasurement, Device: m.Kind, Value: m.Value, Timestamp: m.Timestamp}
}

// Disconnected 断连事件
func Disconnected(kind hardware.DeviceKind) Event {
	return Event{Type: TypeDisconnected, Device: kind, Timestamp: time.Now()}
}

// PumpActivated 泵开启事件
func PumpActivated(isTest bool) Event {
	return Event{Type: TypePumpActivated, IsTest: isTest, Timestamp: time.Now()}
}

// PumpDeactivated 泵关闭事件
func PumpDeactivated(isTest bool) Event {
	return Event{Type: TypePumpDeactivated, IsTest: isTest, Timestamp: time.Now()}
}

// HardwareFault 硬件故障事件
func HardwareFault(operation string, err error) Event {
	e := Event{Type: TypeHardwareFault, Operation: operation, Timestamp: time.Now()}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc 函数适配
type PublisherFunc func(e Event)

// Publish 实现 Publisher
func (f PublisherFunc) Publish(e Event) { f(e) }

// Bus 事件总线：同步处理器按注册顺序调用，订阅通道满时丢弃
type Bus struct {
	mu       sync.RWMutex
	handlers []func(Event)
	subs     map[int]chan Event
	nextID   int
	logger   *zap.Logger
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.Module("events"),
	}
}

// Handle 注册同步处理器，在发布方协程中执行
func (b *Bus) Handle(h func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Subscribe 订阅事件流，返回取消函数
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish 发布事件
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("订阅者缓冲区已满，丢弃事件", zap.String("type", string(e.Type)))
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
