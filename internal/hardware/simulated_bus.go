package hardware

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/wfunc/phstat/internal/errors"
)

// TraceEntry 模拟总线上的一次物理访问
type TraceEntry struct {
	Addr  Address
	Write bool
	Data  []byte
}

type simAtlas struct {
	kind   DeviceKind
	value  float64
	center float64
	reply  []byte
	points int
	busy   time.Time // 处理中的命令完成时间
}

type simRelay struct {
	regs    [4]byte
	pointer byte
}

type simPPS struct {
	volts   float64
	amps    float64
	enabled bool
	reply   []byte
}

// SimulatedBus 进程内模拟的总线，应答 Atlas、MOSFET 板与电源协议，用于调试模式和测试
type SimulatedBus struct {
	mu     sync.Mutex
	rng    *rand.Rand
	atlas  map[Address]*simAtlas
	relays map[Address]*simRelay
	pps    map[Address]*simPPS

	failNext map[Address]int
	offline  map[Address]bool

	pumpAddr    Address
	pumpMask    byte
	pumpDrift   float64
	naturalRise float64

	opDelay    time.Duration
	processing time.Duration
	active     atomic.Int32
	violations atomic.Int32

	tracing bool
	trace   []TraceEntry
}

// NewSimulatedBus 创建模拟总线
func NewSimulatedBus(seed int64) *SimulatedBus {
	return &SimulatedBus{
		rng:         rand.New(rand.NewSource(seed)),
		atlas:       make(map[Address]*simAtlas),
		relays:      make(map[Address]*simRelay),
		pps:         make(map[Address]*simPPS),
		failNext:    make(map[Address]int),
		offline:     make(map[Address]bool),
		pumpDrift:   -0.02,
		naturalRise: 0.002,
	}
}

// AddAtlas 挂载一个 Atlas 电路
func (b *SimulatedBus) AddAtlas(addr Address, kind DeviceKind, initial float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.atlas[addr] = &simAtlas{kind: kind, value: initial, center: initial}
}

// AddRelay 挂载 MOSFET 板，pumpChannel 对应的输出会影响 pH 漂移
func (b *SimulatedBus) AddRelay(addr Address, pumpChannel int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relays[addr] = &simRelay{regs: [4]byte{0, 0, 0, 0xff}}
	b.pumpAddr = addr
	b.pumpMask = byte(1) << uint(pumpChannel-1)
}

// AddPowerSupply 挂载电源
func (b *SimulatedBus) AddPowerSupply(addr Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pps[addr] = &simPPS{}
}

// SetPumpDrift 设置泵开启时每次读数的 pH 变化
func (b *SimulatedBus) SetPumpDrift(perRead, natural float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pumpDrift = perRead
	b.naturalRise = natural
}

// SetOpDelay 每次物理访问的耗时，用于放大并发窗口
func (b *SimulatedBus) SetOpDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opDelay = d
}

// SetProcessingTime Atlas 电路处理每条命令的耗时。处理期间读取返回 254，
// 写入的命令被丢弃，上一条命令的结果保留
func (b *SimulatedBus) SetProcessingTime(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processing = d
}

// EnableTrace 记录访问轨迹
func (b *SimulatedBus) EnableTrace() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracing = true
}

// Trace 返回访问轨迹副本
func (b *SimulatedBus) Trace() []TraceEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TraceEntry, len(b.trace))
	copy(out, b.trace)
	return out
}

// Violations 观察到的重叠访问次数
func (b *SimulatedBus) Violations() int {
	return int(b.violations.Load())
}

// FailNext 接下来 n 次访问该地址失败
func (b *SimulatedBus) FailNext(addr Address, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[addr] = n
}

// SetOffline 设置设备离线
func (b *SimulatedBus) SetOffline(addr Address, offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline[addr] = offline
}

// SetValue 设置 Atlas 当前值
func (b *SimulatedBus) SetValue(addr Address, v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.atlas[addr]; ok {
		a.value = v
		a.center = v
	}
}

// RelayOutput 读取 MOSFET 板输出寄存器
func (b *SimulatedBus) RelayOutput(addr Address) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.relays[addr]; ok {
		return r.regs[relayRegOutput]
	}
	return 0
}

func (b *SimulatedBus) enter() func() {
	if b.active.Add(1) > 1 {
		b.violations.Add(1)
	}
	b.mu.Lock()
	delay := b.opDelay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return func() { b.active.Add(-1) }
}

// checkFault 需持有 mu
func (b *SimulatedBus) checkFault(addr Address) error {
	if b.offline[addr] {
		return apperrors.Newf(apperrors.ErrDeviceOffline, "0x%02x", uint8(addr))
	}
	if n := b.failNext[addr]; n > 0 {
		b.failNext[addr] = n - 1
		return fmt.Errorf("remote I/O error at 0x%02x", uint8(addr))
	}
	return nil
}

// Write 写入
func (b *SimulatedBus) Write(addr Address, data []byte) error {
	defer b.enter()()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tracing {
		b.trace = append(b.trace, TraceEntry{Addr: addr, Write: true, Data: append([]byte(nil), data...)})
	}
	if err := b.checkFault(addr); err != nil {
		return err
	}

	switch {
	case b.atlas[addr] != nil:
		a := b.atlas[addr]
		if time.Now().Before(a.busy) {
			break
		}
		b.atlasCommand(a, strings.TrimRight(string(data), "\x00"))
		a.busy = time.Now().Add(b.processing)
	case b.relays[addr] != nil:
		r := b.relays[addr]
		if len(data) == 0 || int(data[0]) >= len(r.regs) {
			return fmt.Errorf("invalid register write at 0x%02x", uint8(addr))
		}
		r.pointer = data[0]
		if len(data) > 1 {
			r.regs[data[0]] = data[1]
		}
	case b.pps[addr] != nil:
		b.ppsCommand(b.pps[addr], strings.TrimSpace(string(data)))
	default:
		return fmt.Errorf("no device at 0x%02x", uint8(addr))
	}
	return nil
}

// Read 读取
func (b *SimulatedBus) Read(addr Address, maxLen int) ([]byte, error) {
	defer b.enter()()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkFault(addr); err != nil {
		return nil, err
	}

	var out []byte
	switch {
	case b.atlas[addr] != nil:
		a := b.atlas[addr]
		out = make([]byte, maxLen)
		if time.Now().Before(a.busy) {
			out[0] = atlasStatusProcessing
		} else if a.reply == nil {
			out[0] = atlasStatusNoData
		} else {
			copy(out, a.reply)
		}
	case b.relays[addr] != nil:
		r := b.relays[addr]
		out = []byte{r.regs[r.pointer]}
	case b.pps[addr] != nil:
		p := b.pps[addr]
		out = p.reply
		p.reply = nil
		if out == nil {
			return nil, apperrors.New(apperrors.ErrSerialTimeout, "模拟电源无响应")
		}
	default:
		return nil, fmt.Errorf("no device at 0x%02x", uint8(addr))
	}

	if b.tracing {
		b.trace = append(b.trace, TraceEntry{Addr: addr, Data: append([]byte(nil), out...)})
	}
	return out, nil
}

func (b *SimulatedBus) pumpOn() bool {
	r, ok := b.relays[b.pumpAddr]
	return ok && r.regs[relayRegOutput]&b.pumpMask != 0
}

func (b *SimulatedBus) atlasCommand(a *simAtlas, cmd string) {
	upper := strings.ToUpper(cmd)
	switch {
	case upper == "R":
		a.reply = append([]byte{atlasStatusSuccess}, []byte(strconv.FormatFloat(a.value, 'f', 3, 64))...)
		b.advance(a)
	case upper == "CAL,CLEAR":
		a.points = 0
		a.reply = []byte{atlasStatusSuccess}
	case upper == "CAL,?":
		a.reply = append([]byte{atlasStatusSuccess}, []byte(fmt.Sprintf("?CAL,%d", a.points))...)
	case strings.HasPrefix(upper, "CAL,"):
		a.points++
		a.reply = []byte{atlasStatusSuccess}
	case strings.HasPrefix(upper, "T,"):
		a.reply = []byte{atlasStatusSuccess}
	default:
		a.reply = []byte{atlasStatusSyntax}
	}
}

// advance 读数在中心值附近 ±2% 内游走；pH 在泵开启时向加液方向漂移
func (b *SimulatedBus) advance(a *simAtlas) {
	if a.kind == DevicePH {
		if b.pumpOn() {
			a.center += b.pumpDrift
		} else {
			a.center += b.naturalRise
		}
	}
	a.value = a.center * (1 + (b.rng.Float64()*2-1)*0.02)
}

func (b *SimulatedBus) ppsCommand(p *simPPS, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch strings.ToUpper(fields[0]) {
	case "VOLT":
		if len(fields) > 1 {
			p.volts, _ = strconv.ParseFloat(fields[1], 64)
		}
	case "CURR":
		if len(fields) > 1 {
			p.amps, _ = strconv.ParseFloat(fields[1], 64)
		}
	case "OUTP":
		p.enabled = len(fields) > 1 && fields[1] == "1"
	case "MEAS:SCAL?":
		v, i := 0.0, 0.0
		if p.enabled {
			v = p.volts * (1 + (b.rng.Float64()*2-1)*0.005)
			i = p.amps * (0.95 + b.rng.Float64()*0.05)
		}
		p.reply = []byte(fmt.Sprintf("%.3f,%.3f\n", v, i))
	}
}
