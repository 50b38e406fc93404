package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/hardware"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// scriptedReader 按脚本返回成功或失败
type scriptedReader struct {
	mu     sync.Mutex
	script []bool // true 表示成功；脚本结束后保持最后一项
	calls  atomic.Int32
	block  chan struct{}
}

func (s *scriptedReader) read(ctx context.Context) ([]hardware.Measurement, error) {
	n := int(s.calls.Add(1)) - 1
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	ok := s.script[len(s.script)-1]
	if n < len(s.script) {
		ok = s.script[n]
	}
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("remote I/O error")
	}
	return []hardware.Measurement{{Value: 7.0, Kind: hardware.DevicePH, Timestamp: time.Now()}}, nil
}

func testConfig() Config {
	return Config{Name: "ph", Kind: hardware.DevicePH, Interval: 2 * time.Millisecond, FailureThreshold: 3}
}

// 恰好在阈值次失败后发出一次断连事件并停止读取
func TestPoller_DisconnectAfterThreshold(t *testing.T) {
	reader := &scriptedReader{script: []bool{false}}
	rec := &recorder{}
	p := New(testConfig(), reader.read, rec)

	require.NoError(t, p.Start(context.Background()))
	p.Wait()

	assert.Equal(t, StateDisconnected, p.State())
	assert.Equal(t, 1, rec.count(events.TypeDisconnected))
	assert.Equal(t, int32(3), reader.calls.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), reader.calls.Load(), "no reads after disconnect")
	assert.Equal(t, 3, p.Failures().Count)
}

// 任意一次成功都会把失败计数清零
func TestPoller_SuccessResetsFailureCounter(t *testing.T) {
	reader := &scriptedReader{script: []bool{false, false, true, false, false, true}}
	rec := &recorder{}
	p := New(testConfig(), reader.read, rec)
	defer p.Stop()

	var snapshots []int
	var mu sync.Mutex
	p.observer = observerFunc(func(_ string, _ error, failures int) {
		mu.Lock()
		snapshots = append(snapshots, failures)
		mu.Unlock()
	})

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.calls.Load() >= 8 }, time.Second, time.Millisecond)
	p.Stop()
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 0, 1, 2, 0}, snapshots[:6])
	assert.Zero(t, rec.count(events.TypeDisconnected))
	assert.GreaterOrEqual(t, rec.count(events.TypeMeasurement), 2)
}

func TestPoller_RestartAfterDisconnect(t *testing.T) {
	reader := &scriptedReader{script: []bool{false, false, false, true}}
	rec := &recorder{}
	p := New(testConfig(), reader.read, rec)
	defer p.Stop()

	require.NoError(t, p.Start(context.Background()))
	p.Wait()
	require.Equal(t, StateDisconnected, p.State())

	// Resume 不会重启已断连的轮询器
	p.Resume()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), reader.calls.Load())

	require.NoError(t, p.Restart(context.Background()))
	require.Eventually(t, func() bool { return rec.count(events.TypeMeasurement) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, p.State())
	assert.Zero(t, p.Failures().Count)
}

// 断连后再次 Start 等同 Restart，失败计数从零开始
func TestPoller_StartAfterDisconnectResetsCounter(t *testing.T) {
	reader := &scriptedReader{script: []bool{false, false, false, false, true}}
	rec := &recorder{}
	p := New(testConfig(), reader.read, rec)
	defer p.Stop()

	require.NoError(t, p.Start(context.Background()))
	p.Wait()
	require.Equal(t, StateDisconnected, p.State())

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.count(events.TypeMeasurement) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.count(events.TypeDisconnected))
	assert.Equal(t, StateRunning, p.State())
}

// 断连事件的处理方看到的仍是断连前的状态，此时 Restart 不会启动新循环
func TestPoller_DisconnectedPublishedBeforeStateChanges(t *testing.T) {
	reader := &scriptedReader{script: []bool{false}}
	var (
		p          *DevicePoller
		during     State
		restartErr error
	)
	pub := events.PublisherFunc(func(e events.Event) {
		if e.Type == events.TypeDisconnected {
			during = p.State()
			restartErr = p.Restart(context.Background())
		}
	})
	p = New(testConfig(), reader.read, pub)
	defer p.Stop()

	require.NoError(t, p.Start(context.Background()))
	p.Wait()

	assert.NotEqual(t, StateDisconnected, during)
	assert.NoError(t, restartErr)
	assert.Equal(t, StateDisconnected, p.State())
	assert.Equal(t, int32(3), reader.calls.Load())
}

// Pause 等待进行中的读取完成后才返回，暂停期间不再读取
func TestPoller_PauseWaitsForInFlightRead(t *testing.T) {
	reader := &scriptedReader{script: []bool{true}, block: make(chan struct{})}
	rec := &recorder{}
	p := New(testConfig(), reader.read, rec)
	defer p.Stop()

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, time.Millisecond)

	paused := make(chan struct{})
	go func() {
		p.Pause()
		close(paused)
	}()

	select {
	case <-paused:
		t.Fatal("Pause returned while a read was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(reader.block)
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("Pause did not return after read completed")
	}
	assert.Equal(t, StatePaused, p.State())

	calls := reader.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, reader.calls.Load(), "no reads while paused")

	p.Resume()
	require.Eventually(t, func() bool { return reader.calls.Load() > calls }, time.Second, time.Millisecond)
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	reader := &scriptedReader{script: []bool{true}}
	p := New(testConfig(), reader.read, &recorder{})

	require.NoError(t, p.Start(context.Background()))
	p.Stop()
	p.Stop()
	p.Wait()

	assert.Equal(t, StateStopped, p.State())
	assert.Error(t, p.Start(context.Background()))
}

func TestPoller_StopWhilePaused(t *testing.T) {
	reader := &scriptedReader{script: []bool{true}}
	p := New(testConfig(), reader.read, &recorder{})

	require.NoError(t, p.Start(context.Background()))
	p.Pause()
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("paused poller did not observe Stop")
	}
}

func TestPoller_ContextCancelStopsLoop(t *testing.T) {
	reader := &scriptedReader{script: []bool{true}}
	p := New(testConfig(), reader.read, &recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	p.Pause()
	cancel()
	p.Wait()
	assert.Equal(t, StateStopped, p.State())
}

type observerFunc func(device string, err error, failures int)

func (f observerFunc) ObservePoll(device string, err error, failures int) { f(device, err, failures) }
