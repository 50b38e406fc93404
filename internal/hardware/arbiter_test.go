package hardware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/phstat/internal/errors"
)

func newTestArbiter(t *testing.T, tr Transport, opts ...ArbiterOption) *TransportArbiter {
	t.Helper()
	a := NewTransportArbiter(tr, opts...)
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

// 两个并发调用方的写-读序列在总线上不会交错
func TestArbiter_OperationsAreIndivisible(t *testing.T) {
	bus := NewSimulatedBus(1)
	bus.AddAtlas(0x63, DevicePH, 7.0)
	bus.AddAtlas(0x66, DeviceTemperature, 25.0)
	bus.SetOpDelay(100 * time.Microsecond)
	bus.EnableTrace()

	arb := newTestArbiter(t, bus)

	const perCaller = 40
	var wg sync.WaitGroup
	for _, addr := range []Address{0x63, 0x66} {
		wg.Add(1)
		go func(addr Address) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				_, err := arb.Execute(context.Background(), QueryOp("query", addr, atlasCommand("R"), 0, atlasReplyLen))
				assert.NoError(t, err)
			}
		}(addr)
	}
	wg.Wait()

	assert.Zero(t, bus.Violations())

	trace := bus.Trace()
	require.Len(t, trace, 2*2*perCaller)
	for i := 0; i < len(trace); i += 2 {
		assert.True(t, trace[i].Write, "entry %d should be a write", i)
		assert.False(t, trace[i+1].Write, "entry %d should be a read", i+1)
		assert.Equal(t, trace[i].Addr, trace[i+1].Addr, "write/read pair %d split across devices", i/2)
	}
}

func TestArbiter_RetriesTransientFailures(t *testing.T) {
	tr := new(MockTransport)
	tr.On("Read", Address(0x10), 4).Return(nil, errors.New("remote I/O error")).Twice()
	tr.On("Read", Address(0x10), 4).Return([]byte{1, 2, 3, 4}, nil).Once()

	arb := newTestArbiter(t, tr, WithRetryPolicy(RetryPolicy{Attempts: 5, Delay: time.Millisecond}))

	data, err := arb.Execute(context.Background(), ReadOp("read", 0x10, 4))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	tr.AssertNumberOfCalls(t, "Read", 3)

	stats := arb.Stats()
	assert.Equal(t, uint64(1), stats.Operations)
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Zero(t, stats.Failures)
}

func TestArbiter_ExhaustedSurfacesError(t *testing.T) {
	tr := new(MockTransport)
	tr.On("Write", Address(0x10), mock.Anything).Return(errors.New("nack"))

	arb := newTestArbiter(t, tr, WithRetryPolicy(RetryPolicy{Attempts: 5, Delay: time.Millisecond}))

	_, err := arb.Execute(context.Background(), WriteOp("write", 0x10, []byte{0x01}))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportExhausted))
	tr.AssertNumberOfCalls(t, "Write", 5)
	assert.Equal(t, uint64(1), arb.Stats().Failures)
}

// 总线被长时间占用时，等待方在有限次数内放弃而不是无限阻塞
func TestArbiter_BusyAcquisitionIsBounded(t *testing.T) {
	arb := newTestArbiter(t, NewSimulatedBus(1),
		WithAcquireTimeout(20*time.Millisecond),
		WithRetryPolicy(RetryPolicy{Attempts: 2, Delay: time.Millisecond}))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = arb.Execute(context.Background(), Operation{
			Name: "hold",
			Run: func(Transport) ([]byte, error) {
				close(started)
				<-release
				return nil, nil
			},
		})
	}()
	<-started

	_, err := arb.Execute(context.Background(), Operation{Name: "waiter", Run: func(Transport) ([]byte, error) { return nil, nil }})
	close(release)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportExhausted))
	assert.True(t, apperrors.Is(err, apperrors.ErrBusBusy))
}

func TestArbiter_PanicDoesNotKillOwner(t *testing.T) {
	arb := newTestArbiter(t, NewSimulatedBus(1), WithRetryPolicy(RetryPolicy{Attempts: 1}))

	_, err := arb.Execute(context.Background(), Operation{Name: "boom", Run: func(Transport) ([]byte, error) { panic("boom") }})
	require.Error(t, err)

	data, err := arb.Execute(context.Background(), Operation{Name: "ok", Run: func(Transport) ([]byte, error) { return []byte("ok"), nil }})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestArbiter_StopIsIdempotentAndRejectsNewWork(t *testing.T) {
	arb := NewTransportArbiter(NewSimulatedBus(1))
	arb.Start()
	arb.Stop()
	arb.Stop()

	_, err := arb.Execute(context.Background(), Operation{Name: "late", Run: func(Transport) ([]byte, error) { return nil, nil }})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrArbiterStopped))
}

func TestArbiter_ContextCanceledWhileWaiting(t *testing.T) {
	arb := newTestArbiter(t, NewSimulatedBus(1))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = arb.Execute(context.Background(), Operation{
			Name: "hold",
			Run: func(Transport) ([]byte, error) {
				close(started)
				<-release
				return nil, nil
			},
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := arb.Execute(ctx, Operation{Name: "waiter", Run: func(Transport) ([]byte, error) { return nil, nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
