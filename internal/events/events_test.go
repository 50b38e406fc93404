package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/hardware"
)

func TestBus_HandlersRunInOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Handle(func(e Event) { got = append(got, "a:"+string(e.Type)) })
	bus.Handle(func(e Event) { got = append(got, "b:"+string(e.Type)) })

	bus.Publish(PumpActivated(false))
	assert.Equal(t, []string{"a:pump_activated", "b:pump_activated"}, got)
}

func TestBus_SubscribeAndCancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)

	m := hardware.Measurement{Value: 7.1, Kind: hardware.DevicePH, Timestamp: time.Now()}
	bus.Publish(Measurement(m))

	select {
	case e := <-ch:
		assert.Equal(t, TypeMeasurement, e.Type)
		assert.Equal(t, hardware.DevicePH, e.Device)
		assert.Equal(t, 7.1, e.Value)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// 取消后发布不会阻塞或崩溃
	bus.Publish(Disconnected(hardware.DevicePH))
}

func TestBus_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(PumpActivated(true))
	bus.Publish(PumpDeactivated(true))

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, TypePumpActivated, e.Type)
	assert.True(t, e.IsTest)
}

func TestHardwareFaultCarriesOperation(t *testing.T) {
	e := HardwareFault("pump_on", assert.AnError)
	assert.Equal(t, TypeHardwareFault, e.Type)
	assert.Equal(t, "pump_on", e.Operation)
	assert.Equal(t, assert.AnError.Error(), e.Message)
	assert.False(t, e.Timestamp.IsZero())
}
