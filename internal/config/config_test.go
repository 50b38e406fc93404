package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/phstat/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, 0x63, c.Hardware.PH.Address)
	assert.Equal(t, 0x66, c.Hardware.RTD.Address)
	assert.Equal(t, 900*time.Millisecond, c.Hardware.PH.Interval)
	assert.Equal(t, 700*time.Millisecond, c.Hardware.RTD.Interval)
	assert.Equal(t, time.Second, c.Hardware.PPS.Interval)
	assert.Equal(t, 3, c.Hardware.FailureThreshold)
	assert.Equal(t, 5, c.Hardware.Retry.Attempts)
	assert.Equal(t, 10*time.Millisecond, c.Hardware.Retry.Delay)
	assert.Equal(t, 300*time.Millisecond, c.Hardware.ShortTimeout)
	assert.Equal(t, 1500*time.Millisecond, c.Hardware.LongTimeout)
	assert.Equal(t, 9600, c.Hardware.PPS.BaudRate)
	assert.Equal(t, "legacy", c.Control.OverridePolicy)
	assert.Equal(t, 7.0, c.Control.TargetPH)
}

func TestLoad_FileValues(t *testing.T) {
	body := `
control:
  select: 1
  target_ph: 8.25
pump:
  ml_per_injection: 0.25
  injection_duration_s: 2
  cooldown_s: 30
hardware:
  ph:
    address: 0x64
`
	c, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, 1, c.Control.Select)
	assert.Equal(t, 8.25, c.Control.TargetPH)
	assert.Equal(t, 0.25, c.Pump.MLPerInjection)
	assert.Equal(t, 2.0, c.Pump.InjectionDurationS)
	assert.Equal(t, 30.0, c.Pump.CooldownS)
	assert.Equal(t, 0x64, c.Hardware.PH.Address)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PHSTAT_CONTROL_TARGET_PH", "6.5")
	c, err := Load(writeConfig(t, "control:\n  target_ph: 7.5\n"))
	require.NoError(t, err)
	assert.Equal(t, 6.5, c.Control.TargetPH)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"select", "control:\n  select: 2\n"},
		{"duration", "pump:\n  injection_duration_s: 0\n"},
		{"policy", "control:\n  override_policy: whatever\n"},
		{"attempts", "hardware:\n  retry:\n    attempts: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigValidate), "%v", err)
		})
	}
}
