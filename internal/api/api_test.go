package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/config"
	"github.com/wfunc/phstat/internal/database"
	"github.com/wfunc/phstat/internal/hardware"
	"github.com/wfunc/phstat/internal/metrics"
	"github.com/wfunc/phstat/internal/service"
	"github.com/wfunc/phstat/internal/station"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Hardware: config.HardwareConfig{
			FailureThreshold: 3,
			ShortTimeout:     time.Millisecond,
			LongTimeout:      2 * time.Millisecond,
			AcquireTimeout:   time.Second,
			Retry:            config.RetryConfig{Attempts: 2, Delay: time.Millisecond},
			PH:               config.SensorConfig{Enabled: true, Address: 0x63, Interval: 10 * time.Millisecond},
			RTD:              config.SensorConfig{Enabled: true, Address: 0x66, Interval: 10 * time.Millisecond},
			Relay:            config.RelayConfig{Address: 0x20, Channel: 1},
			PPS: config.PPSConfig{
				Enabled: true, Address: 0x70, Interval: 10 * time.Millisecond,
				Model: "PPS11360", VMin: 1, VMax: 36, IMax: 7,
			},
		},
		Control: config.ControlConfig{TargetPH: 7.0, OverridePolicy: "legacy"},
		Pump:    config.PumpConfig{MLPerInjection: 0.1, InjectionDurationS: 0.02, CooldownS: 0.02},
		Station: config.StationConfig{SampleBuffer: 1000, FlushInterval: time.Hour, FlushBatchSize: 1000},
	}
}

type testEnv struct {
	engine *gin.Engine
	st     *station.Station
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(db))

	cfg := testConfig()
	svc := service.NewServices(db, cfg.Station)

	sim := hardware.NewSimulatedBus(7)
	sim.AddAtlas(0x63, hardware.DevicePH, 7.0)
	sim.AddAtlas(0x66, hardware.DeviceTemperature, 25)
	sim.AddRelay(0x20, 1)
	sim.AddPowerSupply(0x70)

	m := metrics.New()
	st, err := station.New(cfg,
		station.WithTransport(sim),
		station.WithMetrics(m),
		station.WithExperimentStore(svc.Experiments),
		station.WithSampleSink(svc.Samples),
		station.WithDeviceStore(svc.Devices),
		station.WithSettingsSaver(nil),
	)
	require.NoError(t, err)
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() {
		st.Stop(context.Background())
		svc.Close()
		sqlDB.Close()
	})

	router := NewRouter(Deps{
		Station:     st,
		Experiments: svc.Experiments,
		Devices:     svc.Devices,
		DB:          db,
		Metrics:     m.Handler(),
		APIToken:    token,
	})
	return &testEnv{engine: router.GetEngine(), st: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Header().Get("Content-Type") != "" && w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t, "")

	w, resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])

	w, _ = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "phstat_")

	w, resp = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", resp["code"])
}

func TestAPI_ExperimentLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	w, resp := env.do(t, http.MethodPost, "/api/v1/experiment/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := resp["data"].(map[string]interface{})["uuid"].(string)
	require.Len(t, id, 36)

	w, resp = env.do(t, http.MethodPost, "/api/v1/experiment/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.NotContains(t, resp["error"], "stack")

	w, _ = env.do(t, http.MethodPost, "/api/v1/experiment/reset", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exp := resp["data"].(map[string]interface{})["experiment"].(map[string]interface{})
	assert.Equal(t, true, exp["running"])

	time.Sleep(50 * time.Millisecond)
	w, _ = env.do(t, http.MethodPost, "/api/v1/experiment/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/experiments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["total"])

	w, _ = env.do(t, http.MethodGet, "/api/v1/experiments/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/experiments/"+id+"/samples?field=ph", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Greater(t, resp["total"], float64(0))

	w, _ = env.do(t, http.MethodGet, "/api/v1/experiments/"+id+"/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/v1/experiments/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/v1/experiment/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_Settings(t *testing.T) {
	env := newTestEnv(t, "")

	w, _ := env.do(t, http.MethodPut, "/api/v1/control", map[string]interface{}{"select": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := env.do(t, http.MethodPut, "/api/v1/control", map[string]interface{}{"select": 1, "target_ph": 6.2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6.2, resp["data"].(map[string]interface{})["target"])

	w, _ = env.do(t, http.MethodPut, "/api/v1/pump/calibration", map[string]interface{}{
		"ml_per_injection": 0.2, "injection_duration_s": 0, "cooldown_s": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPut, "/api/v1/pump/calibration", map[string]interface{}{
		"ml_per_injection": 0.2, "injection_duration_s": 0.5, "cooldown_s": 1,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.5, env.st.Status().Pump.Calibration.InjectionDurationS)
}

func TestAPI_PHAndPowerSupply(t *testing.T) {
	env := newTestEnv(t, "")

	w, _ := env.do(t, http.MethodPost, "/api/v1/ph/calibrate", map[string]interface{}{"point": "bogus", "value": 7})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/v1/ph/calibrate", map[string]interface{}{"point": "mid", "value": 7})
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := env.do(t, http.MethodGet, "/api/v1/ph/calibrate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["data"].(map[string]interface{})["points"])

	w, _ = env.do(t, http.MethodPost, "/api/v1/ph/calibrate/clear", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/ph/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 7.0, resp["data"].(map[string]interface{})["ph"], 0.5)

	w, _ = env.do(t, http.MethodPut, "/api/v1/ph/temperature", map[string]interface{}{"celsius": 22.5})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodPut, "/api/v1/pps/setpoint", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPut, "/api/v1/pps/setpoint", map[string]interface{}{"voltage": 99})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPut, "/api/v1/pps/setpoint", map[string]interface{}{"voltage": 12, "current": 0.5})
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodPost, "/api/v1/pps/output", map[string]interface{}{"on": true})
	require.Equal(t, http.StatusOK, w.Code)
	setpoint := resp["data"].(map[string]interface{})["setpoint"].(map[string]interface{})
	assert.Equal(t, true, setpoint["enabled"])
	assert.Equal(t, 12.0, setpoint["voltage"])
}

func TestAPI_Devices(t *testing.T) {
	env := newTestEnv(t, "")

	require.Eventually(t, func() bool {
		_, resp := env.do(t, http.MethodGet, "/api/v1/devices", nil)
		records, _ := resp["data"].(map[string]interface{})["records"].([]interface{})
		return len(records) == 4
	}, 2*time.Second, 10*time.Millisecond)

	_, resp := env.do(t, http.MethodGet, "/api/v1/devices", nil)
	health, ok := resp["data"].(map[string]interface{})["health"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 4.0, health["total"])

	w, _ := env.do(t, http.MethodPost, "/api/v1/devices/unknown/reconnect", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/v1/devices/ph/reconnect", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_TokenProtectsWrites(t *testing.T) {
	env := newTestEnv(t, "secret")

	w, _ := env.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/v1/pump/test", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
