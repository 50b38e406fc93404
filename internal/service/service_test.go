package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/config"
	"github.com/wfunc/phstat/internal/database"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/models"
	"github.com/wfunc/phstat/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestExperimentService_Lifecycle(t *testing.T) {
	db := testDB(t)
	svc := NewServices(db, config.StationConfig{FlushInterval: time.Hour})
	defer svc.Close()
	ctx := context.Background()

	exp, err := svc.Experiments.Begin(ctx, 1, 6.5, map[string]interface{}{"cooldown_s": 10.0})
	require.NoError(t, err)
	require.Len(t, exp.UUID, 36)

	svc.Samples.SetExperiment(exp.UUID)
	svc.Samples.Log(0.5, models.FieldPH, 6.8)
	svc.Samples.Log(1.5, models.FieldPH, 6.6)
	svc.Samples.Log(1.5, models.FieldDoseML, 0.1)
	require.NoError(t, svc.Samples.Flush(ctx))

	require.NoError(t, svc.Experiments.Checkpoint(ctx, exp.UUID, repository.ExperimentTotals{TotalML: 0.1, Injections: 1}))

	finished, err := svc.Experiments.Finish(ctx, exp.UUID, repository.ExperimentTotals{TotalML: 0.2, Injections: 2, ChargeC: 3})
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStopped, finished.Status)
	assert.Equal(t, 0.2, finished.TotalML)

	_, err = svc.Experiments.Finish(ctx, exp.UUID, repository.ExperimentTotals{})
	assert.True(t, apperrors.Is(err, apperrors.ErrExperimentNotRunning))

	samples, total, err := svc.Experiments.Samples(ctx, &models.SampleQuery{ExperimentID: exp.UUID, Field: models.FieldPH})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, 6.8, samples[0].Value)

	stats, err := svc.Experiments.Stats(ctx, exp.UUID)
	require.NoError(t, err)
	assert.Len(t, stats, 2)

	list, n, err := svc.Experiments.List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, list, 1)

	_, err = svc.Experiments.Get(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestExperimentService_RecoverDangling(t *testing.T) {
	db := testDB(t)
	repos := repository.NewManager(db)
	exps := NewExperimentService(repos)
	ctx := context.Background()

	a, err := exps.Begin(ctx, 0, 7, nil)
	require.NoError(t, err)
	_, err = exps.Begin(ctx, 0, 7, nil)
	require.NoError(t, err)

	require.NoError(t, exps.RecoverDangling(ctx))
	running, err := repos.Experiment().FindRunning(ctx)
	require.NoError(t, err)
	assert.Nil(t, running)

	got, err := exps.Get(ctx, a.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStopped, got.Status)
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]*models.Sample
	err     error
}

func (w *fakeWriter) CreateBatch(_ context.Context, samples []*models.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, samples)
	return w.err
}

func (w *fakeWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestSampleLogService_Batching(t *testing.T) {
	w := &fakeWriter{}
	s := NewSampleLogService(w, config.StationConfig{FlushInterval: time.Hour, FlushBatchSize: 3, SampleBuffer: 10})

	// 没有实验时不记录
	s.Log(1, models.FieldPH, 7)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, w.total())

	s.SetExperiment("e1")
	for i := 0; i < 3; i++ {
		s.Log(float64(i), models.FieldPH, 7)
	}
	require.Eventually(t, func() bool { return w.total() == 3 }, time.Second, time.Millisecond)

	s.Log(4, models.FieldCurrent, 0.5)
	s.Close()
	assert.Equal(t, 4, w.total())

	// 关闭后 Flush 立即返回
	require.NoError(t, s.Flush(context.Background()))
}

func TestSampleLogService_WriteErrorDropsBatch(t *testing.T) {
	w := &fakeWriter{err: errors.New("disk full")}
	s := NewSampleLogService(w, config.StationConfig{FlushInterval: time.Hour})
	defer s.Close()

	s.SetExperiment("e1")
	s.Log(1, models.FieldPH, 7)
	require.NoError(t, s.Flush(context.Background()))
	s.Log(2, models.FieldPH, 7)
	require.NoError(t, s.Flush(context.Background()))

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.batches, 2)
	assert.Len(t, w.batches[1], 1)
}
