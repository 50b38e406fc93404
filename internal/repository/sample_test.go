package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/phstat/internal/models"
)

func seedSamples(t *testing.T, repo *SampleRepository, exp string) {
	t.Helper()
	var samples []*models.Sample
	for i := 0; i < 10; i++ {
		samples = append(samples,
			&models.Sample{ExperimentID: exp, Field: models.FieldPH, ElapsedS: float64(i), Value: 7 + float64(i)/10},
			&models.Sample{ExperimentID: exp, Field: models.FieldCurrent, ElapsedS: float64(i), Value: 0.5},
		)
	}
	require.NoError(t, repo.CreateBatch(context.Background(), samples))
}

func TestSampleRepository_Query(t *testing.T) {
	db := newTestDB(t)
	repo := NewSampleRepository(db)
	ctx := context.Background()
	seedSamples(t, repo, "e1")
	seedSamples(t, repo, "e2")

	all, total, err := repo.Query(ctx, &models.SampleQuery{ExperimentID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)
	assert.Len(t, all, 20)

	since := 5.0
	ph, total, err := repo.Query(ctx, &models.SampleQuery{ExperimentID: "e1", Field: models.FieldPH, SinceS: &since, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, ph, 3)
	assert.Equal(t, 5.0, ph[0].ElapsedS)
	assert.InDelta(t, 7.5, ph[0].Value, 1e-9)
}

func TestSampleRepository_StatsAndDelete(t *testing.T) {
	db := newTestDB(t)
	repo := NewSampleRepository(db)
	ctx := context.Background()
	seedSamples(t, repo, "e1")

	stats, err := repo.Stats(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.FieldCurrent, stats[0].Field)
	assert.Equal(t, int64(10), stats[0].Count)
	assert.InDelta(t, 0.5, stats[0].Avg, 1e-9)
	assert.InDelta(t, 7.0, stats[1].Min, 1e-9)
	assert.InDelta(t, 7.9, stats[1].Max, 1e-9)

	n, err := repo.DeleteByExperiment(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	require.NoError(t, repo.CreateBatch(ctx, nil))
}
