package repository

import (
	"context"

	"github.com/wfunc/phstat/internal/models"
	"gorm.io/gorm"
)

// SampleRepository 实验采样仓库
type SampleRepository struct {
	handle
}

// NewSampleRepository 创建采样仓库
func NewSampleRepository(db *gorm.DB) *SampleRepository {
	return &SampleRepository{handle{db: db}}
}

// Create 创建单条记录
func (r *SampleRepository) Create(ctx context.Context, s *models.Sample) error {
	return r.with(ctx).Create(s).Error
}

// CreateBatch 批量创建
func (r *SampleRepository) CreateBatch(ctx context.Context, samples []*models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return r.with(ctx).CreateInBatches(samples, 100).Error
}

// Query 查询采样，按时间升序
func (r *SampleRepository) Query(ctx context.Context, query *models.SampleQuery) ([]*models.Sample, int64, error) {
	db := r.with(ctx).Model(&models.Sample{}).
		Where("experiment_id = ?", query.ExperimentID)

	if query.Field != "" {
		db = db.Where("field = ?", query.Field)
	}
	if query.SinceS != nil {
		db = db.Where("elapsed_s >= ?", *query.SinceS)
	}
	if query.UntilS != nil {
		db = db.Where("elapsed_s <= ?", *query.UntilS)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := query.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var samples []*models.Sample
	err := db.Order("elapsed_s ASC, id ASC").
		Limit(limit).
		Offset(query.Offset).
		Find(&samples).Error
	if err != nil {
		return nil, 0, err
	}
	return samples, total, nil
}

// Stats 按字段统计
func (r *SampleRepository) Stats(ctx context.Context, experimentID string) ([]models.FieldStats, error) {
	var stats []models.FieldStats
	err := r.with(ctx).Model(&models.Sample{}).
		Select("field, COUNT(*) as count, MIN(value) as min, MAX(value) as max, AVG(value) as avg").
		Where("experiment_id = ?", experimentID).
		Group("field").
		Order("field").
		Scan(&stats).Error
	return stats, err
}

// DeleteByExperiment 删除某次实验的全部采样
func (r *SampleRepository) DeleteByExperiment(ctx context.Context, experimentID string) (int64, error) {
	result := r.with(ctx).Where("experiment_id = ?", experimentID).Delete(&models.Sample{})
	return result.RowsAffected, result.Error
}
