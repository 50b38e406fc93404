package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wfunc/phstat/internal/models"
	"gorm.io/gorm"
)

// ExperimentTotals 实验结束时的累计值
type ExperimentTotals struct {
	TotalML    float64
	Injections int
	ChargeC    float64
}

// ExperimentRepository 实验仓储接口
type ExperimentRepository interface {
	Create(ctx context.Context, exp *models.Experiment) error
	FindByUUID(ctx context.Context, uuid string) (*models.Experiment, error)
	FindRunning(ctx context.Context) (*models.Experiment, error)
	UpdateTotals(ctx context.Context, uuid string, totals ExperimentTotals) error
	Finish(ctx context.Context, uuid string, totals ExperimentTotals, at time.Time) error
	List(ctx context.Context, p *Pagination) ([]*models.Experiment, error)
}

type experimentRepo struct {
	handle
}

// NewExperimentRepository 创建实验仓储
func NewExperimentRepository(db *gorm.DB) ExperimentRepository {
	return &experimentRepo{handle{db: db}}
}

// Create 创建实验
func (r *experimentRepo) Create(ctx context.Context, exp *models.Experiment) error {
	return r.with(ctx).Create(exp).Error
}

// FindByUUID 根据 UUID 查找
func (r *experimentRepo) FindByUUID(ctx context.Context, uuid string) (*models.Experiment, error) {
	var exp models.Experiment
	if err := r.with(ctx).Where("uuid = ?", uuid).First(&exp).Error; err != nil {
		return nil, err
	}
	return &exp, nil
}

// FindRunning 查找未结束的实验，没有时返回 nil
func (r *experimentRepo) FindRunning(ctx context.Context) (*models.Experiment, error) {
	var exp models.Experiment
	err := r.with(ctx).
		Where("status = ?", models.ExperimentRunning).
		Order("started_at desc").
		First(&exp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// UpdateTotals 更新累计值（定时快照）
func (r *experimentRepo) UpdateTotals(ctx context.Context, uuid string, totals ExperimentTotals) error {
	return r.with(ctx).
		Model(&models.Experiment{}).
		Where("uuid = ?", uuid).
		Updates(map[string]interface{}{
			"total_ml":   totals.TotalML,
			"injections": totals.Injections,
			"charge_c":   totals.ChargeC,
		}).Error
}

// Finish 结束实验
func (r *experimentRepo) Finish(ctx context.Context, uuid string, totals ExperimentTotals, at time.Time) error {
	result := r.with(ctx).
		Model(&models.Experiment{}).
		Where("uuid = ? AND status = ?", uuid, models.ExperimentRunning).
		Updates(map[string]interface{}{
			"status":     models.ExperimentStopped,
			"stopped_at": at,
			"total_ml":   totals.TotalML,
			"injections": totals.Injections,
			"charge_c":   totals.ChargeC,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// List 分页列出，最新的在前
func (r *experimentRepo) List(ctx context.Context, p *Pagination) ([]*models.Experiment, error) {
	var exps []*models.Experiment
	db := r.with(ctx).Model(&models.Experiment{})
	if err := db.Count(&p.Total).Error; err != nil {
		return nil, err
	}
	err := db.Order("started_at desc").Scopes(p.Scope).Find(&exps).Error
	return exps, err
}
