package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/logger"
	"github.com/wfunc/phstat/internal/models"
	"github.com/wfunc/phstat/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExperimentService 实验记录
type ExperimentService interface {
	Begin(ctx context.Context, mode int, targetPH float64, settings map[string]interface{}) (*models.Experiment, error)
	Checkpoint(ctx context.Context, id string, totals repository.ExperimentTotals) error
	Finish(ctx context.Context, id string, totals repository.ExperimentTotals) (*models.Experiment, error)
	Get(ctx context.Context, id string) (*models.Experiment, error)
	List(ctx context.Context, page, pageSize int) ([]*models.Experiment, int64, error)
	Samples(ctx context.Context, query *models.SampleQuery) ([]*models.Sample, int64, error)
	Stats(ctx context.Context, id string) ([]models.FieldStats, error)
	// RecoverDangling 结束上次进程遗留的运行中实验
	RecoverDangling(ctx context.Context) error
}

type experimentService struct {
	repos  *repository.Manager
	logger *zap.Logger
}

// NewExperimentService 创建实验服务
func NewExperimentService(repos *repository.Manager) ExperimentService {
	return &experimentService{
		repos:  repos,
		logger: logger.Module("experiment"),
	}
}

// Begin 创建新实验
func (s *experimentService) Begin(ctx context.Context, mode int, targetPH float64, settings map[string]interface{}) (*models.Experiment, error) {
	exp := &models.Experiment{
		UUID:      uuid.New().String(),
		Status:    models.ExperimentRunning,
		StartedAt: time.Now(),
		Mode:      mode,
		TargetPH:  targetPH,
		Settings:  models.JSONMap(settings),
	}
	if err := s.repos.Experiment().Create(ctx, exp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "创建实验失败")
	}
	s.logger.Info("实验开始", zap.String("uuid", exp.UUID), zap.Int("mode", mode), zap.Float64("target_ph", targetPH))
	return exp, nil
}

// Checkpoint 保存累计值快照
func (s *experimentService) Checkpoint(ctx context.Context, id string, totals repository.ExperimentTotals) error {
	if err := s.repos.Experiment().UpdateTotals(ctx, id, totals); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "保存实验快照失败")
	}
	return nil
}

// Finish 结束实验并写入累计值
func (s *experimentService) Finish(ctx context.Context, id string, totals repository.ExperimentTotals) (*models.Experiment, error) {
	var exp *models.Experiment
	err := s.repos.WithTransaction(ctx, func(tx *repository.Manager) error {
		if err := tx.Experiment().Finish(ctx, id, totals, time.Now()); err != nil {
			return err
		}
		found, err := tx.Experiment().FindByUUID(ctx, id)
		if err != nil {
			return err
		}
		exp = found
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrExperimentNotRunning, "实验 %s 不在运行中", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "结束实验失败")
	}
	s.logger.Info("实验结束",
		zap.String("uuid", id),
		zap.Float64("total_ml", totals.TotalML),
		zap.Int("injections", totals.Injections),
		zap.Float64("charge_c", totals.ChargeC))
	return exp, nil
}

// Get 查询实验
func (s *experimentService) Get(ctx context.Context, id string) (*models.Experiment, error) {
	exp, err := s.repos.Experiment().FindByUUID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "实验 %s 不存在", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return exp, nil
}

// List 分页列出实验
func (s *experimentService) List(ctx context.Context, page, pageSize int) ([]*models.Experiment, int64, error) {
	p := repository.NewPagination(page, pageSize)
	exps, err := s.repos.Experiment().List(ctx, p)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return exps, p.Total, nil
}

// Samples 查询实验采样
func (s *experimentService) Samples(ctx context.Context, query *models.SampleQuery) ([]*models.Sample, int64, error) {
	if _, err := s.Get(ctx, query.ExperimentID); err != nil {
		return nil, 0, err
	}
	samples, total, err := s.repos.Sample().Query(ctx, query)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return samples, total, nil
}

// Stats 采样统计
func (s *experimentService) Stats(ctx context.Context, id string) ([]models.FieldStats, error) {
	stats, err := s.repos.Sample().Stats(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return stats, nil
}

// RecoverDangling 进程异常退出时实验不会被结束，启动时补上
func (s *experimentService) RecoverDangling(ctx context.Context) error {
	for {
		exp, err := s.repos.Experiment().FindRunning(ctx)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
		}
		if exp == nil {
			return nil
		}
		totals := repository.ExperimentTotals{TotalML: exp.TotalML, Injections: exp.Injections, ChargeC: exp.ChargeC}
		if err := s.repos.Experiment().Finish(ctx, exp.UUID, totals, time.Now()); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate)
		}
		s.logger.Warn("结束遗留的运行中实验", zap.String("uuid", exp.UUID))
	}
}
