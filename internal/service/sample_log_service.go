package service

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/phstat/internal/config"
	"github.com/wfunc/phstat/internal/logger"
	"github.com/wfunc/phstat/internal/models"
	"go.uber.org/zap"
)

// SampleWriter 采样批量写入
type SampleWriter interface {
	CreateBatch(ctx context.Context, samples []*models.Sample) error
}

// SampleLogService 实验采样记录服务，异步批量写库
type SampleLogService struct {
	repo      SampleWriter
	logger    *zap.Logger
	interval  time.Duration
	batchSize int

	mu           sync.RWMutex
	experimentID string

	buffer   []*models.Sample
	bufferCh chan *models.Sample
	flushCh  chan chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSampleLogService 创建采样记录服务
func NewSampleLogService(repo SampleWriter, cfg config.StationConfig) *SampleLogService {
	if cfg.SampleBuffer <= 0 {
		cfg.SampleBuffer = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 100
	}
	s := &SampleLogService{
		repo:      repo,
		logger:    logger.Module("samples"),
		interval:  cfg.FlushInterval,
		batchSize: cfg.FlushBatchSize,
		buffer:    make([]*models.Sample, 0, cfg.FlushBatchSize),
		bufferCh:  make(chan *models.Sample, cfg.SampleBuffer),
		flushCh:   make(chan chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	// 启动后台写入协程
	go s.backgroundWriter()

	return s
}

// SetExperiment 设置当前实验，空字符串表示不记录
func (s *SampleLogService) SetExperiment(id string) {
	s.mu.Lock()
	s.experimentID = id
	s.mu.Unlock()
}

// Experiment 当前实验
func (s *SampleLogService) Experiment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.experimentID
}

// Log 记录一条 (elapsed, field, value)，缓冲区满时丢弃
func (s *SampleLogService) Log(elapsed float64, field string, value float64) {
	id := s.Experiment()
	if id == "" {
		return
	}
	sample := &models.Sample{
		CreatedAt:    time.Now(),
		ExperimentID: id,
		Field:        field,
		ElapsedS:     elapsed,
		Value:        value,
	}

	select {
	case s.bufferCh <- sample:
	default:
		s.logger.Warn("采样缓冲区满，丢弃记录", zap.String("field", field))
	}
}

// Flush 同步写入当前缓冲的全部记录
func (s *SampleLogService) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止后台协程，写入剩余记录
func (s *SampleLogService) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// backgroundWriter 后台写入协程
func (s *SampleLogService) backgroundWriter() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case sample := <-s.bufferCh:
			s.buffer = append(s.buffer, sample)
			if len(s.buffer) >= s.batchSize {
				s.flushBuffer()
			}

		case <-ticker.C:
			s.flushBuffer()

		case done := <-s.flushCh:
			s.drain()
			s.flushBuffer()
			close(done)

		case <-s.stopCh:
			// 退出前写入剩余的记录
			s.drain()
			s.flushBuffer()
			return
		}
	}
}

func (s *SampleLogService) drain() {
	for {
		select {
		case sample := <-s.bufferCh:
			s.buffer = append(s.buffer, sample)
		default:
			return
		}
	}
}

// flushBuffer 写入缓冲区的记录
func (s *SampleLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	err := s.repo.CreateBatch(ctx, s.buffer)
	logger.LogDatabaseOperation("create_batch", "samples", time.Since(start), err)
	if err != nil {
		s.logger.Error("批量写入采样失败", zap.Int("count", len(s.buffer)), zap.Error(err))
	}

	s.buffer = make([]*models.Sample, 0, s.batchSize)
}
