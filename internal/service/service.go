package service

import (
	"github.com/wfunc/phstat/internal/config"
	"github.com/wfunc/phstat/internal/repository"
	"gorm.io/gorm"
)

// Services 服务集合
type Services struct {
	Experiments ExperimentService
	Samples     *SampleLogService
	Devices     repository.DeviceStatusRepository
}

// NewServices 创建服务集合
func NewServices(db *gorm.DB, cfg config.StationConfig) *Services {
	repos := repository.NewManager(db)
	return &Services{
		Experiments: NewExperimentService(repos),
		Samples:     NewSampleLogService(repos.Sample(), cfg),
		Devices:     repos.DeviceStatus(),
	}
}

// Close 写入剩余采样
func (s *Services) Close() {
	s.Samples.Close()
}
