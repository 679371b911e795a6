package task

import (
	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/logic"
	"github.com/go-co-op/gocron/v2"
)

// Job 定时任务
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

// Manager 任务管理器
type Manager struct {
	scheduler gocron.Scheduler
	services  *logic.Services
	notifier  logic.Notifier
	config    *config.Config
}

// NewManager 创建新的任务管理器，locker 不为空时多实例之间互斥执行
func NewManager(services *logic.Services, notifier logic.Notifier, cfg *config.Config, locker gocron.Locker) (*Manager, error) {
	var options []gocron.SchedulerOption
	if locker != nil {
		options = append(options, gocron.WithDistributedLocker(locker))
	}

	s, err := gocron.NewScheduler(options...)
	if err != nil {
		return nil, err
	}

	return &Manager{
		scheduler: s,
		services:  services,
		notifier:  notifier,
		config:    cfg,
	}, nil
}

// Start 注册任务并启动调度器
func (m *Manager) Start() {
	m.RegisterJobs()
	m.scheduler.Start()
	logger.Info("Task manager started successfully")
}

// RegisterJobs 注册所有任务
func (m *Manager) RegisterJobs() {
	m.register(NewSweepJob(m.services.Sweeper, m.config.Task))
	m.register(NewOutboxJob(m.services.Outbox, m.notifier, m.config.Task))
}

func (m *Manager) register(job Job) {
	_, err := m.scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		logger.Error("Failed to register job %s: %v", job.GetName(), err)
	}
}

// Jobs 已注册任务数
func (m *Manager) Jobs() int {
	return len(m.scheduler.Jobs())
}

// Stop 停止任务管理器
func (m *Manager) Stop() {
	if err := m.scheduler.Shutdown(); err != nil {
		logger.Error("Failed to shutdown scheduler: %v", err)
	}
	logger.Info("Task manager stopped")
}
