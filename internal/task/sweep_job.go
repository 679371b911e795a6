package task

import (
	"context"
	"time"

	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/logic"
	"github.com/go-co-op/gocron/v2"
)

// SweepJob 对账补偿任务：补排期未入批的分账，重试未存证的订单
type SweepJob struct {
	sweeper *logic.Sweeper
	config  config.TaskConfig
}

// NewSweepJob 创建对账补偿任务
func NewSweepJob(sweeper *logic.Sweeper, cfg config.TaskConfig) *SweepJob {
	return &SweepJob{sweeper: sweeper, config: cfg}
}

// GetName 获取任务名称
func (j *SweepJob) GetName() string {
	return "reconciliation_sweep"
}

// GetSchedule 获取调度配置
func (j *SweepJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(interval(j.config.SweepInterval, 300))
}

// Execute 执行任务
func (j *SweepJob) Execute() {
	// 存证等待可能较长，超时设为调度间隔
	ctx, cancel := context.WithTimeout(context.Background(), interval(j.config.SweepInterval, 300))
	defer cancel()

	if _, err := j.sweeper.Run(ctx); err != nil {
		logger.Error("Reconciliation sweep failed: %v", err)
	}
}

func interval(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
