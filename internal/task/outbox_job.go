package task

import (
	"context"

	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/logic"
	"github.com/go-co-op/gocron/v2"
)

// OutboxJob 通知投递任务
type OutboxJob struct {
	outbox   *logic.Outbox
	notifier logic.Notifier
	config   config.TaskConfig
}

// NewOutboxJob 创建通知投递任务
func NewOutboxJob(outbox *logic.Outbox, notifier logic.Notifier, cfg config.TaskConfig) *OutboxJob {
	return &OutboxJob{outbox: outbox, notifier: notifier, config: cfg}
}

// GetName 获取任务名称
func (j *OutboxJob) GetName() string {
	return "outbox_dispatch"
}

// GetSchedule 获取调度配置
func (j *OutboxJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(interval(j.config.OutboxInterval, 10))
}

// Execute 执行任务
func (j *OutboxJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), interval(j.config.OutboxInterval, 10))
	defer cancel()

	sent, err := j.outbox.Dispatch(ctx, j.notifier, j.config.OutboxBatch)
	if err != nil {
		logger.Error("Outbox dispatch failed: %v", err)
		return
	}
	if sent > 0 {
		logger.Info("Outbox dispatch delivered %d notification(s)", sent)
	}
}
