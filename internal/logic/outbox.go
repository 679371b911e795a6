package logic

import (
	"context"
	"fmt"

	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultOutboxMaxAttempts 单条通知最多投递次数
const DefaultOutboxMaxAttempts = 5

// Notifier 通知投递，只需要尽力送达
type Notifier interface {
	Notify(ctx context.Context, userId int64, message, kind string) error
}

// Notification 待写入外发盒的通知
type Notification struct {
	UserId  int64
	Kind    string
	Message string
}

// Outbox 通知外发盒
// 业务事务内只负责写入，投递由定时任务完成，提交后进程崩溃不会丢通知
type Outbox struct {
	db          *gorm.DB
	clock       Clock
	maxAttempts int
}

// NewOutbox 创建外发盒
func NewOutbox(db *gorm.DB, clock Clock, maxAttempts int) *Outbox {
	if clock == nil {
		clock = SystemClock
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultOutboxMaxAttempts
	}
	return &Outbox{db: db, clock: clock, maxAttempts: maxAttempts}
}

// Enqueue 在给定事务中写入通知
func (o *Outbox) Enqueue(ctx context.Context, tx *gorm.DB, notifications ...Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	now := o.clock.Now()
	rows := make([]model.OutboxMessageModel, 0, len(notifications))
	for _, n := range notifications {
		rows = append(rows, model.OutboxMessageModel{
			Id:        uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
			UserId:    n.UserId,
			Kind:      n.Kind,
			Message:   n.Message,
			Status:    model.OutboxStatusPending,
		})
	}

	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("写入通知失败: %w", err)
	}
	return nil
}

// FetchPending 按写入顺序获取待投递通知
func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]model.OutboxMessageModel, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []model.OutboxMessageModel
	if err := o.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("获取待投递通知失败: %w", err)
	}
	return messages, nil
}

// MarkSent 标记已投递
func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	now := o.clock.Now()
	return o.db.WithContext(ctx).Model(&model.OutboxMessageModel{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":       model.OutboxStatusSent,
			"attempts":     gorm.Expr("attempts + 1"),
			"processed_at": &now,
			"last_error":   nil,
			"updated_at":   now,
		}).Error
}

// MarkFailed 记录投递失败，达到最大次数后不再重试
func (o *Outbox) MarkFailed(ctx context.Context, msg model.OutboxMessageModel, cause error) error {
	now := o.clock.Now()
	errMsg := cause.Error()
	updates := map[string]interface{}{
		"attempts":   msg.Attempts + 1,
		"last_error": &errMsg,
		"updated_at": now,
	}
	if msg.Attempts+1 >= o.maxAttempts {
		updates["status"] = model.OutboxStatusFailed
		updates["processed_at"] = &now
	}
	return o.db.WithContext(ctx).Model(&model.OutboxMessageModel{}).
		Where("id = ? AND status = ?", msg.Id, model.OutboxStatusPending).
		Updates(updates).Error
}

// Dispatch 投递一批待发送通知，返回成功条数
func (o *Outbox) Dispatch(ctx context.Context, notifier Notifier, limit int) (int, error) {
	messages, err := o.FetchPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		if err := notifier.Notify(ctx, msg.UserId, msg.Message, msg.Kind); err != nil {
			logger.Warn("Failed to deliver notification %s (attempt %d): %v", msg.Id, msg.Attempts+1, err)
			if markErr := o.MarkFailed(ctx, msg, err); markErr != nil {
				logger.Error("Failed to record notification failure %s: %v", msg.Id, markErr)
			}
			continue
		}

		if err := o.MarkSent(ctx, msg.Id); err != nil {
			logger.Error("Failed to mark notification %s as sent: %v", msg.Id, err)
			continue
		}
		sent++
	}

	return sent, nil
}
