package logic

import (
	"context"
	"fmt"

	"github.com/blues/payrecon/internal/model"
	"gorm.io/gorm"
)

// paymentTransitions 支付状态只能从 PENDING 单向进入终态
var paymentTransitions = map[model.PaymentStatus][]model.PaymentStatus{
	model.PaymentStatusPending: {model.PaymentStatusConfirmed, model.PaymentStatusFailed},
}

// deliveryTransitions 履约状态流转，取消只允许发生在 PENDING
var deliveryTransitions = map[model.DeliveryStatus][]model.DeliveryStatus{
	model.DeliveryStatusPending:   {model.DeliveryStatusConfirmed, model.DeliveryStatusCancelled},
	model.DeliveryStatusConfirmed: {model.DeliveryStatusShipped},
	model.DeliveryStatusShipped:   {model.DeliveryStatusDelivered},
}

// CanTransitionPayment 支付状态是否允许变更
func CanTransitionPayment(from, to model.PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionDelivery 履约状态是否允许变更
func CanTransitionDelivery(from, to model.DeliveryStatus) bool {
	for _, s := range deliveryTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine 订单状态机，所有变更都写一条状态历史
// 方法都在调用方的事务中执行，更新带旧状态条件，并发变更只有一个能成功
type StateMachine struct {
	clock Clock
}

// NewStateMachine 创建状态机
func NewStateMachine(clock Clock) *StateMachine {
	if clock == nil {
		clock = SystemClock
	}
	return &StateMachine{clock: clock}
}

// ConfirmPayment 支付成功：PENDING -> CONFIRMED，履约 PENDING -> CONFIRMED
func (sm *StateMachine) ConfirmPayment(ctx context.Context, tx *gorm.DB, order *model.OrderModel, actor, reason string) error {
	if order.PaymentStatus != model.PaymentStatusPending || order.DeliveryStatus != model.DeliveryStatusPending {
		return fmt.Errorf("%w: payment %s, delivery %s", ErrInvalidTransition, order.PaymentStatus, order.DeliveryStatus)
	}

	now := sm.clock.Now()
	res := tx.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ? AND payment_status = ? AND delivery_status = ?", order.Id, model.PaymentStatusPending, model.DeliveryStatusPending).
		Updates(map[string]interface{}{
			"payment_status":  model.PaymentStatusConfirmed,
			"delivery_status": model.DeliveryStatusConfirmed,
			"updated_at":      now,
		})
	if res.Error != nil {
		return fmt.Errorf("更新订单支付状态失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: order %d changed concurrently", ErrInvalidTransition, order.Id)
	}

	entries := []model.StatusHistoryModel{
		sm.entry(order.Id, model.StatusFieldPayment, string(model.PaymentStatusPending), string(model.PaymentStatusConfirmed), actor, reason),
		sm.entry(order.Id, model.StatusFieldDelivery, string(model.DeliveryStatusPending), string(model.DeliveryStatusConfirmed), actor, reason),
	}
	if err := sm.appendHistory(ctx, tx, entries); err != nil {
		return err
	}

	order.PaymentStatus = model.PaymentStatusConfirmed
	order.DeliveryStatus = model.DeliveryStatusConfirmed
	order.UpdatedAt = now
	return nil
}

// FailPayment 支付失败：PENDING -> FAILED，履约状态不变
func (sm *StateMachine) FailPayment(ctx context.Context, tx *gorm.DB, order *model.OrderModel, actor, reason string) error {
	if !CanTransitionPayment(order.PaymentStatus, model.PaymentStatusFailed) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, order.PaymentStatus, model.PaymentStatusFailed)
	}

	now := sm.clock.Now()
	res := tx.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ? AND payment_status = ?", order.Id, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"payment_status": model.PaymentStatusFailed,
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("更新订单支付状态失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: order %d changed concurrently", ErrInvalidTransition, order.Id)
	}

	entry := sm.entry(order.Id, model.StatusFieldPayment, string(model.PaymentStatusPending), string(model.PaymentStatusFailed), actor, reason)
	if err := sm.appendHistory(ctx, tx, []model.StatusHistoryModel{entry}); err != nil {
		return err
	}

	order.PaymentStatus = model.PaymentStatusFailed
	order.UpdatedAt = now
	return nil
}

// TransitionDelivery 履约状态变更
func (sm *StateMachine) TransitionDelivery(ctx context.Context, tx *gorm.DB, order *model.OrderModel, to model.DeliveryStatus, actor, reason string) error {
	from := order.DeliveryStatus
	if !CanTransitionDelivery(from, to) {
		if to == model.DeliveryStatusCancelled {
			return fmt.Errorf("%w: delivery status %s", ErrOrderNotCancellable, from)
		}
		return fmt.Errorf("%w: delivery %s -> %s", ErrInvalidTransition, from, to)
	}

	now := sm.clock.Now()
	res := tx.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ? AND delivery_status = ?", order.Id, from).
		Updates(map[string]interface{}{
			"delivery_status": to,
			"updated_at":      now,
		})
	if res.Error != nil {
		return fmt.Errorf("更新订单履约状态失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		if to == model.DeliveryStatusCancelled {
			return fmt.Errorf("%w: order %d changed concurrently", ErrOrderNotCancellable, order.Id)
		}
		return fmt.Errorf("%w: order %d changed concurrently", ErrInvalidTransition, order.Id)
	}

	entry := sm.entry(order.Id, model.StatusFieldDelivery, string(from), string(to), actor, reason)
	if err := sm.appendHistory(ctx, tx, []model.StatusHistoryModel{entry}); err != nil {
		return err
	}

	order.DeliveryStatus = to
	order.UpdatedAt = now
	return nil
}

// History 按时间顺序返回订单状态历史
func (sm *StateMachine) History(ctx context.Context, db *gorm.DB, orderId int64) ([]model.StatusHistoryModel, error) {
	var entries []model.StatusHistoryModel
	if err := db.WithContext(ctx).
		Where("order_id = ?", orderId).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("获取状态历史失败: %w", err)
	}
	return entries, nil
}

func (sm *StateMachine) entry(orderId int64, field, from, to, actor, reason string) model.StatusHistoryModel {
	return model.StatusHistoryModel{
		CreatedAt:  sm.clock.Now(),
		OrderId:    orderId,
		Field:      field,
		FromStatus: from,
		ToStatus:   to,
		ActorId:    actor,
		Reason:     reason,
	}
}

func (sm *StateMachine) appendHistory(ctx context.Context, tx *gorm.DB, entries []model.StatusHistoryModel) error {
	if err := tx.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("写入状态历史失败: %w", err)
	}
	return nil
}
