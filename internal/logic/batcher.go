package logic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// openBatchStatuses 仍可追加分账的批次状态
var openBatchStatuses = []model.PayoutBatchStatus{model.PayoutBatchStatusPending, model.PayoutBatchStatusScheduled}

// startableBatchStatuses 可以开始打款的批次状态，FAILED 用于人工重试
var startableBatchStatuses = []model.PayoutBatchStatus{
	model.PayoutBatchStatusPending,
	model.PayoutBatchStatusScheduled,
	model.PayoutBatchStatusFailed,
}

// BatchFilter 批次查询条件
type BatchFilter struct {
	ProducerId int64
	Status     model.PayoutBatchStatus
	Limit      int
}

// PayoutBatcher 打款批次管理
type PayoutBatcher struct {
	db       *gorm.DB
	schedule PayoutSchedule
	clock    Clock
	outbox   *Outbox
}

// NewPayoutBatcher 创建打款批次管理
func NewPayoutBatcher(db *gorm.DB, schedule PayoutSchedule, clock Clock, outbox *Outbox) *PayoutBatcher {
	if clock == nil {
		clock = SystemClock
	}
	return &PayoutBatcher{db: db, schedule: schedule, clock: clock, outbox: outbox}
}

// ScheduleOrder 将订单中待打款的分账并入对应生产者下一个打款日的批次
// 可重复调用，已排期的分账不会再次入批
func (b *PayoutBatcher) ScheduleOrder(ctx context.Context, orderId int64) ([]model.PayoutBatchModel, error) {
	var touched []model.PayoutBatchModel

	err := withTxRetry(ctx, b.db, 3, func(tx *gorm.DB) error {
		touched = touched[:0]

		var splits []model.OrderProducerSplitModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ? AND payout_status = ?", orderId, model.SplitPayoutStatusPending).
			Order("producer_id ASC").
			Find(&splits).Error; err != nil {
			return fmt.Errorf("查询待打款分账失败: %w", err)
		}

		scheduledFor := b.schedule.Next(b.clock.Now())
		for i := range splits {
			batch, err := b.addToBatch(tx, &splits[i], scheduledFor)
			if err != nil {
				return err
			}
			touched = append(touched, *batch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(touched) > 0 {
		logger.Info("Scheduled %d split(s) of order %d for payout", len(touched), orderId)
	}
	return touched, nil
}

// addToBatch 合并到已有批次或新建批次，并把分账标记为 SCHEDULED
func (b *PayoutBatcher) addToBatch(tx *gorm.DB, split *model.OrderProducerSplitModel, scheduledFor time.Time) (*model.PayoutBatchModel, error) {
	var batch model.PayoutBatchModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("producer_id = ? AND scheduled_for = ? AND status IN ?", split.ProducerId, scheduledFor, openBatchStatuses).
		First(&batch).Error

	switch {
	case err == nil:
		batch.Amount = batch.Amount.Add(split.Subtotal)
		batch.Commission = batch.Commission.Add(split.Commission)
		batch.NetAmount = batch.NetAmount.Add(split.ProducerAmount)
		res := tx.Model(&model.PayoutBatchModel{}).
			Where("id = ? AND status IN ?", batch.Id, openBatchStatuses).
			Updates(map[string]interface{}{
				"amount":     batch.Amount,
				"commission": batch.Commission,
				"net_amount": batch.NetAmount,
				"updated_at": b.clock.Now(),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("更新打款批次失败: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return nil, fmt.Errorf("%w: payout batch %d is no longer open", ErrInvalidTransition, batch.Id)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		batch = model.PayoutBatchModel{
			ProducerId:   split.ProducerId,
			Amount:       split.Subtotal,
			Commission:   split.Commission,
			NetAmount:    split.ProducerAmount,
			Status:       model.PayoutBatchStatusScheduled,
			ScheduledFor: scheduledFor,
		}
		if err := tx.Create(&batch).Error; err != nil {
			return nil, fmt.Errorf("创建打款批次失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("查询打款批次失败: %w", err)
	}

	item := model.PayoutBatchItemModel{
		BatchId: batch.Id,
		SplitId: split.Id,
		OrderId: split.OrderId,
		Amount:  split.ProducerAmount,
	}
	if err := tx.Create(&item).Error; err != nil {
		return nil, fmt.Errorf("写入批次明细失败: %w", err)
	}

	res := tx.Model(&model.OrderProducerSplitModel{}).
		Where("id = ? AND payout_status = ?", split.Id, model.SplitPayoutStatusPending).
		Updates(map[string]interface{}{
			"payout_status": model.SplitPayoutStatusScheduled,
			"updated_at":    b.clock.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("更新分账状态失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("%w: split %d already scheduled", ErrInvalidTransition, split.Id)
	}

	return &batch, nil
}

// GetBatch 获取批次及明细
func (b *PayoutBatcher) GetBatch(ctx context.Context, batchId int64) (*model.PayoutBatchModel, error) {
	var batch model.PayoutBatchModel
	if err := b.db.WithContext(ctx).Preload("Items").First(&batch, batchId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutBatchNotFound
		}
		return nil, fmt.Errorf("获取打款批次失败: %w", err)
	}
	return &batch, nil
}

// ListBatches 获取批次列表，按打款日排序
func (b *PayoutBatcher) ListBatches(ctx context.Context, filter BatchFilter) ([]model.PayoutBatchModel, error) {
	query := b.db.WithContext(ctx).Preload("Items")
	if filter.ProducerId > 0 {
		query = query.Where("producer_id = ?", filter.ProducerId)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var batches []model.PayoutBatchModel
	if err := query.Order("scheduled_for ASC, id ASC").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("获取打款批次列表失败: %w", err)
	}
	return batches, nil
}

// StartProcessing 开始打款
func (b *PayoutBatcher) StartProcessing(ctx context.Context, batchId int64) (*model.PayoutBatchModel, error) {
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := b.lockBatch(tx, batchId)
		if err != nil {
			return err
		}
		if !containsStatus(startableBatchStatuses, batch.Status) {
			return fmt.Errorf("%w: payout batch status %s", ErrInvalidTransition, batch.Status)
		}
		return b.setStatus(tx, batch, model.PayoutBatchStatusProcessing, nil)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Payout batch %d is processing", batchId)
	return b.GetBatch(ctx, batchId)
}

// CompletePayout 完成打款，必须提供打款流水号和打款方式
// 完成前校验明细合计，成功后把批次内所有分账标记为已打款
func (b *PayoutBatcher) CompletePayout(ctx context.Context, batchId int64, payoutReference, payoutMethod string) (*model.PayoutBatchModel, error) {
	payoutReference = strings.TrimSpace(payoutReference)
	payoutMethod = strings.TrimSpace(payoutMethod)
	if payoutReference == "" || payoutMethod == "" {
		return nil, ErrPayoutDetailsRequired
	}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := b.lockBatch(tx, batchId)
		if err != nil {
			return err
		}
		if batch.Status != model.PayoutBatchStatusProcessing {
			return fmt.Errorf("%w: payout batch status %s", ErrInvalidTransition, batch.Status)
		}
		if err := VerifyBatchTotals(batch); err != nil {
			return err
		}

		now := b.clock.Now()
		if err := tx.Model(&model.PayoutBatchModel{}).
			Where("id = ?", batch.Id).
			Updates(map[string]interface{}{
				"status":           model.PayoutBatchStatusCompleted,
				"paid_at":          &now,
				"payout_reference": &payoutReference,
				"payout_method":    &payoutMethod,
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("更新打款批次失败: %w", err)
		}

		splitIds := make([]int64, 0, len(batch.Items))
		for _, item := range batch.Items {
			splitIds = append(splitIds, item.SplitId)
		}
		if len(splitIds) > 0 {
			if err := tx.Model(&model.OrderProducerSplitModel{}).
				Where("id IN ?", splitIds).
				Updates(map[string]interface{}{
					"payout_status":    model.SplitPayoutStatusCompleted,
					"paid_at":          &now,
					"payout_reference": &payoutReference,
					"updated_at":       now,
				}).Error; err != nil {
				return fmt.Errorf("更新分账打款状态失败: %w", err)
			}
		}

		if b.outbox == nil {
			return nil
		}
		return b.outbox.Enqueue(ctx, tx, Notification{
			UserId:  batch.ProducerId,
			Kind:    model.NotifyKindPayoutCompleted,
			Message: fmt.Sprintf("Payout of %s has been sent (reference %s)", batch.NetAmount.StringFixed(2), payoutReference),
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Payout batch %d completed with reference %s via %s", batchId, payoutReference, payoutMethod)
	return b.GetBatch(ctx, batchId)
}

// FailPayout 打款失败，批次保留待人工重试
func (b *PayoutBatcher) FailPayout(ctx context.Context, batchId int64, notes string) (*model.PayoutBatchModel, error) {
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := b.lockBatch(tx, batchId)
		if err != nil {
			return err
		}
		if batch.Status != model.PayoutBatchStatusProcessing {
			return fmt.Errorf("%w: payout batch status %s", ErrInvalidTransition, batch.Status)
		}
		if err := b.setStatus(tx, batch, model.PayoutBatchStatusFailed, &notes); err != nil {
			return err
		}

		if b.outbox == nil {
			return nil
		}
		return b.outbox.Enqueue(ctx, tx, Notification{
			UserId:  batch.ProducerId,
			Kind:    model.NotifyKindPayoutFailed,
			Message: fmt.Sprintf("Payout of %s could not be completed and will be retried", batch.NetAmount.StringFixed(2)),
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Warn("Payout batch %d failed: %s", batchId, notes)
	return b.GetBatch(ctx, batchId)
}

// VerifyBatchTotals 校验批次净额等于明细合计
func VerifyBatchTotals(batch *model.PayoutBatchModel) error {
	sum := decimal.Zero
	for _, item := range batch.Items {
		sum = sum.Add(item.Amount)
	}
	if !sum.Equal(batch.NetAmount) {
		return fmt.Errorf("%w: batch %d net %s, items %s", ErrBatchTotalsMismatch, batch.Id, batch.NetAmount.StringFixed(2), sum.StringFixed(2))
	}
	return nil
}

func (b *PayoutBatcher) lockBatch(tx *gorm.DB, batchId int64) (*model.PayoutBatchModel, error) {
	var batch model.PayoutBatchModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&batch, batchId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutBatchNotFound
		}
		return nil, fmt.Errorf("获取打款批次失败: %w", err)
	}
	if err := tx.Where("batch_id = ?", batch.Id).Order("id ASC").Find(&batch.Items).Error; err != nil {
		return nil, fmt.Errorf("获取批次明细失败: %w", err)
	}
	return &batch, nil
}

func (b *PayoutBatcher) setStatus(tx *gorm.DB, batch *model.PayoutBatchModel, to model.PayoutBatchStatus, notes *string) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": b.clock.Now(),
	}
	if notes != nil {
		updates["notes"] = notes
	}
	res := tx.Model(&model.PayoutBatchModel{}).
		Where("id = ? AND status = ?", batch.Id, batch.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新打款批次状态失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: payout batch %d changed concurrently", ErrInvalidTransition, batch.Id)
	}
	batch.Status = to
	return nil
}

func containsStatus(statuses []model.PayoutBatchStatus, s model.PayoutBatchStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
