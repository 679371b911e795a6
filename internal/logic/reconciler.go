package logic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 网关回调的支付结果
const (
	WebhookStatusSuccess = "success"
	WebhookStatusFailed  = "failed"
)

// errDuplicateDelivery 幂等标记冲突，用于回滚事务
var errDuplicateDelivery = errors.New("duplicate webhook delivery")

// WebhookPayload 网关回调内容
type WebhookPayload struct {
	CorrelationRef       string          `json:"correlationRef"`
	GatewayTransactionId string          `json:"gatewayTransactionId"`
	Status               string          `json:"status"`
	Currency             string          `json:"currency"`
	Amount               decimal.Decimal `json:"amount"`
}

// Validate 校验回调字段
func (p WebhookPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.CorrelationRef) == "":
		return fmt.Errorf("%w: correlationRef is required", ErrInvalidPayload)
	case len(p.CorrelationRef) > maxPaymentCodeLength:
		return fmt.Errorf("%w: correlationRef exceeds %d characters", ErrInvalidPayload, maxPaymentCodeLength)
	case strings.TrimSpace(p.GatewayTransactionId) == "":
		return fmt.Errorf("%w: gatewayTransactionId is required", ErrInvalidPayload)
	case p.Status != WebhookStatusSuccess && p.Status != WebhookStatusFailed:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, p.Status)
	case strings.TrimSpace(p.Currency) == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidPayload)
	case p.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidPayload)
	}
	return nil
}

// ReconcileResult 回调处理结果
type ReconcileResult struct {
	Success     bool   `json:"success"`
	OrderId     int64  `json:"orderId,omitempty"`
	IsDuplicate bool   `json:"isDuplicate,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

// ReconcilerOptions 回调处理器配置
type ReconcilerOptions struct {
	Gateway string // 确认人标识
	Secret  []byte
}

// Reconciler 支付回调对账
// 同一 (correlationRef, gatewayTransactionId) 只会产生一次状态变更，
// 分批和存证在事务提交后异步执行，失败由对账任务补偿
type Reconciler struct {
	db       *gorm.DB
	opts     ReconcilerOptions
	machine  *StateMachine
	outbox   *Outbox
	batcher  *PayoutBatcher
	recorder *LedgerRecorder
	runner   TaskRunner
	clock    Clock
}

// NewReconciler 创建回调处理器
func NewReconciler(db *gorm.DB, opts ReconcilerOptions, machine *StateMachine, outbox *Outbox,
	batcher *PayoutBatcher, recorder *LedgerRecorder, runner TaskRunner, clock Clock) *Reconciler {
	if clock == nil {
		clock = SystemClock
	}
	if runner == nil {
		runner = SyncRunner{}
	}
	if opts.Gateway == "" {
		opts.Gateway = "gateway"
	}
	return &Reconciler{
		db:       db,
		opts:     opts,
		machine:  machine,
		outbox:   outbox,
		batcher:  batcher,
		recorder: recorder,
		runner:   runner,
		clock:    clock,
	}
}

// HandleWebhook 校验签名后处理原始回调内容
func (r *Reconciler) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*ReconcileResult, error) {
	if !VerifySignature(r.opts.Secret, rawBody, signature) {
		logger.Warn("Rejected webhook with invalid signature")
		return nil, ErrInvalidSignature
	}

	var payload WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	return r.Reconcile(ctx, payload, rawBody)
}

// Reconcile 处理已通过签名校验的回调
func (r *Reconciler) Reconcile(ctx context.Context, payload WebhookPayload, rawBody []byte) (*ReconcileResult, error) {
	var result *ReconcileResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := model.IdempotencyMarkerModel{
			GatewayRef:           payload.CorrelationRef,
			GatewayTransactionId: payload.GatewayTransactionId,
			ProcessedAt:          r.clock.Now(),
		}
		if len(rawBody) > 0 && json.Valid(rawBody) {
			marker.Payload = datatypes.JSON(rawBody)
		}

		// 插入即判重，唯一索引冲突说明这次投递已被处理过
		if err := tx.Create(&marker).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateDelivery
			}
			return fmt.Errorf("写入幂等标记失败: %w", err)
		}

		res, err := r.apply(ctx, tx, payload)
		if err != nil {
			return err
		}

		if err := tx.Model(&model.IdempotencyMarkerModel{}).
			Where("id = ?", marker.Id).
			Updates(map[string]interface{}{
				"order_id": res.OrderId,
				"outcome":  res.Outcome,
				"success":  res.Success,
			}).Error; err != nil {
			return fmt.Errorf("更新幂等标记失败: %w", err)
		}

		result = res
		return nil
	})

	if errors.Is(err, errDuplicateDelivery) {
		return r.priorOutcome(ctx, payload)
	}
	if err != nil {
		if !errors.Is(err, ErrPaymentReferenceNotFound) && !errors.Is(err, ErrOrderNotFound) {
			logger.Error("Reconciliation of %s/%s rolled back: %v", payload.CorrelationRef, payload.GatewayTransactionId, err)
		}
		return nil, err
	}

	if result.Outcome == model.OutcomeConfirmed {
		orderId := result.OrderId
		detached := context.WithoutCancel(ctx)
		if err := r.runner.Submit(func() { r.afterConfirm(detached, orderId) }); err != nil {
			logger.Warn("Failed to submit post-confirmation steps for order %d, sweep will retry: %v", orderId, err)
		}
	}

	return result, nil
}

// apply 在事务中完成支付确认或失败的全部状态变更
func (r *Reconciler) apply(ctx context.Context, tx *gorm.DB, payload WebhookPayload) (*ReconcileResult, error) {
	var ref model.PaymentReferenceModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_code = ?", payload.CorrelationRef).
		First(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("No payment reference for correlation ref %s", payload.CorrelationRef)
			return nil, fmt.Errorf("%w: %s", ErrPaymentReferenceNotFound, payload.CorrelationRef)
		}
		return nil, fmt.Errorf("获取支付关联码失败: %w", err)
	}

	var order model.OrderModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, ref.OrderId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, ref.OrderId)
		}
		return nil, fmt.Errorf("获取订单失败: %w", err)
	}

	if ref.UsedAt != nil || order.PaymentStatus == model.PaymentStatusConfirmed {
		logger.Info("Order %d already confirmed, delivery %s treated as duplicate", order.Id, payload.GatewayTransactionId)
		return &ReconcileResult{Success: true, OrderId: order.Id, IsDuplicate: true, Outcome: model.OutcomeDuplicate}, nil
	}

	if reason := r.rejectReason(&order, payload); reason != "" {
		logger.Warn("Rejected webhook %s for order %d: %s", payload.GatewayTransactionId, order.Id, reason)
		return &ReconcileResult{Success: false, OrderId: order.Id, Outcome: model.OutcomeRejected}, nil
	}

	if payload.Status == WebhookStatusSuccess {
		return r.confirm(ctx, tx, &order, &ref, payload)
	}
	return r.fail(ctx, tx, &order, payload)
}

// rejectReason 订单已进入终态或金额不符时拒绝迁移，但保留幂等标记避免网关反复重试
func (r *Reconciler) rejectReason(order *model.OrderModel, payload WebhookPayload) string {
	if order.PaymentStatus != model.PaymentStatusPending {
		return fmt.Sprintf("payment status is %s", order.PaymentStatus)
	}
	if order.DeliveryStatus != model.DeliveryStatusPending {
		return fmt.Sprintf("delivery status is %s", order.DeliveryStatus)
	}
	if payload.Status != WebhookStatusSuccess {
		return ""
	}
	if !strings.EqualFold(order.Currency, payload.Currency) {
		return fmt.Sprintf("currency %s does not match order currency %s", payload.Currency, order.Currency)
	}
	if !order.TotalAmount.Equal(payload.Amount) {
		return fmt.Sprintf("amount %s does not match order total %s", payload.Amount.StringFixed(2), order.TotalAmount.StringFixed(2))
	}
	return ""
}

func (r *Reconciler) confirm(ctx context.Context, tx *gorm.DB, order *model.OrderModel, ref *model.PaymentReferenceModel, payload WebhookPayload) (*ReconcileResult, error) {
	now := r.clock.Now()
	if err := r.upsertConfirmation(tx, order.Id, payload, true, now); err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("gateway confirmed payment %s", payload.GatewayTransactionId)
	if err := r.machine.ConfirmPayment(ctx, tx, order, r.opts.Gateway, reason); err != nil {
		return nil, err
	}

	res := tx.Model(&model.PaymentReferenceModel{}).
		Where("id = ? AND used_at IS NULL", ref.Id).
		Update("used_at", now)
	if res.Error != nil {
		return nil, fmt.Errorf("标记支付关联码失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("%w: payment reference %s already used", ErrInvalidTransition, ref.PaymentCode)
	}

	notifications := []Notification{{
		UserId:  order.BuyerId,
		Kind:    model.NotifyKindPaymentConfirmed,
		Message: fmt.Sprintf("Payment of %s %s for order #%d confirmed", order.TotalAmount.StringFixed(2), order.Currency, order.Id),
	}}
	producerIds, err := r.producerIds(tx, order.Id)
	if err != nil {
		return nil, err
	}
	for _, producerId := range producerIds {
		notifications = append(notifications, Notification{
			UserId:  producerId,
			Kind:    model.NotifyKindNewOrder,
			Message: fmt.Sprintf("New paid order #%d is ready to fulfil", order.Id),
		})
	}
	if err := r.outbox.Enqueue(ctx, tx, notifications...); err != nil {
		return nil, err
	}

	logger.Info("Confirmed payment for order %d (gateway tx %s)", order.Id, payload.GatewayTransactionId)
	return &ReconcileResult{Success: true, OrderId: order.Id, Outcome: model.OutcomeConfirmed}, nil
}

func (r *Reconciler) fail(ctx context.Context, tx *gorm.DB, order *model.OrderModel, payload WebhookPayload) (*ReconcileResult, error) {
	if err := r.upsertConfirmation(tx, order.Id, payload, false, r.clock.Now()); err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("gateway reported failed payment %s", payload.GatewayTransactionId)
	if err := r.machine.FailPayment(ctx, tx, order, r.opts.Gateway, reason); err != nil {
		return nil, err
	}

	if err := r.outbox.Enqueue(ctx, tx, Notification{
		UserId:  order.BuyerId,
		Kind:    model.NotifyKindPaymentFailed,
		Message: fmt.Sprintf("Payment for order #%d failed", order.Id),
	}); err != nil {
		return nil, err
	}

	logger.Info("Recorded failed payment for order %d (gateway tx %s)", order.Id, payload.GatewayTransactionId)
	return &ReconcileResult{Success: true, OrderId: order.Id, Outcome: model.OutcomeFailed}, nil
}

func (r *Reconciler) upsertConfirmation(tx *gorm.DB, orderId int64, payload WebhookPayload, confirmed bool, at time.Time) error {
	confirmation := model.PaymentConfirmationModel{
		CreatedAt:            at,
		UpdatedAt:            at,
		OrderId:              orderId,
		ConfirmedById:        r.opts.Gateway,
		Method:               "gateway",
		GatewayTransactionId: payload.GatewayTransactionId,
		ConfirmedAt:          at,
		IsConfirmed:          confirmed,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"confirmed_by_id", "method", "gateway_transaction_id", "confirmed_at", "is_confirmed", "updated_at",
		}),
	}).Create(&confirmation).Error; err != nil {
		return fmt.Errorf("写入支付确认记录失败: %w", err)
	}
	return nil
}

func (r *Reconciler) producerIds(tx *gorm.DB, orderId int64) ([]int64, error) {
	var ids []int64
	if err := tx.Model(&model.OrderItemModel{}).
		Where("order_id = ?", orderId).
		Distinct().
		Order("producer_id ASC").
		Pluck("producer_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("获取订单生产者失败: %w", err)
	}
	return ids, nil
}

// priorOutcome 重复投递直接返回首次处理的结果
func (r *Reconciler) priorOutcome(ctx context.Context, payload WebhookPayload) (*ReconcileResult, error) {
	var marker model.IdempotencyMarkerModel
	if err := r.db.WithContext(ctx).
		Where("gateway_ref = ? AND gateway_transaction_id = ?", payload.CorrelationRef, payload.GatewayTransactionId).
		First(&marker).Error; err != nil {
		return nil, fmt.Errorf("获取幂等标记失败: %w", err)
	}

	logger.Info("Duplicate webhook %s/%s, prior outcome %s", payload.CorrelationRef, payload.GatewayTransactionId, marker.Outcome)
	return &ReconcileResult{
		Success:     marker.Success,
		OrderId:     marker.OrderId,
		IsDuplicate: true,
		Outcome:     marker.Outcome,
	}, nil
}

// afterConfirm 事务提交后的分批和存证，两步互不影响
func (r *Reconciler) afterConfirm(ctx context.Context, orderId int64) {
	if r.batcher != nil {
		if _, err := r.batcher.ScheduleOrder(ctx, orderId); err != nil {
			logger.Warn("Payout scheduling for order %d failed, sweep will retry: %v", orderId, err)
		}
	}
	if r.recorder != nil {
		if _, err := r.recorder.RecordOrder(ctx, orderId); err != nil {
			logger.Warn("Ledger recording for order %d failed, sweep will retry: %v", orderId, err)
		}
	}
}
