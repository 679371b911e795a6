package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blues/payrecon/internal/chain"
	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/model"
	"gorm.io/gorm"
)

// FactRecorder 账本存证客户端
type FactRecorder interface {
	RecordFact(ctx context.Context, req chain.FactRequest) chain.RecordResult
	VerifyFact(ctx context.Context, orderId int64) (*chain.Verification, error)
}

// DefaultLedgerLease 单次存证的租约时长，需覆盖等待打包的超时
const DefaultLedgerLease = 3 * time.Minute

// LedgerRecorder 将已确认支付写入账本并回填订单
// 失败只记录到订单的 ledger_error，不向调用方返回业务错误
type LedgerRecorder struct {
	db     *gorm.DB
	ledger FactRecorder
	clock  Clock
	lease  time.Duration
}

// NewLedgerRecorder 创建存证记录器，lease 为单次写入占用订单的最长时间
func NewLedgerRecorder(db *gorm.DB, ledger FactRecorder, clock Clock, lease time.Duration) *LedgerRecorder {
	if clock == nil {
		clock = SystemClock
	}
	if lease <= 0 {
		lease = DefaultLedgerLease
	}
	return &LedgerRecorder{db: db, ledger: ledger, clock: clock, lease: lease}
}

// RecordOrder 为订单存证，可重复调用
// 只有真实写入或确认已存在时才标记 ledger_recorded，mock 结果留给对账任务重试。
// 写入前先占用订单租约，同一订单同时只有一个写入在进行
func (r *LedgerRecorder) RecordOrder(ctx context.Context, orderId int64) (chain.RecordResult, error) {
	var order model.OrderModel
	if err := r.db.WithContext(ctx).First(&order, orderId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chain.RecordResult{}, ErrOrderNotFound
		}
		return chain.RecordResult{}, fmt.Errorf("获取订单失败: %w", err)
	}
	if order.PaymentStatus != model.PaymentStatusConfirmed {
		return chain.RecordResult{}, fmt.Errorf("%w: order %d payment status %s", ErrInvalidTransition, orderId, order.PaymentStatus)
	}
	if order.LedgerRecorded {
		return alreadyRecorded(&order), nil
	}

	req, err := r.factRequest(ctx, &order)
	if err != nil {
		return chain.RecordResult{}, err
	}

	claimed, err := r.claim(ctx, orderId)
	if err != nil {
		return chain.RecordResult{}, err
	}
	if !claimed {
		var current model.OrderModel
		if err := r.db.WithContext(ctx).First(&current, orderId).Error; err == nil && current.LedgerRecorded {
			return alreadyRecorded(&current), nil
		}
		logger.Info("Ledger write for order %d already in progress, skipping", orderId)
		return chain.RecordResult{}, fmt.Errorf("%w: order %d", ErrLedgerWriteInProgress, orderId)
	}

	result := r.ledger.RecordFact(ctx, req)
	switch {
	case !result.Success:
		logger.Warn("Ledger recording failed for order %d: %s", orderId, result.Error)
		r.saveFailure(ctx, orderId, result.Error)
	case result.IsMock:
		logger.Warn("Ledger recording for order %d returned a mock placeholder; will retry on sweep", orderId)
		r.release(ctx, orderId)
	default:
		if err := r.saveSuccess(ctx, orderId, result.TxHash); err != nil {
			return result, err
		}
	}

	return result, nil
}

func alreadyRecorded(order *model.OrderModel) chain.RecordResult {
	ref := ""
	if order.LedgerTxRef != nil {
		ref = *order.LedgerTxRef
	}
	return chain.RecordResult{Success: true, AlreadyRecorded: true, TxHash: ref}
}

// claim 条件更新占用租约，租约过期视为上次写入已中断
func (r *LedgerRecorder) claim(ctx context.Context, orderId int64) (bool, error) {
	now := r.clock.Now()
	leaseUntil := now.Add(r.lease)
	res := r.db.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ? AND ledger_recorded = ?", orderId, false).
		Where("(ledger_lease_until IS NULL OR ledger_lease_until < ?)", now).
		Updates(map[string]interface{}{
			"ledger_lease_until": &leaseUntil,
			"ledger_attempt_at":  &now,
			"ledger_attempts":    gorm.Expr("ledger_attempts + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("占用订单存证租约失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// release 释放租约，订单留给下一次对账
func (r *LedgerRecorder) release(ctx context.Context, orderId int64) {
	if err := r.db.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ?", orderId).
		Update("ledger_lease_until", nil).Error; err != nil {
		logger.Error("Failed to release ledger lease for order %d: %v", orderId, err)
	}
}

// VerifyOrder 查询订单在账本上的存证
func (r *LedgerRecorder) VerifyOrder(ctx context.Context, orderId int64) (*chain.Verification, error) {
	return r.ledger.VerifyFact(ctx, orderId)
}

// factRequest 生产者身份取订单中金额最大的分账方
func (r *LedgerRecorder) factRequest(ctx context.Context, order *model.OrderModel) (chain.FactRequest, error) {
	var split model.OrderProducerSplitModel
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", order.Id).
		Order("subtotal DESC, producer_id ASC").
		First(&split).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return chain.FactRequest{}, fmt.Errorf("获取订单分账失败: %w", err)
	}

	correlationRef := ""
	var ref model.PaymentReferenceModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", order.Id).First(&ref).Error; err == nil {
		correlationRef = ref.PaymentCode
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return chain.FactRequest{}, fmt.Errorf("获取支付关联码失败: %w", err)
	}

	return chain.FactRequest{
		OrderId:        order.Id,
		CorrelationRef: correlationRef,
		Amount:         order.TotalAmount.StringFixed(2),
		BuyerId:        order.BuyerId,
		ProducerId:     split.ProducerId,
	}, nil
}

func (r *LedgerRecorder) saveSuccess(ctx context.Context, orderId int64, txHash string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"ledger_recorded":    true,
			"ledger_error":       nil,
			"ledger_lease_until": nil,
		}
		if txHash != "" {
			updates["ledger_tx_ref"] = txHash
		}
		if err := tx.Model(&model.OrderModel{}).Where("id = ?", orderId).Updates(updates).Error; err != nil {
			return fmt.Errorf("回填订单存证信息失败: %w", err)
		}
		if txHash == "" {
			return nil
		}
		if err := tx.Model(&model.PaymentConfirmationModel{}).
			Where("order_id = ?", orderId).
			Update("ledger_tx_ref", txHash).Error; err != nil {
			return fmt.Errorf("回填支付确认存证信息失败: %w", err)
		}
		return nil
	})
}

func (r *LedgerRecorder) saveFailure(ctx context.Context, orderId int64, reason string) {
	if err := r.db.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ? AND ledger_recorded = ?", orderId, false).
		Updates(map[string]interface{}{
			"ledger_error":       reason,
			"ledger_lease_until": nil,
		}).Error; err != nil {
		logger.Error("Failed to persist ledger error for order %d: %v", orderId, err)
	}
}
