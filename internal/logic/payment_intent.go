package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blues/payrecon/internal/model"
	"gorm.io/gorm"
)

// maxPaymentCodeLength 网关允许的关联码最大长度
const maxPaymentCodeLength = 50

// PaymentCode 由订单号和时间生成关联码
func PaymentCode(orderId int64, at time.Time) string {
	return fmt.Sprintf("PAY%d-%s", orderId, at.UTC().Format("20060102150405"))
}

// PaymentIntentLogic 支付意向
type PaymentIntentLogic struct {
	db    *gorm.DB
	clock Clock
}

// NewPaymentIntentLogic 创建支付意向逻辑
func NewPaymentIntentLogic(db *gorm.DB, clock Clock) *PaymentIntentLogic {
	if clock == nil {
		clock = SystemClock
	}
	return &PaymentIntentLogic{db: db, clock: clock}
}

// CreatePaymentReference 为订单生成支付关联码，已有未使用的关联码时直接返回
func (p *PaymentIntentLogic) CreatePaymentReference(ctx context.Context, orderId int64) (*model.PaymentReferenceModel, error) {
	var order model.OrderModel
	if err := p.db.WithContext(ctx).First(&order, orderId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("获取订单失败: %w", err)
	}
	switch {
	case order.PaymentStatus == model.PaymentStatusConfirmed:
		return nil, ErrOrderAlreadyPaid
	case order.PaymentStatus != model.PaymentStatusPending, order.DeliveryStatus == model.DeliveryStatusCancelled:
		return nil, fmt.Errorf("%w: payment %s, delivery %s", ErrInvalidTransition, order.PaymentStatus, order.DeliveryStatus)
	}

	if existing, err := p.findReference(ctx, orderId); err != nil || existing != nil {
		return existing, err
	}

	now := p.clock.Now()
	ref := model.PaymentReferenceModel{
		OrderId:     orderId,
		PaymentCode: PaymentCode(orderId, now),
		GeneratedAt: now,
	}
	if len(ref.PaymentCode) > maxPaymentCodeLength {
		return nil, fmt.Errorf("payment code %q exceeds %d characters", ref.PaymentCode, maxPaymentCodeLength)
	}

	if err := p.db.WithContext(ctx).Create(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发创建，返回先写入的那条
			return p.findReference(ctx, orderId)
		}
		return nil, fmt.Errorf("创建支付关联码失败: %w", err)
	}
	return &ref, nil
}

func (p *PaymentIntentLogic) findReference(ctx context.Context, orderId int64) (*model.PaymentReferenceModel, error) {
	var ref model.PaymentReferenceModel
	err := p.db.WithContext(ctx).Where("order_id = ?", orderId).First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("获取支付关联码失败: %w", err)
	}
	if ref.UsedAt != nil {
		return nil, ErrOrderAlreadyPaid
	}
	return &ref, nil
}
