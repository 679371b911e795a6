package logic

import (
	"context"
	"fmt"
	"sort"

	"github.com/blues/payrecon/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCommissionRate 平台默认抽成比例
var DefaultCommissionRate = decimal.RequireFromString("0.10")

// LineItem 参与分账的订单行
type LineItem struct {
	ProductId  int64
	ProducerId int64
	Subtotal   decimal.Decimal
}

// Split 单个生产者的分账结果
type Split struct {
	ProducerId     int64
	ProductIds     []int64
	Subtotal       decimal.Decimal
	CommissionRate decimal.Decimal
	Commission     decimal.Decimal
	ProducerAmount decimal.Decimal
}

// ComputeSplits 按生产者汇总订单行并计算抽成
// 抽成按分四舍五入，生产者所得为小计减抽成，两者之和恒等于小计
func ComputeSplits(items []LineItem, rate decimal.Decimal) []Split {
	byProducer := make(map[int64]*Split)
	seen := make(map[int64]map[int64]bool)

	for _, item := range items {
		s, ok := byProducer[item.ProducerId]
		if !ok {
			s = &Split{ProducerId: item.ProducerId, Subtotal: decimal.Zero}
			byProducer[item.ProducerId] = s
			seen[item.ProducerId] = make(map[int64]bool)
		}
		s.Subtotal = s.Subtotal.Add(item.Subtotal)
		if !seen[item.ProducerId][item.ProductId] {
			seen[item.ProducerId][item.ProductId] = true
			s.ProductIds = append(s.ProductIds, item.ProductId)
		}
	}

	splits := make([]Split, 0, len(byProducer))
	for _, s := range byProducer {
		sort.Slice(s.ProductIds, func(i, j int) bool { return s.ProductIds[i] < s.ProductIds[j] })
		s.CommissionRate = rate
		s.Commission = s.Subtotal.Mul(rate).Round(2)
		s.ProducerAmount = s.Subtotal.Sub(s.Commission)
		splits = append(splits, *s)
	}
	sort.Slice(splits, func(i, j int) bool { return splits[i].ProducerId < splits[j].ProducerId })

	return splits
}

// RevenueSplitter 分账计算与持久化
type RevenueSplitter struct {
	rate decimal.Decimal
}

// NewRevenueSplitter 创建分账器，rate 非法时使用默认比例
func NewRevenueSplitter(rate decimal.Decimal) *RevenueSplitter {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		rate = DefaultCommissionRate
	}
	return &RevenueSplitter{rate: rate}
}

// Rate 当前抽成比例
func (s *RevenueSplitter) Rate() decimal.Decimal {
	return s.rate
}

// UpsertSplits 按 (order_id, producer_id) 覆盖写入分账，并删除已不在订单中的待打款分账
func (s *RevenueSplitter) UpsertSplits(ctx context.Context, tx *gorm.DB, orderId int64, items []model.OrderItemModel) ([]model.OrderProducerSplitModel, error) {
	lines := make([]LineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, LineItem{ProductId: item.ProductId, ProducerId: item.ProducerId, Subtotal: item.Subtotal})
	}

	splits := ComputeSplits(lines, s.rate)
	producerIds := make([]int64, 0, len(splits))
	rows := make([]model.OrderProducerSplitModel, 0, len(splits))
	for _, split := range splits {
		producerIds = append(producerIds, split.ProducerId)
		rows = append(rows, model.OrderProducerSplitModel{
			OrderId:        orderId,
			ProducerId:     split.ProducerId,
			ProductIds:     split.ProductIds,
			Subtotal:       split.Subtotal,
			CommissionRate: split.CommissionRate,
			Commission:     split.Commission,
			ProducerAmount: split.ProducerAmount,
			PayoutStatus:   model.SplitPayoutStatusPending,
		})
	}

	stale := tx.WithContext(ctx).
		Where("order_id = ? AND payout_status = ?", orderId, model.SplitPayoutStatusPending)
	if len(producerIds) > 0 {
		stale = stale.Where("producer_id NOT IN ?", producerIds)
	}
	if err := stale.Delete(&model.OrderProducerSplitModel{}).Error; err != nil {
		return nil, fmt.Errorf("删除过期分账失败: %w", err)
	}

	if len(rows) > 0 {
		if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "order_id"}, {Name: "producer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"product_ids", "subtotal", "commission_rate", "commission", "producer_amount", "updated_at",
			}),
		}).Create(&rows).Error; err != nil {
			return nil, fmt.Errorf("写入分账失败: %w", err)
		}
	}

	var saved []model.OrderProducerSplitModel
	if err := tx.WithContext(ctx).
		Where("order_id = ?", orderId).
		Order("producer_id ASC").
		Find(&saved).Error; err != nil {
		return nil, fmt.Errorf("查询分账失败: %w", err)
	}
	return saved, nil
}
