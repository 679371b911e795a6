package logic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blues/payrecon/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderLine 下单商品
type OrderLine struct {
	ProductId int64 `json:"productId" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// OrderLogic 订单业务逻辑
type OrderLogic struct {
	db       *gorm.DB
	machine  *StateMachine
	splitter *RevenueSplitter
	outbox   *Outbox
}

// NewOrderLogic 创建订单业务逻辑
func NewOrderLogic(db *gorm.DB, machine *StateMachine, splitter *RevenueSplitter, outbox *Outbox) *OrderLogic {
	return &OrderLogic{db: db, machine: machine, splitter: splitter, outbox: outbox}
}

// CreateOrder 下单：扣减库存、写入订单行并计算分账
func (o *OrderLogic) CreateOrder(ctx context.Context, buyerId int64, currency string, lines []OrderLine) (*model.OrderModel, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidPayload)
	}

	var order model.OrderModel
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, total, err := reserveStock(tx, lines)
		if err != nil {
			return err
		}

		order = model.OrderModel{
			BuyerId:        buyerId,
			TotalAmount:    total,
			Currency:       currency,
			PaymentStatus:  model.PaymentStatusPending,
			DeliveryStatus: model.DeliveryStatusPending,
		}
		if err := tx.Omit("Items").Create(&order).Error; err != nil {
			return fmt.Errorf("创建订单失败: %w", err)
		}

		if err := o.saveItems(ctx, tx, &order, items); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &order, nil
}

// EditOrder 替换订单商品，只允许在未支付且未履约时修改
func (o *OrderLogic) EditOrder(ctx context.Context, orderId int64, lines []OrderLine) (*model.OrderModel, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}

	var order *model.OrderModel
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order.PaymentStatus != model.PaymentStatusPending || order.DeliveryStatus != model.DeliveryStatusPending {
			return ErrOrderNotEditable
		}

		if err := restoreStock(tx, order.Items); err != nil {
			return err
		}
		if err := tx.Where("order_id = ?", order.Id).Delete(&model.OrderItemModel{}).Error; err != nil {
			return fmt.Errorf("删除订单行失败: %w", err)
		}

		items, total, err := reserveStock(tx, lines)
		if err != nil {
			return err
		}
		if err := tx.Model(&model.OrderModel{}).Where("id = ?", order.Id).Update("total_amount", total).Error; err != nil {
			return fmt.Errorf("更新订单金额失败: %w", err)
		}
		order.TotalAmount = total

		return o.saveItems(ctx, tx, order, items)
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// CancelOrder 取消订单并归还库存，只允许在履约 PENDING 时取消
func (o *OrderLogic) CancelOrder(ctx context.Context, orderId int64, actor, reason string) (*model.OrderModel, error) {
	var order *model.OrderModel
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order.DeliveryStatus != model.DeliveryStatusPending {
			return fmt.Errorf("%w: delivery status %s", ErrOrderNotCancellable, order.DeliveryStatus)
		}

		if err := restoreStock(tx, order.Items); err != nil {
			return err
		}
		if err := o.machine.TransitionDelivery(ctx, tx, order, model.DeliveryStatusCancelled, actor, reason); err != nil {
			return err
		}

		notifications := []Notification{{
			UserId:  order.BuyerId,
			Kind:    model.NotifyKindOrderCancelled,
			Message: fmt.Sprintf("Order #%d has been cancelled", order.Id),
		}}
		for _, producerId := range producersOf(order.Items) {
			notifications = append(notifications, Notification{
				UserId:  producerId,
				Kind:    model.NotifyKindOrderCancelled,
				Message: fmt.Sprintf("Order #%d has been cancelled by the buyer", order.Id),
			})
		}
		return o.outbox.Enqueue(ctx, tx, notifications...)
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// AdvanceDelivery 履约推进：CONFIRMED -> SHIPPED -> DELIVERED
func (o *OrderLogic) AdvanceDelivery(ctx context.Context, orderId int64, to model.DeliveryStatus, actor, reason string) (*model.OrderModel, error) {
	var kind string
	switch to {
	case model.DeliveryStatusShipped:
		kind = model.NotifyKindOrderShipped
	case model.DeliveryStatusDelivered:
		kind = model.NotifyKindOrderDelivered
	default:
		return nil, fmt.Errorf("%w: delivery status %s cannot be set directly", ErrInvalidTransition, to)
	}

	var order *model.OrderModel
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if err := o.machine.TransitionDelivery(ctx, tx, order, to, actor, reason); err != nil {
			return err
		}
		return o.outbox.Enqueue(ctx, tx, Notification{
			UserId:  order.BuyerId,
			Kind:    kind,
			Message: fmt.Sprintf("Order #%d is now %s", order.Id, strings.ToLower(string(to))),
		})
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder 获取订单详情
func (o *OrderLogic) GetOrder(ctx context.Context, orderId int64) (*model.OrderModel, error) {
	var order model.OrderModel
	if err := o.db.WithContext(ctx).Preload("Items").First(&order, orderId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("获取订单详情失败: %w", err)
	}
	return &order, nil
}

// GetHistory 获取订单状态历史
func (o *OrderLogic) GetHistory(ctx context.Context, orderId int64) ([]model.StatusHistoryModel, error) {
	if _, err := o.GetOrder(ctx, orderId); err != nil {
		return nil, err
	}
	return o.machine.History(ctx, o.db, orderId)
}

// GetSplits 获取订单分账
func (o *OrderLogic) GetSplits(ctx context.Context, orderId int64) ([]model.OrderProducerSplitModel, error) {
	var splits []model.OrderProducerSplitModel
	if err := o.db.WithContext(ctx).Where("order_id = ?", orderId).Order("producer_id ASC").Find(&splits).Error; err != nil {
		return nil, fmt.Errorf("获取订单分账失败: %w", err)
	}
	return splits, nil
}

func (o *OrderLogic) saveItems(ctx context.Context, tx *gorm.DB, order *model.OrderModel, items []model.OrderItemModel) error {
	for i := range items {
		items[i].OrderId = order.Id
	}
	if err := tx.Create(&items).Error; err != nil {
		return fmt.Errorf("写入订单行失败: %w", err)
	}
	order.Items = items

	if _, err := o.splitter.UpsertSplits(ctx, tx, order.Id, items); err != nil {
		return err
	}
	return nil
}

func lockOrder(tx *gorm.DB, orderId int64) (*model.OrderModel, error) {
	var order model.OrderModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, orderId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("获取订单失败: %w", err)
	}
	if err := tx.Where("order_id = ?", order.Id).Order("id ASC").Find(&order.Items).Error; err != nil {
		return nil, fmt.Errorf("获取订单行失败: %w", err)
	}
	return &order, nil
}

// reserveStock 按商品ID顺序加锁扣减库存，返回订单行和总金额
func reserveStock(tx *gorm.DB, lines []OrderLine) ([]model.OrderItemModel, decimal.Decimal, error) {
	want := make(map[int64]int, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, decimal.Zero, fmt.Errorf("%w: quantity for product %d must be positive", ErrInvalidPayload, line.ProductId)
		}
		want[line.ProductId] += line.Quantity
	}

	ids := make([]int64, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var products []model.ProductModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&products).Error; err != nil {
		return nil, decimal.Zero, fmt.Errorf("获取商品失败: %w", err)
	}
	byId := make(map[int64]model.ProductModel, len(products))
	for _, p := range products {
		byId[p.Id] = p
	}

	items := make([]model.OrderItemModel, 0, len(ids))
	total := decimal.Zero
	for _, id := range ids {
		product, ok := byId[id]
		if !ok {
			return nil, decimal.Zero, fmt.Errorf("%w: %d", ErrProductNotFound, id)
		}
		qty := want[id]
		if product.QuantityAvailable < qty {
			return nil, decimal.Zero, fmt.Errorf("%w: product %d requested %d, available %d", ErrInsufficientStock, id, qty, product.QuantityAvailable)
		}

		res := tx.Model(&model.ProductModel{}).
			Where("id = ? AND quantity_available >= ?", id, qty).
			UpdateColumn("quantity_available", gorm.Expr("quantity_available - ?", qty))
		if res.Error != nil {
			return nil, decimal.Zero, fmt.Errorf("扣减库存失败: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return nil, decimal.Zero, fmt.Errorf("%w: product %d", ErrInsufficientStock, id)
		}

		subtotal := product.Price.Mul(decimal.NewFromInt(int64(qty)))
		total = total.Add(subtotal)
		items = append(items, model.OrderItemModel{
			ProductId:  id,
			ProducerId: product.ProducerId,
			Quantity:   qty,
			UnitPrice:  product.Price,
			Subtotal:   subtotal,
		})
	}

	return items, total, nil
}

// restoreStock 归还订单行占用的库存
func restoreStock(tx *gorm.DB, items []model.OrderItemModel) error {
	for _, item := range items {
		if err := tx.Model(&model.ProductModel{}).
			Where("id = ?", item.ProductId).
			UpdateColumn("quantity_available", gorm.Expr("quantity_available + ?", item.Quantity)).Error; err != nil {
			return fmt.Errorf("归还库存失败: %w", err)
		}
	}
	return nil
}

func producersOf(items []model.OrderItemModel) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, item := range items {
		if !seen[item.ProducerId] {
			seen[item.ProducerId] = true
			ids = append(ids, item.ProducerId)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
