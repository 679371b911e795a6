package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SplitPayoutStatus 分账打款状态
type SplitPayoutStatus string

const (
	SplitPayoutStatusPending   SplitPayoutStatus = "PENDING"
	SplitPayoutStatusScheduled SplitPayoutStatus = "SCHEDULED"
	SplitPayoutStatusCompleted SplitPayoutStatus = "COMPLETED"
)

// OrderProducerSplitModel 订单按生产者拆分的分账，(order_id, producer_id) 唯一
type OrderProducerSplitModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderId        int64           `json:"order_id" gorm:"not null;uniqueIndex:uq_order_producer_split,priority:1"`
	ProducerId     int64           `json:"producer_id" gorm:"not null;uniqueIndex:uq_order_producer_split,priority:2;index"`
	ProductIds     []int64         `json:"product_ids" gorm:"type:text;serializer:json"`
	Subtotal       decimal.Decimal `json:"subtotal" gorm:"type:numeric(20,2);not null"`
	CommissionRate decimal.Decimal `json:"commission_rate" gorm:"type:numeric(6,4);not null"`
	Commission     decimal.Decimal `json:"commission" gorm:"type:numeric(20,2);not null"`
	ProducerAmount decimal.Decimal `json:"producer_amount" gorm:"type:numeric(20,2);not null"`

	PayoutStatus    SplitPayoutStatus `json:"payout_status" gorm:"size:16;not null;index"`
	PaidAt          *time.Time        `json:"paid_at"`
	PayoutReference *string           `json:"payout_reference"`
}

// TableName 自定义表名
func (OrderProducerSplitModel) TableName() string {
	return "order_producer_split"
}

// PayoutBatchStatus 打款批次状态
type PayoutBatchStatus string

const (
	PayoutBatchStatusPending    PayoutBatchStatus = "PENDING"
	PayoutBatchStatusScheduled  PayoutBatchStatus = "SCHEDULED"
	PayoutBatchStatusProcessing PayoutBatchStatus = "PROCESSING"
	PayoutBatchStatusCompleted  PayoutBatchStatus = "COMPLETED"
	PayoutBatchStatusFailed     PayoutBatchStatus = "FAILED"
)

// PayoutBatchModel 生产者打款批次
// 同一生产者同一打款日只允许一个未开始处理的批次
type PayoutBatchModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProducerId      int64             `json:"producer_id" gorm:"not null;index;uniqueIndex:uq_payout_batch_open,priority:1,where:status = 'PENDING' OR status = 'SCHEDULED'"`
	Amount          decimal.Decimal   `json:"amount" gorm:"type:numeric(20,2);not null"`
	Commission      decimal.Decimal   `json:"commission" gorm:"type:numeric(20,2);not null"`
	NetAmount       decimal.Decimal   `json:"net_amount" gorm:"type:numeric(20,2);not null"`
	Status          PayoutBatchStatus `json:"status" gorm:"size:16;not null;index"`
	ScheduledFor    time.Time         `json:"scheduled_for" gorm:"not null;uniqueIndex:uq_payout_batch_open,priority:2,where:status = 'PENDING' OR status = 'SCHEDULED'"`
	PaidAt          *time.Time        `json:"paid_at"`
	PayoutReference *string           `json:"payout_reference" gorm:"size:128"`
	PayoutMethod    *string           `json:"payout_method" gorm:"size:32"`
	Notes           *string           `json:"notes" gorm:"type:text"`

	Items []PayoutBatchItemModel `json:"items,omitempty" gorm:"foreignKey:BatchId"`
}

// TableName 自定义表名
func (PayoutBatchModel) TableName() string {
	return "payout_batch"
}

// PayoutBatchItemModel 批次明细，一条分账只会进入一个批次
type PayoutBatchItemModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	BatchId int64           `json:"batch_id" gorm:"not null;index"`
	SplitId int64           `json:"split_id" gorm:"not null;uniqueIndex"`
	OrderId int64           `json:"order_id" gorm:"not null;index"`
	Amount  decimal.Decimal `json:"amount" gorm:"type:numeric(20,2);not null"`
}

// TableName 自定义表名
func (PayoutBatchItemModel) TableName() string {
	return "payout_batch_item"
}
