package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus 支付状态，PENDING 之后只能单向进入终态
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// DeliveryStatus 履约状态
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusConfirmed DeliveryStatus = "CONFIRMED"
	DeliveryStatusShipped   DeliveryStatus = "SHIPPED"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusCancelled DeliveryStatus = "CANCELLED"
)

// OrderModel 订单
type OrderModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	BuyerId     int64           `json:"buyer_id" gorm:"not null;index"`
	TotalAmount decimal.Decimal `json:"total_amount" gorm:"type:numeric(20,2);not null"`
	Currency    string          `json:"currency" gorm:"size:8;not null"`

	PaymentStatus  PaymentStatus  `json:"payment_status" gorm:"size:16;not null;index"`
	DeliveryStatus DeliveryStatus `json:"delivery_status" gorm:"size:16;not null;index"`

	// 账本存证信息，由链上记录步骤回填
	LedgerTxRef    *string `json:"ledger_tx_ref"`
	LedgerRecorded bool    `json:"ledger_recorded" gorm:"not null;index"`
	LedgerError    *string `json:"ledger_error" gorm:"type:text"`

	// 存证尝试记录，ledger_lease_until 未过期表示有写入正在进行
	LedgerAttempts   int        `json:"ledger_attempts" gorm:"not null;default:0"`
	LedgerAttemptAt  *time.Time `json:"ledger_attempt_at"`
	LedgerLeaseUntil *time.Time `json:"-"`

	// 补排期失败记录，对账时最近失败的订单排在最后
	PayoutAttempts  int        `json:"payout_attempts" gorm:"not null;default:0"`
	PayoutAttemptAt *time.Time `json:"payout_attempt_at"`

	Items []OrderItemModel `json:"items,omitempty" gorm:"foreignKey:OrderId"`
}

// TableName 自定义表名
func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel 订单行
type OrderItemModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	OrderId    int64           `json:"order_id" gorm:"not null;index"`
	ProductId  int64           `json:"product_id" gorm:"not null"`
	ProducerId int64           `json:"producer_id" gorm:"not null;index"`
	Quantity   int             `json:"quantity" gorm:"not null"`
	UnitPrice  decimal.Decimal `json:"unit_price" gorm:"type:numeric(20,2);not null"`
	Subtotal   decimal.Decimal `json:"subtotal" gorm:"type:numeric(20,2);not null"`
}

// TableName 自定义表名
func (OrderItemModel) TableName() string {
	return "order_item"
}

// ProductModel 商品库存，目录维护由外部系统负责
type ProductModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProducerId        int64           `json:"producer_id" gorm:"not null;index"`
	Name              string          `json:"name" gorm:"not null"`
	Price             decimal.Decimal `json:"price" gorm:"type:numeric(20,2);not null"`
	QuantityAvailable int             `json:"quantity_available" gorm:"not null"`
}

// TableName 自定义表名
func (ProductModel) TableName() string {
	return "product"
}
