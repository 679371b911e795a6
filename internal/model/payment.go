package model

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentReferenceModel 支付关联码，与订单一一对应，只能被使用一次
type PaymentReferenceModel struct {
	Id int64 `json:"id" gorm:"primaryKey"`

	OrderId     int64      `json:"order_id" gorm:"not null;uniqueIndex"`
	PaymentCode string     `json:"payment_code" gorm:"size:50;not null;uniqueIndex"`
	GeneratedAt time.Time  `json:"generated_at" gorm:"not null"`
	UsedAt      *time.Time `json:"used_at"`
}

// TableName 自定义表名
func (PaymentReferenceModel) TableName() string {
	return "payment_reference"
}

// PaymentConfirmationModel 支付结果记录，按订单覆盖更新
type PaymentConfirmationModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderId              int64     `json:"order_id" gorm:"not null;uniqueIndex"`
	ConfirmedById        string    `json:"confirmed_by_id" gorm:"size:64;not null"`
	Method               string    `json:"method" gorm:"size:32;not null"`
	GatewayTransactionId string    `json:"gateway_transaction_id" gorm:"size:128"`
	ConfirmedAt          time.Time `json:"confirmed_at" gorm:"not null"`
	IsConfirmed          bool      `json:"is_confirmed" gorm:"not null"`
	LedgerTxRef          *string   `json:"ledger_tx_ref"`
}

// TableName 自定义表名
func (PaymentConfirmationModel) TableName() string {
	return "payment_confirmation"
}

// 回调处理结果
const (
	OutcomeConfirmed = "confirmed" // 支付成功并完成状态迁移
	OutcomeFailed    = "failed"    // 支付失败并完成状态迁移
	OutcomeDuplicate = "duplicate" // 订单已确认，本次回调无副作用
	OutcomeRejected  = "rejected"  // 订单状态或金额不允许迁移，已记录不重试
)

// IdempotencyMarkerModel 网关回调幂等标记，(gateway_ref, gateway_transaction_id) 唯一
type IdempotencyMarkerModel struct {
	Id int64 `json:"id" gorm:"primaryKey"`

	GatewayRef           string         `json:"gateway_ref" gorm:"size:64;not null;uniqueIndex:uq_idempotency_marker,priority:1"`
	GatewayTransactionId string         `json:"gateway_transaction_id" gorm:"size:128;not null;uniqueIndex:uq_idempotency_marker,priority:2"`
	ProcessedAt          time.Time      `json:"processed_at" gorm:"not null"`
	OrderId              int64          `json:"order_id" gorm:"index"`
	Outcome              string         `json:"outcome" gorm:"size:16"`
	Success              bool           `json:"success" gorm:"not null"`
	Payload              datatypes.JSON `json:"payload"`
}

// TableName 自定义表名
func (IdempotencyMarkerModel) TableName() string {
	return "idempotency_marker"
}
