package model

import "time"

// OutboxStatus 外发消息状态
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// 通知类型
const (
	NotifyKindPaymentConfirmed = "payment_confirmed"
	NotifyKindPaymentFailed    = "payment_failed"
	NotifyKindNewOrder         = "new_order"
	NotifyKindOrderCancelled   = "order_cancelled"
	NotifyKindOrderShipped     = "order_shipped"
	NotifyKindOrderDelivered   = "order_delivered"
	NotifyKindPayoutCompleted  = "payout_completed"
	NotifyKindPayoutFailed     = "payout_failed"
)

// OutboxMessageModel 通知外发盒，与业务状态在同一事务中写入
type OutboxMessageModel struct {
	Id        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	UserId      int64        `json:"user_id" gorm:"not null;index"`
	Kind        string       `json:"kind" gorm:"size:32;not null"`
	Message     string       `json:"message" gorm:"type:text;not null"`
	Status      OutboxStatus `json:"status" gorm:"size:16;not null;index"`
	Attempts    int          `json:"attempts" gorm:"not null"`
	LastError   *string      `json:"last_error" gorm:"type:text"`
	ProcessedAt *time.Time   `json:"processed_at"`
}

// TableName 自定义表名
func (OutboxMessageModel) TableName() string {
	return "outbox_message"
}
