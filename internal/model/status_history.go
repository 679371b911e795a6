package model

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrHistoryImmutable 状态历史只允许追加
var ErrHistoryImmutable = errors.New("status history is append-only")

// 状态历史记录的字段
const (
	StatusFieldPayment  = "payment"
	StatusFieldDelivery = "delivery"
)

// StatusHistoryModel 订单状态变更历史
type StatusHistoryModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"timestamp" gorm:"not null;index"`

	OrderId    int64  `json:"order_id" gorm:"not null;index"`
	Field      string `json:"field" gorm:"size:16;not null"`
	FromStatus string `json:"from_status" gorm:"size:16;not null"`
	ToStatus   string `json:"to_status" gorm:"size:16;not null"`
	ActorId    string `json:"actor_id" gorm:"size:64;not null"`
	Reason     string `json:"reason" gorm:"type:text"`
}

// TableName 自定义表名
func (StatusHistoryModel) TableName() string {
	return "status_history"
}

func (StatusHistoryModel) BeforeUpdate(*gorm.DB) error {
	return ErrHistoryImmutable
}

func (StatusHistoryModel) BeforeDelete(*gorm.DB) error {
	return ErrHistoryImmutable
}
