package handler

import (
	"time"

	"github.com/blues/payrecon/internal/logic"
	"github.com/blues/payrecon/internal/model"
)

// 通用响应结构
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// CreateOrderRequest 下单请求
type CreateOrderRequest struct {
	BuyerId  int64             `json:"buyerId" binding:"required"`
	Currency string            `json:"currency" binding:"required"`
	Items    []logic.OrderLine `json:"items" binding:"required,min=1,dive"`
}

// EditOrderRequest 修改订单商品请求
type EditOrderRequest struct {
	Items []logic.OrderLine `json:"items" binding:"required,min=1,dive"`
}

// TransitionRequest 状态变更请求
type TransitionRequest struct {
	ActorId string `json:"actorId" binding:"required"`
	Reason  string `json:"reason"`
}

// DeliveryRequest 履约推进请求
type DeliveryRequest struct {
	Status  model.DeliveryStatus `json:"status" binding:"required"`
	ActorId string               `json:"actorId" binding:"required"`
	Reason  string               `json:"reason"`
}

// CompletePayoutRequest 完成打款请求
type CompletePayoutRequest struct {
	PayoutReference string `json:"payoutReference"`
	PayoutMethod    string `json:"payoutMethod"`
}

// FailPayoutRequest 打款失败请求
type FailPayoutRequest struct {
	Notes string `json:"notes"`
}

// OrderResponse 订单响应模型
type OrderResponse struct {
	Id             int64                `json:"id"`
	BuyerId        int64                `json:"buyerId"`
	TotalAmount    string               `json:"totalAmount"`
	Currency       string               `json:"currency"`
	PaymentStatus  model.PaymentStatus  `json:"paymentStatus"`
	DeliveryStatus model.DeliveryStatus `json:"deliveryStatus"`
	LedgerRecorded bool                 `json:"ledgerRecorded"`
	LedgerTxRef    *string              `json:"ledgerTxRef,omitempty"`
	LedgerError    *string              `json:"ledgerError,omitempty"`
	Items          []OrderItemResponse  `json:"items,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// OrderItemResponse 订单行响应模型
type OrderItemResponse struct {
	ProductId  int64  `json:"productId"`
	ProducerId int64  `json:"producerId"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unitPrice"`
	Subtotal   string `json:"subtotal"`
}

// PaymentIntentResponse 支付意向响应
type PaymentIntentResponse struct {
	OrderId     int64     `json:"orderId"`
	PaymentCode string    `json:"paymentCode"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// PayoutBatchResponse 打款批次响应模型
type PayoutBatchResponse struct {
	Id              int64                   `json:"id"`
	ProducerId      int64                   `json:"producerId"`
	Amount          string                  `json:"amount"`
	Commission      string                  `json:"commission"`
	NetAmount       string                  `json:"netAmount"`
	Status          model.PayoutBatchStatus `json:"status"`
	ScheduledFor    time.Time               `json:"scheduledFor"`
	PaidAt          *time.Time              `json:"paidAt,omitempty"`
	PayoutReference *string                 `json:"payoutReference,omitempty"`
	PayoutMethod    *string                 `json:"payoutMethod,omitempty"`
	Notes           *string                 `json:"notes,omitempty"`
	ItemCount       int                     `json:"itemCount"`
}

// ToOrderResponse 将订单模型转换为响应模型
func ToOrderResponse(order *model.OrderModel) OrderResponse {
	resp := OrderResponse{
		Id:             order.Id,
		BuyerId:        order.BuyerId,
		TotalAmount:    order.TotalAmount.StringFixed(2),
		Currency:       order.Currency,
		PaymentStatus:  order.PaymentStatus,
		DeliveryStatus: order.DeliveryStatus,
		LedgerRecorded: order.LedgerRecorded,
		LedgerTxRef:    order.LedgerTxRef,
		LedgerError:    order.LedgerError,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, OrderItemResponse{
			ProductId:  item.ProductId,
			ProducerId: item.ProducerId,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice.StringFixed(2),
			Subtotal:   item.Subtotal.StringFixed(2),
		})
	}
	return resp
}

// ToPayoutBatchResponse 将打款批次模型转换为响应模型
func ToPayoutBatchResponse(batch *model.PayoutBatchModel) PayoutBatchResponse {
	return PayoutBatchResponse{
		Id:              batch.Id,
		ProducerId:      batch.ProducerId,
		Amount:          batch.Amount.StringFixed(2),
		Commission:      batch.Commission.StringFixed(2),
		NetAmount:       batch.NetAmount.StringFixed(2),
		Status:          batch.Status,
		ScheduledFor:    batch.ScheduledFor,
		PaidAt:          batch.PaidAt,
		PayoutReference: batch.PayoutReference,
		PayoutMethod:    batch.PayoutMethod,
		Notes:           batch.Notes,
		ItemCount:       len(batch.Items),
	}
}

// ToPayoutBatchResponseList 将打款批次列表转换为响应模型列表
func ToPayoutBatchResponseList(batches []model.PayoutBatchModel) []PayoutBatchResponse {
	result := make([]PayoutBatchResponse, len(batches))
	for i := range batches {
		result[i] = ToPayoutBatchResponse(&batches[i])
	}
	return result
}
