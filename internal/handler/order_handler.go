package handler

import (
	"net/http"

	"github.com/blues/payrecon/internal/logic"
	"github.com/blues/payrecon/internal/model"
	"github.com/gin-gonic/gin"
)

type OrderHandler struct {
	orders  *logic.OrderLogic
	intents *logic.PaymentIntentLogic
}

func NewOrderHandler(services *logic.Services) *OrderHandler {
	return &OrderHandler{
		orders:  services.Orders,
		intents: services.Intents,
	}
}

// CreateOrder 创建订单
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), req.BuyerId, req.Currency, req.Items)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusCreated, "订单创建成功", ToOrderResponse(order))
}

// GetOrder 获取订单详情
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取订单成功", ToOrderResponse(order))
}

// EditOrder 修改订单商品，仅限未支付订单
func (h *OrderHandler) EditOrder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req EditOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.EditOrder(c.Request.Context(), id, req.Items)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "订单修改成功", ToOrderResponse(order))
}

// CancelOrder 取消订单
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), id, req.ActorId, req.Reason)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "订单已取消", ToOrderResponse(order))
}

// AdvanceDelivery 推进履约状态
func (h *OrderHandler) AdvanceDelivery(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.AdvanceDelivery(c.Request.Context(), id, req.Status, req.ActorId, req.Reason)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "履约状态已更新", ToOrderResponse(order))
}

// GetHistory 获取订单状态历史
func (h *OrderHandler) GetHistory(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if _, err := h.orders.GetOrder(c.Request.Context(), id); err != nil {
		handleError(c, err)
		return
	}

	history, err := h.orders.GetHistory(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	if history == nil {
		history = []model.StatusHistoryModel{}
	}

	SuccessResponse(c, http.StatusOK, "获取状态历史成功", history)
}

// CreatePaymentIntent 生成支付关联码
func (h *OrderHandler) CreatePaymentIntent(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	ref, err := h.intents.CreatePaymentReference(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "支付关联码已生成", PaymentIntentResponse{
		OrderId:     ref.OrderId,
		PaymentCode: ref.PaymentCode,
		GeneratedAt: ref.GeneratedAt,
	})
}
