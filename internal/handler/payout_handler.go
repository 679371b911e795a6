package handler

import (
	"net/http"
	"strconv"

	"github.com/blues/payrecon/internal/logic"
	"github.com/blues/payrecon/internal/model"
	"github.com/gin-gonic/gin"
)

type PayoutHandler struct {
	batcher *logic.PayoutBatcher
}

func NewPayoutHandler(services *logic.Services) *PayoutHandler {
	return &PayoutHandler{batcher: services.Batcher}
}

// ListBatches 查询打款批次
func (h *PayoutHandler) ListBatches(c *gin.Context) {
	filter := logic.BatchFilter{
		Status: model.PayoutBatchStatus(c.Query("status")),
	}
	if producer := c.Query("producer_id"); producer != "" {
		id, err := strconv.ParseInt(producer, 10, 64)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "无效的生产者ID")
			return
		}
		filter.ProducerId = id
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))

	batches, err := h.batcher.ListBatches(c.Request.Context(), filter)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取打款批次成功", ToPayoutBatchResponseList(batches))
}

// StartProcessing 开始打款
func (h *PayoutHandler) StartProcessing(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	batch, err := h.batcher.StartProcessing(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "批次开始打款", ToPayoutBatchResponse(batch))
}

// CompletePayout 标记打款完成
func (h *PayoutHandler) CompletePayout(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req CompletePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	batch, err := h.batcher.CompletePayout(c.Request.Context(), id, req.PayoutReference, req.PayoutMethod)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "打款已完成", ToPayoutBatchResponse(batch))
}

// FailPayout 标记打款失败
func (h *PayoutHandler) FailPayout(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req FailPayoutRequest
	// 备注可选，允许空请求体
	_ = c.ShouldBindJSON(&req)

	batch, err := h.batcher.FailPayout(c.Request.Context(), id, req.Notes)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "打款已标记失败", ToPayoutBatchResponse(batch))
}
