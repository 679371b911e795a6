package handler

import (
	"context"
	"net/http"

	"github.com/blues/payrecon/internal/chain"
	"github.com/blues/payrecon/internal/logic"
	"github.com/gin-gonic/gin"
)

// LedgerStatus 账本连接状态查询
type LedgerStatus interface {
	ConnectionStatus(ctx context.Context) chain.ConnectionStatus
}

type LedgerHandler struct {
	status   LedgerStatus
	recorder *logic.LedgerRecorder
}

func NewLedgerHandler(services *logic.Services, status LedgerStatus) *LedgerHandler {
	return &LedgerHandler{status: status, recorder: services.Recorder}
}

// GetStatus 获取账本连接状态
func (h *LedgerHandler) GetStatus(c *gin.Context) {
	var status chain.ConnectionStatus
	if h.status != nil {
		status = h.status.ConnectionStatus(c.Request.Context())
	}
	SuccessResponse(c, http.StatusOK, "获取账本状态成功", status)
}

// VerifyOrder 查询订单存证
func (h *LedgerHandler) VerifyOrder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	verification, err := h.recorder.VerifyOrder(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "查询存证成功", verification)
}

// RecordOrder 手动触发订单存证
// 账本写入失败仍返回 200，结果中带有错误信息
func (h *LedgerHandler) RecordOrder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.recorder.RecordOrder(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "存证请求已处理", result)
}
