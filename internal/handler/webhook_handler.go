package handler

import (
	"net/http"

	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/logic"
	"github.com/gin-gonic/gin"
)

// WebhookHandler 支付网关回调
type WebhookHandler struct {
	reconciler      *logic.Reconciler
	signatureHeader string
}

func NewWebhookHandler(reconciler *logic.Reconciler, signatureHeader string) *WebhookHandler {
	if signatureHeader == "" {
		signatureHeader = "X-Signature"
	}
	return &WebhookHandler{reconciler: reconciler, signatureHeader: signatureHeader}
}

// HandlePayment 处理支付结果回调
// 签名基于原始请求体计算，所以先读取原始字节再解析
func (h *WebhookHandler) HandlePayment(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "读取请求体失败")
		return
	}

	result, err := h.reconciler.HandleWebhook(c.Request.Context(), body, c.GetHeader(h.signatureHeader))
	if err != nil {
		logger.Warn("Payment webhook rejected: %v", err)
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
