package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/logic"
	"github.com/gin-gonic/gin"
)

// statusFor 业务错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, logic.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, logic.ErrInvalidPayload),
		errors.Is(err, logic.ErrPayoutDetailsRequired),
		errors.Is(err, logic.ErrEmptyOrder):
		return http.StatusBadRequest
	case errors.Is(err, logic.ErrPaymentReferenceNotFound),
		errors.Is(err, logic.ErrOrderNotFound),
		errors.Is(err, logic.ErrPayoutBatchNotFound),
		errors.Is(err, logic.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, logic.ErrInvalidTransition),
		errors.Is(err, logic.ErrOrderNotCancellable),
		errors.Is(err, logic.ErrOrderNotEditable),
		errors.Is(err, logic.ErrOrderAlreadyPaid),
		errors.Is(err, logic.ErrInsufficientStock),
		errors.Is(err, logic.ErrBatchTotalsMismatch),
		errors.Is(err, logic.ErrLedgerWriteInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleError 输出错误响应，服务端错误不暴露细节
func handleError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		ErrorResponse(c, status, "服务内部错误，请稍后重试")
		return
	}
	ErrorResponse(c, status, err.Error())
}

// parseID 解析路径中的ID
func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "无效的ID")
		return 0, false
	}
	return id, true
}
