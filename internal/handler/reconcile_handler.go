package handler

import (
	"net/http"

	"github.com/blues/payrecon/internal/logic"
	"github.com/gin-gonic/gin"
)

type ReconcileHandler struct {
	sweeper *logic.Sweeper
}

func NewReconcileHandler(services *logic.Services) *ReconcileHandler {
	return &ReconcileHandler{sweeper: services.Sweeper}
}

// Sweep 立即执行一次对账补偿
func (h *ReconcileHandler) Sweep(c *gin.Context) {
	result, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, "对账完成", result)
}
