package router

import (
	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/handler"
	"github.com/blues/payrecon/internal/logic"
	"github.com/gin-gonic/gin"
)

func Setup(services *logic.Services, ledger handler.LedgerStatus, cfg *config.Config) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.Webhook.SignatureHeader))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "payrecon",
		})
	})

	// API版本组
	v1 := r.Group("/api/v1")
	{
		// 支付网关回调
		webhookHandler := handler.NewWebhookHandler(services.Reconciler, cfg.Webhook.SignatureHeader)
		v1.POST("/webhooks/payment", webhookHandler.HandlePayment)

		// 订单相关路由
		orderHandler := handler.NewOrderHandler(services)
		orders := v1.Group("/orders")
		{
			orders.POST("", orderHandler.CreateOrder)
			orders.GET("/:id", orderHandler.GetOrder)
			orders.PUT("/:id/items", orderHandler.EditOrder)
			orders.POST("/:id/cancel", orderHandler.CancelOrder)
			orders.POST("/:id/delivery", orderHandler.AdvanceDelivery)
			orders.GET("/:id/history", orderHandler.GetHistory)
			orders.POST("/:id/payment-intent", orderHandler.CreatePaymentIntent)
		}

		// 打款批次
		payoutHandler := handler.NewPayoutHandler(services)
		payouts := v1.Group("/payouts")
		{
			payouts.GET("", payoutHandler.ListBatches)
			payouts.POST("/:id/start", payoutHandler.StartProcessing)
			payouts.POST("/:id/complete", payoutHandler.CompletePayout)
			payouts.POST("/:id/fail", payoutHandler.FailPayout)
		}

		// 账本存证
		ledgerHandler := handler.NewLedgerHandler(services, ledger)
		ledgerGroup := v1.Group("/ledger")
		{
			ledgerGroup.GET("/status", ledgerHandler.GetStatus)
			ledgerGroup.GET("/orders/:id", ledgerHandler.VerifyOrder)
			ledgerGroup.POST("/orders/:id/record", ledgerHandler.RecordOrder)
		}

		reconcileHandler := handler.NewReconcileHandler(services)
		v1.POST("/reconcile/sweep", reconcileHandler.Sweep)
	}

	return r
}

// CORS中间件
func corsMiddleware(signatureHeader string) gin.HandlerFunc {
	allowHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization"
	if signatureHeader != "" {
		allowHeaders += ", " + signatureHeader
	}

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowHeaders)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
