package handlers

import "github.com/gin-gonic/gin"

func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	automations := r.Group("/automations")
	{
		automations.GET("", handler.ListRules)
		automations.POST("", handler.CreateRule)
		automations.GET("/:id", handler.GetRule)
		automations.PUT("/:id", handler.UpdateRule)
		automations.DELETE("/:id", handler.DeleteRule)
		automations.POST("/:id/toggle", handler.ToggleRule)
	}
	r.POST("/transitions", handler.OnTransition)
}

func RegisterEntityRoutes(r *gin.RouterGroup, handler *EntityHandler) {
	entities := r.Group("/entities")
	{
		entities.POST("/:kind", handler.CreateEntity)
		entities.GET("/:kind/:id", handler.GetEntity)
		entities.PUT("/:kind/:id", handler.UpdateEntity)
	}
}

func RegisterCommissionRoutes(r *gin.RouterGroup, handler *CommissionHandler) {
	rules := r.Group("/commission-rules")
	{
		rules.GET("", handler.ListRules)
		rules.POST("", handler.CreateRule)
		rules.GET("/:id", handler.GetRule)
		rules.PUT("/:id", handler.UpdateRule)
		rules.POST("/:id/toggle", handler.ToggleRule)
	}

	commissions := r.Group("/commissions")
	{
		commissions.GET("", handler.ListCommissions)
		commissions.POST("/resolve", handler.Resolve)
		commissions.GET("/:id", handler.GetCommission)
		commissions.POST("/:id/approve", handler.Approve)
		commissions.POST("/:id/reject", handler.Reject)
		commissions.POST("/:id/pay", handler.Pay)
		commissions.POST("/:id/void", handler.Void)
	}
}

func RegisterAuditRoutes(r *gin.RouterGroup, handler *AuditHandler) {
	r.GET("/audit", handler.ListEntries)
}

func RegisterScanRoutes(r *gin.RouterGroup, handler *ScanHandler) {
	r.POST("/scans/idle", handler.RunIdleScan)
}
