package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"backend/api/handlers/actions"
	"backend/api/handlers/approvals"
	"backend/api/handlers/assets"
	"backend/api/handlers/queues"
	"backend/api/handlers/ws"
	"backend/internal/game"
	"backend/internal/notification"
	"backend/internal/worker"
)

// registerRoutes 注册所有路由
func registerRoutes(router *gin.Engine, db *gorm.DB, rt *worker.Runtime, hub *notification.Hub) {
	// 探针与指标
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	actionHandler := actions.NewHandler(rt)
	approvalHandler := approvals.NewHandler(rt.ApprovalService())
	assetHandler := assets.NewHandler(rt, game.NewAssetRepository(db))
	queueHandler := queues.NewHandler(rt)
	wsHandler := ws.NewHandler(hub)

	v1 := router.Group("/api/v1")
	{
		worlds := v1.Group("/worlds/:world_id")
		{
			// 行动入口：玩家常规优先级，DM 高优先级
			worlds.POST("/actions", actionHandler.SubmitPlayerAction)
			worlds.POST("/dm/actions", actionHandler.SubmitDMAction)

			// 审批（按世界查询）
			worlds.GET("/approvals", approvalHandler.ListPending)
			worlds.GET("/approvals/history", approvalHandler.History)

			// 素材生成
			worlds.POST("/assets", assetHandler.Generate)

			// 实时推送
			worlds.GET("/ws", wsHandler.Connect)
		}

		// 审批（按 ID 操作）
		v1.GET("/approvals/:id", approvalHandler.Get)
		v1.POST("/approvals/:id/decision", approvalHandler.Decide)
		v1.POST("/approvals/:id/delay", approvalHandler.Delay)

		// 素材查询
		v1.GET("/assets", assetHandler.ListByEntity)

		// 队列概览
		v1.GET("/queues/stats", queueHandler.Stats)
	}
}
