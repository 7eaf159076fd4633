package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"backend/internal/config"
	"backend/internal/metrics"
	"backend/internal/notification"
	"backend/internal/worker"
)

// SetupRouter 设置并返回 Gin 路由
func SetupRouter(cfg *config.Config, db *gorm.DB, rt *worker.Runtime, hub *notification.Hub) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	router := gin.New()

	// 中间件：恢复、日志、跨域、Prometheus 指标
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(metrics.PrometheusMiddleware())

	registerRoutes(router, db, rt, hub)

	return router
}
