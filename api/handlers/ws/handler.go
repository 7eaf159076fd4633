package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"backend/api/handlers/common"
	"backend/internal/logger"
	"backend/internal/notification"
)

// Handler WebSocket 接入处理器：升级连接后挂进通知 Hub，
// 读循环只用来感知断开，所有下行消息都由 Hub 推送。
type Handler struct {
	hub      *notification.Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(hub *notification.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 浏览器跨域由 CORS 中间件控制，这里不再二次校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Get().Named("ws"),
	}
}

// Connect 建立世界频道连接
// @Summary 建立 WebSocket 连接
// @Description 玩家或 DM 接入指定世界的推送频道。role 为 dm 时会重放离线的审批推送。
// @Tags WebSocket
// @Param world_id path string true "世界ID"
// @Param role query string false "角色: player 或 dm" default(player)
// @Router /api/v1/worlds/{world_id}/ws [get]
func (h *Handler) Connect(c *gin.Context) {
	worldID := c.Param("world_id")
	if worldID == "" {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "world_id 不能为空"})
		return
	}

	role := notification.RolePlayer
	switch c.DefaultQuery("role", string(notification.RolePlayer)) {
	case string(notification.RoleDM):
		role = notification.RoleDM
	case string(notification.RolePlayer):
	default:
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "role 必须是 player 或 dm"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket 升级失败", zap.String("world_id", worldID), zap.Error(err))
		return
	}

	h.hub.Register(worldID, role, conn)
	h.log.Info("连接已建立",
		zap.String("world_id", worldID),
		zap.String("role", string(role)))

	// 读循环：丢弃上行消息，出错即下线
	go func() {
		defer func() {
			h.hub.Unregister(worldID, role, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
