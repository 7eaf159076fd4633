package actions

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"backend/api/handlers/common"
	"backend/internal/game"
	"backend/internal/queue"
	"backend/internal/worker"
)

// Handler 行动入队处理器：玩家和 DM 的操作都先进队列，
// 由后台 worker 异步处理，接口只确认受理。
type Handler struct {
	runtime *worker.Runtime
}

// NewHandler 创建处理器
func NewHandler(runtime *worker.Runtime) *Handler {
	return &Handler{runtime: runtime}
}

// SubmitPlayerAction 提交玩家行动
// @Summary 提交玩家行动
// @Description 玩家行动入队，由后台异步广播并生成 NPC 回应提案
// @Tags Actions
// @Accept json
// @Produce json
// @Param world_id path string true "世界ID"
// @Param request body SubmitPlayerActionRequest true "行动内容"
// @Success 202 {object} common.APIResponse{data=EnqueueResponse}
// @Router /api/v1/worlds/{world_id}/actions [post]
func (h *Handler) SubmitPlayerAction(c *gin.Context) {
	var req SubmitPlayerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	itemID, err := h.runtime.EnqueuePlayerAction(c.Request.Context(), game.PlayerAction{
		WorldID:     c.Param("world_id"),
		CharacterID: req.CharacterID,
		PlayerID:    req.PlayerID,
		ActionText:  req.ActionText,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "玩家行动入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, common.APIResponse{Success: true, Data: EnqueueResponse{
		ItemID: itemID,
		Queue:  queue.QueuePlayerActions,
	}})
}

// SubmitDMAction 提交 DM 行动
// @Summary 提交 DM 行动
// @Description DM 行动以高优先级入队：审批决策、直接对白或触发世界事件
// @Tags Actions
// @Accept json
// @Produce json
// @Param world_id path string true "世界ID"
// @Param request body SubmitDMActionRequest true "行动内容"
// @Success 202 {object} common.APIResponse{data=EnqueueResponse}
// @Router /api/v1/worlds/{world_id}/dm/actions [post]
func (h *Handler) SubmitDMAction(c *gin.Context) {
	var req SubmitDMActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}
	if req.Kind == game.DMActionApprovalDecision && (req.ApprovalID == "" || req.Decision == nil) {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "决策行动需要 approval_id 和 decision"})
		return
	}

	itemID, err := h.runtime.EnqueueDMAction(c.Request.Context(), game.DMAction{
		WorldID:    c.Param("world_id"),
		Kind:       req.Kind,
		ApprovalID: req.ApprovalID,
		Decision:   req.Decision,
		NPCID:      req.NPCID,
		Dialogue:   req.Dialogue,
		EventName:  req.EventName,
		EventData:  req.EventData,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "DM 行动入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, common.APIResponse{Success: true, Data: EnqueueResponse{
		ItemID: itemID,
		Queue:  queue.QueueDMActions,
	}})
}
