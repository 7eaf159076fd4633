package assets

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"backend/api/handlers/common"
	"backend/internal/game"
	"backend/internal/queue"
	"backend/internal/worker"
)

// GenerateRequest 素材生成请求
type GenerateRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	EntityID   string `json:"entity_id" binding:"required"`
	Prompt     string `json:"prompt" binding:"required"`
	Workflow   string `json:"workflow"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Handler 素材处理器
type Handler struct {
	runtime *worker.Runtime
	assets  *game.AssetRepository
}

// NewHandler 创建处理器
func NewHandler(runtime *worker.Runtime, assets *game.AssetRepository) *Handler {
	return &Handler{runtime: runtime, assets: assets}
}

// Generate 提交生成任务
// @Summary 提交素材生成任务
// @Description 任务以低优先级入队，由后台流水线调用图像服务并落盘
// @Tags Assets
// @Accept json
// @Produce json
// @Param world_id path string true "世界ID"
// @Param request body GenerateRequest true "生成请求"
// @Success 202 {object} common.APIResponse
// @Router /api/v1/worlds/{world_id}/assets [post]
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	itemID, err := h.runtime.EnqueueAssetGeneration(c.Request.Context(), game.AssetGenerationRequest{
		WorldID:    c.Param("world_id"),
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Prompt:     req.Prompt,
		Workflow:   req.Workflow,
		Width:      req.Width,
		Height:     req.Height,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "素材任务入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, common.APIResponse{Success: true, Data: gin.H{
		"item_id": itemID,
		"queue":   queue.QueueAssetGeneration,
	}})
}

// ListByEntity 查询实体的素材列表
// @Summary 查询实体素材
// @Tags Assets
// @Produce json
// @Param entity_type query string true "实体类型"
// @Param entity_id query string true "实体ID"
// @Success 200 {object} common.ListResponse
// @Router /api/v1/assets [get]
func (h *Handler) ListByEntity(c *gin.Context) {
	entityType := c.Query("entity_type")
	entityID := c.Query("entity_id")
	if entityType == "" || entityID == "" {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "entity_type 和 entity_id 不能为空"})
		return
	}

	items, err := h.assets.ListByEntity(c.Request.Context(), entityType, entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "查询素材列表失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.ListResponse{Items: items, Count: len(items)})
}
