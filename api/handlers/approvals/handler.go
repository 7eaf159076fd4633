package approvals

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"backend/api/handlers/common"
	"backend/internal/approval"
	"backend/internal/game"
)

const defaultHistoryLimit = 50

// DelayRequest 推迟决策请求
type DelayRequest struct {
	DelaySeconds int `json:"delay_seconds" binding:"required,min=1"`
}

// Handler 审批处理器
type Handler struct {
	service *approval.Service
}

// NewHandler 创建处理器
func NewHandler(service *approval.Service) *Handler {
	return &Handler{service: service}
}

// ListPending 待审提案列表
// @Summary 待审提案列表
// @Description 返回指定世界中等待 DM 签核的提案，按优先级排序
// @Tags Approvals
// @Produce json
// @Param world_id path string true "世界ID"
// @Success 200 {object} common.ListResponse
// @Router /api/v1/worlds/{world_id}/approvals [get]
func (h *Handler) ListPending(c *gin.Context) {
	items, err := h.service.ListPending(c.Request.Context(), c.Param("world_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "查询待审列表失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.ListResponse{Items: items, Count: len(items)})
}

// History 审批历史
// @Summary 审批历史
// @Description 返回指定世界已处理的审批记录，按处理时间倒序
// @Tags Approvals
// @Produce json
// @Param world_id path string true "世界ID"
// @Param limit query int false "返回条数" default(50)
// @Success 200 {object} common.ListResponse
// @Router /api/v1/worlds/{world_id}/approvals/history [get]
func (h *Handler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "limit 参数无效"})
			return
		}
		limit = parsed
	}

	items, err := h.service.History(c.Request.Context(), c.Param("world_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "查询审批历史失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.ListResponse{Items: items, Count: len(items), Limit: limit})
}

// Get 审批详情
// @Summary 审批详情
// @Tags Approvals
// @Produce json
// @Param id path string true "审批ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.ErrorResponse
// @Router /api/v1/approvals/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Success: false, Message: "审批不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "查询审批失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: item})
}

// Decide 同步处理决策
// @Summary 处理审批决策
// @Description 同步执行 DM 决策并返回结果。重复决策返回 409。
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "审批ID"
// @Param request body game.ApprovalDecision true "决策内容"
// @Success 200 {object} common.APIResponse{data=approval.Outcome}
// @Failure 400 {object} common.ErrorResponse
// @Failure 404 {object} common.ErrorResponse
// @Failure 409 {object} common.ErrorResponse
// @Router /api/v1/approvals/{id}/decision [post]
func (h *Handler) Decide(c *gin.Context) {
	var decision game.ApprovalDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	outcome, err := h.service.ProcessDecision(c.Request.Context(), c.Param("id"), decision)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			c.JSON(http.StatusNotFound, common.ErrorResponse{Success: false, Message: "审批不存在"})
		case errors.Is(err, approval.ErrConflict):
			c.JSON(http.StatusConflict, common.ErrorResponse{Success: false, Message: "该审批已被处理"})
		case errors.Is(err, approval.ErrInvalidDecision):
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "决策内容无效: " + err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "处理决策失败: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: outcome})
}

// Delay 推迟决策
// @Summary 推迟审批决策
// @Description DM 暂时搁置一条待审提案，delay_seconds 后重新回到待审列表
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "审批ID"
// @Param request body DelayRequest true "推迟时长"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.ErrorResponse
// @Failure 404 {object} common.ErrorResponse
// @Failure 409 {object} common.ErrorResponse
// @Router /api/v1/approvals/{id}/delay [post]
func (h *Handler) Delay(c *gin.Context) {
	var req DelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	item, err := h.service.DelayDecision(c.Request.Context(), c.Param("id"),
		time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			c.JSON(http.StatusNotFound, common.ErrorResponse{Success: false, Message: "审批不存在"})
		case errors.Is(err, approval.ErrConflict):
			c.JSON(http.StatusConflict, common.ErrorResponse{Success: false, Message: "该审批已被处理"})
		case errors.Is(err, approval.ErrInvalidDecision):
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Success: false, Message: "推迟参数无效: " + err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "推迟决策失败: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: item})
}
