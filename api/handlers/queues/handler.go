package queues

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"backend/api/handlers/common"
	"backend/internal/worker"
)

// Handler 队列概览处理器
type Handler struct {
	runtime *worker.Runtime
}

// NewHandler 创建处理器
func NewHandler(runtime *worker.Runtime) *Handler {
	return &Handler{runtime: runtime}
}

// Stats 各队列深度与在处理数
// @Summary 队列概览
// @Description 返回每条队列的积压深度、在处理数和并发上限
// @Tags Queues
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/queues/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.runtime.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Success: false, Message: "获取队列统计失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: stats})
}
