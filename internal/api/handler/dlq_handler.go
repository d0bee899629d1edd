package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/pkg/response"
)

// ListDead 查看死信任务
// @Summary 死信任务列表
// @Tags 死信
// @Produce json
// @Param limit query int false "数量上限" default(100)
// @Success 200 {object} response.Response{data=[]broker.DeadJob}
// @Router /v1/dlq [get]
func (h *Handler) ListDead(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	dead, err := h.broker.DeadJobs(c.Request.Context(), h.queue, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"count": len(dead), "jobs": dead})
}

// RequeueDead 把一条死信搬回队列重放
// @Summary 重放死信任务
// @Tags 死信
// @Produce json
// @Param job_id path string true "任务标识 {queueItemId}:{platform}"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /v1/dlq/{job_id}/requeue [post]
func (h *Handler) RequeueDead(c *gin.Context) {
	jobID := c.Param("job_id")
	err := h.broker.RequeueDead(c.Request.Context(), h.queue, jobID)
	if errors.Is(err, broker.ErrJobNotFound) {
		response.NotFound(c, "dead job not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}
