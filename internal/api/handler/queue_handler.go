package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/pubqueue/internal/api/middleware"
	"github.com/d60-Lab/pubqueue/internal/model"
	"github.com/d60-Lab/pubqueue/internal/repository"
	"github.com/d60-Lab/pubqueue/internal/service"
	"github.com/d60-Lab/pubqueue/pkg/response"
)

type queueRequest struct {
	ProjectID  string     `json:"project_id"`
	AssetID    string     `json:"asset_id"`
	Title      string     `json:"title" binding:"required,max=120"`
	Caption    string     `json:"caption"`
	Hashtags   []string   `json:"hashtags"`
	Platforms  []string   `json:"platforms" binding:"required,min=1,dive,platform"`
	ScheduleAt *time.Time `json:"schedule_at"`
}

type queueItemView struct {
	*model.QueueItem
	Posts  []*model.Post        `json:"posts,omitempty"`
	Outbox []*model.OutboxEvent `json:"outbox,omitempty"`
}

// Enqueue 准入一条发布请求
// @Summary 发布内容入队（按 Idempotency-Key 幂等）
// @Tags 发布队列
// @Accept json
// @Produce json
// @Param Idempotency-Key header string true "幂等键"
// @Param request body queueRequest true "发布内容"
// @Success 201 {object} response.Response{data=queueItemView}
// @Success 200 {object} response.Response{data=queueItemView}
// @Failure 400 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /v1/queue [post]
func (h *Handler) Enqueue(c *gin.Context) {
	idem := c.GetHeader("Idempotency-Key")
	if idem == "" {
		response.BadRequest(c, "missing Idempotency-Key header")
		return
	}
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	item, created, err := h.admission.Admit(c.Request.Context(), idem, &service.PublishRequest{
		ProjectID:  req.ProjectID,
		AssetID:    req.AssetID,
		Title:      req.Title,
		Caption:    req.Caption,
		Hashtags:   req.Hashtags,
		Platforms:  req.Platforms,
		ScheduleAt: req.ScheduleAt,
	}, middleware.CallerIdentity(c))
	if err != nil {
		switch {
		case service.IsValidationError(err):
			response.BadRequest(c, err.Error())
		case errors.Is(err, service.ErrPayloadConflict):
			response.Conflict(c, err.Error())
		default:
			response.InternalError(c, err)
		}
		return
	}
	if created {
		response.Created(c, &queueItemView{QueueItem: item})
		return
	}
	response.Success(c, &queueItemView{QueueItem: item})
}

// Get 查询队列项（含逐平台结果与 outbox）
// @Summary 查询队列项
// @Tags 发布队列
// @Produce json
// @Param id path string true "队列项ID"
// @Success 200 {object} response.Response{data=queueItemView}
// @Failure 404 {object} response.Response
// @Router /v1/queue/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")
	item, err := h.items.GetByID(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		response.NotFound(c, "queue item not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	posts, err := h.posts.ListByItem(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	events, err := h.outbox.ListByItem(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, &queueItemView{QueueItem: item, Posts: posts, Outbox: events})
}

// Dispatch 重跑扇出（定时触发器到点后也调这里）
// @Summary 重新扇出队列项
// @Tags 发布队列
// @Produce json
// @Param id path string true "队列项ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /v1/queue/{id}/dispatch [post]
func (h *Handler) Dispatch(c *gin.Context) {
	id := c.Param("id")
	item, err := h.items.GetByID(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		response.NotFound(c, "queue item not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if err := h.dispatcher.Dispatch(c.Request.Context(), item); err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}
