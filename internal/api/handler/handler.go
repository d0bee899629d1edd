package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/internal/repository"
	"github.com/d60-Lab/pubqueue/internal/service"
)

// Handler HTTP 处理器集合
type Handler struct {
	admission  service.AdmissionService
	dispatcher *service.Dispatcher
	items      repository.QueueItemRepository
	posts      repository.PostRepository
	outbox     repository.OutboxRepository
	broker     broker.Broker
	queue      string
}

func NewHandler(
	admission service.AdmissionService,
	dispatcher *service.Dispatcher,
	items repository.QueueItemRepository,
	posts repository.PostRepository,
	outbox repository.OutboxRepository,
	b broker.Broker,
	queue string,
) *Handler {
	return &Handler{
		admission:  admission,
		dispatcher: dispatcher,
		items:      items,
		posts:      posts,
		outbox:     outbox,
		broker:     b,
		queue:      queue,
	}
}

// Health 存活探针
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
