package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/pubqueue/internal/adapter"
	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/internal/model"
	"github.com/d60-Lab/pubqueue/internal/repository"
	"github.com/d60-Lab/pubqueue/pkg/logger"
)

// PublishWorker 消费发布任务：
// 读取队列项 → 查重 → 调平台适配器 → 落 Post → 追加 outbox → 推导状态。
// ack 由 broker 在 Handle 返回 nil 后执行，全部落库前崩溃会被重投，
// (queue_item_id, platform) 唯一键吸收重投的副作用。
type PublishWorker struct {
	items     repository.QueueItemRepository
	posts     repository.PostRepository
	outbox    repository.OutboxRepository
	publisher adapter.Publisher

	publishTimeout time.Duration
	platformRate   float64
	platformBurst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	tracer   trace.Tracer
}

type WorkerOption func(*PublishWorker)

// WithPublishTimeout 平台适配器调用的超时（唯一无界延迟的步骤）
func WithPublishTimeout(d time.Duration) WorkerOption {
	return func(w *PublishWorker) { w.publishTimeout = d }
}

// WithPlatformRate 每平台适配器调用限速；rate<=0 关闭限速
func WithPlatformRate(r float64, burst int) WorkerOption {
	return func(w *PublishWorker) { w.platformRate, w.platformBurst = r, burst }
}

func NewPublishWorker(
	items repository.QueueItemRepository,
	posts repository.PostRepository,
	outbox repository.OutboxRepository,
	publisher adapter.Publisher,
	opts ...WorkerOption,
) *PublishWorker {
	w := &PublishWorker{
		items:          items,
		posts:          posts,
		outbox:         outbox,
		publisher:      publisher,
		publishTimeout: 30 * time.Second,
		limiters:       make(map[string]*rate.Limiter),
		tracer:         otel.Tracer("pubqueue/worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start 挂到 broker 上开始消费
func (w *PublishWorker) Start(ctx context.Context, b broker.Broker, queue string, concurrency int) error {
	return b.Consume(ctx, queue, w.Handle, concurrency)
}

// Handle 处理一条 {queueItemId, platform} 任务
func (w *PublishWorker) Handle(ctx context.Context, job *broker.Job) error {
	var p PublishJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return broker.Permanent(fmt.Errorf("bad job payload: %w", err))
	}

	item, err := w.items.GetByID(ctx, p.QueueItemID)
	if errors.Is(err, repository.ErrNotFound) {
		// 上游逻辑错误而非瞬时故障，重试没有意义
		return broker.Permanent(fmt.Errorf("queue item %s not found", p.QueueItemID))
	}
	if err != nil {
		return err
	}

	// 第二道幂等防线：broker 重投一条已成功的任务时直接 ack
	if _, err := w.posts.GetByItemAndPlatform(ctx, item.ID, p.Platform); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if lim := w.limiter(p.Platform); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	res, err := w.publish(ctx, item, p.Platform)
	if err != nil {
		// 不 ack，交给 broker 的退避重投；预算耗尽走死信
		return fmt.Errorf("publish %s for %s: %w", p.Platform, item.ID, err)
	}

	now := time.Now()
	post := &model.Post{
		ID:          uuid.New().String(),
		QueueItemID: item.ID,
		Platform:    p.Platform,
		OrgID:       item.OrgID,
		ExternalID:  res.ExternalID,
		URL:         res.URL,
		PublishedAt: now,
	}
	created, err := w.posts.Create(ctx, post)
	if err != nil {
		return err
	}
	if !created {
		logger.Info("post already recorded by another delivery",
			zap.String("queue_item", item.ID), zap.String("platform", p.Platform))
	}

	if _, err := w.outbox.Append(ctx, &model.OutboxEvent{
		ID:          uuid.New().String(),
		QueueItemID: item.ID,
		Platform:    p.Platform,
		Type:        model.EventPostPublished,
		URL:         res.URL,
		At:          now,
	}); err != nil {
		return err
	}

	return w.refreshStatus(ctx, item)
}

func (w *PublishWorker) publish(ctx context.Context, item *model.QueueItem, platform string) (*adapter.Result, error) {
	pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	defer cancel()
	pubCtx, span := w.tracer.Start(pubCtx, "adapter.publish", trace.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("queue_item.id", item.ID),
	))
	defer span.End()

	res, err := w.publisher.Publish(pubCtx, adapter.Content{
		Title:    item.Title,
		Caption:  item.Caption,
		Hashtags: item.Hashtags,
		AssetID:  item.AssetID,
	}, platform)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// RecordFailure 死信回调：给该平台记终态失败事件并重推状态。
// 挂在 broker 的 dead hook 上。
func (w *PublishWorker) RecordFailure(ctx context.Context, dead *broker.DeadJob) {
	var p PublishJobPayload
	if err := json.Unmarshal(dead.Payload, &p); err != nil {
		logger.Error("dead job with bad payload", zap.String("job", dead.ID), zap.Error(err))
		return
	}
	item, err := w.items.GetByID(ctx, p.QueueItemID)
	if err != nil {
		logger.Error("dead job for unknown queue item",
			zap.String("job", dead.ID), zap.Error(err))
		return
	}
	// 已成功的平台不再记失败（死信滞后于一次成功重放时会出现）
	if _, err := w.posts.GetByItemAndPlatform(ctx, item.ID, p.Platform); err == nil {
		return
	}
	if _, err := w.outbox.Append(ctx, &model.OutboxEvent{
		ID:          uuid.New().String(),
		QueueItemID: item.ID,
		Platform:    p.Platform,
		Type:        model.EventPostFailed,
		Reason:      dead.Reason,
		At:          time.Now(),
	}); err != nil {
		logger.Error("append failure event", zap.String("job", dead.ID), zap.Error(err))
		return
	}
	if err := w.refreshStatus(ctx, item); err != nil {
		logger.Error("refresh status after failure", zap.String("queue_item", item.ID), zap.Error(err))
	}
}

// refreshStatus 重算并写回推导状态
func (w *PublishWorker) refreshStatus(ctx context.Context, item *model.QueueItem) error {
	posted, err := w.posts.DistinctPlatforms(ctx, item.ID)
	if err != nil {
		return err
	}
	failed, err := w.outbox.FailedPlatforms(ctx, item.ID)
	if err != nil {
		return err
	}
	status := DeriveStatus(item.Platforms, posted, failed)
	if status == item.Status {
		return nil
	}
	return w.items.UpdateStatus(ctx, item.ID, status)
}

func (w *PublishWorker) limiter(platform string) *rate.Limiter {
	if w.platformRate <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	lim, ok := w.limiters[platform]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(w.platformRate), w.platformBurst)
		w.limiters[platform] = lim
	}
	return lim
}
