package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/internal/model"
)

// PublishJobPayload 每平台一条的任务载荷
type PublishJobPayload struct {
	QueueItemID string `json:"queueItemId"`
	Platform    string `json:"platform"`
}

// JobID 确定性任务标识；靠它 Dispatch 可以安全重跑
func JobID(queueItemID, platform string) string {
	return fmt.Sprintf("%s:%s", queueItemID, platform)
}

// Dispatcher 把一条 QueueItem 扇出成每平台一条独立任务
type Dispatcher struct {
	broker broker.Broker
	queue  string
}

func NewDispatcher(b broker.Broker, queue string) *Dispatcher {
	return &Dispatcher{broker: b, queue: queue}
}

// Dispatch 逐平台入队。任务标识确定，重复调用只会补上还没入队的平台，
// 崩在扇出半途不是数据损坏，重跑即修复。
func (d *Dispatcher) Dispatch(ctx context.Context, item *model.QueueItem) error {
	for _, p := range item.Platforms {
		err := d.broker.Enqueue(ctx, d.queue, JobID(item.ID, p), &PublishJobPayload{
			QueueItemID: item.ID,
			Platform:    p,
		})
		if errors.Is(err, broker.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", JobID(item.ID, p), err)
		}
	}
	return nil
}
