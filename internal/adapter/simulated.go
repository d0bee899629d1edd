package adapter

import (
	"context"
	"fmt"
	"time"
)

// SimulatedPublisher 本地联调用的假适配器：固定延迟后返回可预测的链接
type SimulatedPublisher struct {
	Delay time.Duration
}

func NewSimulatedPublisher(delay time.Duration) *SimulatedPublisher {
	return &SimulatedPublisher{Delay: delay}
}

func (p *SimulatedPublisher) Publish(ctx context.Context, content Content, platform string) (*Result, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{
		ExternalID: fmt.Sprintf("%s_%d", platform, time.Now().UnixMilli()),
		URL:        fmt.Sprintf("https://%s.com/post/%s", platform, content.AssetID),
	}, nil
}

var _ Publisher = (*SimulatedPublisher)(nil)
