package adapter

import "context"

// Content 投递给平台的发布内容
type Content struct {
	Title    string   `json:"title"`
	Caption  string   `json:"caption,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
	AssetID  string   `json:"asset_id"`
}

// Result 平台返回的发布结果
type Result struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// Publisher 平台发布适配器。对本服务而言是不透明外部调用：
// 可能失败也可能超时，超时由调用方通过 ctx 控制。
type Publisher interface {
	Publish(ctx context.Context, content Content, platform string) (*Result, error)
}
