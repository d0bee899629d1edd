package model

import "time"

// outbox 事件类型
const (
	EventPostPublished = "post.published"
	EventPostFailed    = "post.failed"
)

// OutboxEvent 队列项的追加式事件日志，按追加时间有序，只增不改。
// (queue_item_id, platform, type) 唯一：任务重放不会追加第二条同类事件。
type OutboxEvent struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	QueueItemID string    `json:"queue_item_id" gorm:"type:varchar(36);index:idx_outbox_item;uniqueIndex:ux_outbox_item_platform_type;not null"`
	Platform    string    `json:"platform" gorm:"type:varchar(16);uniqueIndex:ux_outbox_item_platform_type;not null"`
	Type        string    `json:"type" gorm:"type:varchar(32);uniqueIndex:ux_outbox_item_platform_type;not null"`
	URL         string    `json:"url,omitempty" gorm:"type:varchar(512)"`
	Reason      string    `json:"reason,omitempty" gorm:"type:varchar(512)"`
	At          time.Time `json:"at" gorm:"index"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
