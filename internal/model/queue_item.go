package model

import "time"

// QueueItem 一次发布意图；幂等键全局唯一（准入层的并发围栏）
type QueueItem struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	IdempotencyKey string     `json:"idempotency_key" gorm:"type:varchar(128);uniqueIndex:ux_queue_item_idem;not null"`
	// PayloadHash 规范化请求体的 blake2b-256，十六进制；
	// 同一幂等键携带不同 payload 重放时据此拒绝
	PayloadHash string     `json:"-" gorm:"type:varchar(64);not null"`
	OrgID       string     `json:"org_id" gorm:"type:varchar(36);index:idx_queue_item_org;not null"`
	UserID      string     `json:"user_id" gorm:"type:varchar(36)"`
	ProjectID   string     `json:"project_id" gorm:"type:varchar(36)"`
	AssetID     string     `json:"asset_id" gorm:"type:varchar(36)"`
	Title       string     `json:"title" gorm:"type:varchar(120)"`
	Caption     string     `json:"caption" gorm:"type:text"`
	Hashtags    StringList `json:"hashtags" gorm:"type:text"`
	Platforms   StringList `json:"platforms" gorm:"type:text"`
	ScheduleAt  *time.Time `json:"schedule_at"`
	Status      string     `json:"status" gorm:"type:varchar(24);index:idx_queue_item_status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (QueueItem) TableName() string { return "queue_items" }

// 状态由 Post 行与终态 outbox 事件推导，绝不由并发 worker 各写各的
const (
	StatusQueued             = "queued"
	StatusPublished          = "published"
	StatusPartiallyPublished = "partially_published"
	StatusFailed             = "failed"
)
