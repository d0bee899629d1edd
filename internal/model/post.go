package model

import "time"

// Post 单平台发布成功记录；(queue_item_id, platform) 复合唯一键
// 是执行层的第二道幂等防线，存在即表示该平台已完成
type Post struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	QueueItemID string    `json:"queue_item_id" gorm:"type:varchar(36);index:idx_post_item;uniqueIndex:ux_post_item_platform;not null"`
	Platform    string    `json:"platform" gorm:"type:varchar(16);uniqueIndex:ux_post_item_platform;not null"`
	OrgID       string    `json:"org_id" gorm:"type:varchar(36);index:idx_post_org"`
	ExternalID  string    `json:"external_id" gorm:"type:varchar(128)"`
	URL         string    `json:"url" gorm:"type:varchar(512)"`
	PublishedAt time.Time `json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Post) TableName() string { return "posts" }
