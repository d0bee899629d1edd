package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/pubqueue/internal/model"
)

type OutboxRepository interface {
	// Append 追加一条事件；同 (item, platform, type) 的重复追加被唯一索引吸收
	Append(ctx context.Context, ev *model.OutboxEvent) (bool, error)
	// ListByItem 按追加时间返回事件（下游审计/回放读取的就是这个序）
	ListByItem(ctx context.Context, queueItemID string) ([]*model.OutboxEvent, error)
	// FailedPlatforms 有终态失败事件的平台集合
	FailedPlatforms(ctx context.Context, queueItemID string) ([]string, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) Append(ctx context.Context, ev *model.OutboxEvent) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *outboxRepository) ListByItem(ctx context.Context, queueItemID string) ([]*model.OutboxEvent, error) {
	var res []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("queue_item_id = ?", queueItemID).
		Order("at").
		Find(&res).Error
	return res, err
}

func (r *outboxRepository) FailedPlatforms(ctx context.Context, queueItemID string) ([]string, error) {
	var platforms []string
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("queue_item_id = ? AND type = ?", queueItemID, model.EventPostFailed).
		Distinct().
		Pluck("platform", &platforms).Error
	return platforms, err
}
