package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/pubqueue/internal/model"
)

type PostRepository interface {
	// Create 插入发布记录；(queue_item_id, platform) 已存在时静默跳过，
	// 返回 false 表示别的投递已经完成过这个平台
	Create(ctx context.Context, post *model.Post) (bool, error)
	GetByItemAndPlatform(ctx context.Context, queueItemID, platform string) (*model.Post, error)
	ListByItem(ctx context.Context, queueItemID string) ([]*model.Post, error)
	// DistinctPlatforms 该队列项已完成的平台集合（状态推导的输入）
	DistinctPlatforms(ctx context.Context, queueItemID string) ([]string, error)
}

type postRepository struct{ db *gorm.DB }

func NewPostRepository(db *gorm.DB) PostRepository { return &postRepository{db: db} }

func (r *postRepository) Create(ctx context.Context, post *model.Post) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(post)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *postRepository) GetByItemAndPlatform(ctx context.Context, queueItemID, platform string) (*model.Post, error) {
	var post model.Post
	err := r.db.WithContext(ctx).
		Where("queue_item_id = ? AND platform = ?", queueItemID, platform).
		First(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) ListByItem(ctx context.Context, queueItemID string) ([]*model.Post, error) {
	var res []*model.Post
	err := r.db.WithContext(ctx).
		Where("queue_item_id = ?", queueItemID).
		Order("published_at").
		Find(&res).Error
	return res, err
}

func (r *postRepository) DistinctPlatforms(ctx context.Context, queueItemID string) ([]string, error) {
	var platforms []string
	err := r.db.WithContext(ctx).Model(&model.Post{}).
		Where("queue_item_id = ?", queueItemID).
		Distinct().
		Pluck("platform", &platforms).Error
	return platforms, err
}
