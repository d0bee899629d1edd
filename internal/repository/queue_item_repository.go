package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/pubqueue/internal/model"
)

type QueueItemRepository interface {
	// Create 落库新队列项；幂等键撞唯一索引时返回 ErrDuplicate
	Create(ctx context.Context, item *model.QueueItem) error
	GetByID(ctx context.Context, id string) (*model.QueueItem, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.QueueItem, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

type queueItemRepository struct{ db *gorm.DB }

func NewQueueItemRepository(db *gorm.DB) QueueItemRepository { return &queueItemRepository{db: db} }

func (r *queueItemRepository) Create(ctx context.Context, item *model.QueueItem) error {
	err := r.db.WithContext(ctx).Create(item).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *queueItemRepository) GetByID(ctx context.Context, id string) (*model.QueueItem, error) {
	var item model.QueueItem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *queueItemRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.QueueItem, error) {
	var item model.QueueItem
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *queueItemRepository) UpdateStatus(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).Model(&model.QueueItem{}).
		Where("id = ?", id).
		Update("status", status).Error
}
