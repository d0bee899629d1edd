package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/d60-Lab/pubqueue/internal/model"
	"github.com/d60-Lab/pubqueue/internal/repository"
	"github.com/d60-Lab/pubqueue/pkg/logger"
)

const maxTitleLen = 120

var (
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrTitleRequired         = errors.New("title is required")
	ErrTitleTooLong          = errors.New("title exceeds 120 characters")
	ErrNoPlatforms           = errors.New("platforms must be non-empty")
	ErrUnsupportedPlatform   = errors.New("unsupported platform")
	// ErrPayloadConflict 同一幂等键重放却带了不同的 payload
	ErrPayloadConflict = errors.New("idempotency key reused with different payload")
)

// PublishRequest 准入层入参（HTTP 之外的调用方也走这里）
type PublishRequest struct {
	ProjectID  string     `json:"project_id"`
	AssetID    string     `json:"asset_id"`
	Title      string     `json:"title"`
	Caption    string     `json:"caption"`
	Hashtags   []string   `json:"hashtags"`
	Platforms  []string   `json:"platforms"`
	ScheduleAt *time.Time `json:"schedule_at"`
}

// Identity 网关前置校验后注入的可信调用方身份
type Identity struct {
	OrgID  string
	UserID string
}

// AdmissionService 按幂等键准入发布请求：一键至多一条 QueueItem
type AdmissionService interface {
	// Admit 返回的 bool 表示本次是否新建（HTTP 层据此回 201/200）
	Admit(ctx context.Context, idempotencyKey string, req *PublishRequest, caller Identity) (*model.QueueItem, bool, error)
}

type admissionService struct {
	items      repository.QueueItemRepository
	dispatcher *Dispatcher
}

func NewAdmissionService(items repository.QueueItemRepository, dispatcher *Dispatcher) AdmissionService {
	return &admissionService{items: items, dispatcher: dispatcher}
}

func (s *admissionService) Admit(ctx context.Context, idempotencyKey string, req *PublishRequest, caller Identity) (*model.QueueItem, bool, error) {
	if idempotencyKey == "" {
		return nil, false, ErrMissingIdempotencyKey
	}
	platforms, err := validate(req)
	if err != nil {
		return nil, false, err
	}
	hash := fingerprint(req, platforms)

	existing, err := s.items.GetByIdempotencyKey(ctx, idempotencyKey)
	if err == nil {
		if existing.PayloadHash != hash {
			return nil, false, ErrPayloadConflict
		}
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	item := &model.QueueItem{
		ID:             uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		PayloadHash:    hash,
		OrgID:          caller.OrgID,
		UserID:         caller.UserID,
		ProjectID:      req.ProjectID,
		AssetID:        req.AssetID,
		Title:          req.Title,
		Caption:        req.Caption,
		Hashtags:       normalizeList(req.Hashtags),
		Platforms:      platforms,
		ScheduleAt:     req.ScheduleAt,
		Status:         model.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.items.Create(ctx, item); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// 并发准入输掉了唯一索引竞争：回读赢家的记录返回，不算错误
			winner, rerr := s.items.GetByIdempotencyKey(ctx, idempotencyKey)
			if rerr != nil {
				return nil, false, rerr
			}
			if winner.PayloadHash != hash {
				return nil, false, ErrPayloadConflict
			}
			return winner, false, nil
		}
		return nil, false, err
	}

	// 定时项只落库，到点后由外部触发器调 Dispatch
	if item.ScheduleAt == nil || !item.ScheduleAt.After(now) {
		if err := s.dispatcher.Dispatch(ctx, item); err != nil {
			// 记录已持久化，半途的扇出可以重跑 Dispatch 修复，不回滚准入
			logger.Warn("dispatch after admission failed",
				zap.String("queue_item", item.ID), zap.Error(err))
		}
	}
	return item, true, nil
}

func validate(req *PublishRequest) (model.StringList, error) {
	if req.Title == "" {
		return nil, ErrTitleRequired
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLen {
		return nil, ErrTitleTooLong
	}
	if len(req.Platforms) == 0 {
		return nil, ErrNoPlatforms
	}
	platforms := make(model.StringList, 0, len(req.Platforms))
	for _, p := range req.Platforms {
		if !model.IsSupportedPlatform(p) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
		}
		if !platforms.Contains(p) {
			platforms = append(platforms, p)
		}
	}
	return platforms, nil
}

func normalizeList(in []string) model.StringList {
	if in == nil {
		return model.StringList{}
	}
	return model.StringList(in)
}

// fingerprint 规范化 payload 的 blake2b-256，用于识别幂等键的错用
func fingerprint(req *PublishRequest, platforms model.StringList) string {
	canon := struct {
		ProjectID  string     `json:"project_id"`
		AssetID    string     `json:"asset_id"`
		Title      string     `json:"title"`
		Caption    string     `json:"caption"`
		Hashtags   []string   `json:"hashtags"`
		Platforms  []string   `json:"platforms"`
		ScheduleAt *time.Time `json:"schedule_at"`
	}{req.ProjectID, req.AssetID, req.Title, req.Caption, normalizeList(req.Hashtags), platforms, req.ScheduleAt}
	b, _ := json.Marshal(canon)
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsValidationError 准入参数类错误（HTTP 层回 4xx）
func IsValidationError(err error) bool {
	return errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.Is(err, ErrTitleRequired) ||
		errors.Is(err, ErrTitleTooLong) ||
		errors.Is(err, ErrNoPlatforms) ||
		errors.Is(err, ErrUnsupportedPlatform)
}
