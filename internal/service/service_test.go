package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/internal/model"
	"github.com/d60-Lab/pubqueue/internal/repository"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.QueueItem{}, &model.Post{}, &model.OutboxEvent{}))
	return db
}

func setupRepos(t *testing.T) (repository.QueueItemRepository, repository.PostRepository, repository.OutboxRepository) {
	db := setupDB(t)
	return repository.NewQueueItemRepository(db), repository.NewPostRepository(db), repository.NewOutboxRepository(db)
}

// memBroker 只记账不投递，准入/调度测试用
type memBroker struct {
	mu   sync.Mutex
	jobs map[string]*broker.Job
}

func newMemBroker() *memBroker { return &memBroker{jobs: make(map[string]*broker.Job)} }

func (m *memBroker) Enqueue(_ context.Context, queue, jobID string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; ok {
		return broker.ErrDuplicateJob
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.jobs[jobID] = &broker.Job{ID: jobID, Queue: queue, Payload: body}
	return nil
}

func (m *memBroker) Consume(context.Context, string, broker.Handler, int) error { return nil }
func (m *memBroker) Stop(context.Context) error                                { return nil }
func (m *memBroker) DeadJobs(context.Context, string, int) ([]*broker.DeadJob, error) {
	return nil, nil
}
func (m *memBroker) RequeueDead(context.Context, string, string) error {
	return broker.ErrJobNotFound
}

func (m *memBroker) jobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}

var _ broker.Broker = (*memBroker)(nil)
