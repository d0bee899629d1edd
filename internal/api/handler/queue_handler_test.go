package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/pubqueue/config"
	"github.com/d60-Lab/pubqueue/internal/api"
	"github.com/d60-Lab/pubqueue/internal/api/handler"
	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/internal/model"
	"github.com/d60-Lab/pubqueue/internal/repository"
	"github.com/d60-Lab/pubqueue/internal/service"
)

// stubBroker 记录入队并返回固定死信
type stubBroker struct {
	mu   sync.Mutex
	jobs map[string]bool
	dead []*broker.DeadJob
}

func (s *stubBroker) Enqueue(_ context.Context, _, jobID string, _ interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[jobID] {
		return broker.ErrDuplicateJob
	}
	s.jobs[jobID] = true
	return nil
}
func (s *stubBroker) Consume(context.Context, string, broker.Handler, int) error { return nil }
func (s *stubBroker) Stop(context.Context) error                                 { return nil }
func (s *stubBroker) DeadJobs(context.Context, string, int) ([]*broker.DeadJob, error) {
	return s.dead, nil
}
func (s *stubBroker) RequeueDead(_ context.Context, _, jobID string) error {
	for _, d := range s.dead {
		if d.ID == jobID {
			return nil
		}
	}
	return broker.ErrJobNotFound
}

func setupAPI(t *testing.T) (http.Handler, *stubBroker, repository.QueueItemRepository) {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.QueueItem{}, &model.Post{}, &model.OutboxEvent{}))

	items := repository.NewQueueItemRepository(db)
	posts := repository.NewPostRepository(db)
	outbox := repository.NewOutboxRepository(db)
	sb := &stubBroker{jobs: make(map[string]bool)}
	dispatcher := service.NewDispatcher(sb, "publish")
	admission := service.NewAdmissionService(items, dispatcher)
	h := handler.NewHandler(admission, dispatcher, items, posts, outbox, sb, "publish")

	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Telemetry.ServiceName = "pubqueue-test"
	return api.NewRouter(h, cfg), sb, items
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"org_id": "org_test",
		"sub":    "user_test",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("gateway-secret"))
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Data
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"project_id": "p1",
		"asset_id":   "a1",
		"title":      "T",
		"platforms":  []string{"youtube", "instagram"},
	}
}

func TestEnqueueRequiresIdempotencyKey(t *testing.T) {
	r, sb, _ := setupAPI(t)
	w := doJSON(t, r, http.MethodPost, "/v1/queue", validBody(), map[string]string{
		"Authorization": bearer(t),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, sb.jobs)
}

func TestEnqueueRequiresIdentity(t *testing.T) {
	r, _, _ := setupAPI(t)
	w := doJSON(t, r, http.MethodPost, "/v1/queue", validBody(), map[string]string{
		"Idempotency-Key": "idem_h1",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnqueueCreatedThenMatched(t *testing.T) {
	r, sb, _ := setupAPI(t)
	headers := map[string]string{
		"Authorization":   bearer(t),
		"Idempotency-Key": "idem_h2",
	}

	w := doJSON(t, r, http.MethodPost, "/v1/queue", validBody(), headers)
	require.Equal(t, http.StatusCreated, w.Code)
	first := decodeData(t, w)
	require.Equal(t, "queued", first["status"])
	require.Equal(t, "org_test", first["org_id"])
	require.Len(t, sb.jobs, 2)

	// 同键重放：200、同一条记录、不再扇出
	w = doJSON(t, r, http.MethodPost, "/v1/queue", validBody(), headers)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeData(t, w)
	require.Equal(t, first["id"], second["id"])
	require.Len(t, sb.jobs, 2)
}

func TestEnqueueRejectsEmptyPlatforms(t *testing.T) {
	r, sb, _ := setupAPI(t)
	body := validBody()
	body["platforms"] = []string{}
	w := doJSON(t, r, http.MethodPost, "/v1/queue", body, map[string]string{
		"Authorization":   bearer(t),
		"Idempotency-Key": "idem_h3",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, sb.jobs)
}

func TestEnqueuePayloadConflict(t *testing.T) {
	r, _, _ := setupAPI(t)
	headers := map[string]string{
		"Authorization":   bearer(t),
		"Idempotency-Key": "idem_h4",
	}
	w := doJSON(t, r, http.MethodPost, "/v1/queue", validBody(), headers)
	require.Equal(t, http.StatusCreated, w.Code)

	body := validBody()
	body["title"] = "something else"
	w = doJSON(t, r, http.MethodPost, "/v1/queue", body, headers)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestGetQueueItem(t *testing.T) {
	r, _, _ := setupAPI(t)
	headers := map[string]string{
		"Authorization":   bearer(t),
		"Idempotency-Key": "idem_h5",
	}
	w := doJSON(t, r, http.MethodPost, "/v1/queue", validBody(), headers)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeData(t, w)["id"].(string)

	w = doJSON(t, r, http.MethodGet, "/v1/queue/"+id, nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, id, decodeData(t, w)["id"])

	w = doJSON(t, r, http.MethodGet, "/v1/queue/unknown", nil, headers)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatchRepairEndpoint(t *testing.T) {
	r, sb, _ := setupAPI(t)
	headers := map[string]string{
		"Authorization":   bearer(t),
		"Idempotency-Key": "idem_h6",
	}
	w := doJSON(t, r, http.MethodPost, "/v1/queue", validBody(), headers)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeData(t, w)["id"].(string)
	require.Len(t, sb.jobs, 2)

	// 重跑扇出是幂等修复动作
	w = doJSON(t, r, http.MethodPost, "/v1/queue/"+id+"/dispatch", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sb.jobs, 2)

	w = doJSON(t, r, http.MethodPost, "/v1/queue/unknown/dispatch", nil, headers)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDLQEndpoints(t *testing.T) {
	r, sb, _ := setupAPI(t)
	sb.dead = []*broker.DeadJob{{
		Job:    broker.Job{ID: "item9:x", Queue: "publish"},
		Reason: "retry budget exhausted",
		DiedAt: time.Now(),
	}}
	headers := map[string]string{"Authorization": bearer(t)}

	w := doJSON(t, r, http.MethodGet, "/v1/dlq", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decodeData(t, w)["count"])

	w = doJSON(t, r, http.MethodPost, "/v1/dlq/item9:x/requeue", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/dlq/ghost:x/requeue", nil, headers)
	require.Equal(t, http.StatusNotFound, w.Code)
}
