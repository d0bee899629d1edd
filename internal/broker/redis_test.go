package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupBroker(t *testing.T, opts ...Option) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	base := []Option{
		WithPollTimeout(50 * time.Millisecond),
		WithPromoteInterval(20 * time.Millisecond),
		WithBackoff(20*time.Millisecond, 100*time.Millisecond),
		WithStaleThreshold(2 * time.Second),
	}
	b := NewRedisBroker(rdb, "test", append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b, mr
}

type payload struct {
	Value string `json:"value"`
}

func TestEnqueueDeduplicatesByJobID(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "q", "item1:youtube", &payload{Value: "a"}))
	err := b.Enqueue(ctx, "q", "item1:youtube", &payload{Value: "b"})
	require.ErrorIs(t, err, ErrDuplicateJob)
	require.NoError(t, b.Enqueue(ctx, "q", "item1:instagram", &payload{Value: "c"}))

	n, err := b.rdb.LLen(ctx, b.pendingKey("q")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestConsumeAcksSuccessfulJob(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()

	var got atomic.Int64
	require.NoError(t, b.Consume(ctx, "q", func(ctx context.Context, job *Job) error {
		var p payload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		require.Equal(t, "hello", p.Value)
		got.Add(1)
		return nil
	}, 2))

	require.NoError(t, b.Enqueue(ctx, "q", "job1", &payload{Value: "hello"}))

	require.Eventually(t, func() bool { return got.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := b.rdb.LLen(ctx, b.pendingKey("q")).Result()
		return n == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	b, _ := setupBroker(t, WithMaxAttempts(5))
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, b.Consume(ctx, "q", func(ctx context.Context, job *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, 1))

	require.NoError(t, b.Enqueue(ctx, "q", "flaky", &payload{Value: "x"}))

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 20*time.Millisecond)
	// 成功后没有死信
	dead, err := b.DeadJobs(ctx, "q", 10)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestDeadLetterAfterBudgetExhausted(t *testing.T) {
	var deadMu sync.Mutex
	var hooked []*DeadJob
	b, _ := setupBroker(t,
		WithMaxAttempts(2),
		WithDeadHook(func(ctx context.Context, d *DeadJob) {
			deadMu.Lock()
			hooked = append(hooked, d)
			deadMu.Unlock()
		}),
	)
	ctx := context.Background()

	require.NoError(t, b.Consume(ctx, "q", func(ctx context.Context, job *Job) error {
		return errors.New("always failing")
	}, 1))
	require.NoError(t, b.Enqueue(ctx, "q", "doomed", &payload{Value: "y"}))

	require.Eventually(t, func() bool {
		dead, err := b.DeadJobs(ctx, "q", 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 20*time.Millisecond)

	dead, err := b.DeadJobs(ctx, "q", 10)
	require.NoError(t, err)
	require.Equal(t, "doomed", dead[0].ID)
	require.Contains(t, dead[0].Reason, "retry budget exhausted")

	deadMu.Lock()
	defer deadMu.Unlock()
	require.Len(t, hooked, 1)
	require.Equal(t, "doomed", hooked[0].ID)
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	b, _ := setupBroker(t, WithMaxAttempts(5))
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, b.Consume(ctx, "q", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return Permanent(errors.New("fatal"))
	}, 1))
	require.NoError(t, b.Enqueue(ctx, "q", "fatal1", &payload{Value: "z"}))

	require.Eventually(t, func() bool {
		dead, err := b.DeadJobs(ctx, "q", 10)
		return err == nil && len(dead) == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestRequeueDead(t *testing.T) {
	b, _ := setupBroker(t, WithMaxAttempts(1))
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	var done atomic.Int64
	require.NoError(t, b.Consume(ctx, "q", func(ctx context.Context, job *Job) error {
		if fail.Load() {
			return errors.New("down")
		}
		done.Add(1)
		return nil
	}, 1))
	require.NoError(t, b.Enqueue(ctx, "q", "retry-me", &payload{Value: "v"}))

	require.Eventually(t, func() bool {
		dead, _ := b.DeadJobs(ctx, "q", 10)
		return len(dead) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// 标识不存在
	require.ErrorIs(t, b.RequeueDead(ctx, "q", "nope"), ErrJobNotFound)

	fail.Store(false)
	require.NoError(t, b.RequeueDead(ctx, "q", "retry-me"))
	require.Eventually(t, func() bool { return done.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	dead, err := b.DeadJobs(ctx, "q", 10)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestBackoffCaps(t *testing.T) {
	base, cap := 2*time.Second, 60*time.Second
	require.Equal(t, 2*time.Second, Backoff(1, base, cap))
	require.Equal(t, 4*time.Second, Backoff(2, base, cap))
	require.Equal(t, 32*time.Second, Backoff(5, base, cap))
	require.Equal(t, 60*time.Second, Backoff(10, base, cap))
	require.Equal(t, 2*time.Second, Backoff(0, base, cap))
}
