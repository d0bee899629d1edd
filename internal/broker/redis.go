package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/pubqueue/pkg/logger"
)

// enqueueScript 去重标记与入队必须一起落下，崩在中间会把任务永远挡在门外
var enqueueScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], '1') == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// RedisBroker 基于 Redis 列表的持久任务队列：
// SETNX 按任务标识去重，BLMOVE 搬进消费者各自的 processing 列表，
// ack 前崩溃由 reaper 搬回 pending 重投（至少一次投递）。
type RedisBroker struct {
	rdb         *redis.Client
	ns          string
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	pollTimeout time.Duration
	promoteTick time.Duration
	staleAfter  time.Duration
	onDead      func(ctx context.Context, dead *DeadJob)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

type Option func(*RedisBroker)

func WithMaxAttempts(n int) Option {
	return func(b *RedisBroker) { b.maxAttempts = n }
}

func WithBackoff(base, cap time.Duration) Option {
	return func(b *RedisBroker) { b.backoffBase, b.backoffCap = base, cap }
}

func WithPollTimeout(d time.Duration) Option {
	return func(b *RedisBroker) { b.pollTimeout = d }
}

func WithPromoteInterval(d time.Duration) Option {
	return func(b *RedisBroker) { b.promoteTick = d }
}

func WithStaleThreshold(d time.Duration) Option {
	return func(b *RedisBroker) { b.staleAfter = d }
}

// WithDeadHook 任务死信后的回调（记录终态失败事件用）
func WithDeadHook(fn func(ctx context.Context, dead *DeadJob)) Option {
	return func(b *RedisBroker) { b.onDead = fn }
}

func NewRedisBroker(rdb *redis.Client, namespace string, opts ...Option) *RedisBroker {
	b := &RedisBroker{
		rdb:         rdb,
		ns:          namespace,
		maxAttempts: 5,
		backoffBase: 2 * time.Second,
		backoffCap:  60 * time.Second,
		pollTimeout: 2 * time.Second,
		promoteTick: time.Second,
		staleAfter:  2 * time.Minute,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) dedupKey(queue, jobID string) string {
	return fmt.Sprintf("%s:q:%s:job:%s", b.ns, queue, jobID)
}
func (b *RedisBroker) pendingKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:pending", b.ns, queue)
}
func (b *RedisBroker) processingKey(queue, consumerID string) string {
	return fmt.Sprintf("%s:q:%s:processing:%s", b.ns, queue, consumerID)
}
func (b *RedisBroker) delayedKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:delayed", b.ns, queue)
}
func (b *RedisBroker) deadKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:dead", b.ns, queue)
}
func (b *RedisBroker) consumersKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:consumers", b.ns, queue)
}
func (b *RedisBroker) aliveKey(queue, consumerID string) string {
	return fmt.Sprintf("%s:q:%s:alive:%s", b.ns, queue, consumerID)
}

// Enqueue 入队一条任务；jobID 已出现过则返回 ErrDuplicateJob
func (b *RedisBroker) Enqueue(ctx context.Context, queue, jobID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env, err := json.Marshal(&Job{
		ID:         jobID,
		Queue:      queue,
		Payload:    body,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	n, err := enqueueScript.Run(ctx, b.rdb,
		[]string{b.dedupKey(queue, jobID), b.pendingKey(queue)}, string(env)).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrDuplicateJob
	}
	return nil
}

// Consume 启动 concurrency 个消费者外加 promoter/reaper 协程后立即返回
func (b *RedisBroker) Consume(ctx context.Context, queue string, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 8
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		consumerID := uuid.New().String()
		b.wg.Add(1)
		go b.consumeLoop(ctx, queue, consumerID, handler)
	}
	b.wg.Add(2)
	go b.promoteLoop(ctx, queue)
	go b.reapLoop(ctx, queue)
	return nil
}

func (b *RedisBroker) consumeLoop(ctx context.Context, queue, consumerID string, handler Handler) {
	defer b.wg.Done()
	procKey := b.processingKey(queue, consumerID)
	b.rdb.SAdd(ctx, b.consumersKey(queue), consumerID)
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		b.rdb.Set(ctx, b.aliveKey(queue, consumerID), "1", b.staleAfter)

		raw, err := b.rdb.BLMove(ctx, b.pendingKey(queue), procKey, "RIGHT", "LEFT", b.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("broker dequeue failed", zap.Error(err))
			time.Sleep(b.pollTimeout)
			continue
		}
		b.handleOne(ctx, queue, procKey, raw, handler)
	}
}

func (b *RedisBroker) handleOne(ctx context.Context, queue, procKey, raw string, handler Handler) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 信封坏了没法重试，直接死信留证
		logger.Error("broker drop unparsable envelope", zap.Error(err))
		b.deadLetterRaw(ctx, queue, procKey, raw, &job, "unparsable envelope")
		return
	}

	err := handler(ctx, &job)
	switch {
	case err == nil:
		b.rdb.LRem(ctx, procKey, 1, raw)
	case IsPermanent(err):
		b.deadLetterRaw(ctx, queue, procKey, raw, &job, err.Error())
	case job.Attempt+1 >= b.maxAttempts:
		b.deadLetterRaw(ctx, queue, procKey, raw, &job,
			fmt.Sprintf("retry budget exhausted: %v", err))
	default:
		b.retry(ctx, queue, procKey, raw, &job)
	}
}

func (b *RedisBroker) retry(ctx context.Context, queue, procKey, raw string, job *Job) {
	next := *job
	next.Attempt++
	env, err := json.Marshal(&next)
	if err != nil {
		logger.Error("broker marshal retry envelope", zap.Error(err))
		return
	}
	readyAt := time.Now().Add(Backoff(next.Attempt, b.backoffBase, b.backoffCap))
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, b.delayedKey(queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(env)})
	pipe.LRem(ctx, procKey, 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("broker schedule retry failed", zap.String("job", job.ID), zap.Error(err))
	}
}

func (b *RedisBroker) deadLetterRaw(ctx context.Context, queue, procKey, raw string, job *Job, reason string) {
	dead := &DeadJob{Job: *job, Reason: reason, DiedAt: time.Now().UTC()}
	env, err := json.Marshal(dead)
	if err != nil {
		logger.Error("broker marshal dead envelope", zap.Error(err))
		return
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, b.deadKey(queue), string(env))
	pipe.LRem(ctx, procKey, 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("broker dead-letter failed", zap.String("job", job.ID), zap.Error(err))
		return
	}
	logger.Warn("job dead-lettered",
		zap.String("job", job.ID), zap.Int("attempt", job.Attempt), zap.String("reason", reason))
	if b.onDead != nil {
		b.onDead(ctx, dead)
	}
}

// promoteLoop 把到点的延迟任务搬回 pending
func (b *RedisBroker) promoteLoop(ctx context.Context, queue string) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.promoteTick)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.promoteDue(ctx, queue)
		}
	}
}

func (b *RedisBroker) promoteDue(ctx context.Context, queue string) {
	now := float64(time.Now().UnixMilli())
	members, err := b.rdb.ZRangeByScore(ctx, b.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 128,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		// ZREM 只有一个赢家，多实例同时 promote 也不会重复入队
		n, err := b.rdb.ZRem(ctx, b.delayedKey(queue), m).Result()
		if err != nil || n == 0 {
			continue
		}
		b.rdb.LPush(ctx, b.pendingKey(queue), m)
	}
}

// reapLoop 把挂掉消费者的 processing 列表搬回 pending（崩溃重投）
func (b *RedisBroker) reapLoop(ctx context.Context, queue string) {
	defer b.wg.Done()
	interval := b.staleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reapStale(ctx, queue)
		}
	}
}

func (b *RedisBroker) reapStale(ctx context.Context, queue string) {
	consumers, err := b.rdb.SMembers(ctx, b.consumersKey(queue)).Result()
	if err != nil {
		return
	}
	for _, cid := range consumers {
		alive, err := b.rdb.Exists(ctx, b.aliveKey(queue, cid)).Result()
		if err != nil || alive > 0 {
			continue
		}
		procKey := b.processingKey(queue, cid)
		for {
			if _, err := b.rdb.LMove(ctx, procKey, b.pendingKey(queue), "RIGHT", "LEFT").Result(); err != nil {
				break
			}
		}
		b.rdb.SRem(ctx, b.consumersKey(queue), cid)
	}
}

// Stop 通知所有协程退出并等待在手任务处理完
func (b *RedisBroker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadJobs 返回最近的死信任务（新的在前）
func (b *RedisBroker) DeadJobs(ctx context.Context, queue string, limit int) ([]*DeadJob, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := b.rdb.LRange(ctx, b.deadKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	res := make([]*DeadJob, 0, len(raws))
	for _, raw := range raws {
		var d DeadJob
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		res = append(res, &d)
	}
	return res, nil
}

// RequeueDead 把一条死信搬回 pending，重置尝试计数。
// 去重标记保持原样：任务标识本来就该只入队一次，重放走这里。
func (b *RedisBroker) RequeueDead(ctx context.Context, queue, jobID string) error {
	raws, err := b.rdb.LRange(ctx, b.deadKey(queue), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var d DeadJob
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		if d.ID != jobID {
			continue
		}
		d.Job.Attempt = 0
		env, err := json.Marshal(&d.Job)
		if err != nil {
			return err
		}
		pipe := b.rdb.TxPipeline()
		pipe.LRem(ctx, b.deadKey(queue), 1, raw)
		pipe.LPush(ctx, b.pendingKey(queue), string(env))
		_, err = pipe.Exec(ctx)
		return err
	}
	return ErrJobNotFound
}

var _ Broker = (*RedisBroker)(nil)
