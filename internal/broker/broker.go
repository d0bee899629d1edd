package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDuplicateJob 任务标识已入过队；调度方视为无事发生
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrJobNotFound 死信队列里找不到指定任务
	ErrJobNotFound = errors.New("job not found")
)

// Job 队列中的一条任务信封
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DeadJob 耗尽重试预算（或永久失败）后进入死信的任务
type DeadJob struct {
	Job
	Reason string    `json:"reason"`
	DiedAt time.Time `json:"died_at"`
}

// Handler 处理一条任务。返回 nil 即 ack；普通错误按退避重试；
// Permanent 包装的错误直接死信，不再投递。
type Handler func(ctx context.Context, job *Job) error

// Broker 持久队列契约：按任务标识去重入队，至少一次投递消费
type Broker interface {
	Enqueue(ctx context.Context, queue, jobID string, payload interface{}) error
	Consume(ctx context.Context, queue string, handler Handler, concurrency int) error
	Stop(ctx context.Context) error
	DeadJobs(ctx context.Context, queue string, limit int) ([]*DeadJob, error)
	RequeueDead(ctx context.Context, queue, jobID string) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的失败（如任务引用的实体不存在）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Backoff 第 attempt 次重试前的等待时长：base 指数翻倍，cap 封顶
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		d = cap
	}
	return d
}
