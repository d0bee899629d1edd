package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/pubqueue/internal/adapter"
	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/internal/model"
	"github.com/d60-Lab/pubqueue/internal/repository"
	"github.com/d60-Lab/pubqueue/internal/service"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 { return 0 }
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 { k = 0 }
	if k >= len(xs) { k = len(xs) - 1 }
	return xs[k]
}

// 本地端到端吞吐基准：准入 -> 扇出 -> worker 消费 -> 状态推导
func main() {
	ctx := context.Background()

	ITEMS := 500   // 准入请求数
	WORKERS := 8   // 消费并发
	DELAY := 2     // 模拟适配器耗时（毫秒）
	if s := os.Getenv("ITEMS"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { ITEMS = v } }
	if s := os.Getenv("WORKERS"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { WORKERS = v } }
	if s := os.Getenv("DELAY"); s != "" { if v, e := strconv.Atoi(s); e == nil && v >= 0 { DELAY = v } }

	mr := must(miniredis.Run())
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db := must(gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{TranslateError: true}))
	sqlDB := must(db.DB())
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.QueueItem{}, &model.Post{}, &model.OutboxEvent{}); err != nil { panic(err) }

	items := repository.NewQueueItemRepository(db)
	posts := repository.NewPostRepository(db)
	outbox := repository.NewOutboxRepository(db)

	worker := service.NewPublishWorker(items, posts, outbox,
		adapter.NewSimulatedPublisher(time.Duration(DELAY)*time.Millisecond))
	b := broker.NewRedisBroker(rdb, "bench",
		broker.WithPollTimeout(50*time.Millisecond),
		broker.WithPromoteInterval(50*time.Millisecond),
		broker.WithDeadHook(worker.RecordFailure),
	)
	dispatcher := service.NewDispatcher(b, "publish")
	admission := service.NewAdmissionService(items, dispatcher)
	if err := worker.Start(ctx, b, "publish", WORKERS); err != nil { panic(err) }

	caller := service.Identity{OrgID: "org_bench", UserID: "u_bench"}
	admitLat := make([]time.Duration, 0, ITEMS)
	ids := make([]string, 0, ITEMS)

	start := time.Now()
	for i := 0; i < ITEMS; i++ {
		st := time.Now()
		item, _, err := admission.Admit(ctx, uuid.NewString(), &service.PublishRequest{
			AssetID:   uuid.NewString(),
			Title:     fmt.Sprintf("bench post %d", i),
			Platforms: []string{"youtube", "instagram", "x"},
		}, caller)
		if err != nil { panic(err) }
		admitLat = append(admitLat, time.Since(st))
		ids = append(ids, item.ID)
	}
	admitDone := time.Since(start)

	// 等全部队列项到达 published
	deadline := time.After(120 * time.Second)
	for remaining := len(ids); remaining > 0; {
		select {
		case <-deadline:
			fmt.Printf("TIMEOUT with %d items unresolved\n", remaining)
			os.Exit(1)
		case <-time.After(100 * time.Millisecond):
		}
		remaining = 0
		for _, id := range ids {
			it, err := items.GetByID(ctx, id)
			if err != nil { panic(err) }
			if it.Status != model.StatusPublished { remaining++ }
		}
	}
	total := time.Since(start)
	_ = b.Stop(ctx)

	jobs := ITEMS * 3
	fmt.Printf("items=%d jobs=%d workers=%d adapter_delay=%dms\n", ITEMS, jobs, WORKERS, DELAY)
	fmt.Printf("admission: total=%v avg=%v p50=%v p95=%v p99=%v\n",
		admitDone, admitDone/time.Duration(ITEMS), pct(admitLat, 0.50), pct(admitLat, 0.95), pct(admitLat, 0.99))
	fmt.Printf("end-to-end: total=%v throughput=%.1f jobs/s\n", total, float64(jobs)/total.Seconds())
}
