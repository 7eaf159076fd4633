package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// waitFor 轮询等待条件成立，超时即失败
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorkerProcessesAndCompletes(t *testing.T) {
	notifier := NewNotifier(QueueLLMRequests)
	store := NewMemoryStore[testPayload](QueueLLMRequests, 2, notifier)

	var mu sync.Mutex
	var seen []string
	worker := NewWorker[testPayload](QueueLLMRequests, store, notifier, 50*time.Millisecond,
		func(ctx context.Context, item *Item[testPayload]) error {
			mu.Lock()
			seen = append(seen, item.Payload.Note)
			mu.Unlock()
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	ctxBg := context.Background()
	store.Enqueue(ctxBg, testPayload{Note: "a"}, PriorityNormal)
	store.Enqueue(ctxBg, testPayload{Note: "b"}, PriorityNormal)

	waitFor(t, 2*time.Second, func() bool {
		items, _ := store.ListByStatus(ctxBg, StatusCompleted)
		return len(items) == 2
	}, "两个条目都应被处理并完成")

	mu.Lock()
	if len(seen) != 2 {
		t.Errorf("处理回调应被调用 2 次, got %d", len(seen))
	}
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("取消后 worker 没有退出")
	}
}

func TestWorkerFailsItemOnHandlerError(t *testing.T) {
	notifier := NewNotifier(QueuePlayerActions)
	store := NewMemoryStore[testPayload](QueuePlayerActions, 1, notifier)

	worker := NewWorker[testPayload](QueuePlayerActions, store, notifier, 50*time.Millisecond,
		func(ctx context.Context, item *Item[testPayload]) error {
			return errors.New("模型调用失败")
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	ctxBg := context.Background()
	id, _ := store.Enqueue(ctxBg, testPayload{Note: "bad"}, PriorityNormal)

	waitFor(t, 2*time.Second, func() bool {
		item, err := store.Get(ctxBg, id)
		return err == nil && item.Status == StatusFailed
	}, "处理失败的条目应进入 failed 状态")

	item, _ := store.Get(ctxBg, id)
	if item.FailReason != "模型调用失败" {
		t.Errorf("失败原因应保留, got %q", item.FailReason)
	}
}

func TestWorkerWakesOnNotify(t *testing.T) {
	notifier := NewNotifier(QueueDMActions)
	store := NewMemoryStore[testPayload](QueueDMActions, 1, notifier)

	processed := make(chan string, 1)
	// 兜底轮询间隔拉长到 1 分钟，只有唤醒信号能让它及时干活
	worker := NewWorker[testPayload](QueueDMActions, store, notifier, time.Minute,
		func(ctx context.Context, item *Item[testPayload]) error {
			processed <- item.Payload.Note
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	// 等 worker 进入睡眠再入队
	time.Sleep(50 * time.Millisecond)
	store.Enqueue(context.Background(), testPayload{Note: "wake"}, PriorityNormal)

	select {
	case note := <-processed:
		if note != "wake" {
			t.Errorf("处理了错误的条目: %q", note)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("入队唤醒信号没有让 worker 及时处理")
	}
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	notifier := NewNotifier(QueueAssetGeneration)
	store := NewMemoryStore[testPayload](QueueAssetGeneration, 2, notifier)

	var mu sync.Mutex
	inflight, peak := 0, 0
	release := make(chan struct{})

	worker := NewWorker[testPayload](QueueAssetGeneration, store, notifier, 20*time.Millisecond,
		func(ctx context.Context, item *Item[testPayload]) error {
			mu.Lock()
			inflight++
			if inflight > peak {
				peak = inflight
			}
			mu.Unlock()

			<-release

			mu.Lock()
			inflight--
			mu.Unlock()
			return nil
		},
		WithConcurrency[testPayload](2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	ctxBg := context.Background()
	for i := 0; i < 5; i++ {
		store.Enqueue(ctxBg, testPayload{Note: "job"}, PriorityNormal)
	}

	// 等并发爬到上限
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inflight == 2
	}, "在途处理数应达到并发上限")

	close(release)

	waitFor(t, 2*time.Second, func() bool {
		items, _ := store.ListByStatus(ctxBg, StatusCompleted)
		return len(items) == 5
	}, "所有条目最终都应完成")

	mu.Lock()
	if peak > 2 {
		t.Errorf("并发峰值超过上限: %d", peak)
	}
	mu.Unlock()
}

func TestWorkerDrainsInflightOnCancel(t *testing.T) {
	// 两个后端都要验证：终态写入不能跟着取消的 ctx 一起失效,
	// durable 后端带取消 ctx 写库会把条目永远留在 processing
	forEachBackend(t, 2, func(t *testing.T, store Backend[testPayload]) {
		notifier := NewNotifier(QueueLLMRequests)

		started := make(chan struct{})
		worker := NewWorker[testPayload](QueueLLMRequests, store, notifier, 20*time.Millisecond,
			func(ctx context.Context, item *Item[testPayload]) error {
				close(started)
				time.Sleep(100 * time.Millisecond)
				return nil
			},
			WithConcurrency[testPayload](2))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			worker.Run(ctx)
			close(done)
		}()

		ctxBg := context.Background()
		id, _ := store.Enqueue(ctxBg, testPayload{Note: "slow"}, PriorityNormal)
		<-started

		// 处理中途取消：Run 退出前要把在途条目走完并落终态
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("取消后 worker 没有退出")
		}

		item, err := store.Get(ctxBg, id)
		if err != nil {
			t.Fatalf("读取条目失败: %v", err)
		}
		if item.Status != StatusCompleted {
			t.Errorf("在途条目应在退出前完成, got %s", item.Status)
		}
	})
}

func TestWorkerFailsItemAfterCancel(t *testing.T) {
	forEachBackend(t, 1, func(t *testing.T, store Backend[testPayload]) {
		notifier := NewNotifier(QueuePlayerActions)

		started := make(chan struct{})
		worker := NewWorker[testPayload](QueuePlayerActions, store, notifier, 20*time.Millisecond,
			func(ctx context.Context, item *Item[testPayload]) error {
				close(started)
				time.Sleep(100 * time.Millisecond)
				return errors.New("处理中断")
			})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			worker.Run(ctx)
			close(done)
		}()

		ctxBg := context.Background()
		id, _ := store.Enqueue(ctxBg, testPayload{Note: "doomed"}, PriorityNormal)
		<-started

		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("取消后 worker 没有退出")
		}

		// 失败路径同样要在取消后落终态
		item, err := store.Get(ctxBg, id)
		if err != nil {
			t.Fatalf("读取条目失败: %v", err)
		}
		if item.Status != StatusFailed {
			t.Errorf("在途条目应在退出前标记失败, got %s", item.Status)
		}
		if item.FailReason != "处理中断" {
			t.Errorf("失败原因应保留, got %q", item.FailReason)
		}
	})
}
