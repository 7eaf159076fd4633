package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"backend/internal/logger"
	"backend/internal/metrics"
)

// HandlerFunc 条目处理函数。返回 nil 则 Complete，返回错误则 Fail。
type HandlerFunc[T any] func(ctx context.Context, item *Item[T]) error

// storeErrorBackoff 存储出错后的退避时间，防止坏库时空转刷日志
const storeErrorBackoff = time.Second

// Worker 通用队列消费循环：
//
//	取消检查 -> Dequeue -> 处理 -> Complete/Fail
//
// 队列空时在 Notifier 上睡眠，recovery 间隔兜底轮询。
// 默认串行处理；WithConcurrency 之后先占槽位再认领，
// 在途数量永远不会超过槽位数。
type Worker[T any] struct {
	name     string
	store    Store[T]
	notifier *Notifier
	recovery time.Duration
	handler  HandlerFunc[T]
	slots    chan struct{}
	log      *zap.Logger
	wg       sync.WaitGroup
}

// WorkerOption worker 配置项
type WorkerOption[T any] func(*Worker[T])

// WithConcurrency 并发处理，最多 n 个条目同时在途
func WithConcurrency[T any](n int) WorkerOption[T] {
	return func(w *Worker[T]) {
		if n > 1 {
			w.slots = make(chan struct{}, n)
		}
	}
}

// NewWorker 创建 worker。recovery 是空队列时的兜底轮询间隔。
func NewWorker[T any](name string, store Store[T], notifier *Notifier, recovery time.Duration, handler HandlerFunc[T], opts ...WorkerOption[T]) *Worker[T] {
	w := &Worker[T]{
		name:     name,
		store:    store,
		notifier: notifier,
		recovery: recovery,
		handler:  handler,
		log:      logger.Get().With(zap.String("queue", name)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run 阻塞消费直到 ctx 取消。取消后等所有在途条目处理完再返回。
func (w *Worker[T]) Run(ctx context.Context) {
	w.log.Info("队列 worker 启动",
		zap.Duration("recovery_interval", w.recovery),
		zap.Int("concurrency", w.concurrency()))

	for {
		if ctx.Err() != nil {
			break
		}

		// 1. 有并发上限时先占槽位再认领，不会超量取件
		if w.slots != nil {
			select {
			case w.slots <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		// 2. 原子认领
		item, err := w.store.Dequeue(ctx)
		if err != nil {
			w.release()
			if ctx.Err() != nil {
				break
			}
			w.log.Error("出队失败，退避后重试", zap.Error(err))
			w.sleep(ctx, storeErrorBackoff)
			continue
		}

		// 3. 队列空，睡到被唤醒或兜底超时
		if item == nil {
			w.release()
			w.notifier.Wait(ctx, w.recovery)
			continue
		}

		// 4. 处理并落终态
		if w.slots == nil {
			w.process(ctx, item)
			continue
		}
		w.wg.Add(1)
		go func(item *Item[T]) {
			defer w.wg.Done()
			defer w.release()
			w.process(ctx, item)
		}(item)
	}

	w.wg.Wait()
	w.log.Info("队列 worker 退出")
}

func (w *Worker[T]) process(ctx context.Context, item *Item[T]) {
	start := time.Now()
	err := w.handler(ctx, item)
	metrics.QueueProcessDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())

	// 终态写入不能跟着 ctx 一起取消：排空阶段 ctx 已经取消，
	// durable 后端若带着取消的 ctx 写库会失败，条目就永远卡在
	// processing。
	ctx = context.WithoutCancel(ctx)

	if err != nil {
		w.log.Warn("条目处理失败",
			zap.String("item_id", item.ID),
			zap.Int("attempts", item.Attempts),
			zap.Error(err))
		metrics.QueueItemsFailed.WithLabelValues(w.name).Inc()
		if ok, ferr := w.store.Fail(ctx, item.ID, err.Error()); ferr != nil {
			w.log.Error("标记失败状态出错", zap.String("item_id", item.ID), zap.Error(ferr))
		} else if !ok {
			// 处理期间被别处改了状态（如审批延迟重试），不覆盖
			w.log.Debug("条目已不在 processing 状态，跳过 Fail", zap.String("item_id", item.ID))
		}
		return
	}

	metrics.QueueItemsProcessed.WithLabelValues(w.name).Inc()
	if ok, cerr := w.store.Complete(ctx, item.ID); cerr != nil {
		w.log.Error("标记完成状态出错", zap.String("item_id", item.ID), zap.Error(cerr))
	} else if !ok {
		w.log.Debug("条目已不在 processing 状态，跳过 Complete", zap.String("item_id", item.ID))
	}
}

func (w *Worker[T]) release() {
	if w.slots != nil {
		<-w.slots
	}
}

func (w *Worker[T]) concurrency() int {
	if w.slots == nil {
		return 1
	}
	return cap(w.slots)
}

func (w *Worker[T]) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
