package queue

import (
	"context"
	"time"
)

// Notifier 进程内唤醒信号。入队方调用 Notify，空转中的 worker 在
// Wait 上阻塞，有新工作时立刻醒来而不用等轮询间隔。
//
// 通道容量为 1：worker 睡眠期间来多少次 Notify 都只合并成一次唤醒，
// 醒来后的 Dequeue 循环自然会把积压取完。
type Notifier struct {
	name string
	ch   chan struct{}
}

// NewNotifier 创建指定队列的唤醒器
func NewNotifier(name string) *Notifier {
	return &Notifier{
		name: name,
		ch:   make(chan struct{}, 1),
	}
}

// Name 队列名称
func (n *Notifier) Name() string {
	return n.name
}

// Notify 发出唤醒信号，从不阻塞。信号已挂起时直接丢弃。
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait 阻塞等待唤醒信号，最多等 timeout（兜底轮询间隔，
// 防止信号丢失时 worker 永远睡死）。
// 返回 true 表示被信号唤醒，false 表示超时或 ctx 取消。
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-n.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
