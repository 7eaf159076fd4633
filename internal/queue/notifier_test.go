package queue

import (
	"context"
	"testing"
	"time"
)

func TestNotifierWakesWaiter(t *testing.T) {
	n := NewNotifier("test")

	n.Notify()
	if !n.Wait(context.Background(), time.Second) {
		t.Fatal("挂起的信号应立即唤醒 Wait")
	}
}

func TestNotifierCoalescesSignals(t *testing.T) {
	n := NewNotifier("test")

	// 睡眠期间的多次 Notify 合并成一次唤醒
	n.Notify()
	n.Notify()
	n.Notify()

	if !n.Wait(context.Background(), time.Second) {
		t.Fatal("第一次 Wait 应被唤醒")
	}
	if n.Wait(context.Background(), 20*time.Millisecond) {
		t.Fatal("合并后的第二次 Wait 应超时")
	}
}

func TestNotifierWaitTimesOut(t *testing.T) {
	n := NewNotifier("test")

	start := time.Now()
	if n.Wait(context.Background(), 30*time.Millisecond) {
		t.Fatal("无信号时 Wait 应超时返回 false")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Wait 提前返回了")
	}
}

func TestNotifierWaitRespectsCancellation(t *testing.T) {
	n := NewNotifier("test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- n.Wait(ctx, time.Minute)
	}()

	cancel()

	select {
	case woke := <-done:
		if woke {
			t.Error("取消时 Wait 应返回 false")
		}
	case <-time.After(time.Second):
		t.Fatal("取消后 Wait 没有及时返回")
	}
}

func TestNotifierNotifyNeverBlocks(t *testing.T) {
	n := NewNotifier("test")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("无人等待时 Notify 不应阻塞")
	}
}
