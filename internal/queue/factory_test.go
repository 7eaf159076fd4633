package queue

import (
	"context"
	"testing"
	"time"
)

func TestFactoryValidatesBackend(t *testing.T) {
	if _, err := NewFactory("redis", nil); err == nil {
		t.Error("未知后端应报错")
	}
	if _, err := NewFactory(BackendDurable, nil); err == nil {
		t.Error("durable 后端缺少数据库连接应报错")
	}
	if _, err := NewFactory(BackendMemory, nil); err != nil {
		t.Errorf("memory 后端不需要数据库: %v", err)
	}
}

func TestFactorySharesNotifierPerQueue(t *testing.T) {
	f, err := NewFactory(BackendMemory, nil)
	if err != nil {
		t.Fatalf("创建工厂失败: %v", err)
	}

	if f.Notifier(QueueApprovals) != f.Notifier(QueueApprovals) {
		t.Error("同名队列应共享同一个 Notifier")
	}
	if f.Notifier(QueueApprovals) == f.Notifier(QueueLLMRequests) {
		t.Error("不同队列的 Notifier 应相互独立")
	}
}

func TestFactoryBuildWiresEnqueueToNotifier(t *testing.T) {
	f, _ := NewFactory(BackendMemory, nil)
	store := Build[testPayload](f, QueueLLMRequests, 2)

	// 入队方写的信号，worker 持有的同名 Notifier 要能收到
	if _, err := store.Enqueue(context.Background(), testPayload{Note: "x"}, PriorityNormal); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	if !f.Notifier(QueueLLMRequests).Wait(context.Background(), time.Second) {
		t.Error("入队应唤醒队列的 Notifier")
	}
}

func TestFactoryDurableQueuesShareDatabase(t *testing.T) {
	db := setupTestDB(t)
	f, err := NewFactory(BackendDurable, db)
	if err != nil {
		t.Fatalf("创建 durable 工厂失败: %v", err)
	}

	ctx := context.Background()
	llm := Build[testPayload](f, QueueLLMRequests, 2)
	approvals := Build[testPayload](f, QueueApprovals, 1)

	llm.Enqueue(ctx, testPayload{Note: "llm"}, PriorityNormal)
	approvals.Enqueue(ctx, testPayload{Note: "approval"}, PriorityNormal)

	// 共表不串队：每个队列只看到自己的条目
	if depth, _ := llm.Depth(ctx); depth != 1 {
		t.Errorf("llm 队列深度应为 1, got %d", depth)
	}
	item, _ := approvals.Dequeue(ctx)
	if item == nil || item.Payload.Note != "approval" {
		t.Errorf("approvals 队列应只出自己的条目")
	}
}
