package queue

import (
	"context"
	"time"
)

// Store 通用队列存储接口。两个后端（内存 / GORM）都实现同一套语义：
//   - Dequeue 原子认领：条目从 pending/到期 delayed 原子流转到 processing，
//     并发调用不会取到同一条
//   - Complete/Fail/Delay 只作用于 processing 状态的条目，状态不符返回 false
//   - Depth 统计待处理深度（pending + delayed）
type Store[T any] interface {
	// Enqueue 入队，返回新条目 ID
	Enqueue(ctx context.Context, payload T, priority uint8) (string, error)

	// Dequeue 原子取出下一条就绪条目并置为 processing。
	// 队列为空返回 (nil, nil)。
	// 排序：优先级降序，同优先级按入队先后。
	Dequeue(ctx context.Context) (*Item[T], error)

	// Peek 查看下一条就绪条目但不改状态，空队列返回 (nil, nil)
	Peek(ctx context.Context) (*Item[T], error)

	// Complete 标记处理成功。条目不在 processing 状态时返回 (false, nil)。
	Complete(ctx context.Context, id string) (bool, error)

	// Fail 标记处理失败并记录原因。条目不在 processing 状态时返回 (false, nil)。
	Fail(ctx context.Context, id string, reason string) (bool, error)

	// Delay 把条目推迟到 until 之后再投递（重试场景）。
	// 条目不在 pending/processing 状态时返回 (false, nil)。
	Delay(ctx context.Context, id string, until time.Time) (bool, error)

	// Get 按 ID 查询，不存在返回 ErrNotFound
	Get(ctx context.Context, id string) (*Item[T], error)

	// ListByStatus 按状态列出本队列的条目
	ListByStatus(ctx context.Context, status Status) ([]Item[T], error)

	// Depth 待处理深度（pending + delayed 条目数）
	Depth(ctx context.Context) (int, error)

	// Cleanup 删除 updated_at 早于 retention 的终态（completed/failed）条目，
	// 返回删除数量
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

// ProcessingStore 带并发容量控制的队列，供 LLM / 素材生成等
// 需要限制在途数量的 worker 使用。
type ProcessingStore[T any] interface {
	Store[T]

	// BatchSize 最大并发处理数
	BatchSize() int

	// ProcessingCount 当前 processing 状态的条目数
	ProcessingCount(ctx context.Context) (int, error)

	// HasCapacity 在途数量是否还没到 BatchSize
	HasCapacity(ctx context.Context) (bool, error)
}

// ApprovalStore 审批队列扩展：按世界查询 + 按 ID 认领 + 超时过期
type ApprovalStore[T any] interface {
	Store[T]

	// Claim 按 ID 原子认领：就绪条目 -> Processing。
	// 审批决策不走 Dequeue（DM 挑的是具体某一条），靠这个拿到处理权。
	// 就绪的判定和 Dequeue 一致：pending，或 delayed 且已到投递时间。
	// 条目不存在返回 ErrNotFound；未就绪返回 (false, nil)，
	// 并发的第二个决策在这里拿不到认领权，实现决策幂等。
	Claim(ctx context.Context, id string) (bool, error)

	// ListByWorld 列出指定世界的在途条目（pending + processing，
	// 外加已到投递时间的 delayed）
	ListByWorld(ctx context.Context, worldID string) ([]Item[T], error)

	// HistoryByWorld 指定世界的历史条目（completed/failed/expired），
	// 按更新时间倒序，最多 limit 条
	HistoryByWorld(ctx context.Context, worldID string, limit int) ([]Item[T], error)

	// ExpireOld 把创建时间早于 timeout 的 pending/delayed 条目标记为 expired，
	// 返回标记数量
	ExpireOld(ctx context.Context, timeout time.Duration) (int, error)
}

// Backend 完整后端：同时满足全部扩展接口。
// 工厂统一返回 Backend，调用方按需收窄。
type Backend[T any] interface {
	ProcessingStore[T]
	ApprovalStore[T]
}
