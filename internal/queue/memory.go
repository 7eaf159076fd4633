package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存队列后端。开发环境和测试用，进程退出即丢失。
// 所有操作持锁完成，天然满足 Dequeue 的原子认领语义。
type MemoryStore[T any] struct {
	mu        sync.Mutex
	name      string
	batchSize int
	notifier  *Notifier
	items     map[string]*memoryEntry[T]
	nextSeq   int64
	now       func() time.Time // 测试可注入
}

type memoryEntry[T any] struct {
	seq  int64
	item Item[T]
}

// NewMemoryStore 创建内存队列
func NewMemoryStore[T any](name string, batchSize int, notifier *Notifier) *MemoryStore[T] {
	return &MemoryStore[T]{
		name:      name,
		batchSize: batchSize,
		notifier:  notifier,
		items:     make(map[string]*memoryEntry[T]),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue 入队并唤醒 worker
func (s *MemoryStore[T]) Enqueue(ctx context.Context, payload T, priority uint8) (string, error) {
	s.mu.Lock()
	now := s.now()
	s.nextSeq++
	item := Item[T]{
		ID:        newItemID(),
		QueueName: s.name,
		WorldID:   payloadWorldID(payload),
		Payload:   payload,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[item.ID] = &memoryEntry[T]{seq: s.nextSeq, item: item}
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return item.ID, nil
}

// Dequeue 取出下一条就绪条目并置为 processing
func (s *MemoryStore[T]) Dequeue(ctx context.Context) (*Item[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.nextReady()
	if entry == nil {
		return nil, nil
	}
	entry.item.Status = StatusProcessing
	entry.item.Attempts++
	entry.item.UpdatedAt = s.now()
	item := entry.item
	return &item, nil
}

// Peek 查看下一条就绪条目，不改状态
func (s *MemoryStore[T]) Peek(ctx context.Context) (*Item[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.nextReady()
	if entry == nil {
		return nil, nil
	}
	item := entry.item
	return &item, nil
}

// nextReady 找最高优先级的就绪条目（调用方持锁）。
// 就绪 = pending，或 delayed 且已到投递时间。
func (s *MemoryStore[T]) nextReady() *memoryEntry[T] {
	now := s.now()
	var best *memoryEntry[T]
	for _, e := range s.items {
		switch e.item.Status {
		case StatusPending:
		case StatusDelayed:
			if e.item.DelayedUntil == nil || e.item.DelayedUntil.After(now) {
				continue
			}
		default:
			continue
		}
		if best == nil ||
			e.item.Priority > best.item.Priority ||
			(e.item.Priority == best.item.Priority && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// Complete 标记处理成功
func (s *MemoryStore[T]) Complete(ctx context.Context, id string) (bool, error) {
	return s.transition(id, StatusProcessing, StatusCompleted, "", nil)
}

// Fail 标记处理失败
func (s *MemoryStore[T]) Fail(ctx context.Context, id string, reason string) (bool, error) {
	return s.transition(id, StatusProcessing, StatusFailed, reason, nil)
}

// Delay 推迟到 until 之后再投递
func (s *MemoryStore[T]) Delay(ctx context.Context, id string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.item.Status != StatusPending && e.item.Status != StatusProcessing {
		return false, nil
	}
	u := until.UTC()
	e.item.Status = StatusDelayed
	e.item.DelayedUntil = &u
	e.item.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore[T]) transition(id string, from, to Status, reason string, until *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.item.Status != from {
		return false, nil
	}
	e.item.Status = to
	e.item.FailReason = reason
	e.item.DelayedUntil = until
	e.item.UpdatedAt = s.now()
	return true, nil
}

// Get 按 ID 查询
func (s *MemoryStore[T]) Get(ctx context.Context, id string) (*Item[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	item := e.item
	return &item, nil
}

// ListByStatus 按状态列出，入队先后排序
func (s *MemoryStore[T]) ListByStatus(ctx context.Context, status Status) ([]Item[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.collect(func(e *memoryEntry[T]) bool { return e.item.Status == status })
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return copyItems(entries), nil
}

// Depth 待处理深度（pending + delayed）
func (s *MemoryStore[T]) Depth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.items {
		if e.item.Status == StatusPending || e.item.Status == StatusDelayed {
			count++
		}
	}
	return count, nil
}

// Cleanup 删除超过保留期的终态条目
func (s *MemoryStore[T]) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	removed := 0
	for id, e := range s.items {
		if (e.item.Status == StatusCompleted || e.item.Status == StatusFailed) &&
			e.item.UpdatedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed, nil
}

// BatchSize 最大并发处理数
func (s *MemoryStore[T]) BatchSize() int {
	return s.batchSize
}

// ProcessingCount 在途条目数
func (s *MemoryStore[T]) ProcessingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.items {
		if e.item.Status == StatusProcessing {
			count++
		}
	}
	return count, nil
}

// HasCapacity 是否还有并发余量
func (s *MemoryStore[T]) HasCapacity(ctx context.Context) (bool, error) {
	count, err := s.ProcessingCount(ctx)
	if err != nil {
		return false, err
	}
	return count < s.batchSize, nil
}

// Claim 按 ID 认领：就绪条目 -> Processing。
// 就绪的判定和 Dequeue 一致：pending，或 delayed 且已到投递时间，
// 被推迟的审批到点后可以重新被决策。
func (s *MemoryStore[T]) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if !claimable(&e.item, s.now()) {
		return false, nil
	}
	e.item.Status = StatusProcessing
	e.item.DelayedUntil = nil
	e.item.Attempts++
	e.item.UpdatedAt = s.now()
	return true, nil
}

// claimable 按 ID 认领的就绪判定，和 Dequeue 口径一致
func claimable[T any](item *Item[T], now time.Time) bool {
	switch item.Status {
	case StatusPending:
		return true
	case StatusDelayed:
		return item.DelayedUntil != nil && !item.DelayedUntil.After(now)
	default:
		return false
	}
}

// ListByWorld 指定世界的在途条目。
// 推迟中的条目到点后重新可见，推迟期内不出现在列表里。
func (s *MemoryStore[T]) ListByWorld(ctx context.Context, worldID string) ([]Item[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entries := s.collect(func(e *memoryEntry[T]) bool {
		return e.item.WorldID == worldID &&
			(e.item.Status == StatusProcessing || claimable(&e.item, now))
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].item.Priority != entries[j].item.Priority {
			return entries[i].item.Priority > entries[j].item.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	return copyItems(entries), nil
}

// HistoryByWorld 指定世界的历史条目，更新时间倒序
func (s *MemoryStore[T]) HistoryByWorld(ctx context.Context, worldID string, limit int) ([]Item[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.collect(func(e *memoryEntry[T]) bool {
		return e.item.WorldID == worldID && e.item.Status.Terminal()
	})
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].item.UpdatedAt.Equal(entries[j].item.UpdatedAt) {
			return entries[i].item.UpdatedAt.After(entries[j].item.UpdatedAt)
		}
		return entries[i].seq > entries[j].seq
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return copyItems(entries), nil
}

// ExpireOld 标记超时未处理的条目为 expired
func (s *MemoryStore[T]) ExpireOld(ctx context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	expired := 0
	for _, e := range s.items {
		if (e.item.Status == StatusPending || e.item.Status == StatusDelayed) &&
			e.item.CreatedAt.Before(cutoff) {
			e.item.Status = StatusExpired
			e.item.UpdatedAt = s.now()
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryStore[T]) collect(match func(*memoryEntry[T]) bool) []*memoryEntry[T] {
	var entries []*memoryEntry[T]
	for _, e := range s.items {
		if match(e) {
			entries = append(entries, e)
		}
	}
	return entries
}

func copyItems[T any](entries []*memoryEntry[T]) []Item[T] {
	items := make([]Item[T], 0, len(entries))
	for _, e := range entries {
		items = append(items, e.item)
	}
	return items
}
