package notification

import (
	"context"
	"sync"
)

// OfflineStore 缓存断线期间错过的消息，重连时重放。
// DM 掉线时积压的审批推送靠这个找回来。
type OfflineStore interface {
	Append(ctx context.Context, worldID string, role Role, payload []byte) error
	Drain(ctx context.Context, worldID string, role Role) ([][]byte, error)
}

// MemoryOfflineStore 进程内实现，按世界 + 角色分桶，超限丢最旧的
type MemoryOfflineStore struct {
	mu    sync.Mutex
	limit int
	data  map[string]map[Role][][]byte
}

// NewMemoryOfflineStore 创建内存离线存储
func NewMemoryOfflineStore(limit int) *MemoryOfflineStore {
	if limit <= 0 {
		limit = 50
	}
	return &MemoryOfflineStore{
		limit: limit,
		data:  make(map[string]map[Role][][]byte),
	}
}

// Append 追加一条离线消息
func (s *MemoryOfflineStore) Append(_ context.Context, worldID string, role Role, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[worldID]; !ok {
		s.data[worldID] = make(map[Role][][]byte)
	}
	buffered := append(s.data[worldID][role], append([]byte(nil), payload...))
	if len(buffered) > s.limit {
		buffered = buffered[len(buffered)-s.limit:]
	}
	s.data[worldID][role] = buffered
	return nil
}

// Drain 取走并清空积压，按接收顺序返回
func (s *MemoryOfflineStore) Drain(_ context.Context, worldID string, role Role) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buffered := s.data[worldID][role]
	delete(s.data[worldID], role)
	if len(s.data[worldID]) == 0 {
		delete(s.data, worldID)
	}
	return buffered, nil
}
