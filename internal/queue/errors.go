package queue

import "errors"

// 队列错误分类。存储层错误统一用 %w 包装 ErrStorage，
// 方便上层用 errors.Is 判断而不关心具体后端。
var (
	// ErrNotFound 条目不存在
	ErrNotFound = errors.New("queue item not found")

	// ErrConflict 条目已被处理（重复决策等竞态）
	ErrConflict = errors.New("queue item already processed")

	// ErrStorage 后端存储错误
	ErrStorage = errors.New("queue storage error")
)
