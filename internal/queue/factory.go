package queue

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// 后端类型
const (
	BackendMemory  = "memory"  // 进程内，重启丢失
	BackendDurable = "durable" // GORM 持久化（SQLite / PostgreSQL）
)

// Factory 按名称创建队列实例，并保证每个队列只有一个 Notifier：
// 入队方和 worker 拿到的必须是同一个，唤醒信号才接得上。
type Factory struct {
	backend string
	db      *gorm.DB

	mu        sync.Mutex
	notifiers map[string]*Notifier
}

// NewFactory 创建队列工厂。durable 后端需要传 db，并在这里统一迁移表结构。
// 配置里写 sqlite / postgres 等同于 durable（引擎由数据库配置决定）。
func NewFactory(backend string, db *gorm.DB) (*Factory, error) {
	switch backend {
	case BackendMemory:
	case "sqlite", "postgres":
		backend = BackendDurable
		fallthrough
	case BackendDurable:
		if db == nil {
			return nil, errors.New("durable 队列后端需要数据库连接")
		}
		if err := db.AutoMigrate(&itemRecord{}); err != nil {
			return nil, fmt.Errorf("迁移 queue_items 表失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("未知的队列后端: %s", backend)
	}

	return &Factory{
		backend:   backend,
		db:        db,
		notifiers: make(map[string]*Notifier),
	}, nil
}

// Backend 当前后端类型
func (f *Factory) Backend() string {
	return f.backend
}

// Notifier 返回指定队列的唤醒器，同名共享同一个实例
func (f *Factory) Notifier(name string) *Notifier {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.notifiers[name]
	if !ok {
		n = NewNotifier(name)
		f.notifiers[name] = n
	}
	return n
}

// Build 创建指定名称和载荷类型的队列。
// Go 的方法不支持类型参数，所以做成包级函数。
func Build[T any](f *Factory, name string, batchSize int) Backend[T] {
	notifier := f.Notifier(name)
	if f.backend == BackendDurable {
		return NewGormStore[T](f.db, name, batchSize, notifier)
	}
	return NewMemoryStore[T](name, batchSize, notifier)
}
