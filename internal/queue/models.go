package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// newItemID 生成条目 ID
func newItemID() string {
	return uuid.New().String()
}

// Status 队列条目状态
type Status string

const (
	StatusPending    Status = "pending"    // 待处理
	StatusProcessing Status = "processing" // 处理中（已被某个 worker 认领）
	StatusCompleted  Status = "completed"  // 处理成功
	StatusFailed     Status = "failed"     // 处理失败
	StatusDelayed    Status = "delayed"    // 延迟到 DelayedUntil 之后再投递
	StatusExpired    Status = "expired"    // 超时未处理，被清理任务标记
)

// Terminal 是否终态（completed/failed/expired 不再流转）
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// 优先级约定：数值越大越先出队
const (
	PriorityLow    uint8 = 0
	PriorityNormal uint8 = 5
	PriorityHigh   uint8 = 10
)

// 队列名称。所有队列共享同一张表 / 同一个工厂，按名称区分。
const (
	QueuePlayerActions   = "player_actions"
	QueueDMActions       = "dm_actions"
	QueueLLMRequests     = "llm_requests"
	QueueApprovals       = "approvals"
	QueueAssetGeneration = "asset_generation"
)

// Item 队列条目
type Item[T any] struct {
	ID           string     `json:"id"`
	QueueName    string     `json:"queue_name"`
	WorldID      string     `json:"world_id"`
	Payload      T          `json:"payload"`
	Priority     uint8      `json:"priority"`
	Status       Status     `json:"status"`
	FailReason   string     `json:"fail_reason,omitempty"`
	DelayedUntil *time.Time `json:"delayed_until,omitempty"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// itemRecord queue_items 表结构。载荷存 JSON，反序列化时才绑定具体类型。
// Seq 做自增主键，除了唯一性还承担同优先级下的 FIFO 次序。
type itemRecord struct {
	Seq          int64          `gorm:"primaryKey;autoIncrement"`
	ID           string         `gorm:"size:36;uniqueIndex;not null"`
	QueueName    string         `gorm:"size:64;not null;index:idx_queue_status,priority:1"`
	WorldID      string         `gorm:"size:36;index"`
	Payload      datatypes.JSON `gorm:"not null"`
	Priority     uint8          `gorm:"not null;default:0"`
	Status       string         `gorm:"size:16;not null;index:idx_queue_status,priority:2"`
	FailReason   string         `gorm:"type:text"`
	DelayedUntil *time.Time
	Attempts     int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null;index"`
}

// TableName 指定表名
func (itemRecord) TableName() string {
	return "queue_items"
}

// payloadWorldID 提取载荷的 world_id，没有则返回空串
func payloadWorldID[T any](payload T) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return worldIDOf(raw)
}

// worldIDOf 从载荷 JSON 中提取 world_id，没有则返回空串。
// 入队时冗余一份到单独列，世界维度的查询不用扫载荷。
func worldIDOf(raw []byte) string {
	var probe struct {
		WorldID string `json:"world_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.WorldID
}
