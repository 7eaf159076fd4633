package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GormStore 持久化队列后端。所有队列共用一张 queue_items 表，
// 按 queue_name 区分；同一个 *gorm.DB 可以驱动任意多个队列实例。
//
// Dequeue 靠单条 UPDATE ... RETURNING 做原子认领，
// SQLite（3.35+）和 PostgreSQL 都支持这个写法。
type GormStore[T any] struct {
	db          *gorm.DB
	name        string
	batchSize   int
	notifier    *Notifier
	dequeueStmt string
}

// NewGormStore 创建持久化队列。表结构由工厂统一迁移。
func NewGormStore[T any](db *gorm.DB, name string, batchSize int, notifier *Notifier) *GormStore[T] {
	stmt := dequeueSQL
	if db.Dialector.Name() == "postgres" {
		stmt = dequeueSQLPostgres
	}
	return &GormStore[T]{
		db:          db,
		name:        name,
		batchSize:   batchSize,
		notifier:    notifier,
		dequeueStmt: stmt,
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Enqueue 入队并唤醒 worker
func (s *GormStore[T]) Enqueue(ctx context.Context, payload T, priority uint8) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化载荷失败: %w", err)
	}

	now := time.Now().UTC()
	record := itemRecord{
		ID:        newItemID(),
		QueueName: s.name,
		WorldID:   worldIDOf(raw),
		Payload:   datatypes.JSON(raw),
		Priority:  priority,
		Status:    string(StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", storageErr("入队失败", err)
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return record.ID, nil
}

// dequeueSQL 原子认领：子查询挑出最高优先级的就绪条目，
// 外层 UPDATE 带状态守卫，两个并发调用只有一个能改成功。
// SQLite 写库串行，这条语句本身就是原子的。
const dequeueSQL = `
UPDATE queue_items
SET status = ?, updated_at = ?, attempts = attempts + 1
WHERE seq = (
    SELECT seq FROM queue_items
    WHERE queue_name = ?
      AND (status = ? OR (status = ? AND delayed_until <= ?))
    ORDER BY priority DESC, seq ASC
    LIMIT 1
)
  AND status IN (?, ?)
RETURNING id`

// dequeueSQLPostgres PostgreSQL 版本。两个并发事务可能在子查询里
// 选中同一条队首，落败方被外层状态守卫挡下后会空手而归，
// 哪怕队列里还有别的就绪条目。SKIP LOCKED 让落败方直接跳过
// 被锁的行去拿下一条。
const dequeueSQLPostgres = `
UPDATE queue_items
SET status = ?, updated_at = ?, attempts = attempts + 1
WHERE seq = (
    SELECT seq FROM queue_items
    WHERE queue_name = ?
      AND (status = ? OR (status = ? AND delayed_until <= ?))
    ORDER BY priority DESC, seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
  AND status IN (?, ?)
RETURNING id`

// Dequeue 取出下一条就绪条目并置为 processing
func (s *GormStore[T]) Dequeue(ctx context.Context) (*Item[T], error) {
	now := time.Now().UTC()
	var id string
	res := s.db.WithContext(ctx).Raw(s.dequeueStmt,
		string(StatusProcessing), now,
		s.name, string(StatusPending), string(StatusDelayed), now,
		string(StatusPending), string(StatusDelayed),
	).Scan(&id)
	if res.Error != nil {
		return nil, storageErr("出队失败", res.Error)
	}
	if res.RowsAffected == 0 || id == "" {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// Peek 查看下一条就绪条目，不改状态
func (s *GormStore[T]) Peek(ctx context.Context) (*Item[T], error) {
	now := time.Now().UTC()
	var record itemRecord
	err := s.db.WithContext(ctx).
		Where("queue_name = ?", s.name).
		Where("status = ? OR (status = ? AND delayed_until <= ?)",
			string(StatusPending), string(StatusDelayed), now).
		Order("priority DESC, seq ASC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("查看队首失败", err)
	}
	return s.toItem(&record)
}

// Complete 标记处理成功
func (s *GormStore[T]) Complete(ctx context.Context, id string) (bool, error) {
	return s.guardedUpdate(ctx, id, []Status{StatusProcessing}, map[string]any{
		"status":     string(StatusCompleted),
		"updated_at": time.Now().UTC(),
	})
}

// Fail 标记处理失败
func (s *GormStore[T]) Fail(ctx context.Context, id string, reason string) (bool, error) {
	return s.guardedUpdate(ctx, id, []Status{StatusProcessing}, map[string]any{
		"status":      string(StatusFailed),
		"fail_reason": reason,
		"updated_at":  time.Now().UTC(),
	})
}

// Delay 推迟到 until 之后再投递
func (s *GormStore[T]) Delay(ctx context.Context, id string, until time.Time) (bool, error) {
	return s.guardedUpdate(ctx, id, []Status{StatusPending, StatusProcessing}, map[string]any{
		"status":        string(StatusDelayed),
		"delayed_until": until.UTC(),
		"updated_at":    time.Now().UTC(),
	})
}

// guardedUpdate 带状态守卫的更新。条目不存在返回 ErrNotFound，
// 状态不符返回 (false, nil)。
func (s *GormStore[T]) guardedUpdate(ctx context.Context, id string, from []Status, fields map[string]any) (bool, error) {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	res := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("id = ? AND queue_name = ? AND status IN ?", id, s.name, statuses).
		Updates(fields)
	if res.Error != nil {
		return false, storageErr("更新条目失败", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// 没改到行：区分条目不存在和状态不符
	var count int64
	if err := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("id = ? AND queue_name = ?", id, s.name).
		Count(&count).Error; err != nil {
		return false, storageErr("查询条目失败", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// Get 按 ID 查询
func (s *GormStore[T]) Get(ctx context.Context, id string) (*Item[T], error) {
	var record itemRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND queue_name = ?", id, s.name).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("查询条目失败", err)
	}
	return s.toItem(&record)
}

// ListByStatus 按状态列出，入队先后排序
func (s *GormStore[T]) ListByStatus(ctx context.Context, status Status) ([]Item[T], error) {
	var records []itemRecord
	err := s.db.WithContext(ctx).
		Where("queue_name = ? AND status = ?", s.name, string(status)).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, storageErr("按状态查询失败", err)
	}
	return s.toItems(records)
}

// Depth 待处理深度（pending + delayed）
func (s *GormStore[T]) Depth(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("queue_name = ? AND status IN ?", s.name,
			[]string{string(StatusPending), string(StatusDelayed)}).
		Count(&count).Error
	if err != nil {
		return 0, storageErr("统计深度失败", err)
	}
	return int(count), nil
}

// Cleanup 删除超过保留期的终态条目
func (s *GormStore[T]) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("queue_name = ? AND status IN ? AND updated_at < ?", s.name,
			[]string{string(StatusCompleted), string(StatusFailed)}, cutoff).
		Delete(&itemRecord{})
	if res.Error != nil {
		return 0, storageErr("清理失败", res.Error)
	}
	return int(res.RowsAffected), nil
}

// BatchSize 最大并发处理数
func (s *GormStore[T]) BatchSize() int {
	return s.batchSize
}

// ProcessingCount 在途条目数
func (s *GormStore[T]) ProcessingCount(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("queue_name = ? AND status = ?", s.name, string(StatusProcessing)).
		Count(&count).Error
	if err != nil {
		return 0, storageErr("统计在途数失败", err)
	}
	return int(count), nil
}

// HasCapacity 是否还有并发余量
func (s *GormStore[T]) HasCapacity(ctx context.Context) (bool, error) {
	count, err := s.ProcessingCount(ctx)
	if err != nil {
		return false, err
	}
	return count < s.batchSize, nil
}

// Claim 按 ID 认领：就绪条目 -> Processing。
// 就绪的判定和 Dequeue 一致：pending，或 delayed 且已到投递时间，
// 被推迟的审批到点后可以重新被决策。
func (s *GormStore[T]) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("id = ? AND queue_name = ?", id, s.name).
		Where("status = ? OR (status = ? AND delayed_until <= ?)",
			string(StatusPending), string(StatusDelayed), now).
		Updates(map[string]any{
			"status":        string(StatusProcessing),
			"delayed_until": nil,
			"attempts":      gorm.Expr("attempts + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, storageErr("认领条目失败", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("id = ? AND queue_name = ?", id, s.name).
		Count(&count).Error; err != nil {
		return false, storageErr("查询条目失败", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// ListByWorld 指定世界的在途条目。
// 推迟中的条目到点后重新可见，推迟期内不出现在列表里。
func (s *GormStore[T]) ListByWorld(ctx context.Context, worldID string) ([]Item[T], error) {
	now := time.Now().UTC()
	var records []itemRecord
	err := s.db.WithContext(ctx).
		Where("queue_name = ? AND world_id = ?", s.name, worldID).
		Where("status IN ? OR (status = ? AND delayed_until <= ?)",
			[]string{string(StatusPending), string(StatusProcessing)},
			string(StatusDelayed), now).
		Order("priority DESC, seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, storageErr("按世界查询失败", err)
	}
	return s.toItems(records)
}

// HistoryByWorld 指定世界的历史条目，更新时间倒序
func (s *GormStore[T]) HistoryByWorld(ctx context.Context, worldID string, limit int) ([]Item[T], error) {
	query := s.db.WithContext(ctx).
		Where("queue_name = ? AND world_id = ? AND status IN ?", s.name, worldID,
			[]string{string(StatusCompleted), string(StatusFailed), string(StatusExpired)}).
		Order("updated_at DESC, seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []itemRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, storageErr("查询历史失败", err)
	}
	return s.toItems(records)
}

// ExpireOld 标记超时未处理的条目为 expired
func (s *GormStore[T]) ExpireOld(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("queue_name = ? AND status IN ? AND created_at < ?", s.name,
			[]string{string(StatusPending), string(StatusDelayed)}, cutoff).
		Updates(map[string]any{
			"status":     string(StatusExpired),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, storageErr("标记过期失败", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore[T]) toItem(record *itemRecord) (*Item[T], error) {
	var payload T
	if len(record.Payload) > 0 {
		if err := json.Unmarshal(record.Payload, &payload); err != nil {
			return nil, fmt.Errorf("反序列化载荷失败: %w", err)
		}
	}
	return &Item[T]{
		ID:           record.ID,
		QueueName:    record.QueueName,
		WorldID:      record.WorldID,
		Payload:      payload,
		Priority:     record.Priority,
		Status:       Status(record.Status),
		FailReason:   record.FailReason,
		DelayedUntil: record.DelayedUntil,
		Attempts:     record.Attempts,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}, nil
}

func (s *GormStore[T]) toItems(records []itemRecord) ([]Item[T], error) {
	items := make([]Item[T], 0, len(records))
	for i := range records {
		item, err := s.toItem(&records[i])
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}
