package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"backend/internal/logger"
	"backend/internal/metrics"
)

// Cleaner 可被保留期清扫的队列
type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

// Expirer 可做超时过期的队列（审批队列）
type Expirer interface {
	ExpireOld(ctx context.Context, timeout time.Duration) (int, error)
}

// CleanupWorker 周期清扫：
//   - 每个队列删除超过保留期的终态条目
//   - 审批队列额外把超时无人决策的条目标记为 expired
type CleanupWorker struct {
	queues          map[string]Cleaner
	approvals       Expirer
	interval        time.Duration
	retention       time.Duration
	approvalTimeout time.Duration
	log             *zap.Logger
}

// NewCleanupWorker 创建清理任务。queues 的 key 是队列名，只用于日志。
func NewCleanupWorker(queues map[string]Cleaner, approvals Expirer, interval, retention, approvalTimeout time.Duration) *CleanupWorker {
	return &CleanupWorker{
		queues:          queues,
		approvals:       approvals,
		interval:        interval,
		retention:       retention,
		approvalTimeout: approvalTimeout,
		log:             logger.Get().Named("cleanup"),
	}
}

// Run 阻塞执行直到 ctx 取消
func (c *CleanupWorker) Run(ctx context.Context) {
	c.log.Info("清理任务启动",
		zap.Duration("interval", c.interval),
		zap.Duration("retention", c.retention),
		zap.Duration("approval_timeout", c.approvalTimeout))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("清理任务退出")
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *CleanupWorker) sweep(ctx context.Context) {
	// 1. 各队列的保留期清扫
	for name, q := range c.queues {
		removed, err := q.Cleanup(ctx, c.retention)
		if err != nil {
			c.log.Error("队列清理失败", zap.String("queue", name), zap.Error(err))
			continue
		}
		if removed > 0 {
			metrics.QueueItemsCleaned.WithLabelValues(name).Add(float64(removed))
			c.log.Info("清理终态条目", zap.String("queue", name), zap.Int("removed", removed))
		}
	}

	// 2. 审批超时过期
	if c.approvals == nil {
		return
	}
	expired, err := c.approvals.ExpireOld(ctx, c.approvalTimeout)
	if err != nil {
		c.log.Error("审批过期扫描失败", zap.Error(err))
		return
	}
	if expired > 0 {
		metrics.ApprovalsExpired.Add(float64(expired))
		c.log.Info("标记超时审批", zap.Int("expired", expired))
	}
}
