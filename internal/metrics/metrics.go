package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 队列与审批相关的 Prometheus 指标，promauto 注册到默认 registry，
// 由 /metrics 端点统一暴露。

var (
	// QueueItemsEnqueued 入队条目总数
	QueueItemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_enqueued_total",
		Help: "入队条目总数",
	}, []string{"queue"})

	// QueueItemsProcessed 处理成功的条目总数
	QueueItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_processed_total",
		Help: "处理成功的条目总数",
	}, []string{"queue"})

	// QueueItemsFailed 处理失败的条目总数
	QueueItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_failed_total",
		Help: "处理失败的条目总数",
	}, []string{"queue"})

	// QueueItemsCleaned 被清理任务删除的终态条目总数
	QueueItemsCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_cleaned_total",
		Help: "被清理任务删除的终态条目总数",
	}, []string{"queue"})

	// QueueProcessDuration 单条目处理耗时
	QueueProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_process_duration_seconds",
		Help:    "单条目处理耗时（秒）",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"queue"})

	// QueueDepth 当前待处理深度（pending + delayed）
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "当前待处理深度（pending + delayed）",
	}, []string{"queue"})

	// ApprovalDecisions 审批决策总数，按结果分类
	ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_decisions_total",
		Help: "审批决策总数",
	}, []string{"outcome"})

	// ApprovalsExpired 超时过期的审批总数
	ApprovalsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approvals_expired_total",
		Help: "超时过期的审批总数",
	})

	// ToolExecutions 工具执行总数，按工具名和结果分类
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tool_executions_total",
		Help: "工具执行总数",
	}, []string{"tool", "result"})

	// AssetJobsCompleted 素材生成任务完成数，按结果分类
	AssetJobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asset_jobs_completed_total",
		Help: "素材生成任务完成数",
	}, []string{"result"})

	// APIRequestsTotal HTTP 请求总数
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP 请求总数",
	}, []string{"method", "path", "status"})

	// APIRequestDuration HTTP 请求耗时
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "HTTP 请求耗时（秒）",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// APIRequestSize HTTP 请求体大小
	APIRequestSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_size_bytes",
		Help:    "HTTP 请求体大小（字节）",
		Buckets: prometheus.ExponentialBuckets(128, 4, 8),
	}, []string{"method", "path"})

	// APIResponseSize HTTP 响应体大小
	APIResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_response_size_bytes",
		Help:    "HTTP 响应体大小（字节）",
		Buckets: prometheus.ExponentialBuckets(128, 4, 8),
	}, []string{"method", "path"})

	// WebSocketConnections 当前 WebSocket 连接数
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections",
		Help: "当前 WebSocket 连接数",
	})
)
