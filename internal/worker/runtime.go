package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/approval"
	"backend/internal/asset"
	"backend/internal/config"
	"backend/internal/game"
	"backend/internal/llm"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/notification"
	"backend/internal/queue"
	"backend/internal/tools"
)

// depthReportInterval 队列深度指标的上报间隔
const depthReportInterval = 15 * time.Second

// Runtime 拥有全部后台循环：四个队列 worker、清理任务和
// 深度指标上报。Start 启动所有 goroutine，Shutdown 协作取消
// 并等在途条目处理完。
type Runtime struct {
	cfg *config.Config
	hub *notification.Hub
	log *zap.Logger

	factory       *queue.Factory
	playerActions queue.Backend[game.PlayerAction]
	dmActions     queue.Backend[game.DMAction]
	llmRequests   queue.Backend[game.LLMRequest]
	assetJobs     queue.Backend[game.AssetGenerationRequest]
	approvals     queue.Backend[game.ApprovalRequest]

	approvalSvc *approval.Service
	proposer    *llm.Proposer
	pipeline    *asset.Pipeline

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option 运行时配置项，测试时替换外部客户端
type Option func(*options)

type options struct {
	chatClient  llm.ChatClient
	assetClient asset.Client
}

// WithChatClient 注入对话补全客户端
func WithChatClient(c llm.ChatClient) Option {
	return func(o *options) { o.chatClient = c }
}

// WithAssetClient 注入图像生成客户端
func WithAssetClient(c asset.Client) Option {
	return func(o *options) { o.assetClient = c }
}

// NewRuntime 组装队列、仓储和各处理器
func NewRuntime(cfg *config.Config, db *gorm.DB, hub *notification.Hub, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// 1. 队列工厂和五条逻辑队列
	factory, err := queue.NewFactory(cfg.Queue.Backend, db)
	if err != nil {
		return nil, fmt.Errorf("创建队列工厂失败: %w", err)
	}

	rt := &Runtime{
		cfg:           cfg,
		hub:           hub,
		log:           logger.Get().Named("worker"),
		factory:       factory,
		playerActions: queue.Build[game.PlayerAction](factory, queue.QueuePlayerActions, 1),
		dmActions:     queue.Build[game.DMAction](factory, queue.QueueDMActions, 1),
		llmRequests:   queue.Build[game.LLMRequest](factory, queue.QueueLLMRequests, cfg.Queue.LLMBatchSize),
		assetJobs:     queue.Build[game.AssetGenerationRequest](factory, queue.QueueAssetGeneration, cfg.Queue.AssetBatchSize),
		approvals:     queue.Build[game.ApprovalRequest](factory, queue.QueueApprovals, 1),
	}

	// 2. 工具执行器挂游戏仓储，世界事件走 hub
	executor := tools.NewExecutor(
		game.NewCharacterRepository(db),
		game.NewItemRepository(db),
		game.NewRelationshipRepository(db),
		hub,
	)

	// 3. 审批闸：广播、DM 推送、打回重生成都接回运行时
	rt.approvalSvc = approval.NewService(rt.approvals, executor, cfg.Queue.MaxRetry,
		approval.WithBroadcaster(hub),
		approval.WithDMNotifier(hub),
		approval.WithRegenerator(rt),
	)

	// 4. LLM 提案器
	if o.chatClient != nil {
		rt.proposer = llm.NewProposerWithClient(o.chatClient, cfg.AI.OpenAI.Model, rt.approvalSvc)
	} else {
		rt.proposer = llm.NewProposer(&cfg.AI.OpenAI, rt.approvalSvc)
	}

	// 5. 素材流水线
	assetClient := o.assetClient
	if assetClient == nil {
		assetClient = asset.NewComfyClient(cfg.Asset.Endpoint)
	}
	rt.pipeline = asset.NewPipeline(assetClient, game.NewAssetRepository(db),
		cfg.Asset.OutputDir, cfg.Asset.PollInterval, cfg.Asset.Timeout)

	return rt, nil
}

// ApprovalService 审批服务（API 层使用）
func (rt *Runtime) ApprovalService() *approval.Service {
	return rt.approvalSvc
}

// Start 启动所有后台循环
func (rt *Runtime) Start(ctx context.Context) {
	ctx, rt.cancel = context.WithCancel(ctx)
	recovery := rt.cfg.Queue.RecoveryPollInterval

	workers := []func(context.Context){
		queue.NewWorker(queue.QueuePlayerActions, rt.playerActions,
			rt.factory.Notifier(queue.QueuePlayerActions), recovery, rt.handlePlayerAction).Run,
		queue.NewWorker(queue.QueueDMActions, rt.dmActions,
			rt.factory.Notifier(queue.QueueDMActions), recovery, rt.handleDMAction).Run,
		queue.NewWorker(queue.QueueLLMRequests, rt.llmRequests,
			rt.factory.Notifier(queue.QueueLLMRequests), recovery, rt.proposer.Handle,
			queue.WithConcurrency[game.LLMRequest](rt.cfg.Queue.LLMBatchSize)).Run,
		queue.NewWorker(queue.QueueAssetGeneration, rt.assetJobs,
			rt.factory.Notifier(queue.QueueAssetGeneration), recovery, rt.pipeline.Handle,
			queue.WithConcurrency[game.AssetGenerationRequest](rt.cfg.Queue.AssetBatchSize)).Run,
		rt.cleanupWorker().Run,
		rt.reportDepths,
	}

	for _, run := range workers {
		rt.wg.Add(1)
		go func(run func(context.Context)) {
			defer rt.wg.Done()
			run(ctx)
		}(run)
	}
	rt.log.Info("后台循环已启动",
		zap.String("backend", rt.factory.Backend()),
		zap.Int("llm_batch_size", rt.cfg.Queue.LLMBatchSize),
		zap.Int("asset_batch_size", rt.cfg.Queue.AssetBatchSize))
}

// Shutdown 取消所有循环并等它们退出
func (rt *Runtime) Shutdown() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	rt.log.Info("后台循环已全部退出")
}

func (rt *Runtime) cleanupWorker() *queue.CleanupWorker {
	return queue.NewCleanupWorker(
		map[string]queue.Cleaner{
			queue.QueuePlayerActions:   rt.playerActions,
			queue.QueueDMActions:       rt.dmActions,
			queue.QueueLLMRequests:     rt.llmRequests,
			queue.QueueAssetGeneration: rt.assetJobs,
			queue.QueueApprovals:       rt.approvals,
		},
		rt.approvals,
		rt.cfg.Queue.CleanupInterval,
		rt.cfg.Queue.HistoryRetention,
		rt.cfg.Queue.ApprovalTimeout,
	)
}

// EnqueuePlayerAction 玩家行动入队
func (rt *Runtime) EnqueuePlayerAction(ctx context.Context, action game.PlayerAction) (string, error) {
	if action.OccurredAt.IsZero() {
		action.OccurredAt = time.Now().UTC()
	}
	id, err := rt.playerActions.Enqueue(ctx, action, queue.PriorityNormal)
	if err != nil {
		return "", err
	}
	metrics.QueueItemsEnqueued.WithLabelValues(queue.QueuePlayerActions).Inc()
	return id, nil
}

// EnqueueDMAction DM 行动入队。DM 的操作优先于常规流量。
func (rt *Runtime) EnqueueDMAction(ctx context.Context, action game.DMAction) (string, error) {
	id, err := rt.dmActions.Enqueue(ctx, action, queue.PriorityHigh)
	if err != nil {
		return "", err
	}
	metrics.QueueItemsEnqueued.WithLabelValues(queue.QueueDMActions).Inc()
	return id, nil
}

// EnqueueAssetGeneration 素材生成任务入队
func (rt *Runtime) EnqueueAssetGeneration(ctx context.Context, req game.AssetGenerationRequest) (string, error) {
	id, err := rt.assetJobs.Enqueue(ctx, req, queue.PriorityLow)
	if err != nil {
		return "", err
	}
	metrics.QueueItemsEnqueued.WithLabelValues(queue.QueueAssetGeneration).Inc()
	return id, nil
}

// EnqueueRegeneration 审批打回后把源动作带反馈送回 LLM 队列
func (rt *Runtime) EnqueueRegeneration(ctx context.Context, req game.ApprovalRequest, feedback string) error {
	_, err := rt.llmRequests.Enqueue(ctx, game.LLMRequest{
		WorldID:        req.WorldID,
		Kind:           game.LLMRequestRegeneration,
		SourceActionID: req.SourceActionID,
		NPCID:          req.NPCID,
		PCID:           req.PCID,
		NPCName:        req.NPCName,
		ActionText:     req.ProposedDialogue,
		RetryCount:     req.RetryCount + 1,
		DMFeedback:     feedback,
	}, queue.PriorityHigh)
	if err != nil {
		return fmt.Errorf("重新生成请求入队失败: %w", err)
	}
	metrics.QueueItemsEnqueued.WithLabelValues(queue.QueueLLMRequests).Inc()
	return nil
}

// handlePlayerAction 玩家行动：广播给世界，然后请求 NPC 回应提案
func (rt *Runtime) handlePlayerAction(ctx context.Context, item *queue.Item[game.PlayerAction]) error {
	action := item.Payload

	if err := rt.hub.BroadcastToWorld(ctx, action.WorldID, "player_action", map[string]any{
		"character_id": action.CharacterID,
		"action_text":  action.ActionText,
	}); err != nil {
		rt.log.Warn("玩家行动广播失败", zap.String("item_id", item.ID), zap.Error(err))
	}

	_, err := rt.llmRequests.Enqueue(ctx, game.LLMRequest{
		WorldID:        action.WorldID,
		Kind:           game.LLMRequestNPCResponse,
		SourceActionID: item.ID,
		PCID:           action.CharacterID,
		ActionText:     action.ActionText,
	}, queue.PriorityNormal)
	if err != nil {
		return fmt.Errorf("LLM 请求入队失败: %w", err)
	}
	metrics.QueueItemsEnqueued.WithLabelValues(queue.QueueLLMRequests).Inc()
	return nil
}

// handleDMAction DM 行动：决策走审批闸，其余直接生效
func (rt *Runtime) handleDMAction(ctx context.Context, item *queue.Item[game.DMAction]) error {
	action := item.Payload

	switch action.Kind {
	case game.DMActionApprovalDecision:
		if action.Decision == nil {
			return fmt.Errorf("决策行动缺少决策内容")
		}
		if _, err := rt.approvalSvc.ProcessDecision(ctx, action.ApprovalID, *action.Decision); err != nil {
			return fmt.Errorf("处理审批决策失败: %w", err)
		}
		return nil

	case game.DMActionNPCDialogue:
		// DM 直接替 NPC 说话不需要审批
		return rt.hub.BroadcastToWorld(ctx, action.WorldID, "npc_dialogue", map[string]any{
			"npc_id":   action.NPCID,
			"dialogue": action.Dialogue,
		})

	case game.DMActionTriggerEvent:
		var data map[string]any
		if len(action.EventData) > 0 {
			if err := json.Unmarshal(action.EventData, &data); err != nil {
				return fmt.Errorf("解析事件数据失败: %w", err)
			}
		}
		return rt.hub.BroadcastToWorld(ctx, action.WorldID, action.EventName, data)

	default:
		return fmt.Errorf("未知的 DM 行动类型: %s", action.Kind)
	}
}

// Stats 各队列概览（API 层使用）
func (rt *Runtime) Stats(ctx context.Context) (map[string]QueueStats, error) {
	stats := make(map[string]QueueStats, 5)
	for name, q := range rt.statSources() {
		depth, err := q.Depth(ctx)
		if err != nil {
			return nil, err
		}
		processing, err := q.ProcessingCount(ctx)
		if err != nil {
			return nil, err
		}
		stats[name] = QueueStats{Depth: depth, Processing: processing, BatchSize: q.BatchSize()}
	}
	return stats, nil
}

// QueueStats 单个队列的概览
type QueueStats struct {
	Depth      int `json:"depth"`
	Processing int `json:"processing"`
	BatchSize  int `json:"batch_size"`
}

type statSource interface {
	Depth(ctx context.Context) (int, error)
	ProcessingCount(ctx context.Context) (int, error)
	BatchSize() int
}

func (rt *Runtime) statSources() map[string]statSource {
	return map[string]statSource{
		queue.QueuePlayerActions:   rt.playerActions,
		queue.QueueDMActions:       rt.dmActions,
		queue.QueueLLMRequests:     rt.llmRequests,
		queue.QueueAssetGeneration: rt.assetJobs,
		queue.QueueApprovals:       rt.approvals,
	}
}

// reportDepths 周期性上报各队列深度
func (rt *Runtime) reportDepths(ctx context.Context) {
	ticker := time.NewTicker(depthReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, q := range rt.statSources() {
				depth, err := q.Depth(ctx)
				if err != nil {
					continue
				}
				metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}
