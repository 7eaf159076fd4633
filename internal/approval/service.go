package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backend/internal/game"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/queue"
	"backend/internal/tools"
)

// 决策处理的类型化错误，API 层据此区分 404 / 409 / 400
var (
	// ErrNotFound 审批条目不存在
	ErrNotFound = errors.New("approval not found")

	// ErrConflict 审批已被决策（重复决策或并发竞态）
	ErrConflict = errors.New("approval already decided")

	// ErrInvalidDecision 决策输入非法
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// rejectDelay 打回重新生成时，条目推迟投递的间隔
const rejectDelay = time.Second

// OutcomeType 决策结果类型
type OutcomeType string

const (
	OutcomeBroadcast          OutcomeType = "broadcast"            // 对白广播给世界
	OutcomeRejected           OutcomeType = "rejected"             // 打回，可能触发重新生成
	OutcomeMaxRetriesExceeded OutcomeType = "max_retries_exceeded" // 重试次数用尽，终止
)

// Outcome 决策结果
type Outcome struct {
	Type              OutcomeType    `json:"type"`
	Dialogue          string         `json:"dialogue,omitempty"`
	NPCName           string         `json:"npc_name,omitempty"`
	ExecutedTools     []tools.Result `json:"executed_tools,omitempty"`
	Feedback          string         `json:"feedback,omitempty"`
	NeedsReprocessing bool           `json:"needs_reprocessing,omitempty"`
}

// toolRunner 工具批量执行面
type toolRunner interface {
	ExecuteBatch(ctx context.Context, worldID string, proposed []game.ProposedTool) []tools.Result
}

// Broadcaster 广播出口：决策通过后把对白推给世界内的玩家
type Broadcaster interface {
	BroadcastToWorld(ctx context.Context, worldID, event string, payload any) error
}

// Regenerator 打回后触发源动作重新生成
type Regenerator interface {
	EnqueueRegeneration(ctx context.Context, req game.ApprovalRequest, feedback string) error
}

// DMNotifier 审批入队时给 DM 的定向推送
type DMNotifier interface {
	SendToDM(ctx context.Context, worldID, event string, payload any) error
}

// Service 审批闸：对一条机器提案应用 DM 决策。
// 状态机：Pending -> (决策) -> Broadcast | Rejected | MaxRetriesExceeded。
// 决策幂等靠 Store.Claim 的原子认领保证：第二个决策拿不到
// 处理权，返回 ErrConflict 而不是静默重放。
type Service struct {
	store       queue.ApprovalStore[game.ApprovalRequest]
	executor    toolRunner
	broadcaster Broadcaster
	regenerator Regenerator
	dmNotifier  DMNotifier
	maxRetry    int
	log         *zap.Logger
}

// Option Service 配置项
type Option func(*Service)

// WithBroadcaster 设置广播出口
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithRegenerator 设置重新生成出口
func WithRegenerator(r Regenerator) Option {
	return func(s *Service) { s.regenerator = r }
}

// WithDMNotifier 设置 DM 推送出口
func WithDMNotifier(n DMNotifier) Option {
	return func(s *Service) { s.dmNotifier = n }
}

// NewService 创建审批服务。maxRetry 是打回重生成的次数上限。
func NewService(store queue.ApprovalStore[game.ApprovalRequest], executor toolRunner, maxRetry int, opts ...Option) *Service {
	s := &Service{
		store:    store,
		executor: executor,
		maxRetry: maxRetry,
		log:      logger.Get().Named("approval"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit 提交一条待审批提案，返回审批条目 ID
func (s *Service) Submit(ctx context.Context, req game.ApprovalRequest, priority uint8) (string, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	id, err := s.store.Enqueue(ctx, req, priority)
	if err != nil {
		return "", fmt.Errorf("提交审批失败: %w", err)
	}
	metrics.QueueItemsEnqueued.WithLabelValues(queue.QueueApprovals).Inc()
	s.log.Info("新审批提案入队",
		zap.String("approval_id", id),
		zap.String("world_id", req.WorldID),
		zap.String("npc", req.NPCName),
		zap.Int("retry_count", req.RetryCount))

	if s.dmNotifier != nil {
		err := s.dmNotifier.SendToDM(ctx, req.WorldID, "approval_required", map[string]any{
			"approval_id": id,
			"npc_name":    req.NPCName,
			"dialogue":    req.ProposedDialogue,
			"tool_count":  len(req.ProposedTools),
			"retry_count": req.RetryCount,
		})
		if err != nil {
			// 推送失败不影响入队，DM 端靠待审列表兜底
			s.log.Warn("审批推送失败", zap.String("approval_id", id), zap.Error(err))
		}
	}
	return id, nil
}

// ListPending 列出指定世界等待决策的审批
func (s *Service) ListPending(ctx context.Context, worldID string) ([]queue.Item[game.ApprovalRequest], error) {
	return s.store.ListByWorld(ctx, worldID)
}

// History 指定世界的审批历史（已决策/过期）
func (s *Service) History(ctx context.Context, worldID string, limit int) ([]queue.Item[game.ApprovalRequest], error) {
	return s.store.HistoryByWorld(ctx, worldID, limit)
}

// Get 按 ID 查询审批条目
func (s *Service) Get(ctx context.Context, id string) (*queue.Item[game.ApprovalRequest], error) {
	item, err := s.store.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, ErrNotFound
	}
	return item, err
}

// DelayDecision DM 推迟决策：把条目延后 delayFor 再回到待审列表。
// 推迟期间条目既不可见也不可决策，到点后恢复原样。
func (s *Service) DelayDecision(ctx context.Context, approvalID string, delayFor time.Duration) (*queue.Item[game.ApprovalRequest], error) {
	if delayFor <= 0 {
		return nil, fmt.Errorf("%w: 推迟时长必须为正", ErrInvalidDecision)
	}

	ok, err := s.store.Delay(ctx, approvalID, time.Now().Add(delayFor))
	if errors.Is(err, queue.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("推迟审批条目失败: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}

	s.log.Info("审批被推迟",
		zap.String("approval_id", approvalID),
		zap.Duration("delay", delayFor))
	return s.Get(ctx, approvalID)
}

// ProcessDecision 对审批条目应用 DM 决策
func (s *Service) ProcessDecision(ctx context.Context, approvalID string, decision game.ApprovalDecision) (*Outcome, error) {
	// 1. 先校验输入，非法决策不消耗条目
	if err := validateDecision(decision); err != nil {
		return nil, err
	}

	// 2. 原子认领处理权
	claimed, err := s.store.Claim(ctx, approvalID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("认领审批条目失败: %w", err)
	}
	if !claimed {
		return nil, ErrConflict
	}

	item, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("读取审批条目失败: %w", err)
	}
	req := item.Payload

	// 3. 按决策类型走状态机
	var outcome *Outcome
	switch decision.Type {
	case game.DecisionAccept:
		outcome = s.accept(ctx, approvalID, req)
	case game.DecisionModify:
		outcome = s.acceptWithModification(ctx, approvalID, req, decision)
	case game.DecisionTakeOver:
		outcome = s.takeOver(ctx, approvalID, req, decision)
	case game.DecisionReject:
		outcome = s.reject(ctx, approvalID, req, decision)
	}

	metrics.ApprovalDecisions.WithLabelValues(string(outcome.Type)).Inc()
	return outcome, nil
}

func validateDecision(decision game.ApprovalDecision) error {
	switch decision.Type {
	case game.DecisionAccept, game.DecisionReject, game.DecisionModify, game.DecisionTakeOver:
		return nil
	default:
		return fmt.Errorf("%w: 未知决策类型 %q", ErrInvalidDecision, decision.Type)
	}
}

// accept 原样通过：广播原提案对白，不执行任何工具
func (s *Service) accept(ctx context.Context, id string, req game.ApprovalRequest) *Outcome {
	outcome := &Outcome{
		Type:          OutcomeBroadcast,
		Dialogue:      req.ProposedDialogue,
		NPCName:       req.NPCName,
		ExecutedTools: []tools.Result{},
	}
	s.finishBroadcast(ctx, id, req, outcome)
	return outcome
}

// acceptWithModification 修改后通过：换用修改稿，只执行被点名批准的工具
func (s *Service) acceptWithModification(ctx context.Context, id string, req game.ApprovalRequest, decision game.ApprovalDecision) *Outcome {
	dialogue := decision.ModifiedDialogue
	if dialogue == "" {
		dialogue = req.ProposedDialogue
	}

	approved := s.selectApprovedTools(req, decision)
	executed := s.executor.ExecuteBatch(ctx, req.WorldID, approved)

	outcome := &Outcome{
		Type:          OutcomeBroadcast,
		Dialogue:      dialogue,
		NPCName:       req.NPCName,
		ExecutedTools: executed,
	}
	s.finishBroadcast(ctx, id, req, outcome)
	return outcome
}

// takeOver DM 接管：用 DM 自己写的回应替换提案，不执行工具
func (s *Service) takeOver(ctx context.Context, id string, req game.ApprovalRequest, decision game.ApprovalDecision) *Outcome {
	outcome := &Outcome{
		Type:          OutcomeBroadcast,
		Dialogue:      decision.DMResponse,
		NPCName:       req.NPCName,
		ExecutedTools: []tools.Result{},
	}
	s.finishBroadcast(ctx, id, req, outcome)
	return outcome
}

// reject 打回。重试次数没用尽时延迟条目并触发重新生成，
// 用尽则按 MaxRetriesExceeded 终止。
func (s *Service) reject(ctx context.Context, id string, req game.ApprovalRequest, decision game.ApprovalDecision) *Outcome {
	if req.RetryCount >= s.maxRetry {
		if ok, err := s.store.Fail(ctx, id, "Rejected by DM"); err != nil || !ok {
			s.log.Error("标记审批失败状态出错", zap.String("approval_id", id), zap.Error(err))
		}
		s.log.Warn("审批重试次数用尽",
			zap.String("approval_id", id), zap.Int("retry_count", req.RetryCount))
		return &Outcome{
			Type:     OutcomeMaxRetriesExceeded,
			Feedback: decision.Feedback,
		}
	}

	// 延迟投递：条目稍后回到待处理，规避决策接口和重生成的竞态
	if ok, err := s.store.Delay(ctx, id, time.Now().Add(rejectDelay)); err != nil || !ok {
		s.log.Error("延迟审批条目出错", zap.String("approval_id", id), zap.Error(err))
	}

	if s.regenerator != nil {
		if err := s.regenerator.EnqueueRegeneration(ctx, req, decision.Feedback); err != nil {
			s.log.Error("触发重新生成失败", zap.String("approval_id", id), zap.Error(err))
		}
	}

	return &Outcome{
		Type:              OutcomeRejected,
		Feedback:          decision.Feedback,
		NeedsReprocessing: true,
	}
}

// selectApprovedTools 按批准的 id 过滤原提案工具。
// 批准列表里出现提案中不存在的 id 只告警跳过，不让整个决策失败。
func (s *Service) selectApprovedTools(req game.ApprovalRequest, decision game.ApprovalDecision) []game.ProposedTool {
	byID := make(map[string]game.ProposedTool, len(req.ProposedTools))
	for _, tool := range req.ProposedTools {
		byID[tool.ID] = tool
	}

	approved := make([]game.ProposedTool, 0, len(decision.ApprovedToolIDs))
	for _, id := range decision.ApprovedToolIDs {
		tool, ok := byID[id]
		if !ok {
			s.log.Warn("批准的工具 id 不在提案中，跳过", zap.String("tool_id", id))
			continue
		}
		if recipient, ok := decision.ItemRecipients[id]; ok && recipient != "" {
			tool = overrideRecipient(tool, recipient)
		}
		approved = append(approved, tool)
	}
	return approved
}

// overrideRecipient DM 在批准时可以改派 give_item 的接收者
func overrideRecipient(tool game.ProposedTool, recipient string) game.ProposedTool {
	var args map[string]any
	if err := json.Unmarshal(tool.Arguments, &args); err != nil || args == nil {
		args = map[string]any{}
	}
	args["recipient_id"] = recipient
	raw, err := json.Marshal(args)
	if err != nil {
		return tool
	}
	tool.Arguments = raw
	return tool
}

// finishBroadcast 通过类决策的收尾：落终态 + 对白广播
func (s *Service) finishBroadcast(ctx context.Context, id string, req game.ApprovalRequest, outcome *Outcome) {
	if ok, err := s.store.Complete(ctx, id); err != nil || !ok {
		s.log.Error("标记审批完成状态出错", zap.String("approval_id", id), zap.Error(err))
	}

	if s.broadcaster == nil {
		return
	}
	err := s.broadcaster.BroadcastToWorld(ctx, req.WorldID, "npc_dialogue", map[string]any{
		"npc_id":         req.NPCID,
		"npc_name":       outcome.NPCName,
		"dialogue":       outcome.Dialogue,
		"executed_tools": outcome.ExecutedTools,
	})
	if err != nil {
		// 广播失败不回滚决策，玩家端靠状态同步兜底
		s.log.Error("对白广播失败", zap.String("approval_id", id), zap.Error(err))
	}
}
