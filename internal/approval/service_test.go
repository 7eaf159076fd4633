package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"

	"backend/internal/game"
	"backend/internal/queue"
	"backend/internal/tools"
)

// fakeRunner 记录被执行的工具，按提案原样回报成功
type fakeRunner struct {
	executed []game.ProposedTool
	worldID  string
}

func (f *fakeRunner) ExecuteBatch(ctx context.Context, worldID string, proposed []game.ProposedTool) []tools.Result {
	f.worldID = worldID
	f.executed = append(f.executed, proposed...)
	results := make([]tools.Result, 0, len(proposed))
	for _, p := range proposed {
		results = append(results, tools.Result{ToolID: p.ID, ToolName: p.ToolName, Success: true})
	}
	return results
}

type fakeBroadcaster struct {
	worldID string
	event   string
	payload any
	calls   int
}

func (f *fakeBroadcaster) BroadcastToWorld(ctx context.Context, worldID, event string, payload any) error {
	f.worldID, f.event, f.payload = worldID, event, payload
	f.calls++
	return nil
}

type fakeRegenerator struct {
	feedback string
	req      game.ApprovalRequest
	calls    int
}

func (f *fakeRegenerator) EnqueueRegeneration(ctx context.Context, req game.ApprovalRequest, feedback string) error {
	f.req, f.feedback = req, feedback
	f.calls++
	return nil
}

type testEnv struct {
	store       queue.Backend[game.ApprovalRequest]
	runner      *fakeRunner
	broadcaster *fakeBroadcaster
	regenerator *fakeRegenerator
	service     *Service
}

func newTestEnv(t *testing.T, maxRetry int) *testEnv {
	t.Helper()

	env := &testEnv{
		store:       queue.NewMemoryStore[game.ApprovalRequest](queue.QueueApprovals, 1, queue.NewNotifier(queue.QueueApprovals)),
		runner:      &fakeRunner{},
		broadcaster: &fakeBroadcaster{},
		regenerator: &fakeRegenerator{},
	}
	env.service = NewService(env.store, env.runner, maxRetry,
		WithBroadcaster(env.broadcaster),
		WithRegenerator(env.regenerator))
	return env
}

func (env *testEnv) submit(t *testing.T, req game.ApprovalRequest) string {
	t.Helper()
	id, err := env.service.Submit(context.Background(), req, queue.PriorityNormal)
	if err != nil {
		t.Fatalf("提交审批失败: %v", err)
	}
	return id
}

func baseRequest() game.ApprovalRequest {
	return game.ApprovalRequest{
		WorldID:          "w1",
		SourceActionID:   "action-1",
		NPCID:            "npc-1",
		NPCName:          "酒馆老板",
		ProposedDialogue: "Hello there",
		ProposedTools: []game.ProposedTool{
			{ID: "tool-1", ToolName: "give_item", Arguments: datatypes.JSON(`{"item_name":"啤酒","recipient_id":"pc-1"}`)},
			{ID: "tool-2", ToolName: "change_mood", Arguments: datatypes.JSON(`{"character_id":"npc-1","mood":"happy"}`)},
		},
	}
}

func TestAcceptBroadcastsWithoutTools(t *testing.T) {
	env := newTestEnv(t, 3)
	id := env.submit(t, baseRequest())

	outcome, err := env.service.ProcessDecision(context.Background(), id,
		game.ApprovalDecision{Type: game.DecisionAccept})
	if err != nil {
		t.Fatalf("处理决策失败: %v", err)
	}

	if outcome.Type != OutcomeBroadcast {
		t.Fatalf("结果应为 broadcast, got %s", outcome.Type)
	}
	if outcome.Dialogue != "Hello there" {
		t.Errorf("应广播原提案对白, got %q", outcome.Dialogue)
	}
	// 原样通过不执行任何工具，除非逐个批准
	if len(outcome.ExecutedTools) != 0 || len(env.runner.executed) != 0 {
		t.Errorf("Accept 不应执行工具, executed=%d", len(env.runner.executed))
	}

	item, _ := env.store.Get(context.Background(), id)
	if item.Status != queue.StatusCompleted {
		t.Errorf("决策后条目应为 completed, got %s", item.Status)
	}
	if env.broadcaster.calls != 1 || env.broadcaster.worldID != "w1" || env.broadcaster.event != "npc_dialogue" {
		t.Errorf("对白应广播到世界, calls=%d", env.broadcaster.calls)
	}
}

func TestAcceptWithModificationFiltersTools(t *testing.T) {
	env := newTestEnv(t, 3)
	id := env.submit(t, baseRequest())

	outcome, err := env.service.ProcessDecision(context.Background(), id, game.ApprovalDecision{
		Type:             game.DecisionModify,
		ModifiedDialogue: "要来一杯吗，朋友？",
		ApprovedToolIDs:  []string{"tool-1", "tool-99"}, // tool-99 不在提案里
		RejectedToolIDs:  []string{"tool-2"},
	})
	if err != nil {
		t.Fatalf("处理决策失败: %v", err)
	}

	if outcome.Dialogue != "要来一杯吗，朋友？" {
		t.Errorf("应使用修改后的对白, got %q", outcome.Dialogue)
	}
	// 只执行被批准且存在于提案中的工具；不存在的 id 静默跳过
	if len(env.runner.executed) != 1 || env.runner.executed[0].ID != "tool-1" {
		t.Fatalf("应只执行 tool-1, executed=%v", env.runner.executed)
	}
	if len(outcome.ExecutedTools) != 1 {
		t.Errorf("结果应带 1 条工具执行记录, got %d", len(outcome.ExecutedTools))
	}
}

func TestAcceptWithModificationOverridesItemRecipient(t *testing.T) {
	env := newTestEnv(t, 3)
	id := env.submit(t, baseRequest())

	_, err := env.service.ProcessDecision(context.Background(), id, game.ApprovalDecision{
		Type:            game.DecisionModify,
		ApprovedToolIDs: []string{"tool-1"},
		ItemRecipients:  map[string]string{"tool-1": "pc-2"},
	})
	if err != nil {
		t.Fatalf("处理决策失败: %v", err)
	}

	if len(env.runner.executed) != 1 {
		t.Fatalf("应执行 1 个工具")
	}
	var args map[string]any
	if err := json.Unmarshal(env.runner.executed[0].Arguments, &args); err != nil {
		t.Fatalf("解析参数失败: %v", err)
	}
	if args["recipient_id"] != "pc-2" {
		t.Errorf("接收者应被改派为 pc-2, got %v", args["recipient_id"])
	}
}

func TestTakeOverUsesDMResponse(t *testing.T) {
	env := newTestEnv(t, 3)
	id := env.submit(t, baseRequest())

	outcome, err := env.service.ProcessDecision(context.Background(), id, game.ApprovalDecision{
		Type:       game.DecisionTakeOver,
		DMResponse: "老板沉默地擦着杯子，没有理你。",
	})
	if err != nil {
		t.Fatalf("处理决策失败: %v", err)
	}

	if outcome.Type != OutcomeBroadcast || outcome.Dialogue != "老板沉默地擦着杯子，没有理你。" {
		t.Errorf("接管应广播 DM 自己的回应, got %+v", outcome)
	}
	if len(env.runner.executed) != 0 {
		t.Errorf("接管不应执行工具")
	}
}

func TestRejectUnderCapDelaysAndRegenerates(t *testing.T) {
	env := newTestEnv(t, 3)
	req := baseRequest()
	req.RetryCount = 1
	id := env.submit(t, req)

	outcome, err := env.service.ProcessDecision(context.Background(), id, game.ApprovalDecision{
		Type:     game.DecisionReject,
		Feedback: "语气太生硬了",
	})
	if err != nil {
		t.Fatalf("处理决策失败: %v", err)
	}

	if outcome.Type != OutcomeRejected || !outcome.NeedsReprocessing {
		t.Fatalf("打回应标记需要重新生成, got %+v", outcome)
	}
	if outcome.Feedback != "语气太生硬了" {
		t.Errorf("反馈应原样带回")
	}

	item, _ := env.store.Get(context.Background(), id)
	if item.Status != queue.StatusDelayed {
		t.Errorf("条目应被延迟投递, got %s", item.Status)
	}
	if env.regenerator.calls != 1 || env.regenerator.feedback != "语气太生硬了" {
		t.Errorf("应触发带反馈的重新生成, calls=%d", env.regenerator.calls)
	}
	if env.broadcaster.calls != 0 {
		t.Errorf("打回不应广播对白")
	}
}

func TestRejectAtCapTerminates(t *testing.T) {
	env := newTestEnv(t, 3)
	req := baseRequest()
	req.RetryCount = 3
	id := env.submit(t, req)

	outcome, err := env.service.ProcessDecision(context.Background(), id, game.ApprovalDecision{
		Type:     game.DecisionReject,
		Feedback: "还是不行",
	})
	if err != nil {
		t.Fatalf("处理决策失败: %v", err)
	}

	if outcome.Type != OutcomeMaxRetriesExceeded {
		t.Fatalf("重试用尽应返回 MaxRetriesExceeded, got %s", outcome.Type)
	}

	item, _ := env.store.Get(context.Background(), id)
	if item.Status != queue.StatusFailed || item.FailReason != "Rejected by DM" {
		t.Errorf("条目应以 Rejected by DM 终止, status=%s, reason=%q", item.Status, item.FailReason)
	}
	if env.regenerator.calls != 0 {
		t.Errorf("重试用尽不应再触发重新生成")
	}
}

func TestSecondDecisionIsConflict(t *testing.T) {
	env := newTestEnv(t, 3)
	id := env.submit(t, baseRequest())

	ctx := context.Background()
	if _, err := env.service.ProcessDecision(ctx, id, game.ApprovalDecision{Type: game.DecisionAccept}); err != nil {
		t.Fatalf("首次决策失败: %v", err)
	}

	_, err := env.service.ProcessDecision(ctx, id, game.ApprovalDecision{Type: game.DecisionReject, Feedback: "x"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("重复决策应返回 ErrConflict, got %v", err)
	}
	if env.broadcaster.calls != 1 {
		t.Errorf("第二个决策不应产生任何副作用")
	}
}

func TestDecisionErrors(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()

	if _, err := env.service.ProcessDecision(ctx, "no-such-approval",
		game.ApprovalDecision{Type: game.DecisionAccept}); !errors.Is(err, ErrNotFound) {
		t.Errorf("未知条目应返回 ErrNotFound, got %v", err)
	}

	id := env.submit(t, baseRequest())
	if _, err := env.service.ProcessDecision(ctx, id,
		game.ApprovalDecision{Type: "ship_it"}); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("未知决策类型应返回 ErrInvalidDecision, got %v", err)
	}

	// 非法决策不消耗条目
	item, _ := env.store.Get(ctx, id)
	if item.Status != queue.StatusPending {
		t.Errorf("非法决策后条目应仍为 pending, got %s", item.Status)
	}
}

func TestDelayDecisionPostponesApproval(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	id := env.submit(t, baseRequest())

	item, err := env.service.DelayDecision(ctx, id, time.Hour)
	if err != nil {
		t.Fatalf("推迟决策失败: %v", err)
	}
	if item.Status != queue.StatusDelayed || item.DelayedUntil == nil {
		t.Fatalf("条目应进入 delayed 状态, got %s", item.Status)
	}

	// 推迟期内不可见也不可决策
	pending, err := env.service.ListPending(ctx, "w1")
	if err != nil || len(pending) != 0 {
		t.Errorf("推迟中的审批不应出现在待审列表, got %d, err=%v", len(pending), err)
	}
	if _, err := env.service.ProcessDecision(ctx, id,
		game.ApprovalDecision{Type: game.DecisionAccept}); !errors.Is(err, ErrConflict) {
		t.Errorf("推迟期内的决策应返回 ErrConflict, got %v", err)
	}

	if _, err := env.service.DelayDecision(ctx, id, time.Hour); !errors.Is(err, ErrConflict) {
		t.Errorf("重复推迟应返回 ErrConflict, got %v", err)
	}
	if _, err := env.service.DelayDecision(ctx, "no-such-approval", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("未知条目应返回 ErrNotFound, got %v", err)
	}
	if _, err := env.service.DelayDecision(ctx, id, 0); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("非正推迟时长应返回 ErrInvalidDecision, got %v", err)
	}
}

func TestDelayedApprovalResurfacesAfterDelay(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	id := env.submit(t, baseRequest())

	if _, err := env.service.DelayDecision(ctx, id, 20*time.Millisecond); err != nil {
		t.Fatalf("推迟决策失败: %v", err)
	}

	// 到点后回到待审列表
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := env.service.ListPending(ctx, "w1")
		if err != nil {
			t.Fatalf("查询待审列表失败: %v", err)
		}
		if len(pending) == 1 && pending[0].ID == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("推迟到期后条目应回到待审列表, got %d", len(pending))
		}
		time.Sleep(5 * time.Millisecond)
	}

	outcome, err := env.service.ProcessDecision(ctx, id,
		game.ApprovalDecision{Type: game.DecisionAccept})
	if err != nil {
		t.Fatalf("到期后的决策应成功: %v", err)
	}
	if outcome.Type != OutcomeBroadcast {
		t.Errorf("结果应为 broadcast, got %s", outcome.Type)
	}
}

func TestHistoryAfterDecision(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()

	id := env.submit(t, baseRequest())
	env.service.ProcessDecision(ctx, id, game.ApprovalDecision{Type: game.DecisionAccept})

	pending, err := env.service.ListPending(ctx, "w1")
	if err != nil || len(pending) != 0 {
		t.Errorf("决策后不应有待处理审批, got %d, err=%v", len(pending), err)
	}

	history, err := env.service.History(ctx, "w1", 10)
	if err != nil || len(history) != 1 || history[0].ID != id {
		t.Errorf("决策后的条目应出现在历史里, got %d, err=%v", len(history), err)
	}
}
