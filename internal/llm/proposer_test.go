package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"backend/internal/game"
	"backend/internal/queue"
)

type fakeChatClient struct {
	content string
	err     error
	lastReq openai.ChatCompletionRequest
}

func (f *fakeChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

type fakeSink struct {
	submitted []game.ApprovalRequest
	priority  uint8
}

func (f *fakeSink) Submit(ctx context.Context, req game.ApprovalRequest, priority uint8) (string, error) {
	f.submitted = append(f.submitted, req)
	f.priority = priority
	return "approval-1", nil
}

func llmItem(req game.LLMRequest) *queue.Item[game.LLMRequest] {
	return &queue.Item[game.LLMRequest]{ID: "item-1", Payload: req}
}

func TestProposerSubmitsApproval(t *testing.T) {
	client := &fakeChatClient{content: `{
		"dialogue": "欢迎光临，客官要点什么？",
		"reasoning": "友好的开场",
		"tools": [{"tool_name": "change_mood", "arguments": {"character_id": "npc-1", "mood": "happy"}}]
	}`}
	sink := &fakeSink{}
	p := NewProposerWithClient(client, "test-model", sink)

	err := p.Handle(context.Background(), llmItem(game.LLMRequest{
		WorldID:        "w1",
		Kind:           game.LLMRequestNPCResponse,
		SourceActionID: "action-1",
		NPCID:          "npc-1",
		NPCName:        "酒馆老板",
		ActionText:     "走进酒馆打招呼",
		RetryCount:     0,
	}))
	if err != nil {
		t.Fatalf("处理请求失败: %v", err)
	}

	if len(sink.submitted) != 1 {
		t.Fatalf("应提交 1 条审批, got %d", len(sink.submitted))
	}
	approval := sink.submitted[0]
	if approval.ProposedDialogue != "欢迎光临，客官要点什么？" {
		t.Errorf("提案对白不对: %q", approval.ProposedDialogue)
	}
	if len(approval.ProposedTools) != 1 || approval.ProposedTools[0].ID == "" {
		t.Errorf("每个提案工具都应分配 id: %+v", approval.ProposedTools)
	}
	if approval.WorldID != "w1" || approval.RetryCount != 0 {
		t.Errorf("审批应携带请求上下文: %+v", approval)
	}
	if sink.priority != queue.PriorityNormal {
		t.Errorf("首次提案应为普通优先级, got %d", sink.priority)
	}
}

func TestProposerRegenerationCarriesFeedback(t *testing.T) {
	client := &fakeChatClient{content: `{"dialogue": "老板换了个温和的语气。"}`}
	sink := &fakeSink{}
	p := NewProposerWithClient(client, "test-model", sink)

	err := p.Handle(context.Background(), llmItem(game.LLMRequest{
		WorldID:    "w1",
		Kind:       game.LLMRequestRegeneration,
		NPCName:    "酒馆老板",
		ActionText: "打招呼",
		RetryCount: 2,
		DMFeedback: "语气太生硬了",
	}))
	if err != nil {
		t.Fatalf("处理重新生成请求失败: %v", err)
	}

	// 反馈要进提示词
	userMsg := client.lastReq.Messages[len(client.lastReq.Messages)-1].Content
	if !strings.Contains(userMsg, "语气太生硬了") {
		t.Errorf("DM 反馈应拼进提示词: %q", userMsg)
	}
	// 重试计数透传，重新生成走高优先级
	if sink.submitted[0].RetryCount != 2 {
		t.Errorf("重试计数应透传, got %d", sink.submitted[0].RetryCount)
	}
	if sink.priority != queue.PriorityHigh {
		t.Errorf("重新生成应为高优先级, got %d", sink.priority)
	}
}

func TestProposerFailsOnModelOrParseError(t *testing.T) {
	sink := &fakeSink{}

	p := NewProposerWithClient(&fakeChatClient{err: errors.New("rate limited")}, "m", sink)
	if err := p.Handle(context.Background(), llmItem(game.LLMRequest{NPCName: "x"})); err == nil {
		t.Error("模型错误应让条目失败")
	}

	p = NewProposerWithClient(&fakeChatClient{content: "not-json"}, "m", sink)
	if err := p.Handle(context.Background(), llmItem(game.LLMRequest{NPCName: "x"})); err == nil {
		t.Error("提案解析失败应让条目失败")
	}

	p = NewProposerWithClient(&fakeChatClient{content: `{"reasoning": "没有对白"}`}, "m", sink)
	if err := p.Handle(context.Background(), llmItem(game.LLMRequest{NPCName: "x"})); err == nil {
		t.Error("缺少对白的提案应让条目失败")
	}

	if len(sink.submitted) != 0 {
		t.Errorf("失败路径不应提交审批, got %d", len(sink.submitted))
	}
}
