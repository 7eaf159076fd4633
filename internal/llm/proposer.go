package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"backend/internal/config"
	"backend/internal/game"
	"backend/internal/logger"
	"backend/internal/queue"
)

const defaultModel = "gpt-4o-mini"

// ChatClient 对话补全的窄接口，测试时好替换
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// approvalSink 提案出口：生成结果进审批队列等 DM 签核
type approvalSink interface {
	Submit(ctx context.Context, req game.ApprovalRequest, priority uint8) (string, error)
}

// proposal 模型返回的 JSON 结构
type proposal struct {
	Dialogue  string `json:"dialogue"`
	Reasoning string `json:"reasoning"`
	Tools     []struct {
		ToolName    string          `json:"tool_name"`
		Arguments   json.RawMessage `json:"arguments"`
		Description string          `json:"description"`
	} `json:"tools"`
}

// Proposer LLM 提案器：消费 LLM 请求队列，生成 NPC 回应提案
// （对白 + 推理 + 工具调用），提交到审批队列。
// 重新生成请求会把上一轮的 DM 反馈拼进提示词，并携带递增的
// 重试计数，审批闸据此执行重试上限。
type Proposer struct {
	client    ChatClient
	model     string
	approvals approvalSink
	log       *zap.Logger
}

// NewProposer 按配置创建提案器
func NewProposer(cfg *config.OpenAIConfig, approvals approvalSink) *Proposer {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return NewProposerWithClient(openai.NewClientWithConfig(clientConfig), model, approvals)
}

// NewProposerWithClient 注入客户端创建提案器（测试用）
func NewProposerWithClient(client ChatClient, model string, approvals approvalSink) *Proposer {
	return &Proposer{
		client:    client,
		model:     model,
		approvals: approvals,
		log:       logger.Get().Named("llm"),
	}
}

// Handle 处理一条 LLM 请求，签名即 worker 的处理回调
func (p *Proposer) Handle(ctx context.Context, item *queue.Item[game.LLMRequest]) error {
	req := item.Payload

	// 1. 调模型拿提案
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("模型调用失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("模型没有返回候选")
	}

	// 2. 解析提案 JSON
	var prop proposal
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &prop); err != nil {
		return fmt.Errorf("解析提案失败: %w", err)
	}
	if prop.Dialogue == "" {
		return fmt.Errorf("提案缺少对白")
	}

	// 3. 提交审批，工具逐个分配 id 供 DM 逐项批准
	tools := make([]game.ProposedTool, 0, len(prop.Tools))
	for _, t := range prop.Tools {
		tools = append(tools, game.ProposedTool{
			ID:          uuid.New().String(),
			ToolName:    t.ToolName,
			Arguments:   datatypes.JSON(t.Arguments),
			Description: t.Description,
		})
	}

	priority := queue.PriorityNormal
	if req.Kind == game.LLMRequestRegeneration {
		// 重新生成的提案优先回到 DM 面前
		priority = queue.PriorityHigh
	}

	approvalID, err := p.approvals.Submit(ctx, game.ApprovalRequest{
		WorldID:           req.WorldID,
		SourceActionID:    req.SourceActionID,
		DecisionType:      string(req.Kind),
		NPCID:             req.NPCID,
		PCID:              req.PCID,
		NPCName:           req.NPCName,
		ProposedDialogue:  prop.Dialogue,
		InternalReasoning: prop.Reasoning,
		ProposedTools:     tools,
		RetryCount:        req.RetryCount,
		CreatedAt:         time.Now().UTC(),
	}, priority)
	if err != nil {
		return fmt.Errorf("提交审批失败: %w", err)
	}

	p.log.Info("提案已进入审批",
		zap.String("approval_id", approvalID),
		zap.String("world_id", req.WorldID),
		zap.String("npc", req.NPCName),
		zap.Int("tools", len(tools)),
		zap.Int("retry_count", req.RetryCount))
	return nil
}

const systemPrompt = `你是一个叙事游戏的 NPC 扮演引擎。根据玩家行动生成 NPC 的回应提案，` +
	`以 JSON 返回：{"dialogue": "NPC 说的话", "reasoning": "内部推理", ` +
	`"tools": [{"tool_name": "...", "arguments": {...}, "description": "..."}]}。` +
	`tools 只在剧情需要产生游戏效果时给出，所有提案都要经过 DM 审批后才生效。`

func buildUserPrompt(req game.LLMRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "NPC: %s\n", req.NPCName)
	fmt.Fprintf(&b, "玩家行动: %s\n", req.ActionText)
	if req.Context != "" {
		fmt.Fprintf(&b, "场景上下文: %s\n", req.Context)
	}
	if req.Kind == game.LLMRequestRegeneration && req.DMFeedback != "" {
		fmt.Fprintf(&b, "上一版提案被 DM 打回，反馈: %s\n请根据反馈重新生成。\n", req.DMFeedback)
	}
	return b.String()
}
