package game

import (
	"time"

	"gorm.io/datatypes"
)

// 各逻辑队列的载荷类型。都会被序列化成 JSON 存进队列，
// 带 world_id 字段的载荷入队时会被冗余到条目的世界列上。

// PlayerAction 玩家行动队列载荷
type PlayerAction struct {
	WorldID     string    `json:"world_id"`
	CharacterID string    `json:"character_id"`
	PlayerID    string    `json:"player_id,omitempty"`
	ActionText  string    `json:"action_text"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// LLMRequestKind LLM 请求类型
type LLMRequestKind string

const (
	LLMRequestNPCResponse  LLMRequestKind = "npc_response"  // 根据玩家行动生成 NPC 回应
	LLMRequestRegeneration LLMRequestKind = "regeneration"  // DM 打回后带反馈重新生成
	LLMRequestNarration    LLMRequestKind = "narration"     // 旁白 / 事件描述
)

// LLMRequest LLM 请求队列载荷
type LLMRequest struct {
	WorldID        string         `json:"world_id"`
	Kind           LLMRequestKind `json:"kind"`
	SourceActionID string         `json:"source_action_id"`
	NPCID          string         `json:"npc_id,omitempty"`
	PCID           string         `json:"pc_id,omitempty"`
	NPCName        string         `json:"npc_name,omitempty"`
	ActionText     string         `json:"action_text"`
	Context        string         `json:"context,omitempty"`
	// 重新生成时携带上一轮的 DM 反馈和重试计数
	RetryCount int    `json:"retry_count"`
	DMFeedback string `json:"dm_feedback,omitempty"`
}

// ProposedTool 自动提案中的一个工具调用。
// Arguments 保持开放的 JSON 结构：提案方引入新工具时
// 不需要执行器同步升级，未知工具按 no-op 处理。
type ProposedTool struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool_name"`
	Arguments   datatypes.JSON `json:"arguments"`
	Description string         `json:"description,omitempty"`
}

// ApprovalRequest 审批队列载荷：一条等待 DM 签核的机器提案
type ApprovalRequest struct {
	WorldID           string         `json:"world_id"`
	SourceActionID    string         `json:"source_action_id"`
	DecisionType      string         `json:"decision_type"`
	NPCID             string         `json:"npc_id,omitempty"`
	PCID              string         `json:"pc_id,omitempty"`
	NPCName           string         `json:"npc_name"`
	ProposedDialogue  string         `json:"proposed_dialogue"`
	InternalReasoning string         `json:"internal_reasoning,omitempty"`
	ProposedTools     []ProposedTool `json:"proposed_tools,omitempty"`
	RetryCount        int            `json:"retry_count"`
	// 提案可以附带挑战/叙事事件建议，结构开放
	ChallengeSuggestion datatypes.JSON `json:"challenge_suggestion,omitempty"`
	EventSuggestion     datatypes.JSON `json:"event_suggestion,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// DMActionKind DM 行动类型
type DMActionKind string

const (
	DMActionApprovalDecision DMActionKind = "approval_decision" // 对某条审批做决策
	DMActionNPCDialogue      DMActionKind = "npc_dialogue"      // 直接替 NPC 说话
	DMActionTriggerEvent     DMActionKind = "trigger_event"     // 手动触发世界事件
)

// ApprovalDecision DM 决策，tagged variant 展平成一个结构
type ApprovalDecision struct {
	Type DecisionType `json:"type"`

	// Reject
	Feedback string `json:"feedback,omitempty"`

	// AcceptWithModification
	ModifiedDialogue string            `json:"modified_dialogue,omitempty"`
	ApprovedToolIDs  []string          `json:"approved_tool_ids,omitempty"`
	RejectedToolIDs  []string          `json:"rejected_tool_ids,omitempty"`
	ItemRecipients   map[string]string `json:"item_recipients,omitempty"`

	// TakeOver：DM 接管，用自己的回应替换提案
	DMResponse string `json:"dm_response,omitempty"`
}

// DecisionType 决策类型
type DecisionType string

const (
	DecisionAccept     DecisionType = "accept"
	DecisionReject     DecisionType = "reject"
	DecisionModify     DecisionType = "accept_with_modification"
	DecisionTakeOver   DecisionType = "take_over"
)

// DMAction DM 行动队列载荷
type DMAction struct {
	WorldID    string            `json:"world_id"`
	Kind       DMActionKind      `json:"kind"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Decision   *ApprovalDecision `json:"decision,omitempty"`
	NPCID      string            `json:"npc_id,omitempty"`
	Dialogue   string            `json:"dialogue,omitempty"`
	EventName  string            `json:"event_name,omitempty"`
	EventData  datatypes.JSON    `json:"event_data,omitempty"`
}

// AssetGenerationRequest 素材生成队列载荷
type AssetGenerationRequest struct {
	WorldID    string `json:"world_id"`
	EntityType string `json:"entity_type"` // character / location / item
	EntityID   string `json:"entity_id"`
	Prompt     string `json:"prompt"`
	Workflow   string `json:"workflow,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}
