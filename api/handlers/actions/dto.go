package actions

import (
	"gorm.io/datatypes"

	"backend/internal/game"
)

// SubmitPlayerActionRequest 玩家行动提交请求
type SubmitPlayerActionRequest struct {
	CharacterID string `json:"character_id" binding:"required"`
	PlayerID    string `json:"player_id"`
	ActionText  string `json:"action_text" binding:"required"`
}

// SubmitDMActionRequest DM 行动提交请求
type SubmitDMActionRequest struct {
	Kind game.DMActionKind `json:"kind" binding:"required"`

	// approval_decision
	ApprovalID string                 `json:"approval_id,omitempty"`
	Decision   *game.ApprovalDecision `json:"decision,omitempty"`

	// npc_dialogue
	NPCID    string `json:"npc_id,omitempty"`
	Dialogue string `json:"dialogue,omitempty"`

	// trigger_event
	EventName string         `json:"event_name,omitempty"`
	EventData datatypes.JSON `json:"event_data,omitempty"`
}

// EnqueueResponse 入队结果
type EnqueueResponse struct {
	ItemID string `json:"item_id"`
	Queue  string `json:"queue"`
}
