package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"backend/internal/game"
	"backend/internal/logger"
	"backend/internal/metrics"
)

// Result 单个工具的执行结果
type Result struct {
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
}

// 执行器只依赖它真正用到的仓储面
type characterStore interface {
	UpdateMood(ctx context.Context, id, mood string) error
	UpdateStat(ctx context.Context, id, stat string, value float64) error
}

type itemStore interface {
	Create(ctx context.Context, item *game.Item) error
}

type relationshipStore interface {
	AdjustValue(ctx context.Context, worldID, fromID, toID string, delta int) error
	SetDisposition(ctx context.Context, worldID, fromID, toID, disposition string) error
}

// EventSink 世界事件出口（reveal_info / trigger_event 的落点）
type EventSink interface {
	PublishEvent(ctx context.Context, worldID, event string, data map[string]any) error
}

type handlerFunc func(ctx context.Context, worldID string, args json.RawMessage) (string, error)

// Executor 封闭集合的工具执行器。每个工具独立执行，
// 单个工具失败只记录并跳过，绝不中断同批次的其余工具。
// 未注册的工具名按 no-op 处理并返回说明性结果，
// 提案方引入新工具不需要执行器同步升级。
type Executor struct {
	handlers map[string]handlerFunc
	log      *zap.Logger

	characters    characterStore
	items         itemStore
	relationships relationshipStore
	events        EventSink
}

// NewExecutor 创建工具执行器
func NewExecutor(characters characterStore, items itemStore, relationships relationshipStore, events EventSink) *Executor {
	e := &Executor{
		log:           logger.Get().Named("tools"),
		characters:    characters,
		items:         items,
		relationships: relationships,
		events:        events,
	}
	e.handlers = map[string]handlerFunc{
		"give_item":             e.giveItem,
		"change_relationship":   e.changeRelationship,
		"change_disposition":    e.changeDisposition,
		"change_mood":           e.changeMood,
		"reveal_info":           e.revealInfo,
		"trigger_event":         e.triggerEvent,
		"update_character_stat": e.updateCharacterStat,
	}
	return e
}

// ExecuteBatch 执行一批已批准的工具，返回逐条结果
func (e *Executor) ExecuteBatch(ctx context.Context, worldID string, proposed []game.ProposedTool) []Result {
	results := make([]Result, 0, len(proposed))
	for _, tool := range proposed {
		results = append(results, e.Execute(ctx, worldID, tool))
	}
	return results
}

// Execute 执行单个工具
func (e *Executor) Execute(ctx context.Context, worldID string, tool game.ProposedTool) Result {
	handler, ok := e.handlers[tool.ToolName]
	if !ok {
		// 未知工具：记录并无害通过
		e.log.Warn("未知工具，按 no-op 处理",
			zap.String("tool", tool.ToolName), zap.String("tool_id", tool.ID))
		metrics.ToolExecutions.WithLabelValues(tool.ToolName, "noop").Inc()
		return Result{
			ToolID:   tool.ID,
			ToolName: tool.ToolName,
			Success:  true,
			Message:  fmt.Sprintf("Unknown tool '%s' - no action taken", tool.ToolName),
		}
	}

	message, err := handler(ctx, worldID, json.RawMessage(tool.Arguments))
	if err != nil {
		// 单工具失败隔离：DM 批了五个效果，坏掉一个也要落其余四个
		e.log.Warn("工具执行失败，跳过",
			zap.String("tool", tool.ToolName), zap.String("tool_id", tool.ID), zap.Error(err))
		metrics.ToolExecutions.WithLabelValues(tool.ToolName, "error").Inc()
		return Result{ToolID: tool.ID, ToolName: tool.ToolName, Success: false, Message: err.Error()}
	}

	metrics.ToolExecutions.WithLabelValues(tool.ToolName, "ok").Inc()
	return Result{ToolID: tool.ID, ToolName: tool.ToolName, Success: true, Message: message}
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("缺少工具参数")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("解析工具参数失败: %w", err)
	}
	return nil
}

func (e *Executor) giveItem(ctx context.Context, worldID string, raw json.RawMessage) (string, error) {
	var args struct {
		ItemName    string `json:"item_name"`
		Description string `json:"description"`
		RecipientID string `json:"recipient_id"`
		Quantity    int    `json:"quantity"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.ItemName == "" || args.RecipientID == "" {
		return "", fmt.Errorf("give_item 需要 item_name 和 recipient_id")
	}

	item := &game.Item{
		WorldID:     worldID,
		Name:        args.ItemName,
		Description: args.Description,
		OwnerID:     &args.RecipientID,
		Quantity:    args.Quantity,
	}
	if err := e.items.Create(ctx, item); err != nil {
		return "", err
	}
	return fmt.Sprintf("已将 %s 给予 %s", args.ItemName, args.RecipientID), nil
}

func (e *Executor) changeRelationship(ctx context.Context, worldID string, raw json.RawMessage) (string, error) {
	var args struct {
		FromCharacterID string `json:"from_character_id"`
		ToCharacterID   string `json:"to_character_id"`
		Delta           int    `json:"delta"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.FromCharacterID == "" || args.ToCharacterID == "" {
		return "", fmt.Errorf("change_relationship 需要 from_character_id 和 to_character_id")
	}

	if err := e.relationships.AdjustValue(ctx, worldID, args.FromCharacterID, args.ToCharacterID, args.Delta); err != nil {
		return "", err
	}
	return fmt.Sprintf("关系值调整 %+d", args.Delta), nil
}

func (e *Executor) changeDisposition(ctx context.Context, worldID string, raw json.RawMessage) (string, error) {
	var args struct {
		NPCID       string `json:"npc_id"`
		PCID        string `json:"pc_id"`
		Disposition string `json:"disposition"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.NPCID == "" || args.PCID == "" || args.Disposition == "" {
		return "", fmt.Errorf("change_disposition 需要 npc_id、pc_id 和 disposition")
	}

	if err := e.relationships.SetDisposition(ctx, worldID, args.NPCID, args.PCID, args.Disposition); err != nil {
		return "", err
	}
	return fmt.Sprintf("态度已设为 %s", args.Disposition), nil
}

func (e *Executor) changeMood(ctx context.Context, worldID string, raw json.RawMessage) (string, error) {
	var args struct {
		CharacterID string `json:"character_id"`
		Mood        string `json:"mood"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.CharacterID == "" || args.Mood == "" {
		return "", fmt.Errorf("change_mood 需要 character_id 和 mood")
	}

	if err := e.characters.UpdateMood(ctx, args.CharacterID, args.Mood); err != nil {
		return "", err
	}
	return fmt.Sprintf("情绪已设为 %s", args.Mood), nil
}

func (e *Executor) revealInfo(ctx context.Context, worldID string, raw json.RawMessage) (string, error) {
	var args struct {
		Info     string `json:"info"`
		TargetID string `json:"target_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Info == "" {
		return "", fmt.Errorf("reveal_info 需要 info")
	}

	err := e.events.PublishEvent(ctx, worldID, "info_revealed", map[string]any{
		"info":      args.Info,
		"target_id": args.TargetID,
	})
	if err != nil {
		return "", err
	}
	return "信息已揭示", nil
}

func (e *Executor) triggerEvent(ctx context.Context, worldID string, raw json.RawMessage) (string, error) {
	var args struct {
		EventName string         `json:"event_name"`
		EventData map[string]any `json:"event_data"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.EventName == "" {
		return "", fmt.Errorf("trigger_event 需要 event_name")
	}

	if err := e.events.PublishEvent(ctx, worldID, args.EventName, args.EventData); err != nil {
		return "", err
	}
	return fmt.Sprintf("事件 %s 已触发", args.EventName), nil
}

func (e *Executor) updateCharacterStat(ctx context.Context, worldID string, raw json.RawMessage) (string, error) {
	var args struct {
		CharacterID string  `json:"character_id"`
		Stat        string  `json:"stat"`
		Value       float64 `json:"value"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.CharacterID == "" || args.Stat == "" {
		return "", fmt.Errorf("update_character_stat 需要 character_id 和 stat")
	}

	if err := e.characters.UpdateStat(ctx, args.CharacterID, args.Stat, args.Value); err != nil {
		return "", err
	}
	return fmt.Sprintf("属性 %s 已更新为 %v", args.Stat, args.Value), nil
}
