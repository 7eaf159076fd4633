package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"backend/internal/logger"
	"backend/internal/metrics"
)

// Role 连接方角色
type Role string

const (
	RolePlayer Role = "player"
	RoleDM     Role = "dm"
)

const writeTimeout = 5 * time.Second

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// envelope 推送消息的统一外壳
type envelope struct {
	Event     string    `json:"event"`
	WorldID   string    `json:"world_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub 按世界管理玩家和 DM 的 WebSocket 连接。
// 对白广播发给世界里的所有人，审批推送只发给 DM；
// DM 不在线时审批推送进离线存储，重连时重放。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Role]map[*websocket.Conn]*clientConn

	offline           OfflineStore
	keepAliveInterval time.Duration
	log               *zap.Logger
}

// HubOption 配置 hub
type HubOption func(*Hub)

// WithOfflineStore 指定离线存储
func WithOfflineStore(store OfflineStore) HubOption {
	return func(h *Hub) { h.offline = store }
}

// WithKeepAliveInterval 设置心跳间隔
func WithKeepAliveInterval(interval time.Duration) HubOption {
	return func(h *Hub) { h.keepAliveInterval = interval }
}

// NewHub 创建 Hub
func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		clients:           make(map[string]map[Role]map[*websocket.Conn]*clientConn),
		offline:           NewMemoryOfflineStore(50),
		keepAliveInterval: 30 * time.Second,
		log:               logger.Get().Named("hub"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// Register 注册连接并重放该角色的离线积压
func (h *Hub) Register(worldID string, role Role, conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[worldID]; !ok {
		h.clients[worldID] = make(map[Role]map[*websocket.Conn]*clientConn)
	}
	if _, ok := h.clients[worldID][role]; !ok {
		h.clients[worldID][role] = make(map[*websocket.Conn]*clientConn)
	}
	client := &clientConn{conn: conn}
	h.clients[worldID][role][conn] = client
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	h.replayOffline(context.Background(), worldID, role, client)
	h.startKeepAlive(worldID, role, client)
}

// Unregister 移除连接
func (h *Hub) Unregister(worldID string, role Role, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roles, ok := h.clients[worldID]
	if !ok {
		return
	}
	conns, ok := roles[role]
	if !ok {
		return
	}
	if _, ok := conns[conn]; ok {
		delete(conns, conn)
		metrics.WebSocketConnections.Dec()
	}
	if len(conns) == 0 {
		delete(roles, role)
	}
	if len(roles) == 0 {
		delete(h.clients, worldID)
	}
}

// BroadcastToWorld 广播给世界里的所有连接（玩家 + DM）
func (h *Hub) BroadcastToWorld(ctx context.Context, worldID, event string, payload any) error {
	data, err := h.marshal(worldID, event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*clientConn, 0)
	for _, conns := range h.clients[worldID] {
		for _, client := range conns {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.write(worldID, client, data)
	}
	return nil
}

// SendToDM 只推给世界的 DM；没人在线就进离线存储
func (h *Hub) SendToDM(ctx context.Context, worldID, event string, payload any) error {
	data, err := h.marshal(worldID, event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns := h.clients[worldID][RoleDM]
	targets := make([]*clientConn, 0, len(conns))
	for _, client := range conns {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		if h.offline != nil {
			return h.offline.Append(ctx, worldID, RoleDM, data)
		}
		return nil
	}
	for _, client := range targets {
		h.write(worldID, client, data)
	}
	return nil
}

// PublishEvent 世界事件出口（工具执行器的 reveal_info / trigger_event 走这里）
func (h *Hub) PublishEvent(ctx context.Context, worldID, event string, data map[string]any) error {
	return h.BroadcastToWorld(ctx, worldID, event, data)
}

// ConnectedCount 指定世界和角色的连接数
func (h *Hub) ConnectedCount(worldID string, role Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[worldID][role])
}

func (h *Hub) marshal(worldID, event string, payload any) ([]byte, error) {
	return json.Marshal(envelope{
		Event:     event,
		WorldID:   worldID,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) write(worldID string, client *clientConn, data []byte) {
	client.mu.Lock()
	client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := client.conn.WriteMessage(websocket.TextMessage, data)
	client.mu.Unlock()

	if err != nil {
		h.log.Debug("推送失败，断开连接", zap.String("world_id", worldID), zap.Error(err))
		h.dropConn(worldID, client.conn)
	}
}

func (h *Hub) dropConn(worldID string, conn *websocket.Conn) {
	h.mu.Lock()
	for role, conns := range h.clients[worldID] {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			metrics.WebSocketConnections.Dec()
			if len(conns) == 0 {
				delete(h.clients[worldID], role)
			}
		}
	}
	if len(h.clients[worldID]) == 0 {
		delete(h.clients, worldID)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *Hub) replayOffline(ctx context.Context, worldID string, role Role, client *clientConn) {
	if h.offline == nil {
		return
	}
	messages, err := h.offline.Drain(ctx, worldID, role)
	if err != nil {
		h.log.Warn("离线消息重放失败", zap.String("world_id", worldID), zap.Error(err))
		return
	}
	for _, msg := range messages {
		client.mu.Lock()
		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("推送离线消息失败", zap.Error(err))
		}
		client.mu.Unlock()
	}
}

func (h *Hub) startKeepAlive(worldID string, role Role, client *clientConn) {
	if h.keepAliveInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.keepAliveInterval)
		defer ticker.Stop()
		for range ticker.C {
			client.mu.Lock()
			err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			client.mu.Unlock()
			if err != nil {
				h.Unregister(worldID, role, client.conn)
				_ = client.conn.Close()
				return
			}
		}
	}()
}
