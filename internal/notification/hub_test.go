package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMemoryOfflineStoreKeepsNewestWithinLimit(t *testing.T) {
	store := NewMemoryOfflineStore(2)
	ctx := context.Background()

	store.Append(ctx, "w1", RoleDM, []byte("m1"))
	store.Append(ctx, "w1", RoleDM, []byte("m2"))
	store.Append(ctx, "w1", RoleDM, []byte("m3"))

	messages, err := store.Drain(ctx, "w1", RoleDM)
	if err != nil {
		t.Fatalf("取离线消息失败: %v", err)
	}
	if len(messages) != 2 || string(messages[0]) != "m2" || string(messages[1]) != "m3" {
		t.Errorf("超限应丢最旧的, got %v", messages)
	}

	// Drain 之后应为空
	messages, _ = store.Drain(ctx, "w1", RoleDM)
	if len(messages) != 0 {
		t.Errorf("Drain 应清空积压, got %d", len(messages))
	}
}

// dialConn 起一个真实的 WebSocket 连接并注册进 hub
func dialConn(t *testing.T, hub *Hub, worldID string, role Role) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("升级连接失败: %v", err)
			return
		}
		hub.Register(worldID, role, conn)
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	// 等服务端完成注册
	deadline := time.Now().Add(time.Second)
	for hub.ConnectedCount(worldID, role) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return client
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读消息失败: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("解析消息失败: %v", err)
	}
	return env
}

func TestHubBroadcastIsWorldScoped(t *testing.T) {
	hub := NewHub(WithKeepAliveInterval(0))

	player := dialConn(t, hub, "w1", RolePlayer)
	dm := dialConn(t, hub, "w1", RoleDM)
	other := dialConn(t, hub, "w2", RolePlayer)

	err := hub.BroadcastToWorld(context.Background(), "w1", "npc_dialogue", map[string]any{"dialogue": "你好"})
	if err != nil {
		t.Fatalf("广播失败: %v", err)
	}

	for _, conn := range []*websocket.Conn{player, dm} {
		env := readEnvelope(t, conn)
		if env.Event != "npc_dialogue" || env.WorldID != "w1" {
			t.Errorf("世界内连接应收到广播, got %+v", env)
		}
	}

	// 其它世界的连接不该收到
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("广播不应跨世界")
	}
}

func TestHubSendToDMOnly(t *testing.T) {
	hub := NewHub(WithKeepAliveInterval(0))

	player := dialConn(t, hub, "w1", RolePlayer)
	dm := dialConn(t, hub, "w1", RoleDM)

	if err := hub.SendToDM(context.Background(), "w1", "approval_required", map[string]any{"approval_id": "a1"}); err != nil {
		t.Fatalf("推送失败: %v", err)
	}

	env := readEnvelope(t, dm)
	if env.Event != "approval_required" {
		t.Errorf("DM 应收到审批推送, got %+v", env)
	}

	player.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := player.ReadMessage(); err == nil {
		t.Error("审批推送不应发给玩家")
	}
}

func TestHubBuffersForOfflineDMAndReplays(t *testing.T) {
	hub := NewHub(WithKeepAliveInterval(0), WithOfflineStore(NewMemoryOfflineStore(10)))

	// DM 不在线：推送进离线存储
	if err := hub.SendToDM(context.Background(), "w1", "approval_required", map[string]any{"approval_id": "a1"}); err != nil {
		t.Fatalf("离线缓存失败: %v", err)
	}

	// DM 上线：注册时重放积压
	dm := dialConn(t, hub, "w1", RoleDM)
	env := readEnvelope(t, dm)
	if env.Event != "approval_required" {
		t.Errorf("重连后应重放错过的审批推送, got %+v", env)
	}
}
