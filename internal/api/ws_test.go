package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"AgentMesh/internal/task"
)

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket 连接失败: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) outboundMessage {
	t.Helper()
	var msg outboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("读取 WebSocket 消息失败: %v", err)
	}
	return msg
}

func TestWebSocketWelcomeAndPing(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f.http.URL)

	if msg := readMessage(t, conn); msg.Type != "welcome" {
		t.Fatalf("首条消息应为 welcome, got %s", msg.Type)
	}

	if err := conn.WriteJSON(inboundMessage{Type: "ping"}); err != nil {
		t.Fatalf("发送 ping 失败: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "pong" {
		t.Fatalf("ping 应收到 pong, got %s", msg.Type)
	}

	if err := conn.WriteJSON(inboundMessage{Type: "bogus"}); err != nil {
		t.Fatalf("发送消息失败: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "error" {
		t.Fatalf("未知类型应收到 error, got %s", msg.Type)
	}
}

func TestWebSocketDispatchPushesUpdates(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f.http.URL)

	if msg := readMessage(t, conn); msg.Type != "welcome" {
		t.Fatalf("首条消息应为 welcome, got %s", msg.Type)
	}

	if err := conn.WriteJSON(inboundMessage{
		Type:        "dispatch",
		Request:     "Is BONK a good buy?",
		RequesterID: "alice",
	}); err != nil {
		t.Fatalf("发送 dispatch 失败: %v", err)
	}

	// 提交后自动订阅：先收到 pending 快照，再收到受理回执。
	first := readMessage(t, conn)
	if first.Type != "task_update" || first.Task == nil || first.Task.Status != task.StatusPending {
		t.Fatalf("应先推送 pending 快照, got %+v", first)
	}
	second := readMessage(t, conn)
	if second.Type != "dispatch_result" || second.Receipt == nil {
		t.Fatalf("应推送受理回执, got %+v", second)
	}
	if second.Receipt.Specialist != "prediction" {
		t.Fatalf("回执专家不符: %s", second.Receipt.Specialist)
	}
}

func TestWebSocketSubscribeExistingTask(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f.http.URL)
	if msg := readMessage(t, conn); msg.Type != "welcome" {
		t.Fatalf("首条消息应为 welcome, got %s", msg.Type)
	}

	if err := conn.WriteJSON(inboundMessage{Type: "subscribe"}); err != nil {
		t.Fatalf("发送 subscribe 失败: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "error" {
		t.Fatalf("缺少 taskId 的订阅应报错, got %s", msg.Type)
	}
}
