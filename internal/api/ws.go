package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"AgentMesh/internal/dispatch"
	"AgentMesh/internal/task"
	"AgentMesh/pkg/logger"
)

// Hub 提供 WebSocket 通道：客户端可以在同一连接上订阅任务进度、
// 提交调度请求并接收实时推送。
type Hub struct {
	upgrader   websocket.Upgrader
	dispatcher *dispatch.Service
}

// NewHub 构造 WebSocket 通道。
func NewHub(dispatcher *dispatch.Service) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 演示部署允许任意来源，生产环境应收紧。
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dispatcher: dispatcher,
	}
}

// inboundMessage 是客户端发来的指令。
type inboundMessage struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId,omitempty"`
	Request     string `json:"request,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
	Specialist  string `json:"specialist,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// outboundMessage 是服务端推送的事件。
type outboundMessage struct {
	Type    string            `json:"type"`
	TaskID  string            `json:"taskId,omitempty"`
	Task    *task.Task        `json:"payload,omitempty"`
	Receipt *dispatch.Receipt `json:"receipt,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// clientConn 串行化并发写，订阅回调与读循环都会向连接写消息。
type clientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *clientConn) send(msg outboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Handle 升级连接并进入指令循环，连接关闭时注销全部订阅。
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	client := &clientConn{conn: conn}
	defer conn.Close()

	unsubscribes := make(map[string]func())
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	_ = client.send(outboundMessage{Type: "welcome"})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			h.handleSubscribe(client, unsubscribes, msg)
		case "dispatch":
			h.handleDispatch(r, client, unsubscribes, msg)
		case "ping":
			_ = client.send(outboundMessage{Type: "pong"})
		default:
			_ = client.send(outboundMessage{Type: "error", Error: "未知的消息类型: " + msg.Type})
		}
	}
}

func (h *Hub) handleSubscribe(client *clientConn, unsubscribes map[string]func(), msg inboundMessage) {
	if msg.TaskID == "" {
		_ = client.send(outboundMessage{Type: "error", Error: "subscribe 需要 taskId"})
		return
	}
	if _, exists := unsubscribes[msg.TaskID]; exists {
		_ = client.send(outboundMessage{Type: "subscribed", TaskID: msg.TaskID})
		return
	}
	unsubscribes[msg.TaskID] = h.subscribe(client, msg.TaskID)
	_ = client.send(outboundMessage{Type: "subscribed", TaskID: msg.TaskID})
}

func (h *Hub) subscribe(client *clientConn, taskID string) func() {
	return h.dispatcher.Subscribe(taskID, func(snapshot *task.Task) {
		_ = client.send(outboundMessage{
			Type:   "task_update",
			TaskID: snapshot.ID,
			Task:   snapshot,
		})
	})
}

func (h *Hub) handleDispatch(r *http.Request, client *clientConn, unsubscribes map[string]func(), msg inboundMessage) {
	receipt, err := h.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Request:     msg.Request,
		RequesterID: msg.RequesterID,
		Specialist:  msg.Specialist,
		DryRun:      msg.DryRun,
	})
	if err != nil {
		_ = client.send(outboundMessage{Type: "error", Error: err.Error()})
		return
	}
	// 提交成功后自动订阅该任务的后续进度。
	if _, exists := unsubscribes[receipt.TaskID]; !exists {
		unsubscribes[receipt.TaskID] = h.subscribe(client, receipt.TaskID)
	}
	_ = client.send(outboundMessage{Type: "dispatch_result", TaskID: receipt.TaskID, Receipt: receipt})
}
